package mcts

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distmv"

	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

type candidate struct {
	cell  int
	prior float64
	rank  float64
}

// expand opens node on the current scratch board: it queries the
// approximators, computes masked priors, mixes root noise, prunes and stores
// the surviving edges ordered by prior. It returns the value net output and
// whether one was available.
func (e *Engine) expand(node int32, noise bool) (float64, bool, error) {
	tile := e.tree.decisions[node].tile
	turn := e.tree.decisions[node].turn

	legal := rules.LegalCells(&e.board, e.legal[:0])
	if len(legal) == 0 {
		return 0, false, fmt.Errorf("%w: board full at turn %d", game.ErrNoLegalMove, turn)
	}
	in := convert.Input{Board: &e.board, Deck: &e.deck, Tile: tile, Turn: turn}
	if err := convert.Encode(e.features, e.set.Format, in); err != nil {
		return 0, false, err
	}

	logits, value, hasValue, err := e.query()
	if err != nil {
		return 0, false, err
	}

	cands := make([]candidate, len(legal))
	priors := e.priors(logits, legal)
	for i, c := range legal {
		cands[i] = candidate{cell: c, prior: priors[i]}
	}
	if noise && turn < e.cfg.DirichletTurnCutoff && e.cfg.DirichletEpsilon > 0 && len(cands) > 1 {
		e.mixNoise(cands)
	}
	cands, err = e.prune(cands, tile, turn)
	if err != nil {
		return 0, false, err
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].prior != cands[j].prior {
			return cands[i].prior > cands[j].prior
		}
		return cands[i].cell < cands[j].cell
	})
	lo := int32(len(e.tree.edges))
	for _, c := range cands {
		e.tree.edges = append(e.tree.edges, edge{cell: int8(c.cell), prior: float32(c.prior), chance: nilNode})
	}
	d := &e.tree.decisions[node]
	d.lo, d.hi = lo, int32(len(e.tree.edges))
	d.value = float32(value)
	return value, hasValue, nil
}

// query evaluates the encoded features. Numeric failures are not errors
// here: the policy falls back to uniform and a broken value is treated as
// missing.
func (e *Engine) query() (inference.Logits, float64, bool, error) {
	var logits inference.Logits
	if e.set.Joint != nil {
		l, v, err := e.set.Joint.Evaluate(e.features)
		switch {
		case err == nil:
			value, ok := clampValue(v)
			return l, value, ok, nil
		case errors.Is(err, inference.ErrNumericFailure):
			e.log.Warn().Err(err).Msg("joint evaluation failed, using uniform priors")
			return nanLogits(), 0, false, nil
		default:
			return logits, 0, false, err
		}
	}

	if e.set.Policy != nil {
		l, err := e.set.Policy.Policy(e.features)
		switch {
		case err == nil:
			logits = l
		case errors.Is(err, inference.ErrNumericFailure):
			e.log.Warn().Err(err).Msg("policy failed, using uniform priors")
			logits = nanLogits()
		default:
			return logits, 0, false, err
		}
	}
	if e.set.Value == nil {
		return logits, 0, false, nil
	}
	v, err := e.set.Value.Value(e.features)
	switch {
	case err == nil:
		value, ok := clampValue(v)
		return logits, value, ok, nil
	case errors.Is(err, inference.ErrNumericFailure):
		e.log.Warn().Err(err).Msg("value failed, moving its weight to rollouts")
		return logits, 0, false, nil
	default:
		return logits, 0, false, err
	}
}

func clampValue(v float32) (float64, bool) {
	x := float64(v)
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	return math.Max(-1, math.Min(1, x)), true
}

func nanLogits() inference.Logits {
	var l inference.Logits
	for i := range l {
		l[i] = float32(math.NaN())
	}
	return l
}

// priors softmaxes the logits of the legal cells. A cell with a non-finite
// logit gets the uniform share 1/len(legal) and the finite cells split the
// rest.
func (e *Engine) priors(logits inference.Logits, legal []int) []float64 {
	out := make([]float64, len(legal))
	maxL := math.Inf(-1)
	finite := 0
	for _, c := range legal {
		x := float64(logits[c])
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		finite++
		maxL = math.Max(maxL, x)
	}
	uniform := 1 / float64(len(legal))
	if bad := len(legal) - finite; bad > 0 {
		e.fallbacks += bad
		e.log.Debug().Int("actions", bad).Msg("non-finite logits replaced by uniform prior")
	}
	if finite == 0 {
		for i := range out {
			out[i] = uniform
		}
		return out
	}

	var sum float64
	for i, c := range legal {
		x := float64(logits[c])
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		out[i] = math.Exp(x - maxL)
		sum += out[i]
	}
	share := float64(finite) / float64(len(legal))
	for i, c := range legal {
		x := float64(logits[c])
		if math.IsNaN(x) || math.IsInf(x, 0) {
			out[i] = uniform
			continue
		}
		out[i] = out[i] / sum * share
	}
	return out
}

func (e *Engine) mixNoise(cands []candidate) {
	alpha := make([]float64, len(cands))
	for i := range alpha {
		alpha[i] = e.cfg.DirichletAlpha
	}
	eta := distmv.NewDirichlet(alpha, e.noise).Rand(nil)
	eps := e.cfg.DirichletEpsilon
	for i := range cands {
		cands[i].prior = (1-eps)*cands[i].prior + eps*eta[i]
	}
}

// prune keeps the top-K cells by Q value when a Q network is available for
// this turn, and otherwise drops the lowest-prior fraction for the turn's
// phase. The surviving priors are renormalised.
func (e *Engine) prune(cands []candidate, tile game.Tile, turn int) ([]candidate, error) {
	keep := len(cands)
	ranked := false
	if e.set.Q != nil && turn < e.cfg.QPruneTurnCutoff && e.cfg.TopK < len(cands) {
		q, err := e.set.Q.Q(e.features, tile)
		switch {
		case err == nil && inference.Finite(q[:]):
			for i := range cands {
				cands[i].rank = float64(q[cands[i].cell])
			}
			keep = e.cfg.TopK
			ranked = true
		case err == nil || errors.Is(err, inference.ErrNumericFailure):
			e.log.Warn().Err(err).Int("turn", turn).Msg("q values unusable, pruning by prior")
		default:
			return nil, err
		}
	}
	if !ranked {
		for i := range cands {
			cands[i].rank = cands[i].prior
		}
		keep -= int(PruneRatio(e.cfg, turn) * float64(len(cands)))
	}
	if keep < 1 {
		keep = 1
	}
	if keep >= len(cands) {
		return cands, nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank > cands[j].rank
		}
		return cands[i].cell < cands[j].cell
	})
	cands = cands[:keep]
	var sum float64
	for _, c := range cands {
		sum += c.prior
	}
	for i := range cands {
		if sum > 0 {
			cands[i].prior /= sum
		} else {
			cands[i].prior = 1 / float64(len(cands))
		}
	}
	return cands, nil
}

// evaluate scores a freshly expanded leaf reached by placing on cell, with
// next already drawn from the scratch deck.
func (e *Engine) evaluate(cell int, next game.Tile, netValue float64, hasValue bool, heuristic float64) float64 {
	wNet, wRoll := e.cfg.WeightNet, e.cfg.WeightRollout
	if !hasValue {
		wRoll += wNet
		wNet = 0
	}

	var total, sum float64
	if wNet > 0 {
		sum += wNet * netValue
		total += wNet
	}
	if wRoll > 0 {
		n := e.cfg.RolloutDefault
		if hasValue {
			n = Rollouts(e.cfg, netValue)
		}
		if n > 0 {
			deck := e.deck
			_ = deck.Put(next)
			var r float64
			for i := 0; i < n; i++ {
				score := rules.Rollout(e.board, deck, e.rng, e.cfg.RolloutGreedyRate)
				r += rules.Normalize(float64(score), e.cfg.ScoreMean, e.cfg.ScoreStd)
			}
			sum += wRoll * r / float64(n)
			total += wRoll
		}
	}
	if w := e.cfg.WeightHeuristic; w > 0 {
		sum += w * math.Max(-1, math.Min(1, heuristic))
		total += w
	}
	if w := e.cfg.WeightContextual; w > 0 {
		sum += w * rules.CompletionPotential(&e.board, cell)
		total += w
	}
	if total == 0 {
		return netValue
	}
	return sum / total
}
