// Package mcts plans single placements with Monte-Carlo tree search.
//
// The tree alternates decision nodes, where the drawn tile is known and a
// cell is chosen, with chance nodes, where the next tile is sampled from the
// remaining deck. Leaves are scored by a weighted mix of the value network,
// greedy rollouts, a one-step placement heuristic and a line completion
// signal. An Engine is owned by one goroutine; run one per worker.
package mcts

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

// Request is the input of one plan call. Deck holds the tiles still to be
// drawn and excludes Tile.
type Request struct {
	Board game.Board
	Deck  game.Deck
	Tile  game.Tile
	Turn  int

	// Simulations overrides the adaptive budget when positive.
	Simulations int
	// Sample draws the move from the visit distribution at the scheduled
	// temperature and mixes Dirichlet noise into the root priors. Otherwise
	// the most visited cell is played.
	Sample bool
}

// Result is the outcome of one plan call.
type Result struct {
	Cell        int
	Policy      [game.NumCells]float64 // visit distribution at Temperature
	Visits      [game.NumCells]int32
	Priors      [game.NumCells]float64 // root priors after noise and pruning
	Value       float64                // mean backed-up value of the root
	Temperature float64
	Simulations int
	Opened      int // root actions exposed by progressive widening
	Cancelled   bool
}

type Option func(*Engine)

func WithCollector(c Collector) Option {
	return func(e *Engine) { e.collector = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithProgress registers a callback invoked after every simulation with the
// number completed so far.
func WithProgress(fn func(done int)) Option {
	return func(e *Engine) { e.progress = fn }
}

// Engine runs searches against one approximator set. It reuses its tree
// storage between plans and is not safe for concurrent use.
type Engine struct {
	cfg       config.Search
	set       inference.Set
	rng       *rand.Rand // chance draws and rollouts
	noise     *rand.Rand // Dirichlet noise and move sampling
	collector Collector
	log       zerolog.Logger
	progress  func(int)

	tree     arena
	board    game.Board
	deck     game.Deck
	undo     undo
	path     []step
	features []float32
	legal    []int

	fallbacks int
	maxDepth  int
}

// New validates cfg and builds an engine. The seed is split into
// independent streams for chance draws, rollouts and noise.
func New(cfg config.Search, set inference.Set, seed uint64, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seeds := game.DeriveSeeds(seed)
	e := &Engine{
		cfg:       cfg,
		set:       set,
		rng:       game.NewRand(seeds.Rollout),
		noise:     game.NewRand(seeds.Noise),
		collector: nopCollector{},
		log:       log.With().Str("component", "mcts").Logger(),
		features:  make([]float32, set.Format.Size()),
		legal:     make([]int, 0, game.NumCells),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetModels replaces the approximators used by subsequent plans.
func (e *Engine) SetModels(set inference.Set) {
	e.set = set
	if len(e.features) != set.Format.Size() {
		e.features = make([]float32, set.Format.Size())
	}
}

func (e *Engine) Config() config.Search { return e.cfg }

func (e *Engine) validate(req *Request) error {
	if !req.Tile.Valid() {
		return fmt.Errorf("%w: tile %s is not playable", game.ErrBoardInvariantViolated, req.Tile)
	}
	s := game.State{Board: req.Board, Deck: req.Deck, Turn: req.Turn, Pending: req.Tile}
	if err := s.Validate(); err != nil {
		return err
	}
	if req.Board.Full() {
		return fmt.Errorf("%w: board full at turn %d", game.ErrNoLegalMove, req.Turn)
	}
	return nil
}

// Plan searches the placement of req.Tile. Cancelling ctx stops the search
// between simulations and returns the best cell found so far. Errors match
// ErrSearchFailed and wrap the game error that caused them.
func (e *Engine) Plan(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	var res Result
	if err := e.validate(&req); err != nil {
		return res, fail(req.Turn, err)
	}

	budget := req.Simulations
	if budget <= 0 {
		budget = Simulations(e.cfg, req.Turn)
	}

	e.tree.reset()
	e.board = req.Board
	e.deck = req.Deck
	e.fallbacks = 0
	e.maxDepth = 0

	root := e.tree.newDecision(req.Tile, req.Turn)
	if _, _, err := e.expand(root, req.Sample); err != nil {
		return res, fail(req.Turn, err)
	}

	done := 0
	for done < budget {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if err := e.simulate(root); err != nil {
			return res, fail(req.Turn, err)
		}
		done++
		if e.progress != nil {
			e.progress(done)
		}
	}

	e.fill(root, &res, req)
	res.Simulations = done
	e.collector.ObservePlan(PlanStats{
		Turn:        req.Turn,
		Simulations: done,
		Budget:      budget,
		Nodes:       len(e.tree.decisions) + len(e.tree.chances),
		MaxDepth:    e.maxDepth,
		Fallbacks:   e.fallbacks,
		Cancelled:   res.Cancelled,
		Duration:    time.Since(start),
	})
	return res, nil
}

// simulate runs one select, expand, evaluate and backup pass from root. The
// scratch board and deck are restored before it returns.
func (e *Engine) simulate(root int32) error {
	e.path = e.path[:0]
	defer e.undo.rollback(&e.board, &e.deck)

	node := root
	var value float64
	for {
		ei := e.selectEdge(node, node == root)
		d := &e.tree.decisions[node]
		tile := d.tile
		cell := int(e.tree.edges[ei].cell)
		if !e.board.IsEmpty(cell) {
			return fmt.Errorf("%w: edge to occupied cell %d", game.ErrBoardInvariantViolated, cell)
		}

		var heuristic float64
		if e.cfg.WeightHeuristic > 0 {
			heuristic = rules.PlacementValue(&e.board, cell, tile) / e.cfg.HeuristicScale
		}
		e.board.Set(cell, tile)
		e.undo.cells = append(e.undo.cells, cell)
		e.path = append(e.path, step{node: node, edge: ei})
		turn := d.turn + 1

		if e.board.Full() || e.deck.Len() == 0 {
			value = rules.Normalize(float64(rules.Score(&e.board)), e.cfg.ScoreMean, e.cfg.ScoreStd)
			break
		}

		ch := e.tree.edges[ei].chance
		if ch == nilNode {
			ch = e.tree.newChance()
			e.tree.edges[ei].chance = ch
		}
		next := e.deck.Nth(e.rng.IntN(e.deck.Len()))
		if err := e.deck.Draw(next); err != nil {
			return err
		}
		e.undo.tiles = append(e.undo.tiles, next)

		child := e.tree.chances[ch].next[next.Index()]
		if child == nilNode {
			child = e.tree.newDecision(next, turn)
			e.tree.chances[ch].next[next.Index()] = child
			netValue, hasValue, err := e.expand(child, false)
			if err != nil {
				return err
			}
			value = e.evaluate(cell, next, netValue, hasValue, heuristic)
			break
		}
		node = child
	}

	if len(e.path) > e.maxDepth {
		e.maxDepth = len(e.path)
	}
	for _, s := range e.path {
		e.tree.decisions[s.node].visits++
		ed := &e.tree.edges[s.edge]
		ed.visits++
		ed.value += value
	}
	return nil
}

// selectEdge widens node for its current visit count and returns the
// absolute index of the PUCT-best visible edge. Ties go to the smallest cell.
func (e *Engine) selectEdge(node int32, isRoot bool) int32 {
	d := &e.tree.decisions[node]
	total := int(d.hi - d.lo)
	if k := int32(Widen(e.cfg, int(d.visits), total)); k > d.opened {
		d.opened = k
	}

	c := CPuct(e.cfg, d.turn)
	if isRoot {
		c *= VarianceMultiplier(e.cfg, e.spread(node))
	}
	sqrtN := math.Sqrt(math.Max(1, float64(d.visits)))

	best := d.lo
	bestScore := math.Inf(-1)
	for i := d.lo; i < d.lo+d.opened; i++ {
		ed := &e.tree.edges[i]
		u := ed.q(e.cfg.FirstPlayUrgency) + c*float64(ed.prior)*sqrtN/(1+float64(ed.visits))
		if u > bestScore || (u == bestScore && ed.cell < e.tree.edges[best].cell) {
			best, bestScore = i, u
		}
	}
	return best
}

// spread is the standard deviation of the mean values of the visited
// children of node.
func (e *Engine) spread(node int32) float64 {
	var sum, sumSq float64
	n := 0
	for _, ed := range e.tree.edgesOf(node) {
		if ed.visits == 0 {
			continue
		}
		q := ed.value / float64(ed.visits)
		sum += q
		sumSq += q * q
		n++
	}
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	return math.Sqrt(math.Max(0, sumSq/float64(n)-mean*mean))
}

// fill derives the root statistics and the chosen cell.
func (e *Engine) fill(root int32, res *Result, req Request) {
	d := &e.tree.decisions[root]
	res.Temperature = Temperature(e.cfg, req.Turn)
	res.Opened = int(d.opened)

	var visits, value float64
	for _, ed := range e.tree.edgesOf(root) {
		res.Visits[ed.cell] = ed.visits
		res.Priors[ed.cell] = float64(ed.prior)
		visits += float64(ed.visits)
		value += ed.value
	}
	if visits > 0 {
		res.Value = value / visits
	} else {
		res.Value = float64(d.value)
	}

	res.Policy = visitDistribution(res.Visits, res.Temperature)
	if visits == 0 {
		// Nothing was simulated: play from the priors.
		res.Policy = res.Priors
		res.Cell = argmax(res.Priors[:])
		return
	}
	if req.Sample {
		res.Cell = sample(e.noise, res.Policy[:])
		return
	}
	res.Cell = e.mostVisited(root, res)
}

// mostVisited returns the root action with the most visits. Ties go to the
// higher prior, then the higher mean value, then the lower cell.
func (e *Engine) mostVisited(root int32, res *Result) int {
	best := -1
	var bestQ float64
	for _, ed := range e.tree.edgesOf(root) {
		c := int(ed.cell)
		q := ed.q(e.cfg.FirstPlayUrgency)
		if best >= 0 {
			nb, nc := res.Visits[best], res.Visits[c]
			switch {
			case nc < nb:
				continue
			case nc == nb && res.Priors[c] < res.Priors[best]:
				continue
			case nc == nb && res.Priors[c] == res.Priors[best] && (q < bestQ || (q == bestQ && c > best)):
				continue
			}
		}
		best, bestQ = c, q
	}
	return best
}

// visitDistribution returns pi(a) proportional to N(a)^(1/T).
func visitDistribution(visits [game.NumCells]int32, temp float64) [game.NumCells]float64 {
	var pi [game.NumCells]float64
	var sum float64
	inv := 1 / temp
	for c, n := range visits {
		if n == 0 {
			continue
		}
		pi[c] = math.Pow(float64(n), inv)
		sum += pi[c]
	}
	if sum == 0 {
		return pi
	}
	for c := range pi {
		pi[c] /= sum
	}
	return pi
}

func argmax(xs []float64) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func sample(r *rand.Rand, probs []float64) int {
	x := r.Float64()
	var cum float64
	last := -1
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		last = i
		if x < cum {
			return i
		}
	}
	return last
}
