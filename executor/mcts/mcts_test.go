package mcts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

func emptyRequest(t *testing.T, tile game.Tile) Request {
	t.Helper()
	deck := game.FullDeck()
	require.NoError(t, deck.Draw(tile))
	return Request{Deck: deck, Tile: tile}
}

// midgameRequest plays n random placements and draws the next tile.
func midgameRequest(t *testing.T, n int, seed uint64) Request {
	t.Helper()
	r := game.NewRand(seed)
	s := game.NewState()
	var buf [game.NumCells]int
	for i := 0; i < n; i++ {
		_, err := rules.DrawRandom(s, r)
		require.NoError(t, err)
		legal := rules.LegalCells(&s.Board, buf[:0])
		require.NoError(t, rules.Place(s, legal[r.IntN(len(legal))]))
	}
	tile, err := rules.DrawRandom(s, r)
	require.NoError(t, err)
	return Request{Board: s.Board, Deck: s.Deck, Tile: tile, Turn: s.Turn}
}

func heuristicSet(t *testing.T) inference.Set {
	t.Helper()
	h, err := inference.NewHeuristic(convert.Grid47)
	require.NoError(t, err)
	return h.Set()
}

func pureSet() inference.Set {
	return inference.Set{Format: convert.Grid47, Policy: inference.Uniform{}}
}

func newEngine(t *testing.T, cfg config.Search, set inference.Set, seed uint64, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, set, seed, opts...)
	require.NoError(t, err)
	return e
}

func TestPlanVisitDistribution(t *testing.T) {
	req := midgameRequest(t, 6, 11)
	req.Simulations = 60
	e := newEngine(t, config.DefaultSearch(), pureSet(), 1)

	res, err := e.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 60, res.Simulations)

	var sum float64
	var visits int32
	for c := 0; c < game.NumCells; c++ {
		sum += res.Policy[c]
		visits += res.Visits[c]
		if !req.Board.IsEmpty(c) {
			require.Zero(t, res.Policy[c], "occupied cell %d", c)
			require.Zero(t, res.Visits[c], "occupied cell %d", c)
		}
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	require.Equal(t, int32(60), visits)
	require.True(t, req.Board.IsEmpty(res.Cell))

	for c := range res.Visits {
		require.LessOrEqual(t, res.Visits[c], res.Visits[res.Cell], "cell %d visited more than the chosen one", c)
	}
	require.GreaterOrEqual(t, res.Value, -1.0)
	require.LessOrEqual(t, res.Value, 1.0)
}

func TestPlanPicksCenterWithGreedyEvaluator(t *testing.T) {
	e := newEngine(t, config.DefaultSearch(), heuristicSet(t), 42)

	tile := game.Tile{A: 1, B: 2, C: 3}
	req := emptyRequest(t, tile)
	req.Simulations = 100
	res, err := e.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 9, res.Cell)
	require.Greater(t, len(e.tree.edgesOf(0)), 1, "search ran over several candidates")

	var total int32
	for c, n := range res.Visits {
		total += n
		require.LessOrEqual(t, n, res.Visits[9], "cell %d", c)
	}
	require.Equal(t, int32(100), total)

	var b game.Board
	require.InDelta(t, 6.0, rules.AlignmentScore(&b, res.Cell, tile), 1e-9)
}

func TestPlanBreaksVisitTiesByPrior(t *testing.T) {
	e := newEngine(t, config.DefaultSearch(), heuristicSet(t), 42)
	req := emptyRequest(t, game.Tile{A: 1, B: 2, C: 3})
	req.Simulations = 100
	_, err := e.Plan(context.Background(), req)
	require.NoError(t, err)

	edges := e.tree.edgesOf(0)
	require.GreaterOrEqual(t, len(edges), 2)
	lo, hi := edges[0], edges[1]
	require.NotEqual(t, lo.prior, hi.prior)
	if lo.prior > hi.prior {
		lo, hi = hi, lo
	}
	var res Result
	for _, ed := range edges {
		res.Visits[ed.cell] = 1
		res.Priors[ed.cell] = float64(ed.prior)
	}
	res.Visits[lo.cell], res.Visits[hi.cell] = 50, 50
	require.Equal(t, int(hi.cell), e.mostVisited(0, &res))

	res.Visits[lo.cell] = 51
	require.Equal(t, int(lo.cell), e.mostVisited(0, &res))
}

func TestPlanQPruneKeepsTopK(t *testing.T) {
	cfg := config.DefaultSearch()
	e := newEngine(t, cfg, heuristicSet(t), 3)
	req := emptyRequest(t, game.Tile{A: 5, B: 6, C: 4})
	req.Simulations = 40
	res, err := e.Plan(context.Background(), req)
	require.NoError(t, err)

	kept := 0
	var sum float64
	for c, p := range res.Priors {
		if p > 0 {
			kept++
		} else {
			require.Zero(t, res.Visits[c], "pruned cell %d was visited", c)
		}
		sum += p
	}
	require.Equal(t, cfg.TopK, kept)
	require.InDelta(t, 1.0, sum, 1e-6)
}

func TestPlanPruneRatioWithoutQ(t *testing.T) {
	cfg := config.DefaultSearch()
	cfg.PruneEarly = 0.5
	e := newEngine(t, cfg, pureSet(), 3)
	req := emptyRequest(t, game.Tile{A: 9, B: 7, C: 8})
	req.Simulations = 1
	res, err := e.Plan(context.Background(), req)
	require.NoError(t, err)

	kept := 0
	for _, p := range res.Priors {
		if p > 0 {
			kept++
		}
	}
	require.Equal(t, game.NumCells-9, kept)
}

func TestPlanCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEngine(t, config.DefaultSearch(), heuristicSet(t), 5, WithProgress(func(done int) {
		if done == 10 {
			cancel()
		}
	}))

	req := midgameRequest(t, 4, 21)
	req.Simulations = 1000
	res, err := e.Plan(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Cancelled)
	require.Equal(t, 10, res.Simulations)
	require.True(t, req.Board.IsEmpty(res.Cell))
	require.GreaterOrEqual(t, res.Visits[res.Cell], int32(1))
}

func TestPlanZeroSimulationsUsesPriors(t *testing.T) {
	cfg := config.DefaultSearch()
	cfg.Simulations = 0
	e := newEngine(t, cfg, heuristicSet(t), 9)

	res, err := e.Plan(context.Background(), emptyRequest(t, game.Tile{A: 1, B: 2, C: 3}))
	require.NoError(t, err)
	require.Zero(t, res.Simulations)
	require.Equal(t, 9, res.Cell)
	require.Equal(t, res.Priors, res.Policy)
}

type brokenPolicy struct {
	err error
}

func (p brokenPolicy) Policy([]float32) (inference.Logits, error) {
	if p.err != nil {
		return inference.Logits{}, p.err
	}
	var l inference.Logits
	l[0] = float32(math.NaN())
	l[5] = float32(math.Inf(1))
	l[9] = 2
	return l, nil
}

func TestPlanNumericFallback(t *testing.T) {
	cfg := config.DefaultSearch()
	cfg.PruneEarly = 0

	t.Run("non-finite logits", func(t *testing.T) {
		set := inference.Set{Format: convert.Grid47, Policy: brokenPolicy{}}
		stats := &recorder{}
		e := newEngine(t, cfg, set, 1, WithCollector(stats))
		req := emptyRequest(t, game.Tile{A: 1, B: 6, C: 8})
		req.Simulations = 5
		res, err := e.Plan(context.Background(), req)
		require.NoError(t, err)

		uniform := 1.0 / game.NumCells
		require.InDelta(t, uniform, res.Priors[0], 1e-6)
		require.InDelta(t, uniform, res.Priors[5], 1e-6)
		require.Greater(t, res.Priors[9], res.Priors[1])
		var sum float64
		for _, p := range res.Priors {
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-6)
		require.GreaterOrEqual(t, stats.last().Fallbacks, 2)
	})

	t.Run("numeric error", func(t *testing.T) {
		set := inference.Set{
			Format: convert.Grid47,
			Policy: brokenPolicy{err: fmt.Errorf("policy head: %w", inference.ErrNumericFailure)},
		}
		e := newEngine(t, cfg, set, 1)
		req := emptyRequest(t, game.Tile{A: 1, B: 6, C: 8})
		req.Simulations = 5
		res, err := e.Plan(context.Background(), req)
		require.NoError(t, err)
		for c := range res.Priors {
			require.InDelta(t, 1.0/game.NumCells, res.Priors[c], 1e-6)
		}
	})
}

func TestPlanDeterministic(t *testing.T) {
	for _, sample := range []bool{false, true} {
		t.Run(fmt.Sprintf("sample=%v", sample), func(t *testing.T) {
			req := midgameRequest(t, 3, 77)
			req.Simulations = 50
			req.Sample = sample

			a, err := newEngine(t, config.DefaultSearch(), heuristicSet(t), 123).Plan(context.Background(), req)
			require.NoError(t, err)
			b, err := newEngine(t, config.DefaultSearch(), heuristicSet(t), 123).Plan(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, a, b)
		})
	}
}

func TestPlanLeavesRequestUntouched(t *testing.T) {
	req := midgameRequest(t, 8, 5)
	before := req
	e := newEngine(t, config.DefaultSearch(), pureSet(), 8)
	req.Simulations = 30
	_, err := e.Plan(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, before.Board, e.board, "scratch board rolled back")
	require.Equal(t, before.Deck, e.deck, "scratch deck rolled back")
}

func TestPlanRejectsBrokenState(t *testing.T) {
	e := newEngine(t, config.DefaultSearch(), pureSet(), 1)

	t.Run("tile still in deck", func(t *testing.T) {
		req := Request{Deck: game.FullDeck(), Tile: game.Tile{A: 1, B: 2, C: 3}}
		_, err := e.Plan(context.Background(), req)
		require.True(t, errors.Is(err, ErrSearchFailed))
		require.True(t, errors.Is(err, game.ErrBoardInvariantViolated))
		var serr *SearchError
		require.True(t, errors.As(err, &serr))
		require.Equal(t, 0, serr.Turn)
	})

	t.Run("board full", func(t *testing.T) {
		req := midgameRequest(t, game.NumCells, 2)
		_, err := e.Plan(context.Background(), req)
		require.True(t, errors.Is(err, ErrSearchFailed))
		require.True(t, errors.Is(err, game.ErrNoLegalMove))
	})

	t.Run("malformed tile", func(t *testing.T) {
		req := Request{Deck: game.FullDeck(), Tile: game.Tile{A: 2, B: 2, C: 2}}
		_, err := e.Plan(context.Background(), req)
		require.True(t, errors.Is(err, ErrSearchFailed))
	})
}

func TestPlanWideningBound(t *testing.T) {
	cfg := config.DefaultSearch()
	e := newEngine(t, cfg, pureSet(), 4)
	for _, sims := range []int{1, 5, 20, 80} {
		req := emptyRequest(t, game.Tile{A: 5, B: 2, C: 8})
		req.Simulations = sims
		res, err := e.Plan(context.Background(), req)
		require.NoError(t, err)

		total := 0
		for _, p := range res.Priors {
			if p > 0 {
				total++
			}
		}
		require.LessOrEqual(t, res.Opened, Widen(cfg, sims, total))
		visited := 0
		for _, n := range res.Visits {
			if n > 0 {
				visited++
			}
		}
		require.LessOrEqual(t, visited, res.Opened)
	}
}

func TestWiden(t *testing.T) {
	cfg := config.DefaultSearch()
	tests := []struct {
		n, total, want int
	}{
		{0, 19, 3},
		{1, 19, 3},
		{10, 19, 4},
		{100, 19, 10},
		{10000, 19, 19},
		{100, 6, 6},
		{0, 2, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d total=%d", tt.n, tt.total), func(t *testing.T) {
			require.Equal(t, tt.want, Widen(cfg, tt.n, tt.total))
		})
	}
	for n := 0; n < 500; n++ {
		require.LessOrEqual(t, Widen(cfg, n, 19), Widen(cfg, n+1, 19), "widening shrank at n=%d", n)
	}
}

func TestSchedules(t *testing.T) {
	cfg := config.DefaultSearch()

	require.Equal(t, 1.8, Temperature(cfg, 0))
	require.Equal(t, 1.8, Temperature(cfg, 7))
	require.InDelta(t, 1.15, Temperature(cfg, 10), 1e-9)
	require.Equal(t, 0.5, Temperature(cfg, 13))
	require.Equal(t, 0.5, Temperature(cfg, 18))

	require.Equal(t, 150, Simulations(cfg, 10))
	require.Less(t, Simulations(cfg, 0), Simulations(cfg, 10))
	require.Less(t, Simulations(cfg, 10), Simulations(cfg, 17))

	require.Equal(t, 4.2, CPuct(cfg, 4))
	require.Equal(t, 3.8, CPuct(cfg, 5))
	require.Equal(t, 3.0, CPuct(cfg, 16))

	require.Equal(t, 1.3, VarianceMultiplier(cfg, 0.6))
	require.Equal(t, 1.1, VarianceMultiplier(cfg, 0.3))
	require.Equal(t, 1.0, VarianceMultiplier(cfg, 0.1))
	require.Equal(t, 0.85, VarianceMultiplier(cfg, 0.01))

	require.Equal(t, 3, Rollouts(cfg, 0.9))
	require.Equal(t, 5, Rollouts(cfg, 0.5))
	require.Equal(t, 7, Rollouts(cfg, 0))
	require.Equal(t, 9, Rollouts(cfg, -0.8))

	require.Equal(t, 0.05, PruneRatio(cfg, 0))
	require.Equal(t, 0.10, PruneRatio(cfg, 5))
	require.Equal(t, 0.15, PruneRatio(cfg, 14))
	require.Equal(t, 0.20, PruneRatio(cfg, 15))
}

func TestVisitDistributionTemperature(t *testing.T) {
	var visits [game.NumCells]int32
	visits[2], visits[7] = 30, 10

	pi := visitDistribution(visits, 1)
	require.InDelta(t, 0.75, pi[2], 1e-9)
	require.InDelta(t, 0.25, pi[7], 1e-9)

	sharp := visitDistribution(visits, 0.5)
	require.InDelta(t, 0.9, sharp[2], 1e-9)
	require.Greater(t, sharp[2], pi[2])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultSearch()
	cfg.WeightNet = 0.9
	_, err := New(cfg, pureSet(), 1)
	require.True(t, errors.Is(err, config.ErrConfigInvalid))
}

type recorder struct {
	mu    sync.Mutex
	stats []PlanStats
}

func (r *recorder) ObservePlan(s PlanStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

func (r *recorder) last() PlanStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats[len(r.stats)-1]
}

func TestCollectorObservesPlans(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, config.DefaultSearch(), heuristicSet(t), 6, WithCollector(rec))
	req := midgameRequest(t, 2, 9)
	req.Simulations = 25
	_, err := e.Plan(context.Background(), req)
	require.NoError(t, err)

	s := rec.last()
	require.Equal(t, 25, s.Simulations)
	require.Equal(t, 25, s.Budget)
	require.Equal(t, 2, s.Turn)
	require.Greater(t, s.Nodes, 1)
	require.GreaterOrEqual(t, s.MaxDepth, 1)
	require.False(t, s.Cancelled)
}

func TestPlanRootNoise(t *testing.T) {
	cfg := config.DefaultSearch()
	cfg.PruneEarly, cfg.PruneMid1, cfg.PruneMid2, cfg.PruneLate = 0, 0, 0, 0

	plan := func(req Request, sample bool) (Result, *Engine) {
		e := newEngine(t, cfg, pureSet(), 5)
		req.Simulations = 30
		req.Sample = sample
		res, err := e.Plan(context.Background(), req)
		require.NoError(t, err)
		return res, e
	}

	t.Run("before cutoff", func(t *testing.T) {
		req := midgameRequest(t, 4, 21)
		require.Less(t, req.Turn, cfg.DirichletTurnCutoff)
		clean, _ := plan(req, false)
		noisy, e := plan(req, true)

		changed := 0
		var sum float64
		for c := range noisy.Priors {
			if !req.Board.IsEmpty(c) {
				require.Zero(t, noisy.Priors[c], "occupied cell %d", c)
				continue
			}
			sum += noisy.Priors[c]
			if math.Abs(noisy.Priors[c]-clean.Priors[c]) > 1e-6 {
				changed++
			}
		}
		require.InDelta(t, 1.0, sum, 1e-5)
		require.Positive(t, changed)

		// Only the root is perturbed.
		for n := 1; n < len(e.tree.decisions); n++ {
			edges := e.tree.edgesOf(int32(n))
			for _, ed := range edges {
				require.InDelta(t, 1/float64(len(edges)), float64(ed.prior), 1e-6, "node %d", n)
			}
		}
	})

	t.Run("past cutoff", func(t *testing.T) {
		req := midgameRequest(t, cfg.DirichletTurnCutoff, 21)
		clean, _ := plan(req, false)
		noisy, _ := plan(req, true)
		require.Equal(t, clean.Priors, noisy.Priors)
	})
}
