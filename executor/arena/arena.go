// Package arena plays agents against each other on shared tile sequences
// and decides whether a candidate model is strong enough to promote.
package arena

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/agent"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/mcts"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/executor/stats"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

// ErrEvaluationInsufficient means the candidate did not clear the promotion
// bar.
var ErrEvaluationInsufficient = errors.New("evaluation insufficient")

// Factory builds a fresh agent for game i. Agents are not shared between
// games, so games can run in parallel.
type Factory func(i int) (agent.Agent, error)

// SearchFactory returns evaluation agents over set, each engine seeded from
// the game index.
func SearchFactory(name string, cfg config.Search, set inference.Set, sims int, seed uint64) Factory {
	return func(i int) (agent.Agent, error) {
		e, err := mcts.New(cfg, set, selfplay.GameSeeds(seed, i).Rollout)
		if err != nil {
			return nil, err
		}
		return agent.NewEvaluationAgent(name, e, sims), nil
	}
}

// Match fixes the tile sequences both sides play.
type Match struct {
	Games   int
	Seed    uint64
	Workers int
}

// Sequence is the tile order of game i.
func (m Match) Sequence(i int) []game.Tile {
	d := game.FullDeck()
	return d.Sequence(game.NewRand(selfplay.GameSeeds(m.Seed, i).Draw))
}

func (m Match) workers() int {
	if m.Workers <= 0 {
		return 1
	}
	return m.Workers
}

// Pair is the final score of both sides on one sequence.
type Pair struct {
	Game int
	A, B int32
}

// PlayPaired plays every sequence of m once with a and once with b.
func PlayPaired(ctx context.Context, m Match, a, b Factory) ([]Pair, error) {
	pairs := make([]Pair, m.Games)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers())
	for i := 0; i < m.Games; i++ {
		g.Go(func() error {
			tiles := m.Sequence(i)
			sa, err := playOne(ctx, a, i, tiles)
			if err != nil {
				return err
			}
			sb, err := playOne(ctx, b, i, tiles)
			if err != nil {
				return err
			}
			pairs[i] = Pair{Game: i, A: sa, B: sb}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pairs, nil
}

// Scores plays every sequence of m with f.
func Scores(ctx context.Context, m Match, f Factory) ([]int32, error) {
	out := make([]int32, m.Games)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers())
	for i := 0; i < m.Games; i++ {
		g.Go(func() error {
			s, err := playOne(ctx, f, i, m.Sequence(i))
			out[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func playOne(ctx context.Context, f Factory, i int, tiles []game.Tile) (int32, error) {
	a, err := f(i)
	if err != nil {
		return 0, fmt.Errorf("game %d: %w", i, err)
	}
	s, err := agent.Play(ctx, a, tiles)
	if err != nil {
		return 0, fmt.Errorf("game %d: %w", i, err)
	}
	return rules.Score(&s.Board), nil
}

// Gate promotes when mean(B) - mean(A) >= Threshold and Welch's p-value is
// below 1 - Confidence.
type Gate struct {
	Threshold  float64
	Confidence float64
}

func NewGate(cfg config.Gate) Gate {
	return Gate{Threshold: cfg.Threshold, Confidence: cfg.Confidence}
}

type Decision struct {
	Games   int
	Delta   float64
	Welch   stats.Welch
	Promote bool
}

func (d Decision) String() string {
	return fmt.Sprintf("games=%d A=%.2f B=%.2f delta=%+.2f t=%.3f p=%.4f promote=%v",
		d.Games, d.Welch.MeanA, d.Welch.MeanB, d.Delta, d.Welch.T, d.Welch.P, d.Promote)
}

// Decide returns the decision and, when it rejects, an error matching
// ErrEvaluationInsufficient.
func (g Gate) Decide(pairs []Pair) (Decision, error) {
	d := Decision{Games: len(pairs)}
	if len(pairs) < 2 {
		return d, fmt.Errorf("%w: %d games", ErrEvaluationInsufficient, len(pairs))
	}
	a := make([]float64, len(pairs))
	b := make([]float64, len(pairs))
	for i, p := range pairs {
		a[i], b[i] = float64(p.A), float64(p.B)
	}
	d.Welch = stats.WelchTest(a, b)
	d.Delta = d.Welch.MeanB - d.Welch.MeanA
	d.Promote = d.Delta >= g.Threshold && d.Welch.P < 1-g.Confidence
	if !d.Promote {
		return d, fmt.Errorf("%w: delta %+.2f (need %.2f), p %.4f (need < %.4f)",
			ErrEvaluationInsufficient, d.Delta, g.Threshold, d.Welch.P, 1-g.Confidence)
	}
	return d, nil
}
