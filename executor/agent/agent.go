// Package agent wraps the ways of choosing a placement behind one interface
// so self-play, training and the arena can pit them against each other.
package agent

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/tiezero/tiezero/executor/mcts"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

// Move is a chosen cell with the distribution it was chosen from.
type Move struct {
	Cell   int
	Policy [game.NumCells]float64
	Value  float64
}

// Agent places the pending tile of a state. Agents are not safe for
// concurrent use; give each worker its own.
type Agent interface {
	Name() string
	Choose(ctx context.Context, s *game.State) (Move, error)
}

type searchAgent struct {
	name   string
	engine *mcts.Engine
	sims   int
	sample bool
}

// NewEvaluationAgent plays the most visited cell. A non-positive sims uses
// the engine's adaptive budget.
func NewEvaluationAgent(name string, engine *mcts.Engine, sims int) Agent {
	return &searchAgent{name: name, engine: engine, sims: sims}
}

// NewTrainingAgent samples from the visit distribution at the scheduled
// temperature with root noise, for self-play.
func NewTrainingAgent(name string, engine *mcts.Engine, sims int) Agent {
	return &searchAgent{name: name, engine: engine, sims: sims, sample: true}
}

func (a *searchAgent) Name() string { return a.name }

func (a *searchAgent) Choose(ctx context.Context, s *game.State) (Move, error) {
	res, err := a.engine.Plan(ctx, mcts.Request{
		Board:       s.Board,
		Deck:        s.Deck,
		Tile:        s.Pending,
		Turn:        s.Turn,
		Simulations: a.sims,
		Sample:      a.sample,
	})
	if err != nil {
		return Move{}, err
	}
	return Move{Cell: res.Cell, Policy: res.Policy, Value: res.Value}, nil
}

type greedyAgent struct {
	legal []int
}

// NewGreedyAgent places each tile where the one-step placement value is
// highest.
func NewGreedyAgent() Agent {
	return &greedyAgent{legal: make([]int, 0, game.NumCells)}
}

func (*greedyAgent) Name() string { return "greedy" }

func (a *greedyAgent) Choose(_ context.Context, s *game.State) (Move, error) {
	a.legal = rules.LegalCells(&s.Board, a.legal[:0])
	cell, v := rules.GreedyCell(&s.Board, s.Pending, a.legal)
	if cell < 0 {
		return Move{}, fmt.Errorf("%w: turn %d", game.ErrNoLegalMove, s.Turn)
	}
	m := Move{Cell: cell, Value: v}
	m.Policy[cell] = 1
	return m, nil
}

type randomAgent struct {
	r     *rand.Rand
	legal []int
}

// NewRandomAgent places uniformly at random among the empty cells.
func NewRandomAgent(seed uint64) Agent {
	return &randomAgent{r: game.NewRand(seed), legal: make([]int, 0, game.NumCells)}
}

func (*randomAgent) Name() string { return "random" }

func (a *randomAgent) Choose(_ context.Context, s *game.State) (Move, error) {
	a.legal = rules.LegalCells(&s.Board, a.legal[:0])
	if len(a.legal) == 0 {
		return Move{}, fmt.Errorf("%w: turn %d", game.ErrNoLegalMove, s.Turn)
	}
	var m Move
	for _, c := range a.legal {
		m.Policy[c] = 1 / float64(len(a.legal))
	}
	m.Cell = a.legal[a.r.IntN(len(a.legal))]
	return m, nil
}

// Play runs a whole game drawing tiles in the given order and returns the
// final state. tiles must hold at least game.MaxTurns tiles.
func Play(ctx context.Context, a Agent, tiles []game.Tile) (*game.State, error) {
	if len(tiles) < game.MaxTurns {
		return nil, fmt.Errorf("play: sequence of %d tiles, need %d", len(tiles), game.MaxTurns)
	}
	s := game.NewState()
	for i := 0; !rules.IsGameOver(s); i++ {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if err := rules.DrawTile(s, tiles[i]); err != nil {
			return s, fmt.Errorf("turn %d: %w", s.Turn, err)
		}
		m, err := a.Choose(ctx, s)
		if err != nil {
			return s, fmt.Errorf("%s turn %d: %w", a.Name(), s.Turn, err)
		}
		if err := rules.Place(s, m.Cell); err != nil {
			return s, fmt.Errorf("%s turn %d: %w", a.Name(), s.Turn, err)
		}
	}
	return s, nil
}
