package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/mcts"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

func deckOrder() []game.Tile {
	d := game.FullDeck()
	return d.Tiles(nil)
}

func TestGreedyFixedSequenceReproducible(t *testing.T) {
	ctx := context.Background()
	tiles := deckOrder()

	a, err := Play(ctx, NewGreedyAgent(), tiles)
	require.NoError(t, err)
	b, err := Play(ctx, NewGreedyAgent(), tiles)
	require.NoError(t, err)

	require.True(t, a.Board.Full())
	require.Equal(t, a.Board, b.Board)
	require.Equal(t, rules.Score(&a.Board), rules.Score(&b.Board))
	require.NoError(t, a.Validate())
	for i := 0; i < game.MaxTurns; i++ {
		require.False(t, a.Deck.Contains(tiles[i]), "tile %d was drawn", i)
	}
}

func TestGreedyBeatsRandomOnAverage(t *testing.T) {
	ctx := context.Background()
	var greedy, random int32
	for seed := uint64(0); seed < 20; seed++ {
		d := game.FullDeck()
		tiles := d.Sequence(game.NewRand(seed))
		g, err := Play(ctx, NewGreedyAgent(), tiles)
		require.NoError(t, err)
		r, err := Play(ctx, NewRandomAgent(seed), tiles)
		require.NoError(t, err)
		greedy += rules.Score(&g.Board)
		random += rules.Score(&r.Board)
	}
	require.Greater(t, greedy, random)
}

func TestRandomAgentPolicy(t *testing.T) {
	s := game.NewState()
	require.NoError(t, rules.Play(s, game.Tile{A: 1, B: 2, C: 3}, 0))
	require.NoError(t, rules.DrawTile(s, game.Tile{A: 5, B: 6, C: 4}))

	m, err := NewRandomAgent(3).Choose(context.Background(), s)
	require.NoError(t, err)
	require.NotEqual(t, 0, m.Cell)
	require.Zero(t, m.Policy[0])
	require.InDelta(t, 1.0/18, m.Policy[1], 1e-12)
}

func TestSearchAgents(t *testing.T) {
	h, err := inference.NewHeuristic(convert.Grid47)
	require.NoError(t, err)
	cfg := config.DefaultSearch()

	for _, tc := range []struct {
		name  string
		build func(*mcts.Engine) Agent
	}{
		{"evaluation", func(e *mcts.Engine) Agent { return NewEvaluationAgent("eval", e, 20) }},
		{"training", func(e *mcts.Engine) Agent { return NewTrainingAgent("train", e, 20) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e, err := mcts.New(cfg, h.Set(), 7)
			require.NoError(t, err)
			d := game.FullDeck()
			s, err := Play(context.Background(), tc.build(e), d.Sequence(game.NewRand(4)))
			require.NoError(t, err)
			require.True(t, s.Board.Full())
			require.NoError(t, s.Validate())
		})
	}
}

func TestPlayShortSequence(t *testing.T) {
	_, err := Play(context.Background(), NewGreedyAgent(), deckOrder()[:5])
	require.Error(t, err)
}

func TestPlayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Play(ctx, NewGreedyAgent(), deckOrder())
	require.True(t, errors.Is(err, context.Canceled))
}
