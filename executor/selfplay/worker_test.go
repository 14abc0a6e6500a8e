package selfplay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/agent"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/mcts"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
)

func heuristicSet(t *testing.T) inference.Set {
	t.Helper()
	h, err := inference.NewHeuristic(convert.Grid47)
	require.NoError(t, err)
	return h.Set()
}

func trainingAgent(t *testing.T, seed uint64) agent.Agent {
	t.Helper()
	e, err := mcts.New(config.DefaultSearch(), heuristicSet(t), seed)
	require.NoError(t, err)
	return agent.NewTrainingAgent("test", e, 16)
}

func TestPlayGameSamples(t *testing.T) {
	seeds := game.SeedPair(1, 2)
	res, err := PlayGame(context.Background(), trainingAgent(t, seeds.Rollout), seeds, Options{})
	require.NoError(t, err)
	require.Len(t, res.Samples, game.MaxTurns)

	z := rules.Normalize(float64(res.Score), 140, 40)
	var board game.Board
	for i, s := range res.Samples {
		require.Equal(t, i, s.Turn)
		require.Equal(t, board, s.Board, "sample %d sees the board before its move", i)
		require.Equal(t, z, s.Z)
		var sum float64
		for c, p := range s.Policy {
			sum += p
			if !s.Board.IsEmpty(c) {
				require.Zero(t, p)
			}
		}
		require.InDelta(t, 1.0, sum, 1e-9)

		st := game.State{Board: s.Board, Deck: s.Deck, Turn: s.Turn, Pending: s.Tile}
		require.NoError(t, st.Validate())
		board.Set(s.Cell, s.Tile)
	}
	require.Equal(t, rules.Score(&board), res.Score)
}

func TestPlayGameDeterministic(t *testing.T) {
	seeds := game.SeedPair(10, 20)
	opts := Options{Exploration: 0.2, RandomStart: 3}
	a, err := PlayGame(context.Background(), trainingAgent(t, seeds.Rollout), seeds, opts)
	require.NoError(t, err)
	b, err := PlayGame(context.Background(), trainingAgent(t, seeds.Rollout), seeds, opts)
	require.NoError(t, err)

	require.Equal(t, a.Score, b.Score)
	require.Equal(t, a.Samples, b.Samples)
	require.Len(t, a.Samples, game.MaxTurns-3, "random start moves are not recorded")
	require.Equal(t, 3, a.Samples[0].Turn)
	require.NotEqual(t, a.ID, b.ID)
}

func TestPlayGameFixedSequence(t *testing.T) {
	d := game.FullDeck()
	seq := d.Tiles(nil)
	res, err := PlayGame(context.Background(), agent.NewGreedyAgent(), game.DeriveSeeds(1), Options{Sequence: seq})
	require.NoError(t, err)
	for i, s := range res.Samples {
		require.Equal(t, seq[i], s.Tile)
	}

	_, err = PlayGame(context.Background(), agent.NewGreedyAgent(), game.DeriveSeeds(1), Options{Sequence: seq[:3]})
	require.Error(t, err)
}

func TestRowsRoundTrip(t *testing.T) {
	seeds := game.SeedPair(3, 4)
	res, err := PlayGame(context.Background(), trainingAgent(t, seeds.Rollout), seeds, Options{})
	require.NoError(t, err)

	rows := ToRows(res, "selfplay", "model")
	require.Len(t, rows, len(res.Samples))
	for i, r := range rows {
		require.Equal(t, res.ID, r.GameID)
		require.Equal(t, res.Score, r.FinalScore)

		s, err := FromRow(r)
		require.NoError(t, err)
		want := res.Samples[i]
		require.Equal(t, want.Board, s.Board)
		require.Equal(t, want.Deck, s.Deck)
		require.Equal(t, want.Tile, s.Tile)
		require.Equal(t, want.Cell, s.Cell)
		require.InDelta(t, want.Z, s.Z, 1e-6)
		for c := range s.Policy {
			require.InDelta(t, want.Policy[c], s.Policy[c], 1e-6)
		}

		a := make([]float32, convert.Grid47.Size())
		b := make([]float32, convert.Grid47.Size())
		require.NoError(t, want.Features(a, convert.Grid47))
		require.NoError(t, s.Features(b, convert.Grid47))
		require.Equal(t, a, b)
	}
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.SelfPlay.Games = 5
	cfg.SelfPlay.Workers = 3
	cfg.SelfPlay.Seed = 99

	collect := func() map[game.Seeds]int32 {
		out := make(chan GameResult, 1)
		errc := make(chan error, 1)
		go func() {
			errc <- Run(context.Background(), RunConfig{
				Search:      cfg.Search,
				SelfPlay:    cfg.SelfPlay,
				Simulations: 8,
			}, inference.NewShared(heuristicSet(t)), out)
		}()
		scores := map[game.Seeds]int32{}
		for g := range out {
			require.Len(t, g.Samples, game.MaxTurns)
			scores[g.Seeds] = g.Score
		}
		require.NoError(t, <-errc)
		return scores
	}

	first := collect()
	require.Len(t, first, 5)
	require.Equal(t, first, collect(), "scores do not depend on scheduling")
}

func TestRunCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.SelfPlay.Games = 100
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan GameResult)
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx, RunConfig{Search: cfg.Search, SelfPlay: cfg.SelfPlay, Simulations: 4}, inference.NewShared(heuristicSet(t)), out)
	}()
	<-out
	cancel()
	for range out {
	}
	require.Error(t, <-errc)
}

func TestGameSeedsDistinct(t *testing.T) {
	seen := map[game.Seeds]bool{}
	for i := 0; i < 1000; i++ {
		s := GameSeeds(7, i)
		require.False(t, seen[s])
		seen[s] = true
	}
}
