// Package selfplay generates training games by letting the search play
// against the tile bag.
package selfplay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/agent"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/mcts"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/rules"
	"github.com/tiezero/tiezero/store"
)

// Sample is one recorded decision: the position before the move, the
// search's visit distribution and the game's final normalized return.
type Sample struct {
	Board  game.Board
	Deck   game.Deck
	Tile   game.Tile
	Turn   int
	Cell   int
	Policy [game.NumCells]float64
	Z      float64
}

// Features encodes the sample's position into dst.
func (s *Sample) Features(dst []float32, f convert.Format) error {
	return convert.Encode(dst, f, convert.Input{Board: &s.Board, Deck: &s.Deck, Tile: s.Tile, Turn: s.Turn})
}

type GameResult struct {
	ID      string
	Seeds   game.Seeds
	Score   int32
	Samples []Sample
}

type Options struct {
	// Exploration is the probability of playing a uniformly random cell
	// instead of the agent's choice. The agent's policy is still recorded.
	Exploration float64
	// RandomStart pre-places this many tiles on random cells before the
	// agent plays. Those placements are not recorded.
	RandomStart int
	// Sequence fixes the tile order; otherwise it is drawn from the seeds.
	Sequence  []game.Tile
	ScoreMean float64
	ScoreStd  float64
	// OnStep is called after every placement.
	OnStep func()
}

func (o *Options) normalize() {
	if o.ScoreStd <= 0 {
		o.ScoreMean, o.ScoreStd = 140, 40
	}
}

// PlayGame plays one game with a. Given the same agent state, seeds and
// options it replays identically.
func PlayGame(ctx context.Context, a agent.Agent, seeds game.Seeds, opts Options) (GameResult, error) {
	opts.normalize()
	res := GameResult{ID: uuid.NewString(), Seeds: seeds}

	tiles := opts.Sequence
	if tiles == nil {
		deck := game.FullDeck()
		tiles = deck.Sequence(game.NewRand(seeds.Draw))
	}
	if len(tiles) < game.MaxTurns {
		return res, fmt.Errorf("selfplay: sequence of %d tiles, need %d", len(tiles), game.MaxTurns)
	}
	if opts.RandomStart >= game.MaxTurns {
		return res, fmt.Errorf("selfplay: random start of %d leaves nothing to play", opts.RandomStart)
	}
	start := game.NewRand(seeds.Start)

	s := game.NewState()
	legal := make([]int, 0, game.NumCells)
	samples := make([]Sample, 0, game.MaxTurns)
	for i := 0; !rules.IsGameOver(s); i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := rules.DrawTile(s, tiles[i]); err != nil {
			return res, fmt.Errorf("turn %d: %w", s.Turn, err)
		}
		legal = rules.LegalCells(&s.Board, legal[:0])

		if s.Turn < opts.RandomStart {
			if err := rules.Place(s, legal[start.IntN(len(legal))]); err != nil {
				return res, err
			}
			continue
		}

		m, err := a.Choose(ctx, s)
		if err != nil {
			return res, fmt.Errorf("turn %d: %w", s.Turn, err)
		}
		cell := m.Cell
		if opts.Exploration > 0 && start.Float64() < opts.Exploration {
			cell = legal[start.IntN(len(legal))]
		}
		samples = append(samples, Sample{
			Board:  s.Board,
			Deck:   s.Deck,
			Tile:   s.Pending,
			Turn:   s.Turn,
			Cell:   cell,
			Policy: m.Policy,
		})
		if err := rules.Place(s, cell); err != nil {
			return res, fmt.Errorf("turn %d: %w", s.Turn, err)
		}
		if opts.OnStep != nil {
			opts.OnStep()
		}
	}

	res.Score = rules.Score(&s.Board)
	z := rules.Normalize(float64(res.Score), opts.ScoreMean, opts.ScoreStd)
	for i := range samples {
		samples[i].Z = z
	}
	res.Samples = samples
	return res, nil
}

// ToRows converts a finished game into archive rows.
func ToRows(g GameResult, source, modelPath string) []store.SampleRow {
	rows := make([]store.SampleRow, 0, len(g.Samples))
	for _, s := range g.Samples {
		codes := s.Board.Codes()
		policy := make([]float32, game.NumCells)
		for c, p := range s.Policy {
			policy[c] = float32(p)
		}
		rows = append(rows, store.SampleRow{
			GameID:     g.ID,
			Turn:       int32(s.Turn),
			Board:      codes[:],
			Tile:       s.Tile.Code(),
			Cell:       int32(s.Cell),
			Policy:     policy,
			Value:      float32(s.Z),
			FinalScore: g.Score,
			Source:     source,
			ModelPath:  modelPath,
		})
	}
	return rows
}

// FromRow rebuilds a sample from an archive row. The deck is reconstructed
// from the board and tile.
func FromRow(r store.SampleRow) (Sample, error) {
	var s Sample
	b, err := game.BoardFromCodes(r.Board)
	if err != nil {
		return s, err
	}
	tile, err := game.TileFromCode(r.Tile)
	if err != nil {
		return s, err
	}
	if !tile.Valid() || len(r.Policy) != game.NumCells || r.Cell < 0 || int(r.Cell) >= game.NumCells {
		return s, fmt.Errorf("malformed sample row %s/%d", r.GameID, r.Turn)
	}
	deck, err := game.DeckFor(&b, tile)
	if err != nil {
		return s, err
	}
	s = Sample{Board: b, Deck: deck, Tile: tile, Turn: int(r.Turn), Cell: int(r.Cell), Z: float64(r.Value)}
	for c, p := range r.Policy {
		s.Policy[c] = float64(p)
	}
	return s, nil
}

// RunConfig describes a batch of self-play games.
type RunConfig struct {
	Search   config.Search
	SelfPlay config.SelfPlay
	// Simulations overrides the adaptive budget when positive.
	Simulations int
	OnStep      func()
}

// GameSeeds derives the seeds of game i of a run rooted at seed.
func GameSeeds(seed uint64, i int) game.Seeds {
	st := seed ^ (uint64(i)+1)*0x9e3779b97f4a7c15
	return game.DeriveSeeds(game.SplitMix64(&st))
}

// Run plays cfg.SelfPlay.Games games on cfg.SelfPlay.Workers goroutines and
// sends each finished game on out. Sends block when out is full, which
// throttles the workers to the consumer. Every game gets a fresh engine
// seeded from its own seeds and a snapshot of the shared models, so results
// do not depend on scheduling. Run closes out when it returns.
func Run(ctx context.Context, cfg RunConfig, models *inference.Shared, out chan<- GameResult) error {
	defer close(out)
	sp := cfg.SelfPlay
	workers := sp.Workers
	if workers <= 0 {
		workers = 1
	}

	var next atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		worker := w
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= sp.Games {
					return nil
				}
				seeds := GameSeeds(sp.Seed, i)
				engine, err := mcts.New(cfg.Search, models.Load(), seeds.Rollout)
				if err != nil {
					return err
				}
				a := agent.NewTrainingAgent(fmt.Sprintf("selfplay-%d", worker), engine, cfg.Simulations)
				res, err := PlayGame(ctx, a, seeds, Options{
					Exploration: sp.Exploration,
					RandomStart: sp.RandomStartTiles,
					ScoreMean:   cfg.Search.ScoreMean,
					ScoreStd:    cfg.Search.ScoreStd,
					OnStep:      cfg.OnStep,
				})
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					return fmt.Errorf("game %d: %w", i, err)
				}
				log.Debug().Int("worker", worker).Int("game", i).Int32("score", res.Score).Msg("selfplay game done")
				select {
				case out <- res:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	return g.Wait()
}
