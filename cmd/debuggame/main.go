// Command debuggame plays one traced game and prints every search decision:
// the board, the tile, the chosen cell, root visits and the root value. The
// game is written as a parquet batch for inspection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/executor/mcts"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/internal/cli"
	"github.com/tiezero/tiezero/rules"
	"github.com/tiezero/tiezero/store"
)

func main() {
	var common cli.Common
	common.Register(flag.CommandLine)
	modelSpec := flag.String("model", "heuristic", "heuristic, uniform, onnx:PATH or safetensors stem(s)")
	outDir := flag.String("out-dir", "debug_games", "output directory for the traced game")
	sims := flag.Int("sims", 0, "simulations per move (0 uses the adaptive budget)")
	seed := flag.Uint64("seed", 1, "game seed")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	cfg, format, err := common.Setup(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	set, closer, err := common.Open(*modelSpec, format)
	if err != nil {
		log.Fatal().Err(err).Str("model", *modelSpec).Msg("open model")
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	seeds := selfplay.GameSeeds(*seed, 0)
	trace := &planTrace{}
	eng, err := mcts.New(cfg.Search, set, seeds.Rollout,
		mcts.WithCollector(trace),
		mcts.WithLogger(log.With().Str("component", "debuggame").Logger()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("engine")
	}
	deck := game.FullDeck()
	tiles := deck.Sequence(game.NewRand(seeds.Draw))

	log.Info().Str("model", *modelSpec).Str("search", cfg.Search.String()).Msg("tracing game")
	s := game.NewState()
	res := selfplay.GameResult{ID: fmt.Sprintf("debug-%d", *seed), Seeds: seeds}
	for i := 0; !rules.IsGameOver(s); i++ {
		if err := rules.DrawTile(s, tiles[i]); err != nil {
			log.Fatal().Err(err).Int("turn", s.Turn).Msg("draw")
		}
		plan, err := eng.Plan(ctx, mcts.Request{
			Board:       s.Board,
			Deck:        s.Deck,
			Tile:        s.Pending,
			Turn:        s.Turn,
			Simulations: *sims,
		})
		if err != nil {
			log.Fatal().Err(err).Int("turn", s.Turn).Msg("plan")
		}
		if plan.Cancelled {
			log.Fatal().Int("turn", s.Turn).Msg("timed out")
		}
		fmt.Printf("turn %2d  tile %s  cell %2d  sims %4d  opened %2d  value %+.3f\n",
			s.Turn, s.Pending, plan.Cell, plan.Simulations, plan.Opened, plan.Value)
		fmt.Printf("  visits %v\n", plan.Visits)
		fmt.Printf("  nodes %d  depth %d  fallbacks %d  took %s\n",
			trace.last.Nodes, trace.last.MaxDepth, trace.last.Fallbacks, trace.last.Duration.Round(time.Millisecond))

		res.Samples = append(res.Samples, selfplay.Sample{
			Board:  s.Board,
			Deck:   s.Deck,
			Tile:   s.Pending,
			Turn:   s.Turn,
			Cell:   plan.Cell,
			Policy: plan.Policy,
		})
		if err := rules.Place(s, plan.Cell); err != nil {
			log.Fatal().Err(err).Int("turn", s.Turn).Msg("place")
		}
	}
	fmt.Println(s.Board)

	res.Score = rules.Score(&s.Board)
	z := rules.Normalize(float64(res.Score), cfg.Search.ScoreMean, cfg.Search.ScoreStd)
	for i := range res.Samples {
		res.Samples[i].Z = z
	}
	path, err := store.WriteSamplesAtomic(*outDir, selfplay.ToRows(res, "debug", *modelSpec))
	if err != nil {
		log.Fatal().Err(err).Msg("write traced game")
	}
	log.Info().Int32("score", res.Score).Str("path", path).Msg("game complete")
}

// planTrace keeps the stats of the latest plan. The engine is used from one
// goroutine so no locking is needed.
type planTrace struct {
	last mcts.PlanStats
}

func (p *planTrace) ObservePlan(s mcts.PlanStats) { p.last = s }
