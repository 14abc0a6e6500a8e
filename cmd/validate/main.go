// Command validate plays a candidate model against a baseline on paired
// tile sequences and exits 0 to promote, 1 to reject and 2 on error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/executor/arena"
	"github.com/tiezero/tiezero/internal/cli"
)

const (
	exitPromote = 0
	exitReject  = 1
	exitError   = 2
)

func main() {
	ctx, stop := cli.SignalContext()
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common cli.Common
	common.Register(fs)
	baseline := fs.String("baseline", "heuristic", "model spec of the current best")
	candidate := fs.String("candidate", "", "model spec of the challenger")
	games := fs.Int("games", 0, "paired games (0 uses gate.games)")
	sims := fs.Int("sims", 0, "simulations per move (0 uses gate.simulations)")
	threshold := fs.Float64("threshold", -1, "minimum mean score gain (negative uses gate.threshold)")
	confidence := fs.Float64("confidence", 0, "confidence level (0 uses gate.confidence)")
	seed := fs.Uint64("seed", 0, "sequence seed (0 uses gate.seed)")
	topK := fs.Int("top-k", 0, "Q pruning top-k (0 uses search.top_k)")
	workers := fs.Int("workers", 0, "parallel games (0 uses selfplay.workers)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, format, err := common.Setup(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if *candidate == "" {
		fmt.Fprintln(stderr, "-candidate is required")
		return exitError
	}
	g := cfg.Gate
	if *games > 0 {
		g.Games = *games
	}
	if *sims > 0 {
		g.Simulations = *sims
	}
	if *threshold >= 0 {
		g.Threshold = *threshold
	}
	if *confidence > 0 {
		g.Confidence = *confidence
	}
	if *seed != 0 {
		g.Seed = *seed
	}
	if *topK > 0 {
		cfg.Search.TopK = *topK
	}
	if *workers > 0 {
		cfg.SelfPlay.Workers = *workers
	}

	base, closeBase, err := common.Open(*baseline, format)
	if err != nil {
		log.Error().Err(err).Str("model", *baseline).Msg("open baseline")
		return exitError
	}
	defer closeBase.Close()
	cand, closeCand, err := common.Open(*candidate, format)
	if err != nil {
		log.Error().Err(err).Str("model", *candidate).Msg("open candidate")
		return exitError
	}
	defer closeCand.Close()

	m := arena.Match{Games: g.Games, Seed: g.Seed, Workers: cfg.SelfPlay.Workers}
	log.Info().Int("games", m.Games).Int("sims", g.Simulations).Str("baseline", *baseline).Str("candidate", *candidate).Msg("validation started")
	pairs, err := arena.PlayPaired(ctx, m,
		arena.SearchFactory("baseline", cfg.Search, base, g.Simulations, g.Seed),
		arena.SearchFactory("candidate", cfg.Search, cand, g.Simulations, g.Seed),
	)
	if err != nil {
		log.Error().Err(err).Msg("validation games failed")
		return exitError
	}

	d, err := arena.NewGate(g).Decide(pairs)
	fmt.Fprintln(stdout, d)
	switch {
	case err == nil:
		log.Info().Float64("delta", d.Delta).Float64("p", d.Welch.P).Msg("promote")
		return exitPromote
	case errors.Is(err, arena.ErrEvaluationInsufficient):
		log.Info().Err(err).Msg("reject")
		return exitReject
	default:
		log.Error().Err(err).Msg("decision failed")
		return exitError
	}
}
