// Command arena runs a round robin between agents on shared tile sequences
// and prints the matrix of mean score differences.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/executor/agent"
	"github.com/tiezero/tiezero/executor/arena"
	"github.com/tiezero/tiezero/internal/cli"
)

func main() {
	var common cli.Common
	common.Register(flag.CommandLine)
	agents := flag.String("agents", "greedy,random,mcts:heuristic", "comma-separated entrants: greedy, random or mcts:MODEL")
	games := flag.Int("games", 50, "sequences each entrant plays")
	sims := flag.Int("sims", 0, "simulations per move for mcts entrants (0 uses the adaptive budget)")
	seed := flag.Uint64("seed", 0, "sequence seed (0 uses gate.seed)")
	workers := flag.Int("workers", 0, "parallel games (0 uses selfplay.workers)")
	flag.Parse()

	cfg, format, err := common.Setup(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := cli.SignalContext()
	defer stop()

	m := arena.Match{Games: *games, Seed: cfg.Gate.Seed, Workers: cfg.SelfPlay.Workers}
	if *seed != 0 {
		m.Seed = *seed
	}
	if *workers > 0 {
		m.Workers = *workers
	}

	var entrants []arena.Entrant
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, name := range strings.Split(*agents, ",") {
		switch {
		case name == "greedy":
			entrants = append(entrants, arena.Entrant{Name: name, New: func(int) (agent.Agent, error) {
				return agent.NewGreedyAgent(), nil
			}})
		case name == "random":
			entrants = append(entrants, arena.Entrant{Name: name, New: func(i int) (agent.Agent, error) {
				return agent.NewRandomAgent(m.Seed + uint64(i)), nil
			}})
		case strings.HasPrefix(name, "mcts:"):
			set, c, err := common.Open(strings.TrimPrefix(name, "mcts:"), format)
			if err != nil {
				log.Fatal().Err(err).Str("entrant", name).Msg("open model")
			}
			closers = append(closers, c)
			entrants = append(entrants, arena.Entrant{Name: name, New: arena.SearchFactory(name, cfg.Search, set, *sims, m.Seed)})
		default:
			log.Fatal().Str("entrant", name).Msg("unknown entrant")
		}
	}

	log.Info().Int("entrants", len(entrants)).Int("games", m.Games).Msg("tournament started")
	st, err := arena.Tournament(ctx, m, entrants)
	if err != nil {
		log.Fatal().Err(err).Msg("tournament failed")
	}
	if err := st.WriteTable(os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("write table")
	}
}
