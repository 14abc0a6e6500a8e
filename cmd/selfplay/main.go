// Command selfplay generates search games and archives every move as parquet
// for training.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/internal/cli"
	"github.com/tiezero/tiezero/rules"
	"github.com/tiezero/tiezero/store"
)

func main() {
	var common cli.Common
	common.Register(flag.CommandLine)
	modelSpec := flag.String("model", "heuristic", "heuristic, uniform, onnx:PATH or safetensors stem(s)")
	outDir := flag.String("out-dir", "data/selfplay", "output directory for parquet batches")
	pointsPath := flag.String("points", "", "also write sample points JSON to this file")
	games := flag.Int("games", 0, "games to play (0 uses selfplay.games)")
	workers := flag.Int("workers", 0, "self-play workers (0 uses selfplay.workers)")
	sims := flag.Int("sims", 0, "simulations per move (0 uses the adaptive budget)")
	seed := flag.Uint64("seed", 0, "root seed (0 uses selfplay.seed)")
	gamesPerFlush := flag.Int("games-per-flush", 50, "games per parquet batch file")
	tui := flag.Bool("tui", false, "show a live progress view")
	logFile := flag.String("log-file", "selfplay.log", "log destination while -tui is on")
	flag.Parse()

	var logOut io.Writer = os.Stderr
	if *tui {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	cfg, format, err := common.Setup(logOut)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *games > 0 {
		cfg.SelfPlay.Games = *games
	}
	if *workers > 0 {
		cfg.SelfPlay.Workers = *workers
	}
	if *seed != 0 {
		cfg.SelfPlay.Seed = *seed
	}

	set, closer, err := common.Open(*modelSpec, format)
	if err != nil {
		log.Fatal().Err(err).Str("model", *modelSpec).Msg("open model")
	}
	defer closer.Close()

	ctx, stop := cli.SignalContext()
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan selfplay.GameResult, max(1, cfg.SelfPlay.BufferSize))
	runErr := make(chan error, 1)
	go func() {
		runErr <- selfplay.Run(ctx, selfplay.RunConfig{
			Search:      cfg.Search,
			SelfPlay:    cfg.SelfPlay,
			Simulations: *sims,
			OnStep:      func() { totalMoves.Add(1) },
		}, inference.NewShared(set), out)
	}()
	log.Info().
		Int("games", cfg.SelfPlay.Games).
		Int("workers", cfg.SelfPlay.Workers).
		Str("model", *modelSpec).
		Msg("self-play started")

	var updates chan gameUpdate
	var program *tea.Program
	if *tui {
		updates = make(chan gameUpdate, cfg.SelfPlay.Workers)
		program = tea.NewProgram(initialModel(updates, cfg.SelfPlay.Games), tea.WithAltScreen())
	}

	consumed := make(chan error, 1)
	go func() {
		consumed <- consume(out, updates, *outDir, *pointsPath, *gamesPerFlush, *modelSpec)
	}()

	if program != nil {
		go func() {
			err := <-runErr
			program.Send(doneMsg{err: err})
			runErr <- err
		}()
		if _, err := program.Run(); err != nil {
			log.Error().Err(err).Msg("tui")
		}
		cancel()
	}

	err = <-runErr
	if cerr := <-consumed; cerr != nil {
		log.Fatal().Err(cerr).Msg("archive failed")
	}
	if err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("self-play failed")
	}
	log.Info().Int64("moves", totalMoves.Load()).Msg("self-play finished")
}

// consume archives games until out closes. Rows rotate into a new parquet
// file every perFile games.
func consume(out <-chan selfplay.GameResult, updates chan<- gameUpdate, outDir, pointsPath string, perFile int, modelSpec string) error {
	if updates != nil {
		defer close(updates)
	}
	bw, err := store.NewBatchWriter(outDir)
	if err != nil {
		return err
	}
	finalize := func() error {
		path, rows, games, err := bw.Finalize()
		if err != nil {
			return err
		}
		if path != "" {
			log.Info().Str("path", path).Int("rows", rows).Int("games", games).Msg("parquet flush ok")
		}
		return nil
	}

	var points []store.SamplePoint
	var played, scoreSum int64
	start := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-out:
			if !ok {
				if err := finalize(); err != nil {
					return err
				}
				if pointsPath != "" {
					return store.WriteSamplePointsFile(pointsPath, points)
				}
				return nil
			}
			if err := bw.WriteGame(selfplay.ToRows(res, "selfplay", modelSpec)); err != nil {
				return err
			}
			if pointsPath != "" {
				points = appendPoints(points, res)
			}
			played++
			scoreSum += int64(res.Score)
			log.Debug().Str("game", res.ID).Int32("score", res.Score).Msg("game archived")
			if updates != nil {
				select {
				case updates <- gameUpdate{Result: res}:
				default:
				}
			}
			if bw.Games() >= perFile {
				if err := finalize(); err != nil {
					return err
				}
				if bw, err = store.NewBatchWriter(outDir); err != nil {
					return err
				}
			}
		case <-ticker.C:
			d := time.Since(start).Seconds()
			if played > 0 {
				log.Info().
					Int64("games", played).
					Float64("mean_score", float64(scoreSum)/float64(played)).
					Float64("moves_per_sec", float64(totalMoves.Load())/d).
					Msg("progress")
			}
		}
	}
}

func appendPoints(points []store.SamplePoint, res selfplay.GameResult) []store.SamplePoint {
	for _, s := range res.Samples {
		after := s.Board
		after.Set(s.Cell, s.Tile)
		points = append(points, store.NewSamplePoint(&s.Board, s.Tile, s.Cell, s.Turn, int(rules.Score(&after))))
	}
	return points
}
