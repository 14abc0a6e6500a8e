// Command train fits the networks, either supervised on recorded games or by
// the self-play loop with gated promotion.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/executor/train"
	"github.com/tiezero/tiezero/internal/cli"
	"github.com/tiezero/tiezero/store"
)

func main() {
	var common cli.Common
	common.Register(flag.CommandLine)
	mode := flag.String("mode", "supervised", "supervised or selfplay")
	csvPaths := flag.String("csv", "", "comma-separated training CSV files")
	archiveDir := flag.String("parquet", "", "self-play archive directory to train on (supervised) or to write (selfplay)")
	initStem := flag.String("init", "", "checkpoint stem to start from")
	outStem := flag.String("out", "checkpoints/best", "checkpoint stem to write")
	progressAddr := flag.String("progress", "", "serve websocket progress on this address, e.g. :8090")
	sims := flag.Int("sims", 0, "self-play simulations per move (0 uses the adaptive budget)")
	flag.Parse()

	cfg, format, err := common.Setup(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, stop := cli.SignalContext()
	defer stop()

	nets := inference.NewNets(format, common.Hidden, cfg.SelfPlay.Seed)
	if *initStem != "" {
		if nets, err = inference.LoadNets(*initStem, format, common.Hidden); err != nil {
			log.Fatal().Err(err).Str("stem", *initStem).Msg("load initial nets")
		}
		if nets.Q == nil {
			nets.Q = inference.NewQNet(format, common.Hidden, cfg.SelfPlay.Seed)
		}
	}

	var obs train.Observer
	if *progressAddr != "" {
		hub := train.NewProgressHub()
		defer hub.Close()
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv := &http.Server{Addr: *progressAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("progress server")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", *progressAddr).Msg("progress websocket on /ws")
		obs = hub
	}

	switch *mode {
	case "supervised":
		exs, err := loadExamples(*csvPaths, *archiveDir, format, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("load training data")
		}
		if len(exs) == 0 {
			log.Fatal().Msg("no training examples; pass -csv or -parquet")
		}
		trainSet, val := train.Split(exs, cfg.Train.ValidationFrac, cfg.SelfPlay.Seed)
		sched, err := train.NewSchedule(cfg.Train, cfg.Train.Epochs*train.StepsPerEpoch(len(trainSet), cfg.Train.BatchSize))
		if err != nil {
			log.Fatal().Err(err).Msg("schedule")
		}
		log.Info().Int("train", len(trainSet)).Int("val", len(val)).Str("schedule", cfg.Train.Schedule).Msg("supervised training")
		rep, err := train.Supervised(ctx, train.NewTrainer(nets, cfg.Train, sched), trainSet, val, cfg.Train,
			train.SupervisedOptions{Stem: *outStem, Seed: cfg.SelfPlay.Seed, Observer: obs})
		if err != nil {
			log.Fatal().Err(err).Msg("training failed")
		}
		log.Info().
			Int("epochs", rep.Epochs).
			Int("best_epoch", rep.BestEpoch+1).
			Float64("best_loss", rep.BestLoss).
			Int("skipped", rep.Skipped).
			Bool("early_stop", rep.Stopped).
			Str("stem", *outStem).
			Msg("training done")

	case "selfplay":
		loop := &train.SelfPlayLoop{
			Config:      cfg,
			Format:      format,
			Best:        nets,
			Stem:        *outStem,
			Observer:    obs,
			Simulations: *sims,
		}
		if *archiveDir != "" {
			bw, err := store.NewBatchWriter(*archiveDir)
			if err != nil {
				log.Fatal().Err(err).Msg("archive")
			}
			loop.Archive = bw
			defer func() {
				if path, rows, _, err := bw.Finalize(); err != nil {
					log.Error().Err(err).Msg("finalize archive")
				} else if path != "" {
					log.Info().Str("path", path).Int("rows", rows).Msg("archive written")
				}
			}()
		}
		reports, err := loop.Run(ctx)
		promoted := 0
		for _, r := range reports {
			if r.Promoted {
				promoted++
			}
		}
		if err != nil {
			log.Error().Err(err).Int("iterations", len(reports)).Msg("self-play loop stopped")
			return
		}
		log.Info().Int("iterations", len(reports)).Int("promotions", promoted).Msg("self-play loop done")

	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

func loadExamples(csvPaths, archiveDir string, format convert.Format, cfg config.Config) ([]train.Example, error) {
	var exs []train.Example
	if csvPaths != "" {
		for _, p := range strings.Split(csvPaths, ",") {
			f, err := os.Open(p)
			if err != nil {
				return nil, err
			}
			recs, err := store.ReadTrainingCSV(f, cfg.Train.MinScore)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			more, err := train.ExamplesFromRecords(recs, format, cfg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			log.Info().Str("file", p).Int("rows", len(recs)).Msg("csv loaded")
			exs = append(exs, more...)
		}
	}
	if archiveDir != "" {
		rows, err := store.ReadSampleDir(archiveDir)
		if err != nil {
			return nil, err
		}
		samples := make([]selfplay.Sample, 0, len(rows))
		for _, r := range rows {
			if int(r.FinalScore) < cfg.Train.MinScore {
				continue
			}
			s, err := selfplay.FromRow(r)
			if err != nil {
				return nil, err
			}
			samples = append(samples, s)
		}
		more, err := train.ExamplesFromSamples(samples, format)
		if err != nil {
			return nil, err
		}
		log.Info().Str("dir", archiveDir).Int("rows", len(samples)).Msg("archive loaded")
		exs = append(exs, more...)
	}
	return exs, nil
}
