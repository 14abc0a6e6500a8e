package train

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/arena"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/executor/selfplay"
	"github.com/tiezero/tiezero/game"
	"github.com/tiezero/tiezero/store"
)

// SelfPlayLoop alternates self-play with the best nets, training a copy on
// the replay buffer, and gating the copy against the best.
type SelfPlayLoop struct {
	Config config.Config
	Format convert.Format
	// Best is the current champion. Models publishes it to the self-play
	// searchers and is swapped, never mutated, on promotion.
	Best   inference.Nets
	Models *inference.Shared
	// Stem is where promoted nets are saved. Empty keeps them in memory.
	Stem string
	// Archive, when set, receives every self-play game.
	Archive     *store.BatchWriter
	Observer    Observer
	Simulations int
	Replay      *ReplayBuffer
}

type IterationReport struct {
	Iteration int
	Games     int
	Samples   int
	MeanScore float64
	Loss      Loss
	Skipped   int
	Decision  arena.Decision
	Promoted  bool
}

// Run executes cfg.Train.Iterations iterations.
func (l *SelfPlayLoop) Run(ctx context.Context) ([]IterationReport, error) {
	if l.Models == nil {
		l.Models = inference.NewShared(l.Best.Set())
	}
	if l.Replay == nil {
		l.Replay = NewReplayBuffer(l.Config.Train.ReplayCapacity)
	}
	var reports []IterationReport
	for it := 0; it < l.Config.Train.Iterations; it++ {
		rep, err := l.iteration(ctx, it)
		if err != nil {
			return reports, fmt.Errorf("iteration %d: %w", it, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (l *SelfPlayLoop) iteration(ctx context.Context, it int) (IterationReport, error) {
	cfg := l.Config
	rep := IterationReport{Iteration: it}
	iterSeed := game.DeriveSeeds(cfg.SelfPlay.Seed + uint64(it))

	if err := l.collect(ctx, iterSeed.Draw, &rep); err != nil {
		return rep, err
	}

	candidate := l.Best.Clone()
	per := StepsPerEpoch(l.Replay.Len(), cfg.Train.BatchSize)
	sched, err := NewSchedule(cfg.Train, per*cfg.Train.Epochs)
	if err != nil {
		return rep, err
	}
	tr := NewTrainer(candidate, cfg.Train, sched)
	r := game.NewRand(iterSeed.Rollout)
	var last Loss
	for epoch := 0; epoch < cfg.Train.Epochs; epoch++ {
		exs := l.Replay.Examples(r)
		for start := 0; start < len(exs); start += cfg.Train.BatchSize {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			loss, err := tr.Step(exs[start:min(start+cfg.Train.BatchSize, len(exs))])
			if errors.Is(err, ErrStepSkipped) {
				rep.Skipped++
				continue
			}
			if err != nil {
				return rep, err
			}
			last = loss
		}
	}
	rep.Loss = last

	m := arena.Match{Games: cfg.Gate.Games, Seed: cfg.Gate.Seed + uint64(it), Workers: cfg.SelfPlay.Workers}
	pairs, err := arena.PlayPaired(ctx, m,
		arena.SearchFactory("best", cfg.Search, l.Best.Set(), cfg.Gate.Simulations, m.Seed),
		arena.SearchFactory("candidate", cfg.Search, candidate.Set(), cfg.Gate.Simulations, m.Seed),
	)
	if err != nil {
		return rep, err
	}
	rep.Decision, err = arena.NewGate(cfg.Gate).Decide(pairs)
	switch {
	case err == nil:
		if l.Stem != "" {
			if err := candidate.Save(l.Stem); err != nil {
				return rep, err
			}
		}
		l.Models.Swap(candidate.Set())
		l.Best = candidate
		rep.Promoted = true
	case !errors.Is(err, arena.ErrEvaluationInsufficient):
		return rep, err
	}

	log.Info().
		Int("iteration", it+1).
		Int("games", rep.Games).
		Int("samples", rep.Samples).
		Float64("mean_score", rep.MeanScore).
		Str("loss", rep.Loss.String()).
		Str("gate", rep.Decision.String()).
		Msg("iteration done")
	publish(l.Observer, Event{
		Kind:      "iteration",
		Iteration: it + 1,
		Step:      tr.Steps(),
		TrainLoss: rep.Loss.Total(),
		Games:     rep.Games,
		MeanScore: rep.MeanScore,
		Delta:     rep.Decision.Delta,
		Promoted:  rep.Promoted,
	})
	return rep, nil
}

// collect plays one iteration of self-play into the replay buffer. Games
// flow through a bounded channel so the players wait on the consumer.
func (l *SelfPlayLoop) collect(ctx context.Context, seed uint64, rep *IterationReport) error {
	cfg := l.Config
	sp := cfg.SelfPlay
	sp.Games = cfg.Train.GamesPerIteration
	sp.Seed = seed

	out := make(chan selfplay.GameResult, max(1, sp.BufferSize))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return selfplay.Run(ctx, selfplay.RunConfig{Search: cfg.Search, SelfPlay: sp, Simulations: l.Simulations}, l.Models, out)
	})
	g.Go(func() error {
		var total int64
		for res := range out {
			exs, err := ExamplesFromSamples(res.Samples, l.Format)
			if err != nil {
				return err
			}
			l.Replay.Add(exs...)
			if l.Archive != nil {
				if err := l.Archive.WriteGame(selfplay.ToRows(res, "selfplay", l.Stem)); err != nil {
					return err
				}
			}
			rep.Games++
			rep.Samples += len(exs)
			total += int64(res.Score)
		}
		if rep.Games > 0 {
			rep.MeanScore = float64(total) / float64(rep.Games)
		}
		return nil
	})
	return g.Wait()
}
