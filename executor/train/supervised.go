package train

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/game"
)

type SupervisedOptions struct {
	// Stem is the checkpoint stem written on every validation improvement.
	// Empty disables checkpoints.
	Stem     string
	Seed     uint64
	Observer Observer
}

type Report struct {
	Epochs    int
	BestEpoch int
	BestLoss  float64
	Skipped   int
	Stopped   bool // early stopping triggered
	Train     []Loss
	Val       []Loss
}

// Split shuffles examples with seed and holds out frac of them for
// validation.
func Split(examples []Example, frac float64, seed uint64) (train, val []Example) {
	shuffled := append([]Example(nil), examples...)
	r := game.NewRand(seed)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	n := int(frac * float64(len(shuffled)))
	return shuffled[n:], shuffled[:n]
}

// Supervised trains tr for cfg.Epochs epochs of shuffled mini-batches and
// stops early once the validation loss has not improved for cfg.Patience
// epochs. Without validation examples the training loss is monitored.
func Supervised(ctx context.Context, tr *Trainer, train, val []Example, cfg config.Train, opts SupervisedOptions) (Report, error) {
	rep := Report{BestLoss: math.Inf(1), BestEpoch: -1}
	r := game.NewRand(opts.Seed ^ 0x5eed)
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}
	batch := make([]Example, 0, cfg.BatchSize)
	bad := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		r.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var sum Loss
		var weight float64
		for start := 0; start < len(order); start += cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			batch = batch[:0]
			for _, i := range order[start:min(start+cfg.BatchSize, len(order))] {
				batch = append(batch, train[i])
			}
			l, err := tr.Step(batch)
			if errors.Is(err, ErrStepSkipped) {
				rep.Skipped++
				log.Warn().Err(err).Int("epoch", epoch).Msg("skipped batch")
				continue
			}
			if err != nil {
				return rep, err
			}
			n := float64(len(batch))
			sum.Policy += l.Policy * n
			sum.Value += l.Value * n
			sum.Q += l.Q * n
			sum.N += l.N
			weight += n
		}
		if weight > 0 {
			sum.Policy /= weight
			sum.Value /= weight
			sum.Q /= weight
		}
		rep.Train = append(rep.Train, sum)
		rep.Epochs = epoch + 1

		monitored := sum
		if len(val) > 0 {
			vl, err := tr.Evaluate(val)
			if err != nil {
				log.Warn().Err(err).Int("epoch", epoch).Msg("validation failed")
				vl = Loss{Policy: math.Inf(1)}
			}
			rep.Val = append(rep.Val, vl)
			monitored = vl
		}

		improved := monitored.Total() < rep.BestLoss
		if improved {
			rep.BestLoss = monitored.Total()
			rep.BestEpoch = epoch
			bad = 0
			if opts.Stem != "" {
				if err := tr.Nets.Save(opts.Stem); err != nil {
					return rep, err
				}
			}
		} else {
			bad++
		}

		log.Info().
			Int("epoch", epoch+1).
			Float64("lr", tr.LR()).
			Float64("train", sum.Total()).
			Float64("monitored", monitored.Total()).
			Bool("improved", improved).
			Msg("epoch done")
		publish(opts.Observer, Event{
			Kind:      "epoch",
			Epoch:     epoch + 1,
			Step:      tr.Steps(),
			LR:        tr.LR(),
			TrainLoss: sum.Total(),
			ValLoss:   monitored.Total(),
		})

		if cfg.Patience > 0 && bad >= cfg.Patience {
			rep.Stopped = true
			break
		}
	}
	done := Event{Kind: "done", Step: tr.Steps()}
	if !math.IsInf(rep.BestLoss, 0) {
		done.ValLoss = rep.BestLoss
	}
	publish(opts.Observer, done)
	return rep, nil
}
