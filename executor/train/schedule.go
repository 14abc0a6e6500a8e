package train

import (
	"fmt"
	"math"

	"github.com/tiezero/tiezero/config"
)

// Schedule maps an optimizer step to a learning rate.
type Schedule interface {
	LR(step int) float64
}

type Constant float64

func (c Constant) LR(int) float64 { return float64(c) }

// Cosine anneals from Base to Min over Total steps and stays at Min after.
type Cosine struct {
	Base, Min float64
	Total     int
}

func (c Cosine) LR(step int) float64 {
	if c.Total <= 0 {
		return c.Base
	}
	p := min(1, float64(step)/float64(c.Total))
	return c.Min + 0.5*(c.Base-c.Min)*(1+math.Cos(math.Pi*p))
}

// WarmupCosine ramps linearly to Base over Warmup steps, then anneals over
// the remaining Total - Warmup.
type WarmupCosine struct {
	Cosine
	Warmup int
}

func (w WarmupCosine) LR(step int) float64 {
	if step < w.Warmup {
		return w.Base * float64(step+1) / float64(w.Warmup)
	}
	return Cosine{Base: w.Base, Min: w.Min, Total: w.Total - w.Warmup}.LR(step - w.Warmup)
}

// NewSchedule builds the configured schedule for a run of total steps.
func NewSchedule(cfg config.Train, total int) (Schedule, error) {
	cos := Cosine{Base: cfg.LearningRate, Min: cfg.LearningRate * cfg.MinLRRatio, Total: total}
	switch cfg.Schedule {
	case "constant":
		return Constant(cfg.LearningRate), nil
	case "cosine":
		return cos, nil
	case "warmup_cosine":
		return WarmupCosine{Cosine: cos, Warmup: min(cfg.WarmupSteps, total)}, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule %q", config.ErrConfigInvalid, cfg.Schedule)
}

// StepsPerEpoch is the number of mini-batches n examples make.
func StepsPerEpoch(n, batch int) int {
	if batch <= 0 || n <= 0 {
		return 0
	}
	return (n + batch - 1) / batch
}
