package train

import (
	"errors"
	"fmt"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/inference"
)

// ErrStepSkipped means a mini-batch produced a non-finite loss or gradient.
// No weights were changed and the caller may continue with the next batch.
var ErrStepSkipped = errors.New("training step skipped")

// Loss is a weighted mean over a batch.
type Loss struct {
	Policy float64
	Value  float64
	Q      float64
	N      int
}

func (l Loss) Total() float64 { return l.Policy + l.Value + l.Q }

func (l Loss) String() string {
	return fmt.Sprintf("total=%.4f policy=%.4f value=%.4f q=%.4f n=%d", l.Total(), l.Policy, l.Value, l.Q, l.N)
}

// Trainer owns a set of nets and their optimizer state. The nets must not be
// published to searchers while a Trainer is updating them.
type Trainer struct {
	Nets inference.Nets

	cfg   config.Train
	sched Schedule
	pv    *AdamW
	q     *AdamW
	steps int
}

func NewTrainer(nets inference.Nets, cfg config.Train, sched Schedule) *Trainer {
	if sched == nil {
		sched = Constant(cfg.LearningRate)
	}
	return &Trainer{Nets: nets, cfg: cfg, sched: sched, pv: NewAdamW(cfg), q: NewAdamW(cfg)}
}

// Steps counts applied updates; skipped batches do not count.
func (t *Trainer) Steps() int { return t.steps }

// LR is the learning rate the next step will use.
func (t *Trainer) LR() float64 { return t.sched.LR(t.steps) }

func (t *Trainer) zeroGrad() {
	t.Nets.PV.ZeroGrad()
	if t.Nets.Q != nil {
		t.Nets.Q.ZeroGrad()
	}
}

func (t *Trainer) params() [][]*inference.Param {
	ps := [][]*inference.Param{t.Nets.PV.Params()}
	if t.Nets.Q != nil {
		ps = append(ps, t.Nets.Q.Params())
	}
	return ps
}

// Step applies one AdamW update from batch. A numeric failure anywhere in
// the batch returns an error matching ErrStepSkipped with the weights
// untouched.
func (t *Trainer) Step(batch []Example) (Loss, error) {
	t.zeroGrad()
	loss, err := t.accumulate(batch, true)
	if err != nil {
		t.zeroGrad()
		return loss, err
	}
	for _, group := range t.params() {
		for _, p := range group {
			if !inference.Finite(p.Grad) {
				t.zeroGrad()
				return loss, fmt.Errorf("%w: non-finite gradient in %s", ErrStepSkipped, p.Name)
			}
		}
	}

	lr := t.sched.LR(t.steps)
	t.pv.Step(t.Nets.PV.Params(), lr)
	if t.Nets.Q != nil {
		t.q.Step(t.Nets.Q.Params(), lr)
	}
	t.steps++
	return loss, nil
}

// Evaluate computes the loss of examples without touching gradients.
func (t *Trainer) Evaluate(examples []Example) (Loss, error) {
	return t.accumulate(examples, false)
}

func (t *Trainer) accumulate(batch []Example, backprop bool) (Loss, error) {
	var loss Loss
	var total float64
	for i := range batch {
		total += float64(batch[i].Weight)
	}
	if total <= 0 {
		return loss, nil
	}

	for i := range batch {
		ex := &batch[i]
		if ex.Weight <= 0 {
			continue
		}
		w := float64(ex.Weight) / total

		tr, err := t.Nets.PV.Trace(ex.Features)
		if err != nil {
			return loss, fmt.Errorf("%w: %w", ErrStepSkipped, err)
		}
		pl, dLogits := PolicyLoss(&tr.Logits, &ex.Policy, &ex.Legal)
		vl, dValue := ValueLoss(tr.Value, ex.Value, t.cfg.ValueClamp)
		loss.Policy += w * pl
		loss.Value += w * vl
		if backprop {
			for c := range dLogits {
				dLogits[c] *= float32(w)
			}
			t.Nets.PV.Backprop(tr, dLogits, dValue*float32(w))
		}

		if t.Nets.Q != nil {
			qt, err := t.Nets.Q.Trace(ex.Features, ex.Tile)
			if err != nil {
				return loss, fmt.Errorf("%w: %w", ErrStepSkipped, err)
			}
			ql, dQ := QLoss(&qt.Q, ex.Cell, ex.Value)
			loss.Q += w * ql
			if backprop {
				dQ[ex.Cell] *= float32(w)
				t.Nets.Q.Backprop(qt, dQ)
			}
		}
		loss.N++
	}
	return loss, nil
}
