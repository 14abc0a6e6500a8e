package train

import (
	"math"

	"github.com/tiezero/tiezero/executor/inference"
	"github.com/tiezero/tiezero/game"
)

// PolicyLoss is KL(target || softmax(logits)) over the legal cells, which
// equals the cross-entropy for a one-hot target. The gradient with respect
// to the logits is zero on illegal cells.
func PolicyLoss(logits *inference.Logits, target *[game.NumCells]float32, legal *[game.NumCells]bool) (float64, inference.Logits) {
	var grad inference.Logits
	maxLogit := math.Inf(-1)
	for c, ok := range legal {
		if ok && float64(logits[c]) > maxLogit {
			maxLogit = float64(logits[c])
		}
	}
	if math.IsInf(maxLogit, -1) {
		return 0, grad
	}

	var sum, mass float64
	for c, ok := range legal {
		if ok {
			sum += math.Exp(float64(logits[c]) - maxLogit)
			mass += float64(target[c])
		}
	}
	logZ := maxLogit + math.Log(sum)

	var loss float64
	for c, ok := range legal {
		if !ok {
			continue
		}
		logp := float64(logits[c]) - logZ
		t := float64(target[c])
		if t > 0 {
			loss += t * (math.Log(t) - logp)
		}
		grad[c] = float32(math.Exp(logp)*mass - t)
	}
	return loss, grad
}

// ValueLoss is the squared error of v against z, with z clamped to the tanh
// range when clamp is set.
func ValueLoss(v, z float32, clamp bool) (float64, float32) {
	if clamp {
		z = max(-1, min(1, z))
	}
	d := v - z
	return float64(d * d), 2 * d
}

// QLoss regresses the Q value of the played cell onto target.
func QLoss(q *inference.Logits, cell int, target float32) (float64, inference.Logits) {
	var grad inference.Logits
	d := q[cell] - target
	grad[cell] = 2 * d
	return float64(d * d), grad
}
