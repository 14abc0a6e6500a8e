package train

import (
	"math"
	"strings"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/inference"
)

// AdamW is Adam with weight decay applied to the weights directly rather
// than folded into the gradient. Biases are not decayed.
type AdamW struct {
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64

	t int
	m map[*inference.Param][]float64
	v map[*inference.Param][]float64
}

func NewAdamW(cfg config.Train) *AdamW {
	return &AdamW{
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		Eps:         cfg.Epsilon,
		WeightDecay: cfg.WeightDecay,
		m:           map[*inference.Param][]float64{},
		v:           map[*inference.Param][]float64{},
	}
}

// Step updates ps from their accumulated gradients at learning rate lr and
// clears the gradients.
func (o *AdamW) Step(ps []*inference.Param, lr float64) {
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, p := range ps {
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Value))
		}
		v := o.v[p]
		decay := 1 - lr*o.WeightDecay
		if strings.HasSuffix(p.Name, ".bias") {
			decay = 1
		}
		for i, g32 := range p.Grad {
			g := float64(g32)
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			w := float64(p.Value[i]) * decay
			w -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + o.Eps)
			p.Value[i] = float32(w)
			p.Grad[i] = 0
		}
	}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.t }
