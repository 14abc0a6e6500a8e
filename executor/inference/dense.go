package inference

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tiezero/tiezero/executor/safetensors"
)

// Param is one trainable tensor with its gradient accumulator.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: shape, Value: make([]float32, n), Grad: make([]float32, n)}
}

func (p *Param) clone() *Param {
	return &Param{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Value: append([]float32(nil), p.Value...),
		Grad:  make([]float32, len(p.Grad)),
	}
}

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

// dense is an affine layer y = Wᵀx + b with W stored in×out.
type dense struct {
	w, b   *Param
	in     int
	out    int
	weight blas32.General
	dw     blas32.General
}

func newDense(prefix string, in, out int, r *rand.Rand) *dense {
	w := newParam(prefix+".weight", in, out)
	b := newParam(prefix+".bias", out)
	if r != nil {
		std := math.Sqrt(2 / float64(in))
		for i := range w.Value {
			w.Value[i] = float32(r.NormFloat64() * std)
		}
	}
	return bindDense(w, b)
}

func bindDense(w, b *Param) *dense {
	in, out := w.Shape[0], w.Shape[1]
	return &dense{
		w:      w,
		b:      b,
		in:     in,
		out:    out,
		weight: blas32.General{Rows: in, Cols: out, Stride: out, Data: w.Value},
		dw:     blas32.General{Rows: in, Cols: out, Stride: out, Data: w.Grad},
	}
}

func (d *dense) clone() *dense {
	return bindDense(d.w.clone(), d.b.clone())
}

func (d *dense) forward(x, y []float32) {
	copy(y, d.b.Value)
	blas32.Gemv(blas.Trans, 1, d.weight, vec(x), 1, vec(y))
}

// backward accumulates the parameter gradients for upstream gradient dy and
// writes the input gradient into dx when dx is non-nil.
func (d *dense) backward(x, dy, dx []float32) {
	blas32.Ger(1, vec(x), vec(dy), d.dw)
	blas32.Axpy(1, vec(dy), vec(d.b.Grad))
	if dx != nil {
		blas32.Gemv(blas.NoTrans, 1, d.weight, vec(dy), 0, vec(dx))
	}
}

func relu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// reluMask zeroes gradient entries whose activation was clipped.
func reluMask(h, dh []float32) {
	for i, v := range h {
		if v <= 0 {
			dh[i] = 0
		}
	}
}

func params(layers ...*dense) []*Param {
	out := make([]*Param, 0, 2*len(layers))
	for _, l := range layers {
		out = append(out, l.w, l.b)
	}
	return out
}

func exported(ps []*Param) []safetensors.Parameter {
	out := make([]safetensors.Parameter, len(ps))
	for i, p := range ps {
		out[i] = safetensors.Parameter{Name: p.Name, Shape: p.Shape, Data: p.Value}
	}
	return out
}

func zeroGrad(ps []*Param) {
	for _, p := range ps {
		clear(p.Grad)
	}
}
