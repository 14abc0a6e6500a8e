package inference

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chewxy/math32"

	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/safetensors"
	"github.com/tiezero/tiezero/game"
)

// PolicyValueNet is a two-layer MLP trunk feeding a 19-way policy head and
// a tanh value head.
type PolicyValueNet struct {
	format convert.Format
	trunk0 *dense
	trunk1 *dense
	policy *dense
	value  *dense
}

func NewPolicyValueNet(format convert.Format, hidden int, seed uint64) *PolicyValueNet {
	r := game.NewRand(seed)
	in := format.Size()
	return &PolicyValueNet{
		format: format,
		trunk0: newDense("trunk.0", in, hidden, r),
		trunk1: newDense("trunk.1", hidden, hidden, r),
		policy: newDense("policy_head", hidden, game.NumCells, r),
		value:  newDense("value_head", hidden, 1, r),
	}
}

func (n *PolicyValueNet) Format() convert.Format { return n.format }

func (n *PolicyValueNet) Params() []*Param {
	return params(n.trunk0, n.trunk1, n.policy, n.value)
}

func (n *PolicyValueNet) Parameters() []safetensors.Parameter { return exported(n.Params()) }

func (n *PolicyValueNet) ZeroGrad() { zeroGrad(n.Params()) }

// Clone deep-copies the weights; gradients start at zero.
func (n *PolicyValueNet) Clone() *PolicyValueNet {
	return &PolicyValueNet{
		format: n.format,
		trunk0: n.trunk0.clone(),
		trunk1: n.trunk1.clone(),
		policy: n.policy.clone(),
		value:  n.value.clone(),
	}
}

// PVTrace keeps the activations of one forward pass for Backprop.
type PVTrace struct {
	Logits Logits
	Value  float32

	x  []float32
	h0 []float32
	h1 []float32
}

func (n *PolicyValueNet) Trace(features []float32) (*PVTrace, error) {
	if len(features) != n.trunk0.in {
		return nil, fmt.Errorf("policy/value net: got %d features, want %d", len(features), n.trunk0.in)
	}
	tr := &PVTrace{
		x:  features,
		h0: make([]float32, n.trunk0.out),
		h1: make([]float32, n.trunk1.out),
	}
	n.trunk0.forward(features, tr.h0)
	relu(tr.h0)
	n.trunk1.forward(tr.h0, tr.h1)
	relu(tr.h1)
	n.policy.forward(tr.h1, tr.Logits[:])
	var v [1]float32
	n.value.forward(tr.h1, v[:])
	tr.Value = math32.Tanh(v[0])

	if !Finite(tr.Logits[:]) || !Finite(v[:]) {
		return tr, fmt.Errorf("policy/value net: %w", ErrNumericFailure)
	}
	return tr, nil
}

// Backprop accumulates gradients for dLogits (w.r.t. the logits) and dValue
// (w.r.t. the tanh output).
func (n *PolicyValueNet) Backprop(tr *PVTrace, dLogits Logits, dValue float32) {
	dh1 := make([]float32, n.trunk1.out)
	dv := make([]float32, n.trunk1.out)
	n.policy.backward(tr.h1, dLogits[:], dh1)
	pre := []float32{dValue * (1 - tr.Value*tr.Value)}
	n.value.backward(tr.h1, pre, dv)
	for i := range dh1 {
		dh1[i] += dv[i]
	}
	reluMask(tr.h1, dh1)

	dh0 := make([]float32, n.trunk0.out)
	n.trunk1.backward(tr.h0, dh1, dh0)
	reluMask(tr.h0, dh0)
	n.trunk0.backward(tr.x, dh0, nil)
}

func (n *PolicyValueNet) Evaluate(features []float32) (Logits, float32, error) {
	tr, err := n.Trace(features)
	if err != nil {
		return Logits{}, 0, err
	}
	return tr.Logits, tr.Value, nil
}

func (n *PolicyValueNet) Policy(features []float32) (Logits, error) {
	l, _, err := n.Evaluate(features)
	return l, err
}

func (n *PolicyValueNet) Value(features []float32) (float32, error) {
	_, v, err := n.Evaluate(features)
	return v, err
}

// QNet scores every cell for a given tile. The tile is appended to the
// features as a 9-way one-hot so one network serves all tiles.
type QNet struct {
	format convert.Format
	hidden *dense
	out    *dense
}

const tileFeatures = 9

func NewQNet(format convert.Format, hidden int, seed uint64) *QNet {
	r := game.NewRand(seed ^ 0x51)
	return &QNet{
		format: format,
		hidden: newDense("q.hidden", format.Size()+tileFeatures, hidden, r),
		out:    newDense("q.out", hidden, game.NumCells, r),
	}
}

func (q *QNet) Format() convert.Format { return q.format }

func (q *QNet) Params() []*Param { return params(q.hidden, q.out) }

func (q *QNet) Parameters() []safetensors.Parameter { return exported(q.Params()) }

func (q *QNet) ZeroGrad() { zeroGrad(q.Params()) }

func (q *QNet) Clone() *QNet {
	return &QNet{format: q.format, hidden: q.hidden.clone(), out: q.out.clone()}
}

type QTrace struct {
	Q Logits

	x []float32
	h []float32
}

func tileHot(t game.Tile, dst []float32) {
	clear(dst)
	for d := game.Direction(0); d < game.NumDirections; d++ {
		b := t.Band(d)
		var bands [3]uint8
		switch d {
		case game.DirA:
			bands = game.BandsA
		case game.DirB:
			bands = game.BandsB
		default:
			bands = game.BandsC
		}
		for i, v := range bands {
			if v == b {
				dst[int(d)*3+i] = 1
			}
		}
	}
}

func (q *QNet) Trace(features []float32, tile game.Tile) (*QTrace, error) {
	want := q.hidden.in - tileFeatures
	if len(features) != want {
		return nil, fmt.Errorf("q net: got %d features, want %d", len(features), want)
	}
	x := make([]float32, q.hidden.in)
	copy(x, features)
	tileHot(tile, x[want:])

	tr := &QTrace{x: x, h: make([]float32, q.hidden.out)}
	q.hidden.forward(x, tr.h)
	relu(tr.h)
	q.out.forward(tr.h, tr.Q[:])
	if !Finite(tr.Q[:]) {
		return tr, fmt.Errorf("q net: %w", ErrNumericFailure)
	}
	return tr, nil
}

// Backprop accumulates gradients for dQ, the gradient w.r.t. every output.
func (q *QNet) Backprop(tr *QTrace, dQ Logits) {
	dh := make([]float32, q.hidden.out)
	q.out.backward(tr.h, dQ[:], dh)
	reluMask(tr.h, dh)
	q.hidden.backward(tr.x, dh, nil)
}

func (q *QNet) Q(features []float32, tile game.Tile) (Logits, error) {
	tr, err := q.Trace(features, tile)
	if err != nil {
		return Logits{}, err
	}
	return tr.Q, nil
}

// Nets bundles the trainable models of one generation.
type Nets struct {
	PV *PolicyValueNet
	Q  *QNet
}

func NewNets(format convert.Format, hidden int, seed uint64) Nets {
	return Nets{PV: NewPolicyValueNet(format, hidden, seed), Q: NewQNet(format, hidden, seed)}
}

// Set exposes the nets to the search.
func (n Nets) Set() Set {
	s := Set{Format: n.PV.format, Policy: n.PV, Value: n.PV, Joint: n.PV}
	if n.Q != nil {
		s.Q = n.Q
	}
	return s
}

func (n Nets) Clone() Nets {
	out := Nets{PV: n.PV.Clone()}
	if n.Q != nil {
		out.Q = n.Q.Clone()
	}
	return out
}

// Paths returns the checkpoint files for a model stem such as
// "checkpoints/best".
func Paths(stem string) (pv, q string) {
	return stem + "_policy_value" + safetensors.Ext, stem + "_q" + safetensors.Ext
}

// Save writes both nets next to stem.
func (n Nets) Save(stem string) error {
	pv, qp := Paths(stem)
	if err := safetensors.Save(pv, n.PV); err != nil {
		return fmt.Errorf("save %s: %w", filepath.Base(pv), err)
	}
	if n.Q != nil {
		if err := safetensors.Save(qp, n.Q); err != nil {
			return fmt.Errorf("save %s: %w", filepath.Base(qp), err)
		}
	}
	return nil
}

// LoadNets builds nets of the given topology and fills them from stem. The
// Q net is optional on disk; when its file is absent Nets.Q is nil.
func LoadNets(stem string, format convert.Format, hidden int) (Nets, error) {
	n := NewNets(format, hidden, 0)
	pv, qp := Paths(stem)
	if _, err := safetensors.Load(pv, n.PV); err != nil {
		return Nets{}, err
	}
	if _, err := os.Stat(qp); errors.Is(err, fs.ErrNotExist) {
		n.Q = nil
		return n, nil
	}
	if _, err := safetensors.Load(qp, n.Q); err != nil {
		return Nets{}, err
	}
	return n, nil
}
