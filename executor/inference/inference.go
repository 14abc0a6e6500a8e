// Package inference defines the approximators the search consumes and the
// concrete models that implement them.
//
// The search sees three capabilities: policy logits over the 19 cells, a
// tanh-squashed value, and per-cell Q values for a given tile. Each takes the
// encoded features of one position in the Format of the Set it belongs to.
// Implementations must be stateless with respect to their inputs so that the
// same features always yield the same outputs, and safe for concurrent use.
package inference

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/game"
)

// ErrNumericFailure reports a NaN or infinite output.
var ErrNumericFailure = errors.New("numeric failure")

// Logits holds one value per board cell.
type Logits = [game.NumCells]float32

type Policy interface {
	Policy(features []float32) (Logits, error)
}

type Value interface {
	Value(features []float32) (float32, error)
}

type QValue interface {
	Q(features []float32, tile game.Tile) (Logits, error)
}

// Joint is implemented by models that produce policy and value from one
// forward pass.
type Joint interface {
	Evaluate(features []float32) (Logits, float32, error)
}

// PolicyBatcher and ValueBatcher are optional throughput fast paths. The
// features of n positions are laid out back to back.
type PolicyBatcher interface {
	PolicyBatch(features []float32, n int) ([]Logits, error)
}

type ValueBatcher interface {
	ValueBatch(features []float32, n int) ([]float32, error)
}

// Set is the capability record the search is polymorphic over. Any member
// may be nil: a missing policy yields uniform priors, a missing value moves
// its weight to rollouts, a missing Q disables Q pruning.
type Set struct {
	Format convert.Format
	Policy Policy
	Value  Value
	Q      QValue
	Joint  Joint
}

// Evaluate returns policy logits and value, using the joint fast path when
// the set has one.
func (s Set) Evaluate(features []float32) (Logits, float32, error) {
	if s.Joint != nil {
		return s.Joint.Evaluate(features)
	}
	var logits Logits
	var v float32
	var err error
	if s.Policy != nil {
		if logits, err = s.Policy.Policy(features); err != nil {
			return logits, 0, err
		}
	}
	if s.Value != nil {
		if v, err = s.Value.Value(features); err != nil {
			return logits, 0, err
		}
	}
	return logits, v, nil
}

// PolicyBatch evaluates n positions, falling back to one call per position
// when p has no batched path.
func PolicyBatch(p Policy, format convert.Format, features []float32, n int) ([]Logits, error) {
	if b, ok := p.(PolicyBatcher); ok {
		return b.PolicyBatch(features, n)
	}
	size := format.Size()
	if len(features) < n*size {
		return nil, fmt.Errorf("policy batch: %d values for %d samples of %d", len(features), n, size)
	}
	out := make([]Logits, n)
	for i := range out {
		l, err := p.Policy(features[i*size : (i+1)*size])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out[i] = l
	}
	return out, nil
}

// ValueBatch is the value counterpart of PolicyBatch.
func ValueBatch(v Value, format convert.Format, features []float32, n int) ([]float32, error) {
	if b, ok := v.(ValueBatcher); ok {
		return b.ValueBatch(features, n)
	}
	size := format.Size()
	if len(features) < n*size {
		return nil, fmt.Errorf("value batch: %d values for %d samples of %d", len(features), n, size)
	}
	out := make([]float32, n)
	for i := range out {
		x, err := v.Value(features[i*size : (i+1)*size])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out[i] = x
	}
	return out, nil
}

// Finite reports whether every value is a real number.
func Finite(xs []float32) bool {
	for _, x := range xs {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// Shared holds the Set used by search workers. Workers take a snapshot with
// Load for each search; the trainer publishes new weights with Swap and never
// mutates a published model in place.
type Shared struct {
	mu  sync.RWMutex
	set Set
}

func NewShared(s Set) *Shared {
	return &Shared{set: s}
}

func (s *Shared) Load() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// Swap publishes next and returns the previous set.
func (s *Shared) Swap(next Set) Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.set
	s.set = next
	return prev
}
