package inference

import (
	"errors"
	"fmt"

	"github.com/tiezero/tiezero/game"
)

// Ensemble averages the outputs of several sets pointwise. Members lacking a
// capability are skipped for that capability.
type Ensemble struct {
	members []Set
}

func NewEnsemble(members ...Set) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble needs at least one member")
	}
	for i, m := range members[1:] {
		if m.Format != members[0].Format {
			return nil, fmt.Errorf("ensemble member %d uses %s, member 0 uses %s", i+1, m.Format, members[0].Format)
		}
	}
	return &Ensemble{members: members}, nil
}

// Set exposes only the capabilities at least one member provides.
func (e *Ensemble) Set() Set {
	s := Set{Format: e.members[0].Format}
	for _, m := range e.members {
		if m.Policy != nil {
			s.Policy = e
		}
		if m.Value != nil {
			s.Value = e
		}
		if m.Q != nil {
			s.Q = e
		}
	}
	return s
}

func (e *Ensemble) Policy(features []float32) (Logits, error) {
	var sum Logits
	n := 0
	for i, m := range e.members {
		if m.Policy == nil {
			continue
		}
		l, err := m.Policy.Policy(features)
		if err != nil {
			return Logits{}, fmt.Errorf("ensemble member %d: %w", i, err)
		}
		for c := range sum {
			sum[c] += l[c]
		}
		n++
	}
	if n == 0 {
		return sum, nil
	}
	for c := range sum {
		sum[c] /= float32(n)
	}
	return sum, nil
}

func (e *Ensemble) Value(features []float32) (float32, error) {
	var sum float32
	n := 0
	for i, m := range e.members {
		if m.Value == nil {
			continue
		}
		v, err := m.Value.Value(features)
		if err != nil {
			return 0, fmt.Errorf("ensemble member %d: %w", i, err)
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float32(n), nil
}

func (e *Ensemble) Q(features []float32, tile game.Tile) (Logits, error) {
	var sum Logits
	n := 0
	for i, m := range e.members {
		if m.Q == nil {
			continue
		}
		q, err := m.Q.Q(features, tile)
		if err != nil {
			return Logits{}, fmt.Errorf("ensemble member %d: %w", i, err)
		}
		for c := range sum {
			sum[c] += q[c]
		}
		n++
	}
	if n == 0 {
		return sum, nil
	}
	for c := range sum {
		sum[c] /= float32(n)
	}
	return sum, nil
}
