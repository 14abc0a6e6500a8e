package safetensors

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
)

// Parameter is a trainable float32 tensor addressed by a hierarchical name
// such as "trunk.0.weight". Data aliases the live storage of the model.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
}

// Module is anything that can enumerate its parameters.
type Module interface {
	Parameters() []Parameter
}

// Report lists what Load did with each tensor.
type Report struct {
	Loaded  []string
	Missing []string // parameters with no tensor in the file
	Unused  []string // tensors with no matching parameter
}

// Tensors snapshots every parameter of m.
func Tensors(m Module) map[string]Tensor {
	params := m.Parameters()
	out := make(map[string]Tensor, len(params))
	for _, p := range params {
		out[p.Name] = Float32(p.Shape, p.Data)
	}
	return out
}

// Save writes every parameter of m to path atomically.
func Save(path string, m Module) error {
	return WriteFile(path, Tensors(m))
}

// Load copies tensors from path into the matching parameters of m. Missing
// parameters are logged and left untouched so partial checkpoints can seed
// fine-tuning. A shape mismatch aborts before any parameter is modified.
func Load(path string, m Module) (Report, error) {
	tensors, err := ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	return Apply(tensors, m, path)
}

// Apply is Load for tensors already in memory. source only labels log lines.
func Apply(tensors map[string]Tensor, m Module, source string) (Report, error) {
	var rep Report
	params := m.Parameters()
	values := make([][]float32, len(params))
	seen := make(map[string]bool, len(params))

	for i, p := range params {
		seen[p.Name] = true
		t, ok := tensors[p.Name]
		if !ok {
			rep.Missing = append(rep.Missing, p.Name)
			continue
		}
		if !slices.Equal(t.Shape, p.Shape) {
			return Report{}, fmt.Errorf("%w: %w: %q is %v in %s, model expects %v", ErrPersistence, ErrShapeMismatch, p.Name, t.Shape, source, p.Shape)
		}
		v, err := t.AsFloat32()
		if err != nil {
			return Report{}, fmt.Errorf("%q: %w", p.Name, err)
		}
		values[i] = v
	}

	for i, p := range params {
		if values[i] == nil {
			continue
		}
		copy(p.Data, values[i])
		rep.Loaded = append(rep.Loaded, p.Name)
	}
	for name := range tensors {
		if !seen[name] {
			rep.Unused = append(rep.Unused, name)
		}
	}
	slices.Sort(rep.Unused)

	for _, name := range rep.Missing {
		log.Warn().Str("file", source).Str("tensor", name).Msg("tensor missing from checkpoint, keeping current value")
	}
	return rep, nil
}
