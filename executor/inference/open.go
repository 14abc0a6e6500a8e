package inference

import (
	"fmt"
	"io"
	"strings"

	"github.com/tiezero/tiezero/executor/convert"
)

type OpenOptions struct {
	Format   convert.Format
	Hidden   int
	Sessions int
	Onnx     OnnxClientConfig
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds a Set from a model spec:
//
//	heuristic       one-step placement heuristic, no learned weights
//	uniform         uniform priors, rollouts only
//	onnx:PATH       exported policy/value network
//	STEM[,STEM...]  safetensors checkpoints; several stems form an ensemble
//
// The closer releases runtime sessions and is never nil.
func Open(spec string, opts OpenOptions) (Set, io.Closer, error) {
	switch {
	case spec == "heuristic":
		h, err := NewHeuristic(opts.Format)
		if err != nil {
			return Set{}, nil, err
		}
		return h.Set(), nopCloser{}, nil
	case spec == "uniform":
		return Set{Format: opts.Format, Policy: Uniform{}}, nopCloser{}, nil
	case strings.HasPrefix(spec, "onnx:"):
		cfg := opts.Onnx
		cfg.Format = opts.Format
		path := strings.TrimPrefix(spec, "onnx:")
		if opts.Sessions > 1 {
			p, err := NewOnnxPool(path, opts.Sessions, cfg)
			if err != nil {
				return Set{}, nil, err
			}
			return p.Set(), p, nil
		}
		c, err := NewOnnxClientWithConfig(path, cfg)
		if err != nil {
			return Set{}, nil, err
		}
		return c.Set(), c, nil
	case spec == "":
		return Set{}, nil, fmt.Errorf("empty model spec")
	}

	stems := strings.Split(spec, ",")
	members := make([]Set, 0, len(stems))
	for _, stem := range stems {
		n, err := LoadNets(stem, opts.Format, opts.Hidden)
		if err != nil {
			return Set{}, nil, fmt.Errorf("load %s: %w", stem, err)
		}
		members = append(members, n.Set())
	}
	if len(members) == 1 {
		return members[0], nopCloser{}, nil
	}
	e, err := NewEnsemble(members...)
	if err != nil {
		return Set{}, nil, err
	}
	return e.Set(), nopCloser{}, nil
}
