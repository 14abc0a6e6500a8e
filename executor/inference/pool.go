package inference

import (
	"fmt"
	"sync/atomic"
)

// OnnxPool fans calls out across several OnnxClient instances, each with its
// own batching loop and session, so inference can overlap.
//
// Note: ORT environment initialization is process-global; OnnxClient handles
// that internally.
type OnnxPool struct {
	clients []*OnnxClient
	rr      atomic.Uint64
}

func NewOnnxPool(modelPath string, sessions int, cfg OnnxClientConfig) (*OnnxPool, error) {
	if sessions <= 0 {
		sessions = 1
	}
	clients := make([]*OnnxClient, 0, sessions)
	for i := 0; i < sessions; i++ {
		c, err := NewOnnxClientWithConfig(modelPath, cfg)
		if err != nil {
			for _, created := range clients {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create onnx client %d/%d: %w", i+1, sessions, err)
		}
		clients = append(clients, c)
	}
	return &OnnxPool{clients: clients}, nil
}

func (p *OnnxPool) Stats() RuntimeStats {
	var out RuntimeStats
	for _, c := range p.clients {
		st := c.Stats()
		out.TotalBatches += st.TotalBatches
		out.TotalItems += st.TotalItems
		out.TotalRunNanos += st.TotalRunNanos
		out.QueueLen += st.QueueLen
		if st.LastBatchSize > out.LastBatchSize {
			out.LastBatchSize = st.LastBatchSize
		}
	}
	if out.TotalBatches > 0 {
		out.AvgBatchSize = float64(out.TotalItems) / float64(out.TotalBatches)
		out.AvgRunMs = float64(out.TotalRunNanos) / 1e6 / float64(out.TotalBatches)
	}
	return out
}

func (p *OnnxPool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *OnnxPool) next() (*OnnxClient, error) {
	if len(p.clients) == 0 {
		return nil, fmt.Errorf("onnx pool has no clients")
	}
	return p.clients[int(p.rr.Add(1)-1)%len(p.clients)], nil
}

func (p *OnnxPool) Evaluate(features []float32) (Logits, float32, error) {
	c, err := p.next()
	if err != nil {
		return Logits{}, 0, err
	}
	return c.Evaluate(features)
}

func (p *OnnxPool) Policy(features []float32) (Logits, error) {
	l, _, err := p.Evaluate(features)
	return l, err
}

func (p *OnnxPool) Value(features []float32) (float32, error) {
	_, v, err := p.Evaluate(features)
	return v, err
}

func (p *OnnxPool) Set() Set {
	s := Set{Policy: p, Value: p, Joint: p}
	if len(p.clients) > 0 {
		s.Format = p.clients[0].cfg.Format
	}
	return s
}
