package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/game"
)

const (
	DefaultBatchSize    = 64
	DefaultBatchTimeout = 1 * time.Millisecond
)

var errClientClosed = errors.New("onnx client closed")

type OnnxClientConfig struct {
	Format       convert.Format
	BatchSize    int
	BatchTimeout time.Duration
	UseCUDA      bool
}

type inferenceRequest struct {
	input    []float32
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	policy Logits
	value  float32
	err    error
}

// RuntimeStats summarises batching behaviour for progress displays.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int
	AvgBatchSize  float64
	AvgRunMs      float64
}

// OnnxClient runs an exported policy/value network with ONNX Runtime.
// Concurrent callers are coalesced into batches by a single loop goroutine.
// The model takes "input" shaped [N, ...format shape] and produces "policy"
// [N, 19] and "value" [N, 1].
type OnnxClient struct {
	session      *ort.DynamicAdvancedSession
	requestsChan chan inferenceRequest
	done         chan struct{}
	closeOnce    sync.Once
	cfg          OnnxClientConfig

	batches  atomic.Int64
	items    atomic.Int64
	runNanos atomic.Int64
	last     atomic.Int64
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxClient(modelPath string, format convert.Format) (*OnnxClient, error) {
	return NewOnnxClientWithConfig(modelPath, OnnxClientConfig{Format: format})
}

func NewOnnxClientWithConfig(modelPath string, cfg OnnxClientConfig) (*OnnxClient, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}

	setSharedLibraryPath()
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to init ort: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// Many search workers share the process; keep each session single-threaded.
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, err
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, err
	}

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			log.Warn().Err(err).Msg("cuda provider unavailable, using cpu")
		} else {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				log.Warn().Err(err).Msg("failed to append cuda provider")
			} else {
				log.Info().Msg("cuda provider enabled")
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, []string{"policy", "value"}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	client := &OnnxClient{
		session:      session,
		cfg:          cfg,
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		done:         make(chan struct{}),
	}
	go client.batchLoop()
	return client, nil
}

func setSharedLibraryPath() {
	if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
		return
	}
	if runtime.GOOS != "linux" {
		return
	}
	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	for _, name := range []string{"libonnxruntime.so", "libonnxruntime.so.1"} {
		abs := filepath.Join(cwd, name)
		if _, err := os.Stat(abs); err == nil {
			ort.SetSharedLibraryPath(abs)
			return
		}
	}
}

func (c *OnnxClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.session.Destroy()
	})
	return err
}

func (c *OnnxClient) Stats() RuntimeStats {
	st := RuntimeStats{
		TotalBatches:  c.batches.Load(),
		TotalItems:    c.items.Load(),
		TotalRunNanos: c.runNanos.Load(),
		LastBatchSize: c.last.Load(),
		QueueLen:      len(c.requestsChan),
	}
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = float64(st.TotalRunNanos) / 1e6 / float64(st.TotalBatches)
	}
	return st
}

func (c *OnnxClient) Evaluate(features []float32) (Logits, float32, error) {
	if len(features) != c.cfg.Format.Size() {
		return Logits{}, 0, fmt.Errorf("onnx: got %d features, want %d", len(features), c.cfg.Format.Size())
	}
	respChan := make(chan inferenceResponse, 1)
	select {
	case c.requestsChan <- inferenceRequest{input: features, respChan: respChan}:
	case <-c.done:
		return Logits{}, 0, errClientClosed
	}
	select {
	case resp := <-respChan:
		return resp.policy, resp.value, resp.err
	case <-c.done:
		return Logits{}, 0, errClientClosed
	}
}

func (c *OnnxClient) Policy(features []float32) (Logits, error) {
	l, _, err := c.Evaluate(features)
	return l, err
}

func (c *OnnxClient) Value(features []float32) (float32, error) {
	_, v, err := c.Evaluate(features)
	return v, err
}

// Set exposes the client as a policy/value set without a Q network.
func (c *OnnxClient) Set() Set {
	return Set{Format: c.cfg.Format, Policy: c, Value: c, Joint: c}
}

func (c *OnnxClient) batchLoop() {
	size := c.cfg.Format.Size()
	batchInput := make([]float32, 0, c.cfg.BatchSize*size)
	requests := make([]inferenceRequest, 0, c.cfg.BatchSize)

	ticker := time.NewTicker(c.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(requests) == 0 {
			return
		}
		c.runBatch(requests, batchInput)
		requests = requests[:0]
		batchInput = batchInput[:0]
	}

	for {
		select {
		case req := <-c.requestsChan:
			requests = append(requests, req)
			batchInput = append(batchInput, req.input...)
			if len(requests) >= c.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.done:
			c.failBatch(requests, errClientClosed)
			return
		}
	}
}

func (c *OnnxClient) runBatch(requests []inferenceRequest, batchInput []float32) {
	start := time.Now()
	n := int64(len(requests))

	inputShape := append([]int64{n}, c.cfg.Format.Shape()...)
	inputTensor, err := ort.NewTensor(ort.NewShape(inputShape...), batchInput)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, game.NumCells))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(n, 1))
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	defer valueTensor.Destroy()

	if err := c.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		c.failBatch(requests, err)
		return
	}

	policyData := policyTensor.GetData()
	valueData := valueTensor.GetData()
	for i, req := range requests {
		var resp inferenceResponse
		copy(resp.policy[:], policyData[i*game.NumCells:(i+1)*game.NumCells])
		resp.value = valueData[i]
		if !Finite(resp.policy[:]) || !Finite(valueData[i:i+1]) {
			resp.err = fmt.Errorf("onnx: %w", ErrNumericFailure)
		}
		req.respChan <- resp
	}

	c.batches.Add(1)
	c.items.Add(n)
	c.last.Store(n)
	c.runNanos.Add(time.Since(start).Nanoseconds())
}

func (c *OnnxClient) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}
