// Package cli holds the flag and logging plumbing shared by the binaries.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tiezero/tiezero/config"
	"github.com/tiezero/tiezero/executor/convert"
	"github.com/tiezero/tiezero/executor/inference"
)

// Common are the flags every binary accepts.
type Common struct {
	ConfigPath   string
	LogLevel     string
	Format       string
	Hidden       int
	OnnxSessions int
	OnnxBatch    int
	OnnxTimeout  time.Duration
	OnnxCUDA     bool
}

func (c *Common) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigPath, "config", "", "YAML config overlaid on the defaults")
	fs.StringVar(&c.LogLevel, "log-level", "info", "trace, debug, info, warn or error")
	fs.StringVar(&c.Format, "format", convert.Grid47.String(), "feature format of the models")
	fs.IntVar(&c.Hidden, "hidden", 0, "hidden width of safetensors models (0 uses train.hidden_size)")
	fs.IntVar(&c.OnnxSessions, "onnx-sessions", 1, "ONNX Runtime sessions for onnx: models")
	fs.IntVar(&c.OnnxBatch, "onnx-batch-size", inference.DefaultBatchSize, "ONNX inference batch size")
	fs.DurationVar(&c.OnnxTimeout, "onnx-batch-timeout", inference.DefaultBatchTimeout, "max wait to fill an ONNX batch")
	fs.BoolVar(&c.OnnxCUDA, "cuda", false, "use the CUDA provider for onnx: models")
}

// Setup configures logging on w and loads the configuration.
func (c *Common) Setup(w io.Writer) (config.Config, convert.Format, error) {
	if err := SetupLogging(w, c.LogLevel); err != nil {
		return config.Config{}, 0, err
	}
	cfg := config.Default()
	if c.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(c.ConfigPath); err != nil {
			return cfg, 0, err
		}
	} else if err := cfg.Validate(); err != nil {
		return cfg, 0, err
	}
	if c.Hidden <= 0 {
		c.Hidden = cfg.Train.HiddenSize
	}
	f, err := convert.ParseFormat(c.Format)
	if err != nil {
		return cfg, 0, err
	}
	log.Debug().Str("search", cfg.Search.String()).Msg("config loaded")
	return cfg, f, nil
}

// Open builds the approximators named by spec, see inference.Open.
func (c *Common) Open(spec string, f convert.Format) (inference.Set, io.Closer, error) {
	return inference.Open(spec, inference.OpenOptions{
		Format:   f,
		Hidden:   c.Hidden,
		Sessions: c.OnnxSessions,
		Onnx: inference.OnnxClientConfig{
			BatchSize:    c.OnnxBatch,
			BatchTimeout: c.OnnxTimeout,
			UseCUDA:      c.OnnxCUDA,
		},
	})
}

// SetupLogging sends human-readable logs to w at the given level.
func SetupLogging(w io.Writer, level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
