package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Search.Validate())

	s := cfg.Search
	require.Equal(t, 0.3, s.DirichletAlpha)
	require.Equal(t, 0.25, s.DirichletEpsilon)
	require.Equal(t, 6, s.TopK)
	require.Equal(t, 1.5, s.WideningC)
	require.Equal(t, 0.4, s.WideningAlpha)
	require.Equal(t, 3, s.WideningMin)
	require.Equal(t, 1.8, s.TempInitial)
	require.Equal(t, 0.5, s.TempFinal)
	require.Equal(t, 140.0, s.ScoreMean)
	require.Equal(t, 40.0, s.ScoreStd)
	require.Equal(t, 3.0, cfg.Gate.Threshold)
	require.Equal(t, 0.95, cfg.Gate.Confidence)
	require.Contains(t, s.String(), "topk=6")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weights do not sum to one", func(c *Config) { c.Search.WeightNet = 0.9 }},
		{"negative rollouts", func(c *Config) { c.Search.RolloutWeak = -1 }},
		{"negative simulations", func(c *Config) { c.Search.Simulations = -10 }},
		{"zero top k", func(c *Config) { c.Search.TopK = 0 }},
		{"epsilon above one", func(c *Config) { c.Search.DirichletEpsilon = 1.5 }},
		{"unknown schedule", func(c *Config) { c.Train.Schedule = "step" }},
		{"confidence one", func(c *Config) { c.Gate.Confidence = 1 }},
		{"negative games", func(c *Config) { c.SelfPlay.Games = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrConfigInvalid))
		})
	}
}

func TestWeightsWithinTolerance(t *testing.T) {
	cfg := Default()
	cfg.Search.WeightNet = 0.655
	require.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  top_k: 4\n  simulations: 300\ngate:\n  threshold: 2.5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Search.TopK)
	require.Equal(t, 300, cfg.Search.Simulations)
	require.Equal(t, 2.5, cfg.Gate.Threshold)
	require.Equal(t, 3.8, cfg.Search.CPuctMid, "untouched fields keep defaults")
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search:\n  weight_net: 0.1\n"), 0o644))
	_, err := Load(path)
	require.True(t, errors.Is(err, ErrConfigInvalid))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
