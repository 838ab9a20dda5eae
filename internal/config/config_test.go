package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tracelens.db", cfg.StorePath)
	assert.Equal(t, 8192, cfg.BufferCapacity)
	assert.Equal(t, 256, cfg.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.EmptyWait)
	assert.True(t, cfg.CompressionEnabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRACELENS_BUFFER_CAPACITY", "128")
	t.Setenv("TRACELENS_COMPRESSION", "false")
	t.Setenv("TRACELENS_TIMING_KEYS", "duration_ns, ts ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.BufferCapacity)
	assert.False(t, cfg.CompressionEnabled)
	assert.Equal(t, []string{"duration_ns", "ts"}, cfg.TimingKeys)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.BufferCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load()
	cfg.StorePath = ""
	cfg.DatabaseURL = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadThresholdsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
graph:
  min_gap_ns: 500
antipatterns:
  god_process_degree: 50
  transfer_ratio: 3.5
regression:
  confidence_level: 0.99
  justifications: [intentional, approved]
`), 0o600))

	th, err := LoadThresholds(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), th.Graph.MinGapNs)
	assert.Equal(t, 50, th.Antipatterns.GodProcessDegree)
	assert.InDelta(t, 3.5, th.Antipatterns.TransferRatio, 1e-9)
	assert.InDelta(t, 0.99, th.Regression.ConfidenceLevel, 1e-9)
	assert.Equal(t, []string{"intentional", "approved"}, th.Regression.Justifications)
	// Unset knobs stay zero so package defaults apply downstream.
	assert.Zero(t, th.Antipatterns.TightLoopWindow)
}

func TestLoadThresholdsEmptyPath(t *testing.T) {
	th, err := LoadThresholds("")
	require.NoError(t, err)
	assert.Zero(t, th)
}

func TestLoadThresholdsRejectsBadConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("regression:\n  confidence_level: 1.5\n"), 0o600))
	_, err := LoadThresholds(path)
	require.Error(t, err)
}
