//go:build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchkit/benchkit/pkg/types"
)

func TestLoad_Defaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yml")} {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, time.Second, cfg.PollInterval.Std())
		assert.False(t, cfg.UseFallback)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "benchkit.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
use_fallback: true
poll_interval: 250ms
limits:
  memory: 200MB
  cpu_time_soft: 80s
  cpu_time: 90s
  wall_time: 120s
  cores: 0-2,5
  memory_nodes: "0"
output:
  csv: results.csv
  json: results.json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.UseFallback)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, "results.csv", cfg.Output.CSV)
	assert.Equal(t, "results.json", cfg.Output.JSON)

	limits, err := cfg.RunLimits()
	require.NoError(t, err)
	assert.Equal(t, types.Bytes(200<<20), limits.Memory)
	assert.Equal(t, 80*time.Second, limits.CPUTimeSoft)
	assert.Equal(t, 90*time.Second, limits.CPUTimeHard)
	assert.Equal(t, 120*time.Second, limits.WallTime)
	assert.Equal(t, []int{0, 1, 2, 5}, limits.Cores)
	assert.Equal(t, []int{0}, limits.MemoryNodes)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	broken := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(broken, []byte("limits: ["), 0o644))
	_, err := Load(broken)
	assert.Error(t, err)

	badDuration := filepath.Join(dir, "duration.yml")
	require.NoError(t, os.WriteFile(badDuration, []byte("poll_interval: fast"), 0o644))
	_, err = Load(badDuration)
	assert.Error(t, err)
}

func TestRunLimits_Invalid(t *testing.T) {
	cfg := Default()
	cfg.Limits.Memory = "lots"
	_, err := cfg.RunLimits()
	assert.Error(t, err)

	cfg = Default()
	cfg.Limits.Cores = "2-1"
	_, err = cfg.RunLimits()
	assert.Error(t, err)
}
