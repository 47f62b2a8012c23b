package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 48*time.Hour, cfg.Aggregator.DedupTTL)
	assert.Equal(t, 100_000, cfg.Aggregator.DedupMaxEntries)
	assert.Equal(t, time.Minute, cfg.Aggregator.FlushInterval)
	assert.False(t, cfg.Aggregator.LogDuplicates)
	assert.Equal(t, "nats://localhost:4222", cfg.Broker.URL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OBSERVA_DEDUP_MAX_ENTRIES", "10000")
	t.Setenv("OBSERVA_FLUSH_INTERVAL", "30s")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg := Default()
	assert.Equal(t, 10_000, cfg.Aggregator.DedupMaxEntries)
	assert.Equal(t, 30*time.Second, cfg.Aggregator.FlushInterval)
	assert.Equal(t, "nats://broker:4222", cfg.Broker.URL)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observa.yaml")
	data := []byte(`
broker:
  url: nats://filehost:4222
  batch_size: 25
aggregator:
  dedup_ttl: 24h
  flush_interval: 15s
  log_duplicates: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://filehost:4222", cfg.Broker.URL)
	assert.Equal(t, 25, cfg.Broker.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Aggregator.DedupTTL)
	assert.Equal(t, 15*time.Second, cfg.Aggregator.FlushInterval)
	assert.True(t, cfg.Aggregator.LogDuplicates)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestAggregatorValidate(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.DedupMaxEntries = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultAggregatorConfig()
	cfg.FlushInterval = 0
	assert.Error(t, cfg.Validate())

	// Zero TTL is allowed: it disables age-based eviction and leaves
	// capacity eviction as the only bound.
	cfg = DefaultAggregatorConfig()
	cfg.DedupTTL = 0
	assert.NoError(t, cfg.Validate())
}
