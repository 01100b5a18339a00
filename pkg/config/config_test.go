package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
server:
    base_url: https://api.example.com/
database:
    path: /tmp/sync-test.db
sync:
    heartbeat_interval: 30s
    death_threshold: 1m
`

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Server.BaseURL, "trailing slash is stripped")
	assert.Equal(t, "wss://api.example.com/api/v1/feed", cfg.Server.FeedURL, "feed URL derives from base URL")
	assert.Equal(t, "/tmp/sync-test.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Sync.HeartbeatInterval.Std())
}

func TestLoad_ExampleConfigIsValid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), ExampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, cfg.Sync.DirectSendTimeout.Std())
	assert.Equal(t, time.Minute, cfg.Sync.DeathThreshold.Std())
	assert.Equal(t, 3, cfg.Sync.BreakerThreshold)
	assert.Equal(t, 50, cfg.Sync.FirstRunPageSize)
}

func TestPostProcess_RequiresBaseURL(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
database:
    path: /tmp/x.db
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestPostProcess_DeathThresholdMustExceedHeartbeat(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
    base_url: https://api.example.com
sync:
    heartbeat_interval: 1m
    death_threshold: 30s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "death_threshold")
}

func TestPostProcess_BackoffCapBelowBase(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
    base_url: https://api.example.com
sync:
    backoff_base: 10s
    backoff_cap: 1s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_cap")
}

func TestWatch_AppliesValidChangesSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var applied []*Config
	err := Watch(ctx, path, func(cfg *Config) {
		mu.Lock()
		applied = append(applied, cfg)
		mu.Unlock()
	}, zerolog.Nop())
	require.NoError(t, err)

	// Valid change: picked up.
	require.NoError(t, os.WriteFile(path, []byte(`
server:
    base_url: https://api.example.com
sync:
    drain_interval: 2m
`), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1 && applied[0].Sync.DrainInterval.Std() == 2*time.Minute
	}, 3*time.Second, 25*time.Millisecond)

	// Invalid change: skipped, nothing new applied.
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
    drain_interval: [broken
`), 0o600))
	time.Sleep(3 * watchDebounce)
	mu.Lock()
	assert.Len(t, applied, 1, "a config that fails validation must not be applied")
	mu.Unlock()
}
