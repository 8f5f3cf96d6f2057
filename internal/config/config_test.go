package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "chats", cfg.Chat.Table)
	assert.Equal(t, 5*time.Minute, cfg.Chat.CacheTTL)
	assert.Equal(t, 2000, cfg.Chat.MaxRows)
	assert.Equal(t, 2000, cfg.Chat.MaxItems)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.Delay)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
chat:
  table: lobby
  cache_ttl: 30s
retry:
  attempts: 5
  delay: 250ms
storage:
  type: pebble
  pebble:
    path: /tmp/chat-cache
`))
	require.NoError(t, err)

	assert.Equal(t, "lobby", cfg.Chat.Table)
	assert.Equal(t, 30*time.Second, cfg.Chat.CacheTTL)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, "pebble", cfg.Storage.Type)
	assert.Equal(t, "/tmp/chat-cache", cfg.Storage.Pebble.Path)
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"bad table":       "chat:\n  table: \"chats; drop\"\n",
		"zero attempts":   "retry:\n  attempts: 0\n",
		"postgres no url": "store:\n  type: postgres\n",
		"unknown store":   "store:\n  type: sqlite\n",
		"zero max items":  "chat:\n  max_items: 0\n",
		"zero probe":      "connectivity:\n  probe_interval: 0s\n",
		"zero timeout":    "connectivity:\n  probe_timeout: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
