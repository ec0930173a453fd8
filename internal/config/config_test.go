package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CORTEX_HOME_DIR", t.TempDir())
	t.Setenv("CORTEX_SERVER_URL", "")
	t.Setenv("CORTEX_DEBUG", "")
	t.Setenv("DEBUG", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.cortexchat.dev", cfg.ServerURL)
	require.False(t, cfg.Debug)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, time.Second, cfg.BackoffBase)
	require.Equal(t, 30*time.Second, cfg.RefreshCheckInterval)
	require.Equal(t, 30*time.Second, cfg.PendingTimeout)
	require.Equal(t, filepath.Join(cfg.CortexHome, "session.token"), cfg.TokenFile)
	require.DirExists(t, cfg.CortexHome)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CORTEX_HOME_DIR", t.TempDir())
	t.Setenv("CORTEX_SERVER_URL", "https://staging.example.com")
	t.Setenv("CORTEX_DEBUG", "1")
	t.Setenv("CORTEX_MAX_RETRIES", "5")
	t.Setenv("CORTEX_BACKOFF_BASE", "250ms")
	t.Setenv("CORTEX_PENDING_TIMEOUT", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://staging.example.com", cfg.ServerURL)
	require.True(t, cfg.Debug)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.BackoffBase)
	require.Equal(t, 10*time.Second, cfg.PendingTimeout)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("CORTEX_HOME_DIR", t.TempDir())

	t.Setenv("CORTEX_MAX_RETRIES", "lots")
	_, err := Load()
	require.Error(t, err)
	t.Setenv("CORTEX_MAX_RETRIES", "")

	t.Setenv("CORTEX_BACKOFF_BASE", "-1s")
	_, err = Load()
	require.Error(t, err)
}
