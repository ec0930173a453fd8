package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// ServerURL is the base URL of the Cortex server API.
	ServerURL string

	// CortexHome is the directory where client state is stored.
	CortexHome string
	// TokenFile is the path to the persisted session token.
	TokenFile string

	// Debug enables verbose logging.
	Debug bool
	// LogLevel overrides the log level (trace|debug|info|warn|error).
	LogLevel string

	// MaxRetries is the reconnect budget per connection outage.
	MaxRetries int
	// BackoffBase is the first reconnect delay; successive delays double.
	BackoffBase time.Duration
	// RefreshCheckInterval is how often the token refresh scheduler wakes up.
	RefreshCheckInterval time.Duration
	// PendingTimeout is how long an unconfirmed message stays pending before
	// it is marked timed out.
	PendingTimeout time.Duration
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cortexHome := os.Getenv("CORTEX_HOME_DIR")
	if cortexHome == "" {
		cortexHome = filepath.Join(homeDir, ".cortex")
	}

	// Ensure cortex home exists
	if err := os.MkdirAll(cortexHome, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cortex home: %w", err)
	}

	serverURL := os.Getenv("CORTEX_SERVER_URL")
	if serverURL == "" {
		serverURL = "https://api.cortexchat.dev"
	}

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"
	if !debug {
		debug = os.Getenv("CORTEX_DEBUG") == "true" || os.Getenv("CORTEX_DEBUG") == "1"
	}

	maxRetries, err := getenvInt("CORTEX_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	backoffBase, err := getenvDuration("CORTEX_BACKOFF_BASE", time.Second)
	if err != nil {
		return nil, err
	}
	refreshCheck, err := getenvDuration("CORTEX_REFRESH_CHECK_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	pendingTimeout, err := getenvDuration("CORTEX_PENDING_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerURL:            serverURL,
		CortexHome:           cortexHome,
		TokenFile:            filepath.Join(cortexHome, "session.token"),
		Debug:                debug,
		LogLevel:             os.Getenv("CORTEX_LOG_LEVEL"),
		MaxRetries:           maxRetries,
		BackoffBase:          backoffBase,
		RefreshCheckInterval: refreshCheck,
		PendingTimeout:       pendingTimeout,
	}, nil
}

func getenvInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid %s %q (expected a non-negative integer)", key, raw)
	}
	return val, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("invalid %s %q (expected a positive duration like 5s)", key, raw)
	}
	return val, nil
}
