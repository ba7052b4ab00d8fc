// Package config loads warden's configuration: compiled-in defaults
// overridden by WARDEN_* environment variables. The watchdog roster lives in
// its own YAML file (see internal/watchdog) and is loaded once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Orchestrator OrchestratorConfig
	Watchdog     WatchdogConfig
	Loop         LoopConfig
	Connectors   ConnectorsConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	Backend string // "fs" or "sqlite"
}

type OrchestratorConfig struct {
	PollInterval     time.Duration
	Workers          int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	ConnectorTimeout time.Duration
}

type WatchdogConfig struct {
	RosterPath string // empty disables the watchdog
	Interval   time.Duration
	Window     time.Duration
	Threshold  int
}

type LoopConfig struct {
	MaxIterations   int
	ReasonerCommand []string
}

type ConnectorsConfig struct {
	WebhookTokenEnv string   // env var holding the webhook bearer token
	ScriptCommand   []string // argv for the script connector; empty disables it
	ScriptTimeout   time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "fs",
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:     5 * time.Second,
			Workers:          4,
			MaxAttempts:      3,
			RetryBaseDelay:   time.Second,
			RetryMultiplier:  4,
			ConnectorTimeout: 30 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:  60 * time.Second,
			Window:    5 * time.Minute,
			Threshold: 3,
		},
		Loop: LoopConfig{
			MaxIterations: 10,
		},
		Connectors: ConnectorsConfig{
			WebhookTokenEnv: "WARDEN_WEBHOOK_TOKEN",
			ScriptTimeout:   60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "warden")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "warden-data"
	}
	return filepath.Join(home, ".local", "share", "warden")
}

// Load returns defaults overlaid with environment overrides.
func Load() (Config, error) {
	cfg := defaults()
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Storage.Backend != "fs" && cfg.Storage.Backend != "sqlite" {
		return Config{}, fmt.Errorf("unknown storage backend %q (want fs or sqlite)", cfg.Storage.Backend)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var err error
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, parseErr := strconv.Atoi(v)
			if parseErr != nil {
				err = fmt.Errorf("parsing %s: %w", key, parseErr)
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			d, parseErr := time.ParseDuration(v)
			if parseErr != nil {
				err = fmt.Errorf("parsing %s: %w", key, parseErr)
				return
			}
			*dst = d
		}
	}
	setFloat := func(key string, dst *float64) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			f, parseErr := strconv.ParseFloat(v, 64)
			if parseErr != nil {
				err = fmt.Errorf("parsing %s: %w", key, parseErr)
				return
			}
			*dst = f
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setArgv := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.Fields(v)
		}
	}

	setInt("WARDEN_PORT", &cfg.Server.Port)
	setString("WARDEN_DATA_DIR", &cfg.Storage.DataDir)
	setString("WARDEN_STORE_BACKEND", &cfg.Storage.Backend)

	setDuration("WARDEN_POLL_INTERVAL", &cfg.Orchestrator.PollInterval)
	setInt("WARDEN_WORKERS", &cfg.Orchestrator.Workers)
	setInt("WARDEN_MAX_ATTEMPTS", &cfg.Orchestrator.MaxAttempts)
	setDuration("WARDEN_RETRY_BASE_DELAY", &cfg.Orchestrator.RetryBaseDelay)
	setFloat("WARDEN_RETRY_MULTIPLIER", &cfg.Orchestrator.RetryMultiplier)
	setDuration("WARDEN_CONNECTOR_TIMEOUT", &cfg.Orchestrator.ConnectorTimeout)

	setString("WARDEN_ROSTER", &cfg.Watchdog.RosterPath)
	setDuration("WARDEN_WATCHDOG_INTERVAL", &cfg.Watchdog.Interval)
	setDuration("WARDEN_WATCHDOG_WINDOW", &cfg.Watchdog.Window)
	setInt("WARDEN_WATCHDOG_THRESHOLD", &cfg.Watchdog.Threshold)

	setInt("WARDEN_LOOP_MAX_ITERATIONS", &cfg.Loop.MaxIterations)
	setArgv("WARDEN_REASONER_COMMAND", &cfg.Loop.ReasonerCommand)

	setArgv("WARDEN_SCRIPT_CONNECTOR", &cfg.Connectors.ScriptCommand)
	setDuration("WARDEN_SCRIPT_TIMEOUT", &cfg.Connectors.ScriptTimeout)

	setString("WARDEN_LOG_LEVEL", &cfg.Log.Level)
	return err
}
