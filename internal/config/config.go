// Package config loads and validates server configuration from a JSON
// file with environment overrides. Unknown options are rejected at
// startup rather than silently ignored.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized option.
type Config struct {
	TickIntervalMS        int    `json:"tick_interval_ms"`
	GameModule            string `json:"game_module"`
	DatabaseURL           string `json:"database_url"`
	ListenAddr            string `json:"listen_addr"`
	LogFile               string `json:"log_file"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds"`
	IntentQueueCapacity   int    `json:"intent_queue_capacity"`
	IntentPerPlayerLimit  int    `json:"intent_per_player_limit"`
	ZoneWorkers           int    `json:"zone_workers"`
	SendBuffer            int    `json:"send_buffer"`
	WriteTimeoutMS        int    `json:"write_timeout_ms"`
	IntentRatePerSecond   int    `json:"intent_rate_per_second"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		TickIntervalMS:        1000,
		GameModule:            "grid",
		DatabaseURL:           "gridshard.db",
		ListenAddr:            ":8080",
		SessionTimeoutSeconds: 0,
		IntentQueueCapacity:   1024,
		IntentPerPlayerLimit:  64,
		ZoneWorkers:           8,
		SendBuffer:            64,
		WriteTimeoutMS:        5000,
		IntentRatePerSecond:   30,
	}
}

// Load reads the configuration file at path (optional), applies
// environment overrides, and validates. An unknown key in the file is a
// startup error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("GRIDSHARD_TICK_INTERVAL_MS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid GRIDSHARD_TICK_INTERVAL_MS=%q: %w", v, err)
		}
		cfg.TickIntervalMS = parsed
	}
	if v := os.Getenv("GRIDSHARD_GAME_MODULE"); v != "" {
		cfg.GameModule = v
	}
	if v := os.Getenv("GRIDSHARD_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GRIDSHARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GRIDSHARD_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	return nil
}

// Validate enforces option invariants.
func (c Config) Validate() error {
	if c.TickIntervalMS <= 0 {
		return fmt.Errorf("config: tick_interval_ms must be positive, got %d", c.TickIntervalMS)
	}
	if c.GameModule == "" {
		return fmt.Errorf("config: game_module is required")
	}
	if c.IntentQueueCapacity < 1 {
		return fmt.Errorf("config: intent_queue_capacity must be at least 1, got %d", c.IntentQueueCapacity)
	}
	if c.WriteTimeoutMS <= 0 {
		return fmt.Errorf("config: write_timeout_ms must be positive, got %d", c.WriteTimeoutMS)
	}
	return nil
}

// TickInterval converts the configured cadence to a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// WriteTimeout converts the sink write bound to a duration.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// SessionTimeout converts the session expiry to a duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}
