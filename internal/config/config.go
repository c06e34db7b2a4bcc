package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rachitkumar205/syncengine/internal/hlc"
)

// Config is the engine's environment-driven runtime configuration:
// clock tuning knobs, sync cadence, and the metrics listen address.
type Config struct {
	NodeIDOverride string // non-empty only in tests; production derives node_id from settings

	MetricsAddr string

	MaxDrift   time.Duration
	MaxCounter uint16

	SyncInterval time.Duration
	OplogPageSize int
}

// LoadConfig reads configuration from the environment, falling back
// to the defaults spec.md §4.1/§4.4 names explicitly.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		NodeIDOverride: getEnv("NODE_ID_OVERRIDE", ""),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		MaxDrift:       getDurationEnv("HLC_MAX_DRIFT", hlc.DefaultMaxDrift),
		MaxCounter:     uint16(getIntEnv("HLC_MAX_COUNTER", int(hlc.DefaultMaxCounter))),
		SyncInterval:   getDurationEnv("SYNC_INTERVAL", 30*time.Second),
		OplogPageSize:  getIntEnv("OPLOG_PAGE_SIZE", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.MaxDrift <= 0 {
		return fmt.Errorf("HLC_MAX_DRIFT must be positive, got %s", c.MaxDrift)
	}
	if c.MaxCounter == 0 {
		return fmt.Errorf("HLC_MAX_COUNTER must be positive, got %d", c.MaxCounter)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	if c.OplogPageSize <= 0 {
		return fmt.Errorf("OPLOG_PAGE_SIZE must be positive, got %d", c.OplogPageSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
