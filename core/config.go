package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the execution subsystem.
// Values are immutable after construction; components receive copies.
type Config struct {
	// Queue configures the task queue and its worker pool
	Queue QueueConfig `yaml:"queue"`

	// Audit configures the bounded in-memory audit logger
	Audit AuditLimits `yaml:"audit"`

	// DefaultTimeout applies to capabilities that do not set one
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	// WorkerCount is the number of concurrent workers
	WorkerCount int `yaml:"worker_count"`

	// Capacity bounds the number of live (non-terminal) tasks
	Capacity int `yaml:"capacity"`

	// ShutdownTimeout is how long Stop waits for in-flight work
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CleanupMaxAge is the retention for terminal tasks before Cleanup
	// removes them
	CleanupMaxAge time.Duration `yaml:"cleanup_max_age"`
}

// AuditLimits bounds the in-memory audit logger.
type AuditLimits struct {
	// MaxEvents is the FIFO eviction threshold
	MaxEvents int `yaml:"max_events"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			WorkerCount:     5,
			Capacity:        10000,
			ShutdownTimeout: 30 * time.Second,
			CleanupMaxAge:   24 * time.Hour,
		},
		Audit: AuditLimits{
			MaxEvents: 10000,
		},
		DefaultTimeout: 30 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults. Environment
// variables CAPCORE_WORKER_COUNT and CAPCORE_AUDIT_MAX_EVENTS override the
// file when set.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}

	if v := os.Getenv("CAPCORE_WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: CAPCORE_WORKER_COUNT=%q", ErrInvalidConfiguration, v)
		}
		cfg.Queue.WorkerCount = n
	}
	if v := os.Getenv("CAPCORE_AUDIT_MAX_EVENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: CAPCORE_AUDIT_MAX_EVENTS=%q", ErrInvalidConfiguration, v)
		}
		cfg.Audit.MaxEvents = n
	}

	if cfg.Queue.WorkerCount <= 0 {
		cfg.Queue.WorkerCount = 5
	}
	if cfg.Queue.ShutdownTimeout <= 0 {
		cfg.Queue.ShutdownTimeout = 30 * time.Second
	}

	return cfg, nil
}
