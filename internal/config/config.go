package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	QueueMemory   = "memory"
	QueueSQLite   = "sqlite"
	QueueRabbitMQ = "rabbitmq"
)

// Config is the file configuration of a bgpool process.
type Config struct {
	Pool     PoolConfig     `yaml:"pool" json:"pool"`
	Queue    QueueConfig    `yaml:"queue" json:"queue"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

type PoolConfig struct {
	Threads       int `yaml:"threads" json:"threads"`
	TasksPerDrain int `yaml:"tasks_per_drain" json:"tasks_per_drain"`
}

type QueueConfig struct {
	// Driver is one of memory, sqlite or rabbitmq
	Driver string `yaml:"driver" json:"driver"`
	Name   string `yaml:"name" json:"name"`

	// memory
	Size int `yaml:"size" json:"size"`

	// sqlite
	Path         string `yaml:"path" json:"path"`
	PollInterval string `yaml:"poll_interval" json:"poll_interval"`

	// rabbitmq
	URL      string `yaml:"url" json:"url"`
	Prefetch int    `yaml:"prefetch" json:"prefetch"`
}

// DatabaseConfig configures the unit of work tasks run in. An empty driver
// runs tasks without one.
type DatabaseConfig struct {
	// Driver is one of sqlite3, postgres (database/sql) or pgx
	Driver    string `yaml:"driver" json:"driver"`
	DSN       string `yaml:"dsn" json:"dsn"`
	FlushMode string `yaml:"flush_mode" json:"flush_mode"`
}

type MetricsConfig struct {
	// Addr serves /metrics and /healthz, empty disables it
	Addr      string `yaml:"addr" json:"addr"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Threads:       1,
			TasksPerDrain: 1,
		},
		Queue: QueueConfig{
			Driver:       QueueMemory,
			Name:         "default",
			Size:         1024,
			PollInterval: "100ms",
			Prefetch:     1,
		},
		Database: DatabaseConfig{
			FlushMode: "auto",
		},
		Metrics: MetricsConfig{
			Namespace: "bgpool",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}

// LoadFile reads a YAML or JSON file, by extension, on top of Default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return config, nil
}

// PollInterval parses Queue.PollInterval.
func (c *Config) PollInterval() (time.Duration, error) {
	if c.Queue.PollInterval == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.Queue.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid queue.poll_interval: %w", err)
	}
	return d, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Pool.Threads <= 0 {
		errs = append(errs, errors.New("pool.threads must be positive"))
	}

	if c.Pool.TasksPerDrain <= 0 {
		errs = append(errs, errors.New("pool.tasks_per_drain must be positive"))
	}

	switch c.Queue.Driver {
	case QueueMemory:
		if c.Queue.Size < 0 {
			errs = append(errs, errors.New("queue.size must be non-negative"))
		}
	case QueueSQLite:
		if c.Queue.Path == "" {
			errs = append(errs, errors.New("queue.path is required for the sqlite queue"))
		}
		if _, err := c.PollInterval(); err != nil {
			errs = append(errs, err)
		}
	case QueueRabbitMQ:
		if c.Queue.URL == "" {
			errs = append(errs, errors.New("queue.url is required for the rabbitmq queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver: %q", c.Queue.Driver))
	}

	switch c.Database.Driver {
	case "", "sqlite3", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver: %q", c.Database.Driver))
	}

	if c.Database.Driver != "" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch strings.ToLower(c.Database.FlushMode) {
	case "", "auto", "manual":
	default:
		errs = append(errs, fmt.Errorf("unknown database.flush_mode: %q", c.Database.FlushMode))
	}

	return errors.Join(errs...)
}
