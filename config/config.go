package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WALConfig holds write-ahead log specific configurations.
type WALConfig struct {
	Path             string `yaml:"path"`
	Capacity         int    `yaml:"capacity"`
	FlushInterval    string `yaml:"flush_interval"` // "-1" disables the background flush
	StopTimeout      string `yaml:"stop_timeout"`
	ReaderBufferSize int    `yaml:"reader_buffer_size"`
	MaxRecordSize    int    `yaml:"max_record_size"`
	LockTimeout      string `yaml:"lock_timeout"`
}

// StoreConfig selects the offset store protected by the log.
type StoreConfig struct {
	Kind        string `yaml:"kind"` // "file" or "badger"
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"` // file store only
}

// RecoveryConfig holds replay settings.
type RecoveryConfig struct {
	ReplayRateLimit float64 `yaml:"replay_rate_limit"` // records per second, 0 is unlimited
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled             bool   `yaml:"enabled"`
	ListenAddress       string `yaml:"listen_address"`
	PProfEnabled        bool   `yaml:"pprof_enabled"`
	MetricsEnabled      bool   `yaml:"metrics_enabled"`
	StatsvizEnabled     bool   `yaml:"statsviz_enabled"`
	DiskMonitorInterval string `yaml:"disk_monitor_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	WAL      WALConfig      `yaml:"wal"`
	Store    StoreConfig    `yaml:"store"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Logging  LoggingConfig  `yaml:"logging"`
	Debug    DebugConfig    `yaml:"debug"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	if durationStr == "-1" {
		return -1
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		WAL: WALConfig{
			Path:             "./data/offsets.wal",
			Capacity:         1024,
			FlushInterval:    "100ms",
			StopTimeout:      "1s",
			ReaderBufferSize: 512 * 1024, // 512 KiB
			MaxRecordSize:    64 * 1024,
			LockTimeout:      "5s",
		},
		Store: StoreConfig{
			Kind:        "file",
			Dir:         "./data/offsets",
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "offsetwal.log",
		},
		Debug: DebugConfig{
			Enabled:             false,
			ListenAddress:       "127.0.0.1:6060",
			PProfEnabled:        true,
			MetricsEnabled:      true,
			StatsvizEnabled:     true,
			DiskMonitorInterval: "15s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the log cannot run with.
func (c *Config) Validate() error {
	if c.WAL.Path == "" {
		return fmt.Errorf("invalid config: wal.path is empty")
	}
	if c.WAL.Capacity < 1 {
		return fmt.Errorf("invalid config: wal.capacity must be positive, got %d", c.WAL.Capacity)
	}
	switch c.Store.Kind {
	case "file", "badger":
	default:
		return fmt.Errorf("invalid config: unknown store.kind %q", c.Store.Kind)
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid config: unknown tracing.protocol %q", c.Tracing.Protocol)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
