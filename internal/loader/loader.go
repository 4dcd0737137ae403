// Package loader handles daemon configuration: YAML loading, environment
// variable expansion, defaults, and validation.
package loader

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/errors"
)

// Config is the daemon configuration.
type Config struct {
	// Store configures the mapped time-series file.
	Store StoreConfig `yaml:"store"`

	// Engine configures the runtime write path.
	Engine EngineConfig `yaml:"engine"`

	// IPC configures the local control socket.
	IPC IPCConfig `yaml:"ipc"`

	// Summaries configures per-channel streaming statistics.
	Summaries SummariesConfig `yaml:"summaries"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the store file.
type StoreConfig struct {
	// Path is the backing file (required).
	Path string `yaml:"path"`

	// PageCapacity is records per log page. Consulted only when the file
	// is created.
	PageCapacity uint32 `yaml:"page_capacity"`

	// InitialSize sizes a newly created backing file.
	InitialSize ByteSize `yaml:"initial_size"`

	// IndexBucket is the coarse page index bucket width; zero disables
	// the index.
	IndexBucket Duration `yaml:"index_bucket"`

	// IndexCacheSize bounds index cache memory.
	IndexCacheSize ByteSize `yaml:"index_cache_size"`
}

// EngineConfig configures the write path.
type EngineConfig struct {
	SubmitQueueSize int      `yaml:"submit_queue_size"`
	DrainTimeout    Duration `yaml:"drain_timeout"`
	SyncInterval    Duration `yaml:"sync_interval"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	Socket          string   `yaml:"socket"`
	MaxFrameSize    ByteSize `yaml:"max_frame_size"`
	MaxQueryResults int      `yaml:"max_query_results"`
}

// SummariesConfig configures streaming statistics.
type SummariesConfig struct {
	// Accuracy is the DDSketch relative accuracy; zero disables
	// percentile tracking.
	Accuracy float64 `yaml:"accuracy"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			PageCapacity:   config.DefaultPageCapacity,
			InitialSize:    ByteSize(config.DefaultInitialSize),
			IndexBucket:    Duration(config.DefaultIndexBucket),
			IndexCacheSize: ByteSize(config.DefaultIndexCacheSize),
		},
		Engine: EngineConfig{
			SubmitQueueSize: config.DefaultSubmitQueueSize,
			DrainTimeout:    Duration(config.DefaultDrainTimeout),
			SyncInterval:    Duration(config.DefaultSyncInterval),
		},
		IPC: IPCConfig{
			Socket:          config.DefaultSocketPath,
			MaxFrameSize:    ByteSize(config.DefaultMaxFrameSize),
			MaxQueryResults: config.DefaultMaxQueryResults,
		},
		Summaries: SummariesConfig{
			Accuracy: config.DefaultSketchAccuracy,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file. Environment variables in the file
// are expanded; unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Store.Path == "" {
		errs.AddMissing("store.path")
	}
	if cfg.Store.PageCapacity == 0 {
		errs.AddField("store.page_capacity", "must be positive")
	}
	if cfg.Store.IndexBucket < 0 {
		errs.AddField("store.index_bucket", "cannot be negative")
	}
	if cfg.Store.IndexBucket > 0 && cfg.Store.IndexCacheSize <= 0 {
		errs.AddField("store.index_cache_size", "must be positive when the index is enabled")
	}

	if cfg.Engine.SubmitQueueSize <= 0 {
		errs.AddField("engine.submit_queue_size", "must be positive")
	}
	if cfg.Engine.DrainTimeout <= 0 {
		errs.AddField("engine.drain_timeout", "must be positive")
	}

	if cfg.IPC.Socket == "" {
		errs.AddMissing("ipc.socket")
	}
	if cfg.IPC.MaxFrameSize <= 0 {
		errs.AddField("ipc.max_frame_size", "must be positive")
	}
	if cfg.IPC.MaxQueryResults <= 0 {
		errs.AddField("ipc.max_query_results", "must be positive")
	}

	if cfg.Summaries.Accuracy < 0 || cfg.Summaries.Accuracy >= 1 {
		errs.AddField("summaries.accuracy", "must be in [0, 1)")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		errs.AddField("logging.format", fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}

	return errs.Err()
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("30s") or an integer second count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that unmarshals from YAML as "64KB",
// "16MB", "1GB", or a plain byte count.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "64KB" or "1GB". Longer unit
// suffixes are matched first so "KB" never parses as "B".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
