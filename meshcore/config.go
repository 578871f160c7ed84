package meshcore

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoggingConfig controls how ProductionLogger renders lines.
type LoggingConfig struct {
	Level  string `json:"level" env:"AGENTMESH_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"AGENTMESH_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"AGENTMESH_LOG_OUTPUT" default:"stdout"`
}

// Config holds every tunable enumerated by the orchestration core,
// following three-layer precedence: defaults, then environment
// variables, then functional Options applied last.
type Config struct {
	CacheDir             string        `json:"cache_dir" env:"AGENTMESH_CACHE_DIR" default:"./data"`
	DefaultTTL           time.Duration `json:"default_ttl" env:"AGENTMESH_DEFAULT_TTL_SECS" default:"3600s"`
	MaxSizeBytes         uint64        `json:"max_size_bytes" env:"AGENTMESH_MAX_SIZE_BYTES" default:"1073741824"`
	Compress             bool          `json:"compress" env:"AGENTMESH_COMPRESS" default:"true"`
	HotThreshold         time.Duration `json:"hot_threshold" env:"AGENTMESH_HOT_THRESHOLD_SECS" default:"600s"`
	WorkstackThreshold   int           `json:"workstack_threshold" env:"AGENTMESH_WORKSTACK_THRESHOLD" default:"2"`
	EnableCaching        bool          `json:"enable_caching" env:"AGENTMESH_ENABLE_CACHING" default:"true"`
	PromotionThreshold   uint32        `json:"promotion_threshold" env:"AGENTMESH_PROMOTION_THRESHOLD" default:"3"`
	DetectionWindow      time.Duration `json:"detection_window" env:"AGENTMESH_DETECTION_WINDOW_SECS" default:"86400s"`
	MinSequenceLength    int           `json:"min_sequence_length" env:"AGENTMESH_MIN_SEQUENCE_LENGTH" default:"2"`
	MaxSequenceLength    int           `json:"max_sequence_length" env:"AGENTMESH_MAX_SEQUENCE_LENGTH" default:"10"`
	AutoPromote          bool          `json:"auto_promote" env:"AGENTMESH_AUTO_PROMOTE" default:"false"`

	Logging LoggingConfig `json:"logging"`

	logger Logger `json:"-"`
}

// Option mutates a Config during NewConfig. Options run last, after
// defaults and environment variables, so they always win.
type Option func(*Config) error

// DefaultConfig returns a Config populated with every documented default.
func DefaultConfig() *Config {
	return &Config{
		CacheDir:           "./data",
		DefaultTTL:         3600 * time.Second,
		MaxSizeBytes:       1 << 30,
		Compress:           true,
		HotThreshold:       600 * time.Second,
		WorkstackThreshold: 2,
		EnableCaching:      true,
		PromotionThreshold: 3,
		DetectionWindow:    86400 * time.Second,
		MinSequenceLength:  2,
		MaxSequenceLength:  10,
		AutoPromote:        false,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// NewConfig builds a Config from defaults, then environment variables,
// then opts, validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading configuration from environment: %w", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}
	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, "agentmesh")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the logger the config was built with.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return NoOpLogger{}
	}
	return c.logger
}

// LoadFromEnv overlays environment variables on top of whatever the
// Config already holds. Hand-written, not reflection-based: each field
// is checked explicitly, matching the rest of this ambient stack.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AGENTMESH_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("AGENTMESH_DEFAULT_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("AGENTMESH_MAX_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("AGENTMESH_COMPRESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Compress = b
		}
	}
	if v := os.Getenv("AGENTMESH_HOT_THRESHOLD_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HotThreshold = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("AGENTMESH_WORKSTACK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkstackThreshold = n
		}
	}
	if v := os.Getenv("AGENTMESH_ENABLE_CACHING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.EnableCaching = b
		}
	}
	if v := os.Getenv("AGENTMESH_PROMOTION_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.PromotionThreshold = uint32(n)
		}
	}
	if v := os.Getenv("AGENTMESH_DETECTION_WINDOW_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DetectionWindow = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("AGENTMESH_MIN_SEQUENCE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MinSequenceLength = n
		}
	}
	if v := os.Getenv("AGENTMESH_MAX_SEQUENCE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxSequenceLength = n
		}
	}
	if v := os.Getenv("AGENTMESH_AUTO_PROMOTE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoPromote = b
		}
	}
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTMESH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AGENTMESH_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	return nil
}

// Validate checks invariants that must hold before the config can be
// used to construct the orchestrator.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return &MeshError{Op: "Config.Validate", Kind: "config", Message: "cache_dir must not be empty"}
	}
	if c.MaxSizeBytes == 0 {
		return &MeshError{Op: "Config.Validate", Kind: "config", Message: "max_size_bytes must be > 0"}
	}
	if c.WorkstackThreshold < 1 || c.WorkstackThreshold > 2 {
		return &MeshError{Op: "Config.Validate", Kind: "config", Message: "workstack_threshold must be 1 or 2 (the fast path only ever runs a single agent)"}
	}
	if c.MinSequenceLength < 1 || c.MaxSequenceLength < c.MinSequenceLength {
		return &MeshError{Op: "Config.Validate", Kind: "config", Message: "invalid sequence length bounds"}
	}
	if c.PromotionThreshold == 0 {
		return &MeshError{Op: "Config.Validate", Kind: "config", Message: "promotion_threshold must be > 0"}
	}
	return nil
}

// WithCacheDir overrides the cache directory.
func WithCacheDir(dir string) Option {
	return func(c *Config) error { c.CacheDir = dir; return nil }
}

// WithDefaultTTL overrides the default cache entry TTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) error { c.DefaultTTL = ttl; return nil }
}

// WithMaxSizeBytes overrides the cache size bound.
func WithMaxSizeBytes(n uint64) Option {
	return func(c *Config) error {
		if n == 0 {
			return &MeshError{Op: "WithMaxSizeBytes", Kind: "config", Message: "max size must be > 0"}
		}
		c.MaxSizeBytes = n
		return nil
	}
}

// WithCompress toggles blob compression.
func WithCompress(enabled bool) Option {
	return func(c *Config) error { c.Compress = enabled; return nil }
}

// WithHotThreshold overrides the hot-entry window used by stats().
func WithHotThreshold(d time.Duration) Option {
	return func(c *Config) error { c.HotThreshold = d; return nil }
}

// WithWorkstackThreshold overrides the minimum agent count that triggers
// the pipeline path instead of the single-agent fast path. Bounded to
// [1, 2]: the fast path only ever runs exactly one agent
// (workstack.Executor.RunSingle takes a single agent id), so a threshold
// above 2 would route a 2-or-more-agent resolution into the fast path and
// silently drop every agent after the first.
func WithWorkstackThreshold(n int) Option {
	return func(c *Config) error {
		if n < 1 || n > 2 {
			return &MeshError{Op: "WithWorkstackThreshold", Kind: "config", Message: "must be 1 or 2"}
		}
		c.WorkstackThreshold = n
		return nil
	}
}

// WithCachingEnabled toggles the step cache globally.
func WithCachingEnabled(enabled bool) Option {
	return func(c *Config) error { c.EnableCaching = enabled; return nil }
}

// WithPromotionThreshold overrides the call count that triggers a
// promotion suggestion.
func WithPromotionThreshold(n uint32) Option {
	return func(c *Config) error {
		if n == 0 {
			return &MeshError{Op: "WithPromotionThreshold", Kind: "config", Message: "must be > 0"}
		}
		c.PromotionThreshold = n
		return nil
	}
}

// WithDetectionWindow overrides the promotion-candidate recency window.
func WithDetectionWindow(d time.Duration) Option {
	return func(c *Config) error { c.DetectionWindow = d; return nil }
}

// WithSequenceLengthBounds overrides min/max tracked sequence length.
func WithSequenceLengthBounds(min, max int) Option {
	return func(c *Config) error {
		if min < 1 || max < min {
			return &MeshError{Op: "WithSequenceLengthBounds", Kind: "config", Message: "invalid bounds"}
		}
		c.MinSequenceLength = min
		c.MaxSequenceLength = max
		return nil
	}
}

// WithAutoPromote toggles automatic promotion once a suggestion fires.
func WithAutoPromote(enabled bool) Option {
	return func(c *Config) error { c.AutoPromote = enabled; return nil }
}

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = level; return nil }
}

// WithLogFormat overrides the log format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error { c.Logging.Format = format; return nil }
}

// WithLogger installs a caller-provided logger instead of the default
// ProductionLogger.
func WithLogger(l Logger) Option {
	return func(c *Config) error { c.logger = l; return nil }
}
