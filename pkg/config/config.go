package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// Collector modes.
const (
	ModeProxy = "proxy"
	ModeTail  = "tail"
	ModeBoth  = "both"
)

// DefaultPaths are probed in order when no config file is given.
var DefaultPaths = []string{"tokmeter.toml", "tokmeter.yaml", "tokmeter.yml"}

// Config holds all tokmeter configuration.
type Config struct {
	Mode       string             `yaml:"mode" toml:"mode"`
	DBPath     string             `yaml:"db_path" toml:"db_path"`
	Proxy      ProxyConfig        `yaml:"proxy" toml:"proxy"`
	Tailer     TailerConfig       `yaml:"tailer" toml:"tailer"`
	Aggregator AggregatorConfig   `yaml:"aggregator" toml:"aggregator"`
	Pricing    PricingConfig      `yaml:"pricing" toml:"pricing"`
	Log        LogConfig          `yaml:"log" toml:"log"`
	Metrics    MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Debug      models.DebugConfig `yaml:"debug" toml:"debug"`
}

// ProxyConfig controls the intercepting proxy.
type ProxyConfig struct {
	Listen          string        `yaml:"listen" toml:"listen"`
	PublicBasePath  string        `yaml:"public_base_path" toml:"public_base_path"`
	UpstreamBaseURL string        `yaml:"upstream_base_url" toml:"upstream_base_url"`
	MaxCaptureBytes int64         `yaml:"max_capture_bytes" toml:"max_capture_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailerConfig controls the session log tailer.
type TailerConfig struct {
	Dirs         []string      `yaml:"dirs" toml:"dirs"`
	Pattern      string        `yaml:"pattern" toml:"pattern"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxLineBytes int           `yaml:"max_line_bytes" toml:"max_line_bytes"`
}

// AggregatorConfig controls ingestion batching and buffering.
type AggregatorConfig struct {
	FlushInterval       time.Duration `yaml:"flush_interval" toml:"flush_interval"`
	RecentCapacity      int           `yaml:"recent_capacity" toml:"recent_capacity"`
	ChannelCapacity     int           `yaml:"channel_capacity" toml:"channel_capacity"`
	ShutdownSendTimeout time.Duration `yaml:"shutdown_send_timeout" toml:"shutdown_send_timeout"`
	RetryMaxTries       uint          `yaml:"retry_max_tries" toml:"retry_max_tries"`
	RetryMaxElapsed     time.Duration `yaml:"retry_max_elapsed" toml:"retry_max_elapsed"`
}

// PricingConfig holds the fallback rate and the rules seeded into an empty
// price table.
type PricingConfig struct {
	UseDefaultRate bool               `yaml:"use_default_rate" toml:"use_default_rate"`
	DefaultRate    models.DefaultRate `yaml:"default_rate" toml:"default_rate"`
	Seed           []models.PriceRule `yaml:"seed" toml:"seed"`
}

// Default returns the fallback rate, or nil when disabled.
func (p PricingConfig) Default() *models.DefaultRate {
	if !p.UseDefaultRate {
		return nil
	}
	r := p.DefaultRate
	return &r
}

// LogConfig controls the process log.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json or console
	File   string `yaml:"file" toml:"file"`     // empty or "-" writes to stderr
}

// MetricsConfig controls the Prometheus endpoint when the proxy is not running.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Mode:   ModeBoth,
		DBPath: "usage.db",
		Proxy: ProxyConfig{
			Listen:          "127.0.0.1:8787",
			PublicBasePath:  "/v1",
			UpstreamBaseURL: "https://api.openai.com/v1",
			MaxCaptureBytes: 4 << 20,
			ShutdownTimeout: 5 * time.Second,
		},
		Tailer: TailerConfig{
			Dirs:         []string{"~/.codex/sessions"},
			Pattern:      "*.jsonl",
			PollInterval: 2 * time.Second,
			MaxLineBytes: 16 << 20,
		},
		Aggregator: AggregatorConfig{
			FlushInterval:       5 * time.Second,
			RecentCapacity:      500,
			ChannelCapacity:     1024,
			ShutdownSendTimeout: 2 * time.Second,
			RetryMaxTries:       5,
			RetryMaxElapsed:     10 * time.Second,
		},
		Pricing: PricingConfig{
			UseDefaultRate: true,
			DefaultRate: models.DefaultRate{
				PromptPerMillion:     10,
				CompletionPerMillion: 30,
			},
			Seed: seedRules(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			File:   "tokmeter.log",
		},
		Debug: models.DebugConfig{
			Dir:           "debug",
			QueueSize:     256,
			MaxBodySize:   64 << 10,
			RetentionDays: 7,
			RedactHeaders: []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "Api-Key", "OpenAI-Organization"},
		},
	}
}

func seedRules() []models.PriceRule {
	rule := func(prefix string, prompt, cached, completion float64) models.PriceRule {
		return models.PriceRule{
			ModelPrefix:            prefix,
			PromptPerMillion:       prompt,
			CachedPromptPerMillion: &cached,
			CompletionPerMillion:   completion,
			EffectiveFrom:          "2025-01-01",
		}
	}
	return []models.PriceRule{
		rule("gpt-4.1", 2.0, 0.5, 8.0),
		rule("gpt-4.1-mini", 0.4, 0.1, 1.6),
		rule("gpt-4.1-nano", 0.1, 0.025, 0.4),
		rule("gpt-4o-2024-08-06", 2.5, 1.25, 10),
		rule("gpt-4o-mini-2024-07-18", 0.15, 0.075, 0.6),
		rule("o4-mini", 4, 1, 16),
		rule("gpt-5.1", 1.25, 0.125, 10),
		rule("gpt-5.1-codex", 1.25, 0.125, 10),
		rule("gpt-5.2", 1.75, 0.175, 14),
		rule("gpt-5.2-2025-12-11", 1.75, 0.175, 14),
	}
}

// Load reads a config file, expands environment variables and applies
// TOKMETER_* overrides. Files ending in .toml are decoded as TOML, anything
// else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	// Seed entries from the file replace the defaults rather than merging
	// field by field into them.
	seed := cfg.Pricing.Seed
	cfg.Pricing.Seed = nil
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Pricing.Seed == nil {
		cfg.Pricing.Seed = seed
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path when given, else the first existing DefaultPaths entry,
// else the defaults. Env overrides always apply.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
	}
	cfg := Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TOKMETER_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TOKMETER_LISTEN_ADDR"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("TOKMETER_UPSTREAM_BASE_URL"); v != "" {
		c.Proxy.UpstreamBaseURL = v
	}
	if v := os.Getenv("TOKMETER_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("TOKMETER_LOG_DIR"); v != "" {
		c.Tailer.Dirs = filepath.SplitList(v)
	}
	if v := os.Getenv("TOKMETER_DEBUG_LOG"); v != "" {
		c.Debug.Enabled = true
		c.Debug.Dir = v
	}
	if v := os.Getenv("TOKMETER_MODE"); v != "" {
		c.Mode = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeProxy, ModeTail, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("mode %q: want proxy, tail or both", c.Mode))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Aggregator.RecentCapacity < 0 || c.Aggregator.ChannelCapacity < 0 || c.Aggregator.FlushInterval < 0 {
		errs = append(errs, errors.New("aggregator: capacities and flush interval must be non-negative"))
	}
	if c.Proxy.MaxCaptureBytes < 0 {
		errs = append(errs, errors.New("proxy: max_capture_bytes must be non-negative"))
	}
	if c.Mode != ModeTail && c.Proxy.UpstreamBaseURL == "" {
		errs = append(errs, errors.New("proxy: upstream_base_url is required"))
	}
	if c.Mode != ModeProxy && len(c.Tailer.Dirs) == 0 {
		errs = append(errs, errors.New("tailer: at least one dir is required"))
	}
	if c.Debug.QueueSize < 0 || c.Debug.MaxBodySize < 0 {
		errs = append(errs, errors.New("debug: sizes must be non-negative"))
	}
	for i, r := range c.Pricing.Seed {
		if r.ModelPrefix == "" {
			errs = append(errs, fmt.Errorf("pricing.seed[%d]: model_prefix is required", i))
		}
		if _, err := time.Parse(models.DateLayout, r.EffectiveFrom); err != nil {
			errs = append(errs, fmt.Errorf("pricing.seed[%d] %s: effective_from: %w", i, r.ModelPrefix, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
