// Package config loads gateway configuration from an optional YAML file
// (environment-variable expanded) layered under the environment variables
// the gateway documents, so a deployment can run purely off the environment with no
// config file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	KV         KVConfig        `yaml:"kv"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Cache      CacheConfig     `yaml:"cache"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Retry      RetryConfig     `yaml:"retry"`
	LogLevel   string          `yaml:"log_level"`
	Providers  []ProviderEntry `yaml:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
}

// KVConfig selects and configures the shared key-value store.
type KVConfig struct {
	// URL is the KV connection string. Empty or "memory://" selects the
	// in-memory backend (tests, single-node deployments); anything else
	// is treated as a Valkey/Redis URL.
	URL string `yaml:"url"`
}

// RateLimitConfig holds the default per-minute/per-hour admission quotas.
type RateLimitConfig struct {
	MaxPerMinute int64 `yaml:"max_per_minute"`
	MaxPerHour   int64 `yaml:"max_per_hour"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RetryConfig holds the Retry Executor's attempt budget and backoff curve.
// Zero values fall back to the executor's own defaults (3 attempts, 1s
// base, 60s cap).
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Cap      time.Duration `yaml:"cap"`
}

// ProviderEntry seeds one Provider Registry binding.
type ProviderEntry struct {
	// Model is the identifier clients send in Request.Model.
	Model string `yaml:"model"`
	// Type selects the binding implementation: "openai" or "anthropic".
	Type string `yaml:"type"`
	// NativeModel is the upstream's own model name, when it differs from
	// Model (e.g. gateway alias "claude-fast" -> "claude-3-haiku-20240307").
	NativeModel string `yaml:"native_model"`
	APIKey      string `yaml:"api_key"`
	// Hosting selects a cloud-auth variant: "", "vertex" (GCP), or
	// "bedrock" (AWS). Empty means direct provider auth (API key).
	Hosting          string  `yaml:"hosting"`
	Region           string  `yaml:"region"`
	Project          string  `yaml:"project"` // GCP project ID, Vertex only
	PricePerTokenUSD float64 `yaml:"price_per_token_usd"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestDeadline: 120 * time.Second,
		},
		KV: KVConfig{URL: "redis://localhost:6379"},
		RateLimits: RateLimitConfig{
			MaxPerMinute: 10,
			MaxPerHour:   100,
		},
		Cache:    CacheConfig{TTL: time.Hour},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
		LogLevel: "INFO",
	}
}

// Load builds a Config from an optional YAML file (environment-variable
// expanded) and then applies the documented environment variables as
// overrides. Settings without an environment variable (server timeouts,
// telemetry) come from the file or the built-in defaults. path may be
// empty, in which case only environment variables and the built-in
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No file at the default path is not an error: the built-in
			// defaults plus the environment variables below still apply.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			data = expandEnv(data)
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers the documented environment variables on top of
// whatever the YAML file (or built-in defaults) already set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.KV.URL = v
	}
	if v := envInt64("MAX_REQUESTS_PER_MINUTE"); v != nil {
		cfg.RateLimits.MaxPerMinute = *v
	}
	if v := envInt64("MAX_REQUESTS_PER_HOUR"); v != nil {
		cfg.RateLimits.MaxPerHour = *v
	}
	if v := envInt64("CACHE_TTL_SECONDS"); v != nil {
		cfg.Cache.TTL = time.Duration(*v) * time.Second
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envInt64("RETRY_ATTEMPTS"); v != nil {
		cfg.Retry.Attempts = int(*v)
	}
	if v := envInt64("RETRY_BASE_MS"); v != nil {
		cfg.Retry.Base = time.Duration(*v) * time.Millisecond
	}
	if v := envInt64("RETRY_CAP_SECONDS"); v != nil {
		cfg.Retry.Cap = time.Duration(*v) * time.Second
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	if len(cfg.Providers) == 0 {
		cfg.Providers = defaultProviders(openAIKey, anthropicKey)
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey == "" {
			switch p.Type {
			case "openai":
				p.APIKey = openAIKey
			case "anthropic":
				p.APIKey = anthropicKey
			}
		}
		if p.PricePerTokenUSD == 0 {
			if v := envFloat("COST_PER_TOKEN_" + envKey(p.Model)); v != nil {
				p.PricePerTokenUSD = *v
			}
		}
	}
}

// defaultProviders seeds the default model set: one GPT-4-class, one
// GPT-3.5-class, one Claude-class binding, present whenever their API key
// is configured.
func defaultProviders(openAIKey, anthropicKey string) []ProviderEntry {
	var out []ProviderEntry
	if openAIKey != "" {
		out = append(out,
			ProviderEntry{Model: "gpt-4", Type: "openai", NativeModel: "gpt-4", APIKey: openAIKey, PricePerTokenUSD: 0.00003},
			ProviderEntry{Model: "gpt-3.5-turbo", Type: "openai", NativeModel: "gpt-3.5-turbo", APIKey: openAIKey, PricePerTokenUSD: 0.000002},
		)
	}
	if anthropicKey != "" {
		out = append(out,
			ProviderEntry{Model: "claude-3-sonnet", Type: "anthropic", NativeModel: "claude-3-sonnet-20240229", APIKey: anthropicKey, PricePerTokenUSD: 0.000015},
		)
	}
	return out
}

// envKey upper-snakes a model identifier for its COST_PER_TOKEN_{MODEL}
// environment variable, e.g. "gpt-3.5-turbo" -> "GPT_3_5_TURBO".
func envKey(model string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(model) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envInt64(name string) *int64 {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(name string) *float64 {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}
