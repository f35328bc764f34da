// Package config implements the layered YAML + environment configuration
// for every exchange adapter and its pipeline, with a single-pass
// validation report that collects every invalid field instead of
// failing on the first one found.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/meteorx/marketfeed/internal/domain"
)

// Config is the complete top-level configuration for a marketfeed process:
// one or more exchange adapters sharing a pipeline topology.
type Config struct {
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Pipeline  PipelineConfig            `yaml:"pipeline"`
	Buffer    BufferConfig              `yaml:"buffer"`
	Router    RouterConfig              `yaml:"router"`
	Publish   PublishConfig             `yaml:"publish"`
	Global    GlobalConfig              `yaml:"global"`
}

// ExchangeConfig is one exchange adapter's wiring.
type ExchangeConfig struct {
	Host              string        `yaml:"host"`
	APIKeyEnv         string        `yaml:"api_key_env" env:"-"`
	APISecretEnv      string        `yaml:"api_secret_env" env:"-"`
	MaxConnections    int           `yaml:"max_connections"`
	MaxStreamsPerConn int           `yaml:"max_streams_per_conn"`
	MaxSubscriptions  int           `yaml:"max_subscriptions"`
	ConnectTimeoutMS  int           `yaml:"connect_timeout_ms"`
	Backoff           BackoffConfig `yaml:"backoff"`
	Heartbeat         HeartbeatConfig `yaml:"heartbeat"`
	Enabled           bool          `yaml:"enabled"`

	// DisabledDataTypes blocks specific feed kinds (e.g. "KLINE_1M") from
	// ever being subscribed on this exchange, even if requested.
	DisabledDataTypes []string `yaml:"disabled_data_types"`
	// SymbolPattern, if set, is a regexp every subscribed symbol must
	// match; used to keep an adapter scoped to one quote currency or
	// market segment.
	SymbolPattern string `yaml:"symbol_pattern"`
	// StrictValidation rejects a whole batch if any single subscription in
	// it fails validation; otherwise only the offending entries are
	// dropped and the rest of the batch still proceeds.
	StrictValidation bool `yaml:"strict_validation"`

	// resolved at load time from the *_env-named process environment
	// variable, never serialized back to YAML.
	apiKey    string `yaml:"-"`
	apiSecret string `yaml:"-"`
}

// APIKey returns the resolved API key (empty if unset).
func (e ExchangeConfig) APIKey() string { return e.apiKey }

// APISecret returns the resolved API secret (empty if unset).
func (e ExchangeConfig) APISecret() string { return e.apiSecret }

// BackoffConfig mirrors the reconnect package's tunables in wire form.
type BackoffConfig struct {
	InitialMS  int     `yaml:"initial_ms"`
	MaxMS      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
	MaxRetries int     `yaml:"max_retries"`
	Jitter     bool    `yaml:"jitter"`
	ResetAfterS int    `yaml:"reset_after_s"`
}

// HeartbeatConfig mirrors the heartbeat package's tunables in wire form.
type HeartbeatConfig struct {
	PingTimeoutS        int `yaml:"ping_timeout_s"`
	PongResponseMS      int `yaml:"pong_response_ms"`
	UnsolicitedPongS    int `yaml:"unsolicited_pong_s"`
	HealthCheckIntervalS int `yaml:"health_check_interval_s"`
}

// PipelineConfig mirrors the pipeline package's tunables in wire form.
type PipelineConfig struct {
	ErrorStrategy      string `yaml:"error_strategy"` // FAIL_FAST|CONTINUE|RETRY
	MaxRetries         int    `yaml:"max_retries"`
	StageTimeoutMS     int    `yaml:"stage_timeout_ms"`
	BreakerMaxFails    int    `yaml:"breaker_max_fails"`
	BreakerOpenTimeoutS int   `yaml:"breaker_open_timeout_s"`
}

// BufferConfig mirrors the buffer package's tunables in wire form.
type BufferConfig struct {
	MaxPartitionSize int    `yaml:"max_partition_size"`
	MaxAgeS          int    `yaml:"max_age_s"`
	FlushIntervalS   int    `yaml:"flush_interval_s"`
	Backpressure     string `yaml:"backpressure"` // BLOCK|DROP|SPILL
	RedisAddr        string `yaml:"redis_addr" env:"MARKETFEED_BUFFER_REDIS_ADDR"`
}

// RouterConfig mirrors the router package's tunables in wire form.
type RouterConfig struct {
	Strategy          string `yaml:"strategy"` // FIRST_MATCH|ALL_MATCHES|PRIORITY_BASED
	FallbackTarget    string `yaml:"fallback_target"`
	EnableDuplication bool   `yaml:"enable_duplication"`
	CacheSize         int    `yaml:"cache_size"`
	CacheTTLS         int    `yaml:"cache_ttl_s"`
}

// PublishConfig mirrors the publish package's tunables in wire form.
type PublishConfig struct {
	MaxBatchSize      int    `yaml:"max_batch_size"`
	MaxLatencyMS      int    `yaml:"max_latency_ms"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryBaseDelayMS  int    `yaml:"retry_base_delay_ms"`
	NATSURL           string `yaml:"nats_url" env:"MARKETFEED_NATS_URL"`
	SubjectPrefix     string `yaml:"subject_prefix"`
}

// GlobalConfig holds process-wide settings overridable purely by
// environment variable, per caarlos0/env/v11 struct tags.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" env:"MARKETFEED_LOG_LEVEL" envDefault:"info"`
	MetricsPort int    `yaml:"metrics_port" env:"MARKETFEED_METRICS_PORT" envDefault:"9090"`
}

// Load reads YAML from configPath, overlays a .env file if present (via
// godotenv), applies environment overrides (via caarlos0/env), resolves
// each exchange's *_env-named secrets, and validates the result.
func Load(configPath, dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath) // best-effort; absence is not an error
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(&cfg.Global); err != nil {
		return nil, fmt.Errorf("parse global env overrides: %w", err)
	}
	if err := env.Parse(&cfg.Buffer); err != nil {
		return nil, fmt.Errorf("parse buffer env overrides: %w", err)
	}
	if err := env.Parse(&cfg.Publish); err != nil {
		return nil, fmt.Errorf("parse publish env overrides: %w", err)
	}

	for name, ex := range cfg.Exchanges {
		if ex.APIKeyEnv != "" {
			ex.apiKey = os.Getenv(ex.APIKeyEnv)
		}
		if ex.APISecretEnv != "" {
			ex.apiSecret = os.Getenv(ex.APISecretEnv)
		}
		cfg.Exchanges[name] = ex
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config:\n%s", strings.Join(errs, "\n"))
	}

	return &cfg, nil
}

// Validate collects every invalid field across the whole config in one
// pass instead of failing on the first error, so an operator can fix a
// broken config file in a single edit/reload cycle.
func (c *Config) Validate() []string {
	var errs []string

	if len(c.Exchanges) == 0 {
		errs = append(errs, "at least one exchange must be configured")
	}
	for name, ex := range c.Exchanges {
		if !ex.Enabled {
			continue
		}
		if ex.Host == "" {
			errs = append(errs, fmt.Sprintf("exchange %s: host cannot be empty", name))
		}
		if ex.MaxConnections <= 0 {
			errs = append(errs, fmt.Sprintf("exchange %s: max_connections must be positive, got %d", name, ex.MaxConnections))
		}
		if ex.MaxStreamsPerConn <= 0 {
			errs = append(errs, fmt.Sprintf("exchange %s: max_streams_per_conn must be positive, got %d", name, ex.MaxStreamsPerConn))
		}
		if ex.Backoff.MaxMS > 0 && ex.Backoff.InitialMS > ex.Backoff.MaxMS {
			errs = append(errs, fmt.Sprintf("exchange %s: backoff initial_ms (%d) exceeds max_ms (%d)", name, ex.Backoff.InitialMS, ex.Backoff.MaxMS))
		}
		for _, dt := range ex.DisabledDataTypes {
			if !validDataType(domain.DataType(dt)) {
				errs = append(errs, fmt.Sprintf("exchange %s: disabled_data_types entry %q is not a known data type", name, dt))
			}
		}
		if ex.SymbolPattern != "" {
			if _, err := regexp.Compile(ex.SymbolPattern); err != nil {
				errs = append(errs, fmt.Sprintf("exchange %s: symbol_pattern %q does not compile: %v", name, ex.SymbolPattern, err))
			}
		}
	}

	switch c.Pipeline.ErrorStrategy {
	case "", "FAIL_FAST", "CONTINUE", "RETRY":
	default:
		errs = append(errs, fmt.Sprintf("pipeline error_strategy %q is not one of FAIL_FAST|CONTINUE|RETRY", c.Pipeline.ErrorStrategy))
	}

	switch c.Buffer.Backpressure {
	case "", "BLOCK", "DROP", "SPILL":
	default:
		errs = append(errs, fmt.Sprintf("buffer backpressure %q is not one of BLOCK|DROP|SPILL", c.Buffer.Backpressure))
	}
	if c.Buffer.Backpressure == "SPILL" && c.Buffer.RedisAddr == "" {
		errs = append(errs, "buffer backpressure SPILL requires redis_addr")
	}

	switch c.Router.Strategy {
	case "", "FIRST_MATCH", "ALL_MATCHES", "PRIORITY_BASED":
	default:
		errs = append(errs, fmt.Sprintf("router strategy %q is not one of FIRST_MATCH|ALL_MATCHES|PRIORITY_BASED", c.Router.Strategy))
	}

	if c.Publish.NATSURL == "" {
		errs = append(errs, "publish nats_url cannot be empty")
	}

	return errs
}

func validDataType(dt domain.DataType) bool {
	switch dt {
	case domain.Trade, domain.Ticker, domain.Depth, domain.OrderBook,
		domain.Kline1m, domain.Kline5m, domain.Kline15m, domain.Kline30m,
		domain.Kline1h, domain.Kline4h, domain.Kline1d:
		return true
	default:
		return false
	}
}

// Durations returns the reconnect-package-shaped durations for this backoff
// config.
func (b BackoffConfig) Durations() (initial, max time.Duration, resetAfter time.Duration) {
	return time.Duration(b.InitialMS) * time.Millisecond,
		time.Duration(b.MaxMS) * time.Millisecond,
		time.Duration(b.ResetAfterS) * time.Second
}
