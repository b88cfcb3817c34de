// Package config loads and validates all runtime configuration for botgate.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// BOT_MASTER_KEY is the only strictly required value: without it the service
// cannot decrypt any stored credential, so startup fails fast rather than
// serving a fleet that can never reach an upstream.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// MasterKey is the passphrase the AEAD credential box derives its key
	// from. Required; minimum 16 bytes. Never logged.
	MasterKey string

	// ZeroTrustMode, when true, rejects any proxy request that does not carry
	// a valid proxy token, even if the bot record carries a direct token hash.
	ZeroTrustMode bool

	// TokenTTL bounds proxy token lifetime. 0 means tokens never expire.
	// Default: 24h.
	TokenTTL time.Duration

	// DBPath is the SQLite database path. Default: botgate.db.
	DBPath string

	// Redis holds the connection URL for quota counters and the per-bot rate
	// limiter. Optional; both degrade gracefully without it.
	Redis RedisConfig

	// ClickHouse holds the optional analytics sink DSN. Empty disables the
	// ClickHouse mirror; usage logs always land in SQLite.
	ClickHouse ClickHouseConfig

	// AdminToken authenticates the management API. Empty disables the
	// management surface entirely.
	AdminToken string

	// ProxyURL is the externally reachable base URL handed to bots at start
	// so they know where to send traffic. Default: http://localhost:<Port>.
	ProxyURL string

	// CircuitBreaker controls per-(credential, model) breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-bot request-rate limiting.
	RateLimit RateLimitConfig

	// Upstream controls outbound HTTP behaviour.
	Upstream UpstreamConfig

	// ConfigRefresh is the interval between routing-config snapshot reloads.
	// Default: 5m.
	ConfigRefresh time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink configuration.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Empty disables the sink.
	DSN string
}

// CircuitBreakerConfig controls per-route circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// RateLimitConfig controls per-bot request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per bot.
	// 0 disables rate limiting. Default: 0. Requires Redis.
	RPMLimit int
}

// UpstreamConfig controls outbound HTTP behaviour.
type UpstreamConfig struct {
	// Timeout is the ceiling on a single upstream attempt, headers through
	// end of body. Default: 120s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "botgate.db")
	v.SetDefault("ZERO_TRUST_MODE", false)
	v.SetDefault("PROXY_TOKEN_TTL", "24h")
	v.SetDefault("CONFIG_REFRESH", "5m")

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")

	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		MasterKey:     v.GetString("BOT_MASTER_KEY"),
		ZeroTrustMode: v.GetBool("ZERO_TRUST_MODE"),
		TokenTTL:      v.GetDuration("PROXY_TOKEN_TTL"),

		DBPath: v.GetString("DB_PATH"),

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_URL")},

		AdminToken: v.GetString("ADMIN_TOKEN"),
		ProxyURL:   v.GetString("PROXY_URL"),

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Cooldown:         v.GetDuration("CB_COOLDOWN"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Upstream: UpstreamConfig{
			Timeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		ConfigRefresh: v.GetDuration("CONFIG_REFRESH"),
	}

	if cfg.ProxyURL == "" {
		cfg.ProxyURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("config: BOT_MASTER_KEY is required; the service cannot decrypt stored credentials without it")
	}
	if len(c.MasterKey) < 16 {
		return fmt.Errorf("config: BOT_MASTER_KEY must be at least 16 bytes")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.ConfigRefresh <= 0 {
		return fmt.Errorf("config: CONFIG_REFRESH must be a positive duration")
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("config: PROXY_TOKEN_TTL must not be negative")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
