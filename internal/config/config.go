package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Stream    StreamConfig    `mapstructure:"stream"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	MOEX      MOEXConfig      `mapstructure:"moex"`
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Cache     BackendConfig   `mapstructure:"cache"`
	Bus       BackendConfig   `mapstructure:"bus"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StreamConfig holds the streaming price feed configuration
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	Symbols           []string      `mapstructure:"symbols"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TickTTL           time.Duration `mapstructure:"tick_ttl"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

// QuoteConfig holds live/fallback reconciliation settings
type QuoteConfig struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	Interval        string        `mapstructure:"interval"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout"`
}

// MOEXConfig holds the MOEX ISS API configuration
type MOEXConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// CoinGeckoConfig holds the CoinGecko API configuration
type CoinGeckoConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	BaseURL  string            `mapstructure:"base_url"`
	APIKey   string            `mapstructure:"api_key"`
	Currency string            `mapstructure:"currency"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	CacheTTL time.Duration     `mapstructure:"cache_ttl"`
	CoinIDs  map[string]string `mapstructure:"coin_ids"`
}

// MonitorConfig holds alert evaluation configuration
type MonitorConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
}

// BackendConfig selects the in-process or Redis implementation of the cache or bus
type BackendConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	AdminChatID    string        `mapstructure:"admin_chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	ProUsers       []int64       `mapstructure:"pro_users"`
	PremiumUsers   []int64       `mapstructure:"premium_users"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// QuotaConfig holds daily command limits
type QuotaConfig struct {
	AlertsPerDay int    `mapstructure:"alerts_per_day"`
	QuotesPerDay int    `mapstructure:"quotes_per_day"`
	Timezone     string `mapstructure:"timezone"`
}

// Location resolves the time zone in which quota days roll over.
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(q.Timezone)
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional .env file, the config file at path
// (skipped when path is empty) and TICKWATCH_* environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TICKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Stream defaults
	v.SetDefault("stream.url", "wss://stream.tickwatch.local/ws")
	v.SetDefault("stream.token", "")
	v.SetDefault("stream.symbols", []string{"SBER", "GAZP"})
	v.SetDefault("stream.backoff_base", "1s")
	v.SetDefault("stream.backoff_max", "60s")
	v.SetDefault("stream.heartbeat_interval", "10s")
	v.SetDefault("stream.tick_ttl", "10s")
	v.SetDefault("stream.read_timeout", "30s")

	// Quote defaults
	v.SetDefault("quote.freshness_window", "5s")
	v.SetDefault("quote.interval", "24")
	v.SetDefault("quote.fallback_timeout", "10s")

	v.SetDefault("moex.base_url", "https://iss.moex.com/iss")
	v.SetDefault("moex.timeout", "10s")
	v.SetDefault("moex.cache_ttl", "5s")
	v.SetDefault("moex.max_retries", 3)
	v.SetDefault("moex.retry_delay", "1s")

	v.SetDefault("coingecko.enabled", true)
	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.api_key", "")
	v.SetDefault("coingecko.currency", "usd")
	v.SetDefault("coingecko.timeout", "10s")
	v.SetDefault("coingecko.cache_ttl", "60s")

	// Monitor defaults
	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.checkpoint_interval", 12)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.redis_url", "redis://localhost:6379/0")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.admin_chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "")

	v.SetDefault("quota.alerts_per_day", 5)
	v.SetDefault("quota.quotes_per_day", 100)
	v.SetDefault("quota.timezone", "Europe/Moscow")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Stream config
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if u, err := url.Parse(c.Stream.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("stream.url must be a ws:// or wss:// URL")
	}
	if len(c.Stream.Symbols) == 0 {
		return fmt.Errorf("stream.symbols must contain at least one symbol")
	}
	if c.Stream.BackoffBase <= 0 {
		return fmt.Errorf("stream.backoff_base must be positive")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("stream.backoff_max must not be less than stream.backoff_base")
	}
	if c.Stream.HeartbeatInterval < time.Second {
		return fmt.Errorf("stream.heartbeat_interval must be at least 1 second")
	}
	if c.Stream.TickTTL <= 0 {
		return fmt.Errorf("stream.tick_ttl must be positive")
	}

	// Validate Quote config
	if c.Quote.FreshnessWindow < 0 {
		return fmt.Errorf("quote.freshness_window must not be negative")
	}
	if c.Quote.Interval == "" {
		return fmt.Errorf("quote.interval is required")
	}
	if c.MOEX.BaseURL == "" {
		return fmt.Errorf("moex.base_url is required")
	}
	if c.CoinGecko.Enabled && c.CoinGecko.Currency == "" {
		return fmt.Errorf("coingecko.currency is required when coingecko is enabled")
	}

	// Validate Monitor config
	if c.Monitor.Interval < 100*time.Millisecond {
		return fmt.Errorf("monitor.interval must be at least 100ms")
	}
	if c.Monitor.CheckpointInterval < 0 {
		return fmt.Errorf("monitor.checkpoint_interval must not be negative")
	}

	for name, b := range map[string]BackendConfig{"cache": c.Cache, "bus": c.Bus} {
		switch b.Backend {
		case "memory":
		case "redis":
			if b.RedisURL == "" {
				return fmt.Errorf("%s.redis_url is required when %s.backend is redis", name, name)
			}
		default:
			return fmt.Errorf("%s.backend must be one of: memory, redis", name)
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.AdminChatID == "" {
			return fmt.Errorf("telegram.admin_chat_id is required when telegram is enabled")
		}
	}

	if c.Quota.AlertsPerDay < 0 || c.Quota.QuotesPerDay < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("quota.timezone is invalid: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
