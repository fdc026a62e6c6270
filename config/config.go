package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kline-recorder/internal/model"
)

const (
	defaultMaxReconnects = 10
	defaultAppendRetries = 3
)

// DigestDisabled turns the periodic status digest off when used as digest.cron.
const DigestDisabled = "off"

// Config holds all application configuration.
type Config struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
	LogLevel string `yaml:"log_level"`

	Feed struct {
		WindowSize        int           `yaml:"window_size"`
		BackfillLookback  time.Duration `yaml:"backfill_lookback"`
		BackfillTimeout   time.Duration `yaml:"backfill_timeout"`
		QueueSize         int           `yaml:"queue_size"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
		MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
		MaxReconnects     int           `yaml:"max_reconnects"` // 0 = unlimited
	} `yaml:"feed"`

	Binance struct {
		StreamURL string `yaml:"stream_url"`
		RestURL   string `yaml:"rest_url"`
	} `yaml:"binance"`

	Store struct {
		Path          string        `yaml:"path"`
		Driver        string        `yaml:"driver"`
		AppendRetries int           `yaml:"append_retries"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"`
	} `yaml:"store"`

	Telegram struct {
		BotToken     string `yaml:"bot_token"`
		LogsChatID   string `yaml:"logs_chat_id"`
		ErrorsChatID string `yaml:"errors_chat_id"`
	} `yaml:"telegram"`

	Webhook struct {
		URL string `yaml:"url"`
	} `yaml:"webhook"`

	Redis struct {
		Addr         string `yaml:"addr"` // empty disables publishing
		Password     string `yaml:"password"`
		StreamMaxLen int64  `yaml:"stream_max_len"`
	} `yaml:"redis"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Digest struct {
		Cron string `yaml:"cron"`
	} `yaml:"digest"`
}

// Load reads .env (if present) into the environment, then the YAML file at
// path (missing file allowed), then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	// Preset so an absent key keeps the default while an explicit 0 is honoured
	// (unlimited reconnects, no append retries).
	cfg.Feed.MaxReconnects = defaultMaxReconnects
	cfg.Store.AppendRetries = defaultAppendRetries
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.Symbol = strings.ToLower(cfg.Symbol)
	return cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.Symbol, "SYMBOL")
	override(&c.Interval, "STREAM_INTERVAL")
	override(&c.LogLevel, "LOG_LEVEL")
	override(&c.Binance.StreamURL, "BINANCE_STREAM_URL")
	override(&c.Binance.RestURL, "BINANCE_REST_URL")
	override(&c.Store.Path, "SQLITE_PATH")
	override(&c.Store.Driver, "SQLITE_DRIVER")
	override(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	override(&c.Telegram.LogsChatID, "TELEGRAM_LOGS_CHAT_ID")
	override(&c.Telegram.ErrorsChatID, "TELEGRAM_ERRORS_CHAT_ID")
	override(&c.Webhook.URL, "WEBHOOK_URL")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.Metrics.Addr, "METRICS_ADDR")
	override(&c.Digest.Cron, "DIGEST_CRON")
}

func (c *Config) applyDefaults() {
	setDefault(&c.Symbol, "btcusdt")
	setDefault(&c.Interval, "1m")
	setDefault(&c.LogLevel, "info")
	setDefault(&c.Binance.StreamURL, "wss://stream.binance.com:9443/ws")
	setDefault(&c.Binance.RestURL, "https://api.binance.com")
	setDefault(&c.Store.Path, "data/stream.db")
	setDefault(&c.Store.Driver, "sqlite3")
	setDefault(&c.Metrics.Addr, ":9090")
	setDefault(&c.Digest.Cron, "0 0 * * * *")

	if c.Feed.WindowSize == 0 {
		c.Feed.WindowSize = 200
	}
	if c.Feed.BackfillLookback == 0 {
		c.Feed.BackfillLookback = 4 * time.Hour
	}
	if c.Feed.BackfillTimeout == 0 {
		c.Feed.BackfillTimeout = 30 * time.Second
	}
	if c.Feed.QueueSize == 0 {
		c.Feed.QueueSize = 1024
	}
	if c.Feed.ReconnectDelay == 0 {
		c.Feed.ReconnectDelay = 2 * time.Second
	}
	if c.Feed.MaxReconnectDelay == 0 {
		c.Feed.MaxReconnectDelay = 30 * time.Second
	}
	if c.Store.RetryBackoff == 0 {
		c.Store.RetryBackoff = 200 * time.Millisecond
	}
	if c.Redis.StreamMaxLen == 0 {
		c.Redis.StreamMaxLen = 10000
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := model.ParseInterval(c.Interval); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if c.Feed.WindowSize <= 0 {
		return fmt.Errorf("feed.window_size must be positive")
	}
	if c.Feed.BackfillLookback <= 0 {
		return fmt.Errorf("feed.backfill_lookback must be positive")
	}
	if c.Feed.BackfillTimeout <= 0 {
		return fmt.Errorf("feed.backfill_timeout must be positive")
	}
	if c.Feed.QueueSize <= 0 {
		return fmt.Errorf("feed.queue_size must be positive")
	}
	if c.Feed.MaxReconnects < 0 {
		return fmt.Errorf("feed.max_reconnects must not be negative")
	}
	if c.Store.Driver != "sqlite3" && c.Store.Driver != "sqlite" {
		return fmt.Errorf("store.driver must be sqlite3 or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.AppendRetries < 0 {
		return fmt.Errorf("store.append_retries must not be negative")
	}
	if c.Telegram.BotToken != "" && c.Telegram.LogsChatID == "" {
		return fmt.Errorf("telegram.logs_chat_id is required when a bot token is set")
	}
	return nil
}

// ErrorsChatID returns the chat for error notifications, falling back to the logs chat.
func (c *Config) ErrorsChatID() string {
	if c.Telegram.ErrorsChatID != "" {
		return c.Telegram.ErrorsChatID
	}
	return c.Telegram.LogsChatID
}

// DigestEnabled reports whether the periodic status digest should run.
func (c *Config) DigestEnabled() bool {
	return !strings.EqualFold(c.Digest.Cron, DigestDisabled)
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDefault(dst *string, fallback string) {
	if *dst == "" {
		*dst = fallback
	}
}
