package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"SYMBOL", "STREAM_INTERVAL", "LOG_LEVEL", "BINANCE_STREAM_URL", "BINANCE_REST_URL",
		"SQLITE_PATH", "SQLITE_DRIVER", "TELEGRAM_BOT_TOKEN", "TELEGRAM_LOGS_CHAT_ID",
		"TELEGRAM_ERRORS_CHAT_ID", "WEBHOOK_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"METRICS_ADDR", "DIGEST_CRON",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Symbol != "btcusdt" || cfg.Interval != "1m" {
		t.Errorf("unexpected symbol/interval %q/%q", cfg.Symbol, cfg.Interval)
	}
	if cfg.Feed.WindowSize != 200 {
		t.Errorf("expected window 200, got %d", cfg.Feed.WindowSize)
	}
	if cfg.Feed.BackfillLookback != 4*time.Hour {
		t.Errorf("expected 4h lookback, got %v", cfg.Feed.BackfillLookback)
	}
	if cfg.Feed.MaxReconnects != 10 {
		t.Errorf("expected 10 max reconnects, got %d", cfg.Feed.MaxReconnects)
	}
	if cfg.Store.AppendRetries != 3 {
		t.Errorf("expected 3 append retries, got %d", cfg.Store.AppendRetries)
	}
	if cfg.Store.Path != "data/stream.db" || cfg.Store.Driver != "sqlite3" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Binance.StreamURL != "wss://stream.binance.com:9443/ws" {
		t.Errorf("unexpected stream url %q", cfg.Binance.StreamURL)
	}
	if !cfg.DigestEnabled() {
		t.Error("expected digest enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := writeFile(t, `
symbol: ETHUSDT
interval: 5m
feed:
  window_size: 50
  backfill_lookback: 2h
  max_reconnects: 0
store:
  driver: sqlite
  append_retries: 0
telegram:
  bot_token: tok
  logs_chat_id: "111"
digest:
  cron: "off"
`)
	clearEnv(t)
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("STREAM_INTERVAL", "15m")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Symbol != "ethusdt" {
		t.Errorf("expected lowercased symbol, got %q", cfg.Symbol)
	}
	if cfg.Interval != "15m" {
		t.Errorf("expected env interval to win, got %q", cfg.Interval)
	}
	if cfg.Feed.WindowSize != 50 || cfg.Feed.BackfillLookback != 2*time.Hour || cfg.Feed.MaxReconnects != 0 {
		t.Errorf("unexpected feed %+v", cfg.Feed)
	}
	if cfg.Store.Path != "/tmp/x.db" || cfg.Store.Driver != "sqlite" || cfg.Store.AppendRetries != 0 {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.ErrorsChatID() != "111" {
		t.Errorf("expected errors chat to fall back to logs chat, got %q", cfg.ErrorsChatID())
	}
	if cfg.DigestEnabled() {
		t.Error("expected digest disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "feed: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"interval", func(c *Config) { c.Interval = "7m" }},
		{"window", func(c *Config) { c.Feed.WindowSize = -1 }},
		{"driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"retries", func(c *Config) { c.Store.AppendRetries = -2 }},
		{"reconnects", func(c *Config) { c.Feed.MaxReconnects = -1 }},
		{"telegram", func(c *Config) { c.Telegram.BotToken = "tok"; c.Telegram.LogsChatID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}
