package redis

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"kline-recorder/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStreamMaxLen = 10000
	defaultLatestTTL    = 24 * time.Hour
)

// WriterConfig configures the Redis record writer.
type WriterConfig struct {
	Addr         string // Redis address, e.g. "localhost:6379"
	Password     string
	DB           int
	Symbol       string
	Interval     string
	StreamMaxLen int64 // approximate XADD trim length
}

// Keys names the Redis keys written for one symbol/interval pair.
type Keys struct {
	Latest string // SET: newest record JSON
	Stream string // XADD: record history
	PubSub string // PUBLISH: live fan-out
}

// KeysFor returns the key set for symbol and interval.
func KeysFor(symbol, interval string) Keys {
	base := "kline:" + strings.ToLower(symbol) + ":" + interval
	return Keys{
		Latest: base + ":latest",
		Stream: base,
		PubSub: "pub:" + base,
	}
}

// Writer pushes persisted records to Redis.
type Writer struct {
	client *goredis.Client
	keys   Keys
	maxLen int64
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{
		client: client,
		keys:   KeysFor(cfg.Symbol, cfg.Interval),
		maxLen: maxLen,
	}, nil
}

// WriteRecord writes rec with SET + XADD + PUBLISH in a single pipeline.
func (w *Writer) WriteRecord(ctx context.Context, rec model.Record) error {
	data, err := rec.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	jsonData := string(data)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, w.keys.Latest, jsonData, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: w.keys.Stream,
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"ts": rec.Timestamp(), "data": jsonData},
	})
	pipe.Publish(ctx, w.keys.PubSub, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record pipeline ts=%d: %w", rec.Timestamp(), err)
	}
	return nil
}

// Ping checks connectivity.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (w *Writer) Close() error {
	return w.client.Close()
}
