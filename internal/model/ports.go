package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These decouple the feed controller from the exchange transport and the
// concrete storage implementations.

// FeedSession is one live connection to the kline stream.
type FeedSession interface {
	// Events delivers raw frames in arrival order. It is closed when the
	// session ends; Err then reports why.
	Events() <-chan []byte

	// Err returns the reason the session ended, or nil for a local Close.
	Err() error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// FeedTransport opens stream sessions.
type FeedTransport interface {
	Connect(ctx context.Context) (FeedSession, error)
}

// FrameDecoder turns one raw frame into a candle.
type FrameDecoder func(raw []byte) (Candle, error)

// HistoryFetcher returns closed candles with OpenTime >= since, ascending.
type HistoryFetcher interface {
	FetchHistoricalCandles(ctx context.Context, since time.Time) ([]Candle, error)
}

// RecordStore is the append-only, timestamp-keyed record table.
type RecordStore interface {
	// Append persists rec. inserted is false when the timestamp already exists;
	// that is not an error.
	Append(ctx context.Context, rec Record) (inserted bool, err error)

	// LastTimestamp returns the newest stored timestamp, or 0 when empty.
	LastTimestamp(ctx context.Context) (int64, error)
}

// RecordSink receives every newly inserted record. Publish must not block.
type RecordSink interface {
	Publish(rec Record)
}
