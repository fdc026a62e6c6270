// Package feed runs the kline feed lifecycle: connect, backfill the rolling
// window from history, then turn every closed candle into a persisted record.
//
//	Disconnected ──connect──▶ Backfilling ──done──▶ Live
//	      ▲                        │                  │
//	      └──── backoff ◀──── Error ◀─────────────────┘
//
// Frames that arrive while backfilling are queued by the session and handled
// once the window is rebuilt. Everything runs on the Run goroutine, so every
// append completes before the next frame is looked at.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kline-recorder/internal/indicator"
	"kline-recorder/internal/logger"
	"kline-recorder/internal/model"
	"kline-recorder/internal/notification"
	"kline-recorder/internal/ringbuf"
)

// Notification texts.
const (
	MsgStarted     = ">>>>> STARTED <<<<<"
	MsgClosed      = ">>>>> CLOSED <<<<<"
	msgErrorPrefix = ">>>>> ERROR: "
	addedTimeFmt   = "Jan 02 15:04"
)

// Config controls window size, backfill and the failure policies.
type Config struct {
	Interval   model.Interval
	WindowSize int

	BackfillLookback time.Duration // history fetched on every (re)connect
	BackfillTimeout  time.Duration

	ReconnectDelay    time.Duration // first backoff, doubled per consecutive failure
	MaxReconnectDelay time.Duration
	MaxReconnects     int // consecutive failed sessions before Run gives up; 0 = unlimited

	AppendRetries int // extra attempts after a failed append
	RetryBackoff  time.Duration

	// Location formats the "data added" timestamp. Defaults to time.Local.
	Location *time.Location
}

func (c *Config) defaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 200
	}
	if c.BackfillLookback <= 0 {
		c.BackfillLookback = 4 * time.Hour
	}
	if c.BackfillTimeout <= 0 {
		c.BackfillTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = 30 * time.Second
		if c.MaxReconnectDelay < c.ReconnectDelay {
			c.MaxReconnectDelay = c.ReconnectDelay
		}
	}
	if c.AppendRetries < 0 {
		c.AppendRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Deps are the controller's collaborators. Sink and Notifier are optional.
type Deps struct {
	Transport model.FeedTransport
	History   model.HistoryFetcher
	Decode    model.FrameDecoder
	Store     model.RecordStore
	Engine    *indicator.Engine
	Notifier  notification.Notifier
	Sink      model.RecordSink
	Now       func() time.Time
}

// Hooks are optional observation callbacks, all invoked on the Run goroutine.
type Hooks struct {
	OnStateChange  func(from, to State)
	OnFrame        func()
	OnMalformed    func()
	OnCandleClosed func()
	OnOutOfOrder   func()
	OnGap          func(missing int64)
	OnBackfill     func(candles int, took time.Duration)
	OnCompute      func(took time.Duration)
	OnAppend       func(inserted bool, took time.Duration)
	OnAppendRetry  func()
	OnReconnect    func()
	OnWindow       func(length int)
	OnRecord       func(rec model.Record)
}

// Stats is a point-in-time view of the controller for status reporting.
type Stats struct {
	State      State
	WindowLen  int
	Closes     []float64 // window closes, oldest first
	Inserted   int64     // records inserted since start
	LastRecord time.Time // open time of the newest inserted record
}

// Controller owns the rolling window and drives the feed lifecycle.
type Controller struct {
	cfg   Config
	deps  Deps
	Hooks Hooks

	state atomic.Int32

	// mu guards the window and the counters read by Stats.
	mu         sync.Mutex
	window     *ringbuf.Window
	inserted   int64
	lastRecord time.Time

	// Run goroutine only.
	headTS        int64
	hasHead       bool
	lastPersisted int64
}

// NewController validates deps and builds a controller.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	cfg.defaults()
	if _, err := model.ParseInterval(cfg.Interval.String()); err != nil {
		return nil, err
	}
	switch {
	case deps.Transport == nil:
		return nil, errors.New("feed: transport is required")
	case deps.History == nil:
		return nil, errors.New("feed: history fetcher is required")
	case deps.Decode == nil:
		return nil, errors.New("feed: frame decoder is required")
	case deps.Store == nil:
		return nil, errors.New("feed: record store is required")
	}
	if deps.Engine == nil {
		deps.Engine = indicator.NewEngine(indicator.DefaultParams())
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		window: ringbuf.New(cfg.WindowSize),
	}, nil
}

// State returns the current lifecycle state. Safe for concurrent use.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Stats returns a consistent snapshot for reporting. Safe for concurrent use.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:      c.State(),
		WindowLen:  c.window.Len(),
		Closes:     c.window.Snapshot().Close,
		Inserted:   c.inserted,
		LastRecord: c.lastRecord,
	}
}

func (c *Controller) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	log.Printf("[feed] state %s → %s", from, to)
	if c.Hooks.OnStateChange != nil {
		c.Hooks.OnStateChange(from, to)
	}
}

func (c *Controller) notify(ctx context.Context, text string, ch notification.Channel) {
	if err := c.deps.Notifier.Notify(ctx, text, ch); err != nil {
		log.Printf("[feed] notify %s: %v", ch, err)
	}
}

// Run drives the feed until ctx is cancelled (returns nil) or a failure policy
// gives up (returns the error). The closed notification is sent either way.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.setState(StateDisconnected)
		c.notify(context.WithoutCancel(ctx), MsgClosed, notification.ChannelLogs)
	}()

	if ts, err := c.deps.Store.LastTimestamp(ctx); err != nil {
		log.Printf("[feed] could not read last stored timestamp: %v", err)
	} else {
		c.lastPersisted = ts
	}

	failures := 0
	delay := c.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		progressed, err := c.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		c.setState(StateError)
		c.notify(ctx, msgErrorPrefix+err.Error(), notification.ChannelErrors)

		if errors.Is(err, ErrAppendFailed) {
			return err
		}

		if progressed {
			failures = 0
			delay = c.cfg.ReconnectDelay
		}
		failures++
		if c.cfg.MaxReconnects > 0 && failures >= c.cfg.MaxReconnects {
			return fmt.Errorf("%w after %d consecutive failures: %w", ErrReconnectLimit, failures, err)
		}

		log.Printf("[feed] session failed (%v), reconnecting in %s...", err, delay)
		if c.Hooks.OnReconnect != nil {
			c.Hooks.OnReconnect()
		}
		if !sleep(ctx, delay) {
			return nil
		}

		// Exponential backoff
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
		c.setState(StateDisconnected)
	}
}

// runSession connects, backfills and processes frames until the session ends.
// progressed reports whether at least one live frame was handled.
func (c *Controller) runSession(ctx context.Context) (progressed bool, err error) {
	sctx := logger.WithSessionID(ctx, logger.NewSessionID())
	c.setState(StateBackfilling)

	// Connect first so frames arriving during backfill are queued, not lost.
	sess, err := c.deps.Transport.Connect(sctx)
	if err != nil {
		return false, fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	defer sess.Close()
	slog.Info("stream session opened", logger.LogWithSession(sctx)...)

	if err := c.backfill(sctx); err != nil {
		return false, fmt.Errorf("%w: backfill: %w", ErrTransport, err)
	}

	c.setState(StateLive)
	c.notify(sctx, MsgStarted, notification.ChannelLogs)

	for {
		select {
		case <-ctx.Done():
			return progressed, nil
		case raw, ok := <-sess.Events():
			if !ok {
				if ctx.Err() != nil {
					return progressed, nil
				}
				cause := sess.Err()
				if cause == nil {
					cause = errors.New("stream closed")
				}
				slog.Warn("stream session ended", append(logger.LogWithSession(sctx), "error", cause)...)
				c.notify(sctx, MsgClosed, notification.ChannelLogs)
				return progressed, fmt.Errorf("%w: %w", ErrTransport, cause)
			}
			progressed = true
			if err := c.handleFrame(sctx, raw); err != nil {
				return progressed, err
			}
		}
	}
}

// backfill rebuilds the window from the most recent closed candles.
// Nothing is computed or persisted here.
func (c *Controller) backfill(ctx context.Context) error {
	start := c.deps.Now()
	bctx, cancel := context.WithTimeout(ctx, c.cfg.BackfillTimeout)
	defer cancel()

	candles, err := c.deps.History.FetchHistoricalCandles(bctx, start.Add(-c.cfg.BackfillLookback))
	if err != nil {
		if errors.Is(bctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", c.cfg.BackfillTimeout, err)
		}
		return err
	}
	if len(candles) > c.cfg.WindowSize {
		candles = candles[len(candles)-c.cfg.WindowSize:]
	}

	c.mu.Lock()
	c.window.Reset()
	c.hasHead = false
	for i := range candles {
		cd := &candles[i]
		c.window.Push(cd.Open, cd.High, cd.Low, cd.Close, cd.Volume)
		c.headTS = cd.Timestamp()
		c.hasHead = true
	}
	n := c.window.Len()
	c.mu.Unlock()

	took := c.deps.Now().Sub(start)
	log.Printf("[feed] backfilled %d candles in %s", n, took)
	if c.Hooks.OnBackfill != nil {
		c.Hooks.OnBackfill(n, took)
	}
	if c.Hooks.OnWindow != nil {
		c.Hooks.OnWindow(n)
	}
	return nil
}

func (c *Controller) handleFrame(ctx context.Context, raw []byte) error {
	if c.Hooks.OnFrame != nil {
		c.Hooks.OnFrame()
	}

	candle, err := c.deps.Decode(raw)
	if err != nil {
		// One bad frame does not end the session.
		if c.Hooks.OnMalformed != nil {
			c.Hooks.OnMalformed()
		}
		log.Printf("[feed] %v (raw: %.200s)", err, raw)
		c.notify(ctx, msgErrorPrefix+err.Error(), notification.ChannelErrors)
		return nil
	}
	if !candle.Closed {
		return nil
	}
	return c.handleClosed(ctx, candle)
}

func (c *Controller) isStale(ts int64) (bool, int64) {
	if c.hasHead && ts < c.headTS {
		return true, c.headTS
	}
	if c.lastPersisted > 0 && ts < c.lastPersisted {
		return true, c.lastPersisted
	}
	return false, 0
}

func (c *Controller) handleClosed(ctx context.Context, candle model.Candle) error {
	if c.Hooks.OnCandleClosed != nil {
		c.Hooks.OnCandleClosed()
	}
	ts := candle.Timestamp()

	// A candle behind either the window head or the newest stored record is
	// stale. One equal to the newest stored record still enters an empty or
	// older window; the store drops the duplicate row.
	if behind, ref := c.isStale(ts); behind {
		if c.Hooks.OnOutOfOrder != nil {
			c.Hooks.OnOutOfOrder()
		}
		log.Printf("[feed] %v: ts=%d behind %d, skipped", ErrOutOfOrder, ts, ref)
		return nil
	}

	c.checkGap(ctx, ts)

	// Equal timestamps are already in the window (backfill overlap or
	// redelivery): recompute and let the store's key decide.
	c.mu.Lock()
	if !c.hasHead || ts > c.headTS {
		c.window.Push(candle.Open, candle.High, candle.Low, candle.Close, candle.Volume)
		c.headTS = ts
		c.hasHead = true
	}
	series := c.window.Snapshot()
	c.mu.Unlock()
	if c.Hooks.OnWindow != nil {
		c.Hooks.OnWindow(series.Len())
	}

	start := c.deps.Now()
	snap := c.deps.Engine.Compute(series)
	if c.Hooks.OnCompute != nil {
		c.Hooks.OnCompute(c.deps.Now().Sub(start))
	}

	rec := model.Record{Candle: candle, Snapshot: snap}
	inserted, err := c.appendWithRetry(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		slog.Debug("duplicate record skipped", append(logger.LogWithSession(ctx), "ts", ts)...)
		return nil
	}

	if ts > c.lastPersisted {
		c.lastPersisted = ts
	}
	c.mu.Lock()
	c.inserted++
	c.lastRecord = candle.OpenTime
	c.mu.Unlock()

	if c.Hooks.OnRecord != nil {
		c.Hooks.OnRecord(rec)
	}
	if c.deps.Sink != nil {
		c.deps.Sink.Publish(rec)
	}

	msg := "ADDED DATA: " + candle.OpenTime.In(c.cfg.Location).Format(addedTimeFmt) +
		" - close " + strconv.FormatFloat(candle.Close, 'f', -1, 64)
	log.Printf("[feed] %s", msg)
	c.notify(ctx, msg, notification.ChannelLogs)
	return nil
}

// checkGap reports closed candles that skip at least one whole interval past
// the newest persisted record.
func (c *Controller) checkGap(ctx context.Context, ts int64) {
	step := int64(c.cfg.Interval.Duration() / time.Second)
	if c.lastPersisted == 0 || step <= 0 || ts <= c.lastPersisted {
		return
	}
	missing := (ts-c.lastPersisted)/step - 1
	if missing < 1 {
		return
	}
	if c.Hooks.OnGap != nil {
		c.Hooks.OnGap(missing)
	}
	from := time.Unix(c.lastPersisted, 0).In(c.cfg.Location).Format(addedTimeFmt)
	to := time.Unix(ts, 0).In(c.cfg.Location).Format(addedTimeFmt)
	msg := fmt.Sprintf("GAP: %d candle(s) missing between %s and %s", missing, from, to)
	log.Printf("[feed] %s", msg)
	c.notify(ctx, msg, notification.ChannelErrors)
}

// appendWithRetry persists rec, retrying storage failures with exponential
// backoff. An append already in flight is not interrupted by shutdown.
func (c *Controller) appendWithRetry(ctx context.Context, rec model.Record) (bool, error) {
	attempts := 1 + c.cfg.AppendRetries
	backoff := c.cfg.RetryBackoff
	appendCtx := context.WithoutCancel(ctx)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if c.Hooks.OnAppendRetry != nil {
				c.Hooks.OnAppendRetry()
			}
			if !sleep(ctx, backoff) {
				return false, fmt.Errorf("%w: shutdown during retry: %w", ErrAppendFailed, lastErr)
			}
			backoff *= 2
		}

		start := c.deps.Now()
		inserted, err := c.deps.Store.Append(appendCtx, rec)
		if err == nil {
			if c.Hooks.OnAppend != nil {
				c.Hooks.OnAppend(inserted, c.deps.Now().Sub(start))
			}
			return inserted, nil
		}
		lastErr = err
		log.Printf("[feed] append ts=%d attempt %d/%d failed: %v", rec.Timestamp(), i+1, attempts, err)
	}
	return false, fmt.Errorf("%w after %d attempts: %w", ErrAppendFailed, attempts, lastErr)
}

// sleep waits for d or ctx; it reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
