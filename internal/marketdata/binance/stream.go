// Package binance connects the recorder to the Binance public market data
// endpoints: the kline websocket stream and the historical klines REST API.
//
// Wire format of a stream frame (only the fields used here):
//
//	{"e":"kline","E":1700000059999,"s":"BTCUSDT","k":{"t":1700000000000,"o":"...","h":"...","l":"...","c":"...","v":"...","n":42,"x":true}}
package binance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kline-recorder/internal/model"
)

// ErrQueueOverflow ends a session whose consumer fell too far behind.
var ErrQueueOverflow = errors.New("stream queue overflow")

// StreamURL returns the kline stream endpoint for symbol and interval.
func StreamURL(base, symbol string, interval model.Interval) string {
	return strings.TrimRight(base, "/") + "/" + strings.ToLower(symbol) + "@kline_" + interval.String()
}

// StreamConfig configures the kline stream client.
type StreamConfig struct {
	// BaseURL of the websocket API, e.g. "wss://stream.binance.com:9443/ws"
	BaseURL  string
	Symbol   string
	Interval model.Interval

	// QueueSize bounds frames buffered while the consumer is busy (e.g. backfilling).
	// Defaults to 1024.
	QueueSize int

	// ReadTimeout is how long the connection may stay silent. Every frame and
	// every server ping extends it. Defaults to 90s.
	ReadTimeout time.Duration

	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
}

func (c *StreamConfig) defaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// StreamClient opens kline stream sessions. It implements model.FeedTransport.
type StreamClient struct {
	cfg    StreamConfig
	url    string
	dialer *websocket.Dialer
}

// NewStreamClient creates a client. Returns an error if the URL is unparseable.
func NewStreamClient(cfg StreamConfig) (*StreamClient, error) {
	cfg.defaults()
	u := StreamURL(cfg.BaseURL, cfg.Symbol, cfg.Interval)
	if _, err := url.Parse(u); err != nil {
		return nil, fmt.Errorf("stream url: %w", err)
	}
	return &StreamClient{
		cfg: cfg,
		url: u,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// URL returns the full stream endpoint.
func (c *StreamClient) URL() string { return c.url }

// Connect dials the stream and starts reading. Frames are queued until the
// consumer reads them; the session ends when ctx is cancelled, the connection
// drops, or the queue overflows.
func (c *StreamClient) Connect(ctx context.Context) (model.FeedSession, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	log.Printf("[binance] connected to %s", c.url)

	s := &session{
		conn:        conn,
		events:      make(chan []byte, c.cfg.QueueSize),
		readTimeout: c.cfg.ReadTimeout,
		closed:      make(chan struct{}),
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go s.readLoop()

	// Async context watcher: closes the connection when ctx is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	return s, nil
}

type session struct {
	conn        *websocket.Conn
	events      chan []byte
	readTimeout time.Duration

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) Events() <-chan []byte { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
	return nil
}

func (s *session) readLoop() {
	defer close(s.events)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				// Local close; not a transport failure.
			default:
				s.fail(fmt.Errorf("read: %w", err))
				s.Close()
			}
			return
		}

		select {
		case s.events <- raw:
		default:
			log.Printf("[binance] event queue full (%d), dropping session", cap(s.events))
			s.fail(ErrQueueOverflow)
			s.Close()
			return
		}
	}
}
