package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kline-recorder/internal/model"
)

func TestStreamURL(t *testing.T) {
	got := StreamURL("wss://stream.binance.com:9443/ws/", "BTCUSDT", "1m")
	want := "wss://stream.binance.com:9443/ws/btcusdt@kline_1m"
	if got != want {
		t.Errorf("StreamURL: got %q, want %q", got, want)
	}
}

func TestParseKlineEvent_StringsAndNumbers(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"strings", `{"e":"kline","k":{"t":1000000,"o":"10.0","h":"11","l":"9","c":"10.5","v":"100","n":7,"x":true}}`},
		{"numbers", `{"k":{"t":"1000000","o":10,"h":11,"l":9,"c":10.5,"v":100,"n":"7","x":"true"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseKlineEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseKlineEvent: %v", err)
			}
			if ts := c.Timestamp(); ts != 1000 {
				t.Errorf("expected ts=1000, got %d", ts)
			}
			if c.Open != 10 || c.High != 11 || c.Low != 9 || c.Close != 10.5 || c.Volume != 100 {
				t.Errorf("unexpected prices %+v", c)
			}
			if c.Trades != 7 || !c.Closed {
				t.Errorf("unexpected trades/closed %+v", c)
			}
		})
	}
}

func TestParseKlineEvent_OptionalTrades(t *testing.T) {
	c, err := ParseKlineEvent([]byte(`{"k":{"t":60000,"o":"1","h":"1","l":"1","c":"1","v":"0","x":false}}`))
	if err != nil {
		t.Fatalf("ParseKlineEvent: %v", err)
	}
	if c.Trades != 0 || c.Closed {
		t.Errorf("unexpected %+v", c)
	}
}

func TestParseKlineEvent_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":   `{"k":`,
		"no kline":   `{"e":"trade"}`,
		"no open":    `{"k":{"t":1,"h":"1","l":"1","c":"1","v":"1","x":true}}`,
		"bad price":  `{"k":{"t":1,"o":"abc","h":"1","l":"1","c":"1","v":"1","x":true}}`,
		"nan price":  `{"k":{"t":1,"o":"NaN","h":"1","l":"1","c":"1","v":"1","x":true}}`,
		"no closed":  `{"k":{"t":1,"o":"1","h":"1","l":"1","c":"1","v":"1"}}`,
		"float time": `{"k":{"t":1.5,"o":"1","h":"1","l":"1","c":"1","v":"1","x":true}}`,
	}
	for name, raw := range cases {
		if _, err := ParseKlineEvent([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

// ── Stream client ──

var upgrader = websocket.Upgrader{}

func wsServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/btcusdt@kline_1m" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestStreamClient_DeliversFramesInOrder(t *testing.T) {
	srv, base := wsServer(t, func(conn *websocket.Conn) {
		for i := 1; i <= 3; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		time.Sleep(50 * time.Millisecond)
	})
	defer srv.Close()

	client, err := NewStreamClient(StreamConfig{BaseURL: base, Symbol: "BTCUSDT", Interval: "1m"})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var got []string
	for raw := range sess.Events() {
		got = append(got, string(raw))
	}
	if len(got) != 3 || got[0] != `{"seq":1}` || got[2] != `{"seq":3}` {
		t.Fatalf("unexpected frames %v", got)
	}
	if sess.Err() == nil {
		t.Error("expected a transport error after the server closed the connection")
	}
}

func TestStreamClient_QueuesWhileConsumerIsBusy(t *testing.T) {
	srv, base := wsServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 5; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(i)))
		}
		conn.ReadMessage() // hold the connection open until the client leaves
	})
	defer srv.Close()

	client, _ := NewStreamClient(StreamConfig{BaseURL: base, Symbol: "btcusdt", Interval: "1m", QueueSize: 8})
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // consumer "backfilling"

	for i := 0; i < 5; i++ {
		select {
		case raw := <-sess.Events():
			if string(raw) != strconv.Itoa(i) {
				t.Fatalf("frame %d: got %s", i, raw)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}

	sess.Close()
	for range sess.Events() {
	}
	if err := sess.Err(); err != nil {
		t.Errorf("local close should not report an error, got %v", err)
	}
}

func TestStreamClient_OverflowEndsSession(t *testing.T) {
	srv, base := wsServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 10; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte("x"))
		}
		conn.ReadMessage()
	})
	defer srv.Close()

	client, _ := NewStreamClient(StreamConfig{BaseURL: base, Symbol: "btcusdt", Interval: "1m", QueueSize: 2})
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	time.Sleep(100 * time.Millisecond)
	for range sess.Events() {
	}
	if !errors.Is(sess.Err(), ErrQueueOverflow) {
		t.Errorf("expected ErrQueueOverflow, got %v", sess.Err())
	}
}

func TestStreamClient_ContextCancelCloses(t *testing.T) {
	srv, base := wsServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})
	defer srv.Close()

	client, _ := NewStreamClient(StreamConfig{BaseURL: base, Symbol: "btcusdt", Interval: "1m"})
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cancel()
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(time.Second):
		t.Fatal("session not closed after cancel")
	}
	if sess.Err() != nil {
		t.Errorf("expected nil error on cancel, got %v", sess.Err())
	}
}

func TestStreamClient_DialFailure(t *testing.T) {
	client, _ := NewStreamClient(StreamConfig{BaseURL: "ws://127.0.0.1:1/ws", Symbol: "btcusdt", Interval: "1m"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── History client ──

func klineRow(openMs, closeMs int64, close float64) string {
	return fmt.Sprintf(`[%d,"%g","%g","%g","%g","10.0",%d,"0",3,"0","0","0"]`,
		openMs, close, close+1, close-1, close, closeMs)
}

func TestHistoryClient_PaginatesAndDropsFormingCandle(t *testing.T) {
	const minute = int64(60_000)
	now := time.UnixMilli(10*minute + 30_000) // halfway through the 11th candle

	var (
		mu     sync.Mutex
		starts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1m" {
			t.Errorf("unexpected query %v", q)
		}
		mu.Lock()
		starts = append(starts, q.Get("startTime"))
		mu.Unlock()

		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		var rows []string
		for open := (start + minute - 1) / minute * minute; open <= 10*minute && len(rows) < limit; open += minute {
			rows = append(rows, klineRow(open, open+minute-1, float64(open/minute)))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	defer srv.Close()

	h := NewHistoryClient(HistoryConfig{BaseURL: srv.URL, Symbol: "btcusdt", Interval: "1m", Limit: 4})
	h.now = func() time.Time { return now }

	candles, err := h.FetchHistoricalCandles(context.Background(), time.UnixMilli(0))
	if err != nil {
		t.Fatalf("FetchHistoricalCandles: %v", err)
	}

	// Candles open at 0..10 minutes; the one at 10 is still forming.
	if len(candles) != 10 {
		t.Fatalf("expected 10 closed candles, got %d", len(candles))
	}
	for i, c := range candles {
		if c.OpenTime.UnixMilli() != int64(i)*minute {
			t.Fatalf("candle %d: open %d", i, c.OpenTime.UnixMilli())
		}
		if !c.Closed || c.Trades != 3 || c.Close != float64(i) {
			t.Fatalf("candle %d: unexpected %+v", i, c)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 {
		t.Errorf("expected 3 pages, got %v", starts)
	}
}

func TestHistoryClient_ShortRowsAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "SHORT":
			fmt.Fprint(w, `[[0,"1","2","0.5","1.5","9"]]`)
		case "BAD":
			fmt.Fprint(w, `[[0,"1","2"]]`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	}))
	defer srv.Close()

	farFuture := func() time.Time { return time.UnixMilli(1 << 40) }

	h := NewHistoryClient(HistoryConfig{BaseURL: srv.URL, Symbol: "short", Interval: "1m"})
	h.now = farFuture
	candles, err := h.FetchHistoricalCandles(context.Background(), time.UnixMilli(0))
	if err != nil {
		t.Fatalf("six-field rows should parse: %v", err)
	}
	if len(candles) != 1 || candles[0].Close != 1.5 || candles[0].Volume != 9 {
		t.Fatalf("unexpected %+v", candles)
	}

	h = NewHistoryClient(HistoryConfig{BaseURL: srv.URL, Symbol: "bad", Interval: "1m"})
	h.now = farFuture
	if _, err := h.FetchHistoricalCandles(context.Background(), time.UnixMilli(0)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for short row, got %v", err)
	}

	h = NewHistoryClient(HistoryConfig{BaseURL: srv.URL, Symbol: "nope", Interval: "1m"})
	if _, err := h.FetchHistoricalCandles(context.Background(), time.UnixMilli(0)); err == nil ||
		!strings.Contains(err.Error(), "Invalid symbol") {
		t.Errorf("expected status error carrying the API message, got %v", err)
	}
}

var _ model.FeedTransport = (*StreamClient)(nil)
var _ model.HistoryFetcher = (*HistoryClient)(nil)
