package sim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kline-recorder/internal/marketdata/binance"
	"kline-recorder/internal/model"
)

func TestGenerator_Deterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	a := NewGenerator(GeneratorConfig{Interval: "1m", Start: start, Seed: 7}).History(50)
	b := NewGenerator(GeneratorConfig{Interval: "1m", Start: start, Seed: 7}).History(50)

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("candle %d differs for the same seed", i)
		}
	}
	if !a[0].OpenTime.Equal(start.Truncate(time.Minute)) {
		t.Errorf("first open not aligned: %v", a[0].OpenTime)
	}
	for i := 1; i < len(a); i++ {
		if a[i].OpenTime.Sub(a[i-1].OpenTime) != time.Minute {
			t.Fatalf("candles %d and %d are not consecutive", i-1, i)
		}
		if a[i].Open != a[i-1].Close {
			t.Errorf("candle %d does not open at the previous close", i)
		}
	}
	for i, c := range a {
		if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close || c.Volume <= 0 || !c.Closed {
			t.Fatalf("candle %d is inconsistent: %+v", i, c)
		}
	}
}

func TestKlineFrame_DecodesWithStreamParser(t *testing.T) {
	c := model.Candle{
		OpenTime: time.UnixMilli(1_700_000_040_000).UTC(),
		Open:     10.5, High: 11.25, Low: 10, Close: 11, Volume: 123.5, Trades: 9, Closed: true,
	}
	raw, err := KlineFrame("btcusdt", "1m", c, 1_700_000_100_000)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"s":"BTCUSDT"`) || !strings.Contains(string(raw), `"T":1700000099999`) {
		t.Errorf("unexpected frame %s", raw)
	}

	got, err := binance.ParseKlineEvent(raw)
	if err != nil {
		t.Fatalf("ParseKlineEvent: %v", err)
	}
	if got != c {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func newTestServer(t *testing.T, history int) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(ServerConfig{
		Symbol:      "BTCUSDT",
		Interval:    "1m",
		HistorySize: history,
		Generator:   GeneratorConfig{Seed: 1},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestServer_KlinesPaginateWithHistoryClient(t *testing.T) {
	_, ts := newTestServer(t, 1500)

	client := binance.NewHistoryClient(binance.HistoryConfig{
		BaseURL:  ts.URL,
		Symbol:   "btcusdt",
		Interval: "1m",
	})
	candles, err := client.FetchHistoricalCandles(context.Background(), time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("FetchHistoricalCandles: %v", err)
	}
	if len(candles) != 1500 {
		t.Fatalf("expected 1500 candles over two pages, got %d", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			t.Fatalf("candles out of order at %d", i)
		}
	}
}

func TestServer_KlinesRejectsUnknownSymbol(t *testing.T) {
	_, ts := newTestServer(t, 10)

	resp, err := http.Get(ts.URL + "/api/v3/klines?symbol=ETHUSDT&interval=1m")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServer_StreamDeliversFormingThenClosed(t *testing.T) {
	s, ts := newTestServer(t, 10)

	client, err := binance.NewStreamClient(binance.StreamConfig{
		BaseURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Symbol:   "btcusdt",
		Interval: "1m",
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := s.Step()

	var frames []model.Candle
	for len(frames) < 2 {
		select {
		case raw := <-sess.Events():
			c, err := binance.ParseKlineEvent(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			frames = append(frames, c)
		case <-ctx.Done():
			t.Fatal("timed out waiting for frames")
		}
	}
	if frames[0].Closed || !frames[1].Closed {
		t.Errorf("expected forming then closed, got %v then %v", frames[0].Closed, frames[1].Closed)
	}
	if frames[1] != want {
		t.Errorf("closed frame mismatch: got %+v, want %+v", frames[1], want)
	}
}

func TestServer_UnknownStreamPath(t *testing.T) {
	_, ts := newTestServer(t, 10)
	resp, err := http.Get(ts.URL + "/ws/ethusdt@kline_1m")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
