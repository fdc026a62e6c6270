package model

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1m", time.Minute, true},
		{"1h", time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1M", 30 * 24 * time.Hour, true},
		{"2m", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		iv, err := ParseInterval(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseInterval(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
		}
		if tc.ok && iv.Duration() != tc.want {
			t.Errorf("ParseInterval(%q).Duration() = %v, want %v", tc.in, iv.Duration(), tc.want)
		}
	}
}

func TestRecord_MarshalJSON_NullsSentinels(t *testing.T) {
	snap := NotAvailable()
	snap.OBV = 550
	rec := Record{
		Candle: Candle{
			OpenTime: time.Unix(1000, 0).UTC(),
			Open:     14, High: 15, Low: 13, Close: 14, Volume: 120, Trades: 7, Closed: true,
		},
		Snapshot: snap,
	}

	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"timestamp":1000`, `"obv":550`, `"ema200":null`, `"n_trades":7`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}

func TestNotAvailable(t *testing.T) {
	s := NotAvailable()
	for name, v := range map[string]float64{
		"macd": s.MACD, "stochk": s.StochK, "obv": s.OBV, "ema200": s.EMA200, "sar": s.SAR,
	} {
		if IsAvailable(v) {
			t.Errorf("%s: expected sentinel, got %v", name, v)
		}
	}
	if !IsAvailable(0) || IsAvailable(math.NaN()) {
		t.Error("IsAvailable mismatch")
	}
}
