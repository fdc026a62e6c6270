package model

import (
	"encoding/json"
	"math"
)

// Snapshot holds the indicator values for the newest observation in the window.
// A NaN field means the indicator has not accumulated enough history yet.
type Snapshot struct {
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	StochK     float64
	StochD     float64
	OBV        float64
	ATR        float64
	EMA200     float64
	SAR        float64
}

// NotAvailable returns a snapshot with every indicator unset.
func NotAvailable() Snapshot {
	nan := math.NaN()
	return Snapshot{
		MACD: nan, MACDSignal: nan, MACDHist: nan,
		StochK: nan, StochD: nan,
		OBV: nan, ATR: nan, EMA200: nan, SAR: nan,
	}
}

// IsAvailable reports whether v is a computed value rather than the warm-up sentinel.
func IsAvailable(v float64) bool {
	return !math.IsNaN(v)
}

// Record is a closed candle enriched with the indicator snapshot computed when it closed.
type Record struct {
	Candle
	Snapshot
}

// Timestamp returns the record key (candle open time, Unix seconds).
func (r *Record) Timestamp() int64 {
	return r.Candle.Timestamp()
}

// recordWire mirrors the persisted column names. Unavailable indicators become null.
type recordWire struct {
	Timestamp  int64    `json:"timestamp"`
	Open       float64  `json:"open"`
	High       float64  `json:"high"`
	Low        float64  `json:"low"`
	Close      float64  `json:"close"`
	Volume     float64  `json:"volume"`
	Trades     int64    `json:"n_trades"`
	MACD       *float64 `json:"macd"`
	MACDSignal *float64 `json:"macdsignal"`
	MACDHist   *float64 `json:"macdhist"`
	StochK     *float64 `json:"rsi_slowk"`
	StochD     *float64 `json:"rsi_slowd"`
	OBV        *float64 `json:"obv"`
	ATR        *float64 `json:"atr"`
	EMA200     *float64 `json:"ema200"`
	SAR        *float64 `json:"sar"`
}

// MarshalJSON encodes the record with the storage column names.
// encoding/json rejects NaN, so warm-up sentinels are written as null.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordWire{
		Timestamp:  r.Timestamp(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		Trades:     r.Trades,
		MACD:       Nullable(r.MACD),
		MACDSignal: Nullable(r.MACDSignal),
		MACDHist:   Nullable(r.MACDHist),
		StochK:     Nullable(r.StochK),
		StochD:     Nullable(r.StochD),
		OBV:        Nullable(r.OBV),
		ATR:        Nullable(r.ATR),
		EMA200:     Nullable(r.EMA200),
		SAR:        Nullable(r.SAR),
	})
}

// Nullable maps the NaN sentinel to nil.
func Nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
