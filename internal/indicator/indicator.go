// Package indicator derives the fixed technical indicator set from a rolling
// window of OHLCV observations.
//
// The math is delegated to go-talib, a Go port of TA-Lib, except MACD, which is
// computed here with TA-Lib's own seeding (see macd.go). TA-Lib leaves the
// first lookback outputs of every function undefined, so each indicator is only
// reported once the window is longer than its lookback; before that the value is
// the NaN "not yet available" sentinel from model.NotAvailable.
package indicator

import (
	"log"

	talib "github.com/markcheno/go-talib"

	"kline-recorder/internal/model"
	"kline-recorder/internal/ringbuf"
)

// Params configures the indicator periods. DefaultParams matches the stored schema.
type Params struct {
	MACDFast, MACDSlow, MACDSignal int
	StochFastK, StochSlowK         int
	StochSlowD                     int
	ATRPeriod                      int
	EMAPeriod                      int
	SARAcceleration, SARMaximum    float64
}

// DefaultParams returns MACD 12/26/9, Stoch 5/3/3, ATR 14, EMA 200, SAR 0.02/0.2.
func DefaultParams() Params {
	return Params{
		MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
		StochFastK: 5, StochSlowK: 3, StochSlowD: 3,
		ATRPeriod:       14,
		EMAPeriod:       200,
		SARAcceleration: 0.02,
		SARMaximum:      0.2,
	}
}

// Engine computes snapshots. It holds only configuration, never window state.
type Engine struct {
	p Params
}

// NewEngine creates an engine with the given parameters.
func NewEngine(p Params) *Engine {
	return &Engine{p: p}
}

// Lookback returns, per indicator group, how many leading outputs TA-Lib leaves undefined.
// A value is available once the window holds more than Lookback points.
func (e *Engine) Lookback() map[string]int {
	p := e.p
	return map[string]int{
		"macd":  (p.MACDSlow - 1) + (p.MACDSignal - 1),
		"stoch": (p.StochFastK - 1) + (p.StochSlowK - 1) + (p.StochSlowD - 1),
		"obv":   0,
		"atr":   p.ATRPeriod,
		"ema":   p.EMAPeriod - 1,
		"sar":   1,
	}
}

// Required returns the minimum window length at which the named indicator group
// reports a value, or -1 for an unknown name.
func (e *Engine) Required(name string) int {
	lb, ok := e.Lookback()[name]
	if !ok {
		return -1
	}
	return lb + 1
}

// Compute returns the indicator values for the newest observation in s.
// Identical inputs always give identical outputs.
func (e *Engine) Compute(s ringbuf.Series) model.Snapshot {
	out := model.NotAvailable()
	n := s.Len()
	if n == 0 {
		return out
	}
	lb := e.Lookback()
	p := e.p

	if n > lb["macd"] {
		guard("macd", func() {
			out.MACD, out.MACDSignal, out.MACDHist = macd(s.Close, p.MACDFast, p.MACDSlow, p.MACDSignal)
		})
	}
	if n > lb["stoch"] {
		guard("stoch", func() {
			k, d := talib.Stoch(s.High, s.Low, s.Close, p.StochFastK, p.StochSlowK, talib.SMA, p.StochSlowD, talib.SMA)
			out.StochK, out.StochD = last(k), last(d)
		})
	}
	guard("obv", func() {
		out.OBV = last(talib.Obv(s.Close, s.Volume))
	})
	if n > lb["atr"] {
		guard("atr", func() {
			out.ATR = last(talib.Atr(s.High, s.Low, s.Close, p.ATRPeriod))
		})
	}
	if n > lb["ema"] {
		guard("ema", func() {
			out.EMA200 = last(talib.Ema(s.Close, p.EMAPeriod))
		})
	}
	if n > lb["sar"] {
		guard("sar", func() {
			out.SAR = last(talib.Sar(s.High, s.Low, p.SARAcceleration, p.SARMaximum))
		})
	}
	return out
}

func last(vals []float64) float64 {
	return vals[len(vals)-1]
}

// guard runs one indicator. go-talib indexes without bounds checks, so a panic
// leaves that indicator at the sentinel instead of taking the feed down.
func guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[indicator] %s computation panicked: %v", name, r)
		}
	}()
	fn()
}
