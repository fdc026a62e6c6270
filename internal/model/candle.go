package model

import "time"

// Candle is one kline for the configured symbol and interval.
// Prices and volume are kept as float64 exactly as the exchange reports them.
type Candle struct {
	OpenTime time.Time `json:"open_time"` // bucket start (UTC)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Trades   int64     `json:"n_trades"`
	Closed   bool      `json:"closed"` // false for intra-candle updates
}

// Timestamp returns the candle open time in Unix seconds. It is the record key.
func (c *Candle) Timestamp() int64 {
	return c.OpenTime.Unix()
}

