package sim

import (
	"encoding/json"
	"strconv"
	"strings"

	"kline-recorder/internal/model"
)

type klineEvent struct {
	Event  string       `json:"e"`
	Time   int64        `json:"E"`
	Symbol string       `json:"s"`
	Kline  klinePayload `json:"k"`
}

type klinePayload struct {
	Start    int64  `json:"t"`
	End      int64  `json:"T"`
	Symbol   string `json:"s"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	Trades   int64  `json:"n"`
	Closed   bool   `json:"x"`
}

func price(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// KlineFrame encodes c as a stream kline event. eventMs is the event time.
func KlineFrame(symbol string, iv model.Interval, c model.Candle, eventMs int64) ([]byte, error) {
	start := c.OpenTime.UnixMilli()
	sym := strings.ToUpper(symbol)
	return json.Marshal(klineEvent{
		Event:  "kline",
		Time:   eventMs,
		Symbol: sym,
		Kline: klinePayload{
			Start:    start,
			End:      start + iv.Duration().Milliseconds() - 1,
			Symbol:   sym,
			Interval: iv.String(),
			Open:     price(c.Open),
			High:     price(c.High),
			Low:      price(c.Low),
			Close:    price(c.Close),
			Volume:   price(c.Volume),
			Trades:   c.Trades,
			Closed:   c.Closed,
		},
	})
}

// KlineRow encodes c as a REST klines row:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, takerBase, takerQuote, ignore].
func KlineRow(iv model.Interval, c model.Candle) []any {
	start := c.OpenTime.UnixMilli()
	return []any{
		start,
		price(c.Open), price(c.High), price(c.Low), price(c.Close), price(c.Volume),
		start + iv.Duration().Milliseconds() - 1,
		price(c.Volume * c.Close),
		c.Trades,
		"0", "0", "0",
	}
}
