package binance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"kline-recorder/internal/model"
)

// ErrMalformedFrame is wrapped by every decoding failure.
var ErrMalformedFrame = errors.New("malformed kline frame")

// ParseKlineEvent decodes a kline stream frame:
//
//	{"e":"kline","k":{"t":1700000000000,"o":"10.0","h":"11.0","l":"9.0","c":"10.5","v":"100","n":7,"x":true}}
//
// Numeric fields may be JSON strings or numbers. n (trade count) is optional.
func ParseKlineEvent(raw []byte) (model.Candle, error) {
	if !gjson.ValidBytes(raw) {
		return model.Candle{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	k := gjson.GetBytes(raw, "k")
	if !k.IsObject() {
		return model.Candle{}, fmt.Errorf("%w: missing kline object", ErrMalformedFrame)
	}

	openMs, err := intField(k.Get("t"), "t")
	if err != nil {
		return model.Candle{}, err
	}
	c := model.Candle{OpenTime: time.UnixMilli(openMs).UTC()}

	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"o", &c.Open}, {"h", &c.High}, {"l", &c.Low}, {"c", &c.Close}, {"v", &c.Volume},
	} {
		if *f.dst, err = floatField(k.Get(f.key), f.key); err != nil {
			return model.Candle{}, err
		}
	}

	if n := k.Get("n"); n.Exists() {
		if c.Trades, err = intField(n, "n"); err != nil {
			return model.Candle{}, err
		}
	}

	x := k.Get("x")
	switch {
	case x.Type == gjson.True || x.Type == gjson.False:
		c.Closed = x.Bool()
	case x.Type == gjson.String && (x.Str == "true" || x.Str == "false"):
		c.Closed = x.Str == "true"
	default:
		return model.Candle{}, fmt.Errorf("%w: field x: not a boolean", ErrMalformedFrame)
	}

	return c, nil
}

func floatField(r gjson.Result, key string) (float64, error) {
	var (
		v   float64
		err error
	)
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		v, err = strconv.ParseFloat(r.Str, 64)
	default:
		return 0, fmt.Errorf("%w: field %s missing", ErrMalformedFrame, key)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %v", ErrMalformedFrame, key, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: field %s not finite", ErrMalformedFrame, key)
	}
	return v, nil
}

func intField(r gjson.Result, key string) (int64, error) {
	switch r.Type {
	case gjson.Number:
		if r.Num != math.Trunc(r.Num) {
			return 0, fmt.Errorf("%w: field %s not an integer", ErrMalformedFrame, key)
		}
		return r.Int(), nil
	case gjson.String:
		v, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %s: %v", ErrMalformedFrame, key, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: field %s missing", ErrMalformedFrame, key)
}
