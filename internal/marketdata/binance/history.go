package binance

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"kline-recorder/internal/model"
)

const maxKlinesPerRequest = 1000

// HistoryConfig configures the historical klines client.
type HistoryConfig struct {
	// BaseURL of the REST API, e.g. "https://api.binance.com"
	BaseURL  string
	Symbol   string
	Interval model.Interval

	// Limit is the page size, at most 1000. Defaults to 1000.
	Limit int

	// Timeout per HTTP request. Defaults to 10s.
	Timeout time.Duration
}

// HistoryClient fetches closed klines over REST. It implements model.HistoryFetcher.
type HistoryClient struct {
	cfg    HistoryConfig
	client *http.Client
	now    func() time.Time
}

// NewHistoryClient creates a history client.
func NewHistoryClient(cfg HistoryConfig) *HistoryClient {
	if cfg.Limit <= 0 || cfg.Limit > maxKlinesPerRequest {
		cfg.Limit = maxKlinesPerRequest
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HistoryClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// FetchHistoricalCandles returns every closed candle with OpenTime >= since,
// oldest first, paging through /api/v3/klines. The still-forming candle is
// left out.
func (h *HistoryClient) FetchHistoricalCandles(ctx context.Context, since time.Time) ([]model.Candle, error) {
	nowMs := h.now().UnixMilli()
	startMs := since.UnixMilli()

	var out []model.Candle
	for page := 0; ; page++ {
		rows, err := h.fetchPage(ctx, startMs)
		if err != nil {
			return nil, err
		}

		lastOpen := int64(-1)
		for i, row := range rows {
			c, closeMs, err := h.parseRow(row)
			if err != nil {
				return nil, fmt.Errorf("klines row %d: %w", i, err)
			}
			lastOpen = c.OpenTime.UnixMilli()
			if closeMs >= nowMs {
				continue // forming candle
			}
			out = append(out, c)
		}

		if len(rows) < h.cfg.Limit || lastOpen < 0 || lastOpen >= nowMs {
			break
		}
		startMs = lastOpen + 1
	}

	log.Printf("[binance] fetched %d historical %s candles for %s since %s",
		len(out), h.cfg.Interval, strings.ToUpper(h.cfg.Symbol), since.UTC().Format(time.RFC3339))
	return out, nil
}

func (h *HistoryClient) fetchPage(ctx context.Context, startMs int64) ([]gjson.Result, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(h.cfg.Symbol))
	q.Set("interval", h.cfg.Interval.String())
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("limit", strconv.Itoa(h.cfg.Limit))
	endpoint := h.cfg.BaseURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("klines: create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines: send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("klines: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines: unexpected status %d: %s", resp.StatusCode, gjson.GetBytes(body, "msg").String())
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("klines: expected array response")
	}
	return parsed.Array(), nil
}

// parseRow reads [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, ...].
// Only the first six fields are required.
func (h *HistoryClient) parseRow(row gjson.Result) (model.Candle, int64, error) {
	f := row.Array()
	if len(f) < 6 {
		return model.Candle{}, 0, fmt.Errorf("%w: %d fields, want at least 6", ErrMalformedFrame, len(f))
	}

	openMs, err := intField(f[0], "openTime")
	if err != nil {
		return model.Candle{}, 0, err
	}
	c := model.Candle{OpenTime: time.UnixMilli(openMs).UTC(), Closed: true}

	dst := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	names := []string{"open", "high", "low", "close", "volume"}
	for i := range dst {
		if *dst[i], err = floatField(f[i+1], names[i]); err != nil {
			return model.Candle{}, 0, err
		}
	}

	closeMs := openMs + h.cfg.Interval.Duration().Milliseconds() - 1
	if len(f) > 6 {
		if closeMs, err = intField(f[6], "closeTime"); err != nil {
			return model.Candle{}, 0, err
		}
	}
	if len(f) > 8 {
		if c.Trades, err = intField(f[8], "trades"); err != nil {
			return model.Candle{}, 0, err
		}
	}
	return c, closeMs, nil
}
