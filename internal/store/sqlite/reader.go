package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"kline-recorder/internal/model"
)

// RecordsSince returns records with timestamp >= since, ascending.
// limit <= 0 means no limit.
func (s *Store) RecordsSince(ctx context.Context, since int64, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT is unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume, n_trades,
			macd, macdsignal, macdhist, rsi_slowk, rsi_slowd, obv, atr, ema200, sar
		FROM stream
		WHERE timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query stream: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			r      model.Record
			ts     int64
			trades sql.NullInt64
			ind    [9]sql.NullFloat64
		)
		if err := rows.Scan(&ts, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &trades,
			&ind[0], &ind[1], &ind[2], &ind[3], &ind[4], &ind[5], &ind[6], &ind[7], &ind[8]); err != nil {
			return nil, fmt.Errorf("sqlite scan stream: %w", err)
		}
		r.OpenTime = time.Unix(ts, 0).UTC()
		r.Trades = trades.Int64
		r.Closed = true
		r.MACD, r.MACDSignal, r.MACDHist = orNaN(ind[0]), orNaN(ind[1]), orNaN(ind[2])
		r.StochK, r.StochD = orNaN(ind[3]), orNaN(ind[4])
		r.OBV, r.ATR, r.EMA200, r.SAR = orNaN(ind[5]), orNaN(ind[6]), orNaN(ind[7]), orNaN(ind[8])
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastTimestamp returns the newest stored timestamp, or 0 if the table is empty.
func (s *Store) LastTimestamp(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM stream`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("sqlite last timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
