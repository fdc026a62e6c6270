package sqlite

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"kline-recorder/internal/model"
)

func rec(ts int64, close float64) model.Record {
	r := model.Record{
		Candle: model.Candle{
			OpenTime: time.Unix(ts, 0).UTC(),
			Open:     close - 1, High: close + 2, Low: close - 2, Close: close,
			Volume: 12.5, Trades: 42, Closed: true,
		},
		Snapshot: model.NotAvailable(),
	}
	r.OBV = 100
	r.SAR = close - 3
	return r
}

func open(t *testing.T, driver, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path, Driver: driver})
	if err != nil {
		if driver == DriverCGO {
			t.Skipf("cgo sqlite driver unavailable: %v", err)
		}
		t.Fatalf("Open: %v", err)
	}
	return s
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, d := range []string{DriverPureGo, DriverCGO} {
		t.Run(d, func(t *testing.T) { fn(t, d) })
	}
}

func TestAppend_Idempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		s := open(t, driver, filepath.Join(t.TempDir(), "stream.db"))
		defer s.Close()

		inserted, err := s.Append(ctx, rec(1000, 10))
		if err != nil || !inserted {
			t.Fatalf("first append: inserted=%v err=%v", inserted, err)
		}
		inserted, err = s.Append(ctx, rec(1000, 99))
		if err != nil {
			t.Fatalf("duplicate append must not error: %v", err)
		}
		if inserted {
			t.Error("duplicate append reported inserted")
		}

		n, _ := s.Count(ctx)
		if n != 1 {
			t.Fatalf("expected 1 row, got %d", n)
		}
		got, _ := s.RecordsSince(ctx, 0, 0)
		if got[0].Close != 10 {
			t.Errorf("first write must be kept, got close %v", got[0].Close)
		}
	})
}

func TestRecordsSince_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := open(t, DriverPureGo, filepath.Join(t.TempDir(), "stream.db"))
	defer s.Close()

	for _, ts := range []int64{300, 60, 240, 120, 180} {
		if _, err := s.Append(ctx, rec(ts, float64(ts))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.RecordsSince(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int64{60, 120, 180, 240, 300} {
		if all[i].Timestamp() != want {
			t.Errorf("row %d: got ts %d, want %d", i, all[i].Timestamp(), want)
		}
	}

	page, _ := s.RecordsSince(ctx, 120, 2)
	if len(page) != 2 || page[0].Timestamp() != 120 || page[1].Timestamp() != 180 {
		t.Errorf("unexpected page %+v", page)
	}

	last, _ := s.LastTimestamp(ctx)
	if last != 300 {
		t.Errorf("LastTimestamp: got %d, want 300", last)
	}
}

func TestRoundTrip_NullIndicators(t *testing.T) {
	ctx := context.Background()
	s := open(t, DriverPureGo, filepath.Join(t.TempDir(), "stream.db"))
	defer s.Close()

	in := rec(60, 50)
	if _, err := s.Append(ctx, in); err != nil {
		t.Fatal(err)
	}

	var macd, obv any
	if err := s.DB().QueryRowContext(ctx, `SELECT macd, obv FROM stream WHERE timestamp = 60`).Scan(&macd, &obv); err != nil {
		t.Fatal(err)
	}
	if macd != nil {
		t.Errorf("unavailable indicator must be stored as NULL, got %v", macd)
	}
	if obv == nil {
		t.Error("available indicator stored as NULL")
	}

	out, _ := s.RecordsSince(ctx, 0, 0)
	got := out[0]
	if !math.IsNaN(got.MACD) || !math.IsNaN(got.EMA200) {
		t.Errorf("NULL must read back as NaN, got %+v", got.Snapshot)
	}
	if got.OBV != 100 || got.SAR != 47 || got.Trades != 42 || got.Volume != 12.5 {
		t.Errorf("values changed on round trip: %+v", got)
	}
	if !got.Closed || !got.OpenTime.Equal(in.OpenTime) {
		t.Errorf("unexpected candle %+v", got.Candle)
	}
}

func TestReopen_KeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stream.db")

	s := open(t, DriverPureGo, path)
	if _, err := s.Append(ctx, rec(60, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = open(t, DriverPureGo, path)
	defer s.Close()
	last, err := s.LastTimestamp(ctx)
	if err != nil || last != 60 {
		t.Fatalf("after reopen: last=%d err=%v", last, err)
	}
	if inserted, _ := s.Append(ctx, rec(60, 2)); inserted {
		t.Error("record from previous run must still block duplicates")
	}
}

func TestEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := open(t, DriverPureGo, filepath.Join(t.TempDir(), "stream.db"))
	defer s.Close()

	if last, err := s.LastTimestamp(ctx); err != nil || last != 0 {
		t.Errorf("empty LastTimestamp: %d, %v", last, err)
	}
	if recs, err := s.RecordsSince(ctx, 0, 10); err != nil || len(recs) != 0 {
		t.Errorf("empty RecordsSince: %v, %v", recs, err)
	}
}

func TestAppend_ClosedDatabase(t *testing.T) {
	s := open(t, DriverPureGo, filepath.Join(t.TempDir(), "stream.db"))
	s.Close()

	_, err := s.Append(context.Background(), rec(60, 1))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}
