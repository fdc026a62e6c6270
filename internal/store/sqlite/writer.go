package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"kline-recorder/internal/model"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// ErrPersistence marks a failure of the underlying storage, as opposed to a
// duplicate key, which is not an error at all.
var ErrPersistence = errors.New("persistence failure")

// Config configures the record store.
type Config struct {
	Path   string // database file, e.g. "data/stream.db"
	Driver string // DriverCGO (default) or DriverPureGo
}

// Store is the append-only, timestamp-keyed record table.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database in WAL mode and ensures the schema.
func Open(cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverCGO
	}

	db, err := sql.Open(driver, dsn(driver, cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; appends must not reorder.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	insert, err := db.Prepare(`
		INSERT INTO stream (timestamp, open, high, low, close, volume, n_trades,
			macd, macdsignal, macdhist, rsi_slowk, rsi_slowd, obv, atr, ema200, sar)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO NOTHING
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite prepare insert: %w", err)
	}

	log.Printf("[sqlite] opened %s database at %s", driver, cfg.Path)
	return &Store{db: db, insert: insert}, nil
}

func dsn(driver, path string) string {
	if driver == DriverPureGo {
		return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream (
			timestamp  INTEGER NOT NULL PRIMARY KEY,
			open       REAL,
			high       REAL,
			low        REAL,
			close      REAL,
			volume     REAL,
			n_trades   INTEGER,
			macd       REAL,
			macdsignal REAL,
			macdhist   REAL,
			rsi_slowk  REAL,
			rsi_slowd  REAL,
			obv        REAL,
			atr        REAL,
			ema200     REAL,
			sar        REAL
		)
	`)
	return err
}

// Append persists rec unless its timestamp is already stored.
// inserted is false for a duplicate; the first write's values are kept.
func (s *Store) Append(ctx context.Context, rec model.Record) (inserted bool, err error) {
	res, err := s.insert.ExecContext(ctx,
		rec.Timestamp(), rec.Open, rec.High, rec.Low, rec.Close, rec.Volume, rec.Trades,
		model.Nullable(rec.MACD), model.Nullable(rec.MACDSignal), model.Nullable(rec.MACDHist),
		model.Nullable(rec.StochK), model.Nullable(rec.StochD),
		model.Nullable(rec.OBV), model.Nullable(rec.ATR), model.Nullable(rec.EMA200), model.Nullable(rec.SAR),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert ts=%d: %w", ErrPersistence, rec.Timestamp(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", ErrPersistence, err)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.insert.Close()
	return s.db.Close()
}
