// Package sqlite is the durable side of checkpointing: the last few engine
// checkpoints and a bounded history of closed candles per series, used when
// Redis has nothing to restore from.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/model"
)

const (
	defaultBatchSize   = 100
	defaultFlushDelay  = 200 * time.Millisecond
	keepCheckpoints    = 10
	defaultKeepCandles = 1000
)

// Config configures the SQLite store.
type Config struct {
	DBPath      string // e.g. "data/analytics.db"
	KeepCandles int    // closed candles kept per series
}

// Store is a single-writer SQLite store with transaction batching.
type Store struct {
	db          *sql.DB
	keepCandles int
	log         zerolog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	keep := cfg.KeepCandles
	if keep <= 0 {
		keep = defaultKeepCandles
	}
	s := &Store{db: db, keepCandles: keep, log: logger.Component("sqlite")}
	s.log.Info().Str("path", cfg.DBPath).Msg("opened database")
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT    NOT NULL,
			tf     INTEGER NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			volume REAL    NOT NULL,
			PRIMARY KEY (symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads closed candles and inserts them in batched transactions,
// flushing every batchSize candles or every flushDelay, whichever first.
// Blocks until ctx is cancelled or candleCh is closed.
func (s *Store) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.InsertCandles(batch); err != nil {
			s.log.Error().Err(err).Int("count", len(batch)).Msg("candle batch insert failed")
		} else {
			s.log.Debug().Int("count", len(batch)).Dur("took", time.Since(start)).Msg("committed candles")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertCandles upserts candles in one transaction and prunes every touched
// series to the retention limit.
func (s *Store) InsertCandles(candles []model.Candle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	type series struct {
		symbol string
		tf     int
	}
	touched := make(map[series]struct{})
	for _, c := range candles {
		if _, err := stmt.Exec(c.Symbol, c.TF, c.Time.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return err
		}
		touched[series{c.Symbol, c.TF}] = struct{}{}
	}

	for k := range touched {
		_, err := tx.Exec(`
			DELETE FROM candles WHERE symbol = ? AND tf = ? AND ts NOT IN (
				SELECT ts FROM candles WHERE symbol = ? AND tf = ? ORDER BY ts DESC LIMIT ?
			)`, k.symbol, k.tf, k.symbol, k.tf, s.keepCandles)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SaveCheckpoint stores a JSON checkpoint and keeps the last 10.
func (s *Store) SaveCheckpoint(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints (data, created_at) VALUES (?, ?)`,
		string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert checkpoint: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?)`, keepCheckpoints)
	if err != nil {
		s.log.Warn().Err(err).Msg("prune checkpoints")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
