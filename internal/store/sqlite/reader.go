package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"microstructure-v1/internal/model"
)

// LatestCheckpoint loads the newest checkpoint. Returns nil, nil if none
// exists.
func (s *Store) LatestCheckpoint(ctx context.Context) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints ORDER BY id DESC LIMIT 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read checkpoint: %w", err)
	}
	return []byte(data), nil
}

// CheckpointCount returns how many checkpoints are retained.
func (s *Store) CheckpointCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&n)
	return n, err
}

// RecentCandles returns up to n closed candles of a series, oldest first.
func (s *Store) RecentCandles(ctx context.Context, symbol string, tf int, n int64) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM (
			SELECT ts, open, high, low, close, volume FROM candles
			WHERE symbol = ? AND tf = ?
			ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC
	`, symbol, tf, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c := model.Candle{Symbol: symbol, TF: tf}
		var ts int64
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.Time = time.Unix(ts, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
