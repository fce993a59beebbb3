package store

import (
	"context"
	"fmt"
)

// IncrementRateCounter bumps the fixed-window counter for source and returns
// the new count. The upsert-and-read runs in one transaction so concurrent
// callers each observe a distinct count.
func (s *Store) IncrementRateCounter(ctx context.Context, source string, windowStart int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning rate tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rate_counters (source, window_start, count) VALUES (?, ?, 1)
		 ON CONFLICT(source, window_start) DO UPDATE SET count = count + 1`,
		source, windowStart)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate counter: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count FROM rate_counters WHERE source = ? AND window_start = ?`,
		source, windowStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("reading rate counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rate counter: %w", err)
	}
	return count, nil
}

// PruneRateCounters drops windows older than the cutoff.
func (s *Store) PruneRateCounters(ctx context.Context, before int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_counters WHERE window_start < ?`, before); err != nil {
		return fmt.Errorf("pruning rate counters: %w", err)
	}
	return nil
}
