package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MetricsSnapshot is one periodic capture written by the maintenance loop.
type MetricsSnapshot struct {
	CapturedAt     int64
	ActiveSessions int64
	ClientCount    int64
	FileCount      int64
	VerifiedCount  int64
}

// RecordMetrics inserts a metrics snapshot.
func (s *Store) RecordMetrics(ctx context.Context, m MetricsSnapshot) error {
	if m.CapturedAt == 0 {
		m.CapturedAt = nowUnixMilli()
	}

	return s.withRetryConn(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx,
			`INSERT INTO metrics (captured_at, active_sessions, client_count, file_count, verified_count)
			 VALUES (?, ?, ?, ?, ?)`,
			m.CapturedAt, m.ActiveSessions, m.ClientCount, m.FileCount, m.VerifiedCount,
		)
		if err != nil {
			return fmt.Errorf("insert metrics snapshot: %w", err)
		}
		return nil
	})
}

// LatestMetrics returns the most recent snapshot, or ErrNotFound.
func (s *Store) LatestMetrics(ctx context.Context) (*MetricsSnapshot, error) {
	var m MetricsSnapshot
	err := s.withRetryConn(ctx, func(c *Conn) error {
		row := c.QueryRow(ctx,
			`SELECT captured_at, active_sessions, client_count, file_count, verified_count
			 FROM metrics ORDER BY captured_at DESC, id DESC LIMIT 1`)
		scanErr := row.Scan(&m.CapturedAt, &m.ActiveSessions, &m.ClientCount, &m.FileCount, &m.VerifiedCount)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PruneMetrics deletes snapshots older than the retention window.
func (s *Store) PruneMetrics(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	var pruned int64
	err := s.withRetryConn(ctx, func(c *Conn) error {
		result, err := c.Exec(ctx, `DELETE FROM metrics WHERE captured_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune metrics: %w", err)
		}
		pruned, err = result.RowsAffected()
		return err
	})
	return pruned, err
}
