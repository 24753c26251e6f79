package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// PurgeTerminalBefore deletes terminal operations whose last update is older
// than cutoff, together with their batches and error records. Terminal
// operations are immutable, so this never races with the tracker.
func (s *Store) PurgeTerminalBefore(cutoff time.Time) (int, error) {
	ts := formatTime(cutoff)
	var purged int
	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM operation_errors WHERE operation_id IN (
				SELECT id FROM operations
				WHERE status IN (?, ?, ?) AND updated_at < ?
			)`,
			StatusCompleted, StatusCompletedWithErrors, StatusFailed, ts,
		)
		if err != nil {
			return fmt.Errorf("purge operation errors: %w", err)
		}
		// Batches cascade via the operations foreign key.
		res, err := tx.Exec(`
			DELETE FROM operations WHERE status IN (?, ?, ?) AND updated_at < ?`,
			StatusCompleted, StatusCompletedWithErrors, StatusFailed, ts,
		)
		if err != nil {
			return fmt.Errorf("purge operations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		purged = int(n)
		return nil
	})
	return purged, err
}

// PurgeStalledBefore deletes non-terminal operations that stopped making
// progress before cutoff. These exist when an enqueue failure or a crash left
// batches that no task will ever deliver, so they can never settle on their
// own. Every counter update touches updated_at, which keeps any operation
// still moving out of this sweep no matter how long it runs.
func (s *Store) PurgeStalledBefore(cutoff time.Time) (int, error) {
	ts := formatTime(cutoff)
	var purged int
	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM operation_errors WHERE operation_id IN (
				SELECT id FROM operations
				WHERE status NOT IN (?, ?, ?) AND updated_at < ?
			)`,
			StatusCompleted, StatusCompletedWithErrors, StatusFailed, ts,
		)
		if err != nil {
			return fmt.Errorf("purge stalled operation errors: %w", err)
		}
		res, err := tx.Exec(`
			DELETE FROM operations WHERE status NOT IN (?, ?, ?) AND updated_at < ?`,
			StatusCompleted, StatusCompletedWithErrors, StatusFailed, ts,
		)
		if err != nil {
			return fmt.Errorf("purge stalled operations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		purged = int(n)
		return nil
	})
	return purged, err
}

// RunRetention purges old terminal operations on a fixed interval until the
// context is cancelled.
func (s *Store) RunRetention(ctx context.Context, period, interval time.Duration) {
	if period <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-period)
			n, err := s.PurgeTerminalBefore(cutoff)
			if err != nil {
				slog.Warn("retention sweep failed", "error", err)
				continue
			}
			stalled, err := s.PurgeStalledBefore(cutoff)
			if err != nil {
				slog.Warn("stalled-operation sweep failed", "error", err)
				continue
			}
			if n > 0 || stalled > 0 {
				slog.Info("retention sweep purged operations",
					"terminal", n, "stalled", stalled, "period", period)
			}
		}
	}
}
