package sqlite

import (
	"context"
	"time"

	"github.com/BlackWatch0/avocado/internal/storage"
)

func (s *Store) RecordSyncRun(ctx context.Context, run storage.SyncRun) (int64, error) {
	runAt := run.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_at, "trigger", status, message, duration_ms, changes_applied, conflicts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runAt, run.Trigger, run.Status, run.Message, run.DurationMS, run.ChangesApplied, run.Conflicts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]storage.SyncRun, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_at, "trigger", status, message, duration_ms, changes_applied, conflicts
		FROM sync_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []storage.SyncRun
	for rows.Next() {
		var run storage.SyncRun
		if err := rows.Scan(
			&run.ID, &run.RunAt, &run.Trigger, &run.Status,
			&run.Message, &run.DurationMS, &run.ChangesApplied, &run.Conflicts,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
