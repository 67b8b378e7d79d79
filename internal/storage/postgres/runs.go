package postgres

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
	var id int64
	err := s.pool.QueryRow(ctx, `
		insert into sync_runs (run_at, "trigger", status, message, duration_ms, changes_applied, conflicts)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id
	`, runAt, run.Trigger, run.Status, run.Message, run.DurationMS, run.ChangesApplied, run.Conflicts).Scan(&id)
	return id, err
}

func (s *Store) RecentSyncRuns(ctx context.Context, limit int) ([]storage.SyncRun, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		select id, run_at, "trigger", status, message, duration_ms, changes_applied, conflicts
		from sync_runs
		order by id desc
		limit $1
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
