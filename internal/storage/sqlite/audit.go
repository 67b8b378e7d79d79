package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/BlackWatch0/avocado/internal/storage"
)

func (s *Store) RecordAuditEvent(ctx context.Context, ev storage.AuditEvent) (int64, error) {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return 0, err
	}
	var runID any
	if ev.RunID != nil {
		runID = *ev.RunID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (run_id, created_at, calendar_id, uid, action, details_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, createdAt, ev.CalendarID, ev.UID, ev.Action, string(detailsJSON))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) RecentAuditEvents(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 1
	}
	query := `
		SELECT id, run_id, created_at, calendar_id, uid, action, details_json
		FROM audit_events
	`
	var (
		where []string
		args  []any
	)
	if q.RunID != nil {
		where = append(where, "run_id = ?")
		args = append(args, *q.RunID)
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, q.Action)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []storage.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) GetAuditEvent(ctx context.Context, id int64) (*storage.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, created_at, calendar_id, uid, action, details_json
		FROM audit_events
		WHERE id = ?
	`, id)
	ev, err := scanAuditEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *Store) AIRequestBytesSeries(ctx context.Context, days, limit int) ([]storage.RequestBytesPoint, error) {
	if days < 1 {
		days = 1
	}
	if limit < 1 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, details_json
		FROM audit_events
		WHERE action = 'ai_request'
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	var newestFirst []storage.RequestBytesPoint
	for rows.Next() {
		var (
			id          int64
			createdAt   time.Time
			detailsJSON string
		)
		if err := rows.Scan(&id, &createdAt, &detailsJSON); err != nil {
			return nil, err
		}
		if createdAt.Before(cutoff) {
			continue
		}
		requestBytes := requestBytesFromDetails(detailsJSON)
		if requestBytes <= 0 {
			continue
		}
		newestFirst = append(newestFirst, storage.RequestBytesPoint{
			ID:           id,
			CreatedAt:    createdAt,
			RequestBytes: requestBytes,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	points := make([]storage.RequestBytesPoint, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		points = append(points, newestFirst[i])
	}
	return points, nil
}

func requestBytesFromDetails(detailsJSON string) int64 {
	if detailsJSON == "" {
		return 0
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
		return 0
	}
	switch v := details["request_bytes"].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEvent(row rowScanner) (storage.AuditEvent, error) {
	var (
		ev          storage.AuditEvent
		runID       sql.NullInt64
		detailsJSON string
	)
	if err := row.Scan(&ev.ID, &runID, &ev.CreatedAt, &ev.CalendarID, &ev.UID, &ev.Action, &detailsJSON); err != nil {
		return storage.AuditEvent{}, err
	}
	if runID.Valid {
		id := runID.Int64
		ev.RunID = &id
	}
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
		return storage.AuditEvent{}, err
	}
	return ev, nil
}
