package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	var id int64
	err = s.pool.QueryRow(ctx, `
		insert into audit_events (run_id, created_at, calendar_id, uid, action, details_json)
		values ($1, $2, $3, $4, $5, $6)
		returning id
	`, ev.RunID, createdAt, ev.CalendarID, ev.UID, ev.Action, string(detailsJSON)).Scan(&id)
	return id, err
}

func (s *Store) RecentAuditEvents(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 1
	}
	query := `
		select id, run_id, created_at, calendar_id, uid, action, details_json
		from audit_events
	`
	var (
		where []string
		args  []any
	)
	if q.RunID != nil {
		args = append(args, *q.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if q.Action != "" {
		args = append(args, q.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	for i, cond := range where {
		if i == 0 {
			query += " where " + cond
		} else {
			query += " and " + cond
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" order by id desc limit $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
	row := s.pool.QueryRow(ctx, `
		select id, run_id, created_at, calendar_id, uid, action, details_json
		from audit_events
		where id = $1
	`, id)
	ev, err := scanAuditEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, `
		select id, created_at, details_json
		from audit_events
		where action = 'ai_request'
		order by id desc
		limit $1
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

func scanAuditEvent(row pgx.Row) (storage.AuditEvent, error) {
	var (
		ev          storage.AuditEvent
		runID       *int64
		detailsJSON string
	)
	if err := row.Scan(&ev.ID, &runID, &ev.CreatedAt, &ev.CalendarID, &ev.UID, &ev.Action, &detailsJSON); err != nil {
		return storage.AuditEvent{}, err
	}
	ev.RunID = runID
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
		return storage.AuditEvent{}, err
	}
	return ev, nil
}
