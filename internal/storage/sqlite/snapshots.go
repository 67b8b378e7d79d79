package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/BlackWatch0/avocado/internal/storage"
)

func (s *Store) UpsertSnapshot(ctx context.Context, snap storage.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_snapshots (calendar_id, uid, etag, payload_hash, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(calendar_id, uid) DO UPDATE SET
			etag = excluded.etag,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, snap.CalendarID, snap.UID, snap.ETag, snap.PayloadHash, time.Now().UTC())
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, calendarID, uid string) (*storage.Snapshot, error) {
	var snap storage.Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT calendar_id, uid, etag, payload_hash, updated_at
		FROM event_snapshots
		WHERE calendar_id = ? AND uid = ?
	`, calendarID, uid).Scan(&snap.CalendarID, &snap.UID, &snap.ETag, &snap.PayloadHash, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
