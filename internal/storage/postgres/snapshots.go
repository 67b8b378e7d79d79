package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/BlackWatch0/avocado/internal/storage"
)

func (s *Store) UpsertSnapshot(ctx context.Context, snap storage.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		insert into event_snapshots (calendar_id, uid, etag, payload_hash, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (calendar_id, uid) do update set
			etag = excluded.etag,
			payload_hash = excluded.payload_hash,
			updated_at = excluded.updated_at
	`, snap.CalendarID, snap.UID, snap.ETag, snap.PayloadHash, time.Now().UTC())
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, calendarID, uid string) (*storage.Snapshot, error) {
	var snap storage.Snapshot
	err := s.pool.QueryRow(ctx, `
		select calendar_id, uid, etag, payload_hash, updated_at
		from event_snapshots
		where calendar_id = $1 and uid = $2
	`, calendarID, uid).Scan(&snap.CalendarID, &snap.UID, &snap.ETag, &snap.PayloadHash, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
