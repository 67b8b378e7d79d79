package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// SyncRun is one reconciliation pass as recorded after it finished (or
// failed, or was skipped).
type SyncRun struct {
	ID             int64     `json:"id"`
	RunAt          time.Time `json:"run_at"`
	Trigger        string    `json:"trigger"`
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	DurationMS     int64     `json:"duration_ms"`
	ChangesApplied int       `json:"changes_applied"`
	Conflicts      int       `json:"conflicts"`
}

// AuditEvent records one action the engine took, or refused to take, against
// a single event or calendar. Details is free-form JSON whose shape depends
// on the action.
type AuditEvent struct {
	ID         int64          `json:"id"`
	RunID      *int64         `json:"run_id"`
	CreatedAt  time.Time      `json:"created_at"`
	CalendarID string         `json:"calendar_id"`
	UID        string         `json:"uid"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details"`
}

// Snapshot is the post-planning baseline for one event, used to detect user
// edits between planning and apply.
type Snapshot struct {
	CalendarID  string    `json:"calendar_id"`
	UID         string    `json:"uid"`
	ETag        string    `json:"etag"`
	PayloadHash string    `json:"payload_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RequestBytesPoint is one planner request size, charted by the admin UI.
type RequestBytesPoint struct {
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	RequestBytes int64     `json:"request_bytes"`
}

// AuditQuery narrows RecentAuditEvents. Zero values mean "no filter"; Limit
// is clamped to at least one row by the backends.
type AuditQuery struct {
	Limit  int
	RunID  *int64
	Action string
}

type Store interface {
	Close()

	RecordSyncRun(ctx context.Context, run SyncRun) (int64, error)
	RecentSyncRuns(ctx context.Context, limit int) ([]SyncRun, error)

	RecordAuditEvent(ctx context.Context, ev AuditEvent) (int64, error)
	RecentAuditEvents(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	GetAuditEvent(ctx context.Context, id int64) (*AuditEvent, error)

	UpsertSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, calendarID, uid string) (*Snapshot, error)

	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)

	// AIRequestBytesSeries returns planner request sizes in ascending id
	// order, newest limit rows only, skipping rows older than days or with
	// no recorded size.
	AIRequestBytesSeries(ctx context.Context, days, limit int) ([]RequestBytesPoint, error)
}

// metaKnownManagedCalendars accumulates every calendar id this system has
// created or adopted. The duplicate purge only trusts ids found here.
const metaKnownManagedCalendars = "known_managed_calendar_ids"

// KnownManagedCalendarIDs loads the historical set of managed calendar ids.
func KnownManagedCalendarIDs(ctx context.Context, st Store) (map[string]bool, error) {
	raw, ok, err := st.GetMeta(ctx, metaKnownManagedCalendars)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	if !ok || raw == "" {
		return ids, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		// A corrupt entry only disables purging, so start over.
		return ids, nil
	}
	for _, id := range list {
		if id != "" {
			ids[id] = true
		}
	}
	return ids, nil
}

// RememberManagedCalendarIDs merges ids into the known-managed set.
func RememberManagedCalendarIDs(ctx context.Context, st Store, ids ...string) error {
	known, err := KnownManagedCalendarIDs(ctx, st)
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		if id != "" && !known[id] {
			known[id] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	list := make([]string, 0, len(known))
	for id := range known {
		list = append(list, id)
	}
	sort.Strings(list)
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return st.SetMeta(ctx, metaKnownManagedCalendars, string(raw))
}
