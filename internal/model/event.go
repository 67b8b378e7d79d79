package model

import (
	"time"
)

// Event source tags. User-layer twins carry SourceUser, stage mirrors
// SourceStaging, everything written by the engine itself SourceSystem.
const (
	SourceUser    = "user"
	SourceStaging = "staging"
	SourceSystem  = "system"
)

// Run triggers. No other values are recognized.
const (
	TriggerStartup      = "startup"
	TriggerManual       = "manual"
	TriggerScheduled    = "scheduled"
	TriggerManualWindow = "manual-window"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// AllowedEditableFields is the closed set of event fields the planner may be
// granted write access to through a task block.
var AllowedEditableFields = []string{"start", "end", "summary", "location", "description"}

// Event is one calendar event as the engine sees it. Identity is
// (CalendarID, UID); ETag is the opaque version token from the CalDAV
// server and changes on every write.
type Event struct {
	CalendarID         string    `json:"calendar_id"`
	UID                string    `json:"uid"`
	Summary            string    `json:"summary"`
	Description        string    `json:"description"`
	Location           string    `json:"location"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	AllDay             bool      `json:"all_day"`
	Href               string    `json:"href"`
	ETag               string    `json:"etag"`
	Source             string    `json:"source"`
	Locked             bool      `json:"locked"`
	Mandatory          bool      `json:"mandatory"`
	OriginalCalendarID string    `json:"original_calendar_id"`
	OriginalUID        string    `json:"original_uid"`
}

// WindowKey identifies an event within one run's working set.
func (e *Event) WindowKey() string {
	return e.CalendarID + ":" + e.UID
}

// Clone returns a copy safe to mutate without touching the original.
func (e *Event) Clone() *Event {
	dup := *e
	return &dup
}

// CalendarInfo is a calendar collection as reported by the CalDAV server.
type CalendarInfo struct {
	ID   string `json:"calendar_id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CalendarRole classifies a calendar for one run.
type CalendarRole string

const (
	RoleImmutable        CalendarRole = "immutable"
	RoleEditableSource   CalendarRole = "editable-source"
	RoleIntake           CalendarRole = "intake"
	RoleUser             CalendarRole = "user"
	RoleStage            CalendarRole = "stage"
	RoleManagedDuplicate CalendarRole = "managed-duplicate"
)

// SyncResult is the summary recorded for every run.
type SyncResult struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	DurationMS     int64     `json:"duration_ms"`
	ChangesApplied int       `json:"changes_applied"`
	Conflicts      int       `json:"conflicts"`
	Trigger        string    `json:"trigger"`
	RunAt          time.Time `json:"run_at"`
}

// PlanningWindow returns the default window: start of today (UTC) through
// the end of today+days-1. days below 1 is treated as 1.
func PlanningWindow(now time.Time, days int) (time.Time, time.Time) {
	if days < 1 {
		days = 1
	}
	utc := now.UTC()
	start := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, days).Add(-time.Nanosecond)
	return start, end
}
