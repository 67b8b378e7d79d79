package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/BlackWatch0/avocado/internal/caldav"
	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/metrics"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/planner"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// fakeDAV is an in-memory CalDAV server: one map of events per calendar,
// etags bumped on every write, clones handed out so engine mutations never
// alias stored state.
type fakeDAV struct {
	mu          sync.Mutex
	calendars   []model.CalendarInfo
	events      map[string]map[string]*model.Event
	etagSeq     int
	upsertErrs  map[string][]error
	windowStart time.Time
	windowEnd   time.Time
}

func newFakeDAV(calendars ...model.CalendarInfo) *fakeDAV {
	f := &fakeDAV{
		calendars:  append([]model.CalendarInfo(nil), calendars...),
		events:     map[string]map[string]*model.Event{},
		upsertErrs: map[string][]error{},
	}
	for _, cal := range calendars {
		f.events[cal.ID] = map[string]*model.Event{}
	}
	return f
}

func (f *fakeDAV) seed(calendarID string, ev *model.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dup := ev.Clone()
	dup.CalendarID = calendarID
	f.etagSeq++
	if dup.ETag == "" {
		dup.ETag = "etag-" + strconv.Itoa(f.etagSeq)
	}
	if dup.Href == "" {
		dup.Href = "/" + calendarID + "/" + dup.UID + ".ics"
	}
	if f.events[calendarID] == nil {
		f.events[calendarID] = map[string]*model.Event{}
	}
	f.events[calendarID][dup.UID] = dup
}

// failUpsert queues an error for the next upserts of (calendarID, uid).
func (f *fakeDAV) failUpsert(calendarID, uid string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := calendarID + "\x00" + uid
	f.upsertErrs[key] = append(f.upsertErrs[key], errs...)
}

func (f *fakeDAV) count(calendarID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[calendarID])
}

func (f *fakeDAV) get(calendarID, uid string) *model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.events[calendarID][uid]; ok {
		return ev.Clone()
	}
	return nil
}

func (f *fakeDAV) ListCalendars(context.Context) ([]model.CalendarInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CalendarInfo(nil), f.calendars...), nil
}

func (f *fakeDAV) EnsureCalendar(_ context.Context, calendarID, name string) (model.CalendarInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if calendarID != "" {
		for _, cal := range f.calendars {
			if cal.ID == calendarID {
				return cal, nil
			}
		}
	}
	key := caldav.NormalizeCalendarName(name)
	for _, cal := range f.calendars {
		if caldav.NormalizeCalendarName(cal.Name) == key {
			return cal, nil
		}
	}
	cal := model.CalendarInfo{ID: "auto-" + key, Name: name, URL: "/" + key + "/"}
	f.calendars = append(f.calendars, cal)
	f.events[cal.ID] = map[string]*model.Event{}
	return cal, nil
}

func (f *fakeDAV) FetchEvents(_ context.Context, calendarID string, start, end time.Time) ([]*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowStart, f.windowEnd = start, end
	var out []*model.Event
	for _, ev := range f.events[calendarID] {
		if !ev.Start.IsZero() {
			last := ev.End
			if last.IsZero() {
				last = ev.Start
			}
			if !ev.Start.Before(end) || !last.After(start) {
				continue
			}
		}
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (f *fakeDAV) UpsertEvent(_ context.Context, calendarID string, ev *model.Event) (*model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := calendarID + "\x00" + ev.UID
	if queued := f.upsertErrs[key]; len(queued) > 0 {
		err := queued[0]
		f.upsertErrs[key] = queued[1:]
		return nil, err
	}
	dup := ev.Clone()
	dup.CalendarID = calendarID
	f.etagSeq++
	dup.ETag = "etag-" + strconv.Itoa(f.etagSeq)
	if dup.Href == "" {
		dup.Href = "/" + calendarID + "/" + dup.UID + ".ics"
	}
	if f.events[calendarID] == nil {
		f.events[calendarID] = map[string]*model.Event{}
	}
	f.events[calendarID][dup.UID] = dup
	return dup.Clone(), nil
}

func (f *fakeDAV) DeleteEvent(_ context.Context, calendarID, uid, href string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	byUID := f.events[calendarID]
	if _, ok := byUID[uid]; ok {
		delete(byUID, uid)
		return true
	}
	for key, ev := range byUID {
		if href != "" && ev.Href == href {
			delete(byUID, key)
			return true
		}
	}
	return false
}

func (f *fakeDAV) GetEventByUID(_ context.Context, calendarID, uid string) (*model.Event, error) {
	return f.get(calendarID, uid), nil
}

// fakeStore keeps runs, audits, snapshots and meta in slices and maps; ids
// are handed out from a single sequence like the SQL store does.
type fakeStore struct {
	mu     sync.Mutex
	runs   []storage.SyncRun
	audits []storage.AuditEvent
	snaps  map[string]storage.Snapshot
	meta   map[string]string
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: map[string]storage.Snapshot{}, meta: map[string]string{}}
}

func (s *fakeStore) Close() {}

func (s *fakeStore) RecordSyncRun(_ context.Context, run storage.SyncRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	run.ID = s.nextID
	s.runs = append(s.runs, run)
	return run.ID, nil
}

func (s *fakeStore) RecentSyncRuns(_ context.Context, limit int) ([]storage.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	var out []storage.SyncRun
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fakeStore) RecordAuditEvent(_ context.Context, ev storage.AuditEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, ev)
	return ev.ID, nil
}

func (s *fakeStore) RecentAuditEvents(_ context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []storage.AuditEvent
	for i := len(s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.audits[i]
		if q.Action != "" && ev.Action != q.Action {
			continue
		}
		if q.RunID != nil && (ev.RunID == nil || *ev.RunID != *q.RunID) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *fakeStore) GetAuditEvent(_ context.Context, id int64) (*storage.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audits {
		if s.audits[i].ID == id {
			ev := s.audits[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpsertSnapshot(_ context.Context, snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.CalendarID+"\x00"+snap.UID] = snap
	return nil
}

func (s *fakeStore) GetSnapshot(_ context.Context, calendarID, uid string) (*storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snaps[calendarID+"\x00"+uid]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (s *fakeStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *fakeStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.meta[key]
	return value, ok, nil
}

func (s *fakeStore) AIRequestBytesSeries(_ context.Context, days, limit int) ([]storage.RequestBytesPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.RequestBytesPoint
	for _, ev := range s.audits {
		if ev.Action != "ai_request" {
			continue
		}
		if size, ok := ev.Details["request_bytes"].(int); ok {
			out = append(out, storage.RequestBytesPoint{ID: ev.ID, CreatedAt: ev.CreatedAt, RequestBytes: int64(size)})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) hasAction(action string) bool {
	return s.actionCount(action) > 0
}

func (s *fakeStore) actionCount(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.audits {
		if ev.Action == action {
			n++
		}
	}
	return n
}

func (s *fakeStore) firstAudit(action string) *storage.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.audits {
		if s.audits[i].Action == action {
			ev := s.audits[i]
			return &ev
		}
	}
	return nil
}

// fakePlanner returns canned changes and counts calls.
type fakePlanner struct {
	mu         sync.Mutex
	configured bool
	changes    []any
	err        error
	panicMsg   string
	calls      int
}

func (f *fakePlanner) IsConfigured() bool { return f.configured }

func (f *fakePlanner) GenerateChanges(_ context.Context, _ []openai.ChatCompletionMessage) (map[string]any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"changes": f.changes}, nil
}

func (f *fakePlanner) TestConnectivity(context.Context) (bool, string) {
	return f.configured, "fake planner"
}

func (f *fakePlanner) ListModels(context.Context) []string { return nil }

func (f *fakePlanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func managedCalendars() []model.CalendarInfo {
	return []model.CalendarInfo{
		{ID: "user-1", Name: config.DefaultUserCalendarName, URL: "/user-1/"},
		{ID: "stage-1", Name: config.DefaultStagingCalendarName, URL: "/stage-1/"},
		{ID: "intake-1", Name: config.DefaultIntakeCalendarName, URL: "/intake-1/"},
	}
}

func davPayload() map[string]any {
	return map[string]any{
		"caldav": map[string]any{
			"base_url": "https://dav.example.com",
			"username": "alice",
			"password": "secret",
		},
	}
}

func newTestEngine(t *testing.T, dav *fakeDAV, api *fakePlanner, payload map[string]any) (*Engine, *fakeStore) {
	t.Helper()
	cfgStore, err := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	if payload != nil {
		_, err = cfgStore.Update(payload)
		require.NoError(t, err)
	}
	state := newFakeStore()
	eng := New(cfgStore, state,
		func(config.CalDAVConfig) caldav.Service { return dav },
		func(config.AIConfig) planner.API { return api },
		metrics.New(), zerolog.Nop())
	return eng, state
}

// tomorrowAt returns an instant safely inside the default planning window.
func tomorrowAt(hour int) time.Time {
	day := time.Now().UTC().Truncate(24 * time.Hour)
	return day.Add(time.Duration(24+hour) * time.Hour)
}

func TestRunSkipsWhenCalDAVUnconfigured(t *testing.T) {
	dav := newFakeDAV(managedCalendars()...)
	eng, state := newTestEngine(t, dav, &fakePlanner{}, nil)

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSkipped, result.Status)
	require.Equal(t, "CalDAV config missing base_url/username. Sync skipped.", result.Message)

	runs, err := state.RecentSyncRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, model.StatusSkipped, runs[0].Status)
	require.Equal(t, model.TriggerManual, runs[0].Trigger)
}

func TestRunImportsIntakeEventToUserLayer(t *testing.T) {
	dav := newFakeDAV(managedCalendars()...)
	dav.seed("intake-1", &model.Event{
		UID:     "abc",
		Summary: "Gym",
		Start:   tomorrowAt(18),
		End:     tomorrowAt(19),
	})
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)
	require.Contains(t, result.Message, "Processed 1 events")
	require.Contains(t, result.Message, "run_id=")

	require.Equal(t, 0, dav.count("intake-1"), "intake drains on import")

	userUID := model.StagingUID("intake-1", "abc")
	twin := dav.get("user-1", userUID)
	require.NotNil(t, twin)
	require.Equal(t, "Gym", twin.Summary)
	require.Equal(t, model.SourceUser, twin.Source)
	require.Equal(t, "intake-1", twin.OriginalCalendarID)
	require.Equal(t, "abc", twin.OriginalUID)
	_, ok := model.ParseTaskBlock(twin.Description)
	require.True(t, ok, "user twin carries a task block after normalization")

	mirror := dav.get("stage-1", userUID)
	require.NotNil(t, mirror, "stage mirrors the user layer under the same uid")
	require.Equal(t, model.SourceStaging, mirror.Source)
	require.Equal(t, model.EventFingerprint(twin), model.EventFingerprint(mirror))

	imported := state.firstAudit("import_intake_event_to_user_layer")
	require.NotNil(t, imported)
	require.Equal(t, userUID, imported.Details["mapped_user_uid"])
	require.Equal(t, true, imported.Details["delete_ok"])
}

func TestRunAppliesPlannerChangeUnderIntent(t *testing.T) {
	defaults := model.TaskDefaults{EditableFields: []string{"start", "end"}}
	description, _, _ := model.SetTaskUserIntent("Leg day", defaults, "move earlier by 30 min", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	dav := newFakeDAV(append(managedCalendars(), model.CalendarInfo{ID: "personal-cal", Name: "Personal"})...)
	dav.seed("personal-cal", &model.Event{
		UID:         "ev-gym",
		Summary:     "Gym",
		Description: description,
		Start:       tomorrowAt(18),
		End:         tomorrowAt(19),
	})

	api := &fakePlanner{configured: true, changes: []any{map[string]any{
		"calendar_id": "personal-cal",
		"uid":         "ev-gym",
		"start":       tomorrowAt(17).Add(30 * time.Minute).Format(time.RFC3339),
		"end":         tomorrowAt(18).Add(30 * time.Minute).Format(time.RFC3339),
		"summary":     "Hacked",
		"reason":      "tighten the morning",
	}}}
	eng, state := newTestEngine(t, dav, api, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)
	require.Equal(t, 1, result.ChangesApplied)
	require.Equal(t, 0, result.Conflicts)
	require.Equal(t, 1, api.callCount())

	userUID := model.StagingUID("personal-cal", "ev-gym")
	twin := dav.get("user-1", userUID)
	require.NotNil(t, twin)
	require.True(t, twin.Start.Equal(tomorrowAt(17).Add(30*time.Minute)))
	require.True(t, twin.End.Equal(tomorrowAt(18).Add(30*time.Minute)))
	require.Equal(t, "Gym", twin.Summary, "summary is outside editable_fields")
	require.False(t, model.HasUserIntent(twin.Description), "intent is consumed after apply")

	blocked := state.firstAudit("ai_change_blocked_by_editable_fields")
	require.NotNil(t, blocked)
	require.Equal(t, []string{"summary"}, blocked.Details["blocked_fields"])
	require.Equal(t, []string{"start", "end"}, blocked.Details["editable_fields"])

	applied := state.firstAudit("apply_ai_change")
	require.NotNil(t, applied)
	require.Equal(t, "user-1", applied.CalendarID)
	require.Equal(t, userUID, applied.UID)
	require.Equal(t, "tighten the morning", applied.Details["reason"])
	require.Equal(t, "general", applied.Details["category"])
	// The category line lands in the task block before the patch is taken,
	// so the description counts as a changed field alongside start/end.
	require.Equal(t, []string{"start", "end", "description"}, applied.Details["fields"])
	require.NotEmpty(t, applied.Details["patch"])
	require.NotNil(t, applied.Details["before_event"])
	require.NotNil(t, applied.Details["after_event"])

	mirror := dav.get("stage-1", userUID)
	require.NotNil(t, mirror)
	require.Equal(t, model.EventFingerprint(twin), model.EventFingerprint(mirror))

	// The source event keeps its own schedule; only the twin moved.
	source := dav.get("personal-cal", "ev-gym")
	require.True(t, source.Start.Equal(tomorrowAt(18)))
}

func TestRunConflictsOnLockedCalendar(t *testing.T) {
	dav := newFakeDAV(append(managedCalendars(), model.CalendarInfo{ID: "personal-cal", Name: "Personal"})...)
	dav.seed("personal-cal", &model.Event{
		UID:     "ev-dentist",
		Summary: "Dentist",
		Start:   tomorrowAt(9),
		End:     tomorrowAt(10),
	})

	api := &fakePlanner{configured: true, changes: []any{map[string]any{
		"calendar_id": "personal-cal",
		"uid":         "ev-dentist",
		"start":       tomorrowAt(11).Format(time.RFC3339),
	}}}
	payload := davPayload()
	payload["calendar_rules"] = map[string]any{
		"per_calendar_defaults": map[string]any{
			"personal-cal": map[string]any{"locked": true},
		},
	}
	eng, state := newTestEngine(t, dav, api, payload)

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)
	require.Equal(t, 0, result.ChangesApplied)
	require.Equal(t, 1, result.Conflicts)
	require.True(t, state.hasAction(ReasonLockedOrMandatory))

	twin := dav.get("user-1", model.StagingUID("personal-cal", "ev-dentist"))
	require.NotNil(t, twin)
	require.True(t, twin.Start.Equal(tomorrowAt(9)), "locked event must not move")
}

func TestRunLeavesImmutableCalendarsUntouched(t *testing.T) {
	dav := newFakeDAV(append(managedCalendars(), model.CalendarInfo{ID: "cal-work", Name: "Work Schedule"})...)
	dav.seed("cal-work", &model.Event{
		UID:     "ev-standup",
		Summary: "Standup",
		Start:   tomorrowAt(9),
		End:     tomorrowAt(10),
	})
	before := dav.get("cal-work", "ev-standup")

	api := &fakePlanner{configured: true, changes: []any{map[string]any{
		"calendar_id": "cal-work",
		"uid":         "ev-standup",
		"start":       tomorrowAt(11).Format(time.RFC3339),
		"reason":      "push standup later",
	}}}
	eng, state := newTestEngine(t, dav, api, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)
	require.Equal(t, 0, result.ChangesApplied)
	require.Equal(t, 0, result.Conflicts)

	// The default "work" keyword marks the calendar immutable: its events
	// reach the planner payload but stay out of the mutable set.
	request := state.firstAudit("ai_request")
	require.NotNil(t, request)
	require.Equal(t, 1, request.Details["events_count"])

	unmatched := state.firstAudit("ai_change_unmatched")
	require.NotNil(t, unmatched)
	require.Equal(t, "cal-work", unmatched.Details["calendar_id"])
	require.Equal(t, "ev-standup", unmatched.Details["uid"])

	after := dav.get("cal-work", "ev-standup")
	require.Equal(t, before.ETag, after.ETag, "immutable events are never rewritten")
	require.True(t, after.Start.Equal(tomorrowAt(9)))
	require.Equal(t, 0, dav.count("user-1"), "immutable events get no user twin")
}

func TestRunConsumesIntentOnRestatedChange(t *testing.T) {
	defaults := model.TaskDefaults{EditableFields: []string{"start", "end"}}
	description, _, _ := model.SetTaskUserIntent("Leg day", defaults, "keep the evening slot", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	dav := newFakeDAV(append(managedCalendars(), model.CalendarInfo{ID: "personal-cal", Name: "Personal"})...)
	dav.seed("personal-cal", &model.Event{
		UID:         "ev-gym",
		Summary:     "Gym",
		Description: description,
		Start:       tomorrowAt(18),
		End:         tomorrowAt(19),
	})

	api := &fakePlanner{configured: true, changes: []any{map[string]any{
		"calendar_id": "personal-cal",
		"uid":         "ev-gym",
		"start":       tomorrowAt(18).Format(time.RFC3339),
		"end":         tomorrowAt(19).Format(time.RFC3339),
		"reason":      "already in the right slot",
	}}}
	eng, state := newTestEngine(t, dav, api, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)
	require.Equal(t, 0, result.ChangesApplied)
	require.Equal(t, 0, result.Conflicts)
	require.True(t, state.hasAction("ai_change_skipped_no_effect"))
	require.False(t, state.hasAction("apply_ai_change"))

	twin := dav.get("user-1", model.StagingUID("personal-cal", "ev-gym"))
	require.NotNil(t, twin)
	require.True(t, twin.Start.Equal(tomorrowAt(18)))
	require.False(t, model.HasUserIntent(twin.Description), "a no-op answer still consumes the intent")
}

func TestScheduledRunSkipsPlannerOnIdenticalPayload(t *testing.T) {
	description, _, _ := model.EnsureTaskBlock("Morning jog", model.TaskDefaults{
		EditableFields: append([]string(nil), model.AllowedEditableFields...),
	}, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	dav := newFakeDAV(append(managedCalendars(), model.CalendarInfo{ID: "personal-cal", Name: "Personal"})...)
	dav.seed("personal-cal", &model.Event{
		UID:         "ev-jog",
		Summary:     "Jog",
		Description: description,
		Start:       tomorrowAt(7),
		End:         tomorrowAt(8),
	})

	api := &fakePlanner{configured: true, changes: []any{}}
	eng, state := newTestEngine(t, dav, api, davPayload())

	first := eng.RunOnce(context.Background(), model.TriggerScheduled, nil, nil)
	require.Equal(t, model.StatusSuccess, first.Status)
	require.Equal(t, 1, api.callCount(), "seeding a twin forces the first plan")

	second := eng.RunOnce(context.Background(), model.TriggerScheduled, nil, nil)
	require.Equal(t, model.StatusSuccess, second.Status)
	require.Equal(t, 0, second.ChangesApplied)
	require.Equal(t, 1, api.callCount(), "identical payload must not call the planner again")
	require.True(t, state.hasAction("skip_ai_same_payload"))

	// A manual run ignores the fingerprint gate.
	eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, 2, api.callCount())
}

func TestRunPurgesNestedUserUID(t *testing.T) {
	collapsed := model.StagingUID("personal-cal", "abc")
	nested := "aaaaaaaaaa:" + collapsed

	dav := newFakeDAV(managedCalendars()...)
	dav.seed("user-1", &model.Event{UID: collapsed, Summary: "Keep", Start: tomorrowAt(10), End: tomorrowAt(11)})
	dav.seed("user-1", &model.Event{UID: nested, Summary: "Stale", Start: tomorrowAt(10), End: tomorrowAt(11)})
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)

	require.Nil(t, dav.get("user-1", nested), "nested uid is purged")
	require.NotNil(t, dav.get("user-1", collapsed))

	purge := state.firstAudit("purge_nested_user_uid")
	require.NotNil(t, purge)
	require.Equal(t, nested, purge.UID)
	require.Equal(t, collapsed, purge.Details["collapsed_uid"])
}

func TestRunCollapsesNestedUserUIDWithoutTwin(t *testing.T) {
	collapsed := model.StagingUID("personal-cal", "xyz")
	nested := "bbbbbbbbbb:" + collapsed

	dav := newFakeDAV(managedCalendars()...)
	dav.seed("user-1", &model.Event{UID: nested, Summary: "Orphan", Start: tomorrowAt(10), End: tomorrowAt(11)})
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)

	require.Nil(t, dav.get("user-1", nested))
	migrated := dav.get("user-1", collapsed)
	require.NotNil(t, migrated, "orphan nested uid migrates to its collapsed form")
	require.Equal(t, "Orphan", migrated.Summary)
	require.True(t, state.hasAction("collapse_nested_user_uid"))
}

func TestRunRepairsStageDuplicate(t *testing.T) {
	uid := model.StagingUID("intake-1", "abc")

	dav := newFakeDAV(managedCalendars()...)
	dav.seed("intake-1", &model.Event{UID: "abc", Summary: "Gym", Start: tomorrowAt(18), End: tomorrowAt(19)})
	dav.seed("stage-1", &model.Event{UID: uid, Summary: "Squatter", Start: tomorrowAt(18), End: tomorrowAt(19)})
	dav.failUpsert("stage-1", uid, errors.New("Duplicate entry for uid"))
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)

	repair := state.firstAudit("repair_stage_duplicate_uid")
	require.NotNil(t, repair)
	require.Equal(t, true, repair.Details["delete_ok"])
	require.False(t, state.hasAction("skip_stage_mirror_after_duplicate"))

	mirror := dav.get("stage-1", uid)
	require.NotNil(t, mirror)
	require.Equal(t, "Gym", mirror.Summary, "retry lands the real twin")
}

func TestRunSkipsStageMirrorWhenRepairFails(t *testing.T) {
	uid := model.StagingUID("intake-1", "abc")

	dav := newFakeDAV(managedCalendars()...)
	dav.seed("intake-1", &model.Event{UID: "abc", Summary: "Gym", Start: tomorrowAt(18), End: tomorrowAt(19)})
	dav.seed("stage-1", &model.Event{UID: uid, Summary: "Squatter", Start: tomorrowAt(18), End: tomorrowAt(19)})
	dav.failUpsert("stage-1", uid,
		errors.New("Duplicate entry for uid"),
		errors.New("Duplicate entry for uid"))
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status, "a stuck mirror never fails the run")

	skip := state.firstAudit("skip_stage_mirror_after_duplicate")
	require.NotNil(t, skip)
	require.Contains(t, skip.Details["error"], "Duplicate entry")
}

func TestRunFlagsUnverifiedDuplicateCalendar(t *testing.T) {
	dup := model.CalendarInfo{ID: "user-dup", Name: config.DefaultUserCalendarName}
	dav := newFakeDAV(append(managedCalendars(), dup)...)
	dav.seed("user-dup", &model.Event{UID: "keep-me", Summary: "Keep", Start: tomorrowAt(10), End: tomorrowAt(11)})
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)

	require.True(t, state.hasAction("skip_managed_duplicate_calendar"))
	warn := state.firstAudit("warn_unverified_duplicate_user_calendar")
	require.NotNil(t, warn)
	require.Equal(t, "calendar_id_not_previously_managed", warn.Details["reason"])
	require.Equal(t, 1, dav.count("user-dup"), "events on unverified duplicates are left alone")
}

func TestRunPurgesKnownDuplicateCalendar(t *testing.T) {
	dup := model.CalendarInfo{ID: "user-dup", Name: config.DefaultUserCalendarName}
	dav := newFakeDAV(append(managedCalendars(), dup)...)
	dav.seed("user-dup", &model.Event{UID: "stale", Summary: "Stale", Start: tomorrowAt(10), End: tomorrowAt(11)})
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	// The duplicate was created by this system in some earlier run.
	require.NoError(t, storage.RememberManagedCalendarIDs(context.Background(), state, "user-dup"))

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)

	require.Equal(t, 0, dav.count("user-dup"), "known duplicates are drained")
	purge := state.firstAudit("purge_duplicate_user_calendar_event")
	require.NotNil(t, purge)
	require.Equal(t, true, purge.Details["delete_ok"])
}

func TestRunWindowOverrides(t *testing.T) {
	dav := newFakeDAV(managedCalendars()...)
	eng, state := newTestEngine(t, dav, &fakePlanner{}, davPayload())

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)
	result := eng.RunOnce(context.Background(), model.TriggerManualWindow, &start, &end)
	require.Equal(t, model.StatusSuccess, result.Status)
	require.True(t, dav.windowStart.Equal(start))
	require.True(t, dav.windowEnd.Equal(end))

	// End before start is rejected and recorded as an error run.
	result = eng.RunOnce(context.Background(), model.TriggerManualWindow, &end, &start)
	require.Equal(t, model.StatusError, result.Status)
	require.Contains(t, result.Message, "window end override is earlier")
	require.True(t, state.hasAction("run_error"))

	// Overrides come in pairs.
	result = eng.RunOnce(context.Background(), model.TriggerManualWindow, &start, nil)
	require.Equal(t, model.StatusError, result.Status)
	require.Contains(t, result.Message, "must both be provided")
}

func TestRunRecoversFromPlannerPanic(t *testing.T) {
	dav := newFakeDAV(managedCalendars()...)
	dav.seed("intake-1", &model.Event{UID: "abc", Summary: "Gym", Start: tomorrowAt(18), End: tomorrowAt(19)})
	api := &fakePlanner{configured: true, panicMsg: "planner exploded"}
	eng, state := newTestEngine(t, dav, api, davPayload())

	result := eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusError, result.Status)
	require.Contains(t, result.Message, "planner exploded")

	failure := state.firstAudit("run_error")
	require.NotNil(t, failure)
	require.NotEmpty(t, failure.Details["stack"], "panics record a stack for the audit log")

	// The engine stays usable for the next trigger.
	api.panicMsg = ""
	api.changes = []any{}
	result = eng.RunOnce(context.Background(), model.TriggerManual, nil, nil)
	require.Equal(t, model.StatusSuccess, result.Status)
}
