// Package engine reconciles the three managed calendar layers and applies
// planner-proposed edits under version and policy gates. One RunOnce call is
// the smallest unit of work; runs never overlap.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BlackWatch0/avocado/internal/caldav"
	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/metrics"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/planner"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// CalDAVFactory builds a fresh CalDAV client for one run so no connection or
// cache state leaks between runs.
type CalDAVFactory func(config.CalDAVConfig) caldav.Service

// PlannerFactory builds the planner client for one run from the live config.
type PlannerFactory func(config.AIConfig) planner.API

const metaLastPayloadFingerprint = "last_planning_payload_fingerprint"

// duplicateUIDMarkers are the backend error fragments that identify a
// duplicate-UID write: MariaDB and Baïkal index violations, plus the 412 a
// server answers to an If-None-Match create that lost a race.
var duplicateUIDMarkers = []string{
	"Duplicate entry",
	"Integrity constraint violation",
	"calobjects_by_uid_index",
	"precondition failed",
}

func isDuplicateUIDError(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	for _, marker := range duplicateUIDMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

type Engine struct {
	cfg     *config.Store
	state   storage.Store
	dav     CalDAVFactory
	planner PlannerFactory
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// runMu serializes RunOnce: scheduler ticks and admin triggers must
	// never reconcile concurrently.
	runMu sync.Mutex
}

func New(cfg *config.Store, state storage.Store, dav CalDAVFactory, plannerFactory PlannerFactory, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		state:   state,
		dav:     dav,
		planner: plannerFactory,
		metrics: m,
		logger:  logger,
	}
}

type eventKey struct {
	calendarID string
	uid        string
}

// run is the working state of one reconciliation pass.
type run struct {
	trigger             string
	startedAt           time.Time
	windowStartOverride *time.Time
	windowEndOverride   *time.Time

	cfg config.Config
	dav caldav.Service

	calendars    []model.CalendarInfo
	staging      model.CalendarInfo
	user         model.CalendarInfo
	intake       model.CalendarInfo
	managedIDs   map[string]bool
	immutableIDs map[string]bool

	windowStart time.Time
	windowEnd   time.Time

	replan    bool
	stageMap  map[string]*model.Event
	userMap   map[string]*model.Event
	seenStage map[string]bool

	allEvents    []*model.Event
	mutable      map[eventKey]*model.Event
	mutableOrder []eventKey
	baseline     map[eventKey]string

	applied     int
	conflicts   int
	changeCount int
	stack       string
}

// RunOnce executes one full reconciliation pass and always returns a result;
// failures are recorded as an error run rather than propagated.
func (e *Engine) RunOnce(ctx context.Context, trigger string, windowStart, windowEnd *time.Time) model.SyncResult {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	r := &run{
		trigger:             trigger,
		startedAt:           time.Now().UTC(),
		windowStartOverride: windowStart,
		windowEndOverride:   windowEnd,
		managedIDs:          map[string]bool{},
		immutableIDs:        map[string]bool{},
		stageMap:            map[string]*model.Event{},
		userMap:             map[string]*model.Event{},
		seenStage:           map[string]bool{},
		mutable:             map[eventKey]*model.Event{},
		baseline:            map[eventKey]string{},
	}
	e.logger.Info().Str("trigger", trigger).Msg("sync run started")

	result, err := e.execute(ctx, r)
	if err != nil {
		result = e.recordFailedRun(ctx, r, err)
	}
	e.metrics.ObserveRun(result)
	e.logger.Info().
		Str("trigger", trigger).
		Str("status", result.Status).
		Int("changes_applied", result.ChangesApplied).
		Int("conflicts", result.Conflicts).
		Int64("duration_ms", result.DurationMS).
		Msg("sync run finished")
	return result
}

// execute turns panics into errors so one bad event cannot take the
// scheduler loop down with it.
func (e *Engine) execute(ctx context.Context, r *run) (result model.SyncResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			r.stack = boundedStack()
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return e.run(ctx, r)
}

func (e *Engine) run(ctx context.Context, r *run) (model.SyncResult, error) {
	cfg, err := e.cfg.Load()
	if err != nil {
		return model.SyncResult{}, err
	}
	r.cfg = cfg

	if cfg.CalDAV.BaseURL == "" || cfg.CalDAV.Username == "" {
		message := "CalDAV config missing base_url/username. Sync skipped."
		result := r.result(model.StatusSkipped, message)
		if _, err := e.recordRun(ctx, r, result); err != nil {
			return model.SyncResult{}, err
		}
		return result, nil
	}

	r.dav = e.dav(cfg.CalDAV)

	if err := e.ensureLayers(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.classifyCalendars(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := r.resolveWindow(); err != nil {
		return model.SyncResult{}, err
	}
	r.replan = r.trigger == model.TriggerManual || r.trigger == model.TriggerStartup

	if err := e.purgeDuplicateCalendars(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.stageHygiene(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.userHygiene(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.importIntake(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.seedSources(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.prepareUserLayer(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.planAndReconcile(ctx, r); err != nil {
		return model.SyncResult{}, err
	}
	if err := e.mirrorStage(ctx, r); err != nil {
		return model.SyncResult{}, err
	}

	message := fmt.Sprintf("Processed %d events, %d AI changes.", len(r.allEvents), r.changeCount)
	result := r.result(model.StatusSuccess, message)
	runID, err := e.recordRun(ctx, r, result)
	if err != nil {
		return model.SyncResult{}, err
	}
	result.Message = fmt.Sprintf("%s run_id=%d", message, runID)
	return result, nil
}

// resolveWindow validates the override pair or falls back to the configured
// window anchored at today.
func (r *run) resolveWindow() error {
	if (r.windowStartOverride == nil) != (r.windowEndOverride == nil) {
		return fmt.Errorf("window start and end overrides must both be provided")
	}
	if r.windowStartOverride != nil {
		start := r.windowStartOverride.UTC()
		end := r.windowEndOverride.UTC()
		if end.Before(start) {
			return fmt.Errorf("window end override is earlier than window start override")
		}
		r.windowStart, r.windowEnd = start, end
		return nil
	}
	r.windowStart, r.windowEnd = model.PlanningWindow(time.Now().UTC(), r.cfg.Sync.WindowDays)
	return nil
}

func (r *run) result(status, message string) model.SyncResult {
	return model.SyncResult{
		Status:         status,
		Message:        message,
		DurationMS:     time.Since(r.startedAt).Milliseconds(),
		ChangesApplied: r.applied,
		Conflicts:      r.conflicts,
		Trigger:        r.trigger,
		RunAt:          r.startedAt,
	}
}

func (e *Engine) recordRun(ctx context.Context, r *run, result model.SyncResult) (int64, error) {
	return e.state.RecordSyncRun(context.WithoutCancel(ctx), storage.SyncRun{
		RunAt:          r.startedAt,
		Trigger:        r.trigger,
		Status:         result.Status,
		Message:        result.Message,
		DurationMS:     result.DurationMS,
		ChangesApplied: result.ChangesApplied,
		Conflicts:      result.Conflicts,
	})
}

// recordFailedRun persists the error outcome. Recording uses a detached
// context so a cancelled run still leaves its trace.
func (e *Engine) recordFailedRun(ctx context.Context, r *run, runErr error) model.SyncResult {
	result := r.result(model.StatusError, runErr.Error())
	if _, err := e.recordRun(ctx, r, result); err != nil {
		e.logger.Error().Err(err).Msg("failed to record error run")
	}
	details := map[string]any{
		"trigger": r.trigger,
		"error":   runErr.Error(),
	}
	if r.stack != "" {
		details["stack"] = r.stack
	}
	e.audit(ctx, "system", "sync", "run_error", details)
	e.logger.Error().Err(runErr).Str("trigger", r.trigger).Msg("sync run failed")
	return result
}

// audit records one action against an event or calendar. Audit writes are
// best effort: a failed insert is logged and must not abort reconciliation.
func (e *Engine) audit(ctx context.Context, calendarID, uid, action string, details map[string]any) {
	_, err := e.state.RecordAuditEvent(context.WithoutCancel(ctx), storage.AuditEvent{
		CalendarID: calendarID,
		UID:        uid,
		Action:     action,
		Details:    details,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("action", action).Msg("failed to record audit event")
	}
}

func boundedStack() string {
	stack := debug.Stack()
	if len(stack) > 8192 {
		stack = stack[:8192]
	}
	return string(stack)
}
