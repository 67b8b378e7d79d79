package router

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BlackWatch0/avocado/internal/caldav"
	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// New assembles the admin mux. The dashboard and health probe stay open,
// everything under /api/ goes through the auth chain, and /metrics serves
// the Prometheus registry directly so scrapers skip auth too.
func New(d Deps) http.Handler {
	r := &Router{
		cfg:       d.Config,
		state:     d.State,
		engine:    d.Engine,
		scheduler: d.Scheduler,
		dav:       d.CalDAV,
		planner:   d.Planner,
		metrics:   d.Metrics,
		auth:      d.Auth,
		logger:    d.Logger.With().Str("component", "admin").Logger(),
	}

	api := http.NewServeMux()
	api.HandleFunc("/api/config", r.handleConfig)
	api.HandleFunc("/api/config/raw", r.handleConfigRaw)
	api.HandleFunc("/api/calendars", r.handleCalendars)
	api.HandleFunc("/api/calendar-rules", r.handleCalendarRules)
	api.HandleFunc("/api/sync/run", r.handleSyncRun)
	api.HandleFunc("/api/sync/run-window", r.handleSyncRunWindow)
	api.HandleFunc("/api/sync/status", r.handleSyncStatus)
	api.HandleFunc("/api/audit/events", r.handleAuditEvents)
	api.HandleFunc("/api/ai/test", r.handleAITest)
	api.HandleFunc("/api/ai/changes", r.handleAIChanges)
	api.HandleFunc("/api/ai/changes/undo", r.handleAIChangeUndo)
	api.HandleFunc("/api/ai/changes/revise", r.handleAIChangeRevise)
	api.HandleFunc("/api/metrics/ai-request-bytes", r.handleAIRequestBytes)

	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handleDashboard)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.Handle("/api/", r.auth.Middleware(api))
	mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.Registry, promhttp.HandlerOpts{}))

	return r.accessLog(mux)
}

func (r *Router) handleDashboard(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig serves the masked document on GET and deep-merges an update on
// PUT. Blank or "***" secrets in the update never wipe stored credentials;
// the response carries the raw updated document so the UI reflects exactly
// what was persisted.
func (r *Router) handleConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		masked, err := r.cfg.Masked()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, masked)
	case http.MethodPut:
		var body struct {
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.Payload == nil {
			writeError(w, http.StatusBadRequest, "payload must be an object")
			return
		}
		current, err := r.cfg.Load()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updated, err := r.cfg.Update(config.SanitizeUpdate(body.Payload, current))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "config updated",
			"config":  updated.Map(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleConfigRaw(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg, err := r.cfg.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": config.Masked(cfg),
		"meta":   config.SecretStatus(cfg),
	})
}

// handleCalendars lists the server's calendars annotated for the rules
// editor: keyword suggestions, the current immutable selection, the staging
// marker, and copies that share a managed calendar's display name.
func (r *Router) handleCalendars(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg, err := r.cfg.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rules := cfg.CalendarRules
	svc := r.dav(cfg.CalDAV)
	calendars, err := svc.ListCalendars(req.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	suggested := caldav.SuggestImmutableCalendarIDs(calendars, rules.ImmutableKeywords)
	selected := make(map[string]bool, len(rules.ImmutableCalendarIDs))
	for _, id := range rules.ImmutableCalendarIDs {
		selected[id] = true
	}

	managed := []managedCalendar{
		{"user", rules.UserCalendarID, rules.UserCalendarName},
		{"stage", rules.StagingCalendarID, rules.StagingCalendarName},
		{"intake", rules.IntakeCalendarID, rules.IntakeCalendarName},
	}

	rows := make([]map[string]any, 0, len(calendars))
	for _, cal := range calendars {
		role := duplicateRole(cal, managed)
		rows = append(rows, map[string]any{
			"calendar_id":            cal.ID,
			"name":                   cal.Name,
			"url":                    cal.URL,
			"immutable_suggested":    suggested[cal.ID],
			"immutable_selected":     selected[cal.ID],
			"is_staging":             cal.ID == rules.StagingCalendarID,
			"managed_duplicate":      role != "",
			"managed_duplicate_role": role,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": rows})
}

type managedCalendar struct {
	role string
	id   string
	name string
}

// duplicateRole reports which managed calendar this one duplicates by name,
// or "" when it is a managed calendar itself or unrelated. Name matching
// mirrors the engine: exact after normalization, or "name (2)"-style copies.
func duplicateRole(cal model.CalendarInfo, managed []managedCalendar) string {
	for _, entry := range managed {
		if entry.id != "" && cal.ID == entry.id {
			return ""
		}
	}
	name := caldav.NormalizeCalendarName(cal.Name)
	for _, entry := range managed {
		key := caldav.NormalizeCalendarName(entry.name)
		if key == "" {
			continue
		}
		if name == key || strings.HasPrefix(name, key+" ") || strings.HasPrefix(name, key+"(") {
			return entry.role
		}
	}
	return ""
}

func (r *Router) handleCalendarRules(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ImmutableKeywords    []string `json:"immutable_keywords"`
		ImmutableCalendarIDs []string `json:"immutable_calendar_ids"`
		StagingCalendarID    string   `json:"staging_calendar_id"`
		StagingCalendarName  *string  `json:"staging_calendar_name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ImmutableKeywords == nil {
		body.ImmutableKeywords = []string{}
	}
	if body.ImmutableCalendarIDs == nil {
		body.ImmutableCalendarIDs = []string{}
	}
	rules := map[string]any{
		"immutable_keywords":     body.ImmutableKeywords,
		"immutable_calendar_ids": body.ImmutableCalendarIDs,
		"staging_calendar_id":    body.StagingCalendarID,
	}
	if body.StagingCalendarName != nil {
		rules["staging_calendar_name"] = *body.StagingCalendarName
	}
	updated, err := r.cfg.Update(map[string]any{"calendar_rules": rules})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "calendar rules updated",
		"calendar_rules": updated.CalendarRules,
	})
}

func (r *Router) handleSyncRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.scheduler.TriggerManual()
	writeJSON(w, http.StatusOK, map[string]string{"message": "sync triggered"})
}

// handleSyncRunWindow runs one pass inline over an explicit window and
// returns its result, so an operator can replan a specific range without
// waiting on the scheduler.
func (r *Router) handleSyncRunWindow(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	start, err := time.Parse(time.RFC3339, body.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := time.Parse(time.RFC3339, body.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end must not be before start")
		return
	}
	result := r.engine.RunOnce(req.Context(), model.TriggerManualWindow, &start, &end)
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (r *Router) handleSyncStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runs, err := r.state.RecentSyncRuns(req.Context(), queryInt(req, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Router) handleAuditEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events, err := r.state.RecentAuditEvents(req.Context(), storage.AuditQuery{
		Limit: queryInt(req, "limit", 100),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []storage.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
