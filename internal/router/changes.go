package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/planner"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// handleAITest checks the planner endpoint with the stored settings and
// lists the models it advertises, for the settings screen's test button.
func (r *Router) handleAITest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg, err := r.cfg.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	api := r.planner(cfg.AI)
	ok, message := api.TestConnectivity(req.Context())
	models := []string{}
	if found := api.ListModels(req.Context()); found != nil {
		models = found
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      ok,
		"message": message,
		"models":  models,
	})
}

// handleAIChanges lists applied planner changes from the audit trail. Rows
// recorded before patches were captured carry nothing to render or undo, so
// they are hidden.
func (r *Router) handleAIChanges(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	events, err := r.state.RecentAuditEvents(req.Context(), storage.AuditQuery{
		Limit:  queryInt(req, "limit", 50),
		Action: "apply_ai_change",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	changes := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		patch, _ := ev.Details["patch"].([]any)
		if len(patch) == 0 {
			continue
		}
		fields := stringList(ev.Details["fields"])
		reason := strings.TrimSpace(asString(ev.Details["reason"]))
		if reason == "" && len(fields) > 0 {
			reason = "AI adjusted fields: " + strings.Join(fields, ", ")
		}
		changes = append(changes, map[string]any{
			"id":           ev.ID,
			"run_id":       ev.RunID,
			"created_at":   ev.CreatedAt,
			"calendar_id":  ev.CalendarID,
			"uid":          ev.UID,
			"title":        asString(ev.Details["title"]),
			"reason":       reason,
			"start":        asString(ev.Details["start"]),
			"end":          asString(ev.Details["end"]),
			"fields":       fields,
			"patch":        patch,
			"before_event": ev.Details["before_event"],
			"after_event":  ev.Details["after_event"],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

// handleAIChangeUndo restores the pre-change snapshot of an applied planner
// change. When the audit recorded the post-change version token, a live
// event that has since moved on wins: the undo is refused with a conflict.
func (r *Router) handleAIChangeUndo(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		AuditID int64 `json:"audit_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	audit, err := r.state.GetAuditEvent(req.Context(), body.AuditID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if audit == nil || audit.Action != "apply_ai_change" {
		writeError(w, http.StatusNotFound, "audit event not found")
		return
	}
	beforeMap, ok := audit.Details["before_event"].(map[string]any)
	if !ok {
		writeError(w, http.StatusBadRequest, "audit event has no before_event snapshot")
		return
	}
	before := eventFromPayload(beforeMap)
	if before.CalendarID == "" || before.UID == "" {
		writeError(w, http.StatusBadRequest, "before_event snapshot is incomplete")
		return
	}

	cfg, err := r.cfg.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	svc := r.dav(cfg.CalDAV)

	expected := ""
	if after, ok := audit.Details["after_event"].(map[string]any); ok {
		expected = asString(after["etag"])
	}
	if expected != "" {
		live, err := svc.GetEventByUID(req.Context(), before.CalendarID, before.UID)
		if err == nil && live != nil {
			if live.ETag != "" && live.ETag != expected {
				writeError(w, http.StatusConflict, "version conflict: event changed since this AI change")
				return
			}
			if live.Href != "" {
				before.Href = live.Href
			}
		}
	}

	saved, err := svc.UpsertEvent(req.Context(), before.CalendarID, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "restore event: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "undo applied",
		"event":   planner.EventPayload(saved),
	})
}

// handleAIChangeRevise writes an operator instruction into the live event's
// task block and kicks off a run, so the next plan revisits the change.
func (r *Router) handleAIChangeRevise(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		AuditID     int64  `json:"audit_id"`
		Instruction string `json:"instruction"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	instruction := strings.TrimSpace(body.Instruction)
	if instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction required")
		return
	}
	audit, err := r.state.GetAuditEvent(req.Context(), body.AuditID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if audit == nil || audit.Action != "apply_ai_change" {
		writeError(w, http.StatusNotFound, "audit event not found")
		return
	}

	cfg, err := r.cfg.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	svc := r.dav(cfg.CalDAV)
	live, err := svc.GetEventByUID(req.Context(), audit.CalendarID, audit.UID)
	if err != nil || live == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	desc, _, _ := model.SetTaskUserIntent(live.Description, cfg.TaskDefaults, instruction, time.Now().UTC())
	live.Description = desc
	if _, err := svc.UpsertEvent(req.Context(), audit.CalendarID, live); err != nil {
		writeError(w, http.StatusInternalServerError, "save revision: "+err.Error())
		return
	}
	r.scheduler.TriggerManual()
	writeJSON(w, http.StatusOK, map[string]string{"message": "revision scheduled"})
}

func (r *Router) handleAIRequestBytes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	days := queryInt(req, "days", 30)
	points, err := r.state.AIRequestBytesSeries(req.Context(), days, queryInt(req, "limit", 500))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if points == nil {
		points = []storage.RequestBytesPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "points": points})
}

// eventFromPayload rebuilds an event from the object shape audit details and
// planner payloads use. Unparseable times read as zero.
func eventFromPayload(m map[string]any) *model.Event {
	ev := &model.Event{
		CalendarID:         asString(m["calendar_id"]),
		UID:                asString(m["uid"]),
		Summary:            asString(m["summary"]),
		Description:        asString(m["description"]),
		Location:           asString(m["location"]),
		Href:               asString(m["href"]),
		ETag:               asString(m["etag"]),
		Source:             asString(m["source"]),
		OriginalCalendarID: asString(m["original_calendar_id"]),
		OriginalUID:        asString(m["original_uid"]),
	}
	ev.AllDay, _ = m["all_day"].(bool)
	ev.Locked, _ = m["locked"].(bool)
	ev.Mandatory, _ = m["mandatory"].(bool)
	if t, err := time.Parse(time.RFC3339, asString(m["start"])); err == nil {
		ev.Start = t
	}
	if t, err := time.Parse(time.RFC3339, asString(m["end"])); err == nil {
		ev.End = t
	}
	return ev
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
