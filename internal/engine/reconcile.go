package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/planner"
)

// Conflict reasons double as audit actions so every rejection kind stays
// queryable on its own.
const (
	ReasonLockedOrMandatory = "event_locked_or_mandatory"
	ReasonInvalidDatetime   = "invalid_datetime"
	ReasonUserModified      = "user_modified_after_planning"
	ReasonNoIntent          = "no_intent"
)

// Outcome is the result of applying one planner change to one event. Exactly
// one of Applied, Conflicted and Skipped is set, except that a no-op apply
// leaves all three false. BlockedFields is populated independently.
type Outcome struct {
	Applied       bool
	Conflicted    bool
	Skipped       bool
	Reason        string
	Event         *model.Event
	BlockedFields []string
}

// ApplyChange gates one change against the event's policy and version state
// and, when permitted, produces the updated copy. It never writes; the caller
// persists Outcome.Event when Applied is set.
//
// Gate order: locked/mandatory, editable-fields recording, intent, datetime
// parsing, baseline etag, field diff. Blocked fields are recorded before the
// intent gate so a denied change still reports what it tried to touch.
func ApplyChange(current *model.Event, change planner.Change, baselineETag string, editableFields []string, hasIntent bool) Outcome {
	if current.Locked || current.Mandatory {
		return Outcome{Conflicted: true, Reason: ReasonLockedOrMandatory, Event: current}
	}

	allowed := make(map[string]bool, len(editableFields))
	for _, field := range editableFields {
		allowed[field] = true
	}
	var blocked []string
	for _, field := range change.RequestedFields() {
		if !allowed[field] {
			blocked = append(blocked, field)
		}
	}

	if !hasIntent {
		return Outcome{Skipped: true, Reason: ReasonNoIntent, Event: current, BlockedFields: blocked}
	}

	parsed := map[string]time.Time{}
	for field, value := range map[string]*string{"start": change.Start, "end": change.End} {
		if value == nil {
			continue
		}
		t, err := parseISO(*value)
		if err != nil {
			return Outcome{Conflicted: true, Reason: ReasonInvalidDatetime, Event: current, BlockedFields: blocked}
		}
		parsed[field] = t
	}

	if baselineETag != "" && current.ETag != "" && baselineETag != current.ETag {
		return Outcome{Conflicted: true, Reason: ReasonUserModified, Event: current, BlockedFields: blocked}
	}

	updated := current.Clone()
	appliedAny := false
	for _, field := range model.AllowedEditableFields {
		if !allowed[field] {
			continue
		}
		switch field {
		case "start":
			if t, ok := parsed["start"]; ok && !updated.Start.Equal(t) {
				updated.Start = t
				appliedAny = true
			}
		case "end":
			if t, ok := parsed["end"]; ok && !updated.End.Equal(t) {
				updated.End = t
				appliedAny = true
			}
		case "summary":
			if change.Summary != nil && updated.Summary != *change.Summary {
				updated.Summary = *change.Summary
				appliedAny = true
			}
		case "location":
			if change.Location != nil && updated.Location != *change.Location {
				updated.Location = *change.Location
				appliedAny = true
			}
		case "description":
			if change.Description != nil && updated.Description != *change.Description {
				updated.Description = *change.Description
				appliedAny = true
			}
		}
	}

	return Outcome{Applied: appliedAny, Event: updated, BlockedFields: blocked}
}

// parseISO accepts the datetime shapes planners actually emit: RFC 3339 with
// an offset, the same without one, and a bare date. Naive values are read as
// UTC.
func parseISO(value string) (time.Time, error) {
	text := strings.TrimSpace(value)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", text)
}

var categoryKeywords = []struct {
	name     string
	keywords []string
}{
	{"study", []string{"class", "课程", "lecture", "school", "study"}},
	{"meeting", []string{"meeting", "会议", "sync", "review", "standup"}},
	{"health", []string{"gym", "workout", "exercise", "健身", "跑步"}},
	{"travel", []string{"travel", "trip", "flight", "出行", "航班"}},
	{"family", []string{"family", "home", "家庭", "父母"}},
}

// inferCategory scans the change plus the event's visible text for a small
// closed vocabulary. Unknown content lands in "general".
func inferCategory(ev *model.Event, change planner.Change) string {
	summary := ev.Summary
	if change.Summary != nil {
		summary = *change.Summary
	}
	description := ev.Description
	if change.Description != nil {
		description = *change.Description
	}
	category := ""
	if change.Category != nil {
		category = *change.Category
	}
	reason := ""
	if change.Reason != nil {
		reason = *change.Reason
	}
	text := strings.ToLower(strings.Join([]string{category, summary, description, reason}, " "))
	for _, group := range categoryKeywords {
		for _, keyword := range group.keywords {
			if strings.Contains(text, keyword) {
				return group.name
			}
		}
	}
	return "general"
}

// patchedFields is the diff order shown in apply audits and the admin UI.
var patchedFields = []string{"summary", "start", "end", "location", "description"}

// eventPatch lists the visible fields that differ between two versions of an
// event, instants rendered as UTC RFC 3339.
func eventPatch(before, after *model.Event) []map[string]string {
	var patches []map[string]string
	for _, field := range patchedFields {
		var beforeValue, afterValue string
		switch field {
		case "summary":
			beforeValue, afterValue = before.Summary, after.Summary
		case "start":
			beforeValue, afterValue = model.SerializeTime(before.Start), model.SerializeTime(after.Start)
		case "end":
			beforeValue, afterValue = model.SerializeTime(before.End), model.SerializeTime(after.End)
		case "location":
			beforeValue, afterValue = before.Location, after.Location
		case "description":
			beforeValue, afterValue = before.Description, after.Description
		}
		if beforeValue != afterValue {
			patches = append(patches, map[string]string{
				"field":  field,
				"before": beforeValue,
				"after":  afterValue,
			})
		}
	}
	return patches
}

func patchFieldNames(patches []map[string]string) []string {
	names := make([]string, 0, len(patches))
	for _, patch := range patches {
		names = append(names, patch["field"])
	}
	return names
}
