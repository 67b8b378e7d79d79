// Package planner builds the scheduling payload sent to the language model
// and normalizes what comes back into typed change proposals.
package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/model"
)

// Change is one edit the planner proposes. Optional fields stay nil when the
// model did not mention them; empty string means "clear the field".
type Change struct {
	CalendarID  string  `json:"calendar_id"`
	UID         string  `json:"uid"`
	Start       *string `json:"start,omitempty"`
	End         *string `json:"end,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	Location    *string `json:"location,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
	Reason      *string `json:"reason,omitempty"`
}

// RequestedFields lists the event fields this change asks to write, in the
// order gates evaluate them.
func (c *Change) RequestedFields() []string {
	var fields []string
	if c.Start != nil {
		fields = append(fields, "start")
	}
	if c.End != nil {
		fields = append(fields, "end")
	}
	if c.Summary != nil {
		fields = append(fields, "summary")
	}
	if c.Location != nil {
		fields = append(fields, "location")
	}
	if c.Description != nil {
		fields = append(fields, "description")
	}
	return fields
}

// BuildPayload assembles the planning document: the window, the calendars the
// model must not touch, and every event in scope.
func BuildPayload(events []*model.Event, immutableCalendarIDs []string, windowStart, windowEnd time.Time, timezone string) map[string]any {
	eventDicts := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		eventDicts = append(eventDicts, EventPayload(ev))
	}
	if immutableCalendarIDs == nil {
		immutableCalendarIDs = []string{}
	}
	return map[string]any{
		"window": map[string]any{
			"start":    model.SerializeTime(windowStart),
			"end":      model.SerializeTime(windowEnd),
			"timezone": timezone,
		},
		"immutable_calendar_ids": immutableCalendarIDs,
		"events":                 eventDicts,
	}
}

// EventPayload renders one event the way both the planning payload and the
// apply audit trail carry it.
func EventPayload(ev *model.Event) map[string]any {
	return map[string]any{
		"calendar_id":          ev.CalendarID,
		"uid":                  ev.UID,
		"summary":              ev.Summary,
		"description":          ev.Description,
		"location":             ev.Location,
		"start":                model.SerializeTime(ev.Start),
		"end":                  model.SerializeTime(ev.End),
		"all_day":              ev.AllDay,
		"href":                 ev.Href,
		"etag":                 ev.ETag,
		"source":               ev.Source,
		"mandatory":            ev.Mandatory,
		"locked":               ev.Locked,
		"original_calendar_id": ev.OriginalCalendarID,
		"original_uid":         ev.OriginalUID,
	}
}

// BuildMessages wraps the payload in a chat exchange. A blank system prompt
// falls back to the built-in one.
func BuildMessages(payload map[string]any, systemPrompt string) ([]openai.ChatCompletionMessage, error) {
	prompt := strings.TrimSpace(systemPrompt)
	if prompt == "" {
		prompt = config.DefaultSystemPrompt
	}
	body, err := encodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode planning payload: %w", err)
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
		{Role: openai.ChatMessageRoleUser, Content: body},
	}, nil
}

// encodeJSON marshals without HTML escaping so the model sees plain JSON.
func encodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// RequestEnvelope mirrors the chat-completion request body, used only to
// size and audit outgoing requests.
type RequestEnvelope struct {
	Model          string                         `json:"model"`
	Messages       []openai.ChatCompletionMessage `json:"messages"`
	Temperature    float64                        `json:"temperature"`
	ResponseFormat map[string]string              `json:"response_format"`
}

// RequestSize reports the UTF-8 length of the request body that
// GenerateChanges will send, for the request-size series in the admin UI.
func RequestSize(modelName string, messages []openai.ChatCompletionMessage) int {
	body, err := json.Marshal(RequestEnvelope{
		Model:          modelName,
		Messages:       messages,
		Temperature:    plannerTemperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return 0
	}
	return len(body)
}

// NormalizeChanges filters raw model output down to usable proposals. Items
// without both a calendar id and a uid are dropped; everything else is
// coerced to text.
func NormalizeChanges(raw []any) []Change {
	normalized := make([]Change, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		calendarID := strings.TrimSpace(asText(obj["calendar_id"]))
		uid := strings.TrimSpace(asText(obj["uid"]))
		if calendarID == "" || uid == "" {
			continue
		}
		normalized = append(normalized, Change{
			CalendarID:  calendarID,
			UID:         uid,
			Start:       optText(obj, "start"),
			End:         optText(obj, "end"),
			Summary:     optText(obj, "summary"),
			Location:    optText(obj, "location"),
			Description: optText(obj, "description"),
			Category:    optText(obj, "category"),
			Reason:      optText(obj, "reason"),
		})
	}
	return normalized
}

func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func optText(obj map[string]any, key string) *string {
	v, ok := obj[key]
	if !ok || v == nil {
		return nil
	}
	s := asText(v)
	return &s
}

var jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ExtractJSONPayload digs the JSON object out of a model reply: the bare
// object, then a fenced code block, then the widest brace span.
func ExtractJSONPayload(content string) (string, error) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		return text, nil
	}
	if m := jsonBlockPattern.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1], nil
	}
	return "", fmt.Errorf("planner response contains no JSON object")
}
