package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BlackWatch0/avocado/internal/model"
)

const (
	DefaultAIBaseURL = "https://api.openai.com/v1"
	DefaultAIModel   = "gpt-4o-mini"

	DefaultStagingCalendarName = "Avocado AI Staging"
	DefaultUserCalendarName    = "Avocado User Calendar"
	DefaultIntakeCalendarName  = "Avocado New Events"
)

// DefaultSystemPrompt instructs the planner when no custom prompt is
// configured via ai.system_prompt.
const DefaultSystemPrompt = `You are a calendar planning assistant. You receive a JSON payload with a
planning window, a list of immutable calendar ids, and the events inside that
window. Propose schedule adjustments that honor each event's [AI Task] block:
respect locked and mandatory flags, change only the fields listed in
editable_fields, and keep every event inside the window.

Reply with a single JSON object of the form
{"changes": [{"calendar_id": "...", "uid": "...", "start": "...", "end": "...",
"summary": "...", "location": "...", "description": "...", "category": "...",
"reason": "..."}]}.
Include only the fields you want to change, use ISO-8601 datetimes with
timezone offsets, never move events that live in immutable calendars, and
return {"changes": []} when nothing should move.`

type CalDAVConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type AIConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	Model          string `yaml:"model" json:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	SystemPrompt   string `yaml:"system_prompt" json:"system_prompt"`
}

// Configured reports whether the planner has enough settings to be called.
func (a AIConfig) Configured() bool {
	return a.BaseURL != "" && a.APIKey != "" && a.Model != ""
}

type SyncConfig struct {
	WindowDays      int    `yaml:"window_days" json:"window_days"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
	Timezone        string `yaml:"timezone" json:"timezone"`
}

// CalendarDefault seeds task blocks for events imported from one calendar.
type CalendarDefault struct {
	Mode      string `yaml:"mode" json:"mode"`
	Locked    bool   `yaml:"locked" json:"locked"`
	Mandatory bool   `yaml:"mandatory" json:"mandatory"`
}

type CalendarRulesConfig struct {
	ImmutableKeywords    []string                   `yaml:"immutable_keywords" json:"immutable_keywords"`
	ImmutableCalendarIDs []string                   `yaml:"immutable_calendar_ids" json:"immutable_calendar_ids"`
	StagingCalendarID    string                     `yaml:"staging_calendar_id" json:"staging_calendar_id"`
	StagingCalendarName  string                     `yaml:"staging_calendar_name" json:"staging_calendar_name"`
	UserCalendarID       string                     `yaml:"user_calendar_id" json:"user_calendar_id"`
	UserCalendarName     string                     `yaml:"user_calendar_name" json:"user_calendar_name"`
	IntakeCalendarID     string                     `yaml:"intake_calendar_id" json:"intake_calendar_id"`
	IntakeCalendarName   string                     `yaml:"intake_calendar_name" json:"intake_calendar_name"`
	PerCalendarDefaults  map[string]CalendarDefault `yaml:"per_calendar_defaults" json:"per_calendar_defaults"`
}

// AdminConfig guards the admin API. Auth is disabled while both the basic
// credentials and the JWKS URL are empty.
type AdminConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	JWKSURL  string `yaml:"jwks_url" json:"jwks_url"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

func (a AdminConfig) BasicEnabled() bool  { return a.Username != "" && a.Password != "" }
func (a AdminConfig) BearerEnabled() bool { return a.JWKSURL != "" }

type Config struct {
	CalDAV        CalDAVConfig        `yaml:"caldav" json:"caldav"`
	AI            AIConfig            `yaml:"ai" json:"ai"`
	Sync          SyncConfig          `yaml:"sync" json:"sync"`
	CalendarRules CalendarRulesConfig `yaml:"calendar_rules" json:"calendar_rules"`
	TaskDefaults  model.TaskDefaults  `yaml:"task_defaults" json:"task_defaults"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
}

// Default returns the document written on first start.
func Default() Config {
	return Config{
		AI: AIConfig{
			BaseURL:        DefaultAIBaseURL,
			Model:          DefaultAIModel,
			TimeoutSeconds: 90,
			SystemPrompt:   DefaultSystemPrompt,
		},
		Sync: SyncConfig{
			WindowDays:      7,
			IntervalSeconds: 300,
			Timezone:        "UTC",
		},
		CalendarRules: CalendarRulesConfig{
			ImmutableKeywords:   []string{"work", "固定", "fixed"},
			StagingCalendarName: DefaultStagingCalendarName,
			UserCalendarName:    DefaultUserCalendarName,
			IntakeCalendarName:  DefaultIntakeCalendarName,
			PerCalendarDefaults: map[string]CalendarDefault{},
		},
		TaskDefaults: model.TaskDefaults{
			EditableFields: append([]string(nil), model.AllowedEditableFields...),
		},
	}
}

// Parse builds a Config from a decoded YAML/JSON document, applying the same
// per-field defaults and clamps on every load so hand-edited files stay safe.
func Parse(data map[string]any) Config {
	return Config{
		CalDAV:        parseCalDAV(section(data, "caldav")),
		AI:            parseAI(section(data, "ai")),
		Sync:          parseSync(section(data, "sync")),
		CalendarRules: parseCalendarRules(section(data, "calendar_rules")),
		TaskDefaults:  parseTaskDefaults(section(data, "task_defaults")),
		Admin:         parseAdmin(section(data, "admin")),
	}
}

func parseCalDAV(data map[string]any) CalDAVConfig {
	return CalDAVConfig{
		BaseURL:  textOr(data, "base_url", ""),
		Username: textOr(data, "username", ""),
		Password: textOr(data, "password", ""),
	}
}

func parseAI(data map[string]any) AIConfig {
	timeout := intOr(data, "timeout_seconds", 90)
	if timeout <= 0 {
		timeout = 90
	}
	return AIConfig{
		BaseURL:        textOr(data, "base_url", DefaultAIBaseURL),
		APIKey:         textOr(data, "api_key", ""),
		Model:          fallback(textOr(data, "model", DefaultAIModel), DefaultAIModel),
		TimeoutSeconds: timeout,
		SystemPrompt:   fallback(textOr(data, "system_prompt", DefaultSystemPrompt), DefaultSystemPrompt),
	}
}

func parseSync(data map[string]any) SyncConfig {
	windowDays := intOr(data, "window_days", 7)
	if windowDays < 1 {
		windowDays = 1
	}
	interval := intOr(data, "interval_seconds", 300)
	if interval < 30 {
		interval = 30
	}
	return SyncConfig{
		WindowDays:      windowDays,
		IntervalSeconds: interval,
		Timezone:        fallback(textOr(data, "timezone", "UTC"), "UTC"),
	}
}

func parseCalendarRules(data map[string]any) CalendarRulesConfig {
	defaults := map[string]CalendarDefault{}
	if raw, ok := data["per_calendar_defaults"].(map[string]any); ok {
		for key, value := range raw {
			calendarID := strings.TrimSpace(key)
			entry, ok := value.(map[string]any)
			if calendarID == "" || !ok {
				continue
			}
			mode := strings.ToLower(strings.TrimSpace(asText(entry["mode"])))
			if mode != "immutable" {
				mode = "editable"
			}
			defaults[calendarID] = CalendarDefault{
				Mode:      mode,
				Locked:    asFlag(entry["locked"]),
				Mandatory: asFlag(entry["mandatory"]),
			}
		}
	}
	return CalendarRulesConfig{
		ImmutableKeywords:    textList(data["immutable_keywords"]),
		ImmutableCalendarIDs: textList(data["immutable_calendar_ids"]),
		StagingCalendarID:    textOr(data, "staging_calendar_id", ""),
		StagingCalendarName:  fallback(textOr(data, "staging_calendar_name", DefaultStagingCalendarName), DefaultStagingCalendarName),
		UserCalendarID:       textOr(data, "user_calendar_id", ""),
		UserCalendarName:     fallback(textOr(data, "user_calendar_name", DefaultUserCalendarName), DefaultUserCalendarName),
		IntakeCalendarID:     textOr(data, "intake_calendar_id", ""),
		IntakeCalendarName:   fallback(textOr(data, "intake_calendar_name", DefaultIntakeCalendarName), DefaultIntakeCalendarName),
		PerCalendarDefaults:  defaults,
	}
}

func parseTaskDefaults(data map[string]any) model.TaskDefaults {
	fields := textList(data["editable_fields"])
	if _, ok := data["editable_fields"]; !ok || len(fields) == 0 {
		fields = append([]string(nil), model.AllowedEditableFields...)
	}
	return model.TaskDefaults{
		Locked:         asFlag(data["locked"]),
		Mandatory:      asFlag(data["mandatory"]),
		EditableFields: fields,
	}
}

func parseAdmin(data map[string]any) AdminConfig {
	return AdminConfig{
		Username: textOr(data, "username", ""),
		Password: textOr(data, "password", ""),
		JWKSURL:  textOr(data, "jwks_url", ""),
		Issuer:   textOr(data, "issuer", ""),
		Audience: textOr(data, "audience", ""),
	}
}

// Map renders the config as the nested-map form used for merging and for the
// masked admin view.
func (c Config) Map() map[string]any {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// DeepMerge overlays updates onto base, recursing into nested maps so a
// partial admin payload only touches the keys it names.
func DeepMerge(base, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range updates {
		if sub, ok := value.(map[string]any); ok {
			if cur, ok := merged[key].(map[string]any); ok {
				merged[key] = DeepMerge(cur, sub)
				continue
			}
		}
		merged[key] = value
	}
	return merged
}

func section(data map[string]any, key string) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	if m, ok := data[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func textOr(data map[string]any, key, def string) string {
	v, ok := data[key]
	if !ok {
		return def
	}
	return strings.TrimSpace(asText(v))
}

func intOr(data map[string]any, key string, def int) int {
	v, ok := data[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

func fallback(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func asText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFlag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1", "on":
			return true
		}
		return false
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

func textList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s := strings.TrimSpace(asText(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
