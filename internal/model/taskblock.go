package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Task block delimiters embedded in event descriptions.
const (
	TaskBlockStart = "[AI Task]"
	TaskBlockEnd   = "[/AI Task]"
)

var (
	taskBlockRE  = regexp.MustCompile(`(?s)\[AI Task\]\s*\n(.*?)\n\[/AI Task\]`)
	intentLineRE = regexp.MustCompile(`(?m)^\s*user_intent\s*:\s*(.+)$`)
)

// emptyIntentMarkers are the spellings of "no intent" left behind by manual
// edits; they never count as a pending instruction.
var emptyIntentMarkers = map[string]struct{}{
	"":     {},
	`""`:   {},
	"''":   {},
	"null": {},
	"None": {},
	"~":    {},
}

// TaskDefaults seeds new task blocks. Taken from the task_defaults config
// section, overridden per calendar where configured.
type TaskDefaults struct {
	Locked         bool     `yaml:"locked" json:"locked"`
	Mandatory      bool     `yaml:"mandatory" json:"mandatory"`
	EditableFields []string `yaml:"editable_fields" json:"editable_fields"`
}

// Constraints bound what the planner may do with an event.
type Constraints struct {
	EarliestStart             *string `yaml:"earliest_start" json:"earliest_start"`
	LatestEnd                 *string `yaml:"latest_end" json:"latest_end"`
	AvoidOverlapWithMandatory bool    `yaml:"avoid_overlap_with_mandatory" json:"avoid_overlap_with_mandatory"`
}

// TaskBlock is the structured payload embedded between TaskBlockStart and
// TaskBlockEnd in an event description. Field order here is the emit order.
type TaskBlock struct {
	Version        int         `yaml:"version" json:"version"`
	Locked         bool        `yaml:"locked" json:"locked"`
	Mandatory      bool        `yaml:"mandatory" json:"mandatory"`
	EditableFields []string    `yaml:"editable_fields" json:"editable_fields"`
	UserIntent     string      `yaml:"user_intent" json:"user_intent"`
	Constraints    Constraints `yaml:"constraints" json:"constraints"`
	Priority       string      `yaml:"priority" json:"priority"`
	Source         string      `yaml:"source" json:"source"`
	LastEditor     string      `yaml:"last_editor" json:"last_editor"`
	UpdatedAt      string      `yaml:"updated_at" json:"updated_at"`
	Category       string      `yaml:"category,omitempty" json:"category,omitempty"`
}

// DefaultTask builds the block every managed event starts from.
func DefaultTask(defaults TaskDefaults, now time.Time) TaskBlock {
	fields := defaults.EditableFields
	if len(fields) == 0 {
		fields = AllowedEditableFields
	}
	return TaskBlock{
		Version:        1,
		Locked:         defaults.Locked,
		Mandatory:      defaults.Mandatory,
		EditableFields: append([]string(nil), fields...),
		UserIntent:     "",
		Constraints: Constraints{
			EarliestStart:             nil,
			LatestEnd:                 nil,
			AvoidOverlapWithMandatory: true,
		},
		Priority:   "medium",
		Source:     "system",
		LastEditor: "system",
		UpdatedAt:  now.UTC().Format(time.RFC3339),
	}
}

// ParseTaskBlock locates the first delimited block and decodes its body as a
// YAML mapping. Any failure, including a non-mapping body, reports absent.
func ParseTaskBlock(description string) (map[string]any, bool) {
	if description == "" {
		return nil, false
	}
	m := taskBlockRE.FindStringSubmatch(description)
	if m == nil {
		return nil, false
	}
	var payload map[string]any
	if err := yaml.Unmarshal([]byte(m[1]), &payload); err != nil {
		return nil, false
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, true
}

// StripTaskBlock removes every delimited block from the description.
func StripTaskBlock(description string) string {
	if description == "" {
		return ""
	}
	return strings.TrimSpace(taskBlockRE.ReplaceAllString(description, ""))
}

// NormalizeTask overlays a parsed mapping onto the defaults, clamps
// editable_fields to a non-empty subset of AllowedEditableFields, coerces
// booleans and backfills updated_at.
func NormalizeTask(parsed map[string]any, defaults TaskDefaults, now time.Time) TaskBlock {
	task := DefaultTask(defaults, now)
	if parsed == nil {
		return task
	}
	if v, ok := parsed["version"]; ok {
		if n, ok := asInt(v); ok {
			task.Version = n
		}
	}
	if v, ok := parsed["locked"]; ok {
		task.Locked = asBool(v)
	}
	if v, ok := parsed["mandatory"]; ok {
		task.Mandatory = asBool(v)
	}
	if v, ok := parsed["editable_fields"]; ok {
		if fields := clampEditableFields(v); len(fields) > 0 {
			task.EditableFields = fields
		}
	}
	if v, ok := parsed["user_intent"]; ok {
		task.UserIntent = asString(v)
	}
	if v, ok := parsed["constraints"]; ok {
		if raw, ok := v.(map[string]any); ok {
			if ev, ok := raw["earliest_start"]; ok {
				task.Constraints.EarliestStart = asStringPtr(ev)
			}
			if lv, ok := raw["latest_end"]; ok {
				task.Constraints.LatestEnd = asStringPtr(lv)
			}
			if av, ok := raw["avoid_overlap_with_mandatory"]; ok {
				task.Constraints.AvoidOverlapWithMandatory = asBool(av)
			}
		}
	}
	if v, ok := parsed["priority"]; ok {
		if s := asString(v); s != "" {
			task.Priority = s
		}
	}
	if v, ok := parsed["source"]; ok {
		if s := asString(v); s != "" {
			task.Source = s
		}
	}
	if v, ok := parsed["last_editor"]; ok {
		if s := asString(v); s != "" {
			task.LastEditor = s
		}
	}
	if v, ok := parsed["updated_at"]; ok {
		if s := asString(v); s != "" {
			task.UpdatedAt = s
		}
	}
	if v, ok := parsed["category"]; ok {
		task.Category = asString(v)
	}
	return task
}

// EmitTaskBlock serializes the task and writes it into the description,
// replacing an existing block in place or appending one after a blank line.
func EmitTaskBlock(description string, task TaskBlock) string {
	raw, err := yaml.Marshal(task)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the description intact
		// rather than corrupting the event body.
		return description
	}
	block := TaskBlockStart + "\n" + strings.TrimSpace(string(raw)) + "\n" + TaskBlockEnd
	if description == "" {
		return block
	}
	if taskBlockRE.MatchString(description) {
		return strings.TrimSpace(taskBlockRE.ReplaceAllStringFunc(description, func(string) string {
			return block
		}))
	}
	return strings.TrimSpace(strings.TrimRight(description, " \t\r\n") + "\n\n" + block)
}

// EnsureTaskBlock guarantees the description carries a normalized block.
// The bool reports whether the description changed.
func EnsureTaskBlock(description string, defaults TaskDefaults, now time.Time) (string, TaskBlock, bool) {
	parsed, ok := ParseTaskBlock(description)
	if !ok {
		task := DefaultTask(defaults, now)
		return EmitTaskBlock(description, task), task, true
	}
	task := NormalizeTask(parsed, defaults, now)
	updated := EmitTaskBlock(description, task)
	return updated, task, updated != description
}

// SetTaskUserIntent rewrites the block with the given intent. Consuming an
// applied instruction passes intent = "".
func SetTaskUserIntent(description string, defaults TaskDefaults, intent string, now time.Time) (string, TaskBlock, bool) {
	parsed, ok := ParseTaskBlock(description)
	var task TaskBlock
	if ok {
		task = NormalizeTask(parsed, defaults, now)
	} else {
		task = DefaultTask(defaults, now)
	}
	if task.UserIntent != intent {
		task.UserIntent = intent
		task.UpdatedAt = now.UTC().Format(time.RFC3339)
	}
	updated := EmitTaskBlock(description, task)
	return updated, task, updated != description
}

// SetTaskCategory rewrites the block with the inferred or explicit category.
func SetTaskCategory(description string, defaults TaskDefaults, category string, now time.Time) (string, TaskBlock, bool) {
	parsed, ok := ParseTaskBlock(description)
	var task TaskBlock
	if ok {
		task = NormalizeTask(parsed, defaults, now)
	} else {
		task = DefaultTask(defaults, now)
	}
	if task.Category != category {
		task.Category = category
		task.UpdatedAt = now.UTC().Format(time.RFC3339)
	}
	updated := EmitTaskBlock(description, task)
	return updated, task, updated != description
}

// ExtractUserIntent pulls the pending instruction out of a description. When
// the block is temporarily invalid YAML (mid-edit), a line match inside the
// delimiters still recovers the intent so user edits are never dropped.
func ExtractUserIntent(description string) string {
	if parsed, ok := ParseTaskBlock(description); ok {
		return strings.TrimSpace(asString(parsed["user_intent"]))
	}
	m := taskBlockRE.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	line := intentLineRE.FindStringSubmatch(m[1])
	if line == nil {
		return ""
	}
	value := strings.TrimSpace(line[1])
	if _, empty := emptyIntentMarkers[value]; empty {
		return ""
	}
	return value
}

// HasUserIntent reports whether the description carries a non-empty intent.
func HasUserIntent(description string) bool {
	return ExtractUserIntent(description) != ""
}

// ExtractEditableFields reads editable_fields from the block, falling back
// to the supplied list when the block is absent or carries none.
func ExtractEditableFields(description string, fallback []string) []string {
	if parsed, ok := ParseTaskBlock(description); ok {
		if v, present := parsed["editable_fields"]; present {
			if fields := cleanFieldList(v); len(fields) > 0 {
				return fields
			}
		}
	}
	return cleanStringList(fallback)
}

func clampEditableFields(v any) []string {
	fields := cleanFieldList(v)
	allowed := make([]string, 0, len(fields))
	for _, f := range fields {
		for _, a := range AllowedEditableFields {
			if f == a {
				allowed = append(allowed, f)
				break
			}
		}
	}
	return allowed
}

func cleanFieldList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := strings.TrimSpace(asString(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func cleanStringList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func asString(v any) string {
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

func asStringPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := asString(v)
	return &s
}

func asBool(v any) bool {
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

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}
