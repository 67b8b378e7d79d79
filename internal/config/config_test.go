package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BlackWatch0/avocado/internal/model"
)

func TestParseEmptyDocumentDefaults(t *testing.T) {
	cfg := Parse(map[string]any{})

	require.Equal(t, DefaultAIBaseURL, cfg.AI.BaseURL)
	require.Equal(t, DefaultAIModel, cfg.AI.Model)
	require.Equal(t, 90, cfg.AI.TimeoutSeconds)
	require.NotEmpty(t, cfg.AI.SystemPrompt)

	require.Equal(t, 7, cfg.Sync.WindowDays)
	require.Equal(t, 300, cfg.Sync.IntervalSeconds)
	require.Equal(t, "UTC", cfg.Sync.Timezone)

	require.Equal(t, DefaultStagingCalendarName, cfg.CalendarRules.StagingCalendarName)
	require.Equal(t, DefaultUserCalendarName, cfg.CalendarRules.UserCalendarName)
	require.Equal(t, DefaultIntakeCalendarName, cfg.CalendarRules.IntakeCalendarName)

	require.Equal(t, model.AllowedEditableFields, cfg.TaskDefaults.EditableFields)
	require.False(t, cfg.TaskDefaults.Locked)
}

func TestParseClampsSyncBounds(t *testing.T) {
	cfg := Parse(map[string]any{
		"sync": map[string]any{
			"window_days":      0,
			"interval_seconds": 5,
			"timezone":         "  ",
		},
	})
	require.Equal(t, 1, cfg.Sync.WindowDays)
	require.Equal(t, 30, cfg.Sync.IntervalSeconds)
	require.Equal(t, "UTC", cfg.Sync.Timezone)
}

func TestParsePerCalendarDefaultsNormalized(t *testing.T) {
	cfg := Parse(map[string]any{
		"calendar_rules": map[string]any{
			"user_calendar_id":     "user-id",
			"user_calendar_name":   "User Layer",
			"intake_calendar_id":   "intake-id",
			"intake_calendar_name": "Inbox Layer",
			"per_calendar_defaults": map[string]any{
				"cal-1": map[string]any{"mode": "IMMUTABLE", "locked": 1, "mandatory": 0},
				"cal-2": map[string]any{"mode": "invalid", "locked": false, "mandatory": true},
				"":      map[string]any{"mode": "immutable"},
			},
		},
	})

	rules := cfg.CalendarRules
	require.Equal(t, "user-id", rules.UserCalendarID)
	require.Equal(t, "User Layer", rules.UserCalendarName)
	require.Equal(t, "intake-id", rules.IntakeCalendarID)
	require.Equal(t, "Inbox Layer", rules.IntakeCalendarName)

	require.Equal(t, "immutable", rules.PerCalendarDefaults["cal-1"].Mode)
	require.True(t, rules.PerCalendarDefaults["cal-1"].Locked)
	require.False(t, rules.PerCalendarDefaults["cal-1"].Mandatory)
	require.Equal(t, "editable", rules.PerCalendarDefaults["cal-2"].Mode)
	require.True(t, rules.PerCalendarDefaults["cal-2"].Mandatory)
	require.NotContains(t, rules.PerCalendarDefaults, "")
}

func TestParseTaskDefaultsFallsBackToAllowedFields(t *testing.T) {
	cfg := Parse(map[string]any{
		"task_defaults": map[string]any{
			"locked":          true,
			"editable_fields": []any{"  ", ""},
		},
	})
	require.True(t, cfg.TaskDefaults.Locked)
	require.Equal(t, model.AllowedEditableFields, cfg.TaskDefaults.EditableFields)
}

func TestDeepMergeRecursesIntoSections(t *testing.T) {
	base := map[string]any{
		"ai":   map[string]any{"model": "gpt-4o-mini", "api_key": "secret"},
		"sync": map[string]any{"window_days": 7},
	}
	merged := DeepMerge(base, map[string]any{
		"ai": map[string]any{"model": "gpt-4.1"},
	})
	ai := merged["ai"].(map[string]any)
	require.Equal(t, "gpt-4.1", ai["model"])
	require.Equal(t, "secret", ai["api_key"])
	require.Equal(t, 7, merged["sync"].(map[string]any)["window_days"])
}

func TestStoreCreatesDefaultDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	store, err := NewStore(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	cfg, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"work", "固定", "fixed"}, cfg.CalendarRules.ImmutableKeywords)
	require.Equal(t, 7, cfg.Sync.WindowDays)
}

func TestStoreUpdateMergesAndPersists(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	_, err = store.Update(map[string]any{
		"ai": map[string]any{"api_key": "sk-test"},
	})
	require.NoError(t, err)

	updated, err := store.Update(map[string]any{
		"sync": map[string]any{"window_days": 14},
	})
	require.NoError(t, err)
	require.Equal(t, 14, updated.Sync.WindowDays)
	require.Equal(t, "sk-test", updated.AI.APIKey, "unrelated update must not drop stored secrets")

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 14, reloaded.Sync.WindowDays)
}

func TestMaskedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.CalDAV.Password = "caldav-pass"
	cfg.AI.APIKey = "sk-test"

	masked := Masked(cfg)
	require.Equal(t, "***", masked["caldav"].(map[string]any)["password"])
	require.Equal(t, "***", masked["ai"].(map[string]any)["api_key"])

	cfg.AI.APIKey = ""
	masked = Masked(cfg)
	require.Equal(t, "", masked["ai"].(map[string]any)["api_key"])
}

func TestSanitizeUpdateKeepsStoredSecrets(t *testing.T) {
	current := Default()
	current.CalDAV.Password = "stored"

	sanitized := SanitizeUpdate(map[string]any{
		"caldav": map[string]any{"base_url": "https://dav.example.com", "password": "***"},
		"ai":     map[string]any{"api_key": ""},
	}, current)

	caldav := sanitized["caldav"].(map[string]any)
	require.NotContains(t, caldav, "password")
	require.Equal(t, "https://dav.example.com", caldav["base_url"])

	// No stored key, so an empty value clears it rather than being dropped.
	require.Equal(t, "", sanitized["ai"].(map[string]any)["api_key"])
}

func TestSanitizeUpdatePassesRealSecretsThrough(t *testing.T) {
	current := Default()
	current.AI.APIKey = "old"

	sanitized := SanitizeUpdate(map[string]any{
		"ai": map[string]any{"api_key": "new-key"},
	}, current)
	require.Equal(t, "new-key", sanitized["ai"].(map[string]any)["api_key"])
}

func TestSanitizeUpdateDropsEmptiedSection(t *testing.T) {
	current := Default()
	current.AI.APIKey = "stored"

	sanitized := SanitizeUpdate(map[string]any{
		"ai": map[string]any{"api_key": "***"},
	}, current)
	require.NotContains(t, sanitized, "ai")
}
