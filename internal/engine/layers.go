package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/BlackWatch0/avocado/internal/caldav"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// ensureLayers resolves the staging, user and intake calendars, persists any
// newly created ids back into the config, and remembers the ids so a later
// run can tell system-made calendars from user-made ones.
func (e *Engine) ensureLayers(ctx context.Context, r *run) error {
	rules := r.cfg.CalendarRules

	staging, err := r.dav.EnsureCalendar(ctx, rules.StagingCalendarID, rules.StagingCalendarName)
	if err != nil {
		return fmt.Errorf("ensure staging calendar: %w", err)
	}
	user, err := r.dav.EnsureCalendar(ctx, rules.UserCalendarID, rules.UserCalendarName)
	if err != nil {
		return fmt.Errorf("ensure user calendar: %w", err)
	}
	intake, err := r.dav.EnsureCalendar(ctx, rules.IntakeCalendarID, rules.IntakeCalendarName)
	if err != nil {
		return fmt.Errorf("ensure intake calendar: %w", err)
	}
	r.staging, r.user, r.intake = staging, user, intake

	updates := map[string]any{}
	if rules.StagingCalendarID != staging.ID {
		updates["staging_calendar_id"] = staging.ID
	}
	if rules.UserCalendarID != user.ID {
		updates["user_calendar_id"] = user.ID
	}
	if rules.IntakeCalendarID != intake.ID {
		updates["intake_calendar_id"] = intake.ID
	}
	if len(updates) > 0 {
		cfg, err := e.cfg.Update(map[string]any{"calendar_rules": updates})
		if err != nil {
			return fmt.Errorf("persist calendar ids: %w", err)
		}
		r.cfg = cfg
	}

	if err := storage.RememberManagedCalendarIDs(ctx, e.state, staging.ID, user.ID, intake.ID); err != nil {
		return fmt.Errorf("remember managed calendar ids: %w", err)
	}

	calendars, err := r.dav.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}
	r.calendars = calendars
	return nil
}

// classifyCalendars tags every calendar that shares a managed name (exact or
// "name (n)"-style copies) as managed so it is never treated as a source,
// then derives the immutable set from explicit ids, keyword suggestions and
// per-calendar overrides.
func (e *Engine) classifyCalendars(ctx context.Context, r *run) error {
	rules := r.cfg.CalendarRules
	managedNames := map[string]bool{}
	for _, name := range []string{rules.StagingCalendarName, rules.UserCalendarName, rules.IntakeCalendarName} {
		if key := caldav.NormalizeCalendarName(name); key != "" {
			managedNames[key] = true
		}
	}

	r.managedIDs = map[string]bool{
		r.staging.ID: true,
		r.user.ID:    true,
		r.intake.ID:  true,
	}
	for _, cal := range r.calendars {
		if r.managedIDs[cal.ID] {
			continue
		}
		name := caldav.NormalizeCalendarName(cal.Name)
		matched := managedNames[name]
		if !matched {
			for key := range managedNames {
				if strings.HasPrefix(name, key+" ") || strings.HasPrefix(name, key+"(") {
					matched = true
					break
				}
			}
		}
		if matched {
			r.managedIDs[cal.ID] = true
			e.audit(ctx, cal.ID, "calendar", "skip_managed_duplicate_calendar", map[string]any{
				"trigger": r.trigger,
				"name":    cal.Name,
				"reason":  "same_name_as_managed_calendar",
			})
		}
	}

	suggested := caldav.SuggestImmutableCalendarIDs(r.calendars, rules.ImmutableKeywords)
	r.immutableIDs = map[string]bool{}
	for _, id := range rules.ImmutableCalendarIDs {
		r.immutableIDs[id] = true
	}
	for id := range suggested {
		r.immutableIDs[id] = true
	}
	for id, behavior := range rules.PerCalendarDefaults {
		if behavior.Mode == "immutable" {
			r.immutableIDs[id] = true
		}
	}
	for id, behavior := range rules.PerCalendarDefaults {
		if behavior.Mode == "editable" {
			delete(r.immutableIDs, id)
		}
	}
	for id := range r.managedIDs {
		delete(r.immutableIDs, id)
	}
	return nil
}

// purgeDuplicateCalendars empties stray calendars that carry a managed name.
// A duplicate is purged only when its id is in the known-managed set, which
// proves this system created or adopted it at some point; anything else gets
// a warning audit and stays untouched.
func (e *Engine) purgeDuplicateCalendars(ctx context.Context, r *run) error {
	rules := r.cfg.CalendarRules
	roles := []struct {
		role string
		name string
	}{
		{"user", rules.UserCalendarName},
		{"stage", rules.StagingCalendarName},
		{"intake", rules.IntakeCalendarName},
	}
	current := map[string]bool{r.staging.ID: true, r.user.ID: true, r.intake.ID: true}

	known, err := storage.KnownManagedCalendarIDs(ctx, e.state)
	if err != nil {
		return fmt.Errorf("load known managed calendar ids: %w", err)
	}

	for _, entry := range roles {
		nameKey := caldav.NormalizeCalendarName(entry.name)
		if nameKey == "" {
			continue
		}
		for _, cal := range r.calendars {
			if err := ctx.Err(); err != nil {
				return err
			}
			if current[cal.ID] || caldav.NormalizeCalendarName(cal.Name) != nameKey {
				continue
			}
			if !known[cal.ID] {
				e.audit(ctx, cal.ID, "calendar", "warn_unverified_duplicate_"+entry.role+"_calendar", map[string]any{
					"trigger": r.trigger,
					"name":    cal.Name,
					"reason":  "calendar_id_not_previously_managed",
				})
				continue
			}
			if err := e.purgeCalendarEvents(ctx, r, cal, entry.role); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) purgeCalendarEvents(ctx context.Context, r *run, cal model.CalendarInfo, role string) error {
	events, err := r.dav.FetchEvents(ctx, cal.ID, r.windowStart, r.windowEnd)
	if err != nil {
		return fmt.Errorf("fetch duplicate %s calendar %s: %w", role, cal.ID, err)
	}
	for _, ev := range events {
		if ev.UID == "" {
			continue
		}
		deleteOK := r.dav.DeleteEvent(ctx, cal.ID, ev.UID, ev.Href)
		e.audit(ctx, cal.ID, ev.UID, "purge_duplicate_"+role+"_calendar_event", map[string]any{
			"trigger":                 r.trigger,
			"delete_ok":               deleteOK,
			"duplicate_calendar_name": cal.Name,
		})
		r.replan = true
	}
	if len(events) > 0 {
		e.logger.Warn().Str("calendar_id", cal.ID).Str("role", role).Int("events", len(events)).
			Msg("purged events from duplicate managed calendar")
	}
	return nil
}
