package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/storage"
)

// sortEventsByUIDHref pins the processing order so hygiene deterministically
// keeps the same copy of a duplicated UID across runs.
func sortEventsByUIDHref(events []*model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].UID != events[j].UID {
			return events[i].UID < events[j].UID
		}
		return events[i].Href < events[j].Href
	})
}

// taskDefaultsFor resolves the seeding defaults for one editable calendar:
// a per-calendar entry overrides the locked/mandatory flags, the editable
// field list always comes from the global defaults.
func taskDefaultsFor(cfg config.Config, calendarID string) model.TaskDefaults {
	defaults := model.TaskDefaults{
		Locked:         cfg.TaskDefaults.Locked,
		Mandatory:      cfg.TaskDefaults.Mandatory,
		EditableFields: append([]string(nil), cfg.TaskDefaults.EditableFields...),
	}
	if behavior, ok := cfg.CalendarRules.PerCalendarDefaults[calendarID]; ok {
		defaults.Locked = behavior.Locked
		defaults.Mandatory = behavior.Mandatory
	}
	return defaults
}

// immutableTaskDefaults pins locked and mandatory for events on immutable
// calendars; the planner sees them as fixed constraints.
func immutableTaskDefaults(cfg config.Config) model.TaskDefaults {
	return model.TaskDefaults{
		Locked:         true,
		Mandatory:      true,
		EditableFields: append([]string(nil), cfg.TaskDefaults.EditableFields...),
	}
}

// stageHygiene drops stage entries with nested or duplicated UIDs so the
// stage layer holds at most one twin per user UID.
func (e *Engine) stageHygiene(ctx context.Context, r *run) error {
	events, err := r.dav.FetchEvents(ctx, r.staging.ID, r.windowStart, r.windowEnd)
	if err != nil {
		return fmt.Errorf("fetch stage events: %w", err)
	}
	sortEventsByUIDHref(events)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.UID == "" {
			continue
		}
		if model.UIDDepth(ev.UID) >= 2 {
			deleteOK := r.dav.DeleteEvent(ctx, r.staging.ID, ev.UID, ev.Href)
			e.audit(ctx, r.staging.ID, ev.UID, "purge_nested_stage_uid", map[string]any{
				"trigger": r.trigger, "delete_ok": deleteOK,
			})
			r.replan = true
			continue
		}
		if _, dup := r.stageMap[ev.UID]; dup {
			deleteOK := r.dav.DeleteEvent(ctx, r.staging.ID, ev.UID, ev.Href)
			e.audit(ctx, r.staging.ID, ev.UID, "dedupe_stage_uid", map[string]any{
				"trigger": r.trigger, "delete_ok": deleteOK,
			})
			r.replan = true
			continue
		}
		r.stageMap[ev.UID] = ev
	}
	return nil
}

// userHygiene collapses nested user UIDs back to a single namespace and
// drops duplicates. A nested entry whose collapsed twin already exists is
// deleted; otherwise it is migrated in place, and an unmigratable one is
// purged rather than left to poison later runs.
func (e *Engine) userHygiene(ctx context.Context, r *run) error {
	events, err := r.dav.FetchEvents(ctx, r.user.ID, r.windowStart, r.windowEnd)
	if err != nil {
		return fmt.Errorf("fetch user events: %w", err)
	}
	sortEventsByUIDHref(events)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.UID == "" {
			continue
		}
		if model.UIDDepth(ev.UID) >= 2 {
			legacyUID := ev.UID
			collapsedUID := model.CollapseUID(ev.UID)
			if collapsedUID != ev.UID {
				existing := r.userMap[collapsedUID]
				if existing == nil {
					existing, err = r.dav.GetEventByUID(ctx, r.user.ID, collapsedUID)
					if err != nil {
						return fmt.Errorf("look up collapsed uid %s: %w", collapsedUID, err)
					}
				}
				if existing != nil {
					deleteOK := r.dav.DeleteEvent(ctx, r.user.ID, ev.UID, ev.Href)
					r.userMap[collapsedUID] = existing
					e.audit(ctx, r.user.ID, legacyUID, "purge_nested_user_uid", map[string]any{
						"trigger":       r.trigger,
						"collapsed_uid": collapsedUID,
						"delete_ok":     deleteOK,
					})
					r.replan = true
					continue
				}
				migrated := ev.Clone()
				migrated.UID = collapsedUID
				migrated.Href = ""
				migrated.Source = model.SourceUser
				saved, upsertErr := r.dav.UpsertEvent(ctx, r.user.ID, migrated)
				if upsertErr != nil {
					deleteOK := r.dav.DeleteEvent(ctx, r.user.ID, ev.UID, ev.Href)
					e.audit(ctx, r.user.ID, legacyUID, "purge_invalid_nested_user_uid", map[string]any{
						"trigger":       r.trigger,
						"legacy_uid":    legacyUID,
						"collapsed_uid": collapsedUID,
						"delete_ok":     deleteOK,
					})
					r.replan = true
					continue
				}
				deleteOK := r.dav.DeleteEvent(ctx, r.user.ID, ev.UID, ev.Href)
				ev = saved
				e.audit(ctx, r.user.ID, collapsedUID, "collapse_nested_user_uid", map[string]any{
					"trigger":       r.trigger,
					"legacy_uid":    legacyUID,
					"collapsed_uid": collapsedUID,
					"delete_ok":     deleteOK,
				})
				r.replan = true
			}
		}
		if _, dup := r.userMap[ev.UID]; dup {
			deleteOK := r.dav.DeleteEvent(ctx, r.user.ID, ev.UID, ev.Href)
			e.audit(ctx, r.user.ID, ev.UID, "dedupe_user_uid", map[string]any{
				"trigger": r.trigger, "delete_ok": deleteOK,
			})
			r.replan = true
			continue
		}
		r.userMap[ev.UID] = ev
	}
	return nil
}

// importIntake moves raw user creations from the intake calendar into the
// user layer under a namespaced UID, then deletes the original so the intake
// calendar drains to empty.
func (e *Engine) importIntake(ctx context.Context, r *run) error {
	events, err := r.dav.FetchEvents(ctx, r.intake.ID, r.windowStart, r.windowEnd)
	if err != nil {
		return fmt.Errorf("fetch intake events: %w", err)
	}
	sortEventsByUIDHref(events)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.UID == "" {
			continue
		}
		// Anything already namespaced is a leftover from an earlier bug or a
		// manual copy; importing it again would loop forever.
		if depth := model.UIDDepth(ev.UID); depth >= 1 {
			deleteOK := r.dav.DeleteEvent(ctx, r.intake.ID, ev.UID, ev.Href)
			e.audit(ctx, r.intake.ID, ev.UID, "purge_managed_intake_uid", map[string]any{
				"trigger":   r.trigger,
				"uid_depth": depth,
				"delete_ok": deleteOK,
			})
			continue
		}

		userUID := model.StagingUID(r.intake.ID, ev.UID)
		if existing := r.userMap[userUID]; existing != nil {
			deleteOK := r.dav.DeleteEvent(ctx, r.intake.ID, ev.UID, ev.Href)
			e.audit(ctx, r.intake.ID, ev.UID, "intake_event_already_imported", map[string]any{
				"trigger":         r.trigger,
				"mapped_user_uid": userUID,
				"delete_ok":       deleteOK,
			})
			continue
		}

		imported := ev.Clone()
		imported.CalendarID = r.user.ID
		imported.UID = userUID
		imported.Href = ""
		imported.Source = model.SourceUser
		imported.OriginalCalendarID = r.intake.ID
		imported.OriginalUID = ev.UID
		saved, upsertErr := r.dav.UpsertEvent(ctx, r.user.ID, imported)
		if upsertErr != nil {
			if !isDuplicateUIDError(upsertErr) {
				return fmt.Errorf("import intake event %s: %w", ev.UID, upsertErr)
			}
			deleteOK := r.dav.DeleteEvent(ctx, r.intake.ID, ev.UID, ev.Href)
			existing, getErr := r.dav.GetEventByUID(ctx, r.user.ID, userUID)
			if getErr != nil {
				return fmt.Errorf("recover imported event %s: %w", userUID, getErr)
			}
			if existing != nil {
				r.userMap[userUID] = existing
			}
			e.audit(ctx, r.user.ID, userUID, "skip_intake_uid_conflict", map[string]any{
				"trigger":                 r.trigger,
				"delete_ok":               deleteOK,
				"recovered_existing_user": existing != nil,
			})
			continue
		}

		deleteOK := r.dav.DeleteEvent(ctx, r.intake.ID, ev.UID, ev.Href)
		r.userMap[userUID] = saved
		r.replan = true
		e.audit(ctx, r.intake.ID, ev.UID, "import_intake_event_to_user_layer", map[string]any{
			"trigger":         r.trigger,
			"mapped_user_uid": userUID,
			"delete_ok":       deleteOK,
		})
	}
	return nil
}

// seedSources walks every non-managed calendar. Immutable calendars are
// normalized in memory only and contributed to the payload as constraints;
// editable calendars get their task blocks written back and a namespaced
// twin seeded into the user layer.
func (e *Engine) seedSources(ctx context.Context, r *run) error {
	for _, cal := range r.calendars {
		if r.managedIDs[cal.ID] {
			continue
		}
		events, err := r.dav.FetchEvents(ctx, cal.ID, r.windowStart, r.windowEnd)
		if err != nil {
			return fmt.Errorf("fetch source calendar %s: %w", cal.ID, err)
		}
		immutable := r.immutableIDs[cal.ID]
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ev.UID == "" {
				continue
			}
			if immutable {
				// Normalized in memory only; immutable calendars are never
				// written to.
				description, task, _ := model.EnsureTaskBlock(ev.Description, immutableTaskDefaults(r.cfg), time.Now())
				ev.Description = description
				ev.Locked = task.Locked
				ev.Mandatory = task.Mandatory
				r.allEvents = append(r.allEvents, ev)
				if err := e.snapshotSource(ctx, cal.ID, ev); err != nil {
					return err
				}
				continue
			}
			if err := e.seedEditableSourceEvent(ctx, r, cal, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) seedEditableSourceEvent(ctx context.Context, r *run, cal model.CalendarInfo, ev *model.Event) error {
	defaults := taskDefaultsFor(r.cfg, cal.ID)
	description, task, changed := model.EnsureTaskBlock(ev.Description, defaults, time.Now())
	ev.Description = description
	ev.Locked = task.Locked
	ev.Mandatory = task.Mandatory
	if changed {
		saved, err := r.dav.UpsertEvent(ctx, cal.ID, ev)
		if err != nil {
			return fmt.Errorf("normalize source event %s: %w", ev.UID, err)
		}
		ev = saved
		e.audit(ctx, cal.ID, ev.UID, "seed_or_normalize_ai_task", map[string]any{
			"trigger": r.trigger, "layer": "user",
		})
	}

	if model.UIDDepth(ev.UID) >= 2 {
		e.audit(ctx, cal.ID, ev.UID, "skip_nested_source_uid", map[string]any{"trigger": r.trigger})
		return e.snapshotSource(ctx, cal.ID, ev)
	}

	userUID := model.StagingUID(cal.ID, ev.UID)
	seeded := r.userMap[userUID]

	if legacy := r.userMap[ev.UID]; legacy != nil && userUID != ev.UID {
		// A plain-UID twin predates namespacing; move it before it collides
		// with twins seeded from other calendars.
		migrated := legacy.Clone()
		migrated.CalendarID = r.user.ID
		migrated.UID = userUID
		migrated.Href = ""
		migrated.Source = model.SourceUser
		migrated.OriginalCalendarID = cal.ID
		migrated.OriginalUID = ev.UID
		saved, err := r.dav.UpsertEvent(ctx, r.user.ID, migrated)
		if err != nil {
			if !isDuplicateUIDError(err) {
				return fmt.Errorf("migrate legacy twin %s: %w", legacy.UID, err)
			}
			e.audit(ctx, r.user.ID, userUID, "skip_seed_uid_conflict", map[string]any{
				"trigger": r.trigger, "reason": "duplicate_uid_on_migrate",
			})
			delete(r.userMap, legacy.UID)
			return nil
		}
		r.userMap[userUID] = saved
		deleteOK := r.dav.DeleteEvent(ctx, r.user.ID, legacy.UID, legacy.Href)
		delete(r.userMap, legacy.UID)
		e.audit(ctx, r.user.ID, userUID, "migrate_user_uid", map[string]any{
			"trigger":    r.trigger,
			"legacy_uid": legacy.UID,
			"new_uid":    userUID,
			"delete_ok":  deleteOK,
		})
		seeded = saved
		r.replan = true
	}

	if seeded == nil {
		twin := ev.Clone()
		twin.CalendarID = r.user.ID
		twin.UID = userUID
		twin.Href = ""
		twin.Source = model.SourceUser
		twin.OriginalCalendarID = cal.ID
		twin.OriginalUID = ev.UID
		saved, err := r.dav.UpsertEvent(ctx, r.user.ID, twin)
		if err != nil {
			if !isDuplicateUIDError(err) {
				return fmt.Errorf("seed user twin %s: %w", userUID, err)
			}
			e.audit(ctx, r.user.ID, userUID, "skip_seed_uid_conflict", map[string]any{
				"trigger": r.trigger, "reason": "duplicate_uid_on_seed",
			})
			return nil
		}
		r.userMap[userUID] = saved
		seeded = saved
		r.replan = true
	}

	if sourceIntent := model.ExtractUserIntent(ev.Description); sourceIntent != "" {
		if sourceIntent != model.ExtractUserIntent(seeded.Description) {
			description, _, changed := model.SetTaskUserIntent(seeded.Description, r.cfg.TaskDefaults, sourceIntent, time.Now())
			if changed {
				next := seeded.Clone()
				next.Description = description
				saved, err := r.dav.UpsertEvent(ctx, r.user.ID, next)
				if err != nil {
					return fmt.Errorf("propagate intent to %s: %w", userUID, err)
				}
				r.userMap[userUID] = saved
				r.replan = true
				e.audit(ctx, r.user.ID, userUID, "propagate_user_intent_from_source", map[string]any{
					"trigger":            r.trigger,
					"source_calendar_id": cal.ID,
					"source_uid":         ev.UID,
				})
			}
		}
	}

	return e.snapshotSource(ctx, cal.ID, ev)
}

// snapshotSource records the post-normalization state of a source event so
// later inspection can tell planner writes from user edits.
func (e *Engine) snapshotSource(ctx context.Context, calendarID string, ev *model.Event) error {
	hash := model.HashText(ev.Summary + "|" + ev.Description + "|" +
		model.SerializeTime(ev.Start) + "|" + model.SerializeTime(ev.End))
	err := e.state.UpsertSnapshot(ctx, storage.Snapshot{
		CalendarID:  calendarID,
		UID:         ev.UID,
		ETag:        ev.ETag,
		PayloadHash: hash,
	})
	if err != nil {
		return fmt.Errorf("snapshot source event %s: %w", ev.UID, err)
	}
	return nil
}

// prepareUserLayer normalizes every user-layer event, captures the baseline
// etags the reconciler checks against, and decides whether the stage layer
// still mirrors the user layer.
func (e *Engine) prepareUserLayer(ctx context.Context, r *run) error {
	uids := make([]string, 0, len(r.userMap))
	for uid := range r.userMap {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	defaults := taskDefaultsFor(r.cfg, r.user.ID)
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := r.userMap[uid]
		description, task, changed := model.EnsureTaskBlock(ev.Description, defaults, time.Now())
		ev.Description = description
		ev.Locked = task.Locked
		ev.Mandatory = task.Mandatory
		if changed {
			saved, err := r.dav.UpsertEvent(ctx, r.user.ID, ev)
			if err != nil {
				return fmt.Errorf("normalize user event %s: %w", ev.UID, err)
			}
			ev = saved
			r.userMap[uid] = saved
			r.replan = true
			e.audit(ctx, r.user.ID, ev.UID, "seed_or_normalize_ai_task", map[string]any{
				"trigger": r.trigger, "layer": "user-layer",
			})
		}

		r.seenStage[ev.UID] = true
		twin := r.stageMap[ev.UID]
		if twin == nil || model.EventFingerprint(twin) != model.EventFingerprint(ev) {
			r.replan = true
		}

		key := eventKey{r.user.ID, ev.UID}
		r.mutable[key] = ev
		r.mutableOrder = append(r.mutableOrder, key)
		r.baseline[key] = ev.ETag
		r.allEvents = append(r.allEvents, ev)
	}

	for uid := range r.stageMap {
		if !r.seenStage[uid] {
			r.replan = true
			break
		}
	}
	return nil
}
