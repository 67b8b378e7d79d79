package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BlackWatch0/avocado/internal/model"
	"github.com/BlackWatch0/avocado/internal/planner"
)

// planAndReconcile asks the model for changes and applies them under the
// policy gates. Scheduled runs additionally compare the payload fingerprint
// against the one stored by the previous pass, so an unchanged working set
// never spends tokens on a call that can only answer "no changes".
func (e *Engine) planAndReconcile(ctx context.Context, r *run) error {
	api := e.planner(r.cfg.AI)
	if !api.IsConfigured() {
		return nil
	}

	payload := planner.BuildPayload(r.allEvents, sortedIDs(r.immutableIDs), r.windowStart, r.windowEnd, r.cfg.Sync.Timezone)

	if r.trigger == model.TriggerScheduled {
		fingerprint, err := model.PayloadFingerprint(payload)
		if err != nil {
			return fmt.Errorf("fingerprint planning payload: %w", err)
		}
		last, _, err := e.state.GetMeta(ctx, metaLastPayloadFingerprint)
		if err != nil {
			return fmt.Errorf("load payload fingerprint: %w", err)
		}
		if last == fingerprint {
			e.audit(ctx, "system", "ai", "skip_ai_same_payload", map[string]any{"trigger": r.trigger})
			e.metrics.ObservePlannerSkip()
			r.replan = false
		} else if err := e.state.SetMeta(ctx, metaLastPayloadFingerprint, fingerprint); err != nil {
			return fmt.Errorf("store payload fingerprint: %w", err)
		}
	}
	if !r.replan {
		return nil
	}

	messages, err := planner.BuildMessages(payload, r.cfg.AI.SystemPrompt)
	if err != nil {
		return fmt.Errorf("build planner messages: %w", err)
	}
	e.audit(ctx, "system", "ai", "ai_request", map[string]any{
		"trigger":        r.trigger,
		"request_bytes":  planner.RequestSize(r.cfg.AI.Model, messages),
		"messages_count": len(messages),
		"events_count":   len(r.allEvents),
	})
	e.metrics.ObservePlannerCall()

	output, err := api.GenerateChanges(ctx, messages)
	if err != nil {
		return err
	}
	raw, _ := output["changes"].([]any)
	preview := raw
	if len(preview) > 10 {
		preview = preview[:10]
	}
	e.audit(ctx, "system", "ai", "ai_response", map[string]any{
		"trigger":           r.trigger,
		"raw_changes_count": len(raw),
		"preview":           preview,
	})

	changes := planner.NormalizeChanges(raw)
	r.changeCount = len(changes)
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.applyPlannedChange(ctx, r, change); err != nil {
			return err
		}
	}
	return nil
}

// applyPlannedChange resolves one normalized change onto the working set and
// pushes it through the gates. Conflicts and skips are audited and absorbed;
// only transport failures abort the run.
func (e *Engine) applyPlannedChange(ctx context.Context, r *run, change planner.Change) error {
	key, ev := r.resolveChangeTarget(change)
	if ev == nil {
		e.audit(ctx, "system", "ai", "ai_change_unmatched", map[string]any{
			"trigger":     r.trigger,
			"calendar_id": change.CalendarID,
			"uid":         change.UID,
		})
		return nil
	}

	editableFields := model.ExtractEditableFields(ev.Description, r.cfg.TaskDefaults.EditableFields)
	outcome := ApplyChange(ev, change, r.baseline[key], editableFields, model.HasUserIntent(ev.Description))

	if len(outcome.BlockedFields) > 0 {
		e.audit(ctx, ev.CalendarID, ev.UID, "ai_change_blocked_by_editable_fields", map[string]any{
			"trigger":         r.trigger,
			"blocked_fields":  outcome.BlockedFields,
			"editable_fields": editableFields,
		})
	}
	if outcome.Conflicted {
		r.conflicts++
		e.audit(ctx, ev.CalendarID, ev.UID, outcome.Reason, map[string]any{"trigger": r.trigger})
		return nil
	}
	if outcome.Skipped {
		e.audit(ctx, ev.CalendarID, ev.UID, "ai_change_skipped_no_intent", map[string]any{"trigger": r.trigger})
		return nil
	}
	if !outcome.Applied {
		// The model restated the current state. Consume the intent anyway so
		// the same instruction does not force a replan forever.
		if _, err := e.consumeIntent(ctx, r, key, ev); err != nil {
			return err
		}
		e.audit(ctx, ev.CalendarID, ev.UID, "ai_change_skipped_no_effect", map[string]any{"trigger": r.trigger})
		return nil
	}

	before := ev.Clone()
	saved, err := r.dav.UpsertEvent(ctx, ev.CalendarID, outcome.Event)
	if err != nil {
		return fmt.Errorf("apply planned change to %s: %w", ev.UID, err)
	}

	category := ""
	if change.Category != nil {
		category = strings.TrimSpace(*change.Category)
	}
	if category == "" {
		category = inferCategory(saved, change)
	}
	if description, _, changed := model.SetTaskCategory(saved.Description, r.cfg.TaskDefaults, category, time.Now()); changed {
		next := saved.Clone()
		next.Description = description
		saved, err = r.dav.UpsertEvent(ctx, ev.CalendarID, next)
		if err != nil {
			return fmt.Errorf("record category on %s: %w", ev.UID, err)
		}
	}
	r.mutable[key] = saved
	r.baseline[key] = saved.ETag

	patch := eventPatch(before, saved)
	if len(patch) == 0 {
		// Sub-second shifts survive the field diff but serialize identically,
		// so nothing visible changed. Same treatment as a restated change.
		if _, err := e.consumeIntent(ctx, r, key, saved); err != nil {
			return err
		}
		e.audit(ctx, ev.CalendarID, ev.UID, "ai_change_skipped_no_effect", map[string]any{"trigger": r.trigger})
		return nil
	}

	r.applied++
	fields := patchFieldNames(patch)
	reason := ""
	if change.Reason != nil {
		reason = strings.TrimSpace(*change.Reason)
	}
	if reason == "" {
		reason = "AI adjusted fields: " + strings.Join(fields, ", ")
	}

	saved, err = e.consumeIntent(ctx, r, key, saved)
	if err != nil {
		return err
	}

	e.audit(ctx, ev.CalendarID, ev.UID, "apply_ai_change", map[string]any{
		"trigger":      r.trigger,
		"category":     category,
		"reason":       reason,
		"title":        saved.Summary,
		"start":        model.SerializeTime(saved.Start),
		"end":          model.SerializeTime(saved.End),
		"fields":       fields,
		"patch":        patch,
		"before_event": planner.EventPayload(before),
		"after_event":  planner.EventPayload(saved),
	})
	return nil
}

// resolveChangeTarget maps a change onto the working set: an exact key hit,
// then the namespaced twin of a source event the model named directly, then
// a unique UID match for providers that scramble calendar ids.
func (r *run) resolveChangeTarget(change planner.Change) (eventKey, *model.Event) {
	key := eventKey{change.CalendarID, change.UID}
	if ev := r.mutable[key]; ev != nil {
		return key, ev
	}
	key = eventKey{r.user.ID, model.StagingUID(change.CalendarID, change.UID)}
	if ev := r.mutable[key]; ev != nil {
		return key, ev
	}
	var match eventKey
	count := 0
	for _, candidate := range r.mutableOrder {
		if candidate.uid == change.UID {
			match = candidate
			count++
		}
	}
	if count == 1 {
		return match, r.mutable[match]
	}
	return eventKey{}, nil
}

// consumeIntent blanks user_intent in the task block and writes the event
// back when that changed anything, keeping the working set and baseline etag
// on the latest server version.
func (e *Engine) consumeIntent(ctx context.Context, r *run, key eventKey, ev *model.Event) (*model.Event, error) {
	description, _, changed := model.SetTaskUserIntent(ev.Description, r.cfg.TaskDefaults, "", time.Now())
	if !changed {
		return ev, nil
	}
	next := ev.Clone()
	next.Description = description
	saved, err := r.dav.UpsertEvent(ctx, ev.CalendarID, next)
	if err != nil {
		return nil, fmt.Errorf("consume intent on %s: %w", ev.UID, err)
	}
	r.mutable[key] = saved
	r.baseline[key] = saved.ETag
	return saved, nil
}

// mirrorStage rewrites the stage calendar as a twin of the user layer; the
// next run diffs against it to decide whether to replan. UIDs carry over
// as-is, a stage twin is never re-namespaced.
func (e *Engine) mirrorStage(ctx context.Context, r *run) error {
	for _, key := range r.mutableOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := r.mutable[key]
		if ev == nil {
			continue
		}
		_, err := e.mirrorToStage(ctx, r, ev)
		if err == nil {
			continue
		}
		if !isDuplicateUIDError(err) {
			return fmt.Errorf("mirror %s to stage: %w", ev.UID, err)
		}
		// One-shot repair: drop whatever squats on the UID, then retry once.
		deleteOK := r.dav.DeleteEvent(ctx, r.staging.ID, ev.UID, "")
		e.audit(ctx, r.staging.ID, ev.UID, "repair_stage_duplicate_uid", map[string]any{
			"trigger": r.trigger, "delete_ok": deleteOK,
		})
		if !deleteOK {
			continue
		}
		if _, err := e.mirrorToStage(ctx, r, ev); err != nil {
			e.audit(ctx, r.staging.ID, ev.UID, "skip_stage_mirror_after_duplicate", map[string]any{
				"trigger": r.trigger, "error": err.Error(),
			})
		}
	}
	return nil
}

func (e *Engine) mirrorToStage(ctx context.Context, r *run, ev *model.Event) (*model.Event, error) {
	twin := ev.Clone()
	twin.CalendarID = r.staging.ID
	twin.Href = ""
	twin.Source = model.SourceStaging
	twin.OriginalCalendarID = ev.CalendarID
	twin.OriginalUID = ev.UID
	return r.dav.UpsertEvent(ctx, r.staging.ID, twin)
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
