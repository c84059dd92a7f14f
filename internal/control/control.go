// Package control implements the engine's control API (C8): the set of
// operations the outside world uses to seed, edit, and reconcile the
// pending store. Every operation here runs on the engine's single-writer
// loop — Control itself holds no lock of its own, relying entirely on
// Store's internal mutex and the fact that callers serialize access.
package control

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/automation"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publisher"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/slotkey"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/store"
)

// Scheduler is the subset of internal/scheduler.Scheduler Control needs.
type Scheduler interface {
	Arm(slotKey string, publishAt time.Time)
	Cancel(slotKey string)
}

// Queue is the subset of internal/ratelimit.PriorityQueue Control needs
// to dequeue a cancelled record from C6.
type Queue interface {
	Remove(id string) bool
}

// Executor runs one C7 publish attempt synchronously, used by
// ActOnMissed's postNow action.
type Executor interface {
	Execute(ctx context.Context, id string) publisher.Outcome
}

// RealEvent is one externally-observed live event, as seen by
// ReconcilePublished.
type RealEvent struct {
	EventID  string
	StartsAt time.Time
}

// Control wires the C8 operations to the store, scheduler, queue, and
// the C1 expander / profile lookup collaborators.
type Control struct {
	store       *store.Store
	scheduler   Scheduler
	queue       Queue
	executor    Executor
	calc        *automation.Calculator
	expander    publish.Expander
	profiles    publish.ProfileLookup
	logger      publish.Logger
	now         func() time.Time
	monthsAhead int
	firstSlot   automation.FirstSlotMode
}

// New constructs a Control.
func New(
	st *store.Store,
	scheduler Scheduler,
	queue Queue,
	executor Executor,
	calc *automation.Calculator,
	expander publish.Expander,
	profiles publish.ProfileLookup,
	logger publish.Logger,
	now func() time.Time,
	monthsAhead int,
	firstSlot automation.FirstSlotMode,
) *Control {
	if now == nil {
		now = time.Now
	}
	return &Control{
		store: st, scheduler: scheduler, queue: queue, executor: executor,
		calc: calc, expander: expander, profiles: profiles, logger: logger,
		now: now, monthsAhead: monthsAhead, firstSlot: firstSlot,
	}
}

func (c *Control) log(message string, fields map[string]any) {
	if c.logger != nil {
		c.logger.Log("control", message, fields)
	}
}

func (c *Control) persist() {
	if err := c.store.Save(); err != nil {
		c.log("persistence failed", map[string]any{"error": err.Error()})
	}
}

func (c *Control) cancel(r *model.PendingRecord) {
	c.scheduler.Cancel(r.SlotKey)
	c.queue.Remove(r.ID)
}

// SetKnownTargets intersects pending and deleted to the given target
// ids. A nil slice performs no pruning and reports zero.
func (c *Control) SetKnownTargets(ids []string) int {
	if ids == nil {
		return 0
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	pruned := 0
	for _, r := range c.store.AllPending() {
		if _, ok := known[r.TargetID]; !ok {
			c.cancel(r)
			c.store.Remove(r.ID)
			pruned++
		}
	}
	for _, r := range c.store.AllDeleted() {
		if _, ok := known[r.TargetID]; !ok {
			c.store.PurgeDeleted(r.ID)
			pruned++
		}
	}
	c.persist()
	return pruned
}

// UpdatePendingForProfile regenerates a profile's pending records from
// its current patterns and automation settings.
func (c *Control) UpdatePendingForProfile(ctx context.Context, profile *model.Profile) error {
	ref := model.ProfileRef{TargetID: profile.TargetID, ProfileKey: profile.ProfileKey}

	existing := c.store.ByProfile(ref)
	var survivors []*model.PendingRecord
	for _, r := range existing {
		nonOverridden := r.ManualOverrides == nil && r.Status != model.StatusPublished && r.Status != model.StatusCancelled
		if nonOverridden {
			c.cancel(r)
			c.store.Remove(r.ID)
			continue
		}
		survivors = append(survivors, r)
	}

	if !profile.Automation.Enabled {
		c.persist()
		return nil
	}

	st, hasState := c.store.AutomationState(ref)
	var anchor *time.Time
	if hasState && st.ActivationStartsAt != nil {
		anchor = st.ActivationStartsAt
	} else {
		for _, r := range survivors {
			if anchor == nil || r.EventStartsAt.Before(*anchor) {
				t := r.EventStartsAt
				anchor = &t
			}
		}
		if anchor != nil {
			if !hasState {
				st = &model.AutomationState{PublishedEventTimes: make(map[int64]struct{})}
			}
			st.ActivationStartsAt = anchor
			c.store.PutAutomationState(ref, st)
		}
	}

	occupied := make(map[string]struct{})
	for _, r := range survivors {
		if r.ManualOverrides != nil || r.Status == model.StatusPublished {
			occupied[r.SlotKey] = struct{}{}
		}
	}
	for _, r := range c.store.DeletedByProfile(ref) {
		occupied[r.SlotKey] = struct{}{}
	}

	loc, err := time.LoadLocation(profile.Timezone)
	if err != nil {
		loc = time.UTC
	}

	slots, err := c.expander.ExpandPatterns(ctx, profile.Patterns, c.monthsAhead, profile.Timezone)
	if err != nil {
		return fmt.Errorf("control: expand patterns for %s: %w", ref.String(), err)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })

	now := c.now()
	var prevStart, prevEnd *time.Time

	for _, slot := range slots {
		if anchor != nil && !slot.Start.After(*anchor) {
			continue
		}
		key := slotkey.Format(ref.TargetID, ref.ProfileKey, slot.Start)
		if _, collide := occupied[key]; collide {
			continue
		}
		if st.HasPublishedMillis(slot.Start.UnixMilli()) {
			continue
		}

		var lastSuccess *time.Time
		if hasState && st != nil {
			lastSuccess = st.LastSuccess
		}
		publishAt := c.calc.Compute(profile.Automation, slot.Start, loc, automation.AfterInput{
			PrevSlotStart: prevStart,
			PrevSlotEnd:   prevEnd,
			LastSuccess:   lastSuccess,
			Now:           now,
			FirstSlotMode: c.firstSlot,
		})

		record := &model.PendingRecord{
			ID:                   key,
			SlotKey:              key,
			TargetID:             ref.TargetID,
			ProfileKey:           ref.ProfileKey,
			EventStartsAt:        slot.Start,
			ScheduledPublishTime: &publishAt,
			Status:               model.StatusScheduled,
		}
		c.store.Put(record)
		c.scheduler.Arm(key, publishAt)
		occupied[key] = struct{}{}

		start := slot.Start
		end := start.Add(time.Duration(profile.DurationMinutes) * time.Minute)
		prevStart, prevEnd = &start, &end
	}

	c.persist()
	return nil
}

// RecordManualEvent advances a profile's anchor only if startsAt
// strictly precedes the current anchor.
func (c *Control) RecordManualEvent(ref model.ProfileRef, startsAt time.Time) {
	st, ok := c.store.AutomationState(ref)
	if !ok {
		st = &model.AutomationState{PublishedEventTimes: make(map[int64]struct{})}
	}
	if st.ActivationStartsAt != nil && !startsAt.Before(*st.ActivationStartsAt) {
		return
	}
	st.ActivationStartsAt = &startsAt
	c.store.PutAutomationState(ref, st)
	c.persist()
}

// ReconcilePublished drops published records for ref whose eventId (or,
// failing that, eventStartsAt) no longer appears among upcoming.
func (c *Control) ReconcilePublished(ref model.ProfileRef, upcoming []RealEvent) {
	byID := make(map[string]RealEvent, len(upcoming))
	for _, re := range upcoming {
		if re.EventID != "" {
			byID[re.EventID] = re
		}
	}

	for _, r := range c.store.ByProfile(ref) {
		if r.Status != model.StatusPublished {
			continue
		}
		keep := false
		if r.EventID != nil {
			if _, ok := byID[*r.EventID]; ok {
				keep = true
			}
		}
		if !keep {
			for _, re := range upcoming {
				if re.StartsAt.Equal(r.EventStartsAt) {
					keep = true
					break
				}
			}
		}
		if !keep {
			c.cancel(r)
			c.store.Remove(r.ID)
		}
	}
	c.persist()
}

// ApplyOverrides stores manual overrides on a record, recomputing its
// publish time if the event start moved.
func (c *Control) ApplyOverrides(id string, overrides *model.ManualOverrides) (*model.PendingRecord, error) {
	r, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("control: record %s not found", id)
	}

	startChanged := overrides.HasEventStartOverride() && !overrides.EventStartsAt.Equal(r.EventStartsAt)
	oldSlotKey := r.SlotKey
	r.ManualOverrides = overrides

	if startChanged {
		profile, ok := c.profiles.GetProfile(r.TargetID, r.ProfileKey)
		if !ok {
			return nil, fmt.Errorf("control: profile for %s is gone", id)
		}

		newStart := *overrides.EventStartsAt
		var newPublish time.Time
		if profile.Automation.TimingMode == model.TimingBefore {
			newPublish = c.calc.Before(newStart, profile.Automation)
		} else if r.ScheduledPublishTime != nil {
			delta := r.EventStartsAt.Sub(*r.ScheduledPublishTime)
			newPublish = newStart.Add(-delta)
			if limit := newStart.Add(-automation.HardCap); newPublish.After(limit) {
				newPublish = limit
			}
		} else {
			newPublish = newStart.Add(-automation.HardCap)
		}

		r.EventStartsAt = newStart
		r.SlotKey = slotkey.Format(r.TargetID, r.ProfileKey, newStart)
		r.ScheduledPublishTime = &newPublish

		now := c.now()
		if !newPublish.After(now) {
			r.Status = model.StatusMissed
			r.MissedAt = &now
		} else {
			r.Status = model.StatusScheduled
			r.MissedAt = nil
		}

		c.scheduler.Cancel(oldSlotKey)
		c.scheduler.Arm(r.SlotKey, newPublish)
	}

	c.store.Put(r)
	c.persist()
	return r.Clone(), nil
}

// MissedAction selects the ActOnMissed behavior.
type MissedAction string

const (
	ActionPostNow    MissedAction = "postNow"
	ActionReschedule MissedAction = "reschedule"
	ActionCancel     MissedAction = "cancel"
)

// ActOnMissed performs one missed-record action, returning a short
// outcome string ("published", "queued", "scheduled", "cancelled",
// "error").
func (c *Control) ActOnMissed(ctx context.Context, id string, action MissedAction) (string, error) {
	r, ok := c.store.Get(id)
	if !ok {
		return "", fmt.Errorf("control: record %s not found", id)
	}

	switch action {
	case ActionPostNow:
		if r.Status == model.StatusQueued || r.Status == model.StatusPublished {
			return "", fmt.Errorf("control: postNow forbidden for status %s", r.Status)
		}
		r.Status = model.StatusProcessing
		c.store.Put(r)
		c.persist()

		outcome := c.executor.Execute(ctx, id)
		switch outcome {
		case publisher.OutcomePublished:
			return "published", nil
		case publisher.OutcomeRateLimited:
			return "queued", nil
		default:
			return "error", nil
		}

	case ActionReschedule:
		profile, hasProfile := c.profiles.GetProfile(r.TargetID, r.ProfileKey)
		now := c.now()
		var newPublish time.Time
		if hasProfile && profile.Automation.TimingMode == model.TimingBefore {
			newPublish = c.calc.Before(r.EventStartsAt, profile.Automation)
			if !newPublish.After(now) {
				newPublish = now.Add(5 * time.Minute)
			}
		} else {
			newPublish = now.Add(5 * time.Minute)
		}
		r.Status = model.StatusScheduled
		r.ScheduledPublishTime = &newPublish
		r.MissedAt = nil
		c.store.Put(r)
		c.scheduler.Arm(r.SlotKey, newPublish)
		c.persist()
		return "scheduled", nil

	case ActionCancel:
		now := c.now()
		c.scheduler.Cancel(r.SlotKey)
		c.queue.Remove(r.ID)
		c.store.SoftDelete(r.ID, now)

		ref := model.ProfileRef{TargetID: r.TargetID, ProfileKey: r.ProfileKey}
		if len(c.store.ByProfile(ref)) == 0 {
			c.store.PurgeProfile(ref) // also clears deleted records and automation state
		}
		c.persist()
		return "cancelled", nil

	default:
		return "", fmt.Errorf("control: unknown action %q", action)
	}
}

// RestoreDeleted restores every eligible deleted record for ref back to
// scheduled.
func (c *Control) RestoreDeleted(ref model.ProfileRef) {
	now := c.now()

	var anchor *time.Time
	if st, ok := c.store.AutomationState(ref); ok {
		anchor = st.ActivationStartsAt
	}

	occupied := make(map[string]struct{})
	for _, r := range c.store.ByProfile(ref) {
		if r.ManualOverrides != nil || r.Status == model.StatusPublished {
			occupied[r.SlotKey] = struct{}{}
		}
	}

	profile, hasProfile := c.profiles.GetProfile(ref.TargetID, ref.ProfileKey)

	for _, r := range c.store.DeletedByProfile(ref) {
		if !r.EventStartsAt.After(now) {
			continue
		}
		if anchor != nil && !r.EventStartsAt.After(*anchor) {
			continue
		}
		if _, collide := occupied[r.SlotKey]; collide {
			continue
		}

		var publishAt time.Time
		switch {
		case !hasProfile:
			publishAt = r.EventStartsAt.Add(-automation.HardCap)
		case profile.Automation.TimingMode == model.TimingAfter:
			publishAt = c.calc.Before(r.EventStartsAt, profile.Automation)
		default:
			loc, err := time.LoadLocation(profile.Timezone)
			if err != nil {
				loc = time.UTC
			}
			publishAt = c.calc.Compute(profile.Automation, r.EventStartsAt, loc, automation.AfterInput{Now: now})
		}
		if !publishAt.After(now) {
			continue
		}

		restored, ok := c.store.Restore(r.ID, model.StatusScheduled)
		if !ok {
			continue
		}
		restored.QueuedAt = nil
		restored.ScheduledPublishTime = &publishAt
		if restored.ManualOverrides != nil && restored.ManualOverrides.HasEventStartOverride() &&
			!restored.ManualOverrides.EventStartsAt.Equal(r.EventStartsAt) {
			restored.ManualOverrides = nil
		}
		c.store.Put(restored)
		c.scheduler.Arm(restored.SlotKey, publishAt)
		occupied[restored.SlotKey] = struct{}{}
	}

	c.persist()
}

// PurgeProfile cancels all timers for ref and drops it from pending,
// deleted, and automation state.
func (c *Control) PurgeProfile(ref model.ProfileRef) {
	for _, r := range c.store.ByProfile(ref) {
		c.cancel(r)
	}
	c.store.PurgeProfile(ref)
	c.persist()
}
