// Package publisher implements the publish worker (C7): given a pending
// record, resolve its current details, call the external publish
// boundary, and classify the result into a lifecycle transition. It
// never decides admission or retry timing — those belong to the
// engine's single-writer loop, which is the only thing allowed to touch
// the rate-limit gate, the priority queue, and scheduler timers.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/store"
)

// Outcome classifies how a single Execute call resolved.
type Outcome int

const (
	// OutcomeSkipped means the record was gone or already in a terminal
	// state by the time this attempt ran.
	OutcomeSkipped Outcome = iota
	// OutcomePublished means the external publish succeeded.
	OutcomePublished
	// OutcomeRateLimited means the publish call reported a rate-limit
	// signal; the caller should re-enqueue the record unchanged.
	OutcomeRateLimited
	// OutcomeRetry means a transient (non-rate-limit) error occurred;
	// the caller should retry this same record after 15 minutes,
	// bypassing the scheduler's recheck ladder.
	OutcomeRetry
	// OutcomeCancelled means the record's profile no longer exists.
	OutcomeCancelled
)

// RetryDelay is the fixed delay C7 step 7 uses for a non-rate-limit
// publish error.
const RetryDelay = 15 * time.Minute

// StateMirror is the narrow side-channel onto internal/state.Mirror: the
// Postgres audit trail for automation-state counters and individual
// publish outcomes. It is optional — a nil StateMirror just means the
// engine runs with the JSON store as its only persistence, same as
// before C9 existed.
type StateMirror interface {
	UpsertAutomationState(ctx context.Context, ref model.ProfileRef, st *model.AutomationState)
	RecordPublishOutcome(ctx context.Context, r *model.PendingRecord, outcome, detail string)
}

// Worker executes one publish attempt at a time: Execute holds mu for the
// whole attempt, so only one Execute call is in flight across the whole
// engine, whether it comes from the C6 queue processor or a direct
// post-now/retry.
type Worker struct {
	mu       sync.Mutex
	store    *store.Store
	profiles publish.ProfileLookup
	client   publish.Publisher
	notifier publish.Notifier
	logger   publish.Logger
	mirror   StateMirror
	now      func() time.Time
}

// New constructs a Worker. now defaults to time.Now. mirror may be nil.
func New(st *store.Store, profiles publish.ProfileLookup, client publish.Publisher, notifier publish.Notifier, logger publish.Logger, mirror StateMirror, now func() time.Time) *Worker {
	if now == nil {
		now = time.Now
	}
	if notifier == nil {
		notifier = publish.NoopNotifier{}
	}
	return &Worker{store: st, profiles: profiles, client: client, notifier: notifier, logger: logger, mirror: mirror, now: now}
}

func (w *Worker) mirrorOutcome(ctx context.Context, record *model.PendingRecord, outcome, detail string) {
	if w.mirror == nil {
		return
	}
	w.mirror.RecordPublishOutcome(ctx, record, outcome, detail)
}

func (w *Worker) mirrorAutomationState(ctx context.Context, ref model.ProfileRef, st *model.AutomationState) {
	if w.mirror == nil {
		return
	}
	w.mirror.UpsertAutomationState(ctx, ref, st)
}

func (w *Worker) log(message string, fields map[string]any) {
	if w.logger != nil {
		w.logger.Log("publisher", message, fields)
	}
}

func (w *Worker) persist() {
	if err := w.store.Save(); err != nil {
		w.log("persistence failed", map[string]any{"error": err.Error()})
	}
}

// Execute runs steps 1-7 of C7 against the pending record identified by
// id (the record's ID, stable across overrides).
func (w *Worker) Execute(ctx context.Context, id string) Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.store.Get(id)
	if !ok || record.Status == model.StatusPublished || record.Status == model.StatusCancelled {
		return OutcomeSkipped
	}

	if record.Status == model.StatusQueued {
		record.Status = model.StatusScheduled
		w.store.Put(record)
	}

	profile, ok := w.profiles.GetProfile(record.TargetID, record.ProfileKey)
	if !ok {
		record.Status = model.StatusCancelled
		w.store.Put(record)
		w.persist()
		w.mirrorOutcome(ctx, record, "cancelled", "profile not found")
		return OutcomeCancelled
	}

	details, start, end := resolveDetails(profile, record)

	eventID, err := w.client.PublishEvent(ctx, record.TargetID, details, start, end)
	if err != nil {
		if publish.IsRateLimitError(err) {
			now := w.now()
			record.Status = model.StatusQueued
			record.QueuedAt = &now
			w.store.Put(record)
			w.persist()
			w.mirrorOutcome(ctx, record, "rate_limited", err.Error())
			return OutcomeRateLimited
		}
		w.log("publish attempt failed, scheduling retry", map[string]any{"id": id, "error": err.Error()})
		w.mirrorOutcome(ctx, record, "retry", err.Error())
		return OutcomeRetry
	}

	now := w.now()
	record.Status = model.StatusPublished
	record.EventID = &eventID
	w.store.Put(record)

	ref := model.ProfileRef{TargetID: record.TargetID, ProfileKey: record.ProfileKey}
	st, ok := w.store.AutomationState(ref)
	if !ok {
		st = &model.AutomationState{PublishedEventTimes: make(map[int64]struct{})}
	}
	st.EventsCreated++
	st.LastSuccess = &now
	st.LastEventID = &eventID
	if st.ActivationStartsAt == nil {
		anchor := record.EventStartsAt
		st.ActivationStartsAt = &anchor
	}
	if st.PublishedEventTimes == nil {
		st.PublishedEventTimes = make(map[int64]struct{})
	}
	st.PublishedEventTimes[record.EventStartsAt.UnixMilli()] = struct{}{}
	w.store.PutAutomationState(ref, st)
	w.persist()

	w.mirrorAutomationState(ctx, ref, st)
	w.mirrorOutcome(ctx, record, "published", eventID)

	w.notifier.OnPublished(record, eventID)
	return OutcomePublished
}

// resolveDetails merges a profile's current fields with the record's
// manual overrides (override wins) and computes the event's end instant.
func resolveDetails(profile *model.Profile, record *model.PendingRecord) (publish.EventDetails, time.Time, time.Time) {
	content := profile.Content
	duration := profile.DurationMinutes

	details := publish.EventDetails{
		Title:       content.Title,
		Description: content.Description,
		Category:    content.Category,
		AccessType:  content.AccessType,
		Languages:   content.Languages,
		Platforms:   content.Platforms,
		Tags:        content.Tags,
		ImageID:     content.ImageID,
		ImageURL:    content.ImageURL,
		RoleIDs:     content.RoleIDs,
	}

	if mo := record.ManualOverrides; mo != nil {
		details.Title = pickString(mo.Title, details.Title)
		details.Description = pickString(mo.Description, details.Description)
		details.Category = pickString(mo.Category, details.Category)
		details.AccessType = pickString(mo.AccessType, details.AccessType)
		details.ImageID = pickString(mo.ImageID, details.ImageID)
		details.ImageURL = pickString(mo.ImageURL, details.ImageURL)
		details.Languages = pickSlice(mo.Languages, details.Languages)
		details.Platforms = pickSlice(mo.Platforms, details.Platforms)
		details.Tags = pickSlice(mo.Tags, details.Tags)
		details.RoleIDs = pickSlice(mo.RoleIDs, details.RoleIDs)
		if mo.DurationMinutes != nil {
			duration = *mo.DurationMinutes
		}
	}
	details.DurationMinutes = duration

	start := record.EventStartsAt
	end := start.Add(time.Duration(duration) * time.Minute)
	return details, start, end
}

func pickString(override *string, fallback string) string {
	if override != nil {
		return *override
	}
	return fallback
}

func pickSlice(override, fallback []string) []string {
	if override != nil {
		return override
	}
	return fallback
}
