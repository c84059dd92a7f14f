// Package engine wires C2 through C9 into a single-writer actor: one
// goroutine drains a command channel that every control-API call,
// scheduler fire, and publish-worker completion posts to, so all
// store/scheduler/queue mutation is strictly serialized. The rate-limit
// queue (C6) runs its own dedicated loop rather than sharing that
// channel: the external publish call is an explicit suspension point
// and must not stall every other control-API caller while it's in
// flight.
package engine

import (
	"context"
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/automation"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/control"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publisher"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/ratelimit"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/scheduler"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/store"
)

// processSpacing is the fixed gap C6 inserts between individual publish
// attempts to keep the admitted rate smooth.
const processSpacing = 100 * time.Millisecond

// lockGrace is added to a gate's lockUntil when arming the processor's
// single wake-up timer.
const lockGrace = 100 * time.Millisecond

// Telemetry reports C6 gate state transitions for external observers
// (dashboards, the eventbus bridge); both methods must not block or
// panic. The engine calls OnTargetLocked when the gate refuses the queue
// head or a rate-limit error locks a target; it never calls
// OnTargetUnlocked.
type Telemetry interface {
	OnTargetLocked(targetID string, until time.Time)
	OnTargetUnlocked(targetID string)
}

type noopTelemetry struct{}

func (noopTelemetry) OnTargetLocked(string, time.Time) {}
func (noopTelemetry) OnTargetUnlocked(string)          {}

// Deps bundles every collaborator the engine wires together. Scheduler
// and Control are constructed internally, not supplied, since both need
// a reference back to the engine itself (Arm/Cancel, Execute).
type Deps struct {
	Store       *store.Store
	Gate        *ratelimit.Gate
	Queue       *ratelimit.PriorityQueue
	Worker      *publisher.Worker
	Calculator  *automation.Calculator
	Expander    publish.Expander
	Profiles    publish.ProfileLookup
	Notifier    publish.Notifier
	Telemetry   Telemetry
	Logger      publish.Logger
	Now         func() time.Time
	Ladder      scheduler.Ladder
	MonthsAhead int
	FirstSlot   automation.FirstSlotMode
}

// Engine is the process-wide actor. Construct with New, seed state and
// arm timers with Start, and call every mutating operation through its
// methods — never reach into Store/Scheduler/Queue directly once an
// Engine owns them.
type Engine struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	gate      *ratelimit.Gate
	queue     *ratelimit.PriorityQueue
	worker    *publisher.Worker
	ctrl      *control.Control
	notifier  publish.Notifier
	telemetry Telemetry
	logger    publish.Logger
	now       func() time.Time

	cmds   chan func()
	wake   chan struct{}
	cancel context.CancelFunc
}

// New wires Deps into an Engine. Call Start to begin processing.
func New(d Deps) *Engine {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = publish.NoopNotifier{}
	}
	telemetry := d.Telemetry
	if telemetry == nil {
		telemetry = noopTelemetry{}
	}

	e := &Engine{
		store:     d.Store,
		gate:      d.Gate,
		queue:     d.Queue,
		worker:    d.Worker,
		notifier:  notifier,
		telemetry: telemetry,
		logger:    d.Logger,
		now:       now,
		cmds:      make(chan func(), 64),
		wake:      make(chan struct{}, 1),
	}
	e.scheduler = scheduler.New(d.Ladder, now, e.onTimerFire, e.onMissedFire)
	e.ctrl = control.New(
		d.Store, e, d.Queue, e,
		d.Calculator, d.Expander, d.Profiles,
		d.Logger, now, d.MonthsAhead, d.FirstSlot,
	)
	return e
}

func (e *Engine) log(message string, fields map[string]any) {
	if e.logger != nil {
		e.logger.Log("engine", message, fields)
	}
}

func (e *Engine) persist() {
	if err := e.store.Save(); err != nil {
		e.log("persistence failed", map[string]any{"error": err.Error()})
	}
}

// do posts fn to the command loop and blocks until it has run, giving
// callers a synchronous call despite the underlying actor.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// doAsync posts fn without waiting, used for events with no caller
// blocked on the result (timer fires, processor kicks).
func (e *Engine) doAsync(fn func()) {
	e.cmds <- fn
}

// Start begins the command loop and the C6 processor loop, then runs
// missed-on-start detection and re-arms every surviving timer before
// returning, moving the engine from "Init(config)" to steady state. ctx
// governs both loops' lifetime; call Stop or cancel ctx to shut down. store.Load must already have been called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.commandLoop(ctx)
	go e.processLoop(ctx)
	e.do(e.bootstrapLocked)
}

// Stop cancels both loops. Not required for correctness — no clean
// shutdown is needed, normalization recovers on next boot — but lets a
// host shut down its goroutines promptly.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

// bootstrapLocked runs the missed-on-start pass: every scheduled (or
// crash-interrupted processing) record whose publish time has already
// passed flips to missed before any timer is armed; queued records are
// re-admitted to the processor. Runs once, on the command loop, before
// Start returns.
func (e *Engine) bootstrapLocked() {
	now := e.now()
	for _, r := range e.store.AllPending() {
		switch r.Status {
		case model.StatusScheduled, model.StatusProcessing:
			if r.Status == model.StatusProcessing {
				r.Status = model.StatusScheduled
				e.store.Put(r)
			}
			publishAt := r.EventStartsAt
			if r.ScheduledPublishTime != nil {
				publishAt = *r.ScheduledPublishTime
			}
			if !publishAt.After(now) {
				e.markMissed(r, now)
			} else {
				e.scheduler.Arm(r.SlotKey, publishAt)
			}
		case model.StatusQueued:
			e.queue.Push(r)
		}
	}
	e.persist()
	e.kick()
}

func (e *Engine) markMissed(r *model.PendingRecord, now time.Time) {
	r.Status = model.StatusMissed
	r.MissedAt = &now
	e.store.Put(r)
	e.notifier.OnMissed(r)
}

// onTimerFire is the scheduler's fire callback (exact tier elapsed on
// schedule): the record is due now, so it moves into the C6 queue.
func (e *Engine) onTimerFire(slotKey string) {
	e.doAsync(func() {
		r, ok := e.store.FindBySlotKey(slotKey)
		if !ok || r.Status != model.StatusScheduled {
			return
		}
		e.queue.Push(r)
		e.persist()
		e.kick()
	})
}

// onMissedFire is the scheduler's missed callback: the slot was found
// already overdue at arm or ladder re-entry time, never from a normal
// on-schedule fire.
func (e *Engine) onMissedFire(slotKey string) {
	e.doAsync(func() {
		r, ok := e.store.FindBySlotKey(slotKey)
		if !ok || r.Status != model.StatusScheduled {
			return
		}
		e.markMissed(r, e.now())
		e.persist()
	})
}

// kick wakes the processor loop if it's idle; a pending wake already
// queued is sufficient, so this never blocks.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			e.drainQueue(ctx)
		}
	}
}

// drainQueue runs C6's admission loop: pop the soonest-due record, admit
// or wait on the gate, execute, repeat. Stops as soon as the queue is
// empty or the head is locked, in which case a single wake-up timer is
// armed for lockUntil+lockGrace.
func (e *Engine) drainQueue(ctx context.Context) {
	for {
		head, ok := e.queue.Peek()
		if !ok {
			return
		}

		admitted, lockUntil := e.gate.TryAdmit(head.TargetID)
		if !admitted {
			e.telemetry.OnTargetLocked(head.TargetID, lockUntil)
			e.armWake(lockUntil)
			return
		}

		popped, ok := e.queue.Pop()
		if !ok {
			continue
		}
		outcome := e.worker.Execute(ctx, popped.ID)
		e.handleOutcome(popped.TargetID, popped.ID, outcome)
		time.Sleep(processSpacing)
	}
}

func (e *Engine) armWake(lockUntil time.Time) {
	delay := lockUntil.Sub(e.now()) + lockGrace
	if delay < 0 {
		delay = lockGrace
	}
	time.AfterFunc(delay, e.kick)
}

// handleOutcome applies C6's gate bookkeeping for one publish attempt's
// result, regardless of whether it ran through the queue (drainQueue) or
// via a direct postNow/retry call.
func (e *Engine) handleOutcome(targetID, id string, outcome publisher.Outcome) {
	switch outcome {
	case publisher.OutcomePublished:
		e.gate.OnSuccess(targetID, e.now())
	case publisher.OutcomeRateLimited:
		until := e.gate.OnRateLimited(targetID)
		e.telemetry.OnTargetLocked(targetID, until)
		if fresh, ok := e.store.Get(id); ok {
			e.queue.Push(fresh)
		}
	case publisher.OutcomeRetry:
		e.scheduleDirectRetry(id)
	case publisher.OutcomeSkipped, publisher.OutcomeCancelled:
	}
}

// scheduleDirectRetry runs a single retry 15 minutes after a
// non-rate-limit publish error, calling the worker directly rather than
// going through C5's recheck ladder or C6's queue.
func (e *Engine) scheduleDirectRetry(id string) {
	time.AfterFunc(publisher.RetryDelay, func() {
		e.doAsync(func() {
			var targetID string
			if r, ok := e.store.Get(id); ok {
				targetID = r.TargetID
			}
			outcome := e.worker.Execute(context.Background(), id)
			e.handleOutcome(targetID, id, outcome)
		})
	})
}

// Arm implements control.Scheduler by delegating to the internal
// scheduler.
func (e *Engine) Arm(slotKey string, publishAt time.Time) { e.scheduler.Arm(slotKey, publishAt) }

// Cancel implements control.Scheduler.
func (e *Engine) Cancel(slotKey string) { e.scheduler.Cancel(slotKey) }

// Execute implements control.Executor: a direct, synchronous publish
// attempt used by ActOnMissed's postNow action. Runs on the caller's
// goroutine (the command loop, when invoked through ActOnMissed), so a
// slow external call delays other control-API callers — an accepted
// tradeoff for a rare, explicit user action with no admission check.
func (e *Engine) Execute(ctx context.Context, id string) publisher.Outcome {
	var targetID string
	if r, ok := e.store.Get(id); ok {
		targetID = r.TargetID
	}
	outcome := e.worker.Execute(ctx, id)
	e.handleOutcome(targetID, id, outcome)
	return outcome
}

// SetKnownTargets mirrors control.Control.SetKnownTargets.
func (e *Engine) SetKnownTargets(ids []string) int {
	var n int
	e.do(func() { n = e.ctrl.SetKnownTargets(ids) })
	return n
}

// UpdatePendingForProfile mirrors control.Control.UpdatePendingForProfile.
func (e *Engine) UpdatePendingForProfile(ctx context.Context, profile *model.Profile) error {
	var err error
	e.do(func() { err = e.ctrl.UpdatePendingForProfile(ctx, profile) })
	return err
}

// RecordManualEvent mirrors control.Control.RecordManualEvent.
func (e *Engine) RecordManualEvent(ref model.ProfileRef, startsAt time.Time) {
	e.do(func() { e.ctrl.RecordManualEvent(ref, startsAt) })
}

// ReconcilePublished mirrors control.Control.ReconcilePublished.
func (e *Engine) ReconcilePublished(ref model.ProfileRef, upcoming []control.RealEvent) {
	e.do(func() { e.ctrl.ReconcilePublished(ref, upcoming) })
}

// ApplyOverrides mirrors control.Control.ApplyOverrides.
func (e *Engine) ApplyOverrides(id string, overrides *model.ManualOverrides) (*model.PendingRecord, error) {
	var (
		rec *model.PendingRecord
		err error
	)
	e.do(func() { rec, err = e.ctrl.ApplyOverrides(id, overrides) })
	return rec, err
}

// ActOnMissed mirrors control.Control.ActOnMissed.
func (e *Engine) ActOnMissed(ctx context.Context, id string, action control.MissedAction) (string, error) {
	var (
		outcome string
		err     error
	)
	e.do(func() { outcome, err = e.ctrl.ActOnMissed(ctx, id, action) })
	return outcome, err
}

// RestoreDeleted mirrors control.Control.RestoreDeleted.
func (e *Engine) RestoreDeleted(ref model.ProfileRef) {
	e.do(func() { e.ctrl.RestoreDeleted(ref) })
}

// PurgeProfile mirrors control.Control.PurgeProfile.
func (e *Engine) PurgeProfile(ref model.ProfileRef) {
	e.do(func() { e.ctrl.PurgeProfile(ref) })
}

// GetPending, GetMissed, and GetQueued are read-only snapshot queries;
// Store already guards and clones internally so these bypass the
// command loop. Readers always get a copy, never an alias into the
// store.
func (e *Engine) GetPending(targetID string) []*model.PendingRecord { return e.store.GetPending(targetID) }
func (e *Engine) GetMissed(targetID string) int                     { return e.store.GetMissed(targetID) }
func (e *Engine) GetQueued(targetID string) int                     { return e.store.GetQueued(targetID) }
