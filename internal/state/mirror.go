package state

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

// Mirror writes AutomationState and publish outcomes to Postgres. It is
// a side channel: the JSON automation-state file (internal/store) is
// authoritative, and a Mirror failure never blocks the engine — it is
// logged and the in-memory/on-disk state continues regardless.
type Mirror struct {
	db       *dbpg.DB
	strategy retry.Strategy
}

// NewMirror wraps an already-connected wb-go/wbf/dbpg handle.
func NewMirror(db *dbpg.DB, strategy retry.Strategy) *Mirror {
	return &Mirror{db: db, strategy: strategy}
}

// UpsertAutomationState writes the current per-profile counters/anchor,
// logging and swallowing failures rather than propagating them.
func (m *Mirror) UpsertAutomationState(ctx context.Context, ref model.ProfileRef, st *model.AutomationState) {
	times := make([]int64, 0, len(st.PublishedEventTimes))
	for ms := range st.PublishedEventTimes {
		times = append(times, ms)
	}
	query := `
		INSERT INTO automation_state (target_id, profile_key, events_created, activation_starts_at, last_success, last_event_id, published_event_times, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (target_id, profile_key) DO UPDATE SET
			events_created = EXCLUDED.events_created,
			activation_starts_at = EXCLUDED.activation_starts_at,
			last_success = EXCLUDED.last_success,
			last_event_id = EXCLUDED.last_event_id,
			published_event_times = EXCLUDED.published_event_times,
			updated_at = now()
	`
	_, err := m.db.ExecWithRetry(ctx, m.strategy, query,
		ref.TargetID, ref.ProfileKey, st.EventsCreated, st.ActivationStartsAt, st.LastSuccess, st.LastEventID, pq.Array(times))
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("profile", ref.String()).Msg("state: mirror automation state failed")
	}
}

// RecordPublishOutcome appends one row to the publish audit trail.
func (m *Mirror) RecordPublishOutcome(ctx context.Context, r *model.PendingRecord, outcome, detail string) {
	query := `
		INSERT INTO publish_audit (slot_key, target_id, profile_key, event_starts_at, event_id, outcome, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`
	_, err := m.db.ExecWithRetry(ctx, m.strategy, query,
		r.SlotKey, r.TargetID, r.ProfileKey, r.EventStartsAt, r.EventID, outcome, detail)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("slotKey", r.SlotKey).Msg("state: record publish audit failed")
	}
}

// LoadAutomationState reads back one profile's mirrored state, used only
// for diagnostics/reconciliation tooling — the JSON file remains the
// source of truth the engine boots from.
func (m *Mirror) LoadAutomationState(ctx context.Context, ref model.ProfileRef) (*model.AutomationState, error) {
	query := `
		SELECT events_created, activation_starts_at, last_success, last_event_id, published_event_times
		FROM automation_state WHERE target_id = $1 AND profile_key = $2
	`
	row, err := m.db.QueryRowWithRetry(ctx, m.strategy, query, ref.TargetID, ref.ProfileKey)
	if err != nil {
		return nil, fmt.Errorf("state: query automation state: %w", err)
	}

	var (
		eventsCreated      int
		activationStartsAt *time.Time
		lastSuccess        *time.Time
		lastEventID        *string
		times              []int64
	)
	if err := row.Scan(&eventsCreated, &activationStartsAt, &lastSuccess, &lastEventID, pq.Array(&times)); err != nil {
		return nil, fmt.Errorf("state: scan automation state: %w", err)
	}

	st := &model.AutomationState{
		EventsCreated:       eventsCreated,
		ActivationStartsAt:  activationStartsAt,
		LastSuccess:         lastSuccess,
		LastEventID:         lastEventID,
		PublishedEventTimes: make(map[int64]struct{}, len(times)),
	}
	for _, ms := range times {
		st.PublishedEventTimes[ms] = struct{}{}
	}
	return st, nil
}
