package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/store"
)

type fakeProfiles struct {
	profiles map[string]*model.Profile
}

func (f *fakeProfiles) GetProfile(targetID, profileKey string) (*model.Profile, bool) {
	p, ok := f.profiles[targetID+"::"+profileKey]
	return p, ok
}

type fakeClient struct {
	eventID string
	err     error
	calls   int
}

func (f *fakeClient) PublishEvent(ctx context.Context, targetID string, details publish.EventDetails, start, end time.Time) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.eventID, nil
}

type fakeNotifier struct {
	published []string
}

func (f *fakeNotifier) OnMissed(*model.PendingRecord) {}
func (f *fakeNotifier) OnPublished(r *model.PendingRecord, eventID string) {
	f.published = append(f.published, r.ID+":"+eventID)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	return store.New(dir+"/pending.json", dir+"/automation.json", 50, nil, nil)
}

func TestExecutePublishesSuccessfully(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	record := &model.PendingRecord{ID: "r1", SlotKey: "r1", TargetID: "T", ProfileKey: "P", EventStartsAt: start, Status: model.StatusScheduled}
	st.Put(record)

	profiles := &fakeProfiles{profiles: map[string]*model.Profile{
		"T::P": {TargetID: "T", ProfileKey: "P", DurationMinutes: 60},
	}}
	client := &fakeClient{eventID: "ev-1"}
	notifier := &fakeNotifier{}

	w := New(st, profiles, client, notifier, nil, nil, func() time.Time { return start })

	outcome := w.Execute(context.Background(), "r1")
	assert.Equal(t, OutcomePublished, outcome)

	got, ok := st.Get("r1")
	require.True(t, ok)
	assert.Equal(t, model.StatusPublished, got.Status)
	require.NotNil(t, got.EventID)
	assert.Equal(t, "ev-1", *got.EventID)

	stState, ok := st.AutomationState(model.ProfileRef{TargetID: "T", ProfileKey: "P"})
	require.True(t, ok)
	assert.Equal(t, 1, stState.EventsCreated)
	assert.True(t, stState.HasPublishedMillis(start.UnixMilli()))
	require.Len(t, notifier.published, 1)
}

func TestExecuteCancelsWhenProfileMissing(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	record := &model.PendingRecord{ID: "r1", SlotKey: "r1", TargetID: "T", ProfileKey: "gone", EventStartsAt: start, Status: model.StatusScheduled}
	st.Put(record)

	w := New(st, &fakeProfiles{profiles: map[string]*model.Profile{}}, &fakeClient{}, nil, nil, nil, func() time.Time { return start })

	outcome := w.Execute(context.Background(), "r1")
	assert.Equal(t, OutcomeCancelled, outcome)

	got, _ := st.Get("r1")
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestExecuteQueuesOnRateLimit(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	record := &model.PendingRecord{ID: "r1", SlotKey: "r1", TargetID: "T", ProfileKey: "P", EventStartsAt: start, Status: model.StatusScheduled}
	st.Put(record)

	profiles := &fakeProfiles{profiles: map[string]*model.Profile{"T::P": {TargetID: "T", ProfileKey: "P"}}}
	client := &fakeClient{err: &publish.Error{Status: 429}}

	w := New(st, profiles, client, nil, nil, nil, func() time.Time { return start })

	outcome := w.Execute(context.Background(), "r1")
	assert.Equal(t, OutcomeRateLimited, outcome)

	got, _ := st.Get("r1")
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.NotNil(t, got.QueuedAt)
}

func TestExecuteRetriesOnOtherError(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	record := &model.PendingRecord{ID: "r1", SlotKey: "r1", TargetID: "T", ProfileKey: "P", EventStartsAt: start, Status: model.StatusScheduled}
	st.Put(record)

	profiles := &fakeProfiles{profiles: map[string]*model.Profile{"T::P": {TargetID: "T", ProfileKey: "P"}}}
	client := &fakeClient{err: &publish.Error{Status: 500, Message: "internal error"}}

	w := New(st, profiles, client, nil, nil, nil, func() time.Time { return start })

	outcome := w.Execute(context.Background(), "r1")
	assert.Equal(t, OutcomeRetry, outcome)

	got, _ := st.Get("r1")
	assert.Equal(t, model.StatusScheduled, got.Status, "record stays scheduled on transient failure")
}

func TestExecuteSkipsTerminalRecord(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	record := &model.PendingRecord{ID: "r1", SlotKey: "r1", TargetID: "T", ProfileKey: "P", EventStartsAt: start, Status: model.StatusPublished}
	st.Put(record)

	w := New(st, &fakeProfiles{profiles: map[string]*model.Profile{}}, &fakeClient{}, nil, nil, nil, func() time.Time { return start })
	assert.Equal(t, OutcomeSkipped, w.Execute(context.Background(), "r1"))
}
