package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/automation"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publisher"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/slotkey"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/store"
)

type fakeScheduler struct {
	armed     map[string]time.Time
	cancelled map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: map[string]time.Time{}, cancelled: map[string]bool{}}
}

func (f *fakeScheduler) Arm(slotKey string, publishAt time.Time) {
	delete(f.cancelled, slotKey)
	f.armed[slotKey] = publishAt
}

func (f *fakeScheduler) Cancel(slotKey string) {
	delete(f.armed, slotKey)
	f.cancelled[slotKey] = true
}

type fakeQueue struct {
	removed map[string]bool
}

func (f *fakeQueue) Remove(id string) bool {
	if f.removed == nil {
		f.removed = map[string]bool{}
	}
	f.removed[id] = true
	return true
}

type fakeExecutor struct {
	outcome publisher.Outcome
}

func (f *fakeExecutor) Execute(ctx context.Context, id string) publisher.Outcome {
	return f.outcome
}

type fakeExpander struct {
	slots []model.Slot
}

func (f *fakeExpander) ExpandPatterns(ctx context.Context, patterns []string, monthsAhead int, timezone string) ([]model.Slot, error) {
	return f.slots, nil
}

type fakeProfiles struct {
	profiles map[string]*model.Profile
}

func (f *fakeProfiles) GetProfile(targetID, profileKey string) (*model.Profile, bool) {
	p, ok := f.profiles[targetID+"::"+profileKey]
	return p, ok
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	return store.New(dir+"/pending.json", dir+"/automation.json", 50, nil, nil)
}

func TestUpdatePendingForProfileArmsNewScheduledRecords(t *testing.T) {
	st := newTestStore(t)
	sched := newFakeScheduler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	profile := &model.Profile{
		TargetID: "T", ProfileKey: "P", Timezone: "UTC", DurationMinutes: 30,
		Automation: model.AutomationSettings{Enabled: true, TimingMode: model.TimingBefore, DaysOffset: 1},
	}
	slotStart := now.Add(48 * time.Hour)
	expander := &fakeExpander{slots: []model.Slot{{Start: slotStart}}}

	c := New(st, sched, &fakeQueue{}, &fakeExecutor{}, automation.NewCalculator(), expander, &fakeProfiles{}, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	err := c.UpdatePendingForProfile(context.Background(), profile)
	require.NoError(t, err)

	key := slotkey.Format("T", "P", slotStart)
	rec, ok := st.Get(key)
	require.True(t, ok)
	assert.Equal(t, model.StatusScheduled, rec.Status)
	_, armed := sched.armed[key]
	assert.True(t, armed)
}

func TestApplyOverridesRecomputesPublishTimeOnStartChange(t *testing.T) {
	st := newTestStore(t)
	sched := newFakeScheduler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	oldStart := now.Add(48 * time.Hour)
	oldPublish := now.Add(24 * time.Hour)
	rec := &model.PendingRecord{
		ID: "id1", SlotKey: "id1", TargetID: "T", ProfileKey: "P",
		EventStartsAt: oldStart, ScheduledPublishTime: &oldPublish, Status: model.StatusScheduled,
	}
	st.Put(rec)

	profiles := &fakeProfiles{profiles: map[string]*model.Profile{
		"T::P": {TargetID: "T", ProfileKey: "P", Automation: model.AutomationSettings{TimingMode: model.TimingAfter}},
	}}

	c := New(st, sched, &fakeQueue{}, &fakeExecutor{}, automation.NewCalculator(), &fakeExpander{}, profiles, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	newStart := oldStart.Add(24 * time.Hour)
	updated, err := c.ApplyOverrides("id1", &model.ManualOverrides{EventStartsAt: &newStart})
	require.NoError(t, err)

	assert.True(t, updated.EventStartsAt.Equal(newStart))
	wantPublish := newStart.Add(-24 * time.Hour)
	require.NotNil(t, updated.ScheduledPublishTime)
	assert.True(t, updated.ScheduledPublishTime.Equal(wantPublish))
	assert.Equal(t, model.StatusScheduled, updated.Status)
	assert.True(t, sched.cancelled["id1"])
	newKey := slotkey.Format("T", "P", newStart)
	_, armed := sched.armed[newKey]
	assert.True(t, armed)
}

func TestActOnMissedPostNowReturnsPublished(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	rec := &model.PendingRecord{
		ID: "id1", SlotKey: "id1", TargetID: "T", ProfileKey: "P",
		EventStartsAt: now.Add(time.Hour), ScheduledPublishTime: &past,
		Status: model.StatusMissed, MissedAt: &past,
	}
	st.Put(rec)

	c := New(st, newFakeScheduler(), &fakeQueue{}, &fakeExecutor{outcome: publisher.OutcomePublished},
		automation.NewCalculator(), &fakeExpander{}, &fakeProfiles{}, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	outcome, err := c.ActOnMissed(context.Background(), "id1", ActionPostNow)
	require.NoError(t, err)
	assert.Equal(t, "published", outcome)
}

func TestActOnMissedRescheduleArmsFiveMinutesOut(t *testing.T) {
	st := newTestStore(t)
	sched := newFakeScheduler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	rec := &model.PendingRecord{
		ID: "id1", SlotKey: "id1", TargetID: "T", ProfileKey: "P",
		EventStartsAt: now.Add(time.Hour), ScheduledPublishTime: &past,
		Status: model.StatusMissed, MissedAt: &past,
	}
	st.Put(rec)

	c := New(st, sched, &fakeQueue{}, &fakeExecutor{}, automation.NewCalculator(), &fakeExpander{}, &fakeProfiles{}, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	outcome, err := c.ActOnMissed(context.Background(), "id1", ActionReschedule)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", outcome)

	got, ok := st.Get("id1")
	require.True(t, ok)
	assert.Equal(t, model.StatusScheduled, got.Status)
	assert.Nil(t, got.MissedAt)
	require.NotNil(t, got.ScheduledPublishTime)
	assert.True(t, got.ScheduledPublishTime.Equal(now.Add(5*time.Minute)))
}

func TestActOnMissedCancelSoftDeletesAndPurgesEmptyProfile(t *testing.T) {
	st := newTestStore(t)
	sched := newFakeScheduler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	rec := &model.PendingRecord{
		ID: "id1", SlotKey: "id1", TargetID: "T", ProfileKey: "P",
		EventStartsAt: now.Add(time.Hour), ScheduledPublishTime: &past,
		Status: model.StatusMissed, MissedAt: &past,
	}
	st.Put(rec)

	c := New(st, sched, &fakeQueue{}, &fakeExecutor{}, automation.NewCalculator(), &fakeExpander{}, &fakeProfiles{}, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	outcome, err := c.ActOnMissed(context.Background(), "id1", ActionCancel)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", outcome)
	assert.True(t, sched.cancelled["id1"])

	_, stillPending := st.Get("id1")
	assert.False(t, stillPending)
}

func TestRestoreDeletedSkipsPastEvents(t *testing.T) {
	st := newTestStore(t)
	sched := newFakeScheduler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ref := model.ProfileRef{TargetID: "T", ProfileKey: "P"}
	pastRec := &model.PendingRecord{
		ID: "past", SlotKey: "past", TargetID: "T", ProfileKey: "P",
		EventStartsAt: now.Add(-time.Hour), Status: model.StatusScheduled,
	}
	st.Put(pastRec)
	st.SoftDelete("past", now)

	futureRec := &model.PendingRecord{
		ID: "future", SlotKey: "future", TargetID: "T", ProfileKey: "P",
		EventStartsAt: now.Add(48 * time.Hour), Status: model.StatusScheduled,
	}
	st.Put(futureRec)
	st.SoftDelete("future", now)

	profiles := &fakeProfiles{profiles: map[string]*model.Profile{
		"T::P": {TargetID: "T", ProfileKey: "P", Timezone: "UTC", Automation: model.AutomationSettings{TimingMode: model.TimingBefore, DaysOffset: 1}},
	}}

	c := New(st, sched, &fakeQueue{}, &fakeExecutor{}, automation.NewCalculator(), &fakeExpander{}, profiles, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	c.RestoreDeleted(ref)

	_, pastRestored := st.Get("past")
	assert.False(t, pastRestored)

	restored, ok := st.Get("future")
	require.True(t, ok)
	assert.Equal(t, model.StatusScheduled, restored.Status)
}

func TestSetKnownTargetsPrunesUnknownTargets(t *testing.T) {
	st := newTestStore(t)
	sched := newFakeScheduler()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	keep := &model.PendingRecord{ID: "keep", SlotKey: "keep", TargetID: "T1", ProfileKey: "P", EventStartsAt: now.Add(time.Hour), Status: model.StatusScheduled}
	drop := &model.PendingRecord{ID: "drop", SlotKey: "drop", TargetID: "T2", ProfileKey: "P", EventStartsAt: now.Add(time.Hour), Status: model.StatusScheduled}
	st.Put(keep)
	st.Put(drop)

	c := New(st, sched, &fakeQueue{}, &fakeExecutor{}, automation.NewCalculator(), &fakeExpander{}, &fakeProfiles{}, nil,
		func() time.Time { return now }, 3, automation.FirstSlotWallClock)

	pruned := c.SetKnownTargets([]string{"T1"})
	assert.Equal(t, 1, pruned)

	_, keptOk := st.Get("keep")
	assert.True(t, keptOk)
	_, droppedOk := st.Get("drop")
	assert.False(t, droppedOk)
}
