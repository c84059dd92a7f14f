package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopFire(string)   {}
func noopMissed(string) {}

func TestArmReportsMissedWhenAlreadyDue(t *testing.T) {
	missed := make(chan string, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(DefaultLadder, func() time.Time { return now }, noopFire, func(slotKey string) { missed <- slotKey })

	s.Arm("slot-1", now.Add(-time.Minute))

	select {
	case got := <-missed:
		assert.Equal(t, "slot-1", got)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate missed callback for a past-due publish time")
	}
	assert.False(t, s.Armed("slot-1"))
}

func TestArmExactTierFiresAfterShortDelay(t *testing.T) {
	fired := make(chan string, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(DefaultLadder, func() time.Time { return now }, func(slotKey string) { fired <- slotKey }, noopMissed)

	s.Arm("slot-1", now.Add(20*time.Millisecond))

	select {
	case got := <-fired:
		assert.Equal(t, "slot-1", got)
	case <-time.After(time.Second):
		t.Fatal("expected exact-tier fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	var mu sync.Mutex
	fired := false
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(DefaultLadder, func() time.Time { return now }, func(string) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, noopMissed)

	s.Arm("slot-1", now.Add(15*time.Millisecond))
	s.Cancel("slot-1")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
	assert.False(t, s.Armed("slot-1"))
}

func TestArmPicksLongHorizonTierForFarFuturePublish(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(DefaultLadder, func() time.Time { return now }, noopFire, noopMissed)

	tier, exact := s.tier(10 * 24 * time.Hour)
	assert.Equal(t, DefaultLadder.LongHorizonRecheck, tier)
	assert.False(t, exact)

	tier, exact = s.tier(3 * 24 * time.Hour)
	assert.Equal(t, DefaultLadder.MidHorizonRecheck, tier)
	assert.False(t, exact)

	tier, exact = s.tier(36 * time.Hour)
	assert.Equal(t, DefaultLadder.ShortHorizonRecheck, tier)
	assert.False(t, exact)

	tier, exact = s.tier(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, tier)
	assert.True(t, exact)
}

func TestArmReplacesExistingTimer(t *testing.T) {
	fired := make(chan string, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(DefaultLadder, func() time.Time { return now }, func(slotKey string) { fired <- slotKey }, noopMissed)

	s.Arm("slot-1", now.Add(time.Hour))
	require.True(t, s.Armed("slot-1"))

	s.Arm("slot-1", now.Add(10*time.Millisecond))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected the replacement timer to fire")
	}
	select {
	case <-fired:
		t.Fatal("original hour-long timer should have been cancelled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReentryAtLadderTierReportsMissedOnDrift(t *testing.T) {
	missed := make(chan string, 1)

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	ladder := Ladder{
		LongHorizon: 365 * 24 * time.Hour, LongHorizonRecheck: 365 * 24 * time.Hour,
		MidHorizon: 365 * 24 * time.Hour, MidHorizonRecheck: 365 * 24 * time.Hour,
		ShortHorizon: 5 * time.Millisecond, ShortHorizonRecheck: 10 * time.Millisecond,
	}
	s := New(ladder, clock, noopFire, func(slotKey string) { missed <- slotKey })

	publishAt := clock().Add(8 * time.Millisecond)
	s.Arm("slot-1", publishAt)

	mu.Lock()
	now = now.Add(time.Hour) // simulate a long system sleep past publishAt, observed on the ladder's next re-entry
	mu.Unlock()

	select {
	case got := <-missed:
		assert.Equal(t, "slot-1", got)
	case <-time.After(time.Second):
		t.Fatal("expected the ladder re-entry to detect drift and report missed")
	}
}
