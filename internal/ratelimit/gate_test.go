package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateAdmitsUpToLimitThenQueuesTheEleventh(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate()
	g.Now = func() time.Time { return now }

	for i := 0; i < Limit; i++ {
		ok, _ := g.TryAdmit("G")
		require.True(t, ok, "attempt %d should be admitted", i)
		g.OnSuccess("G", now)
		now = now.Add(time.Second)
		g.Now = func() time.Time { return now }
	}

	ok, lockUntil := g.TryAdmit("G")
	assert.False(t, ok)
	assert.False(t, lockUntil.IsZero())
}

func TestGateCrossWindowReleaseAfterOldestAges(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	g := NewGate()
	g.Now = func() time.Time { return now }

	for i := 0; i < Limit; i++ {
		g.OnSuccess("G", now)
		now = now.Add(time.Minute)
	}
	g.Now = func() time.Time { return now }

	ok, _ := g.TryAdmit("G")
	assert.False(t, ok, "window is saturated")

	// advance past the oldest entry's expiry (start + 1h)
	now = start.Add(WindowSize).Add(time.Second)
	g.Now = func() time.Time { return now }

	ok, _ = g.TryAdmit("G")
	assert.True(t, ok, "oldest entry should have aged out of the window")
}

func TestGateBackoffLadderResetsOnLockExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate()
	g.Now = func() time.Time { return now }

	lock1 := g.OnRateLimited("G")
	assert.Equal(t, now.Add(BackoffLadder[0]), lock1)

	now = lock1.Add(time.Second) // lock expired, backoffIndex resets via expireLock
	g.Now = func() time.Time { return now }

	ok, _ := g.TryAdmit("G")
	assert.True(t, ok)

	// a second independent rate-limit error (state not saturated) should
	// use index 0 again since the lock naturally expired and reset it.
	lock2 := g.OnRateLimited("G")
	assert.Equal(t, now.Add(BackoffLadder[0]), lock2)
}

func TestGateBackoffLadderAdvancesWithoutExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate()
	g.Now = func() time.Time { return now }

	lock1 := g.OnRateLimited("G")
	assert.Equal(t, now.Add(BackoffLadder[0]), lock1)

	// Second rate-limit signal arrives before the first lock naturally
	// expired (e.g. reported from a stale in-flight attempt); the ladder
	// must advance, not reset.
	lock2 := g.OnRateLimited("G")
	assert.Equal(t, now.Add(BackoffLadder[1]), lock2)
}

func TestGateSuccessResetsBackoffIndex(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate()
	g.Now = func() time.Time { return now }

	g.OnRateLimited("G")
	g.OnRateLimited("G")
	g.OnSuccess("G", now)

	lock := g.OnRateLimited("G")
	assert.Equal(t, now.Add(BackoffLadder[0]), lock)
}
