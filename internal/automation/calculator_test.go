package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

func TestBeforeMode(t *testing.T) {
	calc := NewCalculator()
	start := time.Date(2026, 1, 2, 19, 0, 0, 0, time.UTC)
	s := model.AutomationSettings{TimingMode: model.TimingBefore, DaysOffset: 3}

	got := calc.Before(start, s)
	assert.Equal(t, start.Add(-72*time.Hour), got)
}

func TestBeforeModeHardCap(t *testing.T) {
	calc := NewCalculator()
	start := time.Date(2026, 1, 2, 19, 0, 0, 0, time.UTC)

	// start-29min would violate the 30min hard cap and must clamp down.
	s := model.AutomationSettings{TimingMode: model.TimingBefore, MinutesOffset: 29}
	got := calc.Before(start, s)
	assert.Equal(t, start.Add(-HardCap), got)

	// start-30min exactly is permitted, not clamped further.
	s30 := model.AutomationSettings{TimingMode: model.TimingBefore, MinutesOffset: 30}
	got30 := calc.Before(start, s30)
	assert.Equal(t, start.Add(-30*time.Minute), got30)
}

func TestMonthlyClampsShortMonth(t *testing.T) {
	calc := NewCalculator()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	// April has 30 days; day=31 must clamp to day 30. start is later the
	// same day so no month-stepping is needed to isolate the clamp.
	start := time.Date(2026, 4, 30, 20, 0, 0, 0, loc)
	s := model.AutomationSettings{TimingMode: model.TimingMonthly, MonthlyDay: 31, MonthlyHour: 19, MonthlyMinute: 30}

	got := calc.Monthly(start, s, loc)
	assert.Equal(t, 30, got.Day())
	assert.Equal(t, time.Month(4), got.Month())
}

func TestMonthlyStepsBackWhenCandidateNotBeforeStart(t *testing.T) {
	calc := NewCalculator()
	loc := time.UTC
	// monthlyDay falls after the event start within the same month, so
	// the calculator must step back to the previous month.
	start := time.Date(2026, 6, 5, 12, 0, 0, 0, loc)
	s := model.AutomationSettings{TimingMode: model.TimingMonthly, MonthlyDay: 20, MonthlyHour: 0, MonthlyMinute: 0}

	got := calc.Monthly(start, s, loc)
	assert.Equal(t, time.Month(5), got.Month())
	assert.Equal(t, 20, got.Day())
	assert.True(t, got.Before(start))
}

func TestAfterModeFirstSlotWallClock(t *testing.T) {
	calc := NewCalculator()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nextStart := now.Add(10 * 24 * time.Hour)
	s := model.AutomationSettings{TimingMode: model.TimingAfter, HoursOffset: 2}

	got := calc.After(AfterInput{Start: nextStart, Now: now, FirstSlotMode: FirstSlotWallClock}, s)
	assert.Equal(t, now.Add(2*time.Hour), got)
}

func TestAfterModeSmartSwitchFallsBackToBeforeMode(t *testing.T) {
	calc := NewCalculator()
	prevStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prevEnd := prevStart.Add(1 * time.Hour)
	nextStart := prevStart.Add(24 * time.Hour)
	s := model.AutomationSettings{TimingMode: model.TimingAfter, HoursOffset: 20} // publish far past midpoint

	got := calc.After(AfterInput{
		Start:         nextStart,
		PrevSlotStart: &prevStart,
		PrevSlotEnd:   &prevEnd,
		Now:           prevStart,
	}, s)

	// smart switch: before-mode against nextStart with the same offset.
	assert.Equal(t, nextStart.Add(-20*time.Hour), got)
}

func TestAfterModeHardCapStillApplies(t *testing.T) {
	calc := NewCalculator()
	prevStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prevEnd := prevStart // zero-duration previous event
	nextStart := prevStart.Add(50 * time.Minute)

	// publish = prevEnd+22min = 22min, inside the last-30min window
	// (nextStart-30min = 20min) but still before the prev/next midpoint
	// (25min), so the hard cap applies without tripping the smart switch.
	s := model.AutomationSettings{TimingMode: model.TimingAfter, MinutesOffset: 22}
	got := calc.After(AfterInput{
		Start:         nextStart,
		PrevSlotStart: &prevStart,
		PrevSlotEnd:   &prevEnd,
		Now:           prevStart,
	}, s)

	assert.Equal(t, nextStart.Add(-HardCap), got)
}
