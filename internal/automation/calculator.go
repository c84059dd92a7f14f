// Package automation implements C4, the publish-time calculator: derives a
// ScheduledPublishTime from an event start and a profile's automation
// settings.
package automation

import (
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

// HardCap is the minimum lead time a publish instant must keep ahead of
// the event start.
const HardCap = 30 * time.Minute

// FirstSlotMode decides what "previous slot" means for the very first
// after-mode slot of a profile with no publish history yet.
type FirstSlotMode string

const (
	// FirstSlotWallClock anchors the first after-mode slot to "now".
	FirstSlotWallClock FirstSlotMode = "wallClock"
	// FirstSlotPreviousEventEnd anchors it to AutomationState.LastSuccess
	// when one exists, falling back to "now" otherwise.
	FirstSlotPreviousEventEnd FirstSlotMode = "previousEventEnd"
)

// AfterInput carries the context After() needs beyond the automation
// settings: the slot being timed, and what (if anything) came before it.
type AfterInput struct {
	Start         time.Time  // the slot being timed (the "next" slot)
	PrevSlotStart *time.Time // nil if Start is the first materialized slot
	PrevSlotEnd   *time.Time // nil if Start is the first materialized slot
	LastSuccess   *time.Time
	Now           time.Time
	FirstSlotMode FirstSlotMode
}

// Calculator computes publish instants. It is stateless; it exists as a
// value so call sites read like NewX().Method(...) rather than bare
// package functions.
type Calculator struct{}

// NewCalculator constructs a Calculator.
func NewCalculator() *Calculator { return &Calculator{} }

// Compute dispatches on settings.TimingMode. For TimingAfter, after must
// be populated by the caller (slot expansion); other modes ignore it.
func (c *Calculator) Compute(s model.AutomationSettings, start time.Time, loc *time.Location, after AfterInput) time.Time {
	switch s.TimingMode {
	case model.TimingMonthly:
		return c.Monthly(start, s, loc)
	case model.TimingAfter:
		after.Start = start
		return c.After(after, s)
	default:
		return c.Before(start, s)
	}
}

// Before implements the before-mode rule: publish = start - offset,
// hard-capped at start-30min.
func (c *Calculator) Before(start time.Time, s model.AutomationSettings) time.Time {
	return applyHardCap(start.Add(-offsetDuration(s)), start)
}

// Monthly implements the monthly-mode rule, clamping MonthlyDay to the
// target month's last day (so day=31 publishes on day 30 in a 30-day
// month) and stepping one calendar month earlier whenever the naive
// candidate would land on or after the event start.
func (c *Calculator) Monthly(start time.Time, s model.AutomationSettings, loc *time.Location) time.Time {
	if loc == nil {
		loc = start.Location()
	}
	inLoc := start.In(loc)
	year, month := inLoc.Year(), inLoc.Month()

	candidate := monthlyCandidate(year, month, s.MonthlyDay, s.MonthlyHour, s.MonthlyMinute, loc)
	if !candidate.Before(inLoc) {
		year, month = prevMonth(year, month)
		candidate = monthlyCandidate(year, month, s.MonthlyDay, s.MonthlyHour, s.MonthlyMinute, loc)
	}
	return applyHardCap(candidate, start)
}

// After implements the after-mode rule with the "smart switch": if the
// naive after-mode instant would land past the midpoint between the
// previous and next slot, before-mode timing against the next slot is
// used instead. RestoreDeleted has no previous slot at all and must call
// Before directly rather than this method.
func (c *Calculator) After(in AfterInput, s model.AutomationSettings) time.Time {
	offset := offsetDuration(s)

	prevAnchor := in.Now
	if in.PrevSlotEnd != nil {
		prevAnchor = *in.PrevSlotEnd
	} else if in.FirstSlotMode == FirstSlotPreviousEventEnd && in.LastSuccess != nil {
		prevAnchor = *in.LastSuccess
	}

	publish := prevAnchor.Add(offset)

	if in.PrevSlotStart != nil {
		mid := midpoint(*in.PrevSlotStart, in.Start)
		if publish.After(mid) {
			publish = in.Start.Add(-offset)
		}
	}
	return applyHardCap(publish, in.Start)
}

func offsetDuration(s model.AutomationSettings) time.Duration {
	return time.Duration(s.DaysOffset)*24*time.Hour +
		time.Duration(s.HoursOffset)*time.Hour +
		time.Duration(s.MinutesOffset)*time.Minute
}

func applyHardCap(publish, start time.Time) time.Time {
	limit := start.Add(-HardCap)
	if publish.After(limit) {
		return limit
	}
	return publish
}

func midpoint(a, b time.Time) time.Time {
	return a.Add(b.Sub(a) / 2)
}

func monthlyCandidate(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if clampDay := lastDayOfMonth(year, month); day > clampDay {
		day = clampDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func lastDayOfMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}

func prevMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}
