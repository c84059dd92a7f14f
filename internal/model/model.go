// Package model holds the domain types the engine schedules and publishes.
// Profiles are read-only to the engine; everything else here is owned and
// mutated exclusively through internal/control and internal/engine.
package model

import "time"

// TimingMode selects how AutomationSettings derives a publish instant from
// an event start.
type TimingMode string

const (
	TimingBefore  TimingMode = "before"
	TimingAfter   TimingMode = "after"
	TimingMonthly TimingMode = "monthly"
)

// RepeatMode is the profile's repeat setting (indefinite or a fixed
// count). It is carried on the profile but not read by the engine: the
// number of materialized slots is whatever the expander returns.
type RepeatMode string

const (
	RepeatIndefinite RepeatMode = "indefinite"
	RepeatCount      RepeatMode = "count"
)

// AutomationSettings is the automation block of a Profile.
type AutomationSettings struct {
	Enabled       bool
	TimingMode    TimingMode
	DaysOffset    int
	HoursOffset   int
	MinutesOffset int
	MonthlyDay    int // 1..31
	MonthlyHour   int
	MonthlyMinute int
	RepeatMode    RepeatMode
	RepeatCount   int
}

// ContentFields is the current, externally-owned set of display fields a
// profile carries (title, description, imagery, ...). The engine never
// writes these; it only reads them at publish time to merge with a
// record's ManualOverrides, override wins.
type ContentFields struct {
	Title           string
	Description     string
	Category        string
	AccessType      string
	Languages       []string
	Platforms       []string
	Tags            []string
	ImageID         string
	ImageURL        string
	RoleIDs         []string
}

// Profile is read-only to the engine; it is looked up by (TargetID,
// ProfileKey) on every publish attempt rather than cached in a
// PendingRecord, so edits take effect immediately.
type Profile struct {
	TargetID        string
	ProfileKey      string
	Patterns        []string
	Timezone        string
	DurationMinutes int
	Automation      AutomationSettings
	Content         ContentFields
}

// Slot is a single future event instant produced by pattern expansion
// (C1, external). Occurrence/Weekday are advisory metadata some patterns
// attach; IsLast marks the final occurrence of a bounded repeat.
type Slot struct {
	Start      time.Time
	Weekday    *string
	Occurrence *int
	IsLast     bool
	IsAnnual   bool
}

// Status is a PendingRecord's lifecycle state. See spec state machine:
// scheduled -> queued -> published (terminal); scheduled -> missed ->
// scheduled; any -> deleted (soft) -> scheduled (restore); cancelled is
// terminal and does not survive a restart's normalization pass.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusQueued     Status = "queued"
	StatusMissed     Status = "missed"
	StatusPublished  Status = "published"
	StatusCancelled  Status = "cancelled"
	StatusDeleted    Status = "deleted"
	StatusProcessing Status = "processing" // transient: postNow in flight
)

// statusPriority ranks statuses for dedup within an equivalence class of
// slot keys: higher wins. published always wins; records carrying manual
// overrides are preferred over plain queued/scheduled/missed records (the
// override preference itself is applied by the caller, see internal/store).
var statusPriority = map[Status]int{
	StatusPublished:  5,
	StatusQueued:     3,
	StatusScheduled:  2,
	StatusMissed:     1,
	StatusProcessing: 3,
	StatusCancelled:  0,
	StatusDeleted:    0,
}

// StatusPriority returns the dedup rank for a status, lowest for unknown
// values so malformed records never win a collision.
func StatusPriority(s Status) int {
	if p, ok := statusPriority[s]; ok {
		return p
	}
	return -1
}

// ManualOverrides is the recognized attribute bag a user can layer onto a
// PendingRecord; pointer/slice-nil fields mean "not overridden" so merging
// with a Profile's current fields (override wins) is unambiguous.
type ManualOverrides struct {
	Title           *string
	Description     *string
	Category        *string
	AccessType      *string
	Languages       []string
	Platforms       []string
	Tags            []string
	ImageID         *string
	ImageURL        *string
	RoleIDs         []string
	DurationMinutes *int
	Timezone        *string
	EventStartsAt   *time.Time
}

// HasEventStartOverride reports whether the user moved the slot's start.
func (m *ManualOverrides) HasEventStartOverride() bool {
	return m != nil && m.EventStartsAt != nil
}

// PendingRecord is a persisted slot with a computed publish time and a
// lifecycle status. ID is the slot key at creation time; SlotKey tracks
// the current identity and may diverge from ID after an override moves
// the event start.
type PendingRecord struct {
	ID                   string
	SlotKey              string
	TargetID             string
	ProfileKey           string
	EventStartsAt        time.Time
	ScheduledPublishTime *time.Time // nil only when Status == published
	ManualOverrides      *ManualOverrides
	Status               Status
	MissedAt             *time.Time
	QueuedAt             *time.Time
	DeletedAt            *time.Time
	EventID              *string
}

// Clone returns a deep-enough copy so readers can't alias store-owned
// memory; ManualOverrides is copied by value of its pointer fields since
// none of them are mutated in place after creation.
func (p *PendingRecord) Clone() *PendingRecord {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ScheduledPublishTime != nil {
		t := *p.ScheduledPublishTime
		cp.ScheduledPublishTime = &t
	}
	if p.MissedAt != nil {
		t := *p.MissedAt
		cp.MissedAt = &t
	}
	if p.QueuedAt != nil {
		t := *p.QueuedAt
		cp.QueuedAt = &t
	}
	if p.DeletedAt != nil {
		t := *p.DeletedAt
		cp.DeletedAt = &t
	}
	if p.EventID != nil {
		id := *p.EventID
		cp.EventID = &id
	}
	if p.ManualOverrides != nil {
		mo := *p.ManualOverrides
		cp.ManualOverrides = &mo
	}
	return &cp
}

// ProfileRef identifies a profile by its two-part key.
type ProfileRef struct {
	TargetID   string
	ProfileKey string
}

// String renders the automation-state map key "{targetId}::{profileKey}".
func (r ProfileRef) String() string {
	return r.TargetID + "::" + r.ProfileKey
}

// AutomationState is the per-profile counter/anchor block (C9).
type AutomationState struct {
	EventsCreated       int
	ActivationStartsAt  *time.Time
	LastSuccess         *time.Time
	LastEventID         *string
	PublishedEventTimes map[int64]struct{}
}

// Clone deep-copies the publishedEventTimes set so readers can't mutate
// store-owned state.
func (s *AutomationState) Clone() *AutomationState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ActivationStartsAt != nil {
		t := *s.ActivationStartsAt
		cp.ActivationStartsAt = &t
	}
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	if s.LastEventID != nil {
		id := *s.LastEventID
		cp.LastEventID = &id
	}
	cp.PublishedEventTimes = make(map[int64]struct{}, len(s.PublishedEventTimes))
	for k := range s.PublishedEventTimes {
		cp.PublishedEventTimes[k] = struct{}{}
	}
	return &cp
}

// HasPublishedMillis reports whether a slot start (in epoch millis) has
// already been published for this profile; invariant 4 relies on this.
func (s *AutomationState) HasPublishedMillis(ms int64) bool {
	if s == nil {
		return false
	}
	_, ok := s.PublishedEventTimes[ms]
	return ok
}
