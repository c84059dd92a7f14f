// Package store implements the pending-event store (C2) and the slot
// identity / normalization pass (C3): the durable slot-key -> pending
// record mapping, the soft-delete pool, and the per-profile automation
// state, persisted as whole-document JSON.
package store

import (
	"fmt"
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

// pendingDocument is the on-disk shape of the pending-events file.
type pendingDocument struct {
	Events        []recordDoc `json:"events"`
	DeletedEvents []recordDoc `json:"deletedEvents"`
	Settings      settingsDoc `json:"settings"`
}

type settingsDoc struct {
	DisplayLimit int `json:"displayLimit"`
}

type recordDoc struct {
	ID                   string             `json:"id"`
	SlotKey              string             `json:"slotKey"`
	TargetID             string             `json:"targetId"`
	ProfileKey           string             `json:"profileKey"`
	EventStartsAt        string             `json:"eventStartsAt"`
	ScheduledPublishTime *string            `json:"scheduledPublishTime,omitempty"`
	ManualOverrides      *overridesDoc      `json:"manualOverrides,omitempty"`
	Status               string             `json:"status"`
	MissedAt             *string            `json:"missedAt,omitempty"`
	QueuedAt             *string            `json:"queuedAt,omitempty"`
	DeletedAt            *string            `json:"deletedAt,omitempty"`
	EventID              *string            `json:"eventId,omitempty"`
}

type overridesDoc struct {
	Title           *string  `json:"title,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Category        *string  `json:"category,omitempty"`
	AccessType      *string  `json:"accessType,omitempty"`
	Languages       []string `json:"languages,omitempty"`
	Platforms       []string `json:"platforms,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ImageID         *string  `json:"imageId,omitempty"`
	ImageURL        *string  `json:"imageUrl,omitempty"`
	RoleIDs         []string `json:"roleIds,omitempty"`
	DurationMinutes *int     `json:"durationMinutes,omitempty"`
	Timezone        *string  `json:"timezone,omitempty"`
	EventStartsAt   *string  `json:"eventStartsAt,omitempty"`
}

// automationDocument is the on-disk shape of the automation-state file.
type automationDocument struct {
	Profiles map[string]stateDoc `json:"profiles"`
}

type stateDoc struct {
	EventsCreated       int     `json:"eventsCreated"`
	ActivationStartsAt  *string `json:"activationStartsAt,omitempty"`
	LastSuccess         *string `json:"lastSuccess,omitempty"`
	LastEventID         *string `json:"lastEventId,omitempty"`
	PublishedEventTimes []int64 `json:"publishedEventTimes"`
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", *s, err)
	}
	return &t, nil
}

func recordToDoc(r *model.PendingRecord) recordDoc {
	d := recordDoc{
		ID:                   r.ID,
		SlotKey:              r.SlotKey,
		TargetID:             r.TargetID,
		ProfileKey:           r.ProfileKey,
		EventStartsAt:        formatTime(r.EventStartsAt),
		ScheduledPublishTime: formatTimePtr(r.ScheduledPublishTime),
		Status:               string(r.Status),
		MissedAt:             formatTimePtr(r.MissedAt),
		QueuedAt:             formatTimePtr(r.QueuedAt),
		DeletedAt:            formatTimePtr(r.DeletedAt),
		EventID:              r.EventID,
	}
	if r.ManualOverrides != nil {
		mo := r.ManualOverrides
		d.ManualOverrides = &overridesDoc{
			Title:           mo.Title,
			Description:     mo.Description,
			Category:        mo.Category,
			AccessType:      mo.AccessType,
			Languages:       mo.Languages,
			Platforms:       mo.Platforms,
			Tags:            mo.Tags,
			ImageID:         mo.ImageID,
			ImageURL:        mo.ImageURL,
			RoleIDs:         mo.RoleIDs,
			DurationMinutes: mo.DurationMinutes,
			Timezone:        mo.Timezone,
			EventStartsAt:   formatTimePtr(mo.EventStartsAt),
		}
	}
	return d
}

func docToRecord(d recordDoc) (*model.PendingRecord, error) {
	start, err := time.Parse(time.RFC3339Nano, d.EventStartsAt)
	if err != nil {
		if d.ManualOverrides == nil || d.ManualOverrides.EventStartsAt == nil {
			return nil, fmt.Errorf("record %s: parse eventStartsAt: %w", d.ID, err)
		}
		overrideStart, overrideErr := time.Parse(time.RFC3339Nano, *d.ManualOverrides.EventStartsAt)
		if overrideErr != nil {
			return nil, fmt.Errorf("record %s: parse eventStartsAt: %w", d.ID, err)
		}
		start = overrideStart
	}
	scheduled, err := parseTimePtr(d.ScheduledPublishTime)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", d.ID, err)
	}
	missed, err := parseTimePtr(d.MissedAt)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", d.ID, err)
	}
	queued, err := parseTimePtr(d.QueuedAt)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", d.ID, err)
	}
	deletedAt, err := parseTimePtr(d.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", d.ID, err)
	}

	r := &model.PendingRecord{
		ID:                   d.ID,
		SlotKey:              d.SlotKey,
		TargetID:             d.TargetID,
		ProfileKey:           d.ProfileKey,
		EventStartsAt:        start,
		ScheduledPublishTime: scheduled,
		Status:               model.Status(d.Status),
		MissedAt:             missed,
		QueuedAt:             queued,
		DeletedAt:            deletedAt,
		EventID:              d.EventID,
	}
	if d.ManualOverrides != nil {
		mo := d.ManualOverrides
		overrideStart, err := parseTimePtr(mo.EventStartsAt)
		if err != nil {
			return nil, fmt.Errorf("record %s: manualOverrides: %w", d.ID, err)
		}
		r.ManualOverrides = &model.ManualOverrides{
			Title:           mo.Title,
			Description:     mo.Description,
			Category:        mo.Category,
			AccessType:      mo.AccessType,
			Languages:       mo.Languages,
			Platforms:       mo.Platforms,
			Tags:            mo.Tags,
			ImageID:         mo.ImageID,
			ImageURL:        mo.ImageURL,
			RoleIDs:         mo.RoleIDs,
			DurationMinutes: mo.DurationMinutes,
			Timezone:        mo.Timezone,
			EventStartsAt:   overrideStart,
		}
	}
	return r, nil
}

func stateToDoc(s *model.AutomationState) stateDoc {
	d := stateDoc{
		EventsCreated:       s.EventsCreated,
		ActivationStartsAt:  formatTimePtr(s.ActivationStartsAt),
		LastSuccess:         formatTimePtr(s.LastSuccess),
		LastEventID:         s.LastEventID,
		PublishedEventTimes: make([]int64, 0, len(s.PublishedEventTimes)),
	}
	for ms := range s.PublishedEventTimes {
		d.PublishedEventTimes = append(d.PublishedEventTimes, ms)
	}
	return d
}

func docToState(d stateDoc) (*model.AutomationState, error) {
	activation, err := parseTimePtr(d.ActivationStartsAt)
	if err != nil {
		return nil, err
	}
	lastSuccess, err := parseTimePtr(d.LastSuccess)
	if err != nil {
		return nil, err
	}
	s := &model.AutomationState{
		EventsCreated:       d.EventsCreated,
		ActivationStartsAt:  activation,
		LastSuccess:         lastSuccess,
		LastEventID:         d.LastEventID,
		PublishedEventTimes: make(map[int64]struct{}, len(d.PublishedEventTimes)),
	}
	for _, ms := range d.PublishedEventTimes {
		s.PublishedEventTimes[ms] = struct{}{}
	}
	return s, nil
}
