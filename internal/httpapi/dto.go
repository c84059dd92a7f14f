// Package httpapi exposes the control API (C8) over HTTP with ginext:
// one binding DTO per request shape, a thin handler that only translates
// between HTTP and the engine, and a uniform JSON envelope on every
// response.
package httpapi

import (
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/control"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

type profileRefURI struct {
	TargetID   string `uri:"target" binding:"required"`
	ProfileKey string `uri:"key" binding:"required"`
}

func (u profileRefURI) ref() model.ProfileRef {
	return model.ProfileRef{TargetID: u.TargetID, ProfileKey: u.ProfileKey}
}

type pendingIDURI struct {
	ID string `uri:"id" binding:"required"`
}

type pendingActionURI struct {
	ID     string `uri:"id" binding:"required"`
	Action string `uri:"action" binding:"required"`
}

type knownTargetsBody struct {
	TargetIDs []string `json:"targetIds" binding:"required"`
}

type automationSettingsBody struct {
	Enabled       bool   `json:"enabled"`
	TimingMode    string `json:"timingMode"`
	DaysOffset    int    `json:"daysOffset"`
	HoursOffset   int    `json:"hoursOffset"`
	MinutesOffset int    `json:"minutesOffset"`
	MonthlyDay    int    `json:"monthlyDay"`
	MonthlyHour   int    `json:"monthlyHour"`
	MonthlyMinute int    `json:"monthlyMinute"`
	RepeatMode    string `json:"repeatMode"`
	RepeatCount   int    `json:"repeatCount"`
}

func (b automationSettingsBody) toModel() model.AutomationSettings {
	return model.AutomationSettings{
		Enabled:       b.Enabled,
		TimingMode:    model.TimingMode(b.TimingMode),
		DaysOffset:    b.DaysOffset,
		HoursOffset:   b.HoursOffset,
		MinutesOffset: b.MinutesOffset,
		MonthlyDay:    b.MonthlyDay,
		MonthlyHour:   b.MonthlyHour,
		MonthlyMinute: b.MonthlyMinute,
		RepeatMode:    model.RepeatMode(b.RepeatMode),
		RepeatCount:   b.RepeatCount,
	}
}

type contentFieldsBody struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	AccessType  string   `json:"accessType"`
	Languages   []string `json:"languages"`
	Platforms   []string `json:"platforms"`
	Tags        []string `json:"tags"`
	ImageID     string   `json:"imageId"`
	ImageURL    string   `json:"imageUrl"`
	RoleIDs     []string `json:"roleIds"`
}

func (b contentFieldsBody) toModel() model.ContentFields {
	return model.ContentFields{
		Title: b.Title, Description: b.Description, Category: b.Category,
		AccessType: b.AccessType, Languages: b.Languages, Platforms: b.Platforms,
		Tags: b.Tags, ImageID: b.ImageID, ImageURL: b.ImageURL, RoleIDs: b.RoleIDs,
	}
}

// updateProfileBody is the request body for
// POST /profiles/:target/:key — target and profile key come from the URI.
type updateProfileBody struct {
	Patterns        []string               `json:"patterns" binding:"required"`
	Timezone        string                 `json:"timezone" binding:"required"`
	DurationMinutes int                    `json:"durationMinutes"`
	Automation      automationSettingsBody `json:"automation"`
	Content         contentFieldsBody      `json:"content"`
}

func (b updateProfileBody) toProfile(ref model.ProfileRef) *model.Profile {
	return &model.Profile{
		TargetID: ref.TargetID, ProfileKey: ref.ProfileKey,
		Patterns: b.Patterns, Timezone: b.Timezone, DurationMinutes: b.DurationMinutes,
		Automation: b.Automation.toModel(), Content: b.Content.toModel(),
	}
}

type manualEventBody struct {
	EventStartsAt time.Time `json:"eventStartsAt" binding:"required"`
}

type realEventBody struct {
	EventID  string    `json:"eventId"`
	StartsAt time.Time `json:"startsAt" binding:"required"`
}

type reconcileBody struct {
	Upcoming []realEventBody `json:"upcoming"`
}

func (b reconcileBody) toRealEvents() []control.RealEvent {
	events := make([]control.RealEvent, len(b.Upcoming))
	for i, re := range b.Upcoming {
		events[i] = control.RealEvent{EventID: re.EventID, StartsAt: re.StartsAt}
	}
	return events
}

type overridesBody struct {
	Title           *string    `json:"title"`
	Description     *string    `json:"description"`
	Category        *string    `json:"category"`
	AccessType      *string    `json:"accessType"`
	Languages       []string   `json:"languages"`
	Platforms       []string   `json:"platforms"`
	Tags            []string   `json:"tags"`
	ImageID         *string    `json:"imageId"`
	ImageURL        *string    `json:"imageUrl"`
	RoleIDs         []string   `json:"roleIds"`
	DurationMinutes *int       `json:"durationMinutes"`
	Timezone        *string    `json:"timezone"`
	EventStartsAt   *time.Time `json:"eventStartsAt"`
}

func (b overridesBody) toModel() *model.ManualOverrides {
	return &model.ManualOverrides{
		Title: b.Title, Description: b.Description, Category: b.Category,
		AccessType: b.AccessType, Languages: b.Languages, Platforms: b.Platforms,
		Tags: b.Tags, ImageID: b.ImageID, ImageURL: b.ImageURL, RoleIDs: b.RoleIDs,
		DurationMinutes: b.DurationMinutes, Timezone: b.Timezone, EventStartsAt: b.EventStartsAt,
	}
}

type pendingRecordView struct {
	ID            string     `json:"id"`
	SlotKey       string     `json:"slotKey"`
	TargetID      string     `json:"targetId"`
	ProfileKey    string     `json:"profileKey"`
	EventStartsAt time.Time  `json:"eventStartsAt"`
	PublishAt     *time.Time `json:"scheduledPublishTime,omitempty"`
	Status        string     `json:"status"`
	EventID       *string    `json:"eventId,omitempty"`
}

func toPendingView(r *model.PendingRecord) pendingRecordView {
	return pendingRecordView{
		ID: r.ID, SlotKey: r.SlotKey, TargetID: r.TargetID, ProfileKey: r.ProfileKey,
		EventStartsAt: r.EventStartsAt, PublishAt: r.ScheduledPublishTime,
		Status: string(r.Status), EventID: r.EventID,
	}
}
