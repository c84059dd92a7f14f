// Package transport adapts the engine's external-collaborator interfaces
// (internal/publish.Publisher, Expander, ProfileLookup) onto plain HTTP
// calls against services that are deliberately out of scope: the remote
// event API, the profile store, and the pattern expander. The engine's
// domain packages never import net/http; this package is the only
// outbound HTTP adapter (internal/httpapi serves the inbound control API),
// keeping the service layer separate from the outbound transport.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/publish"
)

// Client is the shared HTTP plumbing for the three collaborator
// adapters below: one base URL and retry.Strategy per collaborator, a
// single http.Client with a fixed timeout.
type Client struct {
	httpClient *http.Client
	baseURL    string
	strategy   retry.Strategy
}

// NewClient builds a Client against baseURL, retrying transient failures
// per strategy via retry.DoContext around every outbound call.
func NewClient(baseURL string, timeout time.Duration, strategy retry.Strategy) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		strategy:   strategy,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: marshal request: %w", err)
		}
	}

	var resp *http.Response
	err := retry.DoContext(ctx, c.strategy, func() error {
		var reqBody io.Reader
		if data != nil {
			reqBody = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("transport: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("transport: %s %s: %w", method, path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Status  int    `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	status := body.Error.Status
	if status == 0 {
		status = resp.StatusCode
	}
	return &publish.Error{Code: body.Error.Code, Status: status, Message: body.Error.Message}
}

// EventPublisher implements publish.Publisher against the remote event
// API: POST {baseURL}/targets/{target}/events.
type EventPublisher struct{ *Client }

// NewEventPublisher constructs an EventPublisher.
func NewEventPublisher(c *Client) *EventPublisher { return &EventPublisher{c} }

var _ publish.Publisher = (*EventPublisher)(nil)

type publishRequest struct {
	Details  publish.EventDetails `json:"details"`
	StartsAt time.Time            `json:"startsAt"`
	EndsAt   time.Time            `json:"endsAt"`
}

type publishResponse struct {
	EventID string `json:"eventId"`
}

// PublishEvent calls the remote publish endpoint. Errors beyond a
// transport failure come back shaped as *publish.Error so
// publish.IsRateLimitError can classify them.
func (p *EventPublisher) PublishEvent(ctx context.Context, targetID string, details publish.EventDetails, startsAt, endsAt time.Time) (string, error) {
	var resp publishResponse
	err := p.do(ctx, http.MethodPost, "/targets/"+targetID+"/events", publishRequest{
		Details:  details,
		StartsAt: startsAt,
		EndsAt:   endsAt,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// ProfileClient implements publish.ProfileLookup against the profile
// store: GET {baseURL}/targets/{target}/profiles/{key}. Profile CRUD
// itself stays out of scope; this is a read-only lookup.
type ProfileClient struct{ *Client }

// NewProfileClient constructs a ProfileClient.
func NewProfileClient(c *Client) *ProfileClient { return &ProfileClient{c} }

var _ publish.ProfileLookup = (*ProfileClient)(nil)

type profileResponse struct {
	Patterns        []string                `json:"patterns"`
	Timezone        string                  `json:"timezone"`
	DurationMinutes int                     `json:"durationMinutes"`
	Automation      automationSettingsWire  `json:"automation"`
	Content         contentFieldsWire       `json:"content"`
}

type automationSettingsWire struct {
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

type contentFieldsWire struct {
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

// GetProfile fetches and decodes a profile. A 404 from the remote store
// is reported as (nil, false), matching the ProfileLookup contract the
// publish worker and control API rely on for "profile is gone".
func (p *ProfileClient) GetProfile(targetID, profileKey string) (*model.Profile, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resp profileResponse
	err := p.do(ctx, http.MethodGet, "/targets/"+targetID+"/profiles/"+profileKey, nil, &resp)
	if err != nil {
		var pe *publish.Error
		if ok := asPublishError(err, &pe); ok && pe.Status == http.StatusNotFound {
			return nil, false
		}
		zlog.Logger.Warn().Err(err).Str("target", targetID).Str("profile", profileKey).Msg("transport: profile lookup failed")
		return nil, false
	}

	return &model.Profile{
		TargetID:        targetID,
		ProfileKey:      profileKey,
		Patterns:        resp.Patterns,
		Timezone:        resp.Timezone,
		DurationMinutes: resp.DurationMinutes,
		Automation: model.AutomationSettings{
			Enabled:       resp.Automation.Enabled,
			TimingMode:    model.TimingMode(resp.Automation.TimingMode),
			DaysOffset:    resp.Automation.DaysOffset,
			HoursOffset:   resp.Automation.HoursOffset,
			MinutesOffset: resp.Automation.MinutesOffset,
			MonthlyDay:    resp.Automation.MonthlyDay,
			MonthlyHour:   resp.Automation.MonthlyHour,
			MonthlyMinute: resp.Automation.MonthlyMinute,
			RepeatMode:    model.RepeatMode(resp.Automation.RepeatMode),
			RepeatCount:   resp.Automation.RepeatCount,
		},
		Content: model.ContentFields{
			Title:       resp.Content.Title,
			Description: resp.Content.Description,
			Category:    resp.Content.Category,
			AccessType:  resp.Content.AccessType,
			Languages:   resp.Content.Languages,
			Platforms:   resp.Content.Platforms,
			Tags:        resp.Content.Tags,
			ImageID:     resp.Content.ImageID,
			ImageURL:    resp.Content.ImageURL,
			RoleIDs:     resp.Content.RoleIDs,
		},
	}, true
}

func asPublishError(err error, target **publish.Error) bool {
	pe, ok := err.(*publish.Error)
	if !ok {
		return false
	}
	*target = pe
	return true
}

// PatternExpander implements publish.Expander against C1, the external
// pure pattern->slot expansion function, reached as a POST to
// {baseURL}/expand.
type PatternExpander struct{ *Client }

// NewPatternExpander constructs a PatternExpander.
func NewPatternExpander(c *Client) *PatternExpander { return &PatternExpander{c} }

var _ publish.Expander = (*PatternExpander)(nil)

type expandRequest struct {
	Patterns    []string `json:"patterns"`
	MonthsAhead int      `json:"monthsAhead"`
	Timezone    string   `json:"timezone"`
}

type slotWire struct {
	ISO        string  `json:"iso"`
	Weekday    *string `json:"weekday"`
	Occurrence *int    `json:"occurrence"`
	IsLast     bool    `json:"isLast"`
	IsAnnual   bool    `json:"isAnnual"`
}

type expandResponse struct {
	Slots []slotWire `json:"slots"`
}

// ExpandPatterns calls the external expander and decodes its slot list.
func (p *PatternExpander) ExpandPatterns(ctx context.Context, patterns []string, monthsAhead int, timezone string) ([]model.Slot, error) {
	var resp expandResponse
	err := p.do(ctx, http.MethodPost, "/expand", expandRequest{
		Patterns:    patterns,
		MonthsAhead: monthsAhead,
		Timezone:    timezone,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("transport: expand patterns: %w", err)
	}

	slots := make([]model.Slot, 0, len(resp.Slots))
	for _, w := range resp.Slots {
		start, err := time.Parse(time.RFC3339, w.ISO)
		if err != nil {
			return nil, fmt.Errorf("transport: parse slot %q: %w", w.ISO, err)
		}
		slots = append(slots, model.Slot{
			Start:      start,
			Weekday:    w.Weekday,
			Occurrence: w.Occurrence,
			IsLast:     w.IsLast,
			IsAnnual:   w.IsAnnual,
		})
	}
	return slots, nil
}
