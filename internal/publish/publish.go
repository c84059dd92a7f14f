// Package publish defines the engine's external collaborator interfaces:
// the remote publish call, pattern expansion, profile lookup, and the
// fire-and-forget notification hooks. These collaborators are
// deliberately out of scope for the engine itself — it depends only on
// these interfaces, never on a concrete HTTP client or credential
// store.
package publish

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

// EventDetails is what gets sent to the remote API: the merge of a
// profile's current fields with any ManualOverrides (override wins), as
// produced by the publish worker (C7 step 3).
type EventDetails struct {
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
	DurationMinutes int
}

// Error is the shape of a failed PublishEvent call.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "publish error"
}

// IsRateLimitError classifies err as a rate-limit signal: code
// UPCOMING_LIMIT, HTTP 429, or a message containing "rate limit"
// case-insensitively.
func IsRateLimitError(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if strings.EqualFold(pe.Code, "UPCOMING_LIMIT") {
		return true
	}
	if pe.Status == 429 {
		return true
	}
	return strings.Contains(strings.ToLower(pe.Message), "rate limit")
}

// Publisher is the remote event API boundary: PublishEvent(target,
// details, start, end) -> (ok, id) | error. The engine never sees
// credentials or the HTTP transport.
type Publisher interface {
	PublishEvent(ctx context.Context, targetID string, details EventDetails, startsAt, endsAt time.Time) (eventID string, err error)
}

// Expander wraps C1, the external pure function that turns patterns into
// future start instants.
type Expander interface {
	ExpandPatterns(ctx context.Context, patterns []string, monthsAhead int, timezone string) ([]model.Slot, error)
}

// ProfileLookup resolves a profile at the moment it's needed (publish
// time, control-API calls) rather than letting callers cache a pointer
// inside a PendingRecord, which would create a cyclic reference.
type ProfileLookup interface {
	GetProfile(targetID, profileKey string) (*model.Profile, bool)
}

// Notifier delivers the engine's fire-and-forget notifications. Neither
// method may block the caller or propagate a panic into the engine.
type Notifier interface {
	OnMissed(record *model.PendingRecord)
	OnPublished(record *model.PendingRecord, eventID string)
}

// Logger is the structured debug trace sink.
type Logger interface {
	Log(component, message string, fields map[string]any)
}

// NoopNotifier discards every notification; useful in tests and as a
// safe default when the host hasn't wired a real notifier yet.
type NoopNotifier struct{}

func (NoopNotifier) OnMissed(*model.PendingRecord)            {}
func (NoopNotifier) OnPublished(*model.PendingRecord, string) {}
