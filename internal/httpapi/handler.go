package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/wb-go/wbf/ginext"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/control"
	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

// Engine is the subset of internal/engine.Engine the control API needs,
// kept as its own interface so the handler package depends on a seam
// rather than the concrete engine type.
type Engine interface {
	SetKnownTargets(ids []string) int
	UpdatePendingForProfile(ctx context.Context, profile *model.Profile) error
	RecordManualEvent(ref model.ProfileRef, startsAt time.Time)
	ReconcilePublished(ref model.ProfileRef, upcoming []control.RealEvent)
	ApplyOverrides(id string, overrides *model.ManualOverrides) (*model.PendingRecord, error)
	ActOnMissed(ctx context.Context, id string, action control.MissedAction) (string, error)
	RestoreDeleted(ref model.ProfileRef)
	PurgeProfile(ref model.ProfileRef)
	GetPending(targetID string) []*model.PendingRecord
	GetMissed(targetID string) int
	GetQueued(targetID string) int
}

// Handler wires ginext routes to an Engine.
type Handler struct {
	engine Engine
}

// NewHandler constructs a Handler.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

func ok(c *ginext.Context, status int, payload ginext.H) {
	payload["ok"] = true
	c.JSON(status, payload)
}

func fail(c *ginext.Context, status int, err error) {
	c.AbortWithStatusJSON(status, ginext.H{
		"ok":    false,
		"error": ginext.H{"message": err.Error(), "status": status},
	})
}

func (h *Handler) SetKnownTargets(c *ginext.Context) {
	var body knownTargetsBody
	if err := c.BindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	pruned := h.engine.SetKnownTargets(body.TargetIDs)
	ok(c, http.StatusOK, ginext.H{"pruned": pruned})
}

func (h *Handler) UpdatePendingForProfile(c *ginext.Context) {
	var uri profileRefURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var body updateProfileBody
	if err := c.BindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.engine.UpdatePendingForProfile(c.Request.Context(), body.toProfile(uri.ref())); err != nil {
		fail(c, http.StatusUnprocessableEntity, err)
		return
	}
	ok(c, http.StatusOK, ginext.H{})
}

func (h *Handler) RecordManualEvent(c *ginext.Context) {
	var uri profileRefURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var body manualEventBody
	if err := c.BindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.engine.RecordManualEvent(uri.ref(), body.EventStartsAt)
	ok(c, http.StatusOK, ginext.H{})
}

func (h *Handler) ReconcilePublished(c *ginext.Context) {
	var uri profileRefURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var body reconcileBody
	if err := c.BindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.engine.ReconcilePublished(uri.ref(), body.toRealEvents())
	ok(c, http.StatusOK, ginext.H{})
}

func (h *Handler) ApplyOverrides(c *ginext.Context) {
	var uri pendingIDURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var body overridesBody
	if err := c.BindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	rec, err := h.engine.ApplyOverrides(uri.ID, body.toModel())
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	ok(c, http.StatusOK, ginext.H{"pending": toPendingView(rec)})
}

func (h *Handler) ActOnMissed(c *ginext.Context) {
	var uri pendingActionURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	outcome, err := h.engine.ActOnMissed(c.Request.Context(), uri.ID, control.MissedAction(uri.Action))
	if err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	ok(c, http.StatusOK, ginext.H{"outcome": outcome})
}

// RestoreDeleted restores every eligible deleted record for the profile
// named in the path; :id is accepted for route symmetry with the other
// per-record actions but Control.RestoreDeleted operates profile-wide.
func (h *Handler) RestoreDeleted(c *ginext.Context) {
	var uri profileRefURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.engine.RestoreDeleted(uri.ref())
	ok(c, http.StatusOK, ginext.H{})
}

func (h *Handler) PurgeProfile(c *ginext.Context) {
	var uri profileRefURI
	if err := c.BindUri(&uri); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	h.engine.PurgeProfile(uri.ref())
	ok(c, http.StatusOK, ginext.H{})
}

func (h *Handler) GetPending(c *ginext.Context) {
	targetID := c.Query("target")
	records := h.engine.GetPending(targetID)
	views := make([]pendingRecordView, len(records))
	for i, r := range records {
		views[i] = toPendingView(r)
	}
	ok(c, http.StatusOK, ginext.H{"pending": views})
}

func (h *Handler) GetMissedCount(c *ginext.Context) {
	ok(c, http.StatusOK, ginext.H{"count": h.engine.GetMissed(c.Query("target"))})
}

func (h *Handler) GetQueuedCount(c *ginext.Context) {
	ok(c, http.StatusOK, ginext.H{"count": h.engine.GetQueued(c.Query("target"))})
}
