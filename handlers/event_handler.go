package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Tonytony5278/narc-sub001/middleware"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/services/events"
	"github.com/Tonytony5278/narc-sub001/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies on write routes
const maxBodyBytes = 1 << 20

// DetectEventRequest is the intake payload for a detected safety event
type DetectEventRequest struct {
	Title      string     `json:"title" validate:"required,max=500"`
	Source     string     `json:"source" validate:"max=100"`
	Severity   string     `json:"severity" validate:"required,oneof=critical high medium low"`
	DetectedAt *time.Time `json:"detected_at,omitempty"`
}

// ChangeStatusRequest moves an event through triage
type ChangeStatusRequest struct {
	Status string `json:"status" validate:"required,max=50"`
}

// EventService defines the safety event operations exposed over HTTP
type EventService interface {
	Detect(ctx context.Context, in events.DetectInput, actor models.Actor, rc *models.RequestContext) (*models.SafetyEvent, error)
	Get(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error)
	ChangeWorkflowStatus(ctx context.Context, id uuid.UUID, status models.WorkflowStatus, actor models.Actor, rc *models.RequestContext) (*models.SafetyEvent, error)
}

// EventHandler handles safety event HTTP requests
type EventHandler struct {
	events EventService
	logger *zap.Logger
}

// NewEventHandler creates a new EventHandler
func NewEventHandler(events EventService, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		events: events,
		logger: logger,
	}
}

// HandleDetect handles POST /api/v1/events
func (h *EventHandler) HandleDetect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActorFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req DetectEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := h.events.Detect(ctx, events.DetectInput{
		Title:      req.Title,
		Source:     req.Source,
		Severity:   models.Severity(req.Severity),
		DetectedAt: req.DetectedAt,
	}, actor, middleware.RequestContextFrom(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteCreated(w, event); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleGet handles GET /api/v1/events/{id}
func (h *EventHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	event, err := h.events.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, event); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleChangeStatus handles PATCH /api/v1/events/{id}/status
func (h *EventHandler) HandleChangeStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActorFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req ChangeStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := h.events.ChangeWorkflowStatus(ctx, id, models.WorkflowStatus(req.Status), actor, middleware.RequestContextFrom(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, event); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func (h *EventHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid event id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *EventHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.logger.Debug("invalid request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}
