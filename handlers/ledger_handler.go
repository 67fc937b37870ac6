package handlers

import (
	"context"
	"net/http"

	"github.com/Tonytony5278/narc-sub001/middleware"
	"github.com/Tonytony5278/narc-sub001/models"
	ledgersvc "github.com/Tonytony5278/narc-sub001/services/ledger"
	"github.com/Tonytony5278/narc-sub001/utils"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// LedgerService defines the ledger read paths exposed over HTTP
type LedgerService interface {
	// Export returns a filtered page and records the export for the actor
	Export(ctx context.Context, filter models.LedgerFilter, actor *models.Actor, rc *models.RequestContext) (*models.LedgerPage, error)

	// EntityHistory returns the entries recorded for one entity
	EntityHistory(ctx context.Context, entityType, entityID string, limit, offset int, actor *models.Actor, rc *models.RequestContext) (*models.LedgerPage, error)

	// Verify recomputes the hash chain over a sequence range
	Verify(ctx context.Context, rng ledgersvc.VerifyRange) (*ledgersvc.VerifyResult, error)
}

// LedgerHandler handles audit ledger HTTP requests
type LedgerHandler struct {
	ledger LedgerService
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(ledger LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger,
	}
}

// HandleExport handles GET /api/v1/ledger/entries
func (h *LedgerHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActorFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	filter, err := parseLedgerFilter(r)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	page, err := h.ledger.Export(ctx, filter, &actor, middleware.RequestContextFrom(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("ledger exported",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("actor_id", actor.ID),
		zap.Int("returned", len(page.Entries)),
		zap.Int64("total", page.Total))

	if err := utils.WriteOK(w, page); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleEntityHistory handles GET /api/v1/ledger/entities/{entityType}/{entityId}
func (h *LedgerHandler) HandleEntityHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActorFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	limit, err := utils.QueryInt(r, "limit", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	offset, err := utils.QueryInt(r, "offset", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	page, err := h.ledger.EntityHistory(ctx,
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"),
		limit, offset, &actor, middleware.RequestContextFrom(r))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, page); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleVerify handles GET /api/v1/ledger/verify. A broken chain is a
// successful verification with valid=false, not an HTTP error, unless the
// caller asks for strict=true.
func (h *LedgerHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	from, err := utils.QueryInt64(r, "from", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	to, err := utils.QueryInt64(r, "to", 0)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	strict, err := utils.QueryBool(r, "strict", false)
	if err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	result, err := h.ledger.Verify(ctx, ledgersvc.VerifyRange{From: from, To: to, Strict: strict})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if !result.Valid {
		h.logger.Error("ledger verification failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("reason", result.Reason))
	}

	if err := utils.WriteOK(w, result); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func parseLedgerFilter(r *http.Request) (models.LedgerFilter, error) {
	q := r.URL.Query()
	filter := models.LedgerFilter{
		ActorID:    q.Get("actor_id"),
		Action:     models.LedgerAction(q.Get("action")),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}

	var err error
	if filter.From, err = utils.QueryTime(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = utils.QueryTime(r, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = utils.QueryInt(r, "limit", 0); err != nil {
		return filter, err
	}
	if filter.Offset, err = utils.QueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}
