package events

import (
	"context"
	"strings"
	"time"

	"github.com/Tonytony5278/narc-sub001/internal/sla"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/Tonytony5278/narc-sub001/services"
	ledgersvc "github.com/Tonytony5278/narc-sub001/services/ledger"
	"github.com/Tonytony5278/narc-sub001/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DetectInput is a newly detected adverse event
type DetectInput struct {
	Title      string          `json:"title" validate:"required,max=500"`
	Source     string          `json:"source" validate:"max=100"`
	Severity   models.Severity `json:"severity" validate:"required,max=20"`
	DetectedAt *time.Time      `json:"detected_at,omitempty"`
}

// Config holds configuration for the events service
type Config struct {
	AppendRetries int // Whole-transaction attempts on ledger contention
}

// Service owns safety event writes. Every write commits together with its ledger entry.
type Service struct {
	txMgr  repositories.TransactionManager
	events repositories.SafetyEventRepository
	ledger *ledgersvc.Service
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a new events service
func NewService(
	txMgr repositories.TransactionManager,
	events repositories.SafetyEventRepository,
	ledger *ledgersvc.Service,
	logger *zap.Logger,
	cfg Config,
) *Service {
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 3
	}
	return &Service{
		txMgr:  txMgr,
		events: events,
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Detect registers a new safety event, fixes its SLA deadline and records a
// creation entry. The event starts on_track; the escalation worker moves it
// from there so every later transition is recorded and alerted on.
func (s *Service) Detect(ctx context.Context, in DetectInput, actor models.Actor, rc *models.RequestContext) (*models.SafetyEvent, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	in.Severity = models.Severity(strings.ToLower(strings.TrimSpace(string(in.Severity))))
	if in.Severity == "" {
		return nil, services.ErrInvalidSeverity
	}
	if err := utils.ValidateStruct(in); err != nil {
		domainErr := services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidInput.Message, err)
		for field, msg := range utils.GetValidationFields(err) {
			domainErr.WithDetail(field, msg)
		}
		return nil, domainErr
	}

	now := s.now().UTC()
	detectedAt := now
	if in.DetectedAt != nil {
		detectedAt = in.DetectedAt.UTC()
	}

	if _, known := sla.Offset(in.Severity); !known {
		s.logger.Warn("unknown severity, applying the low severity window",
			zap.String("severity", string(in.Severity)),
			zap.String("title", in.Title))
	}

	event := models.NewSafetyEvent(in.Title, in.Source, in.Severity, detectedAt)
	deadline := sla.Deadline(in.Severity, detectedAt)
	event.DeadlineAt = &deadline
	event.CreatedAt, event.UpdatedAt = now, now

	err := services.WithTransactionRetry(ctx, s.txMgr, s.cfg.AppendRetries, func(ctx context.Context, tx repositories.Transaction) error {
		if err := s.events.WithTx(tx).Create(ctx, event); err != nil {
			return services.WrapInternal("failed to create safety event", err)
		}
		_, err := s.ledger.Append(ctx, ledgersvc.AppendRequest{
			Actor:      actor,
			Action:     models.LedgerActionCreation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   event.ID.String(),
			After:      event,
			Request:    rc,
		}, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("safety event detected",
		zap.String("event_id", event.ID.String()),
		zap.String("severity", string(event.Severity)),
		zap.Time("deadline_at", deadline))
	return event, nil
}

// checkActor keeps triage writes attributable to a person. The system
// identity only ever writes escalation entries.
func checkActor(actor models.Actor) error {
	if actor.ID == "" {
		return services.ErrActorRequired
	}
	if actor.ID == models.SystemEscalationActorID || actor.Role == models.RoleSystem {
		return services.ErrReservedActor
	}
	return nil
}

// Get returns one safety event
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, services.WrapRepositoryError(services.ErrSafetyEventNotFound, err)
	}
	return event, nil
}

// ChangeWorkflowStatus moves an event through triage. Entering the resolved
// set forces the SLA pair to (met, 0). Reopening resets it to (on_track, 0)
// so the escalation worker reclassifies the event on its next sweep and
// records and alerts on the transition like any other.
func (s *Service) ChangeWorkflowStatus(ctx context.Context, id uuid.UUID, status models.WorkflowStatus, actor models.Actor, rc *models.RequestContext) (*models.SafetyEvent, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidWorkflowStatus.Message, nil).
			WithDetail("workflow_status", string(status))
	}

	var updated *models.SafetyEvent
	err := services.WithTransactionRetry(ctx, s.txMgr, s.cfg.AppendRetries, func(ctx context.Context, tx repositories.Transaction) error {
		events := s.events.WithTx(tx)
		event, err := events.GetByIDForUpdate(ctx, id)
		if err != nil {
			return services.WrapRepositoryError(services.ErrSafetyEventNotFound, err)
		}
		if event.WorkflowStatus == status {
			updated = event
			return nil
		}

		before := event.Workflow()
		now := s.now().UTC()
		event.WorkflowStatus = status
		event.UpdatedAt = now
		switch {
		case status.Resolved():
			event.SLAStatus, event.EscalationLevel = models.SLAStatusMet, sla.LevelNone
		case before.WorkflowStatus.Resolved():
			event.SLAStatus, event.EscalationLevel = models.SLAStatusOnTrack, sla.LevelNone
		}

		if err := events.UpdateWorkflow(ctx, event); err != nil {
			return services.WrapRepositoryError(services.ErrSafetyEventNotFound, err)
		}
		if _, err := s.ledger.Append(ctx, ledgersvc.AppendRequest{
			Actor:      actor,
			Action:     models.LedgerActionStatusChange,
			EntityType: models.SafetyEventEntityType,
			EntityID:   event.ID.String(),
			Before:     before,
			After:      event.Workflow(),
			Request:    rc,
		}, tx); err != nil {
			return err
		}

		updated = event
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("safety event workflow changed",
		zap.String("event_id", id.String()),
		zap.String("workflow_status", string(updated.WorkflowStatus)),
		zap.String("sla_status", string(updated.SLAStatus)),
		zap.String("actor_id", actor.ID))
	return updated, nil
}
