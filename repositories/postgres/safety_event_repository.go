package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const safetyEventColumns = `id, title, source, severity, workflow_status, detected_at, deadline_at,
		       sla_status, escalation_level, ever_breached, created_at, updated_at`

// SafetyEventRepository implements repositories.SafetyEventRepository
type SafetyEventRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewSafetyEventRepository creates a new safety event repository
func NewSafetyEventRepository(db *DB, logger *zap.Logger) repositories.SafetyEventRepository {
	return &SafetyEventRepository{
		db:     db,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *SafetyEventRepository) WithTx(tx repositories.Transaction) repositories.SafetyEventRepository {
	return &SafetyEventRepository{
		db:     r.db,
		tx:     sqlTxFrom(tx),
		logger: r.logger,
	}
}

// Create inserts a new safety event
func (r *SafetyEventRepository) Create(ctx context.Context, event *models.SafetyEvent) error {
	query := `
		INSERT INTO safety_events (
			id, title, source, severity, workflow_status, detected_at, deadline_at,
			sla_status, escalation_level, ever_breached, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.Title,
		event.Source,
		event.Severity,
		event.WorkflowStatus,
		event.DetectedAt,
		event.DeadlineAt,
		event.SLAStatus,
		event.EscalationLevel,
		event.EverBreached,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create safety event: %w", err)
	}

	r.logger.Debug("safety event created",
		zap.String("id", event.ID.String()),
		zap.String("severity", string(event.Severity)))
	return nil
}

// GetByID retrieves a safety event by ID
func (r *SafetyEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	query := `SELECT ` + safetyEventColumns + ` FROM safety_events WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByIDForUpdate retrieves and row-locks a safety event
func (r *SafetyEventRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	query := `SELECT ` + safetyEventColumns + ` FROM safety_events WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

func (r *SafetyEventRepository) getOne(ctx context.Context, query string, id uuid.UUID) (*models.SafetyEvent, error) {
	executor := GetExecutor(ctx, r.db, r.tx)
	event, err := scanSafetyEvent(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("safety event %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get safety event: %w", err)
	}
	return event, nil
}

// ListOpen returns events the escalation worker still has to evaluate
func (r *SafetyEventRepository) ListOpen(ctx context.Context) ([]*models.SafetyEvent, error) {
	query := `
		SELECT ` + safetyEventColumns + `
		FROM safety_events
		WHERE sla_status IN ($1, $2)
		  AND detected_at IS NOT NULL
		  AND deadline_at IS NOT NULL
		ORDER BY deadline_at ASC
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, models.SLAStatusOnTrack, models.SLAStatusAtRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to list open safety events: %w", err)
	}
	defer rows.Close()

	var events []*models.SafetyEvent
	for rows.Next() {
		event, err := scanSafetyEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan safety event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating safety events: %w", err)
	}

	return events, nil
}

// UpdateSLA is a compare-and-set on the (sla_status, escalation_level) pair
func (r *SafetyEventRepository) UpdateSLA(ctx context.Context, t models.SLATransition, at time.Time) (bool, error) {
	query := `
		UPDATE safety_events
		SET sla_status = $1,
		    escalation_level = $2,
		    ever_breached = ever_breached OR $3,
		    updated_at = $4
		WHERE id = $5 AND sla_status = $6 AND escalation_level = $7
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query,
		t.Next.SLAStatus,
		t.Next.EscalationLevel,
		t.MarkBreached,
		at,
		t.EventID,
		t.Previous.SLAStatus,
		t.Previous.EscalationLevel,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update safety event sla: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// UpdateWorkflow persists workflow status together with the resulting SLA pair
func (r *SafetyEventRepository) UpdateWorkflow(ctx context.Context, event *models.SafetyEvent) error {
	query := `
		UPDATE safety_events
		SET workflow_status = $1,
		    sla_status = $2,
		    escalation_level = $3,
		    updated_at = $4
		WHERE id = $5
	`

	executor := GetExecutor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query,
		event.WorkflowStatus,
		event.SLAStatus,
		event.EscalationLevel,
		event.UpdatedAt,
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update safety event workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("safety event %s: %w", event.ID, repositories.ErrNotFound)
	}
	return nil
}

func scanSafetyEvent(row rowScanner) (*models.SafetyEvent, error) {
	var (
		event      models.SafetyEvent
		detectedAt sql.NullTime
		deadlineAt sql.NullTime
	)
	err := row.Scan(
		&event.ID,
		&event.Title,
		&event.Source,
		&event.Severity,
		&event.WorkflowStatus,
		&detectedAt,
		&deadlineAt,
		&event.SLAStatus,
		&event.EscalationLevel,
		&event.EverBreached,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if detectedAt.Valid {
		t := detectedAt.Time.UTC()
		event.DetectedAt = &t
	}
	if deadlineAt.Valid {
		t := deadlineAt.Time.UTC()
		event.DeadlineAt = &t
	}
	return &event, nil
}
