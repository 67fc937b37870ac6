package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity of a detected safety event
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether the severity is recognized
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// SLAStatus is the timeliness state of a tracked entity
type SLAStatus string

const (
	SLAStatusOnTrack  SLAStatus = "on_track"
	SLAStatusAtRisk   SLAStatus = "at_risk"
	SLAStatusBreached SLAStatus = "breached"
	SLAStatusMet      SLAStatus = "met"
)

// Terminal reports whether the worker stops recomputing this status
func (s SLAStatus) Terminal() bool {
	return s == SLAStatusMet || s == SLAStatusBreached
}

// WorkflowStatus is the business status owned by human-facing routes
type WorkflowStatus string

const (
	WorkflowStatusNew           WorkflowStatus = "new"
	WorkflowStatusTriaging      WorkflowStatus = "triaging"
	WorkflowStatusUnderReview   WorkflowStatus = "under_review"
	WorkflowStatusReviewed      WorkflowStatus = "reviewed"
	WorkflowStatusReported      WorkflowStatus = "reported"
	WorkflowStatusDismissed     WorkflowStatus = "dismissed"
	WorkflowStatusFalsePositive WorkflowStatus = "false_positive"
)

// Valid reports whether the workflow status is known
func (w WorkflowStatus) Valid() bool {
	switch w {
	case WorkflowStatusNew, WorkflowStatusTriaging, WorkflowStatusUnderReview,
		WorkflowStatusReviewed, WorkflowStatusReported, WorkflowStatusDismissed,
		WorkflowStatusFalsePositive:
		return true
	}
	return false
}

// Resolved reports membership in the resolved set, which forces SLA status met
func (w WorkflowStatus) Resolved() bool {
	switch w {
	case WorkflowStatusReviewed, WorkflowStatusReported, WorkflowStatusDismissed, WorkflowStatusFalsePositive:
		return true
	}
	return false
}

// SafetyEventEntityType is the ledger entity type for safety events
const SafetyEventEntityType = "safety_event"

// SafetyEvent is a detected adverse event subject to SLA monitoring
type SafetyEvent struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	Title           string         `json:"title" db:"title"`
	Source          string         `json:"source" db:"source"`
	Severity        Severity       `json:"severity" db:"severity"`
	WorkflowStatus  WorkflowStatus `json:"workflow_status" db:"workflow_status"`
	DetectedAt      *time.Time     `json:"detected_at" db:"detected_at"`
	DeadlineAt      *time.Time     `json:"deadline_at" db:"deadline_at"`
	SLAStatus       SLAStatus      `json:"sla_status" db:"sla_status"`
	EscalationLevel int            `json:"escalation_level" db:"escalation_level"`
	EverBreached    bool           `json:"ever_breached" db:"ever_breached"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the SafetyEvent model
func (SafetyEvent) TableName() string {
	return "safety_events"
}

// NewSafetyEvent creates a new event in the initial on_track state.
// Callers set DeadlineAt from the deadline policy.
func NewSafetyEvent(title, source string, severity Severity, detectedAt time.Time) *SafetyEvent {
	now := time.Now().UTC()
	detected := detectedAt.UTC()
	return &SafetyEvent{
		ID:              uuid.New(),
		Title:           title,
		Source:          source,
		Severity:        severity,
		WorkflowStatus:  WorkflowStatusNew,
		DetectedAt:      &detected,
		SLAStatus:       SLAStatusOnTrack,
		EscalationLevel: 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SLASnapshot is the before/after payload of an SLA transition
type SLASnapshot struct {
	SLAStatus       SLAStatus `json:"sla_status"`
	EscalationLevel int       `json:"escalation_level"`
}

// SLA returns the current SLA pair as a snapshot
func (e *SafetyEvent) SLA() SLASnapshot {
	return SLASnapshot{SLAStatus: e.SLAStatus, EscalationLevel: e.EscalationLevel}
}

// WorkflowSnapshot is the before/after payload of a workflow status change
type WorkflowSnapshot struct {
	WorkflowStatus  WorkflowStatus `json:"workflow_status"`
	SLAStatus       SLAStatus      `json:"sla_status"`
	EscalationLevel int            `json:"escalation_level"`
}

// Workflow returns the current workflow + SLA state as a snapshot
func (e *SafetyEvent) Workflow() WorkflowSnapshot {
	return WorkflowSnapshot{
		WorkflowStatus:  e.WorkflowStatus,
		SLAStatus:       e.SLAStatus,
		EscalationLevel: e.EscalationLevel,
	}
}

// SLATransition describes a status change computed by the escalation worker
type SLATransition struct {
	EventID      uuid.UUID
	Previous     SLASnapshot
	Next         SLASnapshot
	MarkBreached bool
}
