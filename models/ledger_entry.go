package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LedgerAction is the closed vocabulary of audited actions
type LedgerAction string

const (
	LedgerActionCreation         LedgerAction = "creation"
	LedgerActionStatusChange     LedgerAction = "status_change"
	LedgerActionEscalation       LedgerAction = "escalation"
	LedgerActionAssignment       LedgerAction = "assignment"
	LedgerActionAnnotation       LedgerAction = "annotation"
	LedgerActionReportSubmission LedgerAction = "report_submission"
	LedgerActionDeletion         LedgerAction = "deletion"
	LedgerActionExport           LedgerAction = "export"
)

var ledgerActions = map[LedgerAction]struct{}{
	LedgerActionCreation:         {},
	LedgerActionStatusChange:     {},
	LedgerActionEscalation:       {},
	LedgerActionAssignment:       {},
	LedgerActionAnnotation:       {},
	LedgerActionReportSubmission: {},
	LedgerActionDeletion:         {},
	LedgerActionExport:           {},
}

// Valid reports whether the action belongs to the vocabulary
func (a LedgerAction) Valid() bool {
	_, ok := ledgerActions[a]
	return ok
}

// LedgerActions returns every known action
func LedgerActions() []LedgerAction {
	return []LedgerAction{
		LedgerActionCreation,
		LedgerActionStatusChange,
		LedgerActionEscalation,
		LedgerActionAssignment,
		LedgerActionAnnotation,
		LedgerActionReportSubmission,
		LedgerActionDeletion,
		LedgerActionExport,
	}
}

// ActorRole represents the role of whoever performed an audited action
type ActorRole string

const (
	RoleSystem   ActorRole = "system"
	RoleAdmin    ActorRole = "admin"
	RoleReviewer ActorRole = "reviewer"
	RoleAnalyst  ActorRole = "analyst"
)

// Valid reports whether the role is known
func (r ActorRole) Valid() bool {
	switch r {
	case RoleSystem, RoleAdmin, RoleReviewer, RoleAnalyst:
		return true
	}
	return false
}

// SystemEscalationActorID is the reserved identity for automated SLA transitions
const SystemEscalationActorID = "system:sla-escalation"

// Actor identifies who performed an audited action
type Actor struct {
	ID   string    `json:"id"`
	Role ActorRole `json:"role"`
}

// SystemActor returns the reserved identity used by the escalation worker
func SystemActor() Actor {
	return Actor{ID: SystemEscalationActorID, Role: RoleSystem}
}

// RequestContext carries provenance of a human-triggered action
type RequestContext struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// LedgerEntry is one immutable, hash-linked record of the audit ledger
type LedgerEntry struct {
	Sequence    int64           `json:"sequence" db:"sequence"`
	ActorID     string          `json:"actor_id" db:"actor_id"`
	ActorRole   ActorRole       `json:"actor_role" db:"actor_role"`
	Action      LedgerAction    `json:"action" db:"action"`
	EntityType  string          `json:"entity_type" db:"entity_type"`
	EntityID    string          `json:"entity_id" db:"entity_id"`
	BeforeState json.RawMessage `json:"before_state,omitempty" db:"before_state"` // JSONB, nullable
	AfterState  json.RawMessage `json:"after_state,omitempty" db:"after_state"`   // JSONB, nullable
	IPAddress   *string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   *string         `json:"user_agent,omitempty" db:"user_agent"`
	PrevHash    string          `json:"prev_hash" db:"prev_hash"`
	Hash        string          `json:"hash" db:"hash"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`

	snapshotErr error
}

// TableName returns the table name for the LedgerEntry model
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// NewLedgerEntry creates an unsequenced entry. Sequence, PrevHash and Hash
// are assigned by the appender under the ledger lock.
func NewLedgerEntry(actor Actor, action LedgerAction, entityType, entityID string) *LedgerEntry {
	return &LedgerEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		CreatedAt:  time.Now().UTC(),
	}
}

// WithBefore sets the before snapshot. A snapshot that cannot be encoded
// is left empty and reported by SnapshotErr.
func (e *LedgerEntry) WithBefore(state interface{}) *LedgerEntry {
	e.BeforeState = e.marshalSnapshot("before", state)
	return e
}

// WithAfter sets the after snapshot
func (e *LedgerEntry) WithAfter(state interface{}) *LedgerEntry {
	e.AfterState = e.marshalSnapshot("after", state)
	return e
}

// SnapshotErr returns the first snapshot encoding failure, if any
func (e *LedgerEntry) SnapshotErr() error {
	return e.snapshotErr
}

// WithRequest sets request provenance. Empty values are stored as NULL.
func (e *LedgerEntry) WithRequest(rc *RequestContext) *LedgerEntry {
	if rc == nil {
		return e
	}
	if rc.IPAddress != "" {
		ip := rc.IPAddress
		e.IPAddress = &ip
	}
	if rc.UserAgent != "" {
		ua := rc.UserAgent
		e.UserAgent = &ua
	}
	return e
}

func (e *LedgerEntry) marshalSnapshot(name string, state interface{}) json.RawMessage {
	if state == nil {
		return nil
	}
	if raw, ok := state.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(state)
	if err != nil {
		if e.snapshotErr == nil {
			e.snapshotErr = fmt.Errorf("encode %s snapshot: %w", name, err)
		}
		return nil
	}
	return data
}

// LedgerFilter narrows an export query. Zero values mean "no constraint".
type LedgerFilter struct {
	From       *time.Time
	To         *time.Time
	ActorID    string
	Action     LedgerAction
	EntityType string
	EntityID   string
	Limit      int
	Offset     int

	// MaxSequence bounds the query to entries at or below a sequence; 0 means unbounded.
	MaxSequence int64
}

// LedgerPage is one page of an export query
type LedgerPage struct {
	Entries  []*LedgerEntry `json:"entries"`
	Total    int64          `json:"total"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
	ChainTip string         `json:"chain_tip"`

	// ExportHash is the hash of the entry recording this export, if one was written.
	ExportHash string `json:"export_hash,omitempty"`
}
