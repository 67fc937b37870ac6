package repositories

import (
	"context"
	"time"

	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/google/uuid"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// LedgerRepository is the only writer of the ledger table
type LedgerRepository interface {
	// Append seals the entry against the live chain tail and inserts it.
	// Runs in the bound transaction when there is one, otherwise in its own.
	Append(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error)

	// Tail returns the most recent entry, or nil for an empty ledger
	Tail(ctx context.Context) (*models.LedgerEntry, error)

	// GetBySequence retrieves one entry
	GetBySequence(ctx context.Context, sequence int64) (*models.LedgerEntry, error)

	// ListAscending returns up to limit entries with sequence > after and
	// sequence <= until (until <= 0 means no upper bound), ascending
	ListAscending(ctx context.Context, after, until int64, limit int) ([]*models.LedgerEntry, error)

	// Query returns a filtered page ordered by sequence descending, plus the total match count
	Query(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, int64, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) LedgerRepository
}

// SafetyEventRepository handles tracked entity persistence
type SafetyEventRepository interface {
	// Create inserts a new safety event
	Create(ctx context.Context, event *models.SafetyEvent) error

	// GetByID retrieves a safety event by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error)

	// GetByIDForUpdate retrieves and row-locks a safety event inside the bound transaction
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error)

	// ListOpen returns events whose SLA is not terminal and which have both timestamps set
	ListOpen(ctx context.Context) ([]*models.SafetyEvent, error)

	// UpdateSLA applies a transition only if the row still holds the previous
	// pair. Returns false when another writer got there first.
	UpdateSLA(ctx context.Context, transition models.SLATransition, at time.Time) (bool, error)

	// UpdateWorkflow persists workflow status together with the resulting SLA pair
	UpdateWorkflow(ctx context.Context, event *models.SafetyEvent) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) SafetyEventRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Ledger       LedgerRepository
	SafetyEvents SafetyEventRepository
}
