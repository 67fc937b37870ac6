// Package testutil provides in-memory repositories for service tests. The
// ledger store seals entries under a mutex the same way the Postgres store
// does under its advisory lock, so chain properties can be exercised
// without a database.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Tonytony5278/narc-sub001/internal/ledger"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/google/uuid"
)

// Store backs both repositories and buffers writes made inside a transaction
// until commit.
type Store struct {
	mu       sync.Mutex
	entries  []*models.LedgerEntry
	events   map[uuid.UUID]*models.SafetyEvent
	slaCalls int

	// AppendErr, when set, is returned by every ledger append
	AppendErr error
	// UpdateSLAErr, when set for an event, is returned by UpdateSLA for it
	UpdateSLAErr map[uuid.UUID]error
	// BeforeUpdateSLA runs right before the compare-and-set, under no lock
	BeforeUpdateSLA func(id uuid.UUID)
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		events:       make(map[uuid.UUID]*models.SafetyEvent),
		UpdateSLAErr: make(map[uuid.UUID]error),
	}
}

// Entries returns a copy of the committed ledger
func (s *Store) Entries() []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LedgerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Tamper rewrites a committed entry in place
func (s *Store) Tamper(sequence int64, fn func(e *models.LedgerEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Sequence == sequence {
			fn(e)
		}
	}
}

// Event returns a copy of a stored event
func (s *Store) Event(id uuid.UUID) *models.SafetyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil
	}
	cp := *ev
	return &cp
}

// PutEvent stores an event directly
func (s *Store) PutEvent(ev *models.SafetyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ID] = &cp
}

// SLAUpdates returns how many UpdateSLA calls changed a row
func (s *Store) SLAUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slaCalls
}

// Repositories returns repositories backed by the store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Ledger:       &LedgerRepo{store: s},
		SafetyEvents: &SafetyEventRepo{store: s},
	}
}

// TxManager returns a transaction manager whose transactions buffer writes
func (s *Store) TxManager() *TxManager {
	return &TxManager{store: s}
}

// TxManager implements repositories.TransactionManager
type TxManager struct {
	store *Store

	mu        sync.Mutex
	begun     int
	committed int
}

// Counts returns how many transactions were begun and committed
func (m *TxManager) Counts() (begun, committed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begun, m.committed
}

// Begin starts a buffered transaction
func (m *TxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	m.mu.Lock()
	m.begun++
	m.mu.Unlock()
	return &Tx{mgr: m, ctx: ctx}, nil
}

// InTransaction runs fn and commits on success
func (m *TxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Tx holds pending writes. Ledger appends are sealed at commit, under the
// store lock, mirroring a transaction-scoped lock held until commit.
type Tx struct {
	mgr     *TxManager
	ctx     context.Context
	ops     []func(s *Store) error
	entries []*models.LedgerEntry
	done    bool
}

// Commit applies buffered writes atomically
func (t *Tx) Commit() error {
	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true

	s := t.mgr.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range t.ops {
		if err := op(s); err != nil {
			return err
		}
	}
	for _, e := range t.entries {
		if err := s.sealLocked(e); err != nil {
			return err
		}
	}

	t.mgr.mu.Lock()
	t.mgr.committed++
	t.mgr.mu.Unlock()
	return nil
}

// Rollback discards buffered writes
func (t *Tx) Rollback() error {
	t.done = true
	t.ops = nil
	t.entries = nil
	return nil
}

// Context returns the transaction context
func (t *Tx) Context() context.Context {
	return t.ctx
}

func (s *Store) sealLocked(e *models.LedgerEntry) error {
	before, err := ledger.Canonicalize(e.BeforeState)
	if err != nil {
		return err
	}
	after, err := ledger.Canonicalize(e.AfterState)
	if err != nil {
		return err
	}
	e.BeforeState, e.AfterState = before, after

	var lastSeq int64
	var lastHash string
	if n := len(s.entries); n > 0 {
		lastSeq, lastHash = s.entries[n-1].Sequence, s.entries[n-1].Hash
	}
	if err := ledger.Seal(e, lastSeq, lastHash); err != nil {
		return err
	}
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

// LedgerRepo implements repositories.LedgerRepository
type LedgerRepo struct {
	store *Store
	tx    *Tx
}

// WithTx binds the repository to a transaction
func (r *LedgerRepo) WithTx(tx repositories.Transaction) repositories.LedgerRepository {
	t, _ := tx.(*Tx)
	return &LedgerRepo{store: r.store, tx: t}
}

// Append seals immediately, or at commit when bound to a transaction
func (r *LedgerRepo) Append(_ context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	if r.store.AppendErr != nil {
		return nil, r.store.AppendErr
	}
	if r.tx != nil {
		r.tx.entries = append(r.tx.entries, entry)
		return entry, nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if err := r.store.sealLocked(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Tail returns the last committed entry
func (r *LedgerRepo) Tail(_ context.Context) (*models.LedgerEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if len(r.store.entries) == 0 {
		return nil, nil
	}
	cp := *r.store.entries[len(r.store.entries)-1]
	return &cp, nil
}

// GetBySequence returns one committed entry
func (r *LedgerRepo) GetBySequence(_ context.Context, sequence int64) (*models.LedgerEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range r.store.entries {
		if e.Sequence == sequence {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

// ListAscending returns committed entries in sequence order
func (r *LedgerRepo) ListAscending(_ context.Context, after, until int64, limit int) ([]*models.LedgerEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	sorted := make([]*models.LedgerEntry, len(r.store.entries))
	copy(sorted, r.store.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var out []*models.LedgerEntry
	for _, e := range sorted {
		if e.Sequence <= after || (until > 0 && e.Sequence > until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Query filters committed entries, newest first
func (r *LedgerRepo) Query(_ context.Context, f models.LedgerFilter) ([]*models.LedgerEntry, int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var matched []*models.LedgerEntry
	for i := len(r.store.entries) - 1; i >= 0; i-- {
		e := r.store.entries[i]
		if f.ActorID != "" && e.ActorID != f.ActorID ||
			f.Action != "" && e.Action != f.Action ||
			f.EntityType != "" && e.EntityType != f.EntityType ||
			f.EntityID != "" && e.EntityID != f.EntityID ||
			f.MaxSequence > 0 && e.Sequence > f.MaxSequence ||
			f.From != nil && e.CreatedAt.Before(*f.From) ||
			f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// SafetyEventRepo implements repositories.SafetyEventRepository
type SafetyEventRepo struct {
	store *Store
	tx    *Tx
}

// WithTx binds the repository to a transaction
func (r *SafetyEventRepo) WithTx(tx repositories.Transaction) repositories.SafetyEventRepository {
	t, _ := tx.(*Tx)
	return &SafetyEventRepo{store: r.store, tx: t}
}

func (r *SafetyEventRepo) apply(op func(s *Store) error) error {
	if r.tx != nil {
		r.tx.ops = append(r.tx.ops, op)
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return op(r.store)
}

// Create stores a new event
func (r *SafetyEventRepo) Create(_ context.Context, event *models.SafetyEvent) error {
	cp := *event
	return r.apply(func(s *Store) error {
		s.events[cp.ID] = &cp
		return nil
	})
}

// GetByID returns a copy of an event
func (r *SafetyEventRepo) GetByID(_ context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	if ev := r.store.Event(id); ev != nil {
		return ev, nil
	}
	return nil, repositories.ErrNotFound
}

// GetByIDForUpdate behaves like GetByID
func (r *SafetyEventRepo) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.SafetyEvent, error) {
	return r.GetByID(ctx, id)
}

// ListOpen returns non-terminal events with both timestamps set
func (r *SafetyEventRepo) ListOpen(_ context.Context) ([]*models.SafetyEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []*models.SafetyEvent
	for _, ev := range r.store.events {
		if ev.SLAStatus.Terminal() || ev.DetectedAt == nil || ev.DeadlineAt == nil {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(*out[j].DeadlineAt) })
	return out, nil
}

// UpdateSLA applies the transition if the stored pair still matches.
// Inside a transaction the comparison happens immediately and the write at commit.
func (r *SafetyEventRepo) UpdateSLA(_ context.Context, t models.SLATransition, at time.Time) (bool, error) {
	if hook := r.store.BeforeUpdateSLA; hook != nil {
		hook(t.EventID)
	}

	r.store.mu.Lock()
	if err := r.store.UpdateSLAErr[t.EventID]; err != nil {
		r.store.mu.Unlock()
		return false, err
	}
	ev, ok := r.store.events[t.EventID]
	matches := ok && ev.SLAStatus == t.Previous.SLAStatus && ev.EscalationLevel == t.Previous.EscalationLevel
	r.store.mu.Unlock()
	if !matches {
		return false, nil
	}

	err := r.apply(func(s *Store) error {
		ev, ok := s.events[t.EventID]
		if !ok || ev.SLAStatus != t.Previous.SLAStatus || ev.EscalationLevel != t.Previous.EscalationLevel {
			return errors.New("concurrent sla update")
		}
		ev.SLAStatus = t.Next.SLAStatus
		ev.EscalationLevel = t.Next.EscalationLevel
		ev.EverBreached = ev.EverBreached || t.MarkBreached
		ev.UpdatedAt = at
		s.slaCalls++
		return nil
	})
	return err == nil, err
}

// UpdateWorkflow overwrites workflow status and the SLA pair
func (r *SafetyEventRepo) UpdateWorkflow(_ context.Context, event *models.SafetyEvent) error {
	if r.store.Event(event.ID) == nil {
		return repositories.ErrNotFound
	}
	cp := *event
	return r.apply(func(s *Store) error {
		ev, ok := s.events[cp.ID]
		if !ok {
			return repositories.ErrNotFound
		}
		ev.WorkflowStatus = cp.WorkflowStatus
		ev.SLAStatus = cp.SLAStatus
		ev.EscalationLevel = cp.EscalationLevel
		ev.UpdatedAt = cp.UpdatedAt
		return nil
	})
}
