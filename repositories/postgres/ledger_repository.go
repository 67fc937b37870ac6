package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tonytony5278/narc-sub001/internal/ledger"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultLedgerLockKey is the advisory lock key guarding the ledger tail
const DefaultLedgerLockKey int64 = 0x5056_4C45_4447_4552 // "PVLEDGER"

const ledgerColumns = `sequence, actor_id, actor_role, action, entity_type, entity_id,
		       before_state, after_state, ip_address, user_agent, prev_hash, hash, created_at`

// Postgres SQLSTATE codes the appender classifies as contention.
const (
	sqlStateLockNotAvailable = "55P03"
	sqlStateQueryCanceled    = "57014"
	sqlStateUniqueViolation  = "23505"
)

// LedgerOptions tunes the tail lock
type LedgerOptions struct {
	LockKey     int64
	LockTimeout time.Duration
}

// LedgerRepository implements repositories.LedgerRepository
type LedgerRepository struct {
	db     *DB
	tx     *sql.Tx
	opts   LedgerOptions
	logger *zap.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB, opts LedgerOptions, logger *zap.Logger) repositories.LedgerRepository {
	if opts.LockKey == 0 {
		opts.LockKey = DefaultLedgerLockKey
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	return &LedgerRepository{
		db:     db,
		opts:   opts,
		logger: logger,
	}
}

// WithTx returns a new repository instance bound to the transaction
func (r *LedgerRepository) WithTx(tx repositories.Transaction) repositories.LedgerRepository {
	return &LedgerRepository{
		db:     r.db,
		tx:     sqlTxFrom(tx),
		opts:   r.opts,
		logger: r.logger,
	}
}

// Append extends the chain. The tail is re-read under a transaction-scoped
// advisory lock on every call; the lock is released at commit or rollback of
// whichever transaction performs the insert.
func (r *LedgerRepository) Append(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	if tx := resolveTx(ctx, r.tx); tx != nil {
		if err := r.appendInTx(ctx, tx, entry); err != nil {
			return nil, err
		}
		return entry, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	if err := r.appendInTx(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return entry, nil
}

func (r *LedgerRepository) appendInTx(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	before, err := ledger.Canonicalize(entry.BeforeState)
	if err != nil {
		return fmt.Errorf("invalid before_state: %w", err)
	}
	after, err := ledger.Canonicalize(entry.AfterState)
	if err != nil {
		return fmt.Errorf("invalid after_state: %w", err)
	}
	entry.BeforeState, entry.AfterState = before, after
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	// the ledger timeout bounds only the lock wait; the caller's setting is
	// restored once the lock is held so the rest of its transaction keeps it
	var callerTimeout string
	if err := tx.QueryRowContext(ctx, `SELECT current_setting('lock_timeout')`).Scan(&callerTimeout); err != nil {
		return r.classify("failed to read lock timeout", err)
	}
	timeout := fmt.Sprintf("%dms", r.opts.LockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return r.classify("failed to set ledger lock timeout", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, r.opts.LockKey); err != nil {
		return r.classify("failed to acquire ledger lock", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, callerTimeout); err != nil {
		return r.classify("failed to restore lock timeout", err)
	}

	var (
		lastSequence int64
		lastHash     string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`,
	).Scan(&lastSequence, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return r.classify("failed to read ledger tail", err)
	}

	if err := ledger.Seal(entry, lastSequence, lastHash); err != nil {
		return fmt.Errorf("failed to hash ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (
			sequence, actor_id, actor_role, action, entity_type, entity_id,
			before_state, after_state, ip_address, user_agent, prev_hash, hash, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`,
		entry.Sequence,
		entry.ActorID,
		entry.ActorRole,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		nullableJSON(entry.BeforeState),
		nullableJSON(entry.AfterState),
		entry.IPAddress,
		entry.UserAgent,
		entry.PrevHash,
		entry.Hash,
		entry.CreatedAt,
	)
	if err != nil {
		return r.classify("failed to insert ledger entry", err)
	}

	r.logger.Debug("ledger entry appended",
		zap.Int64("sequence", entry.Sequence),
		zap.String("action", string(entry.Action)),
		zap.String("entity_id", entry.EntityID))
	return nil
}

// classify wraps lock waits, cancellations and uniqueness races as
// ErrLedgerLockTimeout so callers can retry; everything else is a plain
// storage failure.
func (r *LedgerRepository) classify(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateLockNotAvailable, sqlStateQueryCanceled, sqlStateUniqueViolation:
			r.logger.Warn("ledger append contention",
				zap.String("sqlstate", string(pqErr.Code)),
				zap.Error(err))
			return fmt.Errorf("%s: %w: %v", msg, repositories.ErrLedgerLockTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", msg, repositories.ErrLedgerLockTimeout, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Tail returns the most recent entry, or nil when the ledger is empty
func (r *LedgerRepository) Tail(ctx context.Context) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`

	executor := GetExecutor(ctx, r.db, r.tx)
	entry, err := scanLedgerEntry(executor.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	return entry, nil
}

// GetBySequence retrieves one entry
func (r *LedgerRepository) GetBySequence(ctx context.Context, sequence int64) (*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE sequence = $1`

	executor := GetExecutor(ctx, r.db, r.tx)
	entry, err := scanLedgerEntry(executor.QueryRowContext(ctx, query, sequence))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger entry %d: %w", sequence, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// ListAscending returns a batch of entries in chain order
func (r *LedgerRepository) ListAscending(ctx context.Context, after, until int64, limit int) ([]*models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE sequence > $1 AND ($2 <= 0 OR sequence <= $2)
		ORDER BY sequence ASC
		LIMIT $3`

	return r.queryEntries(ctx, query, after, until, limit)
}

// Query returns a filtered page, newest first, and the total number of matches
func (r *LedgerRepository) Query(ctx context.Context, filter models.LedgerFilter) ([]*models.LedgerEntry, int64, error) {
	where, args := buildLedgerWhere(filter)

	var total int64
	executor := GetExecutor(ctx, r.db, r.tx)
	countQuery := `SELECT COUNT(*) FROM ledger_entries` + where
	if err := executor.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM ledger_entries%s ORDER BY sequence DESC LIMIT $%d OFFSET $%d`,
		ledgerColumns, where, len(args)+1, len(args)+2)

	entries, err := r.queryEntries(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func buildLedgerWhere(filter models.LedgerFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.MaxSequence > 0 {
		add("sequence <= $%d", filter.MaxSequence)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// queryEntries is a helper method to query multiple ledger entries
func (r *LedgerRepository) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*models.LedgerEntry, error) {
	executor := GetExecutor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(row rowScanner) (*models.LedgerEntry, error) {
	var (
		entry         models.LedgerEntry
		before, after []byte
		ip, ua        sql.NullString
	)
	err := row.Scan(
		&entry.Sequence,
		&entry.ActorID,
		&entry.ActorRole,
		&entry.Action,
		&entry.EntityType,
		&entry.EntityID,
		&before,
		&after,
		&ip,
		&ua,
		&entry.PrevHash,
		&entry.Hash,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if before != nil {
		entry.BeforeState = append([]byte(nil), before...)
	}
	if after != nil {
		entry.AfterState = append([]byte(nil), after...)
	}
	if ip.Valid {
		entry.IPAddress = &ip.String
	}
	if ua.Valid {
		entry.UserAgent = &ua.String
	}
	return &entry, nil
}

// nullableJSON keeps absent snapshots as SQL NULL rather than a JSON null
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
