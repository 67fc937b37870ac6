package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Tonytony5278/narc-sub001/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool (tests, externally managed pools)
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// schema is idempotent. The ledger trigger rejects UPDATE and DELETE so the
// table stays append-only even for ad-hoc SQL sessions.
const schema = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		sequence     BIGINT PRIMARY KEY,
		actor_id     VARCHAR(255) NOT NULL,
		actor_role   VARCHAR(50) NOT NULL,
		action       VARCHAR(50) NOT NULL,
		entity_type  VARCHAR(100) NOT NULL,
		entity_id    VARCHAR(255) NOT NULL,
		before_state JSONB,
		after_state  JSONB,
		ip_address   VARCHAR(45),
		user_agent   TEXT,
		prev_hash    VARCHAR(64) NOT NULL,
		hash         VARCHAR(64) NOT NULL UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT ledger_entries_sequence_positive CHECK (sequence > 0),
		CONSTRAINT ledger_entries_prev_hash_unique UNIQUE (prev_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at ON ledger_entries(created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_actor_id ON ledger_entries(actor_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_action ON ledger_entries(action);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_entity ON ledger_entries(entity_type, entity_id);

	CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_entries is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS ledger_entries_no_mutation ON ledger_entries;
	CREATE TRIGGER ledger_entries_no_mutation
		BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();

	CREATE TABLE IF NOT EXISTS safety_events (
		id               UUID PRIMARY KEY,
		title            TEXT NOT NULL,
		source           VARCHAR(100) NOT NULL DEFAULT '',
		severity         VARCHAR(20) NOT NULL,
		workflow_status  VARCHAR(50) NOT NULL,
		detected_at      TIMESTAMPTZ,
		deadline_at      TIMESTAMPTZ,
		sla_status       VARCHAR(20) NOT NULL DEFAULT 'on_track',
		escalation_level SMALLINT NOT NULL DEFAULT 0 CHECK (escalation_level BETWEEN 0 AND 3),
		ever_breached    BOOLEAN NOT NULL DEFAULT false,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_safety_events_sla_status ON safety_events(sla_status);
	CREATE INDEX IF NOT EXISTS idx_safety_events_deadline_at ON safety_events(deadline_at);
`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
