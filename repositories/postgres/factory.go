package postgres

import (
	"context"

	"github.com/Tonytony5278/narc-sub001/config"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories. The ledger shares
// the business database so entries commit atomically with the change they record.
type RepositoryFactory struct {
	db         *DB
	ledgerOpts LedgerOptions
	logger     *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	return NewRepositoryFactoryWithDB(db, LedgerOptions{
		LockKey:     cfg.Ledger.LockKey,
		LockTimeout: cfg.Ledger.LockTimeout,
	}, logger), nil
}

// NewRepositoryFactoryWithDB builds a factory around an existing pool
func NewRepositoryFactoryWithDB(db *DB, ledgerOpts LedgerOptions, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, ledgerOpts: ledgerOpts, logger: logger}
}

// InitSchema creates tables, indexes and the append-only trigger
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	return f.db.InitSchema(ctx)
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Ledger:       NewLedgerRepository(f.db, f.ledgerOpts, f.logger),
		SafetyEvents: NewSafetyEventRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
