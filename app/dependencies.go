package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tonytony5278/narc-sub001/auth"
	"github.com/Tonytony5278/narc-sub001/config"
	"github.com/Tonytony5278/narc-sub001/internal/messaging"
	"github.com/Tonytony5278/narc-sub001/middleware"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/Tonytony5278/narc-sub001/repositories/postgres"
	"github.com/Tonytony5278/narc-sub001/services/alerts"
	"github.com/Tonytony5278/narc-sub001/services/escalation"
	"github.com/Tonytony5278/narc-sub001/services/events"
	ledgersvc "github.com/Tonytony5278/narc-sub001/services/ledger"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Broker *messaging.Client // nil when NATS is not configured
	Logger *zap.Logger

	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Ledger       repositories.LedgerRepository
	SafetyEvents repositories.SafetyEventRepository
	TxManager    repositories.TransactionManager

	// Services
	LedgerService *ledgersvc.Service
	EventService  *events.Service
	Dispatcher    *alerts.Dispatcher
	Worker        *escalation.Worker // nil when escalation is disabled

	AuthMiddleware *middleware.AuthMiddleware

	started bool
}

// NewDependencies connects to PostgreSQL and NATS and wires every service
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initBroker(cfg); err != nil {
		_ = deps.RepoFactory.Close()
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}

	deps.wire(deps.RepoFactory.NewRepositories(), deps.RepoFactory.GetTransactionManager())

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// NewDependenciesWithRepositories wires services over existing repositories,
// without opening any connection
func NewDependenciesWithRepositories(cfg *config.Config, logger *zap.Logger, repos *repositories.Repositories, txMgr repositories.TransactionManager) *Dependencies {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}
	deps.wire(repos, txMgr)
	return deps
}

// initDatabase initializes the PostgreSQL connection and, if enabled, the schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.Database.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initBroker connects to NATS when an alert URL is configured
func (d *Dependencies) initBroker(cfg *config.Config) error {
	if cfg.Alerts.NATSURL == "" {
		d.Logger.Info("nats not configured, alerts go to the log only")
		return nil
	}
	client, err := messaging.NewClient(messaging.DefaultConfig(cfg.Alerts.NATSURL), d.Logger)
	if err != nil {
		return err
	}
	d.Broker = client
	return nil
}

func (d *Dependencies) wire(repos *repositories.Repositories, txMgr repositories.TransactionManager) {
	cfg := d.Config

	d.Ledger = repos.Ledger
	d.SafetyEvents = repos.SafetyEvents
	d.TxManager = txMgr

	d.LedgerService = ledgersvc.NewService(repos.Ledger, d.Logger.Named("ledger"), ledgersvc.Config{
		VerifyBatchSize: cfg.Ledger.VerifyBatchSize,
		DefaultPageSize: cfg.Ledger.DefaultPageSize,
		MaxPageSize:     cfg.Ledger.MaxPageSize,
	})
	d.EventService = events.NewService(txMgr, repos.SafetyEvents, d.LedgerService, d.Logger.Named("events"), events.Config{
		AppendRetries: cfg.Ledger.AppendRetries,
	})

	notifiers := []alerts.Notifier{alerts.NewLogNotifier(d.Logger.Named("alerts"))}
	if d.Broker != nil {
		notifiers = append(notifiers, alerts.NewNATSNotifier(d.Broker, cfg.Alerts.NATSSubject))
	}
	d.Dispatcher = alerts.NewDispatcher(d.Logger.Named("alerts"), alerts.Config{
		BufferSize:    cfg.Alerts.BufferSize,
		WorkerCount:   cfg.Alerts.WorkerCount,
		NotifyTimeout: cfg.Alerts.NotifyTimeout,
	}, notifiers...)

	if cfg.Escalation.Enabled {
		d.Worker = escalation.NewWorker(txMgr, repos.SafetyEvents, d.LedgerService, d.Dispatcher, d.Logger.Named("escalation"), escalation.Config{
			TickInterval:  cfg.Escalation.TickInterval,
			EntityTimeout: cfg.Escalation.EntityTimeout,
			RunOnStart:    cfg.Escalation.RunOnStart,
		})
	} else {
		d.Logger.Warn("escalation worker disabled")
	}

	d.initAuth(cfg)
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, protected routes will reject every token")
	}
	validator := auth.NewHMACValidator(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   30 * time.Second,
	})
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
}

// Start launches the alert dispatcher and, if enabled, the escalation worker
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start alert dispatcher: %w", err)
	}
	if d.Worker != nil {
		if err := d.Worker.Start(ctx); err != nil {
			_ = d.Dispatcher.Stop(time.Second)
			return fmt.Errorf("failed to start escalation worker: %w", err)
		}
	}
	d.started = true
	return nil
}

const (
	defaultStopTimeout = 10 * time.Second

	// minStopTimeout still lets background work drain when the shutdown
	// context is already spent
	minStopTimeout = 2 * time.Second
)

func stopTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultStopTimeout
	}
	if remaining := time.Until(deadline); remaining > minStopTimeout {
		return remaining
	}
	return minStopTimeout
}

// Close gracefully shuts down all dependencies. The worker stops before the
// dispatcher so its last sweep can still hand alerts over.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	timeout := stopTimeout(ctx)

	var errs []error

	if d.started {
		if d.Worker != nil {
			if err := d.Worker.Stop(timeout); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop escalation worker: %w", err))
			}
		}
		if err := d.Dispatcher.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop alert dispatcher: %w", err))
		}
		d.started = false
	}

	if d.Broker != nil {
		if err := d.Broker.Close(); err != nil {
			errs = append(errs, err)
		}
		d.Broker = nil
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
