// Package escalation recomputes SLA status for open safety events on a fixed
// schedule, records every change in the ledger and raises edge-triggered alerts.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tonytony5278/narc-sub001/internal/sla"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/repositories"
	"github.com/Tonytony5278/narc-sub001/services"
	"github.com/Tonytony5278/narc-sub001/services/alerts"
	ledgersvc "github.com/Tonytony5278/narc-sub001/services/ledger"
	"go.uber.org/zap"
)

// errLostRace aborts the per-entity transaction when another writer moved the
// SLA pair between the read and the conditional update.
var errLostRace = errors.New("sla pair changed concurrently")

// AlertSink receives alerts without blocking
type AlertSink interface {
	Notify(alert alerts.Alert)
}

// Config holds configuration for the Worker
type Config struct {
	TickInterval  time.Duration // Time between sweeps
	EntityTimeout time.Duration // Upper bound for one entity's transaction
	RunOnStart    bool          // Sweep immediately instead of waiting one interval
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Minute,
		EntityTimeout: 10 * time.Second,
		RunOnStart:    true,
	}
}

// SweepResult summarizes one pass over the open events
type SweepResult struct {
	Scanned int
	Changed int
	Alerts  int
	Skipped int
	Failed  int
}

// Worker is the SLA escalation loop. Sweeps never overlap.
type Worker struct {
	txMgr  repositories.TransactionManager
	events repositories.SafetyEventRepository
	ledger *ledgersvc.Service
	alerts AlertSink
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	sweepMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option customizes a Worker
type Option func(*Worker)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a new escalation worker
func NewWorker(
	txMgr repositories.TransactionManager,
	events repositories.SafetyEventRepository,
	ledger *ledgersvc.Service,
	sink AlertSink,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Worker {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.EntityTimeout <= 0 {
		cfg.EntityTimeout = def.EntityTimeout
	}

	w := &Worker{
		txMgr:  txMgr,
		events: events,
		ledger: ledger,
		alerts: sink,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the ticker loop. Cancelling ctx or calling Stop ends it after
// the sweep in progress, if any, has finished.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("escalation worker already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.started = true

	go w.loop(loopCtx, w.done)

	w.logger.Info("started escalation worker",
		zap.Duration("tick_interval", w.cfg.TickInterval),
		zap.Duration("entity_timeout", w.cfg.EntityTimeout))
	return nil
}

// Stop ends the loop and waits for it to exit
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return fmt.Errorf("escalation worker not started")
	}
	w.started = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()

	select {
	case <-done:
		w.logger.Info("escalation worker stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("escalation worker stop timeout after %v", timeout)
	}
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if w.cfg.RunOnStart {
		w.RunOnce(ctx)
	}

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep unless another is still running. The second
// return value reports whether a sweep actually ran.
func (w *Worker) RunOnce(ctx context.Context) (SweepResult, bool) {
	if !w.sweepMu.TryLock() {
		w.logger.Warn("escalation sweep still running, skipping tick")
		return SweepResult{}, false
	}
	defer w.sweepMu.Unlock()

	return w.sweep(ctx), true
}

// sweep runs to completion even if ctx is cancelled midway; each entity
// gets its own bounded context.
func (w *Worker) sweep(ctx context.Context) SweepResult {
	var result SweepResult
	started := w.now()
	detached := context.WithoutCancel(ctx)

	listCtx, cancel := context.WithTimeout(detached, w.cfg.EntityTimeout)
	open, err := w.events.ListOpen(listCtx)
	cancel()
	if err != nil {
		w.logger.Error("failed to list open safety events", zap.Error(err))
		result.Failed++
		return result
	}

	for _, event := range open {
		result.Scanned++

		entityCtx, cancel := context.WithTimeout(detached, w.cfg.EntityTimeout)
		outcome, err := w.evaluate(entityCtx, event, w.now())
		cancel()

		switch {
		case err != nil:
			result.Failed++
			w.logger.Error("failed to escalate safety event",
				zap.String("event_id", event.ID.String()),
				zap.String("sla_status", string(event.SLAStatus)),
				zap.Error(err))
		case outcome == outcomeSkipped:
			result.Skipped++
		case outcome == outcomeChanged:
			result.Changed++
		case outcome == outcomeAlerted:
			result.Changed++
			result.Alerts++
		}
	}

	level := zap.DebugLevel
	if result.Changed > 0 || result.Failed > 0 {
		level = zap.InfoLevel
	}
	w.logger.Check(level, "escalation sweep finished").Write(
		zap.Int("scanned", result.Scanned),
		zap.Int("changed", result.Changed),
		zap.Int("alerts", result.Alerts),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", w.now().Sub(started)))

	return result
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeSkipped
	outcomeChanged
	outcomeAlerted
)

func (w *Worker) evaluate(ctx context.Context, event *models.SafetyEvent, now time.Time) (outcome, error) {
	if event.DetectedAt == nil || event.DeadlineAt == nil {
		return outcomeUnchanged, nil
	}

	status, level := sla.ComputeStatus(*event.DetectedAt, *event.DeadlineAt, event.WorkflowStatus.Resolved(), now)
	if status == event.SLAStatus && level == event.EscalationLevel {
		return outcomeUnchanged, nil
	}

	transition := models.SLATransition{
		EventID:      event.ID,
		Previous:     event.SLA(),
		Next:         models.SLASnapshot{SLAStatus: status, EscalationLevel: level},
		MarkBreached: status == models.SLAStatusBreached,
	}

	err := services.WithTransaction(ctx, w.txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		applied, err := w.events.WithTx(tx).UpdateSLA(ctx, transition, now)
		if err != nil {
			return err
		}
		if !applied {
			return errLostRace
		}

		_, err = w.ledger.Append(ctx, ledgersvc.AppendRequest{
			Actor:      models.SystemActor(),
			Action:     models.LedgerActionEscalation,
			EntityType: models.SafetyEventEntityType,
			EntityID:   event.ID.String(),
			Before:     transition.Previous,
			After:      transition.Next,
		}, tx)
		return err
	})
	if errors.Is(err, errLostRace) {
		w.logger.Debug("safety event moved by another writer, skipping",
			zap.String("event_id", event.ID.String()))
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	w.logger.Info("safety event sla changed",
		zap.String("event_id", event.ID.String()),
		zap.String("from", string(transition.Previous.SLAStatus)),
		zap.String("to", string(status)),
		zap.Int("escalation_level", level))

	if !sla.AlertEdge(transition.Previous.SLAStatus, status) || w.alerts == nil {
		return outcomeChanged, nil
	}

	w.alerts.Notify(alerts.Alert{
		EntityID:        event.ID.String(),
		EntityType:      models.SafetyEventEntityType,
		Severity:        event.Severity,
		PreviousStatus:  transition.Previous.SLAStatus,
		NewStatus:       status,
		EscalationLevel: level,
		DeadlineAt:      event.DeadlineAt,
		TransitionedAt:  now,
	})
	return outcomeAlerted, nil
}
