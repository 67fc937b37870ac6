package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tonytony5278/narc-sub001/models"
	"go.uber.org/zap"
)

// Alert describes one SLA edge worth telling a human about
type Alert struct {
	EntityID        string           `json:"entity_id"`
	EntityType      string           `json:"entity_type"`
	Severity        models.Severity  `json:"severity"`
	PreviousStatus  models.SLAStatus `json:"previous_status"`
	NewStatus       models.SLAStatus `json:"new_status"`
	EscalationLevel int              `json:"escalation_level"`
	DeadlineAt      *time.Time       `json:"deadline_at,omitempty"`
	TransitionedAt  time.Time        `json:"transitioned_at"`
}

// Notifier delivers an alert to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// Dispatcher delivers alerts asynchronously. Notify never blocks the caller
// and never reports delivery failures back to it.
type Dispatcher struct {
	notifiers     []Notifier
	logger        *zap.Logger
	alertChan     chan Alert
	workerCount   int
	bufferSize    int
	notifyTimeout time.Duration
	wg            sync.WaitGroup
	started       bool
	stopped       bool
	mu            sync.Mutex
}

// Config holds configuration for the Dispatcher
type Config struct {
	BufferSize    int           // Size of the alert buffer channel
	WorkerCount   int           // Number of concurrent workers
	NotifyTimeout time.Duration // Upper bound for a single notifier call
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		WorkerCount:   2,
		NotifyTimeout: 5 * time.Second,
	}
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(logger *zap.Logger, config Config, notifiers ...Notifier) *Dispatcher {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = def.WorkerCount
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = def.NotifyTimeout
	}

	return &Dispatcher{
		notifiers:     notifiers,
		logger:        logger,
		alertChan:     make(chan Alert, config.BufferSize),
		workerCount:   config.WorkerCount,
		bufferSize:    config.BufferSize,
		notifyTimeout: config.NotifyTimeout,
	}
}

// Start starts the background workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("alert dispatcher already started")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started alert dispatcher",
		zap.Int("worker_count", d.workerCount),
		zap.Int("buffer_size", d.bufferSize),
		zap.Int("notifiers", len(d.notifiers)))

	return nil
}

// Stop stops accepting alerts and waits for queued ones to be delivered
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("alert dispatcher not running")
	}
	d.stopped = true
	close(d.alertChan)
	d.mu.Unlock()

	d.logger.Info("stopping alert dispatcher", zap.Int("pending_alerts", len(d.alertChan)))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("alert dispatcher stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("alert dispatcher stop timeout after %v", timeout)
	}
}

// Notify queues an alert (non-blocking). A full buffer drops the alert with a warning.
func (d *Dispatcher) Notify(alert Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		d.logger.Warn("alert dispatcher not running, dropping alert",
			zap.String("entity_id", alert.EntityID),
			zap.String("new_status", string(alert.NewStatus)))
		return
	}

	select {
	case d.alertChan <- alert:
	default:
		d.logger.Warn("alert channel full, dropping alert",
			zap.String("entity_id", alert.EntityID),
			zap.String("new_status", string(alert.NewStatus)))
	}
}

// worker delivers alerts from the channel
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("alert worker started", zap.Int("worker_id", id))

	for alert := range d.alertChan {
		d.deliver(id, alert)
	}

	d.logger.Debug("alert worker stopped", zap.Int("worker_id", id))
}

func (d *Dispatcher) deliver(workerID int, alert Alert) {
	for _, n := range d.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), d.notifyTimeout)
		err := n.Notify(ctx, alert)
		cancel()
		if err != nil {
			d.logger.Error("failed to deliver alert",
				zap.Int("worker_id", workerID),
				zap.String("notifier", n.Name()),
				zap.String("entity_id", alert.EntityID),
				zap.String("new_status", string(alert.NewStatus)),
				zap.Error(err))
		}
	}
}

// GetStats returns statistics about the dispatcher
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		BufferSize:    d.bufferSize,
		PendingAlerts: len(d.alertChan),
		WorkerCount:   d.workerCount,
		Started:       d.started && !d.stopped,
	}
}

// Stats represents dispatcher statistics
type Stats struct {
	BufferSize    int
	PendingAlerts int
	WorkerCount   int
	Started       bool
}
