package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Tonytony5278/narc-sub001/services/alerts"
	"github.com/Tonytony5278/narc-sub001/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Stats     map[string]Stats  `json:"stats,omitempty"`
}

// Stats are point-in-time figures reported next to a check
type Stats map[string]interface{}

// ReadinessCheck tests one dependency. A nil Ping is skipped; Stats, when
// set, is reported whatever the ping result.
type ReadinessCheck struct {
	Name  string
	Ping  func(ctx context.Context) error
	Stats func() Stats
}

// Pinger is satisfied by *sql.DB and *postgres.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseCheck pings the database
func DatabaseCheck(db Pinger) ReadinessCheck {
	check := ReadinessCheck{Name: "database"}
	if db != nil {
		check.Ping = db.PingContext
	}
	return check
}

// BrokerState is satisfied by *messaging.Client
type BrokerState interface {
	IsConnected() bool
	Reconnects() int64
}

// BrokerCheck reports the alert broker connection state
func BrokerCheck(broker BrokerState) ReadinessCheck {
	return ReadinessCheck{
		Name: "broker",
		Ping: func(context.Context) error {
			if !broker.IsConnected() {
				return errBrokerDisconnected
			}
			return nil
		},
		Stats: func() Stats {
			return Stats{"connected": broker.IsConnected(), "reconnects": broker.Reconnects()}
		},
	}
}

// AlertQueueCheck fails while the alert buffer is full, since further alerts
// are being dropped
func AlertQueueCheck(stats func() alerts.Stats) ReadinessCheck {
	return ReadinessCheck{
		Name: "alerts",
		Ping: func(context.Context) error {
			s := stats()
			if s.BufferSize > 0 && s.PendingAlerts >= s.BufferSize {
				return errAlertQueueFull
			}
			return nil
		},
		Stats: func() Stats {
			s := stats()
			return Stats{
				"buffer_size": s.BufferSize,
				"pending":     s.PendingAlerts,
				"workers":     s.WorkerCount,
				"started":     s.Started,
			}
		},
	}
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks  []ReadinessCheck
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(logger *zap.Logger, checks ...ReadinessCheck) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// HandleHealth handles GET /healthz. Liveness only.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	var stats map[string]Stats
	allHealthy := true
	for _, check := range h.checks {
		if check.Stats != nil {
			if stats == nil {
				stats = make(map[string]Stats)
			}
			stats[check.Name] = check.Stats()
		}
		if check.Ping == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", check.Name), zap.Error(err))
			checks[check.Name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[check.Name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Stats:     stats,
	}
	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
