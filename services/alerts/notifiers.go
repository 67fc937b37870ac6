package alerts

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogNotifier writes alerts to the service log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs alerts at WARN
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Name identifies the notifier in logs
func (n *LogNotifier) Name() string { return "log" }

// Notify logs the alert
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("entity_type", alert.EntityType),
		zap.String("entity_id", alert.EntityID),
		zap.String("severity", string(alert.Severity)),
		zap.String("previous_status", string(alert.PreviousStatus)),
		zap.String("new_status", string(alert.NewStatus)),
		zap.Int("escalation_level", alert.EscalationLevel),
	}
	if alert.DeadlineAt != nil {
		fields = append(fields, zap.Time("deadline_at", *alert.DeadlineAt))
	}
	n.logger.Warn("sla alert", fields...)
	return nil
}

// Publisher is the subset of the messaging client the NATS notifier needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// NATSNotifier publishes alerts as JSON on a subject
type NATSNotifier struct {
	publisher Publisher
	subject   string
}

// NewNATSNotifier creates a notifier publishing to subject
func NewNATSNotifier(publisher Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{publisher: publisher, subject: subject}
}

// Name identifies the notifier in logs
func (n *NATSNotifier) Name() string { return "nats" }

// Notify publishes the alert
func (n *NATSNotifier) Notify(ctx context.Context, alert Alert) error {
	if err := n.publisher.Publish(ctx, n.subject, alert); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
