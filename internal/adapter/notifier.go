package adapter

import (
	"context"

	"github.com/payout-reconciler/internal/logging"
)

// Notification is an operator-facing alert, used for manual-review escalation
// and permanent payout failures
type Notification struct {
	Severity string
	Subject  string
	Body     string
	EntityID string
}

// NotificationSink delivers operator notifications
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when no external alerting is configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notification sink
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify writes the notification to the log
func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.WithFields(map[string]interface{}{
		"severity": notification.Severity,
		"subject":  notification.Subject,
		"entityId": notification.EntityID,
	}).Warn(notification.Body)
	return nil
}
