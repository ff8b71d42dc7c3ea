package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/metrics"
)

// NATSPublisher publishes domain events to NATS subjects under a prefix
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSPublisher connects to NATS and returns a publisher
func NewNATSPublisher(url, prefix string, logger *logging.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	metrics.NATSConnectionStatus.Set(1)

	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Publish marshals the event and publishes it under the prefixed subject
func (p *NATSPublisher) Publish(_ context.Context, subject string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	full := fmt.Sprintf("%s.%s", p.prefix, subject)
	if err := p.conn.Publish(full, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", full, err)
	}

	metrics.EventsPublished.WithLabelValues(subject).Inc()
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain() // nolint:errcheck // best effort on shutdown
	}
}
