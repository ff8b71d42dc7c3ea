// Package events defines the domain events the settlement service emits and
// the publishers that deliver them.
package events

import (
	"context"
	"time"

	"github.com/payout-reconciler/internal/types"
)

// Event subjects, relative to the configured subject prefix.
const (
	SubjectPayoutCreated       = "payout.created"
	SubjectPayoutDispatched    = "payout.dispatched"
	SubjectPayoutBridging      = "payout.bridging"
	SubjectPayoutBridgeSettled = "payout.bridge_settled"
	SubjectPayoutCompleted     = "payout.completed"
	SubjectPayoutFailed        = "payout.failed"
	SubjectPayoutCancelled     = "payout.cancelled"
	SubjectPayoutRetried       = "payout.retried"
	SubjectConflictDetected    = "conflict.detected"
	SubjectConflictResolved    = "conflict.resolved"
	SubjectSweepCompleted      = "reconcile.sweep_completed"
)

// PayoutEvent is emitted on payout lifecycle transitions
type PayoutEvent struct {
	RequestID string             `json:"requestId"`
	UserID    string             `json:"userId"`
	Amount    int64              `json:"amount"`
	Chain     types.ChainID      `json:"chain"`
	Status    types.PayoutStatus `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

// ConflictEvent is emitted when reconciliation detects or resolves a conflict
type ConflictEvent struct {
	ConflictID string                   `json:"conflictId"`
	RecordID   string                   `json:"recordId"`
	Field      string                   `json:"field"`
	Impact     types.ConflictImpact     `json:"impact"`
	Resolution types.ConflictResolution `json:"resolution"`
	At         time.Time                `json:"at"`
}

// SweepEvent is emitted after each completed reconciliation sweep
type SweepEvent struct {
	RecordType        types.RecordType `json:"recordType"`
	RecordsMerged     int              `json:"recordsMerged"`
	ConflictsDetected int              `json:"conflictsDetected"`
	Duration          time.Duration    `json:"duration"`
	At                time.Time        `json:"at"`
}

// Publisher delivers domain events. Publishing is best-effort: the settlement
// path never blocks or fails on a slow event sink.
type Publisher interface {
	Publish(ctx context.Context, subject string, event interface{}) error
	Close()
}

// NoopPublisher drops all events, used when NATS is not configured
type NoopPublisher struct{}

// Publish drops the event
func (NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close does nothing
func (NoopPublisher) Close() {}
