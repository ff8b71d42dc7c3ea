// Package worker contains the background loops of the settlement service:
// the payout executor, the retry scheduler, the batch aggregator and the
// reconciliation sweep.
package worker

import (
	"context"
	"math"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/metrics"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// retryStore is the payout persistence surface the scheduler mutates
type retryStore interface {
	ParkForRetry(ctx context.Context, id string, from types.PayoutStatus, lastError string, nextRetryAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, from types.PayoutStatus, lastError string) (bool, error)
}

// velocityReleaser returns a failed request's amount to the user's rolling
// windows
type velocityReleaser interface {
	Release(ctx context.Context, userID, requestID string, amount int64) error
}

// RetryScheduler decides what happens after an execution failure: park the
// request for another attempt with exponential backoff, or fail it
// permanently once retries are exhausted.
type RetryScheduler struct {
	payouts   retryStore
	velocity  velocityReleaser
	cfg       config.RetryConfig
	publisher events.Publisher
	notifier  adapter.NotificationSink
	logger    *logging.Logger
}

// NewRetryScheduler creates the retry scheduler
func NewRetryScheduler(payouts retryStore, velocity velocityReleaser, cfg config.RetryConfig, publisher events.Publisher, notifier adapter.NotificationSink, logger *logging.Logger) *RetryScheduler {
	return &RetryScheduler{
		payouts:   payouts,
		velocity:  velocity,
		cfg:       cfg,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
	}
}

// OnFailure routes a failed attempt. req.ErrorCount is the count before this
// failure; the store increments it as part of the transition.
func (s *RetryScheduler) OnFailure(ctx context.Context, req *models.PayoutRequest, from types.PayoutStatus, cause error) {
	attempt := req.ErrorCount + 1
	log := s.logger.WithFields(map[string]interface{}{
		"requestId": req.ID,
		"attempt":   attempt,
	})

	if attempt >= s.cfg.MaxRetries {
		failed, err := s.payouts.MarkFailed(ctx, req.ID, from, cause.Error())
		if err != nil {
			log.ErrorWithErr("failed to mark payout as failed", err)
			return
		}
		if !failed {
			// Someone else already moved the request on
			return
		}

		log.WithError(cause).Warn("payout failed permanently, retries exhausted")

		// A payout that never settled no longer counts toward velocity caps
		if err := s.velocity.Release(ctx, req.UserID, req.ID, req.Amount); err != nil {
			log.WithError(err).Warn("failed to release velocity budget after permanent failure")
		}

		metrics.PayoutsFailed.WithLabelValues(string(req.TargetChain)).Inc()
		req.Status = types.PayoutStatusFailed
		s.publish(ctx, events.SubjectPayoutFailed, req, cause.Error())

		if err := s.notifier.Notify(ctx, adapter.Notification{
			Severity: "error",
			Subject:  "payout failed permanently",
			Body:     cause.Error(),
			EntityID: req.ID,
		}); err != nil {
			log.WithError(err).Warn("failed to deliver failure notification")
		}
		return
	}

	delay := s.Backoff(attempt)
	nextRetryAt := time.Now().Add(delay)

	parked, err := s.payouts.ParkForRetry(ctx, req.ID, from, cause.Error(), nextRetryAt)
	if err != nil {
		log.ErrorWithErr("failed to park payout for retry", err)
		return
	}
	if !parked {
		return
	}

	log.WithError(cause).Infof("payout parked for retry in %v", delay)
	metrics.PayoutRetries.Inc()
	req.Status = types.PayoutStatusPending
	s.publish(ctx, events.SubjectPayoutRetried, req, cause.Error())
}

// Backoff returns the delay before the given attempt's retry:
// initial * multiplier^(attempt-1), capped only when a ceiling is configured.
func (s *RetryScheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(s.cfg.InitialDelay) * math.Pow(s.cfg.BackoffMultiplier, float64(attempt-1)))
	if delay < 0 {
		// Overflow from a very large exponent
		delay = math.MaxInt64
	}
	if s.cfg.MaxDelay > 0 && delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	return delay
}

func (s *RetryScheduler) publish(ctx context.Context, subject string, req *models.PayoutRequest, reason string) {
	event := events.PayoutEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Chain:     req.TargetChain,
		Status:    req.Status,
		Reason:    reason,
		At:        time.Now(),
	}
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.WithError(err).Warn("failed to publish retry event")
	}
}
