package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:        3,
		InitialDelay:      30 * time.Second,
		BackoffMultiplier: 2,
	}
}

func TestRetrySchedulerBackoff(t *testing.T) {
	scheduler := NewRetryScheduler(newMemPayoutStore(), &fakeVelocity{}, testRetryConfig(), &fakePublisher{}, &fakeNotifier{}, testLogger())

	assert.Equal(t, 30*time.Second, scheduler.Backoff(1))
	assert.Equal(t, 60*time.Second, scheduler.Backoff(2))
	assert.Equal(t, 120*time.Second, scheduler.Backoff(3))

	// Attempt numbers below 1 are treated as the first attempt
	assert.Equal(t, 30*time.Second, scheduler.Backoff(0))
}

func TestRetrySchedulerBackoffCap(t *testing.T) {
	cfg := testRetryConfig()
	cfg.MaxDelay = 90 * time.Second
	scheduler := NewRetryScheduler(newMemPayoutStore(), &fakeVelocity{}, cfg, &fakePublisher{}, &fakeNotifier{}, testLogger())

	assert.Equal(t, 60*time.Second, scheduler.Backoff(2))
	assert.Equal(t, 90*time.Second, scheduler.Backoff(3))
	assert.Equal(t, 90*time.Second, scheduler.Backoff(10))
}

func TestRetrySchedulerParksWithBackoff(t *testing.T) {
	req := &models.PayoutRequest{
		ID:          "req-1",
		UserID:      "user-1",
		Amount:      1_000_000,
		TargetChain: types.ChainNative,
		Status:      types.PayoutStatusProcessing,
		ErrorCount:  0,
	}
	store := newMemPayoutStore(req)
	publisher := &fakePublisher{}
	notifier := &fakeNotifier{}
	velocity := &fakeVelocity{}
	scheduler := NewRetryScheduler(store, velocity, testRetryConfig(), publisher, notifier, testLogger())

	before := time.Now()
	scheduler.OnFailure(context.Background(), req, types.PayoutStatusProcessing, fmt.Errorf("rpc timeout"))

	assert.Equal(t, types.PayoutStatusPending, req.Status)
	assert.Equal(t, 1, req.ErrorCount)
	assert.Equal(t, "rpc timeout", req.LastError)
	require.NotNil(t, req.NextRetryAt)

	// First retry waits the initial delay
	assert.WithinDuration(t, before.Add(30*time.Second), *req.NextRetryAt, 2*time.Second)

	assert.Equal(t, []string{events.SubjectPayoutRetried}, publisher.subjects())
	assert.Empty(t, notifier.notes)

	// A request that will retry still holds its velocity budget
	assert.Empty(t, velocity.released)
}

func TestRetrySchedulerFailsPermanently(t *testing.T) {
	req := &models.PayoutRequest{
		ID:          "req-1",
		UserID:      "user-1",
		Amount:      1_000_000,
		TargetChain: types.ChainEthereum,
		Status:      types.PayoutStatusProcessing,
		ErrorCount:  2,
	}
	store := newMemPayoutStore(req)
	publisher := &fakePublisher{}
	notifier := &fakeNotifier{}
	velocity := &fakeVelocity{}
	scheduler := NewRetryScheduler(store, velocity, testRetryConfig(), publisher, notifier, testLogger())

	scheduler.OnFailure(context.Background(), req, types.PayoutStatusProcessing, fmt.Errorf("insufficient gas"))

	assert.Equal(t, types.PayoutStatusFailed, req.Status)
	assert.Equal(t, 3, req.ErrorCount)
	assert.Nil(t, req.NextRetryAt)

	assert.Equal(t, []string{events.SubjectPayoutFailed}, publisher.subjects())

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "error", notifier.notes[0].Severity)
	assert.Equal(t, "req-1", notifier.notes[0].EntityID)

	// The amount returns to the user's rolling windows once the payout can
	// never settle
	assert.Equal(t, []string{"req-1"}, velocity.released)
}

func TestRetrySchedulerSkipsConcurrentlyMovedRequest(t *testing.T) {
	// The request was cancelled between the failure and the scheduler's
	// transition attempt; the scheduler must not publish anything.
	req := &models.PayoutRequest{
		ID:     "req-1",
		UserID: "user-1",
		Status: types.PayoutStatusCancelled,
	}
	store := newMemPayoutStore(req)
	publisher := &fakePublisher{}
	scheduler := NewRetryScheduler(store, &fakeVelocity{}, testRetryConfig(), publisher, &fakeNotifier{}, testLogger())

	scheduler.OnFailure(context.Background(), req, types.PayoutStatusProcessing, fmt.Errorf("rpc timeout"))

	assert.Equal(t, types.PayoutStatusCancelled, req.Status)
	assert.Empty(t, publisher.subjects())
}
