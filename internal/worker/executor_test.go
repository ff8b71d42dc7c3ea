package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/metrics"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/service"
	"github.com/payout-reconciler/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFeeCalculator() *service.FeeCalculator {
	return service.NewFeeCalculator(&config.PayoutConfig{
		MinimumPayout: 100_000,
		MaximumPayout: 1_000_000_000,
		BridgeFeeBps:  25,
		KYCThreshold:  100_000_000,
		Chains: map[types.ChainID]config.ChainFees{
			types.ChainNative:   {ProcessingFee: 1_000, NetworkFee: 500, RequiredConfirmations: 6},
			types.ChainEthereum: {ProcessingFee: 5_000, NetworkFee: 10_000, RequiredConfirmations: 12},
		},
	})
}

type executorHarness struct {
	store     *memPayoutStore
	ledger    *fakeLedger
	velocity  *fakeVelocity
	native    *fakeSubmitter
	ethereum  *fakeSubmitter
	publisher *fakePublisher
	notifier  *fakeNotifier
	executor  *Executor
}

func newExecutorHarness(t *testing.T, reqs ...*models.PayoutRequest) *executorHarness {
	t.Helper()

	h := &executorHarness{
		store:     newMemPayoutStore(reqs...),
		ledger:    &fakeLedger{},
		velocity:  &fakeVelocity{allowed: true},
		native:    &fakeSubmitter{chain: types.ChainNative},
		ethereum:  &fakeSubmitter{chain: types.ChainEthereum},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
	}

	logger := testLogger()
	retry := NewRetryScheduler(h.store, h.velocity, testRetryConfig(), h.publisher, h.notifier, logger)
	submitters := map[types.ChainID]adapter.ChainSubmitter{
		types.ChainNative:   h.native,
		types.ChainEthereum: h.ethereum,
	}
	cfg := config.ExecutorConfig{
		MaxInFlight:          10,
		DispatchInterval:     time.Second,
		ConfirmInterval:      time.Second,
		BridgeDepositAddress: "bridge-vault",
	}
	h.executor = NewExecutor(h.store, h.ledger, h.velocity, submitters, testFeeCalculator(), retry, h.publisher, cfg, logger)
	return h
}

func nativePayout(id string) *models.PayoutRequest {
	return &models.PayoutRequest{
		ID:            id,
		UserID:        "user-1",
		Amount:        1_000_000,
		TargetChain:   types.ChainNative,
		TargetAddress: "addr-1",
		Priority:      types.PriorityNormal,
		Status:        types.PayoutStatusPending,
		Fees:          models.FeeBreakdown{Processing: 1_000, Network: 500, Total: 1_500},
	}
}

func bridgedPayout(id string) *models.PayoutRequest {
	return &models.PayoutRequest{
		ID:            id,
		UserID:        "user-1",
		Amount:        1_000_000,
		TargetChain:   types.ChainEthereum,
		TargetAddress: "0xdest",
		Priority:      types.PriorityNormal,
		Status:        types.PayoutStatusPending,
		Bridged:       true,
		Fees:          models.FeeBreakdown{Processing: 5_000, Bridge: 2_500, Network: 10_000, Total: 17_500},
	}
}

func TestExecutorDirectPayoutLifecycle(t *testing.T) {
	req := nativePayout("req-1")
	h := newExecutorHarness(t, req)
	h.native.SubmitFn = func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
		return &adapter.SubmitResult{Hash: "0xaaa"}, nil
	}
	ctx := context.Background()

	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	txs := h.store.transactionsFor("req-1")
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxKindDirect, txs[0].Kind)
	assert.Equal(t, types.ChainNative, txs[0].Chain)
	assert.Equal(t, int64(998_500), txs[0].Amount)
	assert.Equal(t, int64(1_500), txs[0].Fee)
	assert.Equal(t, "0xaaa", txs[0].Hash)
	assert.Equal(t, types.TxStatusSubmitted, txs[0].Status)
	assert.Equal(t, uint32(6), txs[0].RequiredConfirmations)

	require.Len(t, h.native.submitted, 1)
	assert.Equal(t, "addr-1", h.native.submitted[0].To)
	assert.Equal(t, int64(998_500), h.native.submitted[0].Amount)

	// Not enough confirmations yet: the transaction stays submitted
	h.native.StatusFn = func(ctx context.Context, hash string) (*adapter.TransactionState, error) {
		return &adapter.TransactionState{Confirmations: 3}, nil
	}
	require.NoError(t, h.executor.PollOnce(ctx))
	assert.Equal(t, types.TxStatusSubmitted, txs[0].Status)
	assert.Equal(t, uint32(3), txs[0].Confirmations)
	assert.Equal(t, types.PayoutStatusProcessing, req.Status)

	h.native.StatusFn = func(ctx context.Context, hash string) (*adapter.TransactionState, error) {
		return &adapter.TransactionState{Confirmations: 6}, nil
	}
	require.NoError(t, h.executor.PollOnce(ctx))

	assert.Equal(t, types.TxStatusConfirmed, txs[0].Status)
	assert.Equal(t, types.PayoutStatusCompleted, req.Status)
	require.NotNil(t, req.CompletedAt)

	// Completion debits the unified account
	assert.Equal(t, []string{"user-1"}, h.ledger.recorded)
	assert.Equal(t, []string{events.SubjectPayoutDispatched, events.SubjectPayoutCompleted}, h.publisher.subjects())
}

func TestExecutorBridgedPayoutTwoHops(t *testing.T) {
	req := bridgedPayout("req-1")
	h := newExecutorHarness(t, req)
	h.native.SubmitFn = func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
		return &adapter.SubmitResult{Hash: "0xdeposit"}, nil
	}
	h.ethereum.SubmitFn = func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
		return &adapter.SubmitResult{Hash: "0xpayout"}, nil
	}
	ctx := context.Background()

	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, types.PayoutStatusBridging, req.Status)

	// Hop one: bridge deposit on the native chain, bridge fee only
	txs := h.store.transactionsFor("req-1")
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxKindBridgeDeposit, txs[0].Kind)
	assert.Equal(t, types.ChainNative, txs[0].Chain)
	assert.Equal(t, int64(982_500), txs[0].Amount)
	assert.Equal(t, int64(2_500), txs[0].Fee)
	require.Len(t, h.native.submitted, 1)
	assert.Equal(t, "bridge-vault", h.native.submitted[0].To)

	// Deposit confirms, hop two goes out on the destination chain
	h.native.StatusFn = func(ctx context.Context, hash string) (*adapter.TransactionState, error) {
		return &adapter.TransactionState{Confirmations: 6}, nil
	}
	require.NoError(t, h.executor.PollOnce(ctx))

	assert.Equal(t, types.PayoutStatusProcessing, req.Status)
	txs = h.store.transactionsFor("req-1")
	require.Len(t, txs, 2)
	assert.Equal(t, types.TxKindDirect, txs[1].Kind)
	assert.Equal(t, types.ChainEthereum, txs[1].Chain)
	assert.Equal(t, int64(15_000), txs[1].Fee)
	assert.Equal(t, "0xpayout", txs[1].Hash)
	require.Len(t, h.ethereum.submitted, 1)
	assert.Equal(t, "0xdest", h.ethereum.submitted[0].To)

	// Destination transfer confirms, payout completes
	h.ethereum.StatusFn = func(ctx context.Context, hash string) (*adapter.TransactionState, error) {
		return &adapter.TransactionState{Confirmations: 12}, nil
	}
	require.NoError(t, h.executor.PollOnce(ctx))

	assert.Equal(t, types.PayoutStatusCompleted, req.Status)
	assert.Equal(t, []string{"user-1"}, h.ledger.recorded)

	// Both bridge transitions emit their own event
	assert.Equal(t, []string{
		events.SubjectPayoutDispatched,
		events.SubjectPayoutBridging,
		events.SubjectPayoutBridgeSettled,
		events.SubjectPayoutCompleted,
	}, h.publisher.subjects())
}

func TestExecutorCrossChainWithoutBridgeSettlesDirectly(t *testing.T) {
	// Auto-bridging disabled on the account: the payout targets ethereum but
	// admission routed it as a direct settlement
	req := bridgedPayout("req-1")
	req.Bridged = false
	req.Fees = models.FeeBreakdown{Processing: 5_000, Network: 10_000, Total: 15_000}
	h := newExecutorHarness(t, req)
	h.ethereum.SubmitFn = func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
		return &adapter.SubmitResult{Hash: "0xdirect"}, nil
	}
	ctx := context.Background()

	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, types.PayoutStatusProcessing, req.Status)

	// One hop only, straight to the destination address
	txs := h.store.transactionsFor("req-1")
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxKindDirect, txs[0].Kind)
	assert.Equal(t, types.ChainEthereum, txs[0].Chain)
	assert.Equal(t, int64(985_000), txs[0].Amount)
	require.Len(t, h.ethereum.submitted, 1)
	assert.Equal(t, "0xdest", h.ethereum.submitted[0].To)
	assert.Empty(t, h.native.submitted)

	h.ethereum.StatusFn = func(ctx context.Context, hash string) (*adapter.TransactionState, error) {
		return &adapter.TransactionState{Confirmations: 12}, nil
	}
	require.NoError(t, h.executor.PollOnce(ctx))

	assert.Equal(t, types.PayoutStatusCompleted, req.Status)
	assert.Equal(t, []string{events.SubjectPayoutDispatched, events.SubjectPayoutCompleted}, h.publisher.subjects())
}

// stuckTransitionStore refuses status transitions, standing in for a
// concurrent actor winning the conditional update
type stuckTransitionStore struct {
	*memPayoutStore
}

func (s *stuckTransitionStore) TransitionStatus(ctx context.Context, id string, from, to types.PayoutStatus) (bool, error) {
	return false, nil
}

func TestExecutorLostBridgingEntryReleasesInFlightSlot(t *testing.T) {
	req := bridgedPayout("req-1")
	h := newExecutorHarness(t, req)
	store := &stuckTransitionStore{memPayoutStore: h.store}
	h.executor.payouts = store
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.PayoutsInFlight)
	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)

	// The lost request gives its slot back and submits nothing
	assert.Equal(t, before, testutil.ToFloat64(metrics.PayoutsInFlight))
	assert.Empty(t, h.native.submitted)
	assert.Empty(t, h.store.transactionsFor("req-1"))
}

func TestExecutorPollSkipsUnindexedTransaction(t *testing.T) {
	req := nativePayout("req-1")
	h := newExecutorHarness(t, req)
	ctx := context.Background()

	_, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)

	// The chain has not indexed the hash yet; this is not a failure
	h.native.StatusFn = func(ctx context.Context, hash string) (*adapter.TransactionState, error) {
		return nil, fmt.Errorf("%w: %s", adapter.ErrTransactionNotFound, hash)
	}
	require.NoError(t, h.executor.PollOnce(ctx))

	txs := h.store.transactionsFor("req-1")
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxStatusSubmitted, txs[0].Status)
	assert.Equal(t, types.PayoutStatusProcessing, req.Status)
	assert.Equal(t, 0, req.ErrorCount)
}

func TestExecutorSubmissionFailureSchedulesRetry(t *testing.T) {
	req := nativePayout("req-1")
	h := newExecutorHarness(t, req)
	h.native.SubmitFn = func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
		return nil, fmt.Errorf("rpc unavailable")
	}
	ctx := context.Background()

	_, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)

	// The failed transaction stays in the history; the request goes back
	// to pending with a backoff
	txs := h.store.transactionsFor("req-1")
	require.Len(t, txs, 1)
	assert.Equal(t, types.TxStatusFailed, txs[0].Status)
	assert.Equal(t, "rpc unavailable", txs[0].FailureReason)

	assert.Equal(t, types.PayoutStatusPending, req.Status)
	assert.Equal(t, 1, req.ErrorCount)
	require.NotNil(t, req.NextRetryAt)
}

func TestExecutorRetryCreatesNewTransaction(t *testing.T) {
	req := nativePayout("req-1")
	req.ErrorCount = 1
	h := newExecutorHarness(t, req)
	h.native.SubmitFn = func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
		return &adapter.SubmitResult{Hash: "0xsecond"}, nil
	}
	ctx := context.Background()

	// Seed a failed first attempt
	failed := &models.PayoutTransaction{RequestID: "req-1", Chain: types.ChainNative, Kind: types.TxKindDirect, Status: types.TxStatusPending}
	require.NoError(t, h.store.CreateTransaction(ctx, failed))
	_, err := h.store.MarkTransactionFailed(ctx, failed.ID, "rpc unavailable")
	require.NoError(t, err)

	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	// Retries revalidate the velocity windows and get a fresh transaction
	assert.Equal(t, 1, h.velocity.calls)
	txs := h.store.transactionsFor("req-1")
	require.Len(t, txs, 2)
	assert.Equal(t, types.TxStatusFailed, txs[0].Status)
	assert.Equal(t, "0xsecond", txs[1].Hash)
	assert.Equal(t, types.TxStatusSubmitted, txs[1].Status)
}

func TestExecutorVelocityBlockedRetryParks(t *testing.T) {
	req := nativePayout("req-1")
	req.ErrorCount = 1
	h := newExecutorHarness(t, req)
	h.velocity.allowed = false
	ctx := context.Background()

	before := time.Now()
	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)

	// Parked without touching the error count and without a submission
	assert.Equal(t, types.PayoutStatusPending, req.Status)
	assert.Equal(t, 1, req.ErrorCount)
	require.NotNil(t, req.NextRetryAt)
	assert.WithinDuration(t, before.Add(velocityParkDelay), *req.NextRetryAt, 2*time.Second)

	assert.Empty(t, h.store.transactionsFor("req-1"))
	assert.Empty(t, h.native.submitted)
	assert.Empty(t, h.publisher.subjects())
}

func TestExecutorRespectsInFlightBound(t *testing.T) {
	reqs := []*models.PayoutRequest{nativePayout("req-1"), nativePayout("req-2"), nativePayout("req-3")}
	h := newExecutorHarness(t, reqs...)
	h.executor.cfg.MaxInFlight = 2
	ctx := context.Background()

	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	counts, err := h.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[types.PayoutStatusProcessing])
	assert.Equal(t, int64(1), counts[types.PayoutStatusPending])

	// At capacity a further cycle claims nothing
	dispatched, err = h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)
}

func TestExecutorKYCHeldRequestsAreNotDispatched(t *testing.T) {
	req := nativePayout("req-1")
	req.Risk = models.RiskAssessment{KYCRequired: true}
	h := newExecutorHarness(t, req)
	ctx := context.Background()

	dispatched, err := h.executor.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatched)
	assert.Equal(t, types.PayoutStatusPending, req.Status)
}
