package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aggregatorHarness struct {
	store     *memPayoutStore
	batches   *memBatchStore
	submitter *fakeSubmitter
	publisher *fakePublisher
	agg       *BatchAggregator
}

func newAggregatorHarness(t *testing.T, size int, reqs ...*models.PayoutRequest) *aggregatorHarness {
	t.Helper()

	h := &aggregatorHarness{
		store:     newMemPayoutStore(reqs...),
		batches:   newMemBatchStore(),
		submitter: &fakeSubmitter{chain: types.ChainNative},
		publisher: &fakePublisher{},
	}

	logger := testLogger()
	retry := NewRetryScheduler(h.store, &fakeVelocity{allowed: true}, testRetryConfig(), h.publisher, &fakeNotifier{}, logger)
	cfg := config.BatchConfig{Enabled: true, Size: size, Interval: time.Second}
	h.agg = NewBatchAggregator(h.store, h.batches, h.submitter, testFeeCalculator(), retry, cfg, logger)
	return h
}

func TestBatchAggregatorSubmitsFullBatch(t *testing.T) {
	reqs := []*models.PayoutRequest{nativePayout("req-1"), nativePayout("req-2"), nativePayout("req-3")}
	h := newAggregatorHarness(t, 3, reqs...)
	ctx := context.Background()

	batched, err := h.agg.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, batched)

	submitted, err := h.batches.ListByStatus(ctx, types.BatchStatusSubmitted, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	batch := submitted[0]
	assert.ElementsMatch(t, []string{"req-1", "req-2", "req-3"}, batch.RequestIDs)
	assert.Equal(t, 3*int64(998_500), batch.TotalAmount)
	require.NotNil(t, batch.SubmittedAt)

	// One chain submission; every member transaction shares its hash
	require.Len(t, h.submitter.submitted, 3)
	for _, req := range reqs {
		assert.Equal(t, batch.ID, req.BatchID)
		txs := h.store.transactionsFor(req.ID)
		require.Len(t, txs, 1)
		assert.Equal(t, "0xbatch", txs[0].Hash)
		assert.Equal(t, types.TxStatusSubmitted, txs[0].Status)
		assert.Equal(t, int64(998_500), txs[0].Amount)
	}
}

func TestBatchAggregatorReleasesPartialBatch(t *testing.T) {
	reqs := []*models.PayoutRequest{nativePayout("req-1"), nativePayout("req-2")}
	h := newAggregatorHarness(t, 3, reqs...)
	ctx := context.Background()

	batched, err := h.agg.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, batched)

	// Too few members: the claims go back to pending untouched
	for _, req := range reqs {
		assert.Equal(t, types.PayoutStatusPending, req.Status)
		assert.Empty(t, req.BatchID)
	}
	assert.Empty(t, h.submitter.submitted)

	open, err := h.batches.ListByStatus(ctx, types.BatchStatusOpen, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBatchAggregatorSkipsCrossChainAndUrgent(t *testing.T) {
	urgent := nativePayout("req-urgent")
	urgent.Priority = types.PriorityUrgent
	h := newAggregatorHarness(t, 2, bridgedPayout("req-eth"), urgent, nativePayout("req-1"), nativePayout("req-2"))
	ctx := context.Background()

	batched, err := h.agg.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batched)

	submitted, err := h.batches.ListByStatus(ctx, types.BatchStatusSubmitted, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.ElementsMatch(t, []string{"req-1", "req-2"}, submitted[0].RequestIDs)
}

func TestBatchAggregatorFailureRetriesMembersIndividually(t *testing.T) {
	reqs := []*models.PayoutRequest{nativePayout("req-1"), nativePayout("req-2")}
	h := newAggregatorHarness(t, 2, reqs...)
	h.submitter.SubmitBatchFn = func(ctx context.Context, transfers []adapter.Transfer) (*adapter.SubmitResult, error) {
		return nil, fmt.Errorf("mempool full")
	}
	ctx := context.Background()

	_, err := h.agg.RunOnce(ctx)
	require.Error(t, err)

	// The batch dies as a unit but every member retries on its own
	failed, lerr := h.batches.ListByStatus(ctx, types.BatchStatusFailed, 10)
	require.NoError(t, lerr)
	require.Len(t, failed, 1)

	for _, req := range reqs {
		assert.Equal(t, types.PayoutStatusPending, req.Status)
		assert.Equal(t, 1, req.ErrorCount)
		require.NotNil(t, req.NextRetryAt)

		txs := h.store.transactionsFor(req.ID)
		require.Len(t, txs, 1)
		assert.Equal(t, types.TxStatusFailed, txs[0].Status)
		assert.Equal(t, "mempool full", txs[0].FailureReason)
	}
}

func TestBatchAggregatorFinalizesSettledBatches(t *testing.T) {
	reqs := []*models.PayoutRequest{nativePayout("req-1"), nativePayout("req-2")}
	h := newAggregatorHarness(t, 2, reqs...)
	ctx := context.Background()

	_, err := h.agg.RunOnce(ctx)
	require.NoError(t, err)

	// Members still in flight keep the batch open
	require.NoError(t, h.agg.FinalizeOnce(ctx))
	submitted, err := h.batches.ListByStatus(ctx, types.BatchStatusSubmitted, 10)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	batchID := submitted[0].ID

	for _, req := range reqs {
		_, err := h.store.MarkCompleted(ctx, req.ID, types.PayoutStatusProcessing, time.Now())
		require.NoError(t, err)
	}

	require.NoError(t, h.agg.FinalizeOnce(ctx))
	completed, err := h.batches.ListByStatus(ctx, types.BatchStatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, batchID, completed[0].ID)
}
