package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// batchPayoutStore is the payout persistence surface the aggregator uses
type batchPayoutStore interface {
	ClaimBatchable(ctx context.Context, chain types.ChainID, limit int, now time.Time) ([]*models.PayoutRequest, error)
	AssignBatch(ctx context.Context, ids []string, batchID string) error
	TransitionStatus(ctx context.Context, id string, from, to types.PayoutStatus) (bool, error)
	CreateTransaction(ctx context.Context, tx *models.PayoutTransaction) error
	MarkTransactionSubmitted(ctx context.Context, id, hash string, at time.Time) (bool, error)
	MarkTransactionFailed(ctx context.Context, id, reason string) (bool, error)
	CountUnfinishedInBatch(ctx context.Context, batchID string) (int, error)
}

// batchStore is the batch persistence surface
type batchStore interface {
	Create(ctx context.Context, batch *models.PayoutBatch) error
	ListByStatus(ctx context.Context, status types.BatchStatus, limit int) ([]*models.PayoutBatch, error)
	MarkSubmitted(ctx context.Context, id string, at time.Time) (bool, error)
	TransitionStatus(ctx context.Context, id string, from, to types.BatchStatus) (bool, error)
}

// BatchAggregator groups ready native-chain requests into single chain
// submissions. Cross-chain requests never batch; their bridge hop is
// per-request. A batch only changes how the wire transaction is built:
// every member keeps its own transaction object and state machine, so a
// member can still fail and retry individually.
type BatchAggregator struct {
	payouts   batchPayoutStore
	batches   batchStore
	submitter adapter.ChainSubmitter
	fees      feeSchedule
	retry     *RetryScheduler
	cfg       config.BatchConfig
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// feeSchedule exposes the confirmation depth lookup the aggregator needs
type feeSchedule interface {
	RequiredConfirmations(chain types.ChainID) uint32
}

// NewBatchAggregator creates the batch aggregator
func NewBatchAggregator(payouts batchPayoutStore, batches batchStore, submitter adapter.ChainSubmitter, fees feeSchedule, retry *RetryScheduler, cfg config.BatchConfig, logger *logging.Logger) *BatchAggregator {
	return &BatchAggregator{
		payouts:   payouts,
		batches:   batches,
		submitter: submitter,
		fees:      fees,
		retry:     retry,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the aggregation loop
func (a *BatchAggregator) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("batch aggregator is already running")
	}
	a.running = true
	a.mu.Unlock()

	a.logger.Infof("starting batch aggregator, batch size %d, interval %v", a.cfg.Size, a.cfg.Interval)
	go a.loop()
	return nil
}

// Stop signals the loop to finish and waits for it
func (a *BatchAggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("batch aggregator is not running")
	}
	a.mu.Unlock()

	close(a.stopCh)
	select {
	case <-a.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return nil
}

func (a *BatchAggregator) loop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorWithErr("batch aggregation cycle failed", err)
			}
			if err := a.FinalizeOnce(ctx); err != nil {
				a.logger.ErrorWithErr("batch finalization cycle failed", err)
			}
		}
	}
}

// RunOnce claims up to one full batch of ready native-chain requests and
// submits them together. When fewer than a full batch is ready, the claimed
// requests go back to pending so the per-request dispatcher or a later
// cycle picks them up.
func (a *BatchAggregator) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	claimed, err := a.payouts.ClaimBatchable(ctx, types.ChainNative, a.cfg.Size, now)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	if len(claimed) < a.cfg.Size {
		a.release(ctx, claimed)
		return 0, nil
	}

	batch := &models.PayoutBatch{
		Chain:  types.ChainNative,
		Status: types.BatchStatusOpen,
	}
	ids := make([]string, 0, len(claimed))
	for _, req := range claimed {
		ids = append(ids, req.ID)
		batch.TotalAmount += req.NetAmount()
	}
	batch.RequestIDs = ids

	if err := a.batches.Create(ctx, batch); err != nil {
		a.release(ctx, claimed)
		return 0, err
	}
	if err := a.payouts.AssignBatch(ctx, ids, batch.ID); err != nil {
		a.release(ctx, claimed)
		return 0, err
	}

	log := a.logger.WithFields(map[string]interface{}{"batchId": batch.ID, "members": len(claimed)})

	// One transaction object per member; the single batch submission hash
	// is shared across all of them
	txs := make([]*models.PayoutTransaction, 0, len(claimed))
	transfers := make([]adapter.Transfer, 0, len(claimed))
	for _, req := range claimed {
		tx := &models.PayoutTransaction{
			RequestID:             req.ID,
			Chain:                 types.ChainNative,
			Kind:                  types.TxKindDirect,
			Amount:                req.NetAmount(),
			Fee:                   req.Fees.Total,
			RequiredConfirmations: a.fees.RequiredConfirmations(types.ChainNative),
			Status:                types.TxStatusPending,
		}
		if err := a.payouts.CreateTransaction(ctx, tx); err != nil {
			a.failBatch(ctx, batch, claimed, txs, err)
			return 0, err
		}
		txs = append(txs, tx)
		transfers = append(transfers, adapter.Transfer{To: req.TargetAddress, Amount: tx.Amount})
	}

	result, err := a.submitter.SubmitBatch(ctx, transfers)
	if err != nil {
		log.ErrorWithErr("batch submission failed", err)
		a.failBatch(ctx, batch, claimed, txs, err)
		return 0, err
	}

	submittedAt := time.Now()
	for _, tx := range txs {
		if _, err := a.payouts.MarkTransactionSubmitted(ctx, tx.ID, result.Hash, submittedAt); err != nil {
			log.ErrorWithErr("failed to record batch member submission", err)
		}
	}
	if _, err := a.batches.MarkSubmitted(ctx, batch.ID, submittedAt); err != nil {
		log.ErrorWithErr("failed to mark batch submitted", err)
	}

	log.WithFields(map[string]interface{}{"hash": result.Hash}).Info("batch submitted")
	return len(claimed), nil
}

// FinalizeOnce closes submitted batches whose members have all reached a
// terminal status
func (a *BatchAggregator) FinalizeOnce(ctx context.Context) error {
	batches, err := a.batches.ListByStatus(ctx, types.BatchStatusSubmitted, 50)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		unfinished, err := a.payouts.CountUnfinishedInBatch(ctx, batch.ID)
		if err != nil {
			a.logger.ErrorWithErr("failed to inspect batch members", err)
			continue
		}
		if unfinished > 0 {
			continue
		}
		if _, err := a.batches.TransitionStatus(ctx, batch.ID, types.BatchStatusSubmitted, types.BatchStatusCompleted); err != nil {
			a.logger.ErrorWithErr("failed to complete batch", err)
		}
	}
	return nil
}

// release puts claimed requests back to pending untouched
func (a *BatchAggregator) release(ctx context.Context, claimed []*models.PayoutRequest) {
	for _, req := range claimed {
		if _, err := a.payouts.TransitionStatus(ctx, req.ID, types.PayoutStatusProcessing, types.PayoutStatusPending); err != nil {
			a.logger.ErrorWithErr("failed to release claimed request", err)
		}
	}
}

// failBatch routes every member through the retry scheduler after a batch
// level failure. Members retry individually; the batch itself is done.
func (a *BatchAggregator) failBatch(ctx context.Context, batch *models.PayoutBatch, claimed []*models.PayoutRequest, txs []*models.PayoutTransaction, cause error) {
	for _, tx := range txs {
		if _, err := a.payouts.MarkTransactionFailed(ctx, tx.ID, cause.Error()); err != nil {
			a.logger.ErrorWithErr("failed to record batch member transaction failure", err)
		}
	}
	for _, req := range claimed {
		a.retry.OnFailure(ctx, req, types.PayoutStatusProcessing, cause)
	}
	if _, err := a.batches.TransitionStatus(ctx, batch.ID, types.BatchStatusOpen, types.BatchStatusFailed); err != nil {
		a.logger.ErrorWithErr("failed to mark batch as failed", err)
	}
}
