package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/metrics"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/service"
	"github.com/payout-reconciler/internal/types"
)

// unifiedAccountStore persists the merged account view
type unifiedAccountStore interface {
	GetByID(ctx context.Context, id string) (*models.UnifiedAccount, error)
	Create(ctx context.Context, account *models.UnifiedAccount) error
	Update(ctx context.Context, account *models.UnifiedAccount) error
}

// unifiedTxStore persists the merged transaction view
type unifiedTxStore interface {
	Upsert(ctx context.Context, tx *models.UnifiedTransaction) error
}

// checkpointStore persists sweep high-water marks
type checkpointStore interface {
	Get(ctx context.Context, recordType types.RecordType) (*models.ReconcileCheckpoint, error)
	Save(ctx context.Context, cp *models.ReconcileCheckpoint) error
}

// openConflictReader counts still-open conflicts per record
type openConflictReader interface {
	CountOpenByRecord(ctx context.Context, recordID string) (int, error)
}

// ReconcileWorker periodically pulls modified records from both ledgers,
// merges them into the unified store and routes detected conflicts into the
// queue. The checkpoint for a record type only advances after the whole
// batch merged and persisted; any adapter or store error aborts the sweep
// and the next run replays from the last safe watermark.
type ReconcileWorker struct {
	ledgerA     adapter.LedgerAdapter
	ledgerB     adapter.LedgerAdapter
	reconciler  *service.Reconciler
	queue       *service.ConflictQueue
	accounts    unifiedAccountStore
	unifiedTxs  unifiedTxStore
	checkpoints checkpointStore
	conflicts   openConflictReader
	publisher   events.Publisher
	cfg         config.ReconcilerConfig
	logger      *logging.Logger

	sweeping atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReconcileWorker creates the reconciliation worker
func NewReconcileWorker(ledgerA, ledgerB adapter.LedgerAdapter, reconciler *service.Reconciler, queue *service.ConflictQueue, accounts unifiedAccountStore, unifiedTxs unifiedTxStore, checkpoints checkpointStore, conflicts openConflictReader, publisher events.Publisher, cfg config.ReconcilerConfig, logger *logging.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		ledgerA:     ledgerA,
		ledgerB:     ledgerB,
		reconciler:  reconciler,
		queue:       queue,
		accounts:    accounts,
		unifiedTxs:  unifiedTxs,
		checkpoints: checkpoints,
		conflicts:   conflicts,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop
func (w *ReconcileWorker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("reconcile worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Infof("starting reconcile worker, sweeping every %v, policy %s", w.cfg.Interval, w.cfg.Policy)
	go w.loop()
	return nil
}

// Stop signals the loop to finish and waits for it
func (w *ReconcileWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("reconcile worker is not running")
	}
	w.mu.Unlock()

	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *ReconcileWorker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.ErrorWithErr("reconciliation sweep failed", err)
			}
		}
	}
}

// SweepOnce runs one full reconciliation pass over both record types. At most
// one sweep runs at a time; overlapping calls return immediately.
func (w *ReconcileWorker) SweepOnce(ctx context.Context) error {
	if !w.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer w.sweeping.Store(false)

	if err := w.sweepAccounts(ctx); err != nil {
		return fmt.Errorf("account sweep: %w", err)
	}
	if err := w.sweepTransactions(ctx); err != nil {
		return fmt.Errorf("transaction sweep: %w", err)
	}

	resolved, err := w.queue.SweepAutoResolvable(ctx)
	if err != nil {
		return fmt.Errorf("auto-resolution sweep: %w", err)
	}
	if resolved > 0 {
		w.logger.Infof("auto-resolved %d conflicts", resolved)
	}

	open, _, err := w.queue.Stats(ctx)
	if err == nil {
		metrics.ConflictsOpen.Set(float64(open))
	}

	return nil
}

// accountPair holds both ledgers' views of one account ID
type accountPair struct {
	a *adapter.LedgerAccount
	b *adapter.LedgerAccount
}

func (w *ReconcileWorker) sweepAccounts(ctx context.Context) error {
	started := time.Now()
	cp, err := w.checkpoints.Get(ctx, types.RecordTypeAccount)
	if err != nil {
		return err
	}

	accountsA, err := w.ledgerA.FetchAccounts(ctx, cp.LastModifiedSeen, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	accountsB, err := w.ledgerB.FetchAccounts(ctx, cp.LastModifiedSeen, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(accountsA) == 0 && len(accountsB) == 0 {
		return nil
	}

	pairs := make(map[string]*accountPair)
	order := make([]string, 0, len(accountsA)+len(accountsB))
	maxModified := cp.LastModifiedSeen
	for _, acc := range accountsA {
		pairs[acc.ID] = &accountPair{a: acc}
		order = append(order, acc.ID)
		maxModified = latestOf(maxModified, acc.ModifiedAt)
	}
	for _, acc := range accountsB {
		if pair, ok := pairs[acc.ID]; ok {
			pair.b = acc
		} else {
			pairs[acc.ID] = &accountPair{b: acc}
			order = append(order, acc.ID)
		}
		maxModified = latestOf(maxModified, acc.ModifiedAt)
	}

	merged := 0
	conflictsDetected := 0
	for _, id := range order {
		pair := pairs[id]

		// A record modified in only one ledger may still exist unmodified
		// in the other; merge against the current counterpart, not nil
		if pair.a == nil {
			pair.a, err = w.lookupOther(ctx, w.ledgerA, id)
			if err != nil {
				return err
			}
		}
		if pair.b == nil {
			pair.b, err = w.lookupOther(ctx, w.ledgerB, id)
			if err != nil {
				return err
			}
		}

		prior, err := w.conflicts.CountOpenByRecord(ctx, id)
		if err != nil {
			return err
		}

		account, conflicts, err := w.reconciler.MergeAccounts(pair.a, pair.b, prior, time.Now())
		if err != nil {
			w.logger.WithFields(map[string]interface{}{"accountId": id}).WithError(err).Warn("skipping malformed ledger account")
			continue
		}

		if err := w.persistAccount(ctx, account); err != nil {
			return err
		}
		for _, conflict := range conflicts {
			if err := w.queue.Enqueue(ctx, conflict); err != nil {
				return err
			}
		}
		merged++
		conflictsDetected += len(conflicts)
	}

	cp.LastModifiedSeen = maxModified
	cp.LastRunAt = time.Now()
	cp.RecordsSynced += int64(merged)
	cp.ConflictsDetected += int64(conflictsDetected)
	if err := w.checkpoints.Save(ctx, cp); err != nil {
		return err
	}

	w.finishSweep(ctx, types.RecordTypeAccount, merged, conflictsDetected, started)
	return nil
}

func (w *ReconcileWorker) sweepTransactions(ctx context.Context) error {
	started := time.Now()
	cp, err := w.checkpoints.Get(ctx, types.RecordTypeTransaction)
	if err != nil {
		return err
	}

	txsA, err := w.ledgerA.FetchTransactions(ctx, cp.LastModifiedSeen, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	txsB, err := w.ledgerB.FetchTransactions(ctx, cp.LastModifiedSeen, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(txsA) == 0 && len(txsB) == 0 {
		return nil
	}

	byID := make(map[string]*adapter.LedgerTransaction)
	order := make([]string, 0, len(txsA))
	maxModified := cp.LastModifiedSeen
	for _, tx := range txsA {
		byID[tx.ID] = tx
		order = append(order, tx.ID)
		maxModified = latestOf(maxModified, tx.ModifiedAt)
	}

	merged := 0
	conflictsDetected := 0
	for _, tx := range txsB {
		maxModified = latestOf(maxModified, tx.ModifiedAt)
		counterpart := byID[tx.ID]
		if counterpart == nil {
			order = append(order, tx.ID)
		}
		unified, conflicts, err := w.reconciler.MergeTransactions(counterpart, tx, time.Now())
		if err != nil {
			w.logger.WithFields(map[string]interface{}{"txId": tx.ID}).WithError(err).Warn("skipping malformed ledger transaction")
			delete(byID, tx.ID)
			continue
		}
		if err := w.persistTransaction(ctx, unified, conflicts); err != nil {
			return err
		}
		delete(byID, tx.ID)
		merged++
		conflictsDetected += len(conflicts)
	}

	// Whatever is left was seen by ledger A only
	for _, id := range order {
		tx, ok := byID[id]
		if !ok {
			continue
		}
		unified, conflicts, err := w.reconciler.MergeTransactions(tx, nil, time.Now())
		if err != nil {
			w.logger.WithFields(map[string]interface{}{"txId": id}).WithError(err).Warn("skipping malformed ledger transaction")
			continue
		}
		if err := w.persistTransaction(ctx, unified, conflicts); err != nil {
			return err
		}
		merged++
		conflictsDetected += len(conflicts)
	}

	cp.LastModifiedSeen = maxModified
	cp.LastRunAt = time.Now()
	cp.RecordsSynced += int64(merged)
	cp.ConflictsDetected += int64(conflictsDetected)
	if err := w.checkpoints.Save(ctx, cp); err != nil {
		return err
	}

	w.finishSweep(ctx, types.RecordTypeTransaction, merged, conflictsDetected, started)
	return nil
}

// persistAccount writes the merged view, carrying forward the settlement
// fields reconciliation does not own from the existing unified record
func (w *ReconcileWorker) persistAccount(ctx context.Context, account *models.UnifiedAccount) error {
	existing, err := w.accounts.GetByID(ctx, account.ID)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			account.CreatedAt = time.Now()
			return w.accounts.Create(ctx, account)
		}
		return err
	}

	account.TotalPaid = existing.TotalPaid
	account.LastPayoutAt = existing.LastPayoutAt
	account.Preferences = existing.Preferences
	account.Archived = existing.Archived
	account.CreatedAt = existing.CreatedAt
	return w.accounts.Update(ctx, account)
}

func (w *ReconcileWorker) persistTransaction(ctx context.Context, tx *models.UnifiedTransaction, conflicts []*models.ConflictRecord) error {
	if err := w.unifiedTxs.Upsert(ctx, tx); err != nil {
		return err
	}
	for _, conflict := range conflicts {
		if err := w.queue.Enqueue(ctx, conflict); err != nil {
			return err
		}
	}
	return nil
}

// lookupOther fetches the counterpart record from the ledger that did not
// report a modification. A missing record is not an error.
func (w *ReconcileWorker) lookupOther(ctx context.Context, ledger adapter.LedgerAdapter, id string) (*adapter.LedgerAccount, error) {
	account, err := ledger.FetchAccount(ctx, id)
	if err != nil {
		if stderrors.Is(err, adapter.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

func (w *ReconcileWorker) finishSweep(ctx context.Context, recordType types.RecordType, merged, conflictsDetected int, started time.Time) {
	duration := time.Since(started)
	metrics.SweepDuration.WithLabelValues(string(recordType)).Observe(duration.Seconds())
	metrics.RecordsMerged.WithLabelValues(string(recordType)).Add(float64(merged))

	w.logger.WithFields(map[string]interface{}{
		"recordType": string(recordType),
		"merged":     merged,
		"conflicts":  conflictsDetected,
		"duration":   duration.String(),
	}).Info("reconciliation sweep completed")

	event := events.SweepEvent{
		RecordType:        recordType,
		RecordsMerged:     merged,
		ConflictsDetected: conflictsDetected,
		Duration:          duration,
		At:                time.Now(),
	}
	if err := w.publisher.Publish(ctx, events.SubjectSweepCompleted, event); err != nil {
		w.logger.WithError(err).Warn("failed to publish sweep event")
	}
}

func latestOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
