package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/metrics"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/service"
	"github.com/payout-reconciler/internal/types"
)

// velocityParkDelay is how long a retry blocked by velocity caps waits before
// the dispatcher looks at it again.
const velocityParkDelay = 5 * time.Minute

// executorStore is the payout persistence surface the executor drives
type executorStore interface {
	ClaimDispatchable(ctx context.Context, limit int, now time.Time) ([]*models.PayoutRequest, error)
	GetByID(ctx context.Context, id string) (*models.PayoutRequest, error)
	TransitionStatus(ctx context.Context, id string, from, to types.PayoutStatus) (bool, error)
	MarkCompleted(ctx context.Context, id string, from types.PayoutStatus, at time.Time) (bool, error)
	Park(ctx context.Context, id string, from types.PayoutStatus, nextRetryAt time.Time) (bool, error)
	CountByStatus(ctx context.Context) (map[types.PayoutStatus]int64, error)
	CreateTransaction(ctx context.Context, tx *models.PayoutTransaction) error
	MarkTransactionSubmitted(ctx context.Context, id, hash string, at time.Time) (bool, error)
	UpdateConfirmations(ctx context.Context, id string, confirmations uint32) error
	MarkTransactionConfirmed(ctx context.Context, id string, confirmations uint32, at time.Time) (bool, error)
	MarkTransactionFailed(ctx context.Context, id, reason string) (bool, error)
	ListOpenTransactions(ctx context.Context, limit int) ([]*models.PayoutTransaction, error)
}

// payoutLedger is the account surface for recording settled payouts
type payoutLedger interface {
	RecordPayout(ctx context.Context, userID string, amount int64, at time.Time) error
}

// velocityRevalidator re-checks rolling caps before a retry executes
type velocityRevalidator interface {
	Revalidate(ctx context.Context, userID, requestID string, amount int64, now time.Time) (bool, error)
}

// Executor drives payout requests through their state machine. Dispatching
// and confirmation polling are separate timer loops; a request waiting on
// confirmations holds no goroutine.
type Executor struct {
	payouts    executorStore
	accounts   payoutLedger
	velocity   velocityRevalidator
	submitters map[types.ChainID]adapter.ChainSubmitter
	fees       *service.FeeCalculator
	retry      *RetryScheduler
	publisher  events.Publisher
	cfg        config.ExecutorConfig
	logger     *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewExecutor creates the payout executor
func NewExecutor(payouts executorStore, accounts payoutLedger, velocity velocityRevalidator, submitters map[types.ChainID]adapter.ChainSubmitter, fees *service.FeeCalculator, retry *RetryScheduler, publisher events.Publisher, cfg config.ExecutorConfig, logger *logging.Logger) *Executor {
	return &Executor{
		payouts:    payouts,
		accounts:   accounts,
		velocity:   velocity,
		submitters: submitters,
		fees:       fees,
		retry:      retry,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the dispatch and confirmation loops
func (e *Executor) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("executor is already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Infof("starting payout executor, dispatch every %v, confirm every %v", e.cfg.DispatchInterval, e.cfg.ConfirmInterval)
	go e.loop()
	return nil
}

// Stop signals the loops to finish and waits for them
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("executor is not running")
	}
	e.mu.Unlock()

	close(e.stopCh)
	select {
	case <-e.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

func (e *Executor) loop() {
	defer close(e.doneCh)

	dispatch := time.NewTicker(e.cfg.DispatchInterval)
	defer dispatch.Stop()
	confirm := time.NewTicker(e.cfg.ConfirmInterval)
	defer confirm.Stop()

	ctx := context.Background()
	for {
		select {
		case <-e.stopCh:
			return
		case <-dispatch.C:
			if _, err := e.DispatchOnce(ctx); err != nil {
				e.logger.ErrorWithErr("dispatch cycle failed", err)
			}
		case <-confirm.C:
			if err := e.PollOnce(ctx); err != nil {
				e.logger.ErrorWithErr("confirmation cycle failed", err)
			}
		}
	}
}

// DispatchOnce claims ready pending requests up to the in-flight bound and
// submits their next transaction. It returns how many requests it dispatched.
func (e *Executor) DispatchOnce(ctx context.Context) (int, error) {
	counts, err := e.payouts.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	inFlight := counts[types.PayoutStatusProcessing] + counts[types.PayoutStatusBridging]
	capacity := e.cfg.MaxInFlight - int(inFlight)
	if capacity <= 0 {
		return 0, nil
	}

	now := time.Now()
	claimed, err := e.payouts.ClaimDispatchable(ctx, capacity, now)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, req := range claimed {
		if e.dispatch(ctx, req, now) {
			dispatched++
		}
	}
	return dispatched, nil
}

// dispatch submits the first (or next) transaction for a freshly claimed
// request. Returns false when the request was parked instead.
func (e *Executor) dispatch(ctx context.Context, req *models.PayoutRequest, now time.Time) bool {
	log := e.logger.WithFields(map[string]interface{}{"requestId": req.ID, "chain": string(req.TargetChain)})

	// A retry must still fit the current velocity windows. Blocked retries
	// park without counting an error until the window clears.
	if req.ErrorCount > 0 {
		allowed, err := e.velocity.Revalidate(ctx, req.UserID, req.ID, req.Amount, now)
		if err != nil {
			log.ErrorWithErr("velocity revalidation failed", err)
			allowed = false
		}
		if !allowed {
			if _, err := e.payouts.Park(ctx, req.ID, types.PayoutStatusProcessing, now.Add(velocityParkDelay)); err != nil {
				log.ErrorWithErr("failed to park velocity-blocked retry", err)
			}
			return false
		}
	}

	metrics.PayoutsInFlight.Inc()
	e.publish(ctx, events.SubjectPayoutDispatched, req, "")

	if req.NeedsBridge() {
		if ok, err := e.payouts.TransitionStatus(ctx, req.ID, types.PayoutStatusProcessing, types.PayoutStatusBridging); err != nil || !ok {
			if err != nil {
				log.ErrorWithErr("failed to enter bridging", err)
			}
			// Lost to a concurrent transition; the request is no longer ours
			metrics.PayoutsInFlight.Dec()
			return false
		}
		req.Status = types.PayoutStatusBridging
		e.publish(ctx, events.SubjectPayoutBridging, req, "")

		tx := &models.PayoutTransaction{
			RequestID:             req.ID,
			Chain:                 types.ChainNative,
			Kind:                  types.TxKindBridgeDeposit,
			Amount:                req.NetAmount(),
			Fee:                   req.Fees.Bridge,
			RequiredConfirmations: e.fees.RequiredConfirmations(types.ChainNative),
			Status:                types.TxStatusPending,
		}
		e.submitTransaction(ctx, req, tx, e.cfg.BridgeDepositAddress)
		return true
	}

	tx := &models.PayoutTransaction{
		RequestID:             req.ID,
		Chain:                 req.TargetChain,
		Kind:                  types.TxKindDirect,
		Amount:                req.NetAmount(),
		Fee:                   req.Fees.Total,
		RequiredConfirmations: e.fees.RequiredConfirmations(req.TargetChain),
		Status:                types.TxStatusPending,
	}
	e.submitTransaction(ctx, req, tx, req.TargetAddress)
	return true
}

// submitTransaction persists a new transaction object and hands it to the
// chain. A failed submission fails this transaction only; the retry
// scheduler decides the request's fate and a later attempt gets a brand new
// transaction object.
func (e *Executor) submitTransaction(ctx context.Context, req *models.PayoutRequest, tx *models.PayoutTransaction, to string) {
	log := e.logger.WithFields(map[string]interface{}{"requestId": req.ID, "txChain": string(tx.Chain), "kind": string(tx.Kind)})

	if err := e.payouts.CreateTransaction(ctx, tx); err != nil {
		log.ErrorWithErr("failed to persist transaction", err)
		e.failAttempt(ctx, req, tx, err)
		return
	}

	submitter, ok := e.submitters[tx.Chain]
	if !ok {
		err := fmt.Errorf("no submitter configured for chain %s", tx.Chain)
		log.Error(err.Error())
		e.failAttempt(ctx, req, tx, err)
		return
	}

	result, err := submitter.Submit(ctx, adapter.Transfer{To: to, Amount: tx.Amount})
	if err != nil {
		log.ErrorWithErr("chain submission failed", err)
		e.failAttempt(ctx, req, tx, err)
		return
	}

	now := time.Now()
	if _, err := e.payouts.MarkTransactionSubmitted(ctx, tx.ID, result.Hash, now); err != nil {
		log.ErrorWithErr("failed to record submission", err)
		return
	}
	tx.Hash = result.Hash
	tx.Status = types.TxStatusSubmitted
	log.WithFields(map[string]interface{}{"hash": result.Hash}).Info("transaction submitted")
}

// failAttempt records the transaction failure, releases the in-flight slot
// and lets the retry scheduler decide whether the request gets another go
func (e *Executor) failAttempt(ctx context.Context, req *models.PayoutRequest, tx *models.PayoutTransaction, cause error) {
	if tx.ID != "" {
		if _, err := e.payouts.MarkTransactionFailed(ctx, tx.ID, cause.Error()); err != nil {
			e.logger.ErrorWithErr("failed to record transaction failure", err)
		}
	}
	metrics.PayoutsInFlight.Dec()
	e.retry.OnFailure(ctx, req, req.Status, cause)
}

// PollOnce checks every submitted transaction against its chain and advances
// the owning requests
func (e *Executor) PollOnce(ctx context.Context) error {
	txs, err := e.payouts.ListOpenTransactions(ctx, 200)
	if err != nil {
		return err
	}

	for _, tx := range txs {
		e.pollTransaction(ctx, tx)
	}
	return nil
}

func (e *Executor) pollTransaction(ctx context.Context, tx *models.PayoutTransaction) {
	log := e.logger.WithFields(map[string]interface{}{"txId": tx.ID, "hash": tx.Hash})

	submitter, ok := e.submitters[tx.Chain]
	if !ok {
		log.Warnf("no submitter configured for chain %s, cannot poll", tx.Chain)
		return
	}

	state, err := submitter.Status(ctx, tx.Hash)
	if err != nil {
		if errors.Is(err, adapter.ErrTransactionNotFound) {
			// Not indexed yet or still in the mempool; check again next cycle
			log.Debug("transaction not visible on chain yet")
			return
		}
		log.WithError(err).Warn("confirmation check failed")
		return
	}

	if state.Failed {
		reason := state.FailureReason
		if reason == "" {
			reason = "transaction failed on chain"
		}
		if _, err := e.payouts.MarkTransactionFailed(ctx, tx.ID, reason); err != nil {
			log.ErrorWithErr("failed to record transaction failure", err)
			return
		}
		req, err := e.payouts.GetByID(ctx, tx.RequestID)
		if err != nil {
			log.ErrorWithErr("failed to load request for failed transaction", err)
			return
		}
		metrics.PayoutsInFlight.Dec()
		e.retry.OnFailure(ctx, req, req.Status, fmt.Errorf("%s", reason))
		return
	}

	if state.Confirmations < tx.RequiredConfirmations {
		if err := e.payouts.UpdateConfirmations(ctx, tx.ID, state.Confirmations); err != nil {
			log.ErrorWithErr("failed to update confirmations", err)
		}
		return
	}

	confirmed, err := e.payouts.MarkTransactionConfirmed(ctx, tx.ID, state.Confirmations, time.Now())
	if err != nil {
		log.ErrorWithErr("failed to confirm transaction", err)
		return
	}
	if !confirmed {
		return
	}

	e.advance(ctx, tx)
}

// advance moves a request forward after one of its transactions confirmed
func (e *Executor) advance(ctx context.Context, tx *models.PayoutTransaction) {
	req, err := e.payouts.GetByID(ctx, tx.RequestID)
	if err != nil {
		e.logger.ErrorWithErr("failed to load request after confirmation", err)
		return
	}
	log := e.logger.WithFields(map[string]interface{}{"requestId": req.ID})

	if tx.Kind == types.TxKindBridgeDeposit {
		// Bridge deposit landed; now submit the destination-side transfer
		if ok, err := e.payouts.TransitionStatus(ctx, req.ID, types.PayoutStatusBridging, types.PayoutStatusProcessing); err != nil || !ok {
			if err != nil {
				log.ErrorWithErr("failed to leave bridging", err)
			}
			return
		}
		req.Status = types.PayoutStatusProcessing
		e.publish(ctx, events.SubjectPayoutBridgeSettled, req, "")

		destTx := &models.PayoutTransaction{
			RequestID:             req.ID,
			Chain:                 req.TargetChain,
			Kind:                  types.TxKindDirect,
			Amount:                req.NetAmount(),
			Fee:                   req.Fees.Total - req.Fees.Bridge,
			RequiredConfirmations: e.fees.RequiredConfirmations(req.TargetChain),
			Status:                types.TxStatusPending,
		}
		e.submitTransaction(ctx, req, destTx, req.TargetAddress)
		return
	}

	// Terminal hop confirmed
	now := time.Now()
	completed, err := e.payouts.MarkCompleted(ctx, req.ID, types.PayoutStatusProcessing, now)
	if err != nil {
		log.ErrorWithErr("failed to complete payout", err)
		return
	}
	if !completed {
		return
	}
	req.Status = types.PayoutStatusCompleted

	if err := e.accounts.RecordPayout(ctx, req.UserID, req.Amount, now); err != nil {
		log.ErrorWithErr("failed to debit account for completed payout", err)
	}

	metrics.PayoutsInFlight.Dec()
	metrics.PayoutsCompleted.WithLabelValues(string(req.TargetChain)).Inc()
	metrics.PayoutAmount.WithLabelValues(string(req.TargetChain)).Observe(float64(req.Amount))
	e.publish(ctx, events.SubjectPayoutCompleted, req, "")
	log.Info("payout completed")
}

func (e *Executor) publish(ctx context.Context, subject string, req *models.PayoutRequest, reason string) {
	event := events.PayoutEvent{
		RequestID: req.ID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Chain:     req.TargetChain,
		Status:    req.Status,
		Reason:    reason,
		At:        time.Now(),
	}
	if err := e.publisher.Publish(ctx, subject, event); err != nil {
		e.logger.WithError(err).Warn("failed to publish payout event")
	}
}
