package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/events"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.LevelError, logging.FormatText)
}

// memPayoutStore is an in-memory stand-in for the payout repository. It
// implements the executor, aggregator and retry store surfaces.
type memPayoutStore struct {
	mu       sync.Mutex
	requests map[string]*models.PayoutRequest
	order    []string
	txs      map[string]*models.PayoutTransaction
	txOrder  []string
	txSeq    int
}

func newMemPayoutStore(reqs ...*models.PayoutRequest) *memPayoutStore {
	s := &memPayoutStore{
		requests: make(map[string]*models.PayoutRequest),
		txs:      make(map[string]*models.PayoutTransaction),
	}
	for _, req := range reqs {
		s.requests[req.ID] = req
		s.order = append(s.order, req.ID)
	}
	return s
}

func (s *memPayoutStore) ClaimDispatchable(ctx context.Context, limit int, now time.Time) ([]*models.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*models.PayoutRequest
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		req := s.requests[id]
		if req.Status != types.PayoutStatusPending || req.KYCHeld() {
			continue
		}
		if req.NextRetryAt != nil && req.NextRetryAt.After(now) {
			continue
		}
		req.Status = types.PayoutStatusProcessing
		claimed = append(claimed, req)
	}
	return claimed, nil
}

func (s *memPayoutStore) ClaimBatchable(ctx context.Context, chain types.ChainID, limit int, now time.Time) ([]*models.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*models.PayoutRequest
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		req := s.requests[id]
		if req.Status != types.PayoutStatusPending || req.TargetChain != chain || req.KYCHeld() {
			continue
		}
		if req.Priority == types.PriorityUrgent {
			continue
		}
		if req.NextRetryAt != nil && req.NextRetryAt.After(now) {
			continue
		}
		req.Status = types.PayoutStatusProcessing
		claimed = append(claimed, req)
	}
	return claimed, nil
}

func (s *memPayoutStore) GetByID(ctx context.Context, id string) (*models.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("payout request %s not found", id)
	}
	return req, nil
}

func (s *memPayoutStore) TransitionStatus(ctx context.Context, id string, from, to types.PayoutStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = to
	return true, nil
}

func (s *memPayoutStore) MarkCompleted(ctx context.Context, id string, from types.PayoutStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = types.PayoutStatusCompleted
	req.CompletedAt = &at
	return true, nil
}

func (s *memPayoutStore) Park(ctx context.Context, id string, from types.PayoutStatus, nextRetryAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = types.PayoutStatusPending
	req.NextRetryAt = &nextRetryAt
	return true, nil
}

func (s *memPayoutStore) ParkForRetry(ctx context.Context, id string, from types.PayoutStatus, lastError string, nextRetryAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = types.PayoutStatusPending
	req.ErrorCount++
	req.LastError = lastError
	req.NextRetryAt = &nextRetryAt
	return true, nil
}

func (s *memPayoutStore) MarkFailed(ctx context.Context, id string, from types.PayoutStatus, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = types.PayoutStatusFailed
	req.ErrorCount++
	req.LastError = lastError
	req.NextRetryAt = nil
	return true, nil
}

func (s *memPayoutStore) CountByStatus(ctx context.Context) (map[types.PayoutStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[types.PayoutStatus]int64)
	for _, req := range s.requests {
		counts[req.Status]++
	}
	return counts, nil
}

func (s *memPayoutStore) AssignBatch(ctx context.Context, ids []string, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if req, ok := s.requests[id]; ok {
			req.BatchID = batchID
		}
	}
	return nil
}

func (s *memPayoutStore) CountUnfinishedInBatch(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.requests {
		if req.BatchID != batchID {
			continue
		}
		switch req.Status {
		case types.PayoutStatusCompleted, types.PayoutStatusFailed, types.PayoutStatusCancelled:
		default:
			count++
		}
	}
	return count, nil
}

func (s *memPayoutStore) CreateTransaction(ctx context.Context, tx *models.PayoutTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txSeq++
	tx.ID = fmt.Sprintf("tx-%d", s.txSeq)
	tx.CreatedAt = time.Now()
	s.txs[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

func (s *memPayoutStore) MarkTransactionSubmitted(ctx context.Context, id, hash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status != types.TxStatusPending {
		return false, nil
	}
	tx.Status = types.TxStatusSubmitted
	tx.Hash = hash
	tx.SubmittedAt = &at
	return true, nil
}

func (s *memPayoutStore) UpdateConfirmations(ctx context.Context, id string, confirmations uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[id]; ok {
		tx.Confirmations = confirmations
	}
	return nil
}

func (s *memPayoutStore) MarkTransactionConfirmed(ctx context.Context, id string, confirmations uint32, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status != types.TxStatusSubmitted {
		return false, nil
	}
	tx.Status = types.TxStatusConfirmed
	tx.Confirmations = confirmations
	tx.ConfirmedAt = &at
	return true, nil
}

func (s *memPayoutStore) MarkTransactionFailed(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false, nil
	}
	tx.Status = types.TxStatusFailed
	tx.FailureReason = reason
	return true, nil
}

func (s *memPayoutStore) ListOpenTransactions(ctx context.Context, limit int) ([]*models.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*models.PayoutTransaction
	for _, id := range s.txOrder {
		if len(open) >= limit {
			break
		}
		if tx := s.txs[id]; tx.Status == types.TxStatusSubmitted {
			open = append(open, tx)
		}
	}
	return open, nil
}

// transactionsFor returns the request's transactions in creation order
func (s *memPayoutStore) transactionsFor(requestID string) []*models.PayoutTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PayoutTransaction
	for _, id := range s.txOrder {
		if tx := s.txs[id]; tx.RequestID == requestID {
			out = append(out, tx)
		}
	}
	return out
}

type memBatchStore struct {
	mu      sync.Mutex
	batches map[string]*models.PayoutBatch
	seq     int
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{batches: make(map[string]*models.PayoutBatch)}
}

func (s *memBatchStore) Create(ctx context.Context, batch *models.PayoutBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	batch.ID = fmt.Sprintf("batch-%d", s.seq)
	batch.CreatedAt = time.Now()
	s.batches[batch.ID] = batch
	return nil
}

func (s *memBatchStore) ListByStatus(ctx context.Context, status types.BatchStatus, limit int) ([]*models.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PayoutBatch
	for _, batch := range s.batches {
		if len(out) >= limit {
			break
		}
		if batch.Status == status {
			out = append(out, batch)
		}
	}
	return out, nil
}

func (s *memBatchStore) MarkSubmitted(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok || batch.Status != types.BatchStatusOpen {
		return false, nil
	}
	batch.Status = types.BatchStatusSubmitted
	batch.SubmittedAt = &at
	return true, nil
}

func (s *memBatchStore) TransitionStatus(ctx context.Context, id string, from, to types.BatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok || batch.Status != from {
		return false, nil
	}
	batch.Status = to
	return true, nil
}

type publishedEvent struct {
	subject string
	event   interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{subject: subject, event: event})
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

var _ events.Publisher = (*fakePublisher)(nil)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []adapter.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note adapter.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type fakeSubmitter struct {
	chain         types.ChainID
	SubmitFn      func(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error)
	SubmitBatchFn func(ctx context.Context, transfers []adapter.Transfer) (*adapter.SubmitResult, error)
	StatusFn      func(ctx context.Context, hash string) (*adapter.TransactionState, error)

	mu        sync.Mutex
	submitted []adapter.Transfer
}

func (f *fakeSubmitter) ChainID() types.ChainID { return f.chain }

func (f *fakeSubmitter) Submit(ctx context.Context, transfer adapter.Transfer) (*adapter.SubmitResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, transfer)
	f.mu.Unlock()
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, transfer)
	}
	return &adapter.SubmitResult{Hash: "0xdefault"}, nil
}

func (f *fakeSubmitter) SubmitBatch(ctx context.Context, transfers []adapter.Transfer) (*adapter.SubmitResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, transfers...)
	f.mu.Unlock()
	if f.SubmitBatchFn != nil {
		return f.SubmitBatchFn(ctx, transfers)
	}
	return &adapter.SubmitResult{Hash: "0xbatch"}, nil
}

func (f *fakeSubmitter) Status(ctx context.Context, hash string) (*adapter.TransactionState, error) {
	if f.StatusFn != nil {
		return f.StatusFn(ctx, hash)
	}
	return &adapter.TransactionState{Confirmations: 0}, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	recorded []string
}

func (l *fakeLedger) RecordPayout(ctx context.Context, userID string, amount int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, userID)
	return nil
}

type fakeVelocity struct {
	allowed  bool
	calls    int
	released []string
}

func (v *fakeVelocity) Revalidate(ctx context.Context, userID, requestID string, amount int64, now time.Time) (bool, error) {
	v.calls++
	return v.allowed, nil
}

func (v *fakeVelocity) Release(ctx context.Context, userID, requestID string, amount int64) error {
	v.released = append(v.released, requestID)
	return nil
}
