package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// PayoutRepository handles payout request and transaction persistence.
// Status transitions are conditional single-statement updates: a transition
// only lands if the row is still in the expected prior status, so two workers
// racing on the same request cannot both win.
type PayoutRepository struct {
	db *PostgresDB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *PostgresDB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

const payoutColumns = `
	id, user_id, amount, target_chain, target_address, priority, status,
	source, bridged, fees, risk, kyc_required, kyc_confirmed_at, error_count,
	last_error, next_retry_at, batch_id, created_at, updated_at, completed_at
`

// priorityRank orders pending requests for dispatch. Higher ranks first,
// FIFO within a rank.
const priorityRank = `
	CASE priority
		WHEN 'urgent' THEN 40
		WHEN 'high' THEN 30
		WHEN 'normal' THEN 20
		WHEN 'low' THEN 10
		ELSE 0
	END
`

// Create creates a new payout request
func (r *PayoutRepository) Create(ctx context.Context, req *models.PayoutRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	feesJSON, err := json.Marshal(req.Fees)
	if err != nil {
		return fmt.Errorf("failed to marshal fees: %w", err)
	}
	riskJSON, err := json.Marshal(req.Risk)
	if err != nil {
		return fmt.Errorf("failed to marshal risk: %w", err)
	}

	query := `
		INSERT INTO payout_requests (` + payoutColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		req.ID,
		req.UserID,
		req.Amount,
		req.TargetChain,
		req.TargetAddress,
		req.Priority,
		req.Status,
		req.Source,
		req.Bridged,
		feesJSON,
		riskJSON,
		req.Risk.KYCRequired,
		req.KYCConfirmedAt,
		req.ErrorCount,
		nullIfEmpty(req.LastError),
		req.NextRetryAt,
		nullIfEmpty(req.BatchID),
		req.CreatedAt,
		req.UpdatedAt,
		req.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payout request: %w", err)
	}

	return nil
}

// GetByID retrieves a payout request with its transaction history
func (r *PayoutRepository) GetByID(ctx context.Context, id string) (*models.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_requests WHERE id = $1`

	req, err := scanPayout(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get payout request: %w", err)
	}

	txs, err := r.ListTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Transactions = txs

	return req, nil
}

// ListByUser returns a user's requests, newest first
func (r *PayoutRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.PayoutRequest, error) {
	query := `
		SELECT ` + payoutColumns + ` FROM payout_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryPayouts(ctx, query, userID, limit, offset)
}

// ListByStatus returns requests in one status, oldest first
func (r *PayoutRepository) ListByStatus(ctx context.Context, status types.PayoutStatus, limit int) ([]*models.PayoutRequest, error) {
	query := `
		SELECT ` + payoutColumns + ` FROM payout_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.queryPayouts(ctx, query, status, limit)
}

// ClaimDispatchable atomically moves up to limit ready pending requests into
// processing and returns them ordered by priority. SKIP LOCKED keeps
// concurrent dispatchers from claiming the same rows. KYC-held requests and
// requests parked for retry stay untouched.
func (r *PayoutRepository) ClaimDispatchable(ctx context.Context, limit int, now time.Time) ([]*models.PayoutRequest, error) {
	query := `
		UPDATE payout_requests
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM payout_requests
			WHERE status = $3
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			  AND NOT (kyc_required AND kyc_confirmed_at IS NULL)
			ORDER BY ` + priorityRank + ` DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + payoutColumns + `
	`

	rows, err := r.db.Pool().Query(ctx, query, types.PayoutStatusProcessing, now, types.PayoutStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim dispatchable requests: %w", err)
	}
	defer rows.Close()

	return collectPayouts(rows)
}

// TransitionStatus moves a request from one status to another. It returns
// false without error when the row was not in the expected prior status,
// which callers treat as losing the race.
func (r *PayoutRepository) TransitionStatus(ctx context.Context, id string, from, to types.PayoutStatus) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, to, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to transition payout %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted finalizes a request
func (r *PayoutRepository) MarkCompleted(ctx context.Context, id string, from types.PayoutStatus, at time.Time) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, types.PayoutStatusCompleted, at)
	if err != nil {
		return false, fmt.Errorf("failed to complete payout %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ParkForRetry returns a failed attempt to pending with backoff bookkeeping
func (r *PayoutRepository) ParkForRetry(ctx context.Context, id string, from types.PayoutStatus, lastError string, nextRetryAt time.Time) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $3, error_count = error_count + 1, last_error = $4,
		    next_retry_at = $5, updated_at = $6
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, types.PayoutStatusPending, lastError, nextRetryAt, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to park payout %s for retry: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Park returns a request to pending with a retry time but without counting
// an error, used when a retry is blocked by velocity caps rather than failed
func (r *PayoutRepository) Park(ctx context.Context, id string, from types.PayoutStatus, nextRetryAt time.Time) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $3, next_retry_at = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, types.PayoutStatusPending, nextRetryAt, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to park payout %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimBatchable atomically claims ready pending requests bound for one
// chain, excluding urgent ones, for batch aggregation
func (r *PayoutRepository) ClaimBatchable(ctx context.Context, chain types.ChainID, limit int, now time.Time) ([]*models.PayoutRequest, error) {
	query := `
		UPDATE payout_requests
		SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM payout_requests
			WHERE status = $3
			  AND target_chain = $4
			  AND priority <> 'urgent'
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			  AND NOT (kyc_required AND kyc_confirmed_at IS NULL)
			ORDER BY created_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + payoutColumns + `
	`

	rows, err := r.db.Pool().Query(ctx, query, types.PayoutStatusProcessing, now, types.PayoutStatusPending, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batchable requests: %w", err)
	}
	defer rows.Close()

	return collectPayouts(rows)
}

// CountUnfinishedInBatch counts batch members that have not reached a
// terminal status yet
func (r *PayoutRepository) CountUnfinishedInBatch(ctx context.Context, batchID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM payout_requests
		WHERE batch_id = $1 AND status NOT IN ($2, $3, $4)
	`

	var count int
	err := r.db.Pool().QueryRow(ctx, query, batchID,
		types.PayoutStatusCompleted, types.PayoutStatusFailed, types.PayoutStatusCancelled).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unfinished batch members: %w", err)
	}
	return count, nil
}

// MarkFailed moves a request to the terminal failed status
func (r *PayoutRepository) MarkFailed(ctx context.Context, id string, from types.PayoutStatus, lastError string) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $3, error_count = error_count + 1, last_error = $4,
		    next_retry_at = NULL, updated_at = $5
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, types.PayoutStatusFailed, lastError, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to fail payout %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel cancels a request only while it is still pending
func (r *PayoutRepository) Cancel(ctx context.Context, id string) (bool, error) {
	return r.TransitionStatus(ctx, id, types.PayoutStatusPending, types.PayoutStatusCancelled)
}

// ConfirmKYC records the KYC decision for a held request
func (r *PayoutRepository) ConfirmKYC(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE payout_requests
		SET kyc_confirmed_at = $2, updated_at = $2
		WHERE id = $1 AND kyc_required AND kyc_confirmed_at IS NULL AND status = $3
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, at, types.PayoutStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to confirm KYC for payout %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AssignBatch stamps batch membership on already-claimed requests
func (r *PayoutRepository) AssignBatch(ctx context.Context, ids []string, batchID string) error {
	query := `
		UPDATE payout_requests
		SET batch_id = $2, updated_at = $3
		WHERE id = ANY($1)
	`

	if _, err := r.db.Pool().Exec(ctx, query, ids, batchID, time.Now()); err != nil {
		return fmt.Errorf("failed to assign batch %s: %w", batchID, err)
	}
	return nil
}

// CountByStatus returns request counts grouped by status
func (r *PayoutRepository) CountByStatus(ctx context.Context) (map[types.PayoutStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM payout_requests GROUP BY status`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count payouts: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.PayoutStatus]int64)
	for rows.Next() {
		var status types.PayoutStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan payout count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// Transactions

const transactionColumns = `
	id, request_id, chain, kind, amount, fee, hash, confirmations,
	required_confirmations, status, failure_reason, created_at,
	submitted_at, confirmed_at
`

// CreateTransaction appends a new transaction to a request's history
func (r *PayoutRepository) CreateTransaction(ctx context.Context, tx *models.PayoutTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	tx.CreatedAt = time.Now()

	query := `
		INSERT INTO payout_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		tx.ID,
		tx.RequestID,
		tx.Chain,
		tx.Kind,
		tx.Amount,
		tx.Fee,
		nullIfEmpty(tx.Hash),
		tx.Confirmations,
		tx.RequiredConfirmations,
		tx.Status,
		nullIfEmpty(tx.FailureReason),
		tx.CreatedAt,
		tx.SubmittedAt,
		tx.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payout transaction: %w", err)
	}

	return nil
}

// MarkTransactionSubmitted records the chain hash after submission
func (r *PayoutRepository) MarkTransactionSubmitted(ctx context.Context, id, hash string, at time.Time) (bool, error) {
	query := `
		UPDATE payout_transactions
		SET status = $3, hash = $4, submitted_at = $5
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, types.TxStatusPending, types.TxStatusSubmitted, hash, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction %s submitted: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateConfirmations refreshes the confirmation count on an open transaction
func (r *PayoutRepository) UpdateConfirmations(ctx context.Context, id string, confirmations uint32) error {
	query := `
		UPDATE payout_transactions
		SET confirmations = $2
		WHERE id = $1 AND status = $3
	`

	if _, err := r.db.Pool().Exec(ctx, query, id, confirmations, types.TxStatusSubmitted); err != nil {
		return fmt.Errorf("failed to update confirmations for transaction %s: %w", id, err)
	}
	return nil
}

// MarkTransactionConfirmed finalizes a submitted transaction
func (r *PayoutRepository) MarkTransactionConfirmed(ctx context.Context, id string, confirmations uint32, at time.Time) (bool, error) {
	query := `
		UPDATE payout_transactions
		SET status = $3, confirmations = $4, confirmed_at = $5
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, types.TxStatusSubmitted, types.TxStatusConfirmed, confirmations, at)
	if err != nil {
		return false, fmt.Errorf("failed to confirm transaction %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionFailed records a permanent failure on one transaction.
// The row keeps its hash and timestamps; it is never reused for retries.
func (r *PayoutRepository) MarkTransactionFailed(ctx context.Context, id, reason string) (bool, error) {
	query := `
		UPDATE payout_transactions
		SET status = $2, failure_reason = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, types.TxStatusFailed, reason, types.TxStatusPending, types.TxStatusSubmitted)
	if err != nil {
		return false, fmt.Errorf("failed to fail transaction %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListTransactions returns a request's transaction history, oldest first
func (r *PayoutRepository) ListTransactions(ctx context.Context, requestID string) ([]*models.PayoutTransaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM payout_transactions
		WHERE request_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.PayoutTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// ListOpenTransactions returns all submitted transactions awaiting confirmation
func (r *PayoutRepository) ListOpenTransactions(ctx context.Context, limit int) ([]*models.PayoutTransaction, error) {
	query := `
		SELECT ` + transactionColumns + ` FROM payout_transactions
		WHERE status = $1
		ORDER BY submitted_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, types.TxStatusSubmitted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.PayoutTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// helpers

func (r *PayoutRepository) queryPayouts(ctx context.Context, query string, args ...interface{}) ([]*models.PayoutRequest, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	return collectPayouts(rows)
}

func collectPayouts(rows pgx.Rows) ([]*models.PayoutRequest, error) {
	var reqs []*models.PayoutRequest
	for rows.Next() {
		req, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func scanPayout(row pgx.Row) (*models.PayoutRequest, error) {
	var req models.PayoutRequest
	var feesJSON, riskJSON []byte
	var kycRequired bool
	var lastError, batchID *string

	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.Amount,
		&req.TargetChain,
		&req.TargetAddress,
		&req.Priority,
		&req.Status,
		&req.Source,
		&req.Bridged,
		&feesJSON,
		&riskJSON,
		&kycRequired,
		&req.KYCConfirmedAt,
		&req.ErrorCount,
		&lastError,
		&req.NextRetryAt,
		&batchID,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(feesJSON) > 0 {
		if err := json.Unmarshal(feesJSON, &req.Fees); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fees: %w", err)
		}
	}
	if len(riskJSON) > 0 {
		if err := json.Unmarshal(riskJSON, &req.Risk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk: %w", err)
		}
	}
	if lastError != nil {
		req.LastError = *lastError
	}
	if batchID != nil {
		req.BatchID = *batchID
	}

	return &req, nil
}

func scanTransaction(row pgx.Row) (*models.PayoutTransaction, error) {
	var tx models.PayoutTransaction
	var hash, failureReason *string

	err := row.Scan(
		&tx.ID,
		&tx.RequestID,
		&tx.Chain,
		&tx.Kind,
		&tx.Amount,
		&tx.Fee,
		&hash,
		&tx.Confirmations,
		&tx.RequiredConfirmations,
		&tx.Status,
		&failureReason,
		&tx.CreatedAt,
		&tx.SubmittedAt,
		&tx.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	if hash != nil {
		tx.Hash = *hash
	}
	if failureReason != nil {
		tx.FailureReason = *failureReason
	}

	return &tx, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
