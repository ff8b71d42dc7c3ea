package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// BatchRepository handles settlement batch persistence
type BatchRepository struct {
	db *PostgresDB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *PostgresDB) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchColumns = `
	id, chain, request_ids, total_amount, status, created_at, submitted_at
`

// Create persists a new batch
func (r *BatchRepository) Create(ctx context.Context, batch *models.PayoutBatch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	batch.CreatedAt = time.Now()

	query := `
		INSERT INTO payout_batches (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		batch.ID,
		batch.Chain,
		batch.RequestIDs,
		batch.TotalAmount,
		batch.Status,
		batch.CreatedAt,
		batch.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	return nil
}

// GetByID retrieves a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*models.PayoutBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM payout_batches WHERE id = $1`

	var batch models.PayoutBatch
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&batch.ID,
		&batch.Chain,
		&batch.RequestIDs,
		&batch.TotalAmount,
		&batch.Status,
		&batch.CreatedAt,
		&batch.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	return &batch, nil
}

// ListByStatus retrieves batches in the given status, oldest first
func (r *BatchRepository) ListByStatus(ctx context.Context, status types.BatchStatus, limit int) ([]*models.PayoutBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM payout_batches
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.PayoutBatch
	for rows.Next() {
		var batch models.PayoutBatch
		err := rows.Scan(
			&batch.ID,
			&batch.Chain,
			&batch.RequestIDs,
			&batch.TotalAmount,
			&batch.Status,
			&batch.CreatedAt,
			&batch.SubmittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, &batch)
	}

	return batches, rows.Err()
}

// TransitionStatus moves a batch between statuses conditionally
func (r *BatchRepository) TransitionStatus(ctx context.Context, id string, from, to types.BatchStatus) (bool, error) {
	query := `
		UPDATE payout_batches
		SET status = $3
		WHERE id = $1 AND status = $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition batch %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSubmitted stamps the submission time on an open batch
func (r *BatchRepository) MarkSubmitted(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE payout_batches
		SET status = $2, submitted_at = $3
		WHERE id = $1 AND status = $4
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, types.BatchStatusSubmitted, at, types.BatchStatusOpen)
	if err != nil {
		return false, fmt.Errorf("failed to mark batch %s submitted: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
