package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/payout-reconciler/internal/models"
)

// UnifiedTxRepository persists the merged transaction view produced by
// reconciliation sweeps
type UnifiedTxRepository struct {
	db *PostgresDB
}

// NewUnifiedTxRepository creates a new unified transaction repository
func NewUnifiedTxRepository(db *PostgresDB) *UnifiedTxRepository {
	return &UnifiedTxRepository{db: db}
}

// Upsert writes the merged view for one transaction. Merges are pure
// functions of current ledger state, so replaying a sweep overwrites with
// identical data.
func (r *UnifiedTxRepository) Upsert(ctx context.Context, tx *models.UnifiedTransaction) error {
	query := `
		INSERT INTO unified_transactions (id, user_id, chain, amount, address, status, hash, sources, merged_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    chain = EXCLUDED.chain,
		    amount = EXCLUDED.amount,
		    address = EXCLUDED.address,
		    status = EXCLUDED.status,
		    hash = EXCLUDED.hash,
		    sources = EXCLUDED.sources,
		    merged_at = EXCLUDED.merged_at,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool().Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Chain,
		tx.Amount,
		tx.Address,
		tx.Status,
		nullIfEmpty(tx.Hash),
		tx.Sources,
		tx.MergedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert unified transaction: %w", err)
	}

	return nil
}

// Touch updates merged_at without changing the view, used when a re-merge
// produced no changes but the sweep still saw the record
func (r *UnifiedTxRepository) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE unified_transactions SET merged_at = $2 WHERE id = $1`
	if _, err := r.db.Pool().Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to touch unified transaction: %w", err)
	}
	return nil
}
