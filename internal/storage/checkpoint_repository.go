package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// CheckpointRepository handles reconciliation checkpoint persistence
type CheckpointRepository struct {
	db *PostgresDB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *PostgresDB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the checkpoint for a record type. A missing row means the sweep
// has never completed a batch, so the zero checkpoint is returned.
func (r *CheckpointRepository) Get(ctx context.Context, recordType types.RecordType) (*models.ReconcileCheckpoint, error) {
	query := `
		SELECT record_type, last_modified_seen, last_run_at, records_synced, conflicts_detected
		FROM reconcile_checkpoints
		WHERE record_type = $1
	`

	var cp models.ReconcileCheckpoint
	err := r.db.Pool().QueryRow(ctx, query, recordType).Scan(
		&cp.RecordType,
		&cp.LastModifiedSeen,
		&cp.LastRunAt,
		&cp.RecordsSynced,
		&cp.ConflictsDetected,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.ReconcileCheckpoint{RecordType: recordType}, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return &cp, nil
}

// Save upserts the checkpoint after a fully merged batch
func (r *CheckpointRepository) Save(ctx context.Context, cp *models.ReconcileCheckpoint) error {
	query := `
		INSERT INTO reconcile_checkpoints (record_type, last_modified_seen, last_run_at, records_synced, conflicts_detected)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_type) DO UPDATE
		SET last_modified_seen = EXCLUDED.last_modified_seen,
		    last_run_at = EXCLUDED.last_run_at,
		    records_synced = EXCLUDED.records_synced,
		    conflicts_detected = EXCLUDED.conflicts_detected
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cp.RecordType,
		cp.LastModifiedSeen,
		cp.LastRunAt,
		cp.RecordsSynced,
		cp.ConflictsDetected,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}
