package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// ConflictRepository handles conflict record persistence. Resolution is a
// conditional claim on the unresolved row, so two operators resolving the
// same conflict concurrently cannot both win.
type ConflictRepository struct {
	db *PostgresDB
}

// NewConflictRepository creates a new conflict repository
func NewConflictRepository(db *PostgresDB) *ConflictRepository {
	return &ConflictRepository{db: db}
}

const conflictColumns = `
	id, record_id, record_type, field, value_a, value_b, impact, resolution,
	resolved_value, resolved_by, detected_at, resolved_at
`

// Create persists a newly detected conflict
func (r *ConflictRepository) Create(ctx context.Context, conflict *models.ConflictRecord) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now()
	}

	query := `
		INSERT INTO conflicts (` + conflictColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		conflict.ID,
		conflict.RecordID,
		conflict.RecordType,
		conflict.Field,
		conflict.ValueA,
		conflict.ValueB,
		conflict.Impact,
		conflict.Resolution,
		nullIfEmpty(conflict.ResolvedValue),
		nullIfEmpty(conflict.ResolvedBy),
		conflict.DetectedAt,
		conflict.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	return nil
}

// GetByID retrieves a conflict by ID
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE id = $1`

	conflict, err := scanConflict(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	return conflict, nil
}

// List returns conflicts matching the filter, most recent first
func (r *ConflictRepository) List(ctx context.Context, filter models.ConflictFilter) ([]*models.ConflictRecord, error) {
	var conditions []string
	var args []interface{}

	if filter.RecordID != "" {
		args = append(args, filter.RecordID)
		conditions = append(conditions, fmt.Sprintf("record_id = $%d", len(args)))
	}
	if filter.RecordType != "" {
		args = append(args, filter.RecordType)
		conditions = append(conditions, fmt.Sprintf("record_type = $%d", len(args)))
	}
	if filter.Impact != "" {
		args = append(args, filter.Impact)
		conditions = append(conditions, fmt.Sprintf("impact = $%d", len(args)))
	}
	if filter.OpenOnly {
		conditions = append(conditions, "resolved_at IS NULL")
	}

	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY detected_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}

	return conflicts, rows.Err()
}

// Resolve claims and resolves an open conflict. Returns false when the
// conflict was already resolved by someone else.
func (r *ConflictRepository) Resolve(ctx context.Context, id string, resolution types.ConflictResolution, resolvedValue, resolvedBy string, at time.Time) (bool, error) {
	query := `
		UPDATE conflicts
		SET resolution = $2, resolved_value = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND resolved_at IS NULL
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, resolution, nullIfEmpty(resolvedValue), nullIfEmpty(resolvedBy), at)
	if err != nil {
		return false, fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountOpenByRecord returns the number of unresolved conflicts for one record,
// used to recompute the account quality score after each merge
func (r *ConflictRepository) CountOpenByRecord(ctx context.Context, recordID string) (int, error) {
	query := `SELECT COUNT(*) FROM conflicts WHERE record_id = $1 AND resolved_at IS NULL`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, recordID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open conflicts: %w", err)
	}
	return count, nil
}

// ExistsOpen reports whether the same field conflict is already queued for a
// record. Re-detection on the next sweep must not duplicate open conflicts.
func (r *ConflictRepository) ExistsOpen(ctx context.Context, recordID, field string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conflicts
			WHERE record_id = $1 AND field = $2 AND resolved_at IS NULL
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, recordID, field).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check open conflict: %w", err)
	}
	return exists, nil
}

// Stats returns open/resolved counts grouped by impact
func (r *ConflictRepository) Stats(ctx context.Context) (open, resolved map[types.ConflictImpact]int64, err error) {
	query := `
		SELECT impact, (resolved_at IS NULL) AS is_open, COUNT(*)
		FROM conflicts
		GROUP BY impact, is_open
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query conflict stats: %w", err)
	}
	defer rows.Close()

	open = make(map[types.ConflictImpact]int64)
	resolved = make(map[types.ConflictImpact]int64)
	for rows.Next() {
		var impact types.ConflictImpact
		var isOpen bool
		var count int64
		if err := rows.Scan(&impact, &isOpen, &count); err != nil {
			return nil, nil, fmt.Errorf("failed to scan conflict stats: %w", err)
		}
		if isOpen {
			open[impact] = count
		} else {
			resolved[impact] = count
		}
	}

	return open, resolved, rows.Err()
}

func scanConflict(row pgx.Row) (*models.ConflictRecord, error) {
	var conflict models.ConflictRecord
	var resolvedValue, resolvedBy *string

	err := row.Scan(
		&conflict.ID,
		&conflict.RecordID,
		&conflict.RecordType,
		&conflict.Field,
		&conflict.ValueA,
		&conflict.ValueB,
		&conflict.Impact,
		&conflict.Resolution,
		&resolvedValue,
		&resolvedBy,
		&conflict.DetectedAt,
		&conflict.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if resolvedValue != nil {
		conflict.ResolvedValue = *resolvedValue
	}
	if resolvedBy != nil {
		conflict.ResolvedBy = *resolvedBy
	}

	return &conflict, nil
}
