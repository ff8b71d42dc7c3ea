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

// AccountRepository handles unified account persistence
type AccountRepository struct {
	db *PostgresDB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *PostgresDB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, addresses, confirmed_balance, pending_balance, bridge_volumes,
	total_paid, last_payout_at, preferences, sync_metadata, archived,
	created_at, updated_at
`

// Create creates a new unified account
func (r *AccountRepository) Create(ctx context.Context, account *models.UnifiedAccount) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	addressesJSON, bridgeJSON, prefsJSON, syncJSON, err := marshalAccountJSON(account)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO unified_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		account.ID,
		addressesJSON,
		account.MiningBalance.Confirmed,
		account.MiningBalance.Pending,
		bridgeJSON,
		account.TotalPaid,
		account.LastPayoutAt,
		prefsJSON,
		syncJSON,
		account.Archived,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by ID. A missing account surfaces as
// pgx.ErrNoRows so callers can tell absence from an infrastructure failure.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.UnifiedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM unified_accounts WHERE id = $1`

	account, err := scanAccount(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// Update persists the full merged state of an account
func (r *AccountRepository) Update(ctx context.Context, account *models.UnifiedAccount) error {
	account.UpdatedAt = time.Now()

	addressesJSON, bridgeJSON, prefsJSON, syncJSON, err := marshalAccountJSON(account)
	if err != nil {
		return err
	}

	query := `
		UPDATE unified_accounts
		SET addresses = $2, confirmed_balance = $3, pending_balance = $4,
		    bridge_volumes = $5, total_paid = $6, last_payout_at = $7,
		    preferences = $8, sync_metadata = $9, archived = $10, updated_at = $11
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		account.ID,
		addressesJSON,
		account.MiningBalance.Confirmed,
		account.MiningBalance.Pending,
		bridgeJSON,
		account.TotalPaid,
		account.LastPayoutAt,
		prefsJSON,
		syncJSON,
		account.Archived,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", account.ID)
	}

	return nil
}

// RecordPayout debits the confirmed balance and bumps the payout totals in a
// single statement. The balance guard makes concurrent over-draws impossible:
// the debit only lands if the confirmed balance still covers it.
func (r *AccountRepository) RecordPayout(ctx context.Context, userID string, amount int64, at time.Time) error {
	query := `
		UPDATE unified_accounts
		SET confirmed_balance = confirmed_balance - $2,
		    total_paid = total_paid + $2,
		    last_payout_at = $3,
		    updated_at = $3
		WHERE id = $1 AND confirmed_balance >= $2
	`

	tag, err := r.db.Pool().Exec(ctx, query, userID, amount, at)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insufficient confirmed balance for account %s", userID)
	}

	return nil
}

// List returns accounts ordered by id, for reconciliation sweeps
func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*models.UnifiedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM unified_accounts ORDER BY id LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.UnifiedAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// AvgQualityScore returns the mean quality score across non-archived accounts
func (r *AccountRepository) AvgQualityScore(ctx context.Context) (float64, error) {
	query := `
		SELECT COALESCE(AVG((sync_metadata->>'qualityScore')::int), 100)
		FROM unified_accounts
		WHERE NOT archived
	`

	var avg float64
	if err := r.db.Pool().QueryRow(ctx, query).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to compute average quality score: %w", err)
	}
	return avg, nil
}

func marshalAccountJSON(account *models.UnifiedAccount) (addresses, bridge, prefs, sync []byte, err error) {
	if addresses, err = json.Marshal(account.Addresses); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal addresses: %w", err)
	}
	if bridge, err = json.Marshal(account.BridgeVolumeTotals); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal bridge volumes: %w", err)
	}
	if prefs, err = json.Marshal(account.Preferences); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if sync, err = json.Marshal(account.Sync); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal sync metadata: %w", err)
	}
	return addresses, bridge, prefs, sync, nil
}

func scanAccount(row pgx.Row) (*models.UnifiedAccount, error) {
	var account models.UnifiedAccount
	var addressesJSON, bridgeJSON, prefsJSON, syncJSON []byte

	err := row.Scan(
		&account.ID,
		&addressesJSON,
		&account.MiningBalance.Confirmed,
		&account.MiningBalance.Pending,
		&bridgeJSON,
		&account.TotalPaid,
		&account.LastPayoutAt,
		&prefsJSON,
		&syncJSON,
		&account.Archived,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.Addresses = make(map[types.ChainID]string)
	if len(addressesJSON) > 0 {
		if err := json.Unmarshal(addressesJSON, &account.Addresses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal addresses: %w", err)
		}
	}
	account.BridgeVolumeTotals = make(map[types.ChainID]int64)
	if len(bridgeJSON) > 0 {
		if err := json.Unmarshal(bridgeJSON, &account.BridgeVolumeTotals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bridge volumes: %w", err)
		}
	}
	if len(prefsJSON) > 0 {
		if err := json.Unmarshal(prefsJSON, &account.Preferences); err != nil {
			return nil, fmt.Errorf("failed to unmarshal preferences: %w", err)
		}
	}
	if len(syncJSON) > 0 {
		if err := json.Unmarshal(syncJSON, &account.Sync); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync metadata: %w", err)
		}
	}

	return &account, nil
}
