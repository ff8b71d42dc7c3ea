package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"time"

	"github.com/jackc/pgx/v5"
	"github.com/payout-reconciler/internal/storage"
	"github.com/payout-reconciler/internal/types"
)

// SQLLedger reads one ledger's raw records from the landing tables that
// upstream ingestion writes into. One instance per source; the adapter never
// writes.
type SQLLedger struct {
	db     *storage.PostgresDB
	source types.LedgerSource
}

// NewSQLLedger creates a ledger adapter for one source
func NewSQLLedger(db *storage.PostgresDB, source types.LedgerSource) *SQLLedger {
	return &SQLLedger{db: db, source: source}
}

// Source returns which ledger this adapter fronts
func (l *SQLLedger) Source() types.LedgerSource {
	return l.source
}

// FetchAccounts returns accounts modified since the watermark, oldest first
func (l *SQLLedger) FetchAccounts(ctx context.Context, since time.Time, limit int) ([]*LedgerAccount, error) {
	query := `
		SELECT account_id, addresses, confirmed_balance, pending_balance,
		       bridge_volumes, tracks_balances, tracks_bridge_volume, modified_at
		FROM raw_ledger_accounts
		WHERE source = $1 AND modified_at > $2
		ORDER BY modified_at ASC
		LIMIT $3
	`

	rows, err := l.db.Pool().Query(ctx, query, l.source, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var accounts []*LedgerAccount
	for rows.Next() {
		account, err := l.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// FetchAccount returns a single account by ID
func (l *SQLLedger) FetchAccount(ctx context.Context, id string) (*LedgerAccount, error) {
	query := `
		SELECT account_id, addresses, confirmed_balance, pending_balance,
		       bridge_volumes, tracks_balances, tracks_bridge_volume, modified_at
		FROM raw_ledger_accounts
		WHERE source = $1 AND account_id = $2
	`

	account, err := l.scanAccount(l.db.Pool().QueryRow(ctx, query, l.source, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return account, nil
}

// FetchTransactions returns transactions modified since the watermark, oldest first
func (l *SQLLedger) FetchTransactions(ctx context.Context, since time.Time, limit int) ([]*LedgerTransaction, error) {
	query := `
		SELECT tx_id, user_id, chain, amount, address, status, hash, modified_at
		FROM raw_ledger_transactions
		WHERE source = $1 AND modified_at > $2
		ORDER BY modified_at ASC
		LIMIT $3
	`

	rows, err := l.db.Pool().Query(ctx, query, l.source, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var txs []*LedgerTransaction
	for rows.Next() {
		tx := &LedgerTransaction{Source: l.source}
		var hash *string
		if err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.Chain,
			&tx.Amount,
			&tx.Address,
			&tx.Status,
			&hash,
			&tx.ModifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger transaction: %w", err)
		}
		if hash != nil {
			tx.Hash = *hash
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

func (l *SQLLedger) scanAccount(row pgx.Row) (*LedgerAccount, error) {
	account := &LedgerAccount{Source: l.source}
	var addressesJSON, bridgeJSON []byte

	err := row.Scan(
		&account.ID,
		&addressesJSON,
		&account.ConfirmedBalance,
		&account.PendingBalance,
		&bridgeJSON,
		&account.TracksBalances,
		&account.TracksBridgeVolume,
		&account.ModifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ledger account: %w", err)
	}

	account.Addresses = make(map[types.ChainID]string)
	if len(addressesJSON) > 0 {
		if err := json.Unmarshal(addressesJSON, &account.Addresses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger addresses: %w", err)
		}
	}
	account.BridgeVolumeTotals = make(map[types.ChainID]int64)
	if len(bridgeJSON) > 0 {
		if err := json.Unmarshal(bridgeJSON, &account.BridgeVolumeTotals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger bridge volumes: %w", err)
		}
	}

	return account, nil
}
