// Package adapter defines the interfaces to the two ledgers of record and to
// the settlement chains, plus concrete implementations.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/payout-reconciler/internal/types"
)

// Common error types for adapters

var (
	// ErrRecordNotFound indicates the ledger has no record with that ID
	ErrRecordNotFound = errors.New("ledger record not found")

	// ErrLedgerUnavailable indicates the ledger could not be reached
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// LedgerAccount is a raw account row as one ledger reports it. Fields a
// ledger does not track are left at their zero value and the Tracked* flags
// say which ones are authoritative.
type LedgerAccount struct {
	ID                 string
	Source             types.LedgerSource
	Addresses          map[types.ChainID]string
	ConfirmedBalance   int64
	PendingBalance     int64
	BridgeVolumeTotals map[types.ChainID]int64
	TracksBalances     bool
	TracksBridgeVolume bool
	ModifiedAt         time.Time
}

// LedgerTransaction is a raw transaction row as one ledger reports it
type LedgerTransaction struct {
	ID         string
	Source     types.LedgerSource
	UserID     string
	Chain      types.ChainID
	Amount     int64
	Address    string
	Status     string
	Hash       string
	ModifiedAt time.Time
}

// LedgerAdapter reads raw records from one ledger of record. Reconciliation
// never writes through this interface; ledgers stay authoritative for their
// own data and only the unified store is mutated.
type LedgerAdapter interface {
	// Source returns which ledger this adapter fronts
	Source() types.LedgerSource

	// FetchAccounts returns accounts modified since the watermark, oldest
	// first, up to limit
	FetchAccounts(ctx context.Context, since time.Time, limit int) ([]*LedgerAccount, error)

	// FetchAccount returns a single account by ID
	FetchAccount(ctx context.Context, id string) (*LedgerAccount, error)

	// FetchTransactions returns transactions modified since the watermark,
	// oldest first, up to limit
	FetchTransactions(ctx context.Context, since time.Time, limit int) ([]*LedgerTransaction, error)
}
