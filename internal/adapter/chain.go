package adapter

import (
	"context"
	"errors"

	"github.com/payout-reconciler/internal/types"
)

var (
	// ErrSubmissionRejected indicates the chain rejected the transaction outright
	ErrSubmissionRejected = errors.New("chain rejected submission")

	// ErrTransactionNotFound indicates the chain has no transaction with that hash
	ErrTransactionNotFound = errors.New("transaction not found on chain")
)

// Transfer is one value movement handed to a chain submitter. For batched
// settlement, several transfers are submitted as a unit and share one hash.
type Transfer struct {
	To     string
	Amount int64
}

// SubmitResult is what the chain returned for a submission
type SubmitResult struct {
	Hash string
}

// TransactionState is the chain's current view of a submitted transaction
type TransactionState struct {
	Confirmations uint32
	Failed        bool
	FailureReason string
}

// ChainSubmitter submits transfers to one settlement chain and reports
// confirmation progress
type ChainSubmitter interface {
	// ChainID returns the chain this submitter serves
	ChainID() types.ChainID

	// Submit sends a single transfer and returns the transaction hash
	Submit(ctx context.Context, transfer Transfer) (*SubmitResult, error)

	// SubmitBatch sends several transfers as one chain transaction
	SubmitBatch(ctx context.Context, transfers []Transfer) (*SubmitResult, error)

	// Status reports confirmation progress for a submitted hash
	Status(ctx context.Context, hash string) (*TransactionState, error)
}
