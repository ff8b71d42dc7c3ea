package models

import (
	"time"

	"github.com/payout-reconciler/internal/types"
)

// FeeBreakdown itemizes the fees charged for a payout. Total is informational:
// fees are deducted from the requested gross amount, never billed on top, so
// the user receives amount - Total.
type FeeBreakdown struct {
	Processing int64 `json:"processing"`
	Bridge     int64 `json:"bridge"`
	Network    int64 `json:"network"`
	Total      int64 `json:"total"`
}

// RiskAssessment is the admission-time risk verdict for a request
type RiskAssessment struct {
	Score       int  `json:"score"` // 0-10
	KYCRequired bool `json:"kycRequired"`
	Flagged     bool `json:"flagged"`
}

// PayoutRequest is one unit of value owed to a user. Its id doubles as the
// idempotency key and is never reused, even after failure: retries mutate the
// same request, they do not create new ones.
type PayoutRequest struct {
	ID             string               `json:"id"`
	UserID         string               `json:"userId"`
	Amount         int64                `json:"amount"` // gross, minor units
	TargetChain    types.ChainID        `json:"targetChain"`
	TargetAddress  string               `json:"targetAddress"`
	Priority       types.PayoutPriority `json:"priority"`
	Status         types.PayoutStatus   `json:"status"`
	Source         string               `json:"source"`
	Bridged        bool                 `json:"bridged"`
	Fees           FeeBreakdown         `json:"fees"`
	Risk           RiskAssessment       `json:"risk"`
	ErrorCount     int                  `json:"errorCount"`
	LastError      string               `json:"lastError,omitempty"`
	NextRetryAt    *time.Time           `json:"nextRetryAt,omitempty"`
	KYCConfirmedAt *time.Time           `json:"kycConfirmedAt,omitempty"`
	BatchID        string               `json:"batchId,omitempty"`
	Transactions   []*PayoutTransaction `json:"transactions,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
}

// NetAmount returns what actually reaches the user after fee deduction
func (r *PayoutRequest) NetAmount() int64 {
	return r.Amount - r.Fees.Total
}

// KYCHeld reports whether the request is admitted but waiting on KYC confirmation
func (r *PayoutRequest) KYCHeld() bool {
	return r.Risk.KYCRequired && r.KYCConfirmedAt == nil
}

// NeedsBridge reports whether settlement requires a bridge hop first. The
// route is fixed at admission: a cross-chain request bridges only when the
// account has auto-bridging enabled, otherwise it settles directly on the
// target chain.
func (r *PayoutRequest) NeedsBridge() bool {
	return r.Bridged
}

// PayoutTransaction is one on-chain action belonging to a request. Failed
// transactions are never mutated or reused; a retry creates a new transaction
// object so the per-request history stays an auditable one-way log.
type PayoutTransaction struct {
	ID                    string                  `json:"id"`
	RequestID             string                  `json:"requestId"`
	Chain                 types.ChainID           `json:"chain"`
	Kind                  types.TransactionKind   `json:"kind"`
	Amount                int64                   `json:"amount"`
	Fee                   int64                   `json:"fee"`
	Hash                  string                  `json:"hash,omitempty"`
	Confirmations         uint32                  `json:"confirmations"`
	RequiredConfirmations uint32                  `json:"requiredConfirmations"`
	Status                types.TransactionStatus `json:"status"`
	FailureReason         string                  `json:"failureReason,omitempty"`
	CreatedAt             time.Time               `json:"createdAt"`
	SubmittedAt           *time.Time              `json:"submittedAt,omitempty"`
	ConfirmedAt           *time.Time              `json:"confirmedAt,omitempty"`
}
