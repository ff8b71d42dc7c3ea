package models

import (
	"time"

	"github.com/payout-reconciler/internal/types"
)

// PayoutBatch groups same-chain, non-urgent requests into a single settlement
// submission. Batching only changes how the underlying chain transaction is
// constructed; each member still completes through its own state machine.
type PayoutBatch struct {
	ID          string            `json:"id"`
	Chain       types.ChainID     `json:"chain"`
	RequestIDs  []string          `json:"requestIds"`
	TotalAmount int64             `json:"totalAmount"`
	Status      types.BatchStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	SubmittedAt *time.Time        `json:"submittedAt,omitempty"`
}
