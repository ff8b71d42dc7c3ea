// Package types provides common type definitions for the payout settlement system.
package types

// ChainID represents a supported settlement chain
type ChainID string

const (
	// ChainNative represents the chain where mining rewards are originally recorded
	ChainNative ChainID = "native"
	// ChainSolana represents the Solana network, reachable via the bridge
	ChainSolana ChainID = "solana"
	// ChainEthereum represents the Ethereum network, reachable via the bridge
	ChainEthereum ChainID = "ethereum"
)

// LedgerSource identifies which ledger of record a raw record came from
type LedgerSource string

const (
	// SourceMiningPool represents the mining pool ledger (source A)
	SourceMiningPool LedgerSource = "mining_pool"
	// SourceBridge represents the bridge/settlement ledger (source B)
	SourceBridge LedgerSource = "bridge"
)

// PayoutStatus represents the lifecycle state of a payout request
type PayoutStatus string

const (
	// PayoutStatusPending represents a request waiting to be executed
	PayoutStatusPending PayoutStatus = "pending"
	// PayoutStatusProcessing represents a request with an in-flight transaction
	PayoutStatusProcessing PayoutStatus = "processing"
	// PayoutStatusBridging represents a request waiting on bridge deposit confirmations
	PayoutStatusBridging PayoutStatus = "bridging"
	// PayoutStatusCompleted represents a fully settled request
	PayoutStatusCompleted PayoutStatus = "completed"
	// PayoutStatusFailed represents a request that exhausted its retries
	PayoutStatusFailed PayoutStatus = "failed"
	// PayoutStatusCancelled represents a request cancelled before execution
	PayoutStatusCancelled PayoutStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s PayoutStatus) Terminal() bool {
	switch s {
	case PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusCancelled:
		return true
	default:
		return false
	}
}

// PayoutPriority controls scheduling order for pending requests
type PayoutPriority string

const (
	PriorityLow    PayoutPriority = "low"
	PriorityNormal PayoutPriority = "normal"
	PriorityHigh   PayoutPriority = "high"
	PriorityUrgent PayoutPriority = "urgent"
)

// Rank returns the numeric scheduling rank (higher runs first)
func (p PayoutPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 40
	case PriorityHigh:
		return 30
	case PriorityNormal:
		return 20
	case PriorityLow:
		return 10
	default:
		return 0
	}
}

// ValidPriority reports whether p is one of the recognized priorities
func ValidPriority(p PayoutPriority) bool {
	return p.Rank() != 0
}

// TransactionKind represents the role of an on-chain transaction within a payout
type TransactionKind string

const (
	// TxKindDirect represents a transfer on the destination chain
	TxKindDirect TransactionKind = "direct"
	// TxKindBridgeDeposit represents the source-side deposit into the bridge
	TxKindBridgeDeposit TransactionKind = "bridge_deposit"
	// TxKindBridgeWithdrawal represents the bridge-side release on the destination chain
	TxKindBridgeWithdrawal TransactionKind = "bridge_withdrawal"
)

// TransactionStatus represents the sub-state of a single on-chain transaction
type TransactionStatus string

const (
	// TxStatusPending represents a transaction created but not yet submitted
	TxStatusPending TransactionStatus = "pending"
	// TxStatusSubmitted represents a transaction awaiting confirmations
	TxStatusSubmitted TransactionStatus = "submitted"
	// TxStatusConfirmed represents a transaction that reached its required confirmations
	TxStatusConfirmed TransactionStatus = "confirmed"
	// TxStatusFailed represents a transaction that failed on-chain or at submission
	TxStatusFailed TransactionStatus = "failed"
)

// RecordType identifies which kind of record a conflict was detected on
type RecordType string

const (
	// RecordTypeAccount represents a conflict on a unified account
	RecordTypeAccount RecordType = "account"
	// RecordTypeTransaction represents a conflict on a unified transaction
	RecordTypeTransaction RecordType = "transaction"
)

// ConflictImpact classifies how dangerous a ledger disagreement is
type ConflictImpact string

const (
	ImpactLow      ConflictImpact = "low"
	ImpactMedium   ConflictImpact = "medium"
	ImpactHigh     ConflictImpact = "high"
	ImpactCritical ConflictImpact = "critical"
)

// AutoResolvable reports whether policy is ever allowed to resolve this impact
// without a human. Amount, address and status conflicts are never auto-resolved.
func (i ConflictImpact) AutoResolvable() bool {
	return i == ImpactLow || i == ImpactMedium
}

// ConflictResolution represents how a conflict was (or must be) settled
type ConflictResolution string

const (
	// ResolutionManualRequired means a human must pick the winning value
	ResolutionManualRequired ConflictResolution = "manual_required"
	// ResolutionAutoResolved means policy picked a winner automatically
	ResolutionAutoResolved ConflictResolution = "auto_resolved"
	// ResolutionMerged means field-level merge policy selected the value
	ResolutionMerged ConflictResolution = "merged"
	// ResolutionIgnored means an operator dismissed the conflict
	ResolutionIgnored ConflictResolution = "ignored"
)

// MergePolicy selects the winning source for auto-resolvable fields
type MergePolicy string

const (
	// PolicySourceAWins always prefers the mining pool ledger
	PolicySourceAWins MergePolicy = "source_a_wins"
	// PolicySourceBWins always prefers the bridge ledger
	PolicySourceBWins MergePolicy = "source_b_wins"
	// PolicyMerge prefers the more recently updated source, tie-break toward source A
	PolicyMerge MergePolicy = "merge"
)

// BatchStatus represents the lifecycle of a settlement batch
type BatchStatus string

const (
	// BatchStatusOpen represents a batch still collecting members
	BatchStatusOpen BatchStatus = "open"
	// BatchStatusSubmitted represents a batch handed to the chain as a unit
	BatchStatusSubmitted BatchStatus = "submitted"
	// BatchStatusCompleted represents a batch whose members all settled
	BatchStatusCompleted BatchStatus = "completed"
	// BatchStatusFailed represents a batch whose submission failed as a unit
	BatchStatusFailed BatchStatus = "failed"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
