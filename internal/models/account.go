// Package models defines the persistent domain entities owned by the settlement core.
package models

import (
	"time"

	"github.com/payout-reconciler/internal/types"
)

// MiningBalance holds the confirmed and pending balance in minor units.
// Amounts are never floating-point anywhere in the core.
type MiningBalance struct {
	Confirmed int64 `json:"confirmed"`
	Pending   int64 `json:"pending"`
}

// PayoutPreferences holds the user's payout routing settings
type PayoutPreferences struct {
	DefaultChain      types.ChainID `json:"defaultChain"`
	AutoBridgeEnabled bool          `json:"autoBridgeEnabled"`
	MinThreshold      int64         `json:"minThreshold"`
}

// SyncMetadata records how the unified view was assembled and how healthy it is
type SyncMetadata struct {
	LastMergedAt  time.Time            `json:"lastMergedAt"`
	Sources       []types.LedgerSource `json:"sources"`
	ConflictCount int                  `json:"conflictCount"`
	// QualityScore is 0-100; it drops while unresolved conflicts exist and
	// returns to 100 only once every conflict for the account is resolved.
	QualityScore int `json:"qualityScore"`
}

// UnifiedAccount is the merged view of one user across both ledgers.
// Created on first sighting in either ledger, updated every reconciliation
// pass, never hard-deleted (archived on deactivation).
type UnifiedAccount struct {
	ID                 string                  `json:"id"`
	Addresses          map[types.ChainID]string `json:"addresses"`
	MiningBalance      MiningBalance           `json:"miningBalance"`
	BridgeVolumeTotals map[types.ChainID]int64 `json:"bridgeVolumeTotals"`
	TotalPaid          int64                   `json:"totalPaid"`
	LastPayoutAt       *time.Time              `json:"lastPayoutAt,omitempty"`
	Preferences        PayoutPreferences       `json:"preferences"`
	Sync               SyncMetadata            `json:"sync"`
	Archived           bool                    `json:"archived"`
	CreatedAt          time.Time               `json:"createdAt"`
	UpdatedAt          time.Time               `json:"updatedAt"`
}

// AddressFor returns the configured address for a chain, if any
func (a *UnifiedAccount) AddressFor(chain types.ChainID) (string, bool) {
	if a.Addresses == nil {
		return "", false
	}
	addr, ok := a.Addresses[chain]
	return addr, ok && addr != ""
}

// UnifiedTransaction is the merged view of one settlement transaction across
// both ledgers, used by reconciliation only; the core never mutates the raw
// per-ledger records behind it.
type UnifiedTransaction struct {
	ID        string                   `json:"id"`
	UserID    string                   `json:"userId"`
	Chain     types.ChainID            `json:"chain"`
	Amount    int64                    `json:"amount"`
	Address   string                   `json:"address"`
	Status    string                   `json:"status"`
	Hash      string                   `json:"hash,omitempty"`
	Sources   []types.LedgerSource     `json:"sources"`
	MergedAt  time.Time                `json:"mergedAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}
