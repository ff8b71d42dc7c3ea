package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

// Conflict field names. Address conflict values carry the chain as a
// "chain:value" pair so a resolver knows which entry to fix.
const (
	FieldAddress          = "address"
	FieldConfirmedBalance = "confirmed_balance"
	FieldPendingBalance   = "pending_balance"
	FieldBridgeVolume     = "bridge_volume"
	FieldAmount           = "amount"
	FieldStatus           = "status"
	FieldHash             = "hash"
	FieldChain            = "chain"
)

// impactForField is the predefined impact table. Money and routing fields can
// never be auto-resolved; everything else may be, policy permitting.
func impactForField(field string) types.ConflictImpact {
	switch field {
	case FieldAmount, FieldConfirmedBalance:
		return types.ImpactCritical
	case FieldAddress, FieldStatus, FieldPendingBalance, FieldChain:
		return types.ImpactHigh
	case FieldBridgeVolume, FieldHash:
		return types.ImpactMedium
	default:
		return types.ImpactLow
	}
}

// Reconciler merges the two ledgers' raw views into unified records and
// detects per-field conflicts. Merging is a pure function of its inputs:
// given the same records, policy and clock, it always produces the same
// unified record and the same conflict set.
type Reconciler struct {
	policy types.MergePolicy
}

// NewReconciler creates a reconciler with a merge policy
func NewReconciler(policy types.MergePolicy) *Reconciler {
	return &Reconciler{policy: policy}
}

// Policy returns the configured merge policy
func (r *Reconciler) Policy() types.MergePolicy {
	return r.policy
}

// preferA decides whether source A wins a disagreement under the policy
func (r *Reconciler) preferA(modifiedA, modifiedB time.Time) bool {
	switch r.policy {
	case types.PolicySourceAWins:
		return true
	case types.PolicySourceBWins:
		return false
	default:
		// Recency wins, ties break toward source A
		return !modifiedB.After(modifiedA)
	}
}

// MergeAccounts merges both ledgers' views of one account. Either input may
// be nil; a record existing in only one ledger is not a conflict.
// priorOpenConflicts is the count of still-open conflicts for this record
// before the merge, used to compute the quality score.
func (r *Reconciler) MergeAccounts(a, b *adapter.LedgerAccount, priorOpenConflicts int, now time.Time) (*models.UnifiedAccount, []*models.ConflictRecord, error) {
	if a == nil && b == nil {
		return nil, nil, fmt.Errorf("both ledger accounts are nil")
	}
	if a != nil && a.ID == "" || b != nil && b.ID == "" {
		return nil, nil, fmt.Errorf("malformed ledger account: missing id")
	}

	id := recordID(a, b)
	account := &models.UnifiedAccount{
		ID:                 id,
		Addresses:          make(map[types.ChainID]string),
		BridgeVolumeTotals: make(map[types.ChainID]int64),
	}
	var conflicts []*models.ConflictRecord

	aWins := r.mergeWins(a, b)

	// Addresses: union of both ledgers, one conflict per disagreeing chain
	for _, chain := range addressChains(a, b) {
		addrA, okA := chainAddress(a, chain)
		addrB, okB := chainAddress(b, chain)
		switch {
		case okA && okB && addrA != addrB:
			conflicts = append(conflicts, newConflict(id, types.RecordTypeAccount, FieldAddress,
				chainValue(chain, addrA), chainValue(chain, addrB), now))
			account.Addresses[chain] = pick(aWins, addrA, addrB)
		case okA:
			account.Addresses[chain] = addrA
		case okB:
			account.Addresses[chain] = addrB
		}
	}

	// Balances: only ledgers that track them have a say
	balA := a != nil && a.TracksBalances
	balB := b != nil && b.TracksBalances
	switch {
	case balA && balB:
		if a.ConfirmedBalance != b.ConfirmedBalance {
			conflicts = append(conflicts, newConflict(id, types.RecordTypeAccount, FieldConfirmedBalance,
				formatAmount(a.ConfirmedBalance), formatAmount(b.ConfirmedBalance), now))
		}
		if a.PendingBalance != b.PendingBalance {
			conflicts = append(conflicts, newConflict(id, types.RecordTypeAccount, FieldPendingBalance,
				formatAmount(a.PendingBalance), formatAmount(b.PendingBalance), now))
		}
		account.MiningBalance = models.MiningBalance{
			Confirmed: pick(aWins, a.ConfirmedBalance, b.ConfirmedBalance),
			Pending:   pick(aWins, a.PendingBalance, b.PendingBalance),
		}
	case balA:
		account.MiningBalance = models.MiningBalance{Confirmed: a.ConfirmedBalance, Pending: a.PendingBalance}
	case balB:
		account.MiningBalance = models.MiningBalance{Confirmed: b.ConfirmedBalance, Pending: b.PendingBalance}
	}

	// Bridge volumes: union per chain; disagreement is auto-resolvable
	for _, chain := range volumeChains(a, b) {
		volA, okA := chainVolume(a, chain)
		volB, okB := chainVolume(b, chain)
		switch {
		case okA && okB && volA != volB:
			conflicts = append(conflicts, newConflict(id, types.RecordTypeAccount, FieldBridgeVolume,
				chainValue(chain, formatAmount(volA)), chainValue(chain, formatAmount(volB)), now))
			account.BridgeVolumeTotals[chain] = pick(aWins, volA, volB)
		case okA:
			account.BridgeVolumeTotals[chain] = volA
		case okB:
			account.BridgeVolumeTotals[chain] = volB
		}
	}

	account.Sync = models.SyncMetadata{
		LastMergedAt:  now,
		Sources:       sources(a, b),
		ConflictCount: len(conflicts),
		QualityScore:  qualityScore(priorOpenConflicts + len(conflicts)),
	}
	account.UpdatedAt = now

	return account, conflicts, nil
}

// MergeTransactions merges both ledgers' views of one settlement transaction
func (r *Reconciler) MergeTransactions(a, b *adapter.LedgerTransaction, now time.Time) (*models.UnifiedTransaction, []*models.ConflictRecord, error) {
	if a == nil && b == nil {
		return nil, nil, fmt.Errorf("both ledger transactions are nil")
	}
	if a != nil && a.ID == "" || b != nil && b.ID == "" {
		return nil, nil, fmt.Errorf("malformed ledger transaction: missing id")
	}

	if a == nil || b == nil {
		only := a
		if only == nil {
			only = b
		}
		return &models.UnifiedTransaction{
			ID:        only.ID,
			UserID:    only.UserID,
			Chain:     only.Chain,
			Amount:    only.Amount,
			Address:   only.Address,
			Status:    only.Status,
			Hash:      only.Hash,
			Sources:   []types.LedgerSource{only.Source},
			MergedAt:  now,
			UpdatedAt: only.ModifiedAt,
		}, nil, nil
	}

	aWins := r.preferA(a.ModifiedAt, b.ModifiedAt)
	var conflicts []*models.ConflictRecord

	if a.Amount != b.Amount {
		conflicts = append(conflicts, newConflict(a.ID, types.RecordTypeTransaction, FieldAmount,
			formatAmount(a.Amount), formatAmount(b.Amount), now))
	}
	if a.Address != b.Address {
		conflicts = append(conflicts, newConflict(a.ID, types.RecordTypeTransaction, FieldAddress,
			chainValue(a.Chain, a.Address), chainValue(b.Chain, b.Address), now))
	}
	if a.Status != b.Status {
		conflicts = append(conflicts, newConflict(a.ID, types.RecordTypeTransaction, FieldStatus,
			a.Status, b.Status, now))
	}
	if a.Chain != b.Chain {
		conflicts = append(conflicts, newConflict(a.ID, types.RecordTypeTransaction, FieldChain,
			string(a.Chain), string(b.Chain), now))
	}
	if a.Hash != "" && b.Hash != "" && a.Hash != b.Hash {
		conflicts = append(conflicts, newConflict(a.ID, types.RecordTypeTransaction, FieldHash,
			a.Hash, b.Hash, now))
	}

	tx := &models.UnifiedTransaction{
		ID:        a.ID,
		UserID:    pick(aWins, a.UserID, b.UserID),
		Chain:     pick(aWins, a.Chain, b.Chain),
		Amount:    pick(aWins, a.Amount, b.Amount),
		Address:   pick(aWins, a.Address, b.Address),
		Status:    pick(aWins, a.Status, b.Status),
		Hash:      pick(aWins, a.Hash, b.Hash),
		Sources:   []types.LedgerSource{a.Source, b.Source},
		MergedAt:  now,
		UpdatedAt: latest(a.ModifiedAt, b.ModifiedAt),
	}
	if tx.Hash == "" {
		tx.Hash = pick(!aWins, a.Hash, b.Hash)
	}

	return tx, conflicts, nil
}

// qualityScore maps open-conflict count to the 0-100 account health score
func qualityScore(openConflicts int) int {
	score := 100 - 5*openConflicts
	if score < 0 {
		return 0
	}
	return score
}

func (r *Reconciler) mergeWins(a, b *adapter.LedgerAccount) bool {
	var modA, modB time.Time
	if a != nil {
		modA = a.ModifiedAt
	}
	if b != nil {
		modB = b.ModifiedAt
	}
	return r.preferA(modA, modB)
}

// newConflict builds an open conflict with its predefined impact. High and
// critical conflicts require a human; lower impacts record the policy-merged
// value and wait for the auto-resolution sweep. The conflict has no ID yet;
// the queue assigns one when the conflict is accepted.
func newConflict(recordID string, recordType types.RecordType, field, valueA, valueB string, now time.Time) *models.ConflictRecord {
	impact := impactForField(field)
	resolution := types.ResolutionMerged
	if !impact.AutoResolvable() {
		resolution = types.ResolutionManualRequired
	}
	return &models.ConflictRecord{
		RecordID:   recordID,
		RecordType: recordType,
		Field:      field,
		ValueA:     valueA,
		ValueB:     valueB,
		Impact:     impact,
		Resolution: resolution,
		DetectedAt: now,
	}
}

func recordID(a, b *adapter.LedgerAccount) string {
	if a != nil {
		return a.ID
	}
	return b.ID
}

func sources(a, b *adapter.LedgerAccount) []types.LedgerSource {
	var out []types.LedgerSource
	if a != nil {
		out = append(out, a.Source)
	}
	if b != nil {
		out = append(out, b.Source)
	}
	return out
}

func addressChains(a, b *adapter.LedgerAccount) []types.ChainID {
	seen := make(map[types.ChainID]struct{})
	if a != nil {
		for chain := range a.Addresses {
			seen[chain] = struct{}{}
		}
	}
	if b != nil {
		for chain := range b.Addresses {
			seen[chain] = struct{}{}
		}
	}
	return sortedChains(seen)
}

func volumeChains(a, b *adapter.LedgerAccount) []types.ChainID {
	seen := make(map[types.ChainID]struct{})
	if a != nil && a.TracksBridgeVolume {
		for chain := range a.BridgeVolumeTotals {
			seen[chain] = struct{}{}
		}
	}
	if b != nil && b.TracksBridgeVolume {
		for chain := range b.BridgeVolumeTotals {
			seen[chain] = struct{}{}
		}
	}
	return sortedChains(seen)
}

// sortedChains keeps iteration order stable so merges are deterministic
func sortedChains(seen map[types.ChainID]struct{}) []types.ChainID {
	chains := make([]types.ChainID, 0, len(seen))
	for chain := range seen {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

func chainAddress(a *adapter.LedgerAccount, chain types.ChainID) (string, bool) {
	if a == nil {
		return "", false
	}
	addr, ok := a.Addresses[chain]
	return addr, ok && addr != ""
}

func chainVolume(a *adapter.LedgerAccount, chain types.ChainID) (int64, bool) {
	if a == nil || !a.TracksBridgeVolume {
		return 0, false
	}
	vol, ok := a.BridgeVolumeTotals[chain]
	return vol, ok
}

func chainValue(chain types.ChainID, value string) string {
	return fmt.Sprintf("%s:%s", chain, value)
}

// ParseChainValue splits a "chain:value" conflict value back apart
func ParseChainValue(v string) (types.ChainID, string, bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return types.ChainID(parts[0]), parts[1], true
}

func formatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}

func pick[T any](aWins bool, a, b T) T {
	if aWins {
		return a
	}
	return b
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
