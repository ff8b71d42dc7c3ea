package service

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/payout-reconciler/internal/adapter"
	"github.com/payout-reconciler/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mergeNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func poolAccount(id string, modified time.Time) *adapter.LedgerAccount {
	return &adapter.LedgerAccount{
		ID:     id,
		Source: types.SourceMiningPool,
		Addresses: map[types.ChainID]string{
			types.ChainNative: "pool-addr-1",
		},
		ConfirmedBalance: 5_000_000,
		PendingBalance:   250_000,
		TracksBalances:   true,
		ModifiedAt:       modified,
	}
}

func bridgeAccount(id string, modified time.Time) *adapter.LedgerAccount {
	return &adapter.LedgerAccount{
		ID:     id,
		Source: types.SourceBridge,
		Addresses: map[types.ChainID]string{
			types.ChainNative:   "pool-addr-1",
			types.ChainEthereum: "0xabc",
		},
		BridgeVolumeTotals: map[types.ChainID]int64{
			types.ChainEthereum: 9_000_000,
		},
		TracksBridgeVolume: true,
		ModifiedAt:         modified,
	}
}

func TestMergeAccountsUnionsDisjointFields(t *testing.T) {
	r := NewReconciler(types.PolicyMerge)

	a := poolAccount("user-1", mergeNow.Add(-time.Hour))
	b := bridgeAccount("user-1", mergeNow.Add(-time.Minute))

	account, conflicts, err := r.MergeAccounts(a, b, 0, mergeNow)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	// Addresses union both sources, balances come from the tracking source
	assert.Equal(t, "pool-addr-1", account.Addresses[types.ChainNative])
	assert.Equal(t, "0xabc", account.Addresses[types.ChainEthereum])
	assert.Equal(t, int64(5_000_000), account.MiningBalance.Confirmed)
	assert.Equal(t, int64(250_000), account.MiningBalance.Pending)
	assert.Equal(t, int64(9_000_000), account.BridgeVolumeTotals[types.ChainEthereum])

	assert.ElementsMatch(t, []types.LedgerSource{types.SourceMiningPool, types.SourceBridge}, account.Sync.Sources)
	assert.Equal(t, 100, account.Sync.QualityScore)
}

func TestMergeAccountsAddressDisagreement(t *testing.T) {
	r := NewReconciler(types.PolicyMerge)

	a := poolAccount("user-1", mergeNow.Add(-time.Minute))
	b := bridgeAccount("user-1", mergeNow.Add(-time.Hour))
	b.Addresses[types.ChainNative] = "pool-addr-OTHER"

	account, conflicts, err := r.MergeAccounts(a, b, 0, mergeNow)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	conflict := conflicts[0]
	// Identity is assigned by the queue at intake, never by the merge
	assert.Empty(t, conflict.ID)
	assert.Equal(t, FieldAddress, conflict.Field)
	assert.Equal(t, types.ImpactHigh, conflict.Impact)
	assert.Equal(t, types.ResolutionManualRequired, conflict.Resolution)
	assert.Equal(t, "native:pool-addr-1", conflict.ValueA)
	assert.Equal(t, "native:pool-addr-OTHER", conflict.ValueB)

	// Recency: A is newer, so A's address survives in the unified record
	assert.Equal(t, "pool-addr-1", account.Addresses[types.ChainNative])
	assert.Equal(t, 95, account.Sync.QualityScore)
}

func TestMergeAccountsBalanceDisagreement(t *testing.T) {
	r := NewReconciler(types.PolicySourceBWins)

	a := poolAccount("user-1", mergeNow)
	b := poolAccount("user-1", mergeNow.Add(-time.Hour))
	b.Source = types.SourceBridge
	b.ConfirmedBalance = 4_000_000

	account, conflicts, err := r.MergeAccounts(a, b, 0, mergeNow)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	assert.Equal(t, FieldConfirmedBalance, conflicts[0].Field)
	assert.Equal(t, types.ImpactCritical, conflicts[0].Impact)
	assert.Equal(t, types.ResolutionManualRequired, conflicts[0].Resolution)

	// Policy picks B even though A is more recent
	assert.Equal(t, int64(4_000_000), account.MiningBalance.Confirmed)
}

func TestMergeAccountsSingleSided(t *testing.T) {
	r := NewReconciler(types.PolicyMerge)

	account, conflicts, err := r.MergeAccounts(poolAccount("user-9", mergeNow), nil, 0, mergeNow)
	require.NoError(t, err)

	// A record existing in only one ledger is not a conflict
	assert.Empty(t, conflicts)
	assert.Equal(t, "user-9", account.ID)
	assert.Equal(t, []types.LedgerSource{types.SourceMiningPool}, account.Sync.Sources)
}

func TestMergeAccountsRejectsMalformedInput(t *testing.T) {
	r := NewReconciler(types.PolicyMerge)

	_, _, err := r.MergeAccounts(nil, nil, 0, mergeNow)
	assert.Error(t, err)

	broken := poolAccount("", mergeNow)
	_, _, err = r.MergeAccounts(broken, nil, 0, mergeNow)
	assert.Error(t, err)
}

func TestMergeTransactions(t *testing.T) {
	r := NewReconciler(types.PolicyMerge)

	base := func() (*adapter.LedgerTransaction, *adapter.LedgerTransaction) {
		a := &adapter.LedgerTransaction{
			ID: "tx-1", Source: types.SourceMiningPool, UserID: "user-1",
			Chain: types.ChainNative, Amount: 750_000, Address: "pool-addr-1",
			Status: "confirmed", Hash: "0xaaa", ModifiedAt: mergeNow.Add(-time.Minute),
		}
		b := &adapter.LedgerTransaction{
			ID: "tx-1", Source: types.SourceBridge, UserID: "user-1",
			Chain: types.ChainNative, Amount: 750_000, Address: "pool-addr-1",
			Status: "confirmed", Hash: "0xaaa", ModifiedAt: mergeNow.Add(-time.Hour),
		}
		return a, b
	}

	t.Run("agreement produces no conflicts", func(t *testing.T) {
		a, b := base()
		tx, conflicts, err := r.MergeTransactions(a, b, mergeNow)
		require.NoError(t, err)
		assert.Empty(t, conflicts)
		assert.Equal(t, int64(750_000), tx.Amount)
		assert.Equal(t, b.ModifiedAt, latest(b.ModifiedAt, a.ModifiedAt))
	})

	t.Run("amount disagreement is critical", func(t *testing.T) {
		a, b := base()
		b.Amount = 740_000
		_, conflicts, err := r.MergeTransactions(a, b, mergeNow)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, FieldAmount, conflicts[0].Field)
		assert.Equal(t, types.ImpactCritical, conflicts[0].Impact)
	})

	t.Run("a missing hash on one side is not a conflict", func(t *testing.T) {
		a, b := base()
		b.Hash = ""
		tx, conflicts, err := r.MergeTransactions(a, b, mergeNow)
		require.NoError(t, err)
		assert.Empty(t, conflicts)
		assert.Equal(t, "0xaaa", tx.Hash)
	})

	t.Run("status disagreement keeps the newer side", func(t *testing.T) {
		a, b := base()
		b.Status = "pending"
		tx, conflicts, err := r.MergeTransactions(a, b, mergeNow)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, FieldStatus, conflicts[0].Field)
		assert.Equal(t, "confirmed", tx.Status)
	})
}

func TestImpactClassification(t *testing.T) {
	cases := []struct {
		field  string
		impact types.ConflictImpact
	}{
		{FieldAmount, types.ImpactCritical},
		{FieldConfirmedBalance, types.ImpactCritical},
		{FieldAddress, types.ImpactHigh},
		{FieldStatus, types.ImpactHigh},
		{FieldPendingBalance, types.ImpactHigh},
		{FieldChain, types.ImpactHigh},
		{FieldBridgeVolume, types.ImpactMedium},
		{FieldHash, types.ImpactMedium},
		{"something_else", types.ImpactLow},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.impact, impactForField(tc.field), tc.field)
	}

	// Money and routing disagreements are never auto-resolvable
	assert.False(t, types.ImpactCritical.AutoResolvable())
	assert.False(t, types.ImpactHigh.AutoResolvable())
	assert.True(t, types.ImpactMedium.AutoResolvable())
	assert.True(t, types.ImpactLow.AutoResolvable())
}

func TestQualityScore(t *testing.T) {
	assert.Equal(t, 100, qualityScore(0))
	assert.Equal(t, 95, qualityScore(1))
	assert.Equal(t, 85, qualityScore(3))
	assert.Equal(t, 0, qualityScore(20))
	assert.Equal(t, 0, qualityScore(25))
}

func TestParseChainValue(t *testing.T) {
	chain, value, ok := ParseChainValue("ethereum:0xabc")
	require.True(t, ok)
	assert.Equal(t, types.ChainEthereum, chain)
	assert.Equal(t, "0xabc", value)

	// Addresses may themselves contain colons; only the first splits
	_, value, ok = ParseChainValue("native:addr:with:colons")
	require.True(t, ok)
	assert.Equal(t, "addr:with:colons", value)

	_, _, ok = ParseChainValue("no-separator")
	assert.False(t, ok)
	_, _, ok = ParseChainValue(":missing-chain")
	assert.False(t, ok)
}

func TestMergeDeterminismProperty(t *testing.T) {
	r := NewReconciler(types.PolicyMerge)

	properties := gopter.NewProperties(nil)

	properties.Property("merging the same inputs twice yields identical results", prop.ForAll(
		func(balA, balB int64, addrA, addrB string) bool {
			a := &adapter.LedgerAccount{
				ID: "user-p", Source: types.SourceMiningPool,
				Addresses:        map[types.ChainID]string{types.ChainNative: addrA, types.ChainEthereum: addrB},
				ConfirmedBalance: balA, TracksBalances: true,
				ModifiedAt: mergeNow.Add(-time.Minute),
			}
			b := &adapter.LedgerAccount{
				ID: "user-p", Source: types.SourceBridge,
				Addresses:        map[types.ChainID]string{types.ChainNative: addrB, types.ChainEthereum: addrA},
				ConfirmedBalance: balB, TracksBalances: true,
				ModifiedAt: mergeNow.Add(-time.Hour),
			}

			acc1, conflicts1, err1 := r.MergeAccounts(a, b, 0, mergeNow)
			acc2, conflicts2, err2 := r.MergeAccounts(a, b, 0, mergeNow)
			if err1 != nil || err2 != nil {
				return false
			}
			if len(conflicts1) != len(conflicts2) {
				return false
			}
			if !assert.ObjectsAreEqual(acc1, acc2) {
				return false
			}
			return assert.ObjectsAreEqual(conflicts1, conflicts2)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 1_000_000_000),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
