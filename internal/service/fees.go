// Package service holds the business logic of the settlement core: payout
// admission, ledger reconciliation, and the conflict review queue.
package service

import (
	"math/big"

	"github.com/payout-reconciler/internal/config"
	"github.com/payout-reconciler/internal/errors"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/types"
)

var bpsDivisor = big.NewInt(10_000)

// FeeCalculator computes deterministic payout fees. Fees are deducted from
// the gross requested amount, never billed on top.
type FeeCalculator struct {
	chains       map[types.ChainID]config.ChainFees
	bridgeFeeBps int64
}

// NewFeeCalculator creates a fee calculator from the payout configuration
func NewFeeCalculator(cfg *config.PayoutConfig) *FeeCalculator {
	return &FeeCalculator{
		chains:       cfg.Chains,
		bridgeFeeBps: cfg.BridgeFeeBps,
	}
}

// Supported reports whether a fee schedule exists for the chain
func (f *FeeCalculator) Supported(chain types.ChainID) bool {
	_, ok := f.chains[chain]
	return ok
}

// RequiredConfirmations returns the confirmation depth for a chain
func (f *FeeCalculator) RequiredConfirmations(chain types.ChainID) uint32 {
	return f.chains[chain].RequiredConfirmations
}

// Compute returns the fee breakdown for a gross amount. The bridge fee is
// amount * bps / 10000, computed through math/big so large amounts cannot
// overflow an intermediate product. The result depends only on the inputs.
func (f *FeeCalculator) Compute(amount int64, chain types.ChainID, needsBridge bool) (models.FeeBreakdown, error) {
	schedule, ok := f.chains[chain]
	if !ok {
		return models.FeeBreakdown{}, errors.NewUnsupportedChainError(chain)
	}

	fees := models.FeeBreakdown{
		Processing: schedule.ProcessingFee,
		Network:    schedule.NetworkFee,
	}

	if needsBridge {
		fees.Bridge = bridgeFee(amount, f.bridgeFeeBps)
	}

	fees.Total = fees.Processing + fees.Bridge + fees.Network

	if fees.Total > amount {
		return models.FeeBreakdown{}, errors.NewInvalidParameterError("amount", "total fees exceed the requested amount")
	}

	return fees, nil
}

func bridgeFee(amount, bps int64) int64 {
	product := new(big.Int).Mul(big.NewInt(amount), big.NewInt(bps))
	return product.Div(product, bpsDivisor).Int64()
}
