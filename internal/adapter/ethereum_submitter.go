package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/payout-reconciler/internal/types"
)

// EthereumSubmitter submits payouts to an Ethereum-compatible chain from a
// single treasury key
type EthereumSubmitter struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	// weiPerUnit converts ledger minor units into wei
	weiPerUnit *big.Int
}

// NewEthereumSubmitter creates a submitter connected to the given RPC endpoint
func NewEthereumSubmitter(rpcURL, privateKeyHex string, chainID int64, weiPerUnit int64) (*EthereumSubmitter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury private key: %w", err)
	}

	if weiPerUnit <= 0 {
		return nil, fmt.Errorf("weiPerUnit must be positive, got %d", weiPerUnit)
	}

	return &EthereumSubmitter{
		client:     client,
		privateKey: key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
		weiPerUnit: big.NewInt(weiPerUnit),
	}, nil
}

// ChainID returns the chain this submitter serves
func (s *EthereumSubmitter) ChainID() types.ChainID {
	return types.ChainEthereum
}

// Submit sends a single transfer and returns the transaction hash
func (s *EthereumSubmitter) Submit(ctx context.Context, transfer Transfer) (*SubmitResult, error) {
	if !common.IsHexAddress(transfer.To) {
		return nil, fmt.Errorf("%w: bad address %s", ErrSubmissionRejected, transfer.To)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	hash, err := s.send(ctx, nonce, transfer)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Hash: hash}, nil
}

// SubmitBatch sends the transfers as consecutive nonces and returns the hash
// of the last one. Nonce ordering means the last transaction confirming
// implies every earlier member of the batch was mined as well, so one hash is
// enough to track the whole batch.
func (s *EthereumSubmitter) SubmitBatch(ctx context.Context, transfers []Transfer) (*SubmitResult, error) {
	if len(transfers) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrSubmissionRejected)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}

	var lastHash string
	for i, transfer := range transfers {
		if !common.IsHexAddress(transfer.To) {
			return nil, fmt.Errorf("%w: bad address %s", ErrSubmissionRejected, transfer.To)
		}
		hash, err := s.send(ctx, nonce+uint64(i), transfer) // #nosec G115 - batch sizes are small
		if err != nil {
			return nil, fmt.Errorf("batch member %d failed: %w", i, err)
		}
		lastHash = hash
	}

	return &SubmitResult{Hash: lastHash}, nil
}

// Status reports confirmation progress for a submitted hash
func (s *EthereumSubmitter) Status(ctx context.Context, hash string) (*TransactionState, error) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Still in the mempool or not indexed yet
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
		}
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	if receipt.Status == gethtypes.ReceiptStatusFailed {
		return &TransactionState{Failed: true, FailureReason: "transaction reverted"}, nil
	}

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head block: %w", err)
	}

	var confirmations uint32
	if blockNum := receipt.BlockNumber.Uint64(); head >= blockNum {
		diff := head - blockNum + 1
		if diff > uint64(^uint32(0)) {
			confirmations = ^uint32(0)
		} else {
			confirmations = uint32(diff)
		}
	}

	return &TransactionState{Confirmations: confirmations}, nil
}

func (s *EthereumSubmitter) send(ctx context.Context, nonce uint64, transfer Transfer) (string, error) {
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	value := new(big.Int).Mul(big.NewInt(transfer.Amount), s.weiPerUnit)
	tx := gethtypes.NewTransaction(nonce, common.HexToAddress(transfer.To), value, 21000, gasPrice, nil)

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmissionRejected, err)
	}

	return signed.Hash().Hex(), nil
}
