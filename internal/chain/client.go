package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FeeData is the network's current fee picture. GasPrice is always set;
// the dynamic pair is nil on chains (or nodes) without EIP-1559 support.
type FeeData struct {
	GasPrice             *big.Int
	BaseFee              *big.Int
	MaxPriorityFeePerGas *big.Int
}

// SupportsDynamicFees reports whether the node returned an EIP-1559 pair.
func (f *FeeData) SupportsDynamicFees() bool {
	return f.BaseFee != nil && f.MaxPriorityFeePerGas != nil
}

// Client abstracts the node RPC surface the submission pipeline consumes.
// Implementations must be safe for concurrent use.
type Client interface {
	// BalanceAt returns the latest balance of addr in wei.
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)

	// FeeData returns the node's current fee suggestions.
	FeeData(ctx context.Context) (*FeeData, error)

	// EstimateGas estimates the gas required for msg against pending state.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// PendingNonceAt returns the next nonce for addr including mempool txs.
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)

	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns the receipt for hash, or
	// ethereum.NotFound while the transaction is unmined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	// BlockNumber returns the current head height.
	BlockNumber(ctx context.Context) (uint64, error)

	// ChainID returns the chain identifier used for signing.
	ChainID(ctx context.Context) (*big.Int, error)
}
