package ethereum

import (
	"context"
	"fmt"
	"math/big"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/k-g-j/dynamic-vencura/internal/chain"
)

// Client implements chain.Client over a go-ethereum RPC connection.
type Client struct {
	eth *ethclient.Client
}

func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	return &Client{eth: eth}, nil
}

func NewClient(eth *ethclient.Client) *Client {
	return &Client{eth: eth}
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// FeeData combines the node's gas price suggestion with the EIP-1559 pair
// when the chain exposes one. A missing base fee (pre-London chains) leaves
// the dynamic fields nil so callers fall back to legacy pricing.
func (c *Client) FeeData(ctx context.Context) (*chain.FeeData, error) {
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	fd := &chain.FeeData{GasPrice: gasPrice}

	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil || head.BaseFee == nil {
		return fd, nil
	}

	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return fd, nil
	}

	fd.BaseFee = head.BaseFee
	fd.MaxPriorityFeePerGas = tipCap
	return fd, nil
}

func (c *Client) EstimateGas(ctx context.Context, msg goethereum.CallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, msg)
}

func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}
