package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/k-g-j/dynamic-vencura/internal/circuitbreaker"
	"github.com/k-g-j/dynamic-vencura/internal/metrics"
)

// Guarded wraps a Client with a circuit breaker. A run of node failures
// opens the breaker and every call fails fast with
// circuitbreaker.ErrOpen until the node recovers; the retry executor treats
// that as a transient fault.
type Guarded struct {
	next    Client
	breaker *circuitbreaker.Breaker
}

func NewGuarded(next Client, cfg circuitbreaker.Config) *Guarded {
	userCallback := cfg.OnStateChange
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		metrics.CircuitBreakerState.Set(breakerStateGauge(to))
		if userCallback != nil {
			userCallback(from, to)
		}
	}
	return &Guarded{next: next, breaker: circuitbreaker.New(cfg)}
}

func breakerStateGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Guarded) do(method string, fn func() error) error {
	err := g.breaker.Do(fn)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RPCCallsTotal.WithLabelValues(method, status).Inc()
	return err
}

func (g *Guarded) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := g.do("eth_getBalance", func() (e error) {
		out, e = g.next.BalanceAt(ctx, addr)
		return
	})
	return out, err
}

func (g *Guarded) FeeData(ctx context.Context) (*FeeData, error) {
	var out *FeeData
	err := g.do("eth_feeData", func() (e error) {
		out, e = g.next.FeeData(ctx)
		return
	})
	return out, err
}

func (g *Guarded) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := g.do("eth_estimateGas", func() (e error) {
		out, e = g.next.EstimateGas(ctx, msg)
		return
	})
	return out, err
}

func (g *Guarded) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var out uint64
	err := g.do("eth_getTransactionCount", func() (e error) {
		out, e = g.next.PendingNonceAt(ctx, addr)
		return
	})
	return out, err
}

func (g *Guarded) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return g.do("eth_sendRawTransaction", func() error {
		return g.next.SendTransaction(ctx, tx)
	})
}

func (g *Guarded) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	var notFound error
	err := g.do("eth_getTransactionReceipt", func() (e error) {
		out, e = g.next.TransactionReceipt(ctx, hash)
		// An unmined transaction is a healthy node answer, not a fault.
		if errors.Is(e, ethereum.NotFound) {
			notFound = e
			e = nil
		}
		return
	})
	if err == nil && notFound != nil {
		return nil, notFound
	}
	return out, err
}

func (g *Guarded) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := g.do("eth_blockNumber", func() (e error) {
		out, e = g.next.BlockNumber(ctx)
		return
	})
	return out, err
}

func (g *Guarded) ChainID(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := g.do("eth_chainId", func() (e error) {
		out, e = g.next.ChainID(ctx)
		return
	})
	return out, err
}
