package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"github.com/k-g-j/dynamic-vencura/internal/metrics"
)

// RateLimited wraps a Client with a token-bucket limiter so bursts of
// concurrent orchestrations cannot exhaust the node's request quota.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with a burst capacity of burst.
func NewRateLimited(next Client, rps float64, burst int) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// wait blocks until the limiter allows one call, or ctx is done.
// Reserve guarantees exactly one token is consumed per call.
func (r *RateLimited) wait(ctx context.Context) error {
	res := r.limiter.Reserve()
	if !res.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := res.Delay()
	if delay > 0 {
		metrics.RPCRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func (r *RateLimited) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.BalanceAt(ctx, addr)
}

func (r *RateLimited) FeeData(ctx context.Context) (*FeeData, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.FeeData(ctx)
}

func (r *RateLimited) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.next.EstimateGas(ctx, msg)
}

func (r *RateLimited) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.next.PendingNonceAt(ctx, addr)
}

func (r *RateLimited) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.next.SendTransaction(ctx, tx)
}

func (r *RateLimited) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.TransactionReceipt(ctx, hash)
}

func (r *RateLimited) BlockNumber(ctx context.Context) (uint64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.next.BlockNumber(ctx)
}

func (r *RateLimited) ChainID(ctx context.Context) (*big.Int, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.ChainID(ctx)
}
