package txretry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/k-g-j/dynamic-vencura/internal/chain"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/fees"
	"github.com/k-g-j/dynamic-vencura/internal/metrics"
)

const feeBumpPercentPerAttempt = 10

// Policy bounds one retried operation: attempt budget plus exponential
// backoff with uniform jitter in [0.5, 1.0].
type Policy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
}

// DefaultSubmitPolicy matches the submission discipline: 3 attempts,
// 1s base doubling up to 30s.
func DefaultSubmitPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        30 * time.Second,
	}
}

// DefaultConfirmPolicy paces receipt polling. Confirmation latency tracks
// block time rather than transient faults, so it gets a longer base and a
// larger budget than submission instead of sharing constants.
func DefaultConfirmPolicy() Policy {
	return Policy{
		MaxAttempts:       10,
		BackoffBase:       5 * time.Second,
		BackoffMultiplier: 1.5,
		BackoffCap:        30 * time.Second,
	}
}

// Delay returns the backoff before the given attempt (1-based), already
// capped; jitter must be in [0.5, 1.0].
func (p Policy) Delay(attempt int, jitter float64) time.Duration {
	raw := float64(p.BackoffBase)
	for i := 1; i < attempt; i++ {
		raw *= p.BackoffMultiplier
	}
	if capped := float64(p.BackoffCap); raw > capped {
		raw = capped
	}
	return time.Duration(raw * jitter)
}

// SubmitError is the single translated error raised after a submission
// cannot proceed. Message is the user-presentable rewrite; the raw provider
// error remains reachable via Unwrap for the audit trail.
type SubmitError struct {
	Attempts int
	Fatal    bool
	Message  string
	Raw      error
}

func (e *SubmitError) Error() string {
	return e.Message
}

func (e *SubmitError) Unwrap() error {
	return e.Raw
}

// TxSigner is the scoped signing capability a submission borrows.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// GasReestimator refreshes a gas limit between attempts.
type GasReestimator interface {
	ReestimateGasLimit(ctx context.Context, draft fees.Draft) uint64
}

// Request is one logical submission. Pinned parameters are never recomputed
// across attempts; everything else is refreshed before each resubmission.
type Request struct {
	To     common.Address
	Amount *big.Int
	Data   []byte
	Plan   *model.FeePlan

	PinnedGasLimit bool
	PinnedGasPrice bool
	PinnedNonce    *uint64
}

// Executor drives submission attempts and receipt polling with separate
// backoff policies.
type Executor struct {
	client        chain.Client
	reestimator   GasReestimator
	submitPolicy  Policy
	confirmPolicy Policy
	logger        *slog.Logger

	// jitter returns a uniform value in [0.5, 1.0]; injectable for tests.
	jitter func() float64
}

func NewExecutor(client chain.Client, reestimator GasReestimator, submitPolicy, confirmPolicy Policy, logger *slog.Logger) *Executor {
	if submitPolicy.MaxAttempts <= 0 {
		submitPolicy = DefaultSubmitPolicy()
	}
	if confirmPolicy.MaxAttempts <= 0 {
		confirmPolicy = DefaultConfirmPolicy()
	}
	return &Executor{
		client:        client,
		reestimator:   reestimator,
		submitPolicy:  submitPolicy,
		confirmPolicy: confirmPolicy,
		logger:        logger.With("component", "tx_executor"),
		jitter:        func() float64 { return 0.5 + rand.Float64()*0.5 },
	}
}

// Submit signs and broadcasts the request, retrying transient faults with
// bumped fees, refreshed gas, and a refreshed pending nonce. It returns the
// signed transaction whose hash the network accepted.
func (e *Executor) Submit(ctx context.Context, signer TxSigner, req Request) (*types.Transaction, error) {
	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, &SubmitError{Attempts: 0, Fatal: false, Message: Normalize(err), Raw: err}
	}

	var lastErr error
	for attempt := 0; attempt < e.submitPolicy.MaxAttempts; attempt++ {
		plan := req.Plan.Clone()
		if attempt > 0 {
			bumpFees(plan, attempt)
			if !req.PinnedGasLimit && e.reestimator != nil {
				plan.GasLimit = e.reestimator.ReestimateGasLimit(ctx, fees.Draft{
					From:   signer.Address(),
					To:     req.To,
					Amount: req.Amount,
					Data:   req.Data,
				})
			}
		}

		nonce, err := e.nonceFor(ctx, signer.Address(), req)
		if err != nil {
			lastErr = err
		} else {
			var signed *types.Transaction
			signed, lastErr = e.sendOnce(ctx, signer, req, plan, chainID, nonce)
			if lastErr == nil {
				metrics.SubmitAttemptsTotal.WithLabelValues("ok").Inc()
				e.logger.Info("transaction broadcast",
					"hash", signed.Hash().Hex(),
					"nonce", nonce,
					"attempt", attempt+1,
					"gas_limit", plan.GasLimit,
					"price_per_gas", plan.PricePerGas().String(),
				)
				return signed, nil
			}
		}

		decision := Classify(lastErr)
		if !decision.IsTransient() {
			metrics.SubmitAttemptsTotal.WithLabelValues("fatal").Inc()
			e.logger.Warn("submission failed fatally",
				"attempt", attempt+1, "reason", decision.Reason, "error", lastErr)
			return nil, &SubmitError{
				Attempts: attempt + 1,
				Fatal:    true,
				Message:  Normalize(lastErr),
				Raw:      lastErr,
			}
		}

		metrics.SubmitAttemptsTotal.WithLabelValues("retryable").Inc()
		e.logger.Warn("submission attempt failed",
			"attempt", attempt+1, "reason", decision.Reason, "error", lastErr)

		// No sleep after the final attempt.
		if attempt+1 < e.submitPolicy.MaxAttempts {
			if err := e.backoff(ctx, e.submitPolicy, attempt+1); err != nil {
				return nil, &SubmitError{Attempts: attempt + 1, Fatal: true, Message: Normalize(err), Raw: err}
			}
		}
	}

	return nil, &SubmitError{
		Attempts: e.submitPolicy.MaxAttempts,
		Fatal:    false,
		Message:  Normalize(lastErr),
		Raw:      lastErr,
	}
}

// AwaitReceipt polls for the receipt of hash until it is mined with
// requiredConfirmations, the attempt budget runs out, or ctx ends. A
// (nil, nil) return means the outcome is still unresolved; the caller must
// treat that as an inability to confirm, distinct from an on-chain revert
// (which resolves with a receipt whose status reports failure).
func (e *Executor) AwaitReceipt(ctx context.Context, hash common.Hash, requiredConfirmations uint64) (*types.Receipt, error) {
	for attempt := 1; attempt <= e.confirmPolicy.MaxAttempts; attempt++ {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			confirmed, cerr := e.hasConfirmations(ctx, receipt, requiredConfirmations)
			if cerr != nil {
				metrics.ReceiptPollsTotal.WithLabelValues("error").Inc()
				e.logger.Warn("confirmation depth check failed", "hash", hash.Hex(), "error", cerr)
			} else if confirmed {
				metrics.ReceiptPollsTotal.WithLabelValues("resolved").Inc()
				return receipt, nil
			} else {
				metrics.ReceiptPollsTotal.WithLabelValues("unconfirmed").Inc()
			}
		case errors.Is(err, ethereum.NotFound):
			metrics.ReceiptPollsTotal.WithLabelValues("not_mined").Inc()
		case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
			return nil, err
		default:
			// Network faults while waiting are retried like any other
			// poll miss.
			metrics.ReceiptPollsTotal.WithLabelValues("error").Inc()
			e.logger.Warn("receipt poll failed", "hash", hash.Hex(), "attempt", attempt, "error", err)
		}

		if attempt < e.confirmPolicy.MaxAttempts {
			if err := e.backoff(ctx, e.confirmPolicy, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func (e *Executor) hasConfirmations(ctx context.Context, receipt *types.Receipt, required uint64) (bool, error) {
	if required <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined+1 >= required, nil
}

func (e *Executor) nonceFor(ctx context.Context, from common.Address, req Request) (uint64, error) {
	if req.PinnedNonce != nil {
		return *req.PinnedNonce, nil
	}
	// Always read the latest pending nonce so concurrent sends from the
	// same account never self-collide.
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("refresh pending nonce: %w", err)
	}
	return nonce, nil
}

func (e *Executor) sendOnce(ctx context.Context, signer TxSigner, req Request, plan *model.FeePlan, chainID *big.Int, nonce uint64) (*types.Transaction, error) {
	var tx *types.Transaction
	to := req.To
	if plan.Dynamic {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: plan.MaxPriorityFeePerGas,
			GasFeeCap: plan.MaxFeePerGas,
			Gas:       plan.GasLimit,
			To:        &to,
			Value:     req.Amount,
			Data:      req.Data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: plan.GasPrice,
			Gas:      plan.GasLimit,
			To:       &to,
			Value:    req.Amount,
			Data:     req.Data,
		})
	}

	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, err
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (e *Executor) backoff(ctx context.Context, policy Policy, attempt int) error {
	delay := policy.Delay(attempt, e.jitter())
	metrics.SubmitRetryDelaySeconds.Observe(delay.Seconds())
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bumpFees raises the plan's prices by a flat 10% of the original per
// attempt, so each resubmission is priced strictly higher.
func bumpFees(plan *model.FeePlan, attempt int) {
	factor := big.NewInt(int64(100 + feeBumpPercentPerAttempt*attempt))
	hundred := big.NewInt(100)
	bump := func(x *big.Int) *big.Int {
		return new(big.Int).Div(new(big.Int).Mul(x, factor), hundred)
	}
	if plan.Dynamic {
		plan.MaxPriorityFeePerGas = bump(plan.MaxPriorityFeePerGas)
		plan.MaxFeePerGas = bump(plan.MaxFeePerGas)
	} else {
		plan.GasPrice = bump(plan.GasPrice)
	}
}
