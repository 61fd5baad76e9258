package txretry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/fees"
	"github.com/k-g-j/dynamic-vencura/internal/testutil"
)

type testSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *testSigner) Address() common.Address {
	return s.address
}

func (s *testSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

type fixedReestimator struct {
	limit uint64
	calls atomic.Int32
}

func (f *fixedReestimator) ReestimateGasLimit(context.Context, fees.Draft) uint64 {
	f.calls.Add(1)
	return f.limit
}

func gweiAmount(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9))
}

func fastSubmitPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		BackoffCap:        5 * time.Millisecond,
	}
}

func fastConfirmPolicy() Policy {
	return fastSubmitPolicy()
}

func newTestExecutor(stub *testutil.ChainStub, reestimator GasReestimator) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewExecutor(stub, reestimator, fastSubmitPolicy(), fastConfirmPolicy(), logger)
	e.jitter = func() float64 { return 1.0 }
	return e
}

func legacyPlan() *model.FeePlan {
	plan := &model.FeePlan{
		GasLimit: 25200,
		GasPrice: gweiAmount(30),
	}
	plan.EstimatedCost = new(big.Int).Mul(big.NewInt(int64(plan.GasLimit)), plan.GasPrice)
	return plan
}

func legacyRequest() Request {
	return Request{
		To:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Amount: big.NewInt(1e15),
		Plan:   legacyPlan(),
	}
}

func TestPolicy_Delay(t *testing.T) {
	policy := Policy{
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        30 * time.Second,
	}

	assert.Equal(t, time.Second, policy.Delay(1, 1.0))
	assert.Equal(t, 2*time.Second, policy.Delay(2, 1.0))
	assert.Equal(t, 4*time.Second, policy.Delay(3, 1.0))
	assert.Equal(t, 500*time.Millisecond, policy.Delay(1, 0.5))

	// The cap bounds growth before jitter is applied.
	assert.Equal(t, 30*time.Second, policy.Delay(10, 1.0))
	assert.Equal(t, 15*time.Second, policy.Delay(10, 0.5))
}

func TestSubmit_FirstAttemptSuccess(t *testing.T) {
	stub := testutil.NewChainStub()
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	signed, err := executor.Submit(context.Background(), signer, legacyRequest())

	require.NoError(t, err)
	require.NotNil(t, signed)

	sent := stub.SentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, gweiAmount(30).String(), sent[0].GasPrice().String(), "first attempt carries the unbumped price")
	assert.Equal(t, signed.Hash(), sent[0].Hash())
	assert.Equal(t, 1, stub.NonceCalls())
}

func TestSubmit_TransientFaultsExhaustWithRisingFees(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("transaction underpriced: tip needed 1000000, tip permitted 0")
	}
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	_, err := executor.Submit(context.Background(), signer, legacyRequest())

	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	assert.Equal(t, 3, submitErr.Attempts)
	assert.False(t, submitErr.Fatal)
	assert.Equal(t,
		"The transaction fee was too low for the network to accept, please retry with a higher fee.",
		submitErr.Message)
	assert.ErrorContains(t, submitErr.Raw, "transaction underpriced")

	sent := stub.SentTxs()
	require.Len(t, sent, 3)
	assert.Equal(t, gweiAmount(30).String(), sent[0].GasPrice().String())
	assert.Equal(t, gweiAmount(33).String(), sent[1].GasPrice().String(), "flat 10% of original per attempt")
	assert.Equal(t, gweiAmount(36).String(), sent[2].GasPrice().String())
}

func TestSubmit_DynamicPlanBumpsBothCaps(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("replacement transaction underpriced")
	}
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	req := legacyRequest()
	req.Plan = &model.FeePlan{
		GasLimit:             25200,
		Dynamic:              true,
		MaxPriorityFeePerGas: gweiAmount(2),
		MaxFeePerGas:         gweiAmount(22),
	}

	_, err := executor.Submit(context.Background(), signer, req)
	require.Error(t, err)

	sent := stub.SentTxs()
	require.Len(t, sent, 3)
	assert.Equal(t, uint8(types.DynamicFeeTxType), sent[0].Type())
	assert.Equal(t, gweiAmount(2).String(), sent[0].GasTipCap().String())
	assert.Equal(t, "2200000000", sent[1].GasTipCap().String())
	assert.Equal(t, "24200000000", sent[1].GasFeeCap().String())
	assert.Equal(t, "2400000000", sent[2].GasTipCap().String())
	assert.Equal(t, "26400000000", sent[2].GasFeeCap().String())
}

func TestSubmit_FatalFaultAbortsImmediately(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("insufficient funds for gas * price + value")
	}
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	started := time.Now()
	_, err := executor.Submit(context.Background(), signer, legacyRequest())

	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	assert.Equal(t, 1, submitErr.Attempts)
	assert.True(t, submitErr.Fatal)
	assert.Equal(t, "Insufficient funds to cover the transfer amount and network fees.", submitErr.Message)
	assert.Len(t, stub.SentTxs(), 1)
	assert.Less(t, time.Since(started), 500*time.Millisecond, "no backoff before a fatal return")
}

func TestSubmit_NonceRefreshedPerAttempt(t *testing.T) {
	stub := testutil.NewChainStub()
	var next atomic.Uint64
	next.Store(5)
	stub.NonceFn = func(common.Address) (uint64, error) {
		return next.Add(1) - 1, nil
	}
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("nonce too low: next nonce 7, tx nonce 3")
	}
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	_, err := executor.Submit(context.Background(), signer, legacyRequest())
	require.Error(t, err)

	sent := stub.SentTxs()
	require.Len(t, sent, 3)
	assert.Equal(t, uint64(5), sent[0].Nonce())
	assert.Equal(t, uint64(6), sent[1].Nonce())
	assert.Equal(t, uint64(7), sent[2].Nonce())
	assert.Equal(t, 3, stub.NonceCalls())
}

func TestSubmit_PinnedNonceNeverRefreshed(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("transaction underpriced")
	}
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	pinned := uint64(9)
	req := legacyRequest()
	req.PinnedNonce = &pinned

	_, err := executor.Submit(context.Background(), signer, req)
	require.Error(t, err)

	for _, tx := range stub.SentTxs() {
		assert.Equal(t, pinned, tx.Nonce())
	}
	assert.Equal(t, 0, stub.NonceCalls())
}

func TestSubmit_GasReestimatedOnRetries(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("intrinsic gas too low: have 25200, want 53000")
	}
	reestimator := &fixedReestimator{limit: 63600}
	executor := newTestExecutor(stub, reestimator)
	signer := newTestSigner(t)

	_, err := executor.Submit(context.Background(), signer, legacyRequest())
	require.Error(t, err)

	sent := stub.SentTxs()
	require.Len(t, sent, 3)
	assert.Equal(t, uint64(25200), sent[0].Gas())
	assert.Equal(t, uint64(63600), sent[1].Gas())
	assert.Equal(t, uint64(63600), sent[2].Gas())
	assert.Equal(t, int32(2), reestimator.calls.Load())
}

func TestSubmit_PinnedGasLimitSkipsReestimation(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return errors.New("transaction underpriced")
	}
	reestimator := &fixedReestimator{limit: 63600}
	executor := newTestExecutor(stub, reestimator)
	signer := newTestSigner(t)

	req := legacyRequest()
	req.PinnedGasLimit = true

	_, err := executor.Submit(context.Background(), signer, req)
	require.Error(t, err)

	for _, tx := range stub.SentTxs() {
		assert.Equal(t, uint64(25200), tx.Gas())
	}
	assert.Equal(t, int32(0), reestimator.calls.Load())
}

func TestSubmit_CanceledContextIsFatal(t *testing.T) {
	stub := testutil.NewChainStub()
	stub.SendFn = func(*types.Transaction) error {
		return context.Canceled
	}
	executor := newTestExecutor(stub, nil)
	signer := newTestSigner(t)

	_, err := executor.Submit(context.Background(), signer, legacyRequest())

	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	assert.True(t, submitErr.Fatal)
	assert.Equal(t, 1, submitErr.Attempts)
}

func TestAwaitReceipt_ResolvesAfterPolls(t *testing.T) {
	stub := testutil.NewChainStub()
	var polls atomic.Int32
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90), GasUsed: 21000}
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) {
		if polls.Add(1) < 3 {
			return nil, ethereum.NotFound
		}
		return receipt, nil
	}
	executor := newTestExecutor(stub, nil)

	got, err := executor.AwaitReceipt(context.Background(), common.HexToHash("0x01"), 1)

	require.NoError(t, err)
	require.Same(t, receipt, got)
	assert.Equal(t, int32(3), polls.Load())
}

func TestAwaitReceipt_UnresolvedReturnsNilNil(t *testing.T) {
	stub := testutil.NewChainStub()
	executor := newTestExecutor(stub, nil)

	receipt, err := executor.AwaitReceipt(context.Background(), common.HexToHash("0x01"), 1)

	assert.Nil(t, receipt)
	assert.NoError(t, err, "an exhausted budget is not an error, it is an unresolved outcome")
}

func TestAwaitReceipt_WaitsForConfirmationDepth(t *testing.T) {
	stub := testutil.NewChainStub()
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) { return receipt, nil }
	var heads atomic.Int32
	stub.BlockNumberFn = func() (uint64, error) {
		if heads.Add(1) == 1 {
			return 100, nil
		}
		return 102, nil
	}
	executor := newTestExecutor(stub, nil)

	got, err := executor.AwaitReceipt(context.Background(), common.HexToHash("0x01"), 3)

	require.NoError(t, err)
	require.Same(t, receipt, got)
	assert.Equal(t, int32(2), heads.Load(), "depth reached only once the head advanced")
}

func TestAwaitReceipt_PollErrorsAreRetried(t *testing.T) {
	stub := testutil.NewChainStub()
	var polls atomic.Int32
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90)}
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) {
		if polls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return receipt, nil
	}
	executor := newTestExecutor(stub, nil)

	got, err := executor.AwaitReceipt(context.Background(), common.HexToHash("0x01"), 1)

	require.NoError(t, err)
	require.Same(t, receipt, got)
}

func TestAwaitReceipt_CanceledContextStopsPolling(t *testing.T) {
	stub := testutil.NewChainStub()
	ctx, cancel := context.WithCancel(context.Background())
	stub.ReceiptFn = func(common.Hash) (*types.Receipt, error) {
		cancel()
		return nil, ethereum.NotFound
	}
	executor := newTestExecutor(stub, nil)

	_, err := executor.AwaitReceipt(ctx, common.HexToHash("0x01"), 1)

	assert.ErrorIs(t, err, context.Canceled)
}
