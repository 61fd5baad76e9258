package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/k-g-j/dynamic-vencura/internal/audit"
	"github.com/k-g-j/dynamic-vencura/internal/chain"
	"github.com/k-g-j/dynamic-vencura/internal/custodian"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/fees"
	"github.com/k-g-j/dynamic-vencura/internal/metrics"
	"github.com/k-g-j/dynamic-vencura/internal/notify"
	"github.com/k-g-j/dynamic-vencura/internal/store"
	"github.com/k-g-j/dynamic-vencura/internal/txretry"
)

var (
	ErrInvalidAddress = errors.New("invalid recipient address")
	ErrInvalidAmount  = errors.New("transfer amount must be positive")
)

const confirmationTimeoutReason = "confirmation timeout"

// InsufficientBalanceError is raised before any network submission when the
// account cannot cover amount plus the worst-case fee. It is never retried.
type InsufficientBalanceError struct {
	Balance  *big.Int
	Required *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s wei, need %s wei including fees",
		e.Balance.String(), e.Required.String())
}

type Config struct {
	RequiredConfirmations uint64

	// Transfer-size thresholds deriving the fee urgency hint.
	SmallTransferWei *big.Int
	LargeTransferWei *big.Int
}

func (c Config) withDefaults() Config {
	if c.RequiredConfirmations == 0 {
		c.RequiredConfirmations = 1
	}
	if c.SmallTransferWei == nil {
		c.SmallTransferWei = big.NewInt(1e16) // 0.01 ether
	}
	if c.LargeTransferWei == nil {
		c.LargeTransferWei = big.NewInt(1e18) // 1 ether
	}
	return c
}

// SendRequest is one validated transfer order. GasLimit and GasPriceWei pin
// the respective parameter across all retry attempts when set.
type SendRequest struct {
	AccountID   uuid.UUID
	To          string
	Amount      *big.Int
	GasLimit    *uint64
	GasPriceWei *big.Int
}

// SendResult is returned to the caller as soon as the transaction is
// broadcast and recorded; later state is observable only via the store or
// the notification stream.
type SendResult struct {
	RecordID uuid.UUID
	TxHash   string
	Status   model.TxStatus
}

// Orchestrator composes the submission pipeline: validate → sign → submit
// with retry → persist pending → detached confirmation.
type Orchestrator struct {
	client    chain.Client
	custodian *custodian.Custodian
	estimator *fees.Estimator
	executor  *txretry.Executor
	transfers store.TransferRepository
	notifier  notify.Notifier
	auditor   audit.Recorder
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer

	confirmations sync.WaitGroup
}

func New(
	client chain.Client,
	keyCustodian *custodian.Custodian,
	estimator *fees.Estimator,
	executor *txretry.Executor,
	transfers store.TransferRepository,
	notifier notify.Notifier,
	auditor audit.Recorder,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		client:    client,
		custodian: keyCustodian,
		estimator: estimator,
		executor:  executor,
		transfers: transfers,
		notifier:  notifier,
		auditor:   auditor,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "orchestrator"),
		tracer:    otel.Tracer("orchestrator"),
	}
}

// Send validates, prices, signs, and broadcasts a transfer, persists the
// pending record, and returns without waiting for confirmation. The
// confirmation continuation runs detached.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Send",
		trace.WithAttributes(attribute.String("account_id", req.AccountID.String())))
	defer span.End()

	if !common.IsHexAddress(req.To) {
		metrics.SendsTotal.WithLabelValues("validation_failed").Inc()
		return nil, ErrInvalidAddress
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		metrics.SendsTotal.WithLabelValues("validation_failed").Inc()
		return nil, ErrInvalidAmount
	}
	to := common.HexToAddress(req.To)

	signer, err := o.custodian.Signer(ctx, req.AccountID)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}

	draft := fees.Draft{From: signer.Address(), To: to, Amount: req.Amount}
	plan, pinnedGas, pinnedPrice := o.buildPlan(ctx, draft, req)

	if err := o.checkBalance(ctx, signer.Address(), req.Amount, plan.EstimatedCost); err != nil {
		metrics.SendsTotal.WithLabelValues("insufficient_balance").Inc()
		o.record(ctx, audit.EventTransferRejected, req.AccountID, "", map[string]any{
			"to":     to.Hex(),
			"amount": req.Amount.String(),
			"reason": err.Error(),
		})
		return nil, err
	}

	signed, err := o.executor.Submit(ctx, signer, txretry.Request{
		To:             to,
		Amount:         req.Amount,
		Plan:           plan,
		PinnedGasLimit: pinnedGas,
		PinnedGasPrice: pinnedPrice,
	})
	if err != nil {
		// Nothing was broadcast under this hash; no record is persisted.
		metrics.SendsTotal.WithLabelValues("submit_failed").Inc()
		o.record(ctx, audit.EventTransferRejected, req.AccountID, "", map[string]any{
			"to":     to.Hex(),
			"amount": req.Amount.String(),
			"reason": rawReason(err),
		})
		return nil, err
	}

	rec := &model.TransferRecord{
		ID:        uuid.New(),
		AccountID: req.AccountID,
		TxHash:    signed.Hash().Hex(),
		ToAddress: to.Hex(),
		Amount:    req.Amount.String(),
		Status:    model.TxStatusPending,
	}
	if pinnedPrice {
		price := req.GasPriceWei.String()
		rec.GasPrice = &price
	}
	if err := o.transfers.Create(ctx, rec); err != nil {
		metrics.SendsTotal.WithLabelValues("persist_failed").Inc()
		o.logger.Error("transfer broadcast but record not persisted",
			"hash", rec.TxHash, "account_id", req.AccountID, "error", err)
		return nil, fmt.Errorf("transfer %s broadcast but not recorded: %w", rec.TxHash, err)
	}

	o.record(ctx, audit.EventTransferSubmitted, req.AccountID, rec.TxHash, map[string]any{
		"to":            to.Hex(),
		"amount":        req.Amount.String(),
		"gas_limit":     plan.GasLimit,
		"price_per_gas": plan.PricePerGas().String(),
		"congestion":    string(plan.Congestion),
	})
	o.notify(ctx, notify.TransferEvent{
		AccountID: req.AccountID,
		TxHash:    rec.TxHash,
		Status:    model.TxStatusPending,
	})

	// The caller must never block on confirmation: the continuation runs
	// on a detached context that survives the request.
	o.confirmations.Add(1)
	go o.confirm(context.WithoutCancel(ctx), req.AccountID, signed.Hash(), to)

	metrics.SendsTotal.WithLabelValues("ok").Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	o.logger.Info("transfer accepted",
		"hash", rec.TxHash,
		"account_id", req.AccountID,
		"to", to.Hex(),
		"amount_wei", req.Amount.String(),
	)
	return &SendResult{RecordID: rec.ID, TxHash: rec.TxHash, Status: model.TxStatusPending}, nil
}

// WaitForConfirmations blocks until all detached continuations finish.
// Used by shutdown and tests.
func (o *Orchestrator) WaitForConfirmations() {
	o.confirmations.Wait()
}

// buildPlan prices the transfer. Caller-pinned parameters skip estimation
// for that parameter; if both are pinned no estimator call is made and the
// worst case is exactly limit × price.
func (o *Orchestrator) buildPlan(ctx context.Context, draft fees.Draft, req SendRequest) (plan *model.FeePlan, pinnedGas, pinnedPrice bool) {
	pinnedGas = req.GasLimit != nil
	pinnedPrice = req.GasPriceWei != nil

	if pinnedGas && pinnedPrice {
		plan = &model.FeePlan{
			GasLimit:   *req.GasLimit,
			GasPrice:   new(big.Int).Set(req.GasPriceWei),
			Congestion: model.CongestionMedium,
		}
	} else {
		plan = o.estimator.Estimate(ctx, draft, o.urgencyFor(req.Amount))
		if pinnedGas {
			plan.GasLimit = *req.GasLimit
		}
		if pinnedPrice {
			plan.Dynamic = false
			plan.GasPrice = new(big.Int).Set(req.GasPriceWei)
			plan.MaxFeePerGas = nil
			plan.MaxPriorityFeePerGas = nil
		}
	}
	plan.EstimatedCost = new(big.Int).Mul(new(big.Int).SetUint64(plan.GasLimit), plan.PricePerGas())
	return plan, pinnedGas, pinnedPrice
}

func (o *Orchestrator) checkBalance(ctx context.Context, from common.Address, amount, cost *big.Int) error {
	balance, err := o.client.BalanceAt(ctx, from)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	required := new(big.Int).Add(amount, cost)
	if balance.Cmp(required) < 0 {
		return &InsufficientBalanceError{Balance: balance, Required: required}
	}
	return nil
}

// urgencyFor maps transfer size to a pricing urgency: small transfers ride
// cheap, large ones pay for speed.
func (o *Orchestrator) urgencyFor(amount *big.Int) model.Urgency {
	switch {
	case amount.Cmp(o.cfg.SmallTransferWei) < 0:
		return model.UrgencyLow
	case amount.Cmp(o.cfg.LargeTransferWei) < 0:
		return model.UrgencyMedium
	default:
		return model.UrgencyHigh
	}
}

// confirm is the background continuation that drives one broadcast
// transaction to its terminal state. Each of its outcomes updates the
// record, emits one notification, and writes one audit entry; nothing is
// re-raised since the original caller is long gone.
func (o *Orchestrator) confirm(ctx context.Context, accountID uuid.UUID, hash common.Hash, to common.Address) {
	defer o.confirmations.Done()
	ctx, span := o.tracer.Start(ctx, "orchestrator.confirm",
		trace.WithAttributes(attribute.String("tx_hash", hash.Hex())))
	defer span.End()

	receipt, err := o.executor.AwaitReceipt(ctx, hash, o.cfg.RequiredConfirmations)
	switch {
	case err != nil:
		reason := txretry.Normalize(err)
		o.finalize(ctx, accountID, hash.Hex(), store.TerminalUpdate{
			Status:     model.TxStatusFailed,
			FailReason: &reason,
		}, map[string]any{"raw_error": err.Error()})

	case receipt == nil:
		// Retry budget exhausted without a receipt: unresolved, recorded
		// as failed, distinct from an on-chain revert by its missing
		// block data.
		reason := confirmationTimeoutReason
		o.finalize(ctx, accountID, hash.Hex(), store.TerminalUpdate{
			Status:     model.TxStatusFailed,
			FailReason: &reason,
		}, nil)

	default:
		o.estimator.ObserveGasUsed(to, receipt.GasUsed)
		blockNumber := receipt.BlockNumber.Int64()
		gasUsed := receipt.GasUsed
		update := store.TerminalUpdate{
			Status:      model.TxStatusConfirmed,
			BlockNumber: &blockNumber,
			GasUsed:     &gasUsed,
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			update.Status = model.TxStatusFailed
			reason := "The transaction was rejected during execution."
			update.FailReason = &reason
		}
		o.finalize(ctx, accountID, hash.Hex(), update, map[string]any{
			"block_number": blockNumber,
			"gas_used":     gasUsed,
		})
	}
}

// finalize applies the terminal update exactly once. A record that already
// left pending (a duplicate continuation) produces no second notification.
func (o *Orchestrator) finalize(ctx context.Context, accountID uuid.UUID, txHash string, update store.TerminalUpdate, metadata map[string]any) {
	if err := o.transfers.UpdateOutcome(ctx, txHash, update); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			o.logger.Warn("duplicate terminal update skipped", "hash", txHash, "status", update.Status)
			return
		}
		o.logger.Error("terminal update failed", "hash", txHash, "status", update.Status, "error", err)
		return
	}

	metrics.ConfirmationsTotal.WithLabelValues(string(update.Status)).Inc()

	event := notify.TransferEvent{
		AccountID:   accountID,
		TxHash:      txHash,
		Status:      update.Status,
		BlockNumber: update.BlockNumber,
		GasUsed:     update.GasUsed,
	}
	eventType := audit.EventTransferConfirmed
	if update.Status == model.TxStatusFailed {
		eventType = audit.EventTransferFailed
		if update.FailReason != nil {
			event.Error = *update.FailReason
		}
	}
	o.notify(ctx, event)

	if metadata == nil {
		metadata = map[string]any{}
	}
	if update.FailReason != nil {
		metadata["reason"] = *update.FailReason
	}
	o.record(ctx, eventType, accountID, txHash, metadata)

	o.logger.Info("transfer finalized",
		"hash", txHash,
		"status", update.Status,
		"block_number", update.BlockNumber,
	)
}

// notify and record never fail the pipeline.
func (o *Orchestrator) notify(ctx context.Context, event notify.TransferEvent) {
	if err := o.notifier.Notify(ctx, event); err != nil {
		o.logger.Warn("notification failed", "hash", event.TxHash, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, eventType string, accountID uuid.UUID, txHash string, metadata map[string]any) {
	if err := o.auditor.Record(ctx, eventType, accountID, txHash, metadata); err != nil {
		o.logger.Warn("audit record failed", "event_type", eventType, "hash", txHash, "error", err)
	}
}

// rawReason surfaces the provider error for audit metadata, preferring the
// wrapped raw error over the normalized message.
func rawReason(err error) string {
	var submitErr *txretry.SubmitError
	if errors.As(err, &submitErr) && submitErr.Raw != nil {
		return submitErr.Raw.Error()
	}
	return err.Error()
}
