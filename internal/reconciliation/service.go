// Package reconciliation reconciles persisted transfer state with the
// chain. Confirmation continuations run in-process; a crash or deploy can
// strand records in pending even though the network long since resolved
// them. The reconciler sweeps those records and drives them to the terminal
// state the chain reports.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/k-g-j/dynamic-vencura/internal/alert"
	"github.com/k-g-j/dynamic-vencura/internal/chain"
	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/metrics"
	"github.com/k-g-j/dynamic-vencura/internal/notify"
	"github.com/k-g-j/dynamic-vencura/internal/store"
)

// TransferSource is the slice of the transfer repository the reconciler
// needs.
type TransferSource interface {
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.TransferRecord, error)
	UpdateOutcome(ctx context.Context, txHash string, update store.TerminalUpdate) error
}

type Config struct {
	Interval   time.Duration // sweep cadence
	StaleAfter time.Duration // pending age before a record is swept
	StuckAfter time.Duration // pending age that pages the on-call
	BatchLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 15 * time.Minute
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

// Service sweeps stale pending transfers against chain receipts.
type Service struct {
	client    chain.Client
	transfers TransferSource
	notifier  notify.Notifier
	alerter   alert.Alerter
	cfg       Config
	logger    *slog.Logger
}

func NewService(
	client chain.Client,
	transfers TransferSource,
	notifier notify.Notifier,
	alerter alert.Alerter,
	cfg Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		client:    client,
		transfers: transfers,
		notifier:  notifier,
		alerter:   alerter,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "reconciler"),
	}
}

// Run sweeps on the configured interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("reconciliation sweep failed", "error", err)
				s.sendAlert(ctx, alert.Alert{
					Type:    alert.AlertTypeSweepFailed,
					Title:   "pending transfer sweep",
					Message: err.Error(),
				})
			}
		}
	}
}

// Sweep resolves one batch of stale pending transfers. Records whose
// receipt the chain serves are finalized; records still absent past the
// stuck threshold raise an alert and stay pending for the next sweep.
func (s *Service) Sweep(ctx context.Context) error {
	metrics.ReconcileSweepsTotal.Inc()

	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	records, err := s.transfers.ListPendingBefore(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list stale pending transfers: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reconcile(ctx, rec)
	}
	return nil
}

func (s *Service) reconcile(ctx context.Context, rec model.TransferRecord) {
	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(rec.TxHash))
	switch {
	case err == nil:
		s.finalize(ctx, rec, receipt)

	case errors.Is(err, ethereum.NotFound):
		metrics.ReconcileOutcomesTotal.WithLabelValues("still_pending").Inc()
		pendingFor := time.Since(rec.CreatedAt)
		if pendingFor >= s.cfg.StuckAfter {
			s.logger.Warn("transfer stuck pending",
				"hash", rec.TxHash, "account_id", rec.AccountID, "pending_for", pendingFor.Round(time.Second))
			s.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeTransferStuck,
				Title:   rec.TxHash,
				Message: "Transfer has no receipt past the stuck threshold",
				Fields: map[string]string{
					"account_id":  rec.AccountID.String(),
					"pending_for": pendingFor.Round(time.Second).String(),
				},
			})
		}

	default:
		metrics.ReconcileOutcomesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("receipt lookup failed during sweep", "hash", rec.TxHash, "error", err)
	}
}

// finalize mirrors the confirmation continuation's terminal handling. The
// monotonic store guard makes a race with a live continuation harmless.
func (s *Service) finalize(ctx context.Context, rec model.TransferRecord, receipt *types.Receipt) {
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

	if err := s.transfers.UpdateOutcome(ctx, rec.TxHash, update); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return
		}
		metrics.ReconcileOutcomesTotal.WithLabelValues("error").Inc()
		s.logger.Error("sweep terminal update failed", "hash", rec.TxHash, "error", err)
		return
	}

	metrics.ReconcileOutcomesTotal.WithLabelValues("resolved_" + string(update.Status)).Inc()
	s.logger.Info("stale transfer reconciled",
		"hash", rec.TxHash, "status", update.Status, "block_number", blockNumber)

	event := notify.TransferEvent{
		AccountID:   rec.AccountID,
		TxHash:      rec.TxHash,
		Status:      update.Status,
		BlockNumber: update.BlockNumber,
		GasUsed:     update.GasUsed,
	}
	if update.FailReason != nil {
		event.Error = *update.FailReason
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("reconciliation notification failed", "hash", rec.TxHash, "error", err)
	}
}

func (s *Service) sendAlert(ctx context.Context, a alert.Alert) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Send(ctx, a); err != nil {
		s.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}
