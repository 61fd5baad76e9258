package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/metrics"
)

// TransferEvent is the observer-facing view of a transfer state change.
type TransferEvent struct {
	AccountID   uuid.UUID      `json:"account_id"`
	TxHash      string         `json:"tx_hash"`
	Status      model.TxStatus `json:"status"`
	BlockNumber *int64         `json:"block_number,omitempty"`
	GasUsed     *uint64        `json:"gas_used,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Notifier delivers transfer events to interested observers. Delivery is
// fire-and-forget: a failing notifier must never fail the pipeline.
type Notifier interface {
	Notify(ctx context.Context, event TransferEvent) error
}

// Fanout delivers each event to every channel and deduplicates terminal
// events per hash, so an observer never sees both a timeout notice and a
// later success notice for the same transaction.
type Fanout struct {
	channels []Notifier
	logger   *slog.Logger

	mu           sync.Mutex
	terminalSeen map[string]struct{}
}

func NewFanout(logger *slog.Logger, channels ...Notifier) *Fanout {
	return &Fanout{
		channels:     channels,
		logger:       logger.With("component", "notifier"),
		terminalSeen: make(map[string]struct{}),
	}
}

func (f *Fanout) Notify(ctx context.Context, event TransferEvent) error {
	if event.Status.Terminal() {
		f.mu.Lock()
		if _, dup := f.terminalSeen[event.TxHash]; dup {
			f.mu.Unlock()
			f.logger.Debug("duplicate terminal notification suppressed", "hash", event.TxHash)
			return nil
		}
		f.terminalSeen[event.TxHash] = struct{}{}
		f.mu.Unlock()
	}

	var firstErr error
	for _, ch := range f.channels {
		name := channelName(ch)
		if err := ch.Notify(ctx, event); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			f.logger.Warn("notification delivery failed",
				"channel", name, "hash", event.TxHash, "status", event.Status, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(name, "ok").Inc()
	}
	return firstErr
}

func channelName(n Notifier) string {
	type named interface{ Name() string }
	if v, ok := n.(named); ok {
		return v.Name()
	}
	return fmt.Sprintf("%T", n)
}

// LogNotifier writes events to the structured log. Used as a default
// channel and in development setups without redis.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify_log")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, event TransferEvent) error {
	n.logger.Info("transfer event",
		"account_id", event.AccountID,
		"hash", event.TxHash,
		"status", event.Status,
		"block_number", event.BlockNumber,
		"gas_used", event.GasUsed,
		"error", event.Error,
	)
	return nil
}
