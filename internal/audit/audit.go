// Package audit records pipeline events for operational audit trails. Raw
// provider error text belongs here and only here; user-facing surfaces get
// the normalized rewrite instead.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/metrics"
)

// Event types emitted by the transaction pipeline.
const (
	EventTransferSubmitted = "TRANSFER_SUBMITTED"
	EventTransferConfirmed = "TRANSFER_CONFIRMED"
	EventTransferFailed    = "TRANSFER_FAILED"
	EventTransferRejected  = "TRANSFER_REJECTED"
)

// Recorder persists audit entries. Fire-and-forget: failures are the
// caller's to log, never to propagate.
type Recorder interface {
	Record(ctx context.Context, eventType string, accountID uuid.UUID, txHash string, metadata map[string]any) error
}

// LogRecorder writes audit entries to the structured log.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With("component", "audit")}
}

func (r *LogRecorder) Record(_ context.Context, eventType string, accountID uuid.UUID, txHash string, metadata map[string]any) error {
	metrics.AuditEventsTotal.WithLabelValues(eventType).Inc()
	r.logger.Info("audit event",
		"event_type", eventType,
		"account_id", accountID,
		"tx_hash", txHash,
		"metadata", metadata,
	)
	return nil
}

// Execer is the slice of *sql.DB the postgres recorder needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresRecorder persists audit entries to the audit_events table.
type PostgresRecorder struct {
	db     Execer
	logger *slog.Logger
}

func NewPostgresRecorder(db Execer, logger *slog.Logger) *PostgresRecorder {
	return &PostgresRecorder{db: db, logger: logger.With("component", "audit")}
}

func (r *PostgresRecorder) Record(ctx context.Context, eventType string, accountID uuid.UUID, txHash string, metadata map[string]any) error {
	metrics.AuditEventsTotal.WithLabelValues(eventType).Inc()

	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, account_id, tx_hash, metadata)
		VALUES ($1, $2, $3, $4)
	`, eventType, accountID, nullable(txHash), payload); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
