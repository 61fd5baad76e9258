package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/store"
)

type TransferRepo struct {
	db *DB
}

func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

func (r *TransferRepo) Create(ctx context.Context, rec *model.TransferRecord) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO transfer_records (id, account_id, tx_hash, to_address, amount, status, gas_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, rec.ID, rec.AccountID, rec.TxHash, rec.ToAddress, rec.Amount, rec.Status, rec.GasPrice,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer record: %w", err)
	}
	return nil
}

// UpdateOutcome moves a pending record to a terminal state. The WHERE
// guard makes the transition monotonic: a record that already left
// pending is never flipped again.
func (r *TransferRepo) UpdateOutcome(ctx context.Context, txHash string, update store.TerminalUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE transfer_records
		SET status = $2, block_number = $3, gas_used = $4, fail_reason = $5, updated_at = now()
		WHERE tx_hash = $1 AND status = 'PENDING'
	`, txHash, update.Status, update.BlockNumber, update.GasUsed, update.FailReason)
	if err != nil {
		return fmt.Errorf("update transfer outcome: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer outcome: rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.GetByHash(ctx, txHash); errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrAlreadyTerminal
	}
	return nil
}

func (r *TransferRepo) GetByHash(ctx context.Context, txHash string) (*model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rec := &model.TransferRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, tx_hash, to_address, amount, status,
		       gas_used, gas_price, block_number, fail_reason, created_at, updated_at
		FROM transfer_records
		WHERE tx_hash = $1
	`, txHash).Scan(
		&rec.ID, &rec.AccountID, &rec.TxHash, &rec.ToAddress, &rec.Amount, &rec.Status,
		&rec.GasUsed, &rec.GasPrice, &rec.BlockNumber, &rec.FailReason, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer by hash: %w", err)
	}
	return rec, nil
}

// ListPendingBefore returns pending records created before cutoff, oldest
// first. The reconciler uses it to find transfers whose confirmation
// continuation died with the process.
func (r *TransferRepo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, tx_hash, to_address, amount, status,
		       gas_used, gas_price, block_number, fail_reason, created_at, updated_at
		FROM transfer_records
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transfers: %w", err)
	}
	defer rows.Close()

	var records []model.TransferRecord
	for rows.Next() {
		var rec model.TransferRecord
		if err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.TxHash, &rec.ToAddress, &rec.Amount, &rec.Status,
			&rec.GasUsed, &rec.GasPrice, &rec.BlockNumber, &rec.FailReason, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending transfer: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *TransferRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, tx_hash, to_address, amount, status,
		       gas_used, gas_price, block_number, fail_reason, created_at, updated_at
		FROM transfer_records
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var records []model.TransferRecord
	for rows.Next() {
		var rec model.TransferRecord
		if err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.TxHash, &rec.ToAddress, &rec.Amount, &rec.Status,
			&rec.GasUsed, &rec.GasPrice, &rec.BlockNumber, &rec.FailReason, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
