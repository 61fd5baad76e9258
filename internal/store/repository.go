package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyTerminal is returned when a terminal update targets a
	// record that already left the pending state. The pending →
	// {confirmed, failed} transition happens at most once per hash.
	ErrAlreadyTerminal = errors.New("record already in terminal state")
)

// TerminalUpdate carries the fields set when a transfer reaches a terminal
// state. BlockNumber and GasUsed are populated only from a receipt; a
// confirmation timeout leaves both nil.
type TerminalUpdate struct {
	Status      model.TxStatus
	BlockNumber *int64
	GasUsed     *uint64
	FailReason  *string
}

// TransferRepository persists transfer records. Create is called exactly
// once per broadcast hash, UpdateOutcome at most once more.
type TransferRepository interface {
	Create(ctx context.Context, rec *model.TransferRecord) error
	UpdateOutcome(ctx context.Context, txHash string, update TerminalUpdate) error
	GetByHash(ctx context.Context, txHash string) (*model.TransferRecord, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]model.TransferRecord, error)
}

// AccountRepository resolves custodial accounts.
type AccountRepository interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
}
