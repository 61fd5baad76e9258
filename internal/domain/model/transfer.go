package model

import (
	"time"

	"github.com/google/uuid"
)

type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

func (s TxStatus) String() string {
	return string(s)
}

// Terminal reports whether the status is a final state. A record in a
// terminal state is never mutated again.
func (s TxStatus) Terminal() bool {
	return s == TxStatusConfirmed || s == TxStatusFailed
}

// CanTransitionTo enforces the pending → {confirmed, failed} lifecycle.
func (s TxStatus) CanTransitionTo(next TxStatus) bool {
	return s == TxStatusPending && next.Terminal()
}

// TransferRecord is one outbound transfer attempt. A record is created only
// after broadcast yields a hash and is mutated exactly once more, by the
// confirmation continuation, when it reaches a terminal state.
type TransferRecord struct {
	ID          uuid.UUID `db:"id"`
	AccountID   uuid.UUID `db:"account_id"`
	TxHash      string    `db:"tx_hash"`
	ToAddress   string    `db:"to_address"`
	Amount      string    `db:"amount"` // wei, NUMERIC(78,0) as string
	Status      TxStatus  `db:"status"`
	GasUsed     *uint64   `db:"gas_used"`
	GasPrice    *string   `db:"gas_price"` // wei as string, present if caller pinned it
	BlockNumber *int64    `db:"block_number"`
	FailReason  *string   `db:"fail_reason"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Account is a custodial account owning one signing key. The key is stored
// encrypted; plaintext exists only inside a scoped signer.
type Account struct {
	ID           uuid.UUID `db:"id"`
	Address      string    `db:"address"`
	EncryptedKey []byte    `db:"encrypted_key"`
	CreatedAt    time.Time `db:"created_at"`
}
