package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
	"github.com/k-g-j/dynamic-vencura/internal/store"
)

type AccountRepo struct {
	db *DB
}

func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	acct := &model.Account{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, address, encrypted_key, created_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&acct.ID, &acct.Address, &acct.EncryptedKey, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}
