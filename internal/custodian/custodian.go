package custodian

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/k-g-j/dynamic-vencura/internal/domain/model"
)

var ErrAccountNotFound = errors.New("account not found")

// AccountSource resolves custodial accounts and their encrypted keys.
type AccountSource interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
}

// Custodian turns an account's encrypted key into a scoped Signer for the
// duration of one operation. Plaintext key material never leaves the
// returned Signer and is never logged or persisted.
type Custodian struct {
	accounts AccountSource
	cipher   Cipher
}

func New(accounts AccountSource, cipher Cipher) *Custodian {
	return &Custodian{accounts: accounts, cipher: cipher}
}

// Signer decrypts the account key in memory and returns a signing
// capability bound to the account's address.
func (c *Custodian) Signer(ctx context.Context, accountID uuid.UUID) (*Signer, error) {
	acct, err := c.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", accountID, err)
	}

	plaintext, err := c.cipher.Decrypt(acct.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unlock account %s: %w", accountID, err)
	}

	key, err := crypto.HexToECDSA(string(plaintext))
	if err != nil {
		return nil, fmt.Errorf("parse account key: %w", err)
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	if acct.Address != "" && common.HexToAddress(acct.Address) != addr {
		return nil, fmt.Errorf("account %s key does not match stored address", accountID)
	}

	return &Signer{key: key, address: addr}, nil
}

// Signer is a short-lived signing capability for one account. It must not
// be retained beyond the operation it was created for.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for the given chain using the EIP-155/London signer.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
