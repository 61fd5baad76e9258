package custodian

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// Cipher encrypts and decrypts key material at rest. Both directions are
// opaque to the rest of the pipeline; a cloud KMS implementation can be
// swapped in without touching callers.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// AESCipher is an AES-256-GCM Cipher. The nonce is prepended to the
// ciphertext.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives a 256-bit key from secret via SHA-256.
func NewAESCipher(secret []byte) (*AESCipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty encryption secret")
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AESCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt key material: %w", err)
	}
	return plaintext, nil
}
