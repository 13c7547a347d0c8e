// Package entrycrypt encrypts and decrypts vault entry payloads with
// AES-256-GCM, binding each ciphertext to its owning context through the
// AAD binder. Rows written before AAD binding existed carry AADVersion 0
// and decrypt without associated data.
package entrycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/credvault/vault-escrow-backend/aadbind"
	"github.com/credvault/vault-escrow-backend/interfaces"
)

const (
	keySize = 32
	ivSize  = 12
	tagSize = 16
)

// ErrInvalidKeySize is returned when the payload key is not 256 bits.
var ErrInvalidKeySize = errors.New("entrycrypt: key must be 32 bytes")

// Encrypt seals plaintext into a VaultEntry bound to the given scope and
// fields at the current AAD version.
func Encrypt(key []byte, entryID string, keyVersion uint32, scope aadbind.Scope, fields []string, plaintext []byte) (interfaces.VaultEntry, error) {
	if len(key) != keySize {
		return interfaces.VaultEntry{}, ErrInvalidKeySize
	}

	aad, err := aadbind.Build(scope, fields)
	if err != nil {
		return interfaces.VaultEntry{}, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return interfaces.VaultEntry{}, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return interfaces.VaultEntry{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, aad)
	return interfaces.VaultEntry{
		ID:         entryID,
		KeyVersion: keyVersion,
		AADVersion: aadbind.Version,
		IV:         iv,
		Ciphertext: sealed[:len(sealed)-tagSize],
		AuthTag:    sealed[len(sealed)-tagSize:],
	}, nil
}

// Decrypt opens an entry with the given key, rebuilding the AAD from the
// scope and fields. Legacy rows (AADVersion 0) are opened without AAD.
// Authentication failure is reported as
// interfaces.ErrAuthenticationFailure with no further detail; the
// attempted plaintext is never part of the error.
func Decrypt(key []byte, entry interfaces.VaultEntry, scope aadbind.Scope, fields []string) ([]byte, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}

	var aad []byte
	if entry.AADVersion >= 1 {
		var err error
		aad, err = aadbind.Build(scope, fields)
		if err != nil {
			return nil, err
		}
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(entry.IV) != ivSize || len(entry.AuthTag) != tagSize {
		return nil, interfaces.ErrAuthenticationFailure
	}

	sealed := make([]byte, 0, len(entry.Ciphertext)+tagSize)
	sealed = append(sealed, entry.Ciphertext...)
	sealed = append(sealed, entry.AuthTag...)

	plaintext, err := aead.Open(nil, entry.IV, sealed, aad)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
