// Package keywrap implements the asymmetric key-wrap protocol used to
// escrow a symmetric vault key to a recipient's public key without ever
// exposing it server-side.
//
// Wrap generates an ephemeral P-256 key pair, agrees on a shared secret
// with the recipient's public key via ECDH, derives an AES-256 key with
// HKDF-SHA-256 over a fresh random salt, and seals the payload with
// AES-256-GCM. The serialized wrap context is both the HKDF info and the
// AEAD associated data, binding the ciphertext to its context twice and
// independently: reconstructing the context with so much as a different
// key version makes the unwrap fail authentication.
package keywrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the derived wrapping key (AES-256).
	KeySize = 32
	// SaltSize is the size of the random HKDF salt.
	SaltSize = 32
	// IVSize is the AES-GCM nonce size.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
)

// ErrAuthenticationFailure is returned when an unwrap fails AEAD
// verification. Wrong key, tampered ciphertext, and context mismatch are
// deliberately indistinguishable to the caller.
var ErrAuthenticationFailure = errors.New("keywrap: authentication failure")

// ErrUnknownWrapVersion is returned when a wrapped key carries a wrap
// version this implementation does not recognize.
var ErrUnknownWrapVersion = errors.New("keywrap: unrecognized wrap version")

// WrappedKey is an escrowed symmetric key. Rows derived from it are
// immutable once persisted; rotation supersedes them with new rows.
type WrappedKey struct {
	Ciphertext         []byte
	IV                 []byte
	AuthTag            []byte
	EphemeralPublicKey []byte
	HKDFSalt           []byte
	KeyVersion         uint32
	WrapVersion        WrapVersion
}

// Wrap escrows key to the recipient's P-256 public key under the given
// context. A fresh ephemeral key pair, salt, and IV are generated per call,
// providing forward secrecy across wraps of the same key.
func Wrap(key []byte, recipient *ecdh.PublicKey, context Context) (*WrappedKey, error) {
	if len(key) == 0 {
		return nil, errors.New("keywrap: empty key")
	}
	if context.WrapVersion != WrapVersionECDHP256 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWrapVersion, context.WrapVersion)
	}

	info, err := context.Serialize()
	if err != nil {
		return nil, err
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement failed: %w", err)
	}
	defer Zero(sharedSecret)

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	wrappingKey, err := deriveKey(sharedSecret, salt, info)
	if err != nil {
		return nil, err
	}
	defer Zero(wrappingKey)

	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, key, info)

	return &WrappedKey{
		Ciphertext:         sealed[:len(sealed)-TagSize],
		IV:                 iv,
		AuthTag:            sealed[len(sealed)-TagSize:],
		EphemeralPublicKey: ephemeral.PublicKey().Bytes(),
		HKDFSalt:           salt,
		KeyVersion:         context.KeyVersion,
		WrapVersion:        context.WrapVersion,
	}, nil
}

// Unwrap recovers the escrowed key using the recipient's private key and
// the same context the key was wrapped under. Any divergence between the
// wrap-time and unwrap-time context, a tampered ciphertext, or a wrong
// private key fails with ErrAuthenticationFailure.
//
// The returned key is the single most sensitive secret this system
// handles; callers must Zero it as soon as it has served its purpose.
func Unwrap(wrapped *WrappedKey, recipient *ecdh.PrivateKey, context Context) ([]byte, error) {
	if wrapped.WrapVersion != WrapVersionECDHP256 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWrapVersion, wrapped.WrapVersion)
	}
	if len(wrapped.IV) != IVSize || len(wrapped.AuthTag) != TagSize {
		return nil, ErrAuthenticationFailure
	}

	info, err := context.Serialize()
	if err != nil {
		return nil, err
	}

	ephemeralPub, err := ecdh.P256().NewPublicKey(wrapped.EphemeralPublicKey)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	sharedSecret, err := recipient.ECDH(ephemeralPub)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	defer Zero(sharedSecret)

	wrappingKey, err := deriveKey(sharedSecret, wrapped.HKDFSalt, info)
	if err != nil {
		return nil, err
	}
	defer Zero(wrappingKey)

	aead, err := newGCM(wrappingKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(wrapped.Ciphertext)+TagSize)
	sealed = append(sealed, wrapped.Ciphertext...)
	sealed = append(sealed, wrapped.AuthTag...)

	key, err := aead.Open(nil, wrapped.IV, sealed, info)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return key, nil
}

func deriveKey(secret, salt, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return key, nil
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
