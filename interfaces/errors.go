package interfaces

import (
	"errors"
	"fmt"

	"github.com/credvault/vault-escrow-backend/keywrap"
)

// The escrow core surfaces a closed set of domain errors. Callers match
// them with errors.Is; anything outside the set is an unexpected
// persistence failure and propagates untouched.
var (
	// ErrAuthenticationFailure covers AEAD tag mismatch: wrong key,
	// tampered data, or wrap-context mismatch. The causes are deliberately
	// indistinguishable to avoid oracle attacks.
	ErrAuthenticationFailure = keywrap.ErrAuthenticationFailure

	// ErrVersionConflict means a rotation's expected version did not match
	// the current one. The caller must refetch and retry; the core never
	// retries on its own.
	ErrVersionConflict = errors.New("key version conflict")

	// ErrIncompleteEscrow means a rotation payload is missing the wrap for
	// at least one active member.
	ErrIncompleteEscrow = errors.New("incomplete escrow")

	// ErrInvalidTransition means a grant action is not permitted from the
	// grant's current status.
	ErrInvalidTransition = errors.New("invalid grant transition")

	// ErrExpired covers an expired single-use token or a wait period that
	// has not elapsed. Distinct from ErrAuthenticationFailure.
	ErrExpired = errors.New("expired")

	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// VersionConflictError carries the versions involved in a rejected
// rotation. Matches ErrVersionConflict.
type VersionConflictError struct {
	Expected uint32
	Current  uint32
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("key version conflict: expected current %d, have %d", e.Expected, e.Current)
}

// Is reports a match against ErrVersionConflict.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// IncompleteEscrowError names the active members missing from a rotation
// payload. Matches ErrIncompleteEscrow.
type IncompleteEscrowError struct {
	Missing []PrincipalID
}

func (e *IncompleteEscrowError) Error() string {
	return fmt.Sprintf("incomplete escrow: missing wraps for %v", e.Missing)
}

// Is reports a match against ErrIncompleteEscrow.
func (e *IncompleteEscrowError) Is(target error) bool { return target == ErrIncompleteEscrow }

// InvalidTransitionError identifies the status that rejected an action.
// Matches ErrInvalidTransition.
type InvalidTransitionError struct {
	Status GrantStatus
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %q not permitted from status %s", e.Action, e.Status)
}

// Is reports a match against ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
