// Package interfaces defines the core types and contracts of the vault
// escrow system. It is the boundary between the cryptographic core, the
// persistence layer, and the request-handling glue; components depend on
// these contracts rather than on each other's implementations.
package interfaces

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/credvault/vault-escrow-backend/keywrap"
)

// WrappedKey is re-exported so higher layers do not import the crypto
// package directly for its data types.
type WrappedKey = keywrap.WrappedKey

// WrapVersion identifies a wrap algorithm suite.
type WrapVersion = keywrap.WrapVersion

// PrincipalID identifies a user account.
type PrincipalID string

// String returns the raw identifier.
func (p PrincipalID) String() string { return string(p) }

// OrgID identifies an organization.
type OrgID string

// String returns the raw identifier.
func (o OrgID) String() string { return string(o) }

// GrantID identifies an emergency access grant.
type GrantID string

// NewGrantID mints a random grant identifier.
func NewGrantID() GrantID {
	return GrantID(uuid.Must(uuid.NewRandom()).String())
}

// String returns the raw identifier.
func (g GrantID) String() string { return string(g) }

// GrantStatus is the lifecycle state of an emergency access grant.
type GrantStatus string

const (
	// GrantPending is the initial state: the invite is out, not yet accepted.
	GrantPending GrantStatus = "PENDING"
	// GrantAccepted means the grantee registered a keypair; the owner has
	// not yet escrowed a key.
	GrantAccepted GrantStatus = "ACCEPTED"
	// GrantIdle means a current-version escrow is in place.
	GrantIdle GrantStatus = "IDLE"
	// GrantRequested means the grantee asked for access and the wait clock
	// is running.
	GrantRequested GrantStatus = "REQUESTED"
	// GrantActivated means the wait period elapsed; the grantee may decrypt.
	GrantActivated GrantStatus = "ACTIVATED"
	// GrantStale means the owner rotated their key after escrow; the wrap
	// no longer matches the current version.
	GrantStale GrantStatus = "STALE"
	// GrantRevoked is terminal: the owner withdrew the grant.
	GrantRevoked GrantStatus = "REVOKED"
	// GrantRejected means the invited party declined.
	GrantRejected GrantStatus = "REJECTED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s GrantStatus) Terminal() bool { return s == GrantRevoked }

// KeyVersionRecord is one generation of a user's personal vault key. The
// wrapped key material and the verification artifact are opaque to the
// server; the artifact is the client's post-rotation self-check, not a
// capability grant.
type KeyVersionRecord struct {
	UserID               PrincipalID
	Version              uint32
	WrappedKey           []byte
	VerificationArtifact []byte
	Verifier             []byte
	PublicKey            []byte
	CreatedAt            time.Time
}

// VaultEntry is a symmetric ciphertext row. AADVersion 0 marks legacy rows
// encrypted before AAD binding; those decrypt without associated data.
type VaultEntry struct {
	ID         string
	KeyVersion uint32
	AADVersion uint8
	IV         []byte
	Ciphertext []byte
	AuthTag    []byte
}

// MemberWrappedKey pairs an organization member with the org key wrapped
// for them at a specific version.
type MemberWrappedKey struct {
	MemberID PrincipalID
	Wrapped  WrappedKey
}

// EmergencyAccessGrant is the escrow relationship between an owner and a
// grantee. Revocation nulls the crypto fields but retains the row for
// audit.
type EmergencyAccessGrant struct {
	ID           GrantID
	OwnerID      PrincipalID
	GranteeID    PrincipalID
	GranteeEmail string
	Status       GrantStatus
	WaitDays     int

	TokenHash      []byte
	TokenExpiresAt time.Time

	RequestedAt   *time.Time
	WaitExpiresAt *time.Time
	RevokedAt     *time.Time

	KeyVersion   uint32
	WrapVersion  WrapVersion
	KeyAlgorithm string
	Wrapped      *WrappedKey

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmailMatches reports whether the given address matches the invite,
// compared case-insensitively.
func (g *EmergencyAccessGrant) EmailMatches(email string) bool {
	return strings.EqualFold(g.GranteeEmail, email)
}

// EmergencyAccessKeyPair is the grantee's grant-scoped ECDH keypair. The
// private half is wrapped under the grantee's own vault key client-side;
// the server stores it opaquely. One row per grant, immutable.
type EmergencyAccessKeyPair struct {
	GrantID           GrantID
	PublicKey         []byte
	WrappedPrivateKey []byte
	CreatedAt         time.Time
}
