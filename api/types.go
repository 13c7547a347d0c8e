// Package api defines the wire types shared by the vault HTTP handlers and
// their clients. All binary fields are base64 in JSON; key material appears
// only wrapped or encrypted, with two deliberate exceptions (escrow
// confirmation and the emergency vault read) where the protocol itself
// moves a key through the server.
package api

import (
	"time"

	"github.com/credvault/vault-escrow-backend/interfaces"
)

// Identity headers set by the upstream authentication gateway. Handlers
// trust them as already validated.
const (
	// PrincipalHeader carries the authenticated principal's identifier.
	PrincipalHeader = "X-Vault-Principal"

	// EmailHeader carries the authenticated principal's email address.
	EmailHeader = "X-Vault-Email"
)

// WrappedKeyDTO is the JSON form of a wrapped key.
type WrappedKeyDTO struct {
	Ciphertext         []byte `json:"ciphertext"`
	IV                 []byte `json:"iv"`
	AuthTag            []byte `json:"auth_tag"`
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	HKDFSalt           []byte `json:"hkdf_salt"`
	KeyVersion         uint32 `json:"key_version"`
	WrapVersion        uint8  `json:"wrap_version"`
}

// ToWrappedKey converts the DTO to its domain form.
func (d WrappedKeyDTO) ToWrappedKey() interfaces.WrappedKey {
	return interfaces.WrappedKey{
		Ciphertext:         d.Ciphertext,
		IV:                 d.IV,
		AuthTag:            d.AuthTag,
		EphemeralPublicKey: d.EphemeralPublicKey,
		HKDFSalt:           d.HKDFSalt,
		KeyVersion:         d.KeyVersion,
		WrapVersion:        interfaces.WrapVersion(d.WrapVersion),
	}
}

// NewWrappedKeyDTO converts a domain wrapped key to its JSON form.
func NewWrappedKeyDTO(w interfaces.WrappedKey) WrappedKeyDTO {
	return WrappedKeyDTO{
		Ciphertext:         w.Ciphertext,
		IV:                 w.IV,
		AuthTag:            w.AuthTag,
		EphemeralPublicKey: w.EphemeralPublicKey,
		HKDFSalt:           w.HKDFSalt,
		KeyVersion:         w.KeyVersion,
		WrapVersion:        uint8(w.WrapVersion),
	}
}

// VaultEntryDTO is the JSON form of one encrypted vault entry.
type VaultEntryDTO struct {
	ID         string `json:"id"`
	KeyVersion uint32 `json:"key_version"`
	AADVersion uint8  `json:"aad_version"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"auth_tag"`
}

// ToVaultEntry converts the DTO to its domain form.
func (d VaultEntryDTO) ToVaultEntry() interfaces.VaultEntry {
	return interfaces.VaultEntry{
		ID:         d.ID,
		KeyVersion: d.KeyVersion,
		AADVersion: d.AADVersion,
		IV:         d.IV,
		Ciphertext: d.Ciphertext,
		AuthTag:    d.AuthTag,
	}
}

// NewVaultEntryDTO converts a domain entry to its JSON form.
func NewVaultEntryDTO(e interfaces.VaultEntry) VaultEntryDTO {
	return VaultEntryDTO{
		ID:         e.ID,
		KeyVersion: e.KeyVersion,
		AADVersion: e.AADVersion,
		IV:         e.IV,
		Ciphertext: e.Ciphertext,
		AuthTag:    e.AuthTag,
	}
}

// PersonalRotationRequest rotates (or enrolls) a user's personal vault key.
type PersonalRotationRequest struct {
	OldVerifier             []byte `json:"old_verifier,omitempty"`
	NewWrappedKey           []byte `json:"new_wrapped_key"`
	NewVerificationArtifact []byte `json:"new_verification_artifact"`
	NewVerifier             []byte `json:"new_verifier"`
	NewPublicKey            []byte `json:"new_public_key,omitempty"`
}

// RotationResponse reports the version a rotation minted.
type RotationResponse struct {
	Version uint32 `json:"version"`
}

// KeyVersionResponse is the user's current key version record as the
// client needs it for login and self-check.
type KeyVersionResponse struct {
	Version              uint32 `json:"version"`
	WrappedKey           []byte `json:"wrapped_key"`
	VerificationArtifact []byte `json:"verification_artifact"`
	PublicKey            []byte `json:"public_key,omitempty"`
}

// OrgRotationRequest rotates an organization vault key.
type OrgRotationRequest struct {
	ExpectedCurrentVersion uint32          `json:"expected_current_version"`
	Entries                []VaultEntryDTO `json:"entries"`
	MemberWraps            []MemberWrapDTO `json:"member_wraps"`
}

// MemberWrapDTO pairs a member with the org key wrapped for them.
type MemberWrapDTO struct {
	MemberID string        `json:"member_id"`
	Wrapped  WrappedKeyDTO `json:"wrapped"`
}

// DistributeKeyRequest hands the current org key to a late-joining member.
type DistributeKeyRequest struct {
	Wrapped WrappedKeyDTO `json:"wrapped"`
}

// AddMemberRequest adds an active member to an organization.
type AddMemberRequest struct {
	MemberID string `json:"member_id"`
}

// CreateGrantRequest invites an emergency contact.
type CreateGrantRequest struct {
	GranteeEmail string `json:"grantee_email"`
	WaitDays     int    `json:"wait_days"`
}

// CreateGrantResponse returns the new grant and the single-use invite
// token. The token is shown exactly once; only its hash is stored.
type CreateGrantResponse struct {
	Grant GrantView `json:"grant"`
	Token string    `json:"token"`
}

// AcceptGrantRequest redeems an invite and registers the grantee's
// grant-scoped keypair.
type AcceptGrantRequest struct {
	Token             string `json:"token"`
	PublicKey         []byte `json:"public_key"`
	WrappedPrivateKey []byte `json:"wrapped_private_key"`
}

// RejectGrantRequest declines an invite.
type RejectGrantRequest struct {
	Token string `json:"token"`
}

// ConfirmGrantRequest escrows the owner's vault key for the grantee. The
// key arrives in the clear over the authenticated channel; the server uses
// it for a single wrap call and discards it.
type ConfirmGrantRequest struct {
	VaultKey []byte `json:"vault_key"`
}

// GrantView is the JSON projection of a grant as its parties see it. Token
// hash and wrapped key bytes are not exposed here.
type GrantView struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	GranteeID     string     `json:"grantee_id,omitempty"`
	GranteeEmail  string     `json:"grantee_email"`
	Status        string     `json:"status"`
	WaitDays      int        `json:"wait_days"`
	KeyVersion    uint32     `json:"key_version,omitempty"`
	RequestedAt   *time.Time `json:"requested_at,omitempty"`
	WaitExpiresAt *time.Time `json:"wait_expires_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewGrantView projects a grant for its parties.
func NewGrantView(g *interfaces.EmergencyAccessGrant) GrantView {
	return GrantView{
		ID:            g.ID.String(),
		OwnerID:       g.OwnerID.String(),
		GranteeID:     g.GranteeID.String(),
		GranteeEmail:  g.GranteeEmail,
		Status:        string(g.Status),
		WaitDays:      g.WaitDays,
		KeyVersion:    g.KeyVersion,
		RequestedAt:   g.RequestedAt,
		WaitExpiresAt: g.WaitExpiresAt,
		RevokedAt:     g.RevokedAt,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
	}
}

// GrantListResponse lists grants for one side of the relationship.
type GrantListResponse struct {
	Grants []GrantView `json:"grants"`
}

// GrantKeyPairResponse returns the grantee's grant-scoped keypair. The
// private half is wrapped under the grantee's own vault key.
type GrantKeyPairResponse struct {
	PublicKey         []byte `json:"public_key"`
	WrappedPrivateKey []byte `json:"wrapped_private_key"`
}

// VaultReadRequest carries the grantee's unwrapped grant-scoped ECDH
// private key for an emergency read.
type VaultReadRequest struct {
	PrivateKey []byte `json:"private_key"`
}

// VaultReadResponse returns the entries recovered by an emergency read.
type VaultReadResponse struct {
	Entries []DecryptedEntryDTO `json:"entries"`
}

// DecryptedEntryDTO is one recovered vault entry.
type DecryptedEntryDTO struct {
	ID        string `json:"id"`
	Plaintext []byte `json:"plaintext"`
}
