package keywrap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// WrapVersion identifies the wrap algorithm suite. It is a capability flag,
// not a free-form number: Unwrap rejects any version it does not recognize
// instead of guessing at an interpretation.
type WrapVersion uint8

// WrapVersionECDHP256 is wrap suite 1: ephemeral P-256 ECDH, HKDF-SHA-256
// with a fresh 256-bit salt, AES-256-GCM with a 96-bit IV and 128-bit tag.
const WrapVersionECDHP256 WrapVersion = 1

// Context scopes a wrapped key to its owning context. It is serialized
// deterministically and used both as HKDF info and as AEAD associated data,
// so two wraps with different contexts never produce interchangeable
// ciphertexts even for identical key bytes.
type Context struct {
	// Scope names the kind of escrow, e.g. "emergency-access" or "org-member".
	Scope string

	// ToPrincipal is the identifier of the recipient the key is wrapped for.
	ToPrincipal string

	// KeyVersion is the version of the logical symmetric key being wrapped.
	KeyVersion uint32

	// WrapVersion selects the wrap algorithm suite.
	WrapVersion WrapVersion

	// Extra carries scope-specific fields in a fixed order, e.g.
	// (grantID, ownerID) for emergency access or (orgID) for org keys.
	Extra []string
}

// EmergencyAccessContext builds the wrap context for escrowing an owner's
// vault key to an emergency access grantee.
func EmergencyAccessContext(grantID, ownerID, granteeID string, keyVersion uint32) Context {
	return Context{
		Scope:       "emergency-access",
		ToPrincipal: granteeID,
		KeyVersion:  keyVersion,
		WrapVersion: WrapVersionECDHP256,
		Extra:       []string{grantID, ownerID},
	}
}

// OrgMemberContext builds the wrap context for distributing an organization
// vault key to a member.
func OrgMemberContext(orgID, memberID string, keyVersion uint32) Context {
	return Context{
		Scope:       "org-member",
		ToPrincipal: memberID,
		KeyVersion:  keyVersion,
		WrapVersion: WrapVersionECDHP256,
		Extra:       []string{orgID},
	}
}

// Serialize encodes the context into its canonical byte form:
//
//	"KW" || wrapVersion || keyVersion (4-byte BE) || field count ||
//	per field: 2-byte BE length || UTF-8 bytes
//
// Fields are scope, recipient, then the scope-specific extras in order.
// Lengths are explicit so distinct contexts cannot collide by shifting
// bytes across field boundaries; a field longer than the 2-byte prefix
// can express would break that property, so it is rejected.
func (c Context) Serialize() ([]byte, error) {
	fields := make([]string, 0, 2+len(c.Extra))
	fields = append(fields, c.Scope, c.ToPrincipal)
	fields = append(fields, c.Extra...)

	size := 8
	for _, f := range fields {
		if len(f) > math.MaxUint16 {
			return nil, fmt.Errorf("keywrap: context field exceeds %d bytes", math.MaxUint16)
		}
		size += 2 + len(f)
	}

	out := make([]byte, 0, size)
	out = append(out, 'K', 'W', byte(c.WrapVersion))
	out = binary.BigEndian.AppendUint32(out, c.KeyVersion)
	out = append(out, byte(len(fields)))
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, uint16(len(f)))
		out = append(out, f...)
	}
	return out, nil
}
