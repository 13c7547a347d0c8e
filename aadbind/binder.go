// Package aadbind builds the additional-authenticated-data byte strings
// that scope every vault ciphertext to its owning context.
//
// The format is fixed and versioned:
//
//	[2-byte ASCII scope tag][1-byte version][1-byte field count]
//	[per field: 2-byte big-endian UTF-8 byte length][UTF-8 bytes]
//
// Field lengths are explicit rather than delimiter-based, so two
// semantically different contexts can never serialize to the same bytes.
// The same builder runs at encrypt and decrypt time with identical
// arguments; any divergence surfaces as AEAD authentication failure.
package aadbind

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Version is the current AAD layout version, written as the third byte of
// every binder output.
const Version byte = 1

// Scope identifies the kind of ciphertext an AAD binds and fixes how many
// context fields it requires.
type Scope struct {
	tag   [2]byte
	arity int
	name  string
}

var (
	// ScopePersonalEntry binds a personal vault entry to (userID, entryID).
	ScopePersonalEntry = Scope{tag: [2]byte{'P', 'V'}, arity: 2, name: "PersonalEntry"}

	// ScopeOrgEntry binds an organization vault entry to
	// (orgID, entryID, keyVersion).
	ScopeOrgEntry = Scope{tag: [2]byte{'O', 'V'}, arity: 3, name: "OrgEntry"}

	// ScopeAttachment binds an attachment blob to (entryID, attachmentID).
	ScopeAttachment = Scope{tag: [2]byte{'A', 'T'}, arity: 2, name: "Attachment"}
)

// Name returns the scope's human-readable name.
func (s Scope) Name() string { return s.name }

// Arity returns the number of context fields the scope requires.
func (s Scope) Arity() int { return s.arity }

// Build serializes the scope tag, version, and fields into AAD bytes.
//
// It is deterministic: equal inputs produce byte-identical output. A field
// count that does not match the scope's arity, or a field longer than 65535
// UTF-8 bytes, is a hard error; values are never truncated.
func Build(scope Scope, fields []string) ([]byte, error) {
	if scope.arity == 0 {
		return nil, fmt.Errorf("aadbind: unknown scope")
	}
	if len(fields) != scope.arity {
		return nil, fmt.Errorf("aadbind: scope %s requires %d fields, got %d", scope.name, scope.arity, len(fields))
	}

	size := 4
	for _, f := range fields {
		if len(f) > math.MaxUint16 {
			return nil, fmt.Errorf("aadbind: field exceeds %d bytes", math.MaxUint16)
		}
		size += 2 + len(f)
	}

	out := make([]byte, 0, size)
	out = append(out, scope.tag[0], scope.tag[1], Version, byte(len(fields)))
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, uint16(len(f)))
		out = append(out, f...)
	}
	return out, nil
}
