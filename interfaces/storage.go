package interfaces

import (
	"context"
)

// VaultStore is the persistence contract consumed by the rotation
// coordinator and the emergency access state machine. Implementations must
// provide the compare-and-set semantics documented per method; the core
// relies on them instead of locks.
//
// Row-level authorization and tenant scoping happen in the request layer;
// every method receives explicit principal identifiers and reads no
// ambient state.
type VaultStore interface {
	// PersonalKeyVersion returns the user's current (highest) key version
	// record, or ErrNotFound.
	PersonalKeyVersion(ctx context.Context, userID PrincipalID) (*KeyVersionRecord, error)

	// InsertPersonalKeyVersion persists rec if and only if the user's
	// current version equals expectedCurrent (0 for a first record).
	// Returns *VersionConflictError otherwise. Prior records are retained.
	InsertPersonalKeyVersion(ctx context.Context, rec *KeyVersionRecord, expectedCurrent uint32) error

	// PersonalEntries lists the user's encrypted vault entries.
	PersonalEntries(ctx context.Context, userID PrincipalID) ([]VaultEntry, error)

	// UpsertPersonalEntry writes one encrypted entry row.
	UpsertPersonalEntry(ctx context.Context, userID PrincipalID, entry VaultEntry) error

	// CreateOrg registers an organization at key version 0; the first
	// rotation mints version 1.
	CreateOrg(ctx context.Context, orgID OrgID) error

	// CurrentOrgKeyVersion returns the org's current key version, or
	// ErrNotFound for an unknown org.
	CurrentOrgKeyVersion(ctx context.Context, orgID OrgID) (uint32, error)

	// ActiveOrgMembers lists the currently active members of the org.
	ActiveOrgMembers(ctx context.Context, orgID OrgID) ([]PrincipalID, error)

	// AddOrgMember marks the principal as an active member. Membership
	// alone carries no wrapped key; distribution is explicit.
	AddOrgMember(ctx context.Context, orgID OrgID, member PrincipalID) error

	// RemoveOrgMember deactivates the principal's membership. Their
	// historical WrappedKey rows are retained.
	RemoveOrgMember(ctx context.Context, orgID OrgID, member PrincipalID) error

	// ApplyOrgRotation atomically re-encrypts entries, inserts one
	// WrappedKey row per member, and bumps the version counter to
	// newVersion, or does nothing at all. Fails with
	// *VersionConflictError unless newVersion == current+1. Wrapped key
	// rows for prior versions are never deleted.
	ApplyOrgRotation(ctx context.Context, orgID OrgID, newVersion uint32, entries []VaultEntry, wraps []MemberWrappedKey) error

	// OrgWrappedKey returns the wrap escrowed for member at the given key
	// version, or ErrNotFound.
	OrgWrappedKey(ctx context.Context, orgID OrgID, member PrincipalID, version uint32) (*WrappedKey, error)

	// AddOrgWrappedKey distributes the current org key to a member added
	// after the version was minted. The row is immutable once written.
	AddOrgWrappedKey(ctx context.Context, orgID OrgID, member PrincipalID, version uint32, wrapped WrappedKey) error

	// OrgEntries lists the org's encrypted entries.
	OrgEntries(ctx context.Context, orgID OrgID) ([]VaultEntry, error)

	// InsertGrant persists a newly created grant.
	InsertGrant(ctx context.Context, grant *EmergencyAccessGrant) error

	// Grant returns the grant by ID, or ErrNotFound.
	Grant(ctx context.Context, id GrantID) (*EmergencyAccessGrant, error)

	// GrantsByOwner lists grants owned by the principal.
	GrantsByOwner(ctx context.Context, ownerID PrincipalID) ([]*EmergencyAccessGrant, error)

	// GrantsByGrantee lists grants where the principal is the grantee.
	GrantsByGrantee(ctx context.Context, granteeID PrincipalID) ([]*EmergencyAccessGrant, error)

	// OpenGrantExists reports whether a non-terminal grant already links
	// the owner with the invited email.
	OpenGrantExists(ctx context.Context, ownerID PrincipalID, granteeEmail string) (bool, error)

	// UpdateGrant persists the grant if and only if its stored status still
	// equals expectedStatus; returns *InvalidTransitionError carrying the
	// stored status otherwise. This is the state machine's compare-and-set.
	UpdateGrant(ctx context.Context, grant *EmergencyAccessGrant, expectedStatus GrantStatus) error

	// MarkOwnerGrantsStale transitions every non-terminal escrowed grant of
	// the owner with KeyVersion < belowVersion to STALE, returning how many
	// rows changed.
	MarkOwnerGrantsStale(ctx context.Context, ownerID PrincipalID, belowVersion uint32) (int, error)

	// InsertGrantKeyPair stores the grantee's grant-scoped keypair.
	InsertGrantKeyPair(ctx context.Context, pair *EmergencyAccessKeyPair) error

	// GrantKeyPair returns the keypair registered for the grant, or
	// ErrNotFound.
	GrantKeyPair(ctx context.Context, grantID GrantID) (*EmergencyAccessKeyPair, error)
}
