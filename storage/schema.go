package storage

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// personalKeyRow maps one generation of a user's personal vault key.
// Rows are append-only; the current version is the highest one.
type personalKeyRow struct {
	bun.BaseModel `bun:"table:personal_key_versions"`

	ID                   int64     `bun:"id,pk,autoincrement"`
	UserID               string    `bun:"user_id,notnull"`
	Version              int64     `bun:"version,notnull"`
	WrappedKey           []byte    `bun:"wrapped_key"`
	VerificationArtifact []byte    `bun:"verification_artifact"`
	Verifier             []byte    `bun:"verifier"`
	PublicKey            []byte    `bun:"public_key"`
	CreatedAt            time.Time `bun:"created_at,notnull"`
}

// vaultEntryRow holds one encrypted entry for a user or organization.
type vaultEntryRow struct {
	bun.BaseModel `bun:"table:vault_entries"`

	ID         int64     `bun:"id,pk,autoincrement"`
	OwnerKind  string    `bun:"owner_kind,notnull"`
	OwnerID    string    `bun:"owner_id,notnull"`
	EntryID    string    `bun:"entry_id,notnull"`
	KeyVersion int64     `bun:"key_version,notnull"`
	AADVersion int64     `bun:"aad_version,notnull"`
	IV         []byte    `bun:"iv"`
	Ciphertext []byte    `bun:"ciphertext"`
	AuthTag    []byte    `bun:"auth_tag"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

// orgRow tracks an organization's current key version. Version 0 means no
// key has been minted yet.
type orgRow struct {
	bun.BaseModel `bun:"table:orgs"`

	OrgID      string    `bun:"org_id,pk"`
	KeyVersion int64     `bun:"key_version,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// orgMemberRow marks membership. Deactivated members keep their row (and
// their historical wrapped keys) so old snapshots stay decryptable.
type orgMemberRow struct {
	bun.BaseModel `bun:"table:org_members"`

	ID       int64  `bun:"id,pk,autoincrement"`
	OrgID    string `bun:"org_id,notnull"`
	MemberID string `bun:"member_id,notnull"`
	IsActive bool   `bun:"is_active,notnull"`
}

// orgWrappedKeyRow is one member's escrowed copy of an org key version.
// Immutable once written; rotation supersedes, never mutates.
type orgWrappedKeyRow struct {
	bun.BaseModel `bun:"table:org_wrapped_keys"`

	ID                 int64     `bun:"id,pk,autoincrement"`
	OrgID              string    `bun:"org_id,notnull"`
	MemberID           string    `bun:"member_id,notnull"`
	KeyVersion         int64     `bun:"key_version,notnull"`
	WrapVersion        int64     `bun:"wrap_version,notnull"`
	Ciphertext         []byte    `bun:"ciphertext"`
	IV                 []byte    `bun:"iv"`
	AuthTag            []byte    `bun:"auth_tag"`
	EphemeralPublicKey []byte    `bun:"ephemeral_public_key"`
	HKDFSalt           []byte    `bun:"hkdf_salt"`
	CreatedAt          time.Time `bun:"created_at,notnull"`
}

// grantRow is the persisted emergency access grant. Revoked rows keep
// their identity columns for audit but have crypto columns nulled.
type grantRow struct {
	bun.BaseModel `bun:"table:emergency_grants"`

	ID           string `bun:"id,pk"`
	OwnerID      string `bun:"owner_id,notnull"`
	GranteeID    string `bun:"grantee_id"`
	GranteeEmail string `bun:"grantee_email,notnull"`
	Status       string `bun:"status,notnull"`
	WaitDays     int64  `bun:"wait_days,notnull"`

	TokenHash      []byte    `bun:"token_hash"`
	TokenExpiresAt time.Time `bun:"token_expires_at"`

	RequestedAt   *time.Time `bun:"requested_at"`
	WaitExpiresAt *time.Time `bun:"wait_expires_at"`
	RevokedAt     *time.Time `bun:"revoked_at"`

	KeyVersion   int64  `bun:"key_version,notnull"`
	WrapVersion  int64  `bun:"wrap_version,notnull"`
	KeyAlgorithm string `bun:"key_algorithm"`

	Ciphertext         []byte `bun:"ciphertext"`
	IV                 []byte `bun:"iv"`
	AuthTag            []byte `bun:"auth_tag"`
	EphemeralPublicKey []byte `bun:"ephemeral_public_key"`
	HKDFSalt           []byte `bun:"hkdf_salt"`

	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// grantKeyPairRow is the grantee's grant-scoped keypair; the private half
// is an opaque client-side wrap.
type grantKeyPairRow struct {
	bun.BaseModel `bun:"table:grant_keypairs"`

	GrantID           string    `bun:"grant_id,pk"`
	PublicKey         []byte    `bun:"public_key,notnull"`
	WrappedPrivateKey []byte    `bun:"wrapped_private_key,notnull"`
	CreatedAt         time.Time `bun:"created_at,notnull"`
}

// bootstrapSchema creates all tables and unique indexes if absent. SQLite
// and Postgres accept the same DDL through Bun's dialect layer.
func bootstrapSchema(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*personalKeyRow)(nil),
		(*vaultEntryRow)(nil),
		(*orgRow)(nil),
		(*orgMemberRow)(nil),
		(*orgWrappedKeyRow)(nil),
		(*grantRow)(nil),
		(*grantKeyPairRow)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	indexes := []struct {
		name    string
		model   any
		columns []string
	}{
		{"idx_personal_key_user_version", (*personalKeyRow)(nil), []string{"user_id", "version"}},
		{"idx_vault_entry_owner", (*vaultEntryRow)(nil), []string{"owner_kind", "owner_id", "entry_id"}},
		{"idx_org_member", (*orgMemberRow)(nil), []string{"org_id", "member_id"}},
		{"idx_org_wrapped_key", (*orgWrappedKeyRow)(nil), []string{"org_id", "member_id", "key_version"}},
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Unique().IfNotExists().Column(idx.columns...).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
