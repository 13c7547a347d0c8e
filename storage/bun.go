package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/keywrap"
)

// BunStore implements interfaces.VaultStore on a relational database via
// Bun. Optimistic writes happen inside a single transaction: compare the
// prior value, reject on mismatch, commit otherwise.
type BunStore struct {
	db *bun.DB
}

// NewBunStore wraps an initialized *bun.DB and bootstraps the schema.
func NewBunStore(ctx context.Context, db *bun.DB) (*BunStore, error) {
	if err := bootstrapSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return &BunStore{db: db}, nil
}

func (s *BunStore) PersonalKeyVersion(ctx context.Context, userID interfaces.PrincipalID) (*interfaces.KeyVersionRecord, error) {
	var row personalKeyRow
	err := s.db.NewSelect().Model(&row).
		Where("user_id = ?", string(userID)).
		Order("version DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return personalKeyFromRow(row), nil
}

func (s *BunStore) InsertPersonalKeyVersion(ctx context.Context, rec *interfaces.KeyVersionRecord, expectedCurrent uint32) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var current sql.NullInt64
		err := tx.NewSelect().Model((*personalKeyRow)(nil)).
			ColumnExpr("MAX(version)").
			Where("user_id = ?", string(rec.UserID)).
			Scan(ctx, &current)
		if err != nil {
			return err
		}

		have := uint32(0)
		if current.Valid {
			have = uint32(current.Int64)
		}
		if have != expectedCurrent {
			return &interfaces.VersionConflictError{Expected: expectedCurrent, Current: have}
		}

		_, err = tx.NewInsert().Model(&personalKeyRow{
			UserID:               string(rec.UserID),
			Version:              int64(rec.Version),
			WrappedKey:           rec.WrappedKey,
			VerificationArtifact: rec.VerificationArtifact,
			Verifier:             rec.Verifier,
			PublicKey:            rec.PublicKey,
			CreatedAt:            time.Now().UTC(),
		}).Exec(ctx)
		return err
	})
}

func (s *BunStore) PersonalEntries(ctx context.Context, userID interfaces.PrincipalID) ([]interfaces.VaultEntry, error) {
	return s.entries(ctx, "user", string(userID))
}

func (s *BunStore) UpsertPersonalEntry(ctx context.Context, userID interfaces.PrincipalID, entry interfaces.VaultEntry) error {
	return s.upsertEntry(ctx, s.db, "user", string(userID), entry)
}

func (s *BunStore) CreateOrg(ctx context.Context, orgID interfaces.OrgID) error {
	_, err := s.db.NewInsert().Model(&orgRow{
		OrgID:      string(orgID),
		KeyVersion: 0,
		CreatedAt:  time.Now().UTC(),
	}).Exec(ctx)
	return err
}

func (s *BunStore) CurrentOrgKeyVersion(ctx context.Context, orgID interfaces.OrgID) (uint32, error) {
	var row orgRow
	err := s.db.NewSelect().Model(&row).Where("org_id = ?", string(orgID)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, interfaces.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint32(row.KeyVersion), nil
}

func (s *BunStore) ActiveOrgMembers(ctx context.Context, orgID interfaces.OrgID) ([]interfaces.PrincipalID, error) {
	var rows []orgMemberRow
	err := s.db.NewSelect().Model(&rows).
		Where("org_id = ?", string(orgID)).
		Where("is_active = ?", true).
		Order("member_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	members := make([]interfaces.PrincipalID, 0, len(rows))
	for _, r := range rows {
		members = append(members, interfaces.PrincipalID(r.MemberID))
	}
	return members, nil
}

func (s *BunStore) AddOrgMember(ctx context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID) error {
	_, err := s.db.NewInsert().Model(&orgMemberRow{
		OrgID:    string(orgID),
		MemberID: string(member),
		IsActive: true,
	}).On("CONFLICT (org_id, member_id) DO UPDATE").
		Set("is_active = ?", true).
		Exec(ctx)
	return err
}

func (s *BunStore) RemoveOrgMember(ctx context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID) error {
	_, err := s.db.NewUpdate().Model((*orgMemberRow)(nil)).
		Set("is_active = ?", false).
		Where("org_id = ?", string(orgID)).
		Where("member_id = ?", string(member)).
		Exec(ctx)
	return err
}

func (s *BunStore) ApplyOrgRotation(ctx context.Context, orgID interfaces.OrgID, newVersion uint32, entries []interfaces.VaultEntry, wraps []interfaces.MemberWrappedKey) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var org orgRow
		err := tx.NewSelect().Model(&org).Where("org_id = ?", string(orgID)).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return interfaces.ErrNotFound
		}
		if err != nil {
			return err
		}

		current := uint32(org.KeyVersion)
		if newVersion != current+1 {
			return &interfaces.VersionConflictError{Expected: newVersion - 1, Current: current}
		}

		// Compare-and-set the counter; a concurrent rotation loses here.
		res, err := tx.NewUpdate().Model((*orgRow)(nil)).
			Set("key_version = ?", int64(newVersion)).
			Where("org_id = ?", string(orgID)).
			Where("key_version = ?", org.KeyVersion).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return &interfaces.VersionConflictError{Expected: newVersion - 1, Current: current}
		}

		for _, entry := range entries {
			if err := s.upsertEntry(ctx, tx, "org", string(orgID), entry); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		for _, wrap := range wraps {
			_, err := tx.NewInsert().Model(&orgWrappedKeyRow{
				OrgID:              string(orgID),
				MemberID:           string(wrap.MemberID),
				KeyVersion:         int64(newVersion),
				WrapVersion:        int64(wrap.Wrapped.WrapVersion),
				Ciphertext:         wrap.Wrapped.Ciphertext,
				IV:                 wrap.Wrapped.IV,
				AuthTag:            wrap.Wrapped.AuthTag,
				EphemeralPublicKey: wrap.Wrapped.EphemeralPublicKey,
				HKDFSalt:           wrap.Wrapped.HKDFSalt,
				CreatedAt:          now,
			}).Exec(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BunStore) OrgWrappedKey(ctx context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID, version uint32) (*interfaces.WrappedKey, error) {
	var row orgWrappedKeyRow
	err := s.db.NewSelect().Model(&row).
		Where("org_id = ?", string(orgID)).
		Where("member_id = ?", string(member)).
		Where("key_version = ?", int64(version)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &interfaces.WrappedKey{
		Ciphertext:         row.Ciphertext,
		IV:                 row.IV,
		AuthTag:            row.AuthTag,
		EphemeralPublicKey: row.EphemeralPublicKey,
		HKDFSalt:           row.HKDFSalt,
		KeyVersion:         uint32(row.KeyVersion),
		WrapVersion:        keywrap.WrapVersion(row.WrapVersion),
	}, nil
}

func (s *BunStore) AddOrgWrappedKey(ctx context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID, version uint32, wrapped interfaces.WrappedKey) error {
	_, err := s.db.NewInsert().Model(&orgWrappedKeyRow{
		OrgID:              string(orgID),
		MemberID:           string(member),
		KeyVersion:         int64(version),
		WrapVersion:        int64(wrapped.WrapVersion),
		Ciphertext:         wrapped.Ciphertext,
		IV:                 wrapped.IV,
		AuthTag:            wrapped.AuthTag,
		EphemeralPublicKey: wrapped.EphemeralPublicKey,
		HKDFSalt:           wrapped.HKDFSalt,
		CreatedAt:          time.Now().UTC(),
	}).Exec(ctx)
	return err
}

func (s *BunStore) OrgEntries(ctx context.Context, orgID interfaces.OrgID) ([]interfaces.VaultEntry, error) {
	return s.entries(ctx, "org", string(orgID))
}

func (s *BunStore) InsertGrant(ctx context.Context, grant *interfaces.EmergencyAccessGrant) error {
	_, err := s.db.NewInsert().Model(grantToRow(grant)).Exec(ctx)
	return err
}

func (s *BunStore) Grant(ctx context.Context, id interfaces.GrantID) (*interfaces.EmergencyAccessGrant, error) {
	var row grantRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", string(id)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return grantFromRow(row), nil
}

func (s *BunStore) GrantsByOwner(ctx context.Context, ownerID interfaces.PrincipalID) ([]*interfaces.EmergencyAccessGrant, error) {
	return s.grantsWhere(ctx, "owner_id = ?", string(ownerID))
}

func (s *BunStore) GrantsByGrantee(ctx context.Context, granteeID interfaces.PrincipalID) ([]*interfaces.EmergencyAccessGrant, error) {
	return s.grantsWhere(ctx, "grantee_id = ?", string(granteeID))
}

func (s *BunStore) OpenGrantExists(ctx context.Context, ownerID interfaces.PrincipalID, granteeEmail string) (bool, error) {
	count, err := s.db.NewSelect().Model((*grantRow)(nil)).
		Where("owner_id = ?", string(ownerID)).
		Where("LOWER(grantee_email) = LOWER(?)", granteeEmail).
		Where("status NOT IN (?, ?)", string(interfaces.GrantRevoked), string(interfaces.GrantRejected)).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *BunStore) UpdateGrant(ctx context.Context, grant *interfaces.EmergencyAccessGrant, expectedStatus interfaces.GrantStatus) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := grantToRow(grant)
		row.UpdatedAt = time.Now().UTC()

		res, err := tx.NewUpdate().Model(row).
			WherePK().
			Where("status = ?", string(expectedStatus)).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost a race (or the caller's snapshot was stale): report the
			// transition as invalid from the status actually stored.
			var stored grantRow
			if err := tx.NewSelect().Model(&stored).Where("id = ?", row.ID).Scan(ctx); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return interfaces.ErrNotFound
				}
				return err
			}
			return &interfaces.InvalidTransitionError{
				Status: interfaces.GrantStatus(stored.Status),
				Action: fmt.Sprintf("transition to %s", grant.Status),
			}
		}
		return nil
	})
}

func (s *BunStore) MarkOwnerGrantsStale(ctx context.Context, ownerID interfaces.PrincipalID, belowVersion uint32) (int, error) {
	res, err := s.db.NewUpdate().Model((*grantRow)(nil)).
		Set("status = ?", string(interfaces.GrantStale)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("owner_id = ?", string(ownerID)).
		Where("key_version < ?", int64(belowVersion)).
		Where("status IN (?, ?, ?)",
			string(interfaces.GrantIdle),
			string(interfaces.GrantRequested),
			string(interfaces.GrantActivated)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *BunStore) InsertGrantKeyPair(ctx context.Context, pair *interfaces.EmergencyAccessKeyPair) error {
	_, err := s.db.NewInsert().Model(&grantKeyPairRow{
		GrantID:           string(pair.GrantID),
		PublicKey:         pair.PublicKey,
		WrappedPrivateKey: pair.WrappedPrivateKey,
		CreatedAt:         time.Now().UTC(),
	}).Exec(ctx)
	return err
}

func (s *BunStore) GrantKeyPair(ctx context.Context, grantID interfaces.GrantID) (*interfaces.EmergencyAccessKeyPair, error) {
	var row grantKeyPairRow
	err := s.db.NewSelect().Model(&row).Where("grant_id = ?", string(grantID)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &interfaces.EmergencyAccessKeyPair{
		GrantID:           interfaces.GrantID(row.GrantID),
		PublicKey:         row.PublicKey,
		WrappedPrivateKey: row.WrappedPrivateKey,
		CreatedAt:         row.CreatedAt,
	}, nil
}

func (s *BunStore) entries(ctx context.Context, kind, ownerID string) ([]interfaces.VaultEntry, error) {
	var rows []vaultEntryRow
	err := s.db.NewSelect().Model(&rows).
		Where("owner_kind = ?", kind).
		Where("owner_id = ?", ownerID).
		Order("entry_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]interfaces.VaultEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, interfaces.VaultEntry{
			ID:         r.EntryID,
			KeyVersion: uint32(r.KeyVersion),
			AADVersion: uint8(r.AADVersion),
			IV:         r.IV,
			Ciphertext: r.Ciphertext,
			AuthTag:    r.AuthTag,
		})
	}
	return entries, nil
}

func (s *BunStore) upsertEntry(ctx context.Context, db bun.IDB, kind, ownerID string, entry interfaces.VaultEntry) error {
	_, err := db.NewInsert().Model(&vaultEntryRow{
		OwnerKind:  kind,
		OwnerID:    ownerID,
		EntryID:    entry.ID,
		KeyVersion: int64(entry.KeyVersion),
		AADVersion: int64(entry.AADVersion),
		IV:         entry.IV,
		Ciphertext: entry.Ciphertext,
		AuthTag:    entry.AuthTag,
		UpdatedAt:  time.Now().UTC(),
	}).On("CONFLICT (owner_kind, owner_id, entry_id) DO UPDATE").
		Set("key_version = EXCLUDED.key_version").
		Set("aad_version = EXCLUDED.aad_version").
		Set("iv = EXCLUDED.iv").
		Set("ciphertext = EXCLUDED.ciphertext").
		Set("auth_tag = EXCLUDED.auth_tag").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *BunStore) grantsWhere(ctx context.Context, cond string, arg any) ([]*interfaces.EmergencyAccessGrant, error) {
	var rows []grantRow
	err := s.db.NewSelect().Model(&rows).Where(cond, arg).Order("created_at ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	grants := make([]*interfaces.EmergencyAccessGrant, 0, len(rows))
	for _, r := range rows {
		grants = append(grants, grantFromRow(r))
	}
	return grants, nil
}

func personalKeyFromRow(row personalKeyRow) *interfaces.KeyVersionRecord {
	return &interfaces.KeyVersionRecord{
		UserID:               interfaces.PrincipalID(row.UserID),
		Version:              uint32(row.Version),
		WrappedKey:           row.WrappedKey,
		VerificationArtifact: row.VerificationArtifact,
		Verifier:             row.Verifier,
		PublicKey:            row.PublicKey,
		CreatedAt:            row.CreatedAt,
	}
}

func grantToRow(grant *interfaces.EmergencyAccessGrant) *grantRow {
	row := &grantRow{
		ID:             string(grant.ID),
		OwnerID:        string(grant.OwnerID),
		GranteeID:      string(grant.GranteeID),
		GranteeEmail:   grant.GranteeEmail,
		Status:         string(grant.Status),
		WaitDays:       int64(grant.WaitDays),
		TokenHash:      grant.TokenHash,
		TokenExpiresAt: grant.TokenExpiresAt,
		RequestedAt:    grant.RequestedAt,
		WaitExpiresAt:  grant.WaitExpiresAt,
		RevokedAt:      grant.RevokedAt,
		KeyVersion:     int64(grant.KeyVersion),
		WrapVersion:    int64(grant.WrapVersion),
		KeyAlgorithm:   grant.KeyAlgorithm,
		CreatedAt:      grant.CreatedAt,
		UpdatedAt:      grant.UpdatedAt,
	}
	if grant.Wrapped != nil {
		row.Ciphertext = grant.Wrapped.Ciphertext
		row.IV = grant.Wrapped.IV
		row.AuthTag = grant.Wrapped.AuthTag
		row.EphemeralPublicKey = grant.Wrapped.EphemeralPublicKey
		row.HKDFSalt = grant.Wrapped.HKDFSalt
	}
	return row
}

func grantFromRow(row grantRow) *interfaces.EmergencyAccessGrant {
	grant := &interfaces.EmergencyAccessGrant{
		ID:             interfaces.GrantID(row.ID),
		OwnerID:        interfaces.PrincipalID(row.OwnerID),
		GranteeID:      interfaces.PrincipalID(row.GranteeID),
		GranteeEmail:   row.GranteeEmail,
		Status:         interfaces.GrantStatus(row.Status),
		WaitDays:       int(row.WaitDays),
		TokenHash:      row.TokenHash,
		TokenExpiresAt: row.TokenExpiresAt,
		RequestedAt:    row.RequestedAt,
		WaitExpiresAt:  row.WaitExpiresAt,
		RevokedAt:      row.RevokedAt,
		KeyVersion:     uint32(row.KeyVersion),
		WrapVersion:    keywrap.WrapVersion(row.WrapVersion),
		KeyAlgorithm:   row.KeyAlgorithm,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Ciphertext) > 0 {
		grant.Wrapped = &interfaces.WrappedKey{
			Ciphertext:         row.Ciphertext,
			IV:                 row.IV,
			AuthTag:            row.AuthTag,
			EphemeralPublicKey: row.EphemeralPublicKey,
			HKDFSalt:           row.HKDFSalt,
			KeyVersion:         uint32(row.KeyVersion),
			WrapVersion:        keywrap.WrapVersion(row.WrapVersion),
		}
	}
	return grant
}
