// Package rotation orchestrates key version bumps for personal and
// organization vaults. Both flows share one rule: bump version N to N+1
// atomically, or not at all. Version counters are guarded by optimistic
// compare-and-set in the store, never by locks; a conflict is returned to
// the caller to refetch and retry.
package rotation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/keywrap"
	"github.com/credvault/vault-escrow-backend/metrics"
)

// MaxRotationEntries bounds the number of re-encrypted entries accepted in
// one organization rotation, keeping the transaction size predictable.
const MaxRotationEntries = 1000

// ErrTooManyEntries is returned when a rotation payload exceeds
// MaxRotationEntries. The caller must split the rotation or shrink it.
var ErrTooManyEntries = errors.New("rotation: too many entries")

// Coordinator performs rotations against a VaultStore.
type Coordinator struct {
	store interfaces.VaultStore
	log   *slog.Logger
}

// New creates a rotation coordinator.
func New(store interfaces.VaultStore, log *slog.Logger) *Coordinator {
	return &Coordinator{store: store, log: log}
}

// PersonalRotation is the payload for a personal key rotation. All key
// material arrives wrapped; the server never sees plaintext keys.
type PersonalRotation struct {
	UserID interfaces.PrincipalID

	// OldVerifier authenticates the rotation against the current record.
	OldVerifier []byte

	NewWrappedKey           []byte
	NewVerificationArtifact []byte
	NewVerifier             []byte
	NewPublicKey            []byte
}

// RotatePersonal verifies the old verifier, persists the next key version,
// and marks every grant the user owns that is escrowed below the new
// version as STALE.
//
// The STALE fan-out is best-effort: the rotation is the security-critical
// half, so a bookkeeping failure there is logged and swallowed rather than
// rolling the rotation back.
//
// A user with no existing record enrolls at version 1 with no verifier
// check.
func (c *Coordinator) RotatePersonal(ctx context.Context, req PersonalRotation) (uint32, error) {
	current, err := c.store.PersonalKeyVersion(ctx, req.UserID)
	expectedCurrent := uint32(0)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		// Initial enrollment.
	case err != nil:
		metrics.RotationsTotal.WithLabelValues("personal", "error").Inc()
		return 0, err
	default:
		if subtle.ConstantTimeCompare(current.Verifier, req.OldVerifier) != 1 {
			metrics.RotationsTotal.WithLabelValues("personal", "denied").Inc()
			return 0, interfaces.ErrAuthenticationFailure
		}
		expectedCurrent = current.Version
	}

	newVersion := expectedCurrent + 1
	rec := &interfaces.KeyVersionRecord{
		UserID:               req.UserID,
		Version:              newVersion,
		WrappedKey:           req.NewWrappedKey,
		VerificationArtifact: req.NewVerificationArtifact,
		Verifier:             req.NewVerifier,
		PublicKey:            req.NewPublicKey,
	}
	if err := c.store.InsertPersonalKeyVersion(ctx, rec, expectedCurrent); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			metrics.RotationsTotal.WithLabelValues("personal", "conflict").Inc()
		} else {
			metrics.RotationsTotal.WithLabelValues("personal", "error").Inc()
		}
		return 0, err
	}

	marked, err := c.store.MarkOwnerGrantsStale(ctx, req.UserID, newVersion)
	if err != nil {
		c.log.Error("Failed to mark grants stale after rotation",
			"err", err,
			slog.String("userID", req.UserID.String()),
			slog.Uint64("newVersion", uint64(newVersion)))
	} else if marked > 0 {
		c.log.Info("Marked grants stale after rotation",
			slog.String("userID", req.UserID.String()),
			slog.Int("grants", marked))
	}

	metrics.RotationsTotal.WithLabelValues("personal", "ok").Inc()
	return newVersion, nil
}

// OrgRotation is the payload for an organization key rotation: the version
// the caller believes is current, every entry re-encrypted under the new
// key, and one wrap per active member.
type OrgRotation struct {
	OrgID                  interfaces.OrgID
	ExpectedCurrentVersion uint32
	Entries                []interfaces.VaultEntry
	MemberWraps            []interfaces.MemberWrappedKey
}

// RotateOrg validates the payload against the current member set, then
// applies re-encrypted entries, per-member wraps, and the version bump in
// one transaction. Nothing is written unless everything is.
//
// Old wrapped-key rows are retained so snapshots encrypted under a prior
// version stay decryptable by whoever holds that version's wrap.
func (c *Coordinator) RotateOrg(ctx context.Context, req OrgRotation) (uint32, error) {
	if len(req.Entries) > MaxRotationEntries {
		metrics.RotationsTotal.WithLabelValues("organization", "denied").Inc()
		return 0, fmt.Errorf("%w: %d exceeds the %d entry limit", ErrTooManyEntries, len(req.Entries), MaxRotationEntries)
	}

	newVersion := req.ExpectedCurrentVersion + 1

	byMember := make(map[interfaces.PrincipalID]interfaces.MemberWrappedKey, len(req.MemberWraps))
	for _, wrap := range req.MemberWraps {
		if wrap.Wrapped.WrapVersion != keywrap.WrapVersionECDHP256 {
			metrics.RotationsTotal.WithLabelValues("organization", "denied").Inc()
			return 0, fmt.Errorf("%w: %d", keywrap.ErrUnknownWrapVersion, wrap.Wrapped.WrapVersion)
		}
		if wrap.Wrapped.KeyVersion != newVersion {
			metrics.RotationsTotal.WithLabelValues("organization", "denied").Inc()
			return 0, fmt.Errorf("wrap for %s carries key version %d, rotation mints %d",
				wrap.MemberID, wrap.Wrapped.KeyVersion, newVersion)
		}
		byMember[wrap.MemberID] = wrap
	}

	members, err := c.store.ActiveOrgMembers(ctx, req.OrgID)
	if err != nil {
		metrics.RotationsTotal.WithLabelValues("organization", "error").Inc()
		return 0, err
	}

	var missing []interfaces.PrincipalID
	for _, member := range members {
		if _, ok := byMember[member]; !ok {
			missing = append(missing, member)
		}
	}
	if len(missing) > 0 {
		metrics.RotationsTotal.WithLabelValues("organization", "incomplete").Inc()
		return 0, &interfaces.IncompleteEscrowError{Missing: missing}
	}

	// A wrap for a principal outside the active member set would hand the
	// new key to someone no longer entitled to it.
	if len(byMember) != len(members) {
		active := make(map[interfaces.PrincipalID]bool, len(members))
		for _, m := range members {
			active[m] = true
		}
		for member := range byMember {
			if !active[member] {
				metrics.RotationsTotal.WithLabelValues("organization", "denied").Inc()
				return 0, fmt.Errorf("wrap supplied for non-member %s", member)
			}
		}
	}

	if err := c.store.ApplyOrgRotation(ctx, req.OrgID, newVersion, req.Entries, req.MemberWraps); err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			metrics.RotationsTotal.WithLabelValues("organization", "conflict").Inc()
		} else {
			metrics.RotationsTotal.WithLabelValues("organization", "error").Inc()
		}
		return 0, err
	}

	c.log.Info("Organization key rotated",
		slog.String("orgID", req.OrgID.String()),
		slog.Uint64("newVersion", uint64(newVersion)),
		slog.Int("members", len(members)),
		slog.Int("entries", len(req.Entries)))

	metrics.RotationsTotal.WithLabelValues("organization", "ok").Inc()
	return newVersion, nil
}

// DistributeOrgKey hands the current organization key to a member who
// joined after it was minted, without waiting for the next rotation. The
// wrap must target the current version exactly and the recipient must be
// an active member.
func (c *Coordinator) DistributeOrgKey(ctx context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID, wrapped interfaces.WrappedKey) error {
	if wrapped.WrapVersion != keywrap.WrapVersionECDHP256 {
		return fmt.Errorf("%w: %d", keywrap.ErrUnknownWrapVersion, wrapped.WrapVersion)
	}

	current, err := c.store.CurrentOrgKeyVersion(ctx, orgID)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("organization %s has no key version yet", orgID)
	}
	if wrapped.KeyVersion != current {
		return &interfaces.VersionConflictError{Expected: wrapped.KeyVersion, Current: current}
	}

	members, err := c.store.ActiveOrgMembers(ctx, orgID)
	if err != nil {
		return err
	}
	isMember := false
	for _, m := range members {
		if m == member {
			isMember = true
			break
		}
	}
	if !isMember {
		return fmt.Errorf("%s is not an active member of %s", member, orgID)
	}

	if err := c.store.AddOrgWrappedKey(ctx, orgID, member, current, wrapped); err != nil {
		return err
	}
	metrics.KeyWrapsTotal.WithLabelValues("org-member").Inc()
	return nil
}
