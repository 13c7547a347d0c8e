// Package emergency implements the emergency access lifecycle: invites,
// escrow confirmation, the time-locked request flow, and the grantee's
// vault read. Transitions are validated against the current persisted
// status and written with compare-and-set, so concurrent actors race
// cleanly instead of corrupting a grant.
package emergency

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/keywrap"
	"github.com/credvault/vault-escrow-backend/metrics"
	"github.com/credvault/vault-escrow-backend/notify"
)

// MaxWaitDays caps how long an owner can make a grantee wait.
const MaxWaitDays = 365

const keyAlgorithmAES256GCM = "AES-256-GCM"

// ErrDuplicateGrant is returned by Create when a non-terminal grant already
// links the owner and invitee.
var ErrDuplicateGrant = errors.New("emergency: open grant already exists for this invitee")

// Machine executes emergency access transitions against a VaultStore.
type Machine struct {
	store    interfaces.VaultStore
	notifier notify.Notifier
	log      *slog.Logger

	// now is the clock; tests substitute it.
	now func() time.Time
}

func New(store interfaces.VaultStore, notifier notify.Notifier, log *slog.Logger) *Machine {
	return &Machine{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// Create invites granteeEmail to become an emergency contact of ownerID.
// It returns the new grant and the clear invite token; only the token's
// hash is persisted, so the token cannot be recovered later. Owners cannot
// invite their own address.
func (m *Machine) Create(ctx context.Context, ownerID interfaces.PrincipalID, ownerEmail, granteeEmail string, waitDays int) (*interfaces.EmergencyAccessGrant, string, error) {
	if granteeEmail == "" {
		return nil, "", errors.New("emergency: grantee email is required")
	}
	if strings.EqualFold(granteeEmail, ownerEmail) {
		return nil, "", interfaces.ErrAuthenticationFailure
	}
	if waitDays < 1 || waitDays > MaxWaitDays {
		return nil, "", fmt.Errorf("emergency: wait days must be between 1 and %d", MaxWaitDays)
	}

	exists, err := m.store.OpenGrantExists(ctx, ownerID, granteeEmail)
	if err != nil {
		return nil, "", err
	}
	if exists {
		return nil, "", ErrDuplicateGrant
	}

	token, hash, err := mintToken()
	if err != nil {
		return nil, "", err
	}

	now := m.now().UTC()
	grant := &interfaces.EmergencyAccessGrant{
		ID:             interfaces.NewGrantID(),
		OwnerID:        ownerID,
		GranteeEmail:   granteeEmail,
		Status:         interfaces.GrantPending,
		WaitDays:       waitDays,
		TokenHash:      hash,
		TokenExpiresAt: now.Add(TokenValidity),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.InsertGrant(ctx, grant); err != nil {
		return nil, "", err
	}

	metrics.GrantTransitionsTotal.WithLabelValues(string(interfaces.GrantPending)).Inc()
	m.notifier.GrantInvited(ctx, grant, token)
	return grant, token, nil
}

// AcceptParams carries the invitee's response to an invite. The keypair is
// grant-scoped: the public half receives future escrow wraps, the private
// half arrives pre-wrapped under the invitee's own vault key and is stored
// opaquely.
type AcceptParams struct {
	GrantID           interfaces.GrantID
	GranteeID         interfaces.PrincipalID
	GranteeEmail      string
	Token             string
	PublicKey         []byte
	WrappedPrivateKey []byte
}

// Accept redeems the invite token and registers the grantee. The token is
// single-use: its hash is cleared on success.
func (m *Machine) Accept(ctx context.Context, params AcceptParams) (*interfaces.EmergencyAccessGrant, error) {
	grant, err := m.store.Grant(ctx, params.GrantID)
	if err != nil {
		return nil, err
	}
	if grant.Status != interfaces.GrantPending {
		return nil, &interfaces.InvalidTransitionError{Status: grant.Status, Action: "accept"}
	}
	if !grant.EmailMatches(params.GranteeEmail) {
		return nil, interfaces.ErrAuthenticationFailure
	}
	if params.GranteeID == grant.OwnerID {
		// Self-grants would let an owner bypass the wait period.
		return nil, interfaces.ErrAuthenticationFailure
	}
	if m.now().After(grant.TokenExpiresAt) {
		return nil, interfaces.ErrExpired
	}
	if !tokenMatches(grant.TokenHash, params.Token) {
		return nil, interfaces.ErrAuthenticationFailure
	}
	if _, err := ecdh.P256().NewPublicKey(params.PublicKey); err != nil {
		return nil, fmt.Errorf("emergency: invalid grantee public key: %w", err)
	}
	if len(params.WrappedPrivateKey) == 0 {
		return nil, errors.New("emergency: wrapped private key is required")
	}

	if err := m.store.InsertGrantKeyPair(ctx, &interfaces.EmergencyAccessKeyPair{
		GrantID:           grant.ID,
		PublicKey:         params.PublicKey,
		WrappedPrivateKey: params.WrappedPrivateKey,
		CreatedAt:         m.now().UTC(),
	}); err != nil {
		return nil, err
	}

	grant.GranteeID = params.GranteeID
	grant.TokenHash = nil
	if err := m.transition(ctx, grant, interfaces.GrantPending, interfaces.GrantAccepted); err != nil {
		return nil, err
	}
	return grant, nil
}

// Reject lets the invited party decline. The token must still verify, which
// proves the caller holds the invite.
func (m *Machine) Reject(ctx context.Context, grantID interfaces.GrantID, granteeEmail, token string) error {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.Status != interfaces.GrantPending {
		return &interfaces.InvalidTransitionError{Status: grant.Status, Action: "reject"}
	}
	if !grant.EmailMatches(granteeEmail) {
		return interfaces.ErrAuthenticationFailure
	}
	if m.now().After(grant.TokenExpiresAt) {
		return interfaces.ErrExpired
	}
	if !tokenMatches(grant.TokenHash, token) {
		return interfaces.ErrAuthenticationFailure
	}

	grant.TokenHash = nil
	return m.transition(ctx, grant, interfaces.GrantPending, interfaces.GrantRejected)
}

// Confirm escrows the owner's vault key for the grantee, moving the grant
// to IDLE. The key version is read from the owner's current server-side
// record; a version supplied by the caller is never trusted. ownerSecret is
// used for the single wrap call and must be zeroized by the caller.
func (m *Machine) Confirm(ctx context.Context, grantID interfaces.GrantID, ownerID interfaces.PrincipalID, ownerSecret []byte) (*interfaces.EmergencyAccessGrant, error) {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.OwnerID != ownerID {
		return nil, interfaces.ErrAuthenticationFailure
	}
	if grant.Status != interfaces.GrantAccepted && grant.Status != interfaces.GrantStale {
		return nil, &interfaces.InvalidTransitionError{Status: grant.Status, Action: "confirm"}
	}

	keypair, err := m.store.GrantKeyPair(ctx, grantID)
	if err != nil {
		return nil, err
	}
	granteePub, err := ecdh.P256().NewPublicKey(keypair.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("emergency: stored grantee public key: %w", err)
	}

	rec, err := m.store.PersonalKeyVersion(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("emergency: owner key version: %w", err)
	}

	wrapContext := keywrap.EmergencyAccessContext(
		grant.ID.String(), grant.OwnerID.String(), grant.GranteeID.String(), rec.Version)
	wrapped, err := keywrap.Wrap(ownerSecret, granteePub, wrapContext)
	if err != nil {
		return nil, err
	}
	metrics.KeyWrapsTotal.WithLabelValues("emergency-access").Inc()

	prior := grant.Status
	grant.KeyVersion = rec.Version
	grant.WrapVersion = wrapped.WrapVersion
	grant.KeyAlgorithm = keyAlgorithmAES256GCM
	grant.Wrapped = wrapped
	grant.RequestedAt = nil
	grant.WaitExpiresAt = nil
	if err := m.transition(ctx, grant, prior, interfaces.GrantIdle); err != nil {
		return nil, err
	}
	return grant, nil
}

// Request starts the grantee's wait period. The owner is notified and can
// reject before the period elapses.
func (m *Machine) Request(ctx context.Context, grantID interfaces.GrantID, granteeID interfaces.PrincipalID) (*interfaces.EmergencyAccessGrant, error) {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.GranteeID != granteeID {
		return nil, interfaces.ErrAuthenticationFailure
	}
	if grant.Status != interfaces.GrantIdle {
		return nil, &interfaces.InvalidTransitionError{Status: grant.Status, Action: "request"}
	}

	now := m.now().UTC()
	expires := now.Add(time.Duration(grant.WaitDays) * 24 * time.Hour)
	grant.RequestedAt = &now
	grant.WaitExpiresAt = &expires
	if err := m.transition(ctx, grant, interfaces.GrantIdle, interfaces.GrantRequested); err != nil {
		return nil, err
	}
	m.notifier.AccessRequested(ctx, grant)
	return grant, nil
}

// RejectRequest lets the owner deny a pending request before the wait
// period elapses, returning the grant to IDLE.
func (m *Machine) RejectRequest(ctx context.Context, grantID interfaces.GrantID, ownerID interfaces.PrincipalID) (*interfaces.EmergencyAccessGrant, error) {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.OwnerID != ownerID {
		return nil, interfaces.ErrAuthenticationFailure
	}
	// Once the wait elapsed the grantee holds access; the owner's only
	// remaining move is revoke.
	if status := m.effectiveStatus(grant); status != interfaces.GrantRequested {
		return nil, &interfaces.InvalidTransitionError{Status: status, Action: "reject request"}
	}

	grant.RequestedAt = nil
	grant.WaitExpiresAt = nil
	if err := m.transition(ctx, grant, interfaces.GrantRequested, interfaces.GrantIdle); err != nil {
		return nil, err
	}
	return grant, nil
}

// Revoke permanently ends the grant. The row is retained for audit but all
// escrow crypto fields are nulled.
func (m *Machine) Revoke(ctx context.Context, grantID interfaces.GrantID, ownerID interfaces.PrincipalID) error {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.OwnerID != ownerID {
		return interfaces.ErrAuthenticationFailure
	}
	if grant.Status.Terminal() {
		return &interfaces.InvalidTransitionError{Status: grant.Status, Action: "revoke"}
	}

	now := m.now().UTC()
	prior := grant.Status
	grant.TokenHash = nil
	grant.Wrapped = nil
	grant.KeyVersion = 0
	grant.WrapVersion = 0
	grant.KeyAlgorithm = ""
	grant.RevokedAt = &now
	if err := m.transition(ctx, grant, prior, interfaces.GrantRevoked); err != nil {
		return err
	}
	m.notifier.GrantRevoked(ctx, grant)
	return nil
}

// View returns the grant as seen by one of its parties, with the wait
// period evaluated against the clock: a REQUESTED grant whose wait expired
// reads as ACTIVATED without a write.
func (m *Machine) View(ctx context.Context, grantID interfaces.GrantID, callerID interfaces.PrincipalID) (*interfaces.EmergencyAccessGrant, error) {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.OwnerID != callerID && grant.GranteeID != callerID {
		return nil, interfaces.ErrAuthenticationFailure
	}
	grant.Status = m.effectiveStatus(grant)
	return grant, nil
}

// ListByOwner returns the grants the principal owns.
func (m *Machine) ListByOwner(ctx context.Context, ownerID interfaces.PrincipalID) ([]*interfaces.EmergencyAccessGrant, error) {
	grants, err := m.store.GrantsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		g.Status = m.effectiveStatus(g)
	}
	return grants, nil
}

// ListByGrantee returns the grants where the principal is the grantee.
func (m *Machine) ListByGrantee(ctx context.Context, granteeID interfaces.PrincipalID) ([]*interfaces.EmergencyAccessGrant, error) {
	grants, err := m.store.GrantsByGrantee(ctx, granteeID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		g.Status = m.effectiveStatus(g)
	}
	return grants, nil
}

// effectiveStatus folds the wall clock into the persisted status. There is
// no activation scheduler; REQUESTED becomes ACTIVATED the moment a read
// lands at or past waitExpiresAt.
func (m *Machine) effectiveStatus(grant *interfaces.EmergencyAccessGrant) interfaces.GrantStatus {
	if grant.Status == interfaces.GrantRequested &&
		grant.WaitExpiresAt != nil &&
		!m.now().Before(*grant.WaitExpiresAt) {
		return interfaces.GrantActivated
	}
	return grant.Status
}

func (m *Machine) transition(ctx context.Context, grant *interfaces.EmergencyAccessGrant, expected, next interfaces.GrantStatus) error {
	grant.Status = next
	grant.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateGrant(ctx, grant, expected); err != nil {
		return err
	}
	metrics.GrantTransitionsTotal.WithLabelValues(string(next)).Inc()
	return nil
}
