package emergency

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/rotation"
	"github.com/credvault/vault-escrow-backend/storage"
)

// fixture drives a single grant through its lifecycle against an in-memory
// store with a controllable clock.
type fixture struct {
	machine *Machine
	store   *storage.MemoryStore
	clock   time.Time

	ownerID     interfaces.PrincipalID
	granteeID   interfaces.PrincipalID
	ownerEmail  string
	email       string
	ownerSecret []byte
	granteeKey  *ecdh.PrivateKey

	grant *interfaces.EmergencyAccessGrant
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	f := &fixture{
		store:      storage.NewMemoryStore(),
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ownerID:    "owner-1",
		granteeID:  "grantee-1",
		ownerEmail: "owner@example.com",
		email:      "grantee@example.com",
	}
	f.machine = New(f.store, newRecordingNotifier(log), log)
	f.machine.now = func() time.Time { return f.clock }

	f.ownerSecret = make([]byte, 32)
	_, err := rand.Read(f.ownerSecret)
	require.NoError(t, err)

	f.granteeKey, err = ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	require.NoError(t, f.store.InsertPersonalKeyVersion(context.Background(), &interfaces.KeyVersionRecord{
		UserID:     f.ownerID,
		Version:    1,
		WrappedKey: []byte("owner-wrapped-key"),
		Verifier:   []byte("owner-verifier"),
		CreatedAt:  f.clock,
	}, 0))
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) create(t *testing.T) {
	t.Helper()
	grant, token, err := f.machine.Create(context.Background(), f.ownerID, f.ownerEmail, f.email, 7)
	require.NoError(t, err)
	f.grant, f.token = grant, token
}

func (f *fixture) accept(t *testing.T) {
	t.Helper()
	grant, err := f.machine.Accept(context.Background(), AcceptParams{
		GrantID:           f.grant.ID,
		GranteeID:         f.granteeID,
		GranteeEmail:      f.email,
		Token:             f.token,
		PublicKey:         f.granteeKey.PublicKey().Bytes(),
		WrappedPrivateKey: []byte("grantee-wrapped-ecdh-private"),
	})
	require.NoError(t, err)
	f.grant = grant
}

func (f *fixture) confirm(t *testing.T) {
	t.Helper()
	grant, err := f.machine.Confirm(context.Background(), f.grant.ID, f.ownerID, f.ownerSecret)
	require.NoError(t, err)
	f.grant = grant
}

func (f *fixture) request(t *testing.T) {
	t.Helper()
	grant, err := f.machine.Request(context.Background(), f.grant.ID, f.granteeID)
	require.NoError(t, err)
	f.grant = grant
}

// recordingNotifier counts deliveries so tests can assert the side channel
// fired without inspecting log output.
type recordingNotifier struct {
	log                         *slog.Logger
	invited, requested, revoked int
	lastToken                   string
}

func newRecordingNotifier(log *slog.Logger) *recordingNotifier {
	return &recordingNotifier{log: log}
}

func (n *recordingNotifier) GrantInvited(_ context.Context, _ *interfaces.EmergencyAccessGrant, token string) {
	n.invited++
	n.lastToken = token
}

func (n *recordingNotifier) AccessRequested(_ context.Context, _ *interfaces.EmergencyAccessGrant) {
	n.requested++
}

func (n *recordingNotifier) GrantRevoked(_ context.Context, _ *interfaces.EmergencyAccessGrant) {
	n.revoked++
}

func TestCreateInvite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)

	require.Equal(t, interfaces.GrantPending, f.grant.Status)
	require.Equal(t, 7, f.grant.WaitDays)
	require.NotEmpty(t, f.token)
	require.NotContains(t, string(f.grant.TokenHash), f.token)
	require.Equal(t, f.clock.Add(TokenValidity), f.grant.TokenExpiresAt)

	notifier := f.machine.notifier.(*recordingNotifier)
	require.Equal(t, 1, notifier.invited)
	require.Equal(t, f.token, notifier.lastToken)

	// A second invite for the same pair while the first is open.
	_, _, err := f.machine.Create(ctx, f.ownerID, f.ownerEmail, "GRANTEE@example.com", 7)
	require.ErrorIs(t, err, ErrDuplicateGrant)

	// Invalid wait periods.
	_, _, err = f.machine.Create(ctx, f.ownerID, f.ownerEmail, "other@example.com", 0)
	require.Error(t, err)
	_, _, err = f.machine.Create(ctx, f.ownerID, f.ownerEmail, "other@example.com", MaxWaitDays+1)
	require.Error(t, err)

	// Owners cannot name themselves as their own emergency contact.
	_, _, err = f.machine.Create(ctx, f.ownerID, f.ownerEmail, f.ownerEmail, 7)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
	_, _, err = f.machine.Create(ctx, f.ownerID, f.ownerEmail, "OWNER@example.com", 7)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)

	base := AcceptParams{
		GrantID:           f.grant.ID,
		GranteeID:         f.granteeID,
		GranteeEmail:      f.email,
		Token:             f.token,
		PublicKey:         f.granteeKey.PublicKey().Bytes(),
		WrappedPrivateKey: []byte("wrapped-private"),
	}

	wrongEmail := base
	wrongEmail.GranteeEmail = "impostor@example.com"
	_, err := f.machine.Accept(ctx, wrongEmail)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	wrongToken := base
	wrongToken.Token = "not-the-token"
	_, err = f.machine.Accept(ctx, wrongToken)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	selfGrant := base
	selfGrant.GranteeID = f.ownerID
	_, err = f.machine.Accept(ctx, selfGrant)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	// Case-insensitive email match succeeds.
	ok := base
	ok.GranteeEmail = "Grantee@Example.COM"
	grant, err := f.machine.Accept(ctx, ok)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantAccepted, grant.Status)
	require.Equal(t, f.granteeID, grant.GranteeID)
	require.Empty(t, grant.TokenHash)

	pair, err := f.store.GrantKeyPair(ctx, grant.ID)
	require.NoError(t, err)
	require.Equal(t, f.granteeKey.PublicKey().Bytes(), pair.PublicKey)

	// The token is single-use.
	_, err = f.machine.Accept(ctx, base)
	require.ErrorIs(t, err, interfaces.ErrInvalidTransition)
}

func TestAcceptExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.advance(TokenValidity + time.Second)

	_, err := f.machine.Accept(context.Background(), AcceptParams{
		GrantID:           f.grant.ID,
		GranteeID:         f.granteeID,
		GranteeEmail:      f.email,
		Token:             f.token,
		PublicKey:         f.granteeKey.PublicKey().Bytes(),
		WrappedPrivateKey: []byte("wrapped-private"),
	})
	require.ErrorIs(t, err, interfaces.ErrExpired)
	require.NotErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestRejectInvite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)

	require.ErrorIs(t,
		f.machine.Reject(ctx, f.grant.ID, f.email, "wrong-token"),
		interfaces.ErrAuthenticationFailure)

	require.NoError(t, f.machine.Reject(ctx, f.grant.ID, f.email, f.token))

	grant, err := f.store.Grant(ctx, f.grant.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantRejected, grant.Status)
	require.Empty(t, grant.TokenHash)

	// The pair can be re-invited after a rejection.
	_, _, err = f.machine.Create(ctx, f.ownerID, f.ownerEmail, f.email, 7)
	require.NoError(t, err)
}

func TestConfirmTakesKeyVersionFromRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	f.accept(t)

	// The owner rotated twice since enrollment.
	for expected := uint32(1); expected <= 2; expected++ {
		require.NoError(t, f.store.InsertPersonalKeyVersion(ctx, &interfaces.KeyVersionRecord{
			UserID:     f.ownerID,
			Version:    expected + 1,
			WrappedKey: []byte("rotated"),
			Verifier:   []byte("owner-verifier"),
			CreatedAt:  f.clock,
		}, expected))
	}

	f.confirm(t)
	require.Equal(t, interfaces.GrantIdle, f.grant.Status)
	require.Equal(t, uint32(3), f.grant.KeyVersion)
	require.NotNil(t, f.grant.Wrapped)
	require.Equal(t, uint32(3), f.grant.Wrapped.KeyVersion)
}

func TestConfirmOnlyByOwner(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.accept(t)

	_, err := f.machine.Confirm(context.Background(), f.grant.ID, f.granteeID, f.ownerSecret)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestWaitPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	f.accept(t)
	f.confirm(t)
	f.request(t)

	require.Equal(t, interfaces.GrantRequested, f.grant.Status)
	require.NotNil(t, f.grant.WaitExpiresAt)
	require.Equal(t, f.clock.Add(7*24*time.Hour), *f.grant.WaitExpiresAt)

	notifier := f.machine.notifier.(*recordingNotifier)
	require.Equal(t, 1, notifier.requested)

	f.advance(6*24*time.Hour + 23*time.Hour)
	view, err := f.machine.View(ctx, f.grant.ID, f.granteeID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantRequested, view.Status)

	f.advance(time.Hour + time.Second)
	view, err = f.machine.View(ctx, f.grant.ID, f.granteeID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantActivated, view.Status)

	// Activation is a property of the clock, not a write.
	stored, err := f.store.Grant(ctx, f.grant.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantRequested, stored.Status)
}

func TestOwnerRejectsRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	f.accept(t)
	f.confirm(t)
	f.request(t)

	_, err := f.machine.RejectRequest(ctx, f.grant.ID, f.granteeID)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	grant, err := f.machine.RejectRequest(ctx, f.grant.ID, f.ownerID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantIdle, grant.Status)
	require.Nil(t, grant.RequestedAt)
	require.Nil(t, grant.WaitExpiresAt)

	// Past the wait the grantee holds access and a reject is too late.
	f.request(t)
	f.advance(7*24*time.Hour + time.Second)
	_, err = f.machine.RejectRequest(ctx, f.grant.ID, f.ownerID)
	require.ErrorIs(t, err, interfaces.ErrInvalidTransition)
	var invalid *interfaces.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, interfaces.GrantActivated, invalid.Status)
}

func TestRevokeNullsCryptoFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	f.accept(t)
	f.confirm(t)

	require.ErrorIs(t,
		f.machine.Revoke(ctx, f.grant.ID, f.granteeID),
		interfaces.ErrAuthenticationFailure)

	require.NoError(t, f.machine.Revoke(ctx, f.grant.ID, f.ownerID))

	grant, err := f.store.Grant(ctx, f.grant.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantRevoked, grant.Status)
	require.Nil(t, grant.Wrapped)
	require.Empty(t, grant.TokenHash)
	require.Zero(t, grant.KeyVersion)
	require.Zero(t, grant.WrapVersion)
	require.Empty(t, grant.KeyAlgorithm)
	require.NotNil(t, grant.RevokedAt)

	// Terminal: nothing comes back from REVOKED.
	require.ErrorIs(t,
		f.machine.Revoke(ctx, f.grant.ID, f.ownerID),
		interfaces.ErrInvalidTransition)

	notifier := f.machine.notifier.(*recordingNotifier)
	require.Equal(t, 1, notifier.revoked)
}

func TestRotationStalesGrantUntilReconfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t)
	f.accept(t)
	f.confirm(t)
	require.Equal(t, uint32(1), f.grant.KeyVersion)

	coordinator := rotation.New(f.store, slog.New(slog.DiscardHandler))
	newSecret := make([]byte, 32)
	_, err := rand.Read(newSecret)
	require.NoError(t, err)

	version, err := coordinator.RotatePersonal(ctx, rotation.PersonalRotation{
		UserID:                  f.ownerID,
		OldVerifier:             []byte("owner-verifier"),
		NewWrappedKey:           []byte("rotated-wrapped-key"),
		NewVerificationArtifact: []byte("rotated-artifact"),
		NewVerifier:             []byte("rotated-verifier"),
	})
	require.NoError(t, err)
	require.Equal(t, uint32(2), version)

	stored, err := f.store.Grant(ctx, f.grant.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.GrantStale, stored.Status)

	// Stale escrow no longer grants access.
	_, err = f.machine.Request(ctx, f.grant.ID, f.granteeID)
	require.ErrorIs(t, err, interfaces.ErrInvalidTransition)
	_, err = f.machine.ReadVault(ctx, f.grant.ID, f.granteeID, f.granteeKey)
	require.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	// Re-confirmation escrows under the new version.
	f.ownerSecret = newSecret
	f.confirm(t)
	require.Equal(t, interfaces.GrantIdle, f.grant.Status)
	require.Equal(t, uint32(2), f.grant.KeyVersion)
}

// transitionGrid exhaustively checks every (status, action) pair against
// the allowed set.
func TestTransitionGrid(t *testing.T) {
	type action struct {
		name string
		run  func(f *fixture) error
	}
	actions := []action{
		{"accept", func(f *fixture) error {
			_, err := f.machine.Accept(context.Background(), AcceptParams{
				GrantID:           f.grant.ID,
				GranteeID:         f.granteeID,
				GranteeEmail:      f.email,
				Token:             f.token,
				PublicKey:         f.granteeKey.PublicKey().Bytes(),
				WrappedPrivateKey: []byte("wrapped-private"),
			})
			return err
		}},
		{"reject", func(f *fixture) error {
			return f.machine.Reject(context.Background(), f.grant.ID, f.email, f.token)
		}},
		{"confirm", func(f *fixture) error {
			_, err := f.machine.Confirm(context.Background(), f.grant.ID, f.ownerID, f.ownerSecret)
			return err
		}},
		{"request", func(f *fixture) error {
			_, err := f.machine.Request(context.Background(), f.grant.ID, f.granteeID)
			return err
		}},
		{"rejectRequest", func(f *fixture) error {
			_, err := f.machine.RejectRequest(context.Background(), f.grant.ID, f.ownerID)
			return err
		}},
		{"revoke", func(f *fixture) error {
			return f.machine.Revoke(context.Background(), f.grant.ID, f.ownerID)
		}},
		{"read", func(f *fixture) error {
			_, err := f.machine.ReadVault(context.Background(), f.grant.ID, f.granteeID, f.granteeKey)
			return err
		}},
	}

	// buildTo walks a fresh fixture's grant into the given status.
	buildTo := func(t *testing.T, status interfaces.GrantStatus) *fixture {
		t.Helper()
		f := newFixture(t)
		f.create(t)
		switch status {
		case interfaces.GrantPending:
		case interfaces.GrantRejected:
			require.NoError(t, f.machine.Reject(context.Background(), f.grant.ID, f.email, f.token))
		case interfaces.GrantRevoked:
			require.NoError(t, f.machine.Revoke(context.Background(), f.grant.ID, f.ownerID))
		default:
			f.accept(t)
			switch status {
			case interfaces.GrantAccepted:
			case interfaces.GrantStale:
				f.confirm(t)
				_, err := f.store.MarkOwnerGrantsStale(context.Background(), f.ownerID, f.grant.KeyVersion+1)
				require.NoError(t, err)
			default:
				f.confirm(t)
				switch status {
				case interfaces.GrantIdle:
				case interfaces.GrantRequested:
					f.request(t)
				case interfaces.GrantActivated:
					f.request(t)
					f.advance(7*24*time.Hour + time.Second)
				}
			}
		}
		return f
	}

	allowed := map[interfaces.GrantStatus]map[string]bool{
		interfaces.GrantPending:   {"accept": true, "reject": true, "revoke": true},
		interfaces.GrantAccepted:  {"confirm": true, "revoke": true},
		interfaces.GrantIdle:      {"request": true, "revoke": true},
		interfaces.GrantRequested: {"rejectRequest": true, "revoke": true},
		interfaces.GrantActivated: {"read": true, "revoke": true},
		interfaces.GrantStale:     {"confirm": true, "revoke": true},
		interfaces.GrantRevoked:   {},
		interfaces.GrantRejected:  {"revoke": true},
	}

	statuses := []interfaces.GrantStatus{
		interfaces.GrantPending,
		interfaces.GrantAccepted,
		interfaces.GrantIdle,
		interfaces.GrantRequested,
		interfaces.GrantActivated,
		interfaces.GrantStale,
		interfaces.GrantRevoked,
		interfaces.GrantRejected,
	}

	for _, status := range statuses {
		for _, act := range actions {
			t.Run(string(status)+"/"+act.name, func(t *testing.T) {
				f := buildTo(t, status)
				err := act.run(f)
				if allowed[status][act.name] {
					require.NoError(t, err)
				} else {
					require.Error(t, err)
				}
			})
		}
	}
}
