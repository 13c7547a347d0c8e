package vaulthandler

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/credvault/vault-escrow-backend/api"
	"github.com/credvault/vault-escrow-backend/emergency"
	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/keywrap"
	"github.com/credvault/vault-escrow-backend/notify"
	"github.com/credvault/vault-escrow-backend/rotation"
	"github.com/credvault/vault-escrow-backend/storage"
)

func newTestRouter(t *testing.T) (chi.Router, *storage.MemoryStore) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	store := storage.NewMemoryStore()
	coordinator := rotation.New(store, log)
	machine := emergency.New(store, notify.NewLogNotifier(log), log)

	router := chi.NewRouter()
	NewHandler(coordinator, machine, store, log).RegisterRoutes(router)
	return router, store
}

func doRequest(t *testing.T, router chi.Router, method, path, principal, email string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if principal != "" {
		req.Header.Set(api.PrincipalHeader, principal)
	}
	if email != "" {
		req.Header.Set(api.EmailHeader, email)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPersonalKeyEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	// Identity header is mandatory.
	rec := doRequest(t, router, http.MethodPost, "/api/v1/keys/rotate", "", "", api.PersonalRotationRequest{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/keys/rotate", "alice", "", api.PersonalRotationRequest{
		NewWrappedKey: []byte("wrapped-v1"),
		NewVerifier:   []byte("verifier-v1"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint32(1), decodeBody[api.RotationResponse](t, rec).Version)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/keys/rotate", "alice", "", api.PersonalRotationRequest{
		OldVerifier:   []byte("wrong"),
		NewWrappedKey: []byte("wrapped-v2"),
		NewVerifier:   []byte("verifier-v2"),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/keys/current", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decodeBody[api.KeyVersionResponse](t, rec)
	require.Equal(t, uint32(1), current.Version)
	require.Equal(t, []byte("wrapped-v1"), current.WrappedKey)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/keys/current", "nobody", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEntryEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	entry := api.VaultEntryDTO{
		KeyVersion: 1,
		AADVersion: 1,
		IV:         []byte("0123456789ab"),
		Ciphertext: []byte("ciphertext"),
		AuthTag:    []byte("0123456789abcdef"),
	}
	rec := doRequest(t, router, http.MethodPut, "/api/v1/entries/e1", "alice", "", entry)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/entries", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]api.VaultEntryDTO](t, rec)
	require.Len(t, entries, 1)
	require.Equal(t, "e1", entries[0].ID)

	// Another principal's listing is empty.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/entries", "bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[[]api.VaultEntryDTO](t, rec))
}

func testWrapDTO(member string, version uint32) api.MemberWrapDTO {
	return api.MemberWrapDTO{
		MemberID: member,
		Wrapped: api.WrappedKeyDTO{
			Ciphertext:         []byte{1},
			IV:                 []byte{2},
			AuthTag:            []byte{3},
			EphemeralPublicKey: []byte{4},
			HKDFSalt:           []byte{5},
			KeyVersion:         version,
			WrapVersion:        uint8(keywrap.WrapVersionECDHP256),
		},
	}
}

func TestOrgEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1", "admin", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, member := range []string{"alice", "bob"} {
		rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/members", "admin", "",
			api.AddMemberRequest{MemberID: member})
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	// Missing bob's wrap blocks the rotation.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/rotate", "admin", "", api.OrgRotationRequest{
		ExpectedCurrentVersion: 0,
		MemberWraps:            []api.MemberWrapDTO{testWrapDTO("alice", 1)},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/rotate", "admin", "", api.OrgRotationRequest{
		ExpectedCurrentVersion: 0,
		MemberWraps:            []api.MemberWrapDTO{testWrapDTO("alice", 1), testWrapDTO("bob", 1)},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint32(1), decodeBody[api.RotationResponse](t, rec).Version)

	// Stale expected version conflicts.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/rotate", "admin", "", api.OrgRotationRequest{
		ExpectedCurrentVersion: 0,
		MemberWraps:            []api.MemberWrapDTO{testWrapDTO("alice", 1), testWrapDTO("bob", 1)},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Oversized rotations are a client error, not a server failure.
	oversized := make([]api.VaultEntryDTO, rotation.MaxRotationEntries+1)
	for i := range oversized {
		oversized[i] = api.VaultEntryDTO{ID: "e", KeyVersion: 2}
	}
	rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/rotate", "admin", "", api.OrgRotationRequest{
		ExpectedCurrentVersion: 1,
		Entries:                oversized,
		MemberWraps:            []api.MemberWrapDTO{testWrapDTO("alice", 2), testWrapDTO("bob", 2)},
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/orgs/org1/keys", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint32(1), decodeBody[api.WrappedKeyDTO](t, rec).KeyVersion)

	// Late joiner: explicit distribution.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/members", "admin", "",
		api.AddMemberRequest{MemberID: "carol"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, router, http.MethodPost, "/api/v1/orgs/org1/keys/carol", "admin", "",
		api.DistributeKeyRequest{Wrapped: testWrapDTO("carol", 1).Wrapped})
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, router, http.MethodGet, "/api/v1/orgs/org1/keys", "carol", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGrantFlow(t *testing.T) {
	router, _ := newTestRouter(t)

	// Owner enrolls a personal key; confirmation reads its version.
	rec := doRequest(t, router, http.MethodPost, "/api/v1/keys/rotate", "owner", "", api.PersonalRotationRequest{
		NewWrappedKey: []byte("wrapped-v1"),
		NewVerifier:   []byte("verifier-v1"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/grants", "owner", "owner@example.com", api.CreateGrantRequest{
		GranteeEmail: "grantee@example.com",
		WaitDays:     7,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[api.CreateGrantResponse](t, rec)
	require.NotEmpty(t, created.Token)
	require.Equal(t, string(interfaces.GrantPending), created.Grant.Status)
	grantPath := "/api/v1/grants/" + created.Grant.ID

	// Duplicate invite conflicts.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/grants", "owner", "owner@example.com", api.CreateGrantRequest{
		GranteeEmail: "grantee@example.com",
		WaitDays:     7,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Inviting yourself is rejected, and the caller's email is mandatory.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/grants", "owner", "owner@example.com", api.CreateGrantRequest{
		GranteeEmail: "Owner@example.com",
		WaitDays:     7,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = doRequest(t, router, http.MethodPost, "/api/v1/grants", "owner", "", api.CreateGrantRequest{
		GranteeEmail: "third@example.com",
		WaitDays:     7,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	granteeKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	// Wrong token is rejected without detail.
	rec = doRequest(t, router, http.MethodPost, grantPath+"/accept", "grantee", "grantee@example.com", api.AcceptGrantRequest{
		Token:             "not-the-token",
		PublicKey:         granteeKey.PublicKey().Bytes(),
		WrappedPrivateKey: []byte("wrapped-private"),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodPost, grantPath+"/accept", "grantee", "grantee@example.com", api.AcceptGrantRequest{
		Token:             created.Token,
		PublicKey:         granteeKey.PublicKey().Bytes(),
		WrappedPrivateKey: []byte("wrapped-private"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(interfaces.GrantAccepted), decodeBody[api.GrantView](t, rec).Status)

	// Grantee fetches their keypair.
	rec = doRequest(t, router, http.MethodGet, grantPath+"/keypair", "grantee", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decodeBody[api.GrantKeyPairResponse](t, rec)
	require.Equal(t, granteeKey.PublicKey().Bytes(), pair.PublicKey)

	// The owner does not hold the grantee's keypair.
	rec = doRequest(t, router, http.MethodGet, grantPath+"/keypair", "owner", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	vaultKey := make([]byte, 32)
	_, err = rand.Read(vaultKey)
	require.NoError(t, err)
	rec = doRequest(t, router, http.MethodPost, grantPath+"/confirm", "owner", "", api.ConfirmGrantRequest{
		VaultKey: vaultKey,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	confirmed := decodeBody[api.GrantView](t, rec)
	require.Equal(t, string(interfaces.GrantIdle), confirmed.Status)
	require.Equal(t, uint32(1), confirmed.KeyVersion)

	rec = doRequest(t, router, http.MethodPost, grantPath+"/request", "grantee", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	requested := decodeBody[api.GrantView](t, rec)
	require.Equal(t, string(interfaces.GrantRequested), requested.Status)
	require.NotNil(t, requested.WaitExpiresAt)

	// Reading before the wait elapsed conflicts.
	rec = doRequest(t, router, http.MethodPost, grantPath+"/vault", "grantee", "", api.VaultReadRequest{
		PrivateKey: granteeKey.Bytes(),
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// A malformed key never reaches the core.
	rec = doRequest(t, router, http.MethodPost, grantPath+"/vault", "grantee", "", api.VaultReadRequest{
		PrivateKey: []byte("not a key"),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Owner rejects the request, then revokes.
	rec = doRequest(t, router, http.MethodPost, grantPath+"/reject-request", "owner", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(interfaces.GrantIdle), decodeBody[api.GrantView](t, rec).Status)

	rec = doRequest(t, router, http.MethodPost, grantPath+"/revoke", "owner", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodPost, grantPath+"/confirm", "owner", "", api.ConfirmGrantRequest{
		VaultKey: vaultKey,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// The view survives revocation for audit.
	rec = doRequest(t, router, http.MethodGet, grantPath, "owner", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(interfaces.GrantRevoked), decodeBody[api.GrantView](t, rec).Status)

	// Strangers see nothing.
	rec = doRequest(t, router, http.MethodGet, grantPath, "stranger", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/grants/no-such-grant", "owner", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListGrants(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/grants", "owner", "owner@example.com", api.CreateGrantRequest{
		GranteeEmail: "a@example.com",
		WaitDays:     3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(t, router, http.MethodPost, "/api/v1/grants", "owner", "owner@example.com", api.CreateGrantRequest{
		GranteeEmail: "b@example.com",
		WaitDays:     3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/grants?role=owner", "owner", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[api.GrantListResponse](t, rec).Grants, 2)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/grants?role=grantee", "owner", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decodeBody[api.GrantListResponse](t, rec).Grants)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/grants?role=auditor", "owner", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
