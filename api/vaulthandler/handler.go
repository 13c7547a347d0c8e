// Package vaulthandler translates the vault HTTP surface into core
// operations: personal and organization rotation, entry storage, and the
// emergency access lifecycle. Authentication happens upstream; handlers
// read the caller's identity from validated headers.
package vaulthandler

import (
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/credvault/vault-escrow-backend/api"
	"github.com/credvault/vault-escrow-backend/emergency"
	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/keywrap"
	"github.com/credvault/vault-escrow-backend/rotation"
)

// maxBodySize is the maximum allowed request body size (4MB; org rotations
// carry re-encrypted entry sets).
const maxBodySize = 4 * 1024 * 1024

// Handler processes vault HTTP requests.
type Handler struct {
	coordinator *rotation.Coordinator
	machine     *emergency.Machine
	store       interfaces.VaultStore
	log         *slog.Logger
}

// NewHandler creates a handler over the core components.
func NewHandler(coordinator *rotation.Coordinator, machine *emergency.Machine, store interfaces.VaultStore, log *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		machine:     machine,
		store:       store,
		log:         log,
	}
}

// RegisterRoutes mounts the vault API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/keys/current", h.HandleCurrentKey)
	r.Post("/api/v1/keys/rotate", h.HandlePersonalRotation)

	r.Get("/api/v1/entries", h.HandleListEntries)
	r.Put("/api/v1/entries/{entry_id}", h.HandleUpsertEntry)

	r.Post("/api/v1/orgs/{org_id}", h.HandleCreateOrg)
	r.Post("/api/v1/orgs/{org_id}/members", h.HandleAddMember)
	r.Delete("/api/v1/orgs/{org_id}/members/{member_id}", h.HandleRemoveMember)
	r.Post("/api/v1/orgs/{org_id}/rotate", h.HandleOrgRotation)
	r.Post("/api/v1/orgs/{org_id}/keys/{member_id}", h.HandleDistributeKey)
	r.Get("/api/v1/orgs/{org_id}/keys", h.HandleOrgKey)

	r.Post("/api/v1/grants", h.HandleCreateGrant)
	r.Get("/api/v1/grants", h.HandleListGrants)
	r.Get("/api/v1/grants/{grant_id}", h.HandleViewGrant)
	r.Post("/api/v1/grants/{grant_id}/accept", h.HandleAcceptGrant)
	r.Post("/api/v1/grants/{grant_id}/reject", h.HandleRejectGrant)
	r.Post("/api/v1/grants/{grant_id}/confirm", h.HandleConfirmGrant)
	r.Post("/api/v1/grants/{grant_id}/request", h.HandleRequestAccess)
	r.Post("/api/v1/grants/{grant_id}/reject-request", h.HandleRejectRequest)
	r.Post("/api/v1/grants/{grant_id}/revoke", h.HandleRevokeGrant)
	r.Get("/api/v1/grants/{grant_id}/keypair", h.HandleGrantKeyPair)
	r.Post("/api/v1/grants/{grant_id}/vault", h.HandleVaultRead)
}

// caller extracts the authenticated principal from the gateway headers.
func caller(r *http.Request) (interfaces.PrincipalID, error) {
	principal := r.Header.Get(api.PrincipalHeader)
	if principal == "" {
		return "", fmt.Errorf("missing %s header", api.PrincipalHeader)
	}
	return interfaces.PrincipalID(principal), nil
}

func decode(r *http.Request, into any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("could not read request body: %w", err)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("could not parse request body: %w", err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// writeError maps the closed domain error set onto HTTP statuses. Error
// bodies carry only the domain error text; key material never reaches them.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrAuthenticationFailure):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrIncompleteEscrow):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, interfaces.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, emergency.ErrDuplicateGrant):
		status = http.StatusConflict
	case errors.Is(err, rotation.ErrTooManyEntries):
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err, "path", r.URL.Path)
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) HandleCurrentKey(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	rec, err := h.store.PersonalKeyVersion(r.Context(), principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.KeyVersionResponse{
		Version:              rec.Version,
		WrappedKey:           rec.WrappedKey,
		VerificationArtifact: rec.VerificationArtifact,
		PublicKey:            rec.PublicKey,
	})
}

func (h *Handler) HandlePersonalRotation(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.PersonalRotationRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.NewWrappedKey) == 0 || len(req.NewVerifier) == 0 {
		http.Error(w, "new wrapped key and verifier are required", http.StatusBadRequest)
		return
	}

	version, err := h.coordinator.RotatePersonal(r.Context(), rotation.PersonalRotation{
		UserID:                  principal,
		OldVerifier:             req.OldVerifier,
		NewWrappedKey:           req.NewWrappedKey,
		NewVerificationArtifact: req.NewVerificationArtifact,
		NewVerifier:             req.NewVerifier,
		NewPublicKey:            req.NewPublicKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RotationResponse{Version: version})
}

func (h *Handler) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	entries, err := h.store.PersonalEntries(r.Context(), principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]api.VaultEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.NewVaultEntryDTO(e))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleUpsertEntry(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.VaultEntryDTO
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ID = chi.URLParam(r, "entry_id")
	if req.ID == "" || len(req.Ciphertext) == 0 {
		http.Error(w, "entry id and ciphertext are required", http.StatusBadRequest)
		return
	}

	if err := h.store.UpsertPersonalEntry(r.Context(), principal, req.ToVaultEntry()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCreateOrg(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	orgID := interfaces.OrgID(chi.URLParam(r, "org_id"))
	if err := h.store.CreateOrg(r.Context(), orgID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.AddMemberRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MemberID == "" {
		http.Error(w, "member id is required", http.StatusBadRequest)
		return
	}

	orgID := interfaces.OrgID(chi.URLParam(r, "org_id"))
	if err := h.store.AddOrgMember(r.Context(), orgID, interfaces.PrincipalID(req.MemberID)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	orgID := interfaces.OrgID(chi.URLParam(r, "org_id"))
	member := interfaces.PrincipalID(chi.URLParam(r, "member_id"))
	if err := h.store.RemoveOrgMember(r.Context(), orgID, member); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleOrgRotation(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.OrgRotationRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries := make([]interfaces.VaultEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, e.ToVaultEntry())
	}
	wraps := make([]interfaces.MemberWrappedKey, 0, len(req.MemberWraps))
	for _, mw := range req.MemberWraps {
		wraps = append(wraps, interfaces.MemberWrappedKey{
			MemberID: interfaces.PrincipalID(mw.MemberID),
			Wrapped:  mw.Wrapped.ToWrappedKey(),
		})
	}

	version, err := h.coordinator.RotateOrg(r.Context(), rotation.OrgRotation{
		OrgID:                  interfaces.OrgID(chi.URLParam(r, "org_id")),
		ExpectedCurrentVersion: req.ExpectedCurrentVersion,
		Entries:                entries,
		MemberWraps:            wraps,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.RotationResponse{Version: version})
}

func (h *Handler) HandleDistributeKey(w http.ResponseWriter, r *http.Request) {
	if _, err := caller(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.DistributeKeyRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	orgID := interfaces.OrgID(chi.URLParam(r, "org_id"))
	member := interfaces.PrincipalID(chi.URLParam(r, "member_id"))
	if err := h.coordinator.DistributeOrgKey(r.Context(), orgID, member, req.Wrapped.ToWrappedKey()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleOrgKey returns the caller's wrap of the current org key.
func (h *Handler) HandleOrgKey(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	orgID := interfaces.OrgID(chi.URLParam(r, "org_id"))
	version, err := h.store.CurrentOrgKeyVersion(r.Context(), orgID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	wrapped, err := h.store.OrgWrappedKey(r.Context(), orgID, principal, version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewWrappedKeyDTO(*wrapped))
}

func (h *Handler) HandleCreateGrant(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	email := r.Header.Get(api.EmailHeader)
	if email == "" {
		http.Error(w, fmt.Sprintf("missing %s header", api.EmailHeader), http.StatusUnauthorized)
		return
	}

	var req api.CreateGrantRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	grant, token, err := h.machine.Create(r.Context(), principal, email, req.GranteeEmail, req.WaitDays)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, api.CreateGrantResponse{
		Grant: api.NewGrantView(grant),
		Token: token,
	})
}

func (h *Handler) HandleListGrants(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var grants []*interfaces.EmergencyAccessGrant
	switch role := r.URL.Query().Get("role"); role {
	case "", "owner":
		grants, err = h.machine.ListByOwner(r.Context(), principal)
	case "grantee":
		grants, err = h.machine.ListByGrantee(r.Context(), principal)
	default:
		http.Error(w, fmt.Sprintf("unknown role %q", role), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := api.GrantListResponse{Grants: make([]api.GrantView, 0, len(grants))}
	for _, g := range grants {
		out.Grants = append(out.Grants, api.NewGrantView(g))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) HandleViewGrant(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	grant, err := h.machine.View(r.Context(), interfaces.GrantID(chi.URLParam(r, "grant_id")), principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewGrantView(grant))
}

func (h *Handler) HandleAcceptGrant(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	email := r.Header.Get(api.EmailHeader)
	if email == "" {
		http.Error(w, fmt.Sprintf("missing %s header", api.EmailHeader), http.StatusUnauthorized)
		return
	}

	var req api.AcceptGrantRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	grant, err := h.machine.Accept(r.Context(), emergency.AcceptParams{
		GrantID:           interfaces.GrantID(chi.URLParam(r, "grant_id")),
		GranteeID:         principal,
		GranteeEmail:      email,
		Token:             req.Token,
		PublicKey:         req.PublicKey,
		WrappedPrivateKey: req.WrappedPrivateKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewGrantView(grant))
}

func (h *Handler) HandleRejectGrant(w http.ResponseWriter, r *http.Request) {
	email := r.Header.Get(api.EmailHeader)
	if email == "" {
		http.Error(w, fmt.Sprintf("missing %s header", api.EmailHeader), http.StatusUnauthorized)
		return
	}

	var req api.RejectGrantRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	if err := h.machine.Reject(r.Context(), grantID, email, req.Token); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleConfirmGrant(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.ConfirmGrantRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.VaultKey) == 0 {
		http.Error(w, "vault key is required", http.StatusBadRequest)
		return
	}
	defer keywrap.Zero(req.VaultKey)

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	grant, err := h.machine.Confirm(r.Context(), grantID, principal, req.VaultKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewGrantView(grant))
}

func (h *Handler) HandleRequestAccess(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	grant, err := h.machine.Request(r.Context(), grantID, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewGrantView(grant))
}

func (h *Handler) HandleRejectRequest(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	grant, err := h.machine.RejectRequest(r.Context(), grantID, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.NewGrantView(grant))
}

func (h *Handler) HandleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	if err := h.machine.Revoke(r.Context(), grantID, principal); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGrantKeyPair returns the grantee's grant-scoped keypair so their
// client can unwrap the private half locally.
func (h *Handler) HandleGrantKeyPair(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	grant, err := h.machine.View(r.Context(), grantID, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if grant.GranteeID != principal {
		h.writeError(w, r, interfaces.ErrAuthenticationFailure)
		return
	}

	pair, err := h.store.GrantKeyPair(r.Context(), grantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.GrantKeyPairResponse{
		PublicKey:         pair.PublicKey,
		WrappedPrivateKey: pair.WrappedPrivateKey,
	})
}

func (h *Handler) HandleVaultRead(w http.ResponseWriter, r *http.Request) {
	principal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req api.VaultReadRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer keywrap.Zero(req.PrivateKey)

	privateKey, err := ecdh.P256().NewPrivateKey(req.PrivateKey)
	if err != nil {
		http.Error(w, "invalid grant private key", http.StatusBadRequest)
		return
	}

	grantID := interfaces.GrantID(chi.URLParam(r, "grant_id"))
	entries, err := h.machine.ReadVault(r.Context(), grantID, principal, privateKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := api.VaultReadResponse{Entries: make([]api.DecryptedEntryDTO, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, api.DecryptedEntryDTO{ID: e.ID, Plaintext: e.Plaintext})
	}
	h.writeJSON(w, http.StatusOK, out)
}
