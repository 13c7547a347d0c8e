package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/credvault/vault-escrow-backend/interfaces"
)

// MemoryStore is an in-memory VaultStore with the same compare-and-set
// semantics as the Bun implementation. It backs unit tests of the layers
// above and small ephemeral deployments.
type MemoryStore struct {
	mu sync.RWMutex

	personalKeys map[interfaces.PrincipalID][]*interfaces.KeyVersionRecord
	entries      map[string]map[string]interfaces.VaultEntry // "kind/owner" -> entryID -> entry
	orgVersions  map[interfaces.OrgID]uint32
	orgMembers   map[interfaces.OrgID]map[interfaces.PrincipalID]bool
	orgWraps     map[string]interfaces.WrappedKey // "org/member/version"
	grants       map[interfaces.GrantID]*interfaces.EmergencyAccessGrant
	keyPairs     map[interfaces.GrantID]*interfaces.EmergencyAccessKeyPair
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		personalKeys: make(map[interfaces.PrincipalID][]*interfaces.KeyVersionRecord),
		entries:      make(map[string]map[string]interfaces.VaultEntry),
		orgVersions:  make(map[interfaces.OrgID]uint32),
		orgMembers:   make(map[interfaces.OrgID]map[interfaces.PrincipalID]bool),
		orgWraps:     make(map[string]interfaces.WrappedKey),
		grants:       make(map[interfaces.GrantID]*interfaces.EmergencyAccessGrant),
		keyPairs:     make(map[interfaces.GrantID]*interfaces.EmergencyAccessKeyPair),
	}
}

func (s *MemoryStore) PersonalKeyVersion(_ context.Context, userID interfaces.PrincipalID) (*interfaces.KeyVersionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.personalKeys[userID]
	if len(recs) == 0 {
		return nil, interfaces.ErrNotFound
	}
	rec := *recs[len(recs)-1]
	return &rec, nil
}

func (s *MemoryStore) InsertPersonalKeyVersion(_ context.Context, rec *interfaces.KeyVersionRecord, expectedCurrent uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	have := uint32(0)
	if recs := s.personalKeys[rec.UserID]; len(recs) > 0 {
		have = recs[len(recs)-1].Version
	}
	if have != expectedCurrent {
		return &interfaces.VersionConflictError{Expected: expectedCurrent, Current: have}
	}

	cp := *rec
	cp.CreatedAt = time.Now().UTC()
	s.personalKeys[rec.UserID] = append(s.personalKeys[rec.UserID], &cp)
	return nil
}

func (s *MemoryStore) PersonalEntries(_ context.Context, userID interfaces.PrincipalID) ([]interfaces.VaultEntry, error) {
	return s.listEntries("user/" + string(userID)), nil
}

func (s *MemoryStore) UpsertPersonalEntry(_ context.Context, userID interfaces.PrincipalID, entry interfaces.VaultEntry) error {
	s.putEntry("user/"+string(userID), entry)
	return nil
}

func (s *MemoryStore) CreateOrg(_ context.Context, orgID interfaces.OrgID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgVersions[orgID]; ok {
		return fmt.Errorf("org %s already exists", orgID)
	}
	s.orgVersions[orgID] = 0
	s.orgMembers[orgID] = make(map[interfaces.PrincipalID]bool)
	return nil
}

func (s *MemoryStore) CurrentOrgKeyVersion(_ context.Context, orgID interfaces.OrgID) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, ok := s.orgVersions[orgID]
	if !ok {
		return 0, interfaces.ErrNotFound
	}
	return version, nil
}

func (s *MemoryStore) ActiveOrgMembers(_ context.Context, orgID interfaces.OrgID) ([]interfaces.PrincipalID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var members []interfaces.PrincipalID
	for member, active := range s.orgMembers[orgID] {
		if active {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (s *MemoryStore) AddOrgMember(_ context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orgMembers[orgID] == nil {
		s.orgMembers[orgID] = make(map[interfaces.PrincipalID]bool)
	}
	s.orgMembers[orgID][member] = true
	return nil
}

func (s *MemoryStore) RemoveOrgMember(_ context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orgMembers[orgID] != nil {
		s.orgMembers[orgID][member] = false
	}
	return nil
}

func (s *MemoryStore) ApplyOrgRotation(_ context.Context, orgID interfaces.OrgID, newVersion uint32, entries []interfaces.VaultEntry, wraps []interfaces.MemberWrappedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orgVersions[orgID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if newVersion != current+1 {
		return &interfaces.VersionConflictError{Expected: newVersion - 1, Current: current}
	}

	s.orgVersions[orgID] = newVersion
	for _, entry := range entries {
		s.putEntryLocked("org/"+string(orgID), entry)
	}
	for _, wrap := range wraps {
		s.orgWraps[orgWrapKey(orgID, wrap.MemberID, newVersion)] = wrap.Wrapped
	}
	return nil
}

func (s *MemoryStore) OrgWrappedKey(_ context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID, version uint32) (*interfaces.WrappedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wrapped, ok := s.orgWraps[orgWrapKey(orgID, member, version)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &wrapped, nil
}

func (s *MemoryStore) AddOrgWrappedKey(_ context.Context, orgID interfaces.OrgID, member interfaces.PrincipalID, version uint32, wrapped interfaces.WrappedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orgWrapKey(orgID, member, version)
	if _, exists := s.orgWraps[key]; exists {
		return fmt.Errorf("wrapped key already distributed for %s", key)
	}
	s.orgWraps[key] = wrapped
	return nil
}

func (s *MemoryStore) OrgEntries(_ context.Context, orgID interfaces.OrgID) ([]interfaces.VaultEntry, error) {
	return s.listEntries("org/" + string(orgID)), nil
}

func (s *MemoryStore) InsertGrant(_ context.Context, grant *interfaces.EmergencyAccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("grant %s already exists", grant.ID)
	}
	cp := *grant
	s.grants[grant.ID] = &cp
	return nil
}

func (s *MemoryStore) Grant(_ context.Context, id interfaces.GrantID) (*interfaces.EmergencyAccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *grant
	return &cp, nil
}

func (s *MemoryStore) GrantsByOwner(_ context.Context, ownerID interfaces.PrincipalID) ([]*interfaces.EmergencyAccessGrant, error) {
	return s.grantsMatching(func(g *interfaces.EmergencyAccessGrant) bool { return g.OwnerID == ownerID }), nil
}

func (s *MemoryStore) GrantsByGrantee(_ context.Context, granteeID interfaces.PrincipalID) ([]*interfaces.EmergencyAccessGrant, error) {
	return s.grantsMatching(func(g *interfaces.EmergencyAccessGrant) bool { return g.GranteeID == granteeID }), nil
}

func (s *MemoryStore) OpenGrantExists(_ context.Context, ownerID interfaces.PrincipalID, granteeEmail string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants {
		if g.OwnerID == ownerID &&
			strings.EqualFold(g.GranteeEmail, granteeEmail) &&
			g.Status != interfaces.GrantRevoked &&
			g.Status != interfaces.GrantRejected {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateGrant(_ context.Context, grant *interfaces.EmergencyAccessGrant, expectedStatus interfaces.GrantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.grants[grant.ID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if stored.Status != expectedStatus {
		return &interfaces.InvalidTransitionError{
			Status: stored.Status,
			Action: fmt.Sprintf("transition to %s", grant.Status),
		}
	}
	cp := *grant
	cp.UpdatedAt = time.Now().UTC()
	s.grants[grant.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkOwnerGrantsStale(_ context.Context, ownerID interfaces.PrincipalID, belowVersion uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for _, g := range s.grants {
		if g.OwnerID != ownerID || g.KeyVersion >= belowVersion {
			continue
		}
		switch g.Status {
		case interfaces.GrantIdle, interfaces.GrantRequested, interfaces.GrantActivated:
			g.Status = interfaces.GrantStale
			g.UpdatedAt = time.Now().UTC()
			marked++
		}
	}
	return marked, nil
}

func (s *MemoryStore) InsertGrantKeyPair(_ context.Context, pair *interfaces.EmergencyAccessKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyPairs[pair.GrantID]; exists {
		return fmt.Errorf("keypair for grant %s already exists", pair.GrantID)
	}
	cp := *pair
	s.keyPairs[pair.GrantID] = &cp
	return nil
}

func (s *MemoryStore) GrantKeyPair(_ context.Context, grantID interfaces.GrantID) (*interfaces.EmergencyAccessKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.keyPairs[grantID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *pair
	return &cp, nil
}

func (s *MemoryStore) grantsMatching(match func(*interfaces.EmergencyAccessGrant) bool) []*interfaces.EmergencyAccessGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.EmergencyAccessGrant
	for _, g := range s.grants {
		if match(g) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) listEntries(owner string) []interfaces.VaultEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []interfaces.VaultEntry
	for _, entry := range s.entries[owner] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) putEntry(owner string, entry interfaces.VaultEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putEntryLocked(owner, entry)
}

func (s *MemoryStore) putEntryLocked(owner string, entry interfaces.VaultEntry) {
	if s.entries[owner] == nil {
		s.entries[owner] = make(map[string]interfaces.VaultEntry)
	}
	s.entries[owner][entry.ID] = entry
}

func orgWrapKey(orgID interfaces.OrgID, member interfaces.PrincipalID, version uint32) string {
	return fmt.Sprintf("%s/%s/%d", orgID, member, version)
}
