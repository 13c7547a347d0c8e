package emergency

import (
	"context"
	"crypto/ecdh"

	"github.com/credvault/vault-escrow-backend/aadbind"
	"github.com/credvault/vault-escrow-backend/entrycrypt"
	"github.com/credvault/vault-escrow-backend/interfaces"
	"github.com/credvault/vault-escrow-backend/keywrap"
	"github.com/credvault/vault-escrow-backend/metrics"
)

// DecryptedEntry is one vault entry recovered during an emergency read.
type DecryptedEntry struct {
	ID        string
	Plaintext []byte
}

// ReadVault decrypts the owner's vault for an activated grantee. granteeKey
// is the grant-scoped ECDH private key, unwrapped by the grantee's client.
//
// Entry decryption failures are per-entry: a corrupt or foreign-context row
// is skipped and the rest of the vault is still returned. The owner's
// secret is zeroized before returning.
func (m *Machine) ReadVault(ctx context.Context, grantID interfaces.GrantID, granteeID interfaces.PrincipalID, granteeKey *ecdh.PrivateKey) ([]DecryptedEntry, error) {
	grant, err := m.store.Grant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.GranteeID != granteeID {
		return nil, interfaces.ErrAuthenticationFailure
	}
	if status := m.effectiveStatus(grant); status != interfaces.GrantActivated {
		return nil, &interfaces.InvalidTransitionError{Status: status, Action: "read vault"}
	}
	if grant.Wrapped == nil {
		return nil, interfaces.ErrAuthenticationFailure
	}

	wrapContext := keywrap.EmergencyAccessContext(
		grant.ID.String(), grant.OwnerID.String(), grant.GranteeID.String(), grant.KeyVersion)
	ownerSecret, err := keywrap.Unwrap(grant.Wrapped, granteeKey, wrapContext)
	if err != nil {
		metrics.UnwrapFailuresTotal.Inc()
		return nil, err
	}
	defer keywrap.Zero(ownerSecret)

	entries, err := m.store.PersonalEntries(ctx, grant.OwnerID)
	if err != nil {
		return nil, err
	}

	out := make([]DecryptedEntry, 0, len(entries))
	for _, entry := range entries {
		plaintext, err := entrycrypt.Decrypt(ownerSecret, entry,
			aadbind.ScopePersonalEntry, []string{grant.OwnerID.String(), entry.ID})
		if err != nil {
			m.log.WarnContext(ctx, "skipping undecryptable vault entry",
				"grantId", grant.ID, "entryId", entry.ID)
			continue
		}
		out = append(out, DecryptedEntry{ID: entry.ID, Plaintext: plaintext})
	}
	return out, nil
}
