// Package notify defines the outbound notification contract for emergency
// access events. Delivery is fire-and-forget: the state machine never blocks
// on or fails because of a notification.
package notify

import (
	"context"
	"log/slog"

	"github.com/credvault/vault-escrow-backend/interfaces"
)

// Notifier delivers emergency access notifications to the parties involved.
// Implementations must not return errors to the caller; delivery problems
// are their own to log and retry.
type Notifier interface {
	// GrantInvited tells the invitee about a new grant. The invite token is
	// passed in the clear here and nowhere else; implementations must not
	// persist or log it.
	GrantInvited(ctx context.Context, grant *interfaces.EmergencyAccessGrant, token string)

	// AccessRequested tells the owner the grantee started the wait period.
	AccessRequested(ctx context.Context, grant *interfaces.EmergencyAccessGrant)

	// GrantRevoked tells the grantee the grant was permanently revoked.
	GrantRevoked(ctx context.Context, grant *interfaces.EmergencyAccessGrant)
}

// LogNotifier writes notification events to the structured log instead of
// delivering them. It is the default wiring for deployments without a
// mailer and the implementation used in tests.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier returns a notifier backed by the given logger.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) GrantInvited(ctx context.Context, grant *interfaces.EmergencyAccessGrant, token string) {
	// The token itself stays out of the log.
	n.log.InfoContext(ctx, "emergency access invite",
		"grantId", grant.ID,
		"ownerId", grant.OwnerID,
		"granteeEmail", grant.GranteeEmail,
		"tokenExpiresAt", grant.TokenExpiresAt,
	)
}

func (n *LogNotifier) AccessRequested(ctx context.Context, grant *interfaces.EmergencyAccessGrant) {
	n.log.InfoContext(ctx, "emergency access requested",
		"grantId", grant.ID,
		"ownerId", grant.OwnerID,
		"granteeId", grant.GranteeID,
		"waitExpiresAt", grant.WaitExpiresAt,
	)
}

func (n *LogNotifier) GrantRevoked(ctx context.Context, grant *interfaces.EmergencyAccessGrant) {
	n.log.InfoContext(ctx, "emergency access revoked",
		"grantId", grant.ID,
		"ownerId", grant.OwnerID,
		"granteeId", grant.GranteeID,
	)
}
