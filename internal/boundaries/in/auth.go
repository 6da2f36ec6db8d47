package in

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/bnema/reach/internal/domain"
)

// SessionService defines the contract for the client session authority.
type SessionService interface {
	// Load restores the persisted token record, discarding invalid data.
	Load(ctx context.Context) error

	// Login authenticates with credentials and installs the resulting grant.
	Login(ctx context.Context, creds domain.Credentials) error

	// Logout clears every token and notifies subscribers.
	Logout(ctx context.Context)

	// GetValidToken returns the current token, refreshing only when it has expired.
	GetValidToken(ctx context.Context) domain.TokenResult

	// GetValidTokenWithRefresh refreshes ahead of expiry and deduplicates concurrent callers.
	GetValidTokenWithRefresh(ctx context.Context) domain.TokenResult

	// SetTokenData validates and installs a token record.
	SetTokenData(ctx context.Context, record domain.TokenRecord) error

	// ClearAllTokens drops in-memory and persisted token state.
	ClearAllTokens(ctx context.Context)

	// Subscribe registers a listener for token changes.
	// The listener receives "" when tokens are cleared.
	Subscribe(fn func(token string)) (unsubscribe func())

	// IsSessionActive reports whether a token exists and the user was active recently.
	IsSessionActive() bool

	// ReportActivity records user interaction and extends the session.
	ReportActivity()

	// GetTokenSync returns the token without refreshing.
	GetTokenSync() (string, bool)

	// Snapshot returns a copy of the current record, or nil.
	Snapshot() *domain.TokenRecord

	// TokenSource exposes the session as an oauth2.TokenSource.
	TokenSource(ctx context.Context) oauth2.TokenSource
}
