package out

import (
	"context"

	"github.com/bnema/reach/internal/domain"
)

// TokenRefresher exchanges a refresh token for a new grant.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
}

// Authenticator obtains a grant from user credentials.
type Authenticator interface {
	Login(ctx context.Context, creds domain.Credentials) (*domain.TokenGrant, error)
}

// AuthAPI combines both endpoints of the authentication API.
type AuthAPI interface {
	TokenRefresher
	Authenticator
}
