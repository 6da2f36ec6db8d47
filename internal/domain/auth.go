// Package domain contains pure client types without external dependencies.
package domain

import (
	"strings"
	"time"
)

const (
	// DefaultTokenType is used when the server omits token_type.
	DefaultTokenType = "bearer"
	// DefaultTokenLifetime applies when the server omits expires_in.
	DefaultTokenLifetime = 24 * time.Hour
)

// placeholderTokens are strings that leak from loosely typed storage and never count as a token.
var placeholderTokens = map[string]struct{}{
	"":          {},
	"null":      {},
	"undefined": {},
}

// IsPlaceholderToken reports whether s is empty or a serialized null value.
func IsPlaceholderToken(s string) bool {
	_, ok := placeholderTokens[strings.TrimSpace(s)]
	return ok
}

// TokenRecord is the current authentication state.
// A nil *TokenRecord means unauthenticated.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// IsExpired reports whether the access token is past ExpiresAt at now.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Remaining returns the validity left at now, never negative.
func (r *TokenRecord) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// HasRefreshToken reports whether a usable refresh token is present.
func (r *TokenRecord) HasRefreshToken() bool {
	return !IsPlaceholderToken(r.RefreshToken)
}

// TokenGrant is the payload returned by the login and refresh endpoints.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // seconds
}

// Lifetime returns the grant lifetime, defaulting to DefaultTokenLifetime.
func (g *TokenGrant) Lifetime() time.Duration {
	if g.ExpiresIn <= 0 {
		return DefaultTokenLifetime
	}
	return time.Duration(g.ExpiresIn) * time.Second
}

// Credentials identify a user for the login endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResult is the outcome of a token lookup.
// Reason is set when Valid is false.
type TokenResult struct {
	Valid  bool
	Token  string
	Reason string
}
