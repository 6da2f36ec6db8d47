// Package jwtshape checks the surface structure of JSON Web Tokens.
// Signatures are never verified here; the server remains the authority.
package jwtshape

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Valid reports whether token has exactly three non-empty dot-separated segments.
//
// Examples:
//   - "aaa.bbb.ccc" is valid
//   - "aaa.bbb" is not (two segments)
//   - "aaa..ccc" is not (empty segment)
//   - "null" is not
func Valid(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// ExpiresAt reads the exp claim without verifying the signature.
// Returns false when the token cannot be decoded or has no exp claim.
func ExpiresAt(token string) (time.Time, bool) {
	if !Valid(token) {
		return time.Time{}, false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Subject reads the sub claim without verifying the signature.
func Subject(token string) (string, bool) {
	if !Valid(token) {
		return "", false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", false
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}
