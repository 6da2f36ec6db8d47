// Package authapi implements the authentication endpoints over REST.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/bnema/reach/internal/adapters/out/httputil"
	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/pkg/jwtshape"
)

// Ensure Client implements out.AuthAPI.
var _ out.AuthAPI = (*Client)(nil)

const (
	refreshPath = "/auth/refresh"
	loginPath   = "/auth/login"
)

// Client talks to the authentication API. It never attaches a bearer token:
// both endpoints are used to obtain one.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerowrap.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates an authentication API client rooted at baseURL.
func NewClient(baseURL string, log zerowrap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges refreshToken for a new grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	if domain.IsPlaceholderToken(refreshToken) {
		return nil, domain.ErrNoRefresh
	}
	return c.grant(ctx, refreshPath, refreshRequest{RefreshToken: refreshToken})
}

// Login exchanges credentials for a grant.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*domain.TokenGrant, error) {
	if creds.Email == "" || creds.Password == "" {
		return nil, errors.New("email and password are required")
	}
	return c.grant(ctx, loginPath, creds)
}

func (c *Client) grant(ctx context.Context, path string, payload any) (*domain.TokenGrant, error) {
	log := c.log.With().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "authapi").
		Str("path", path).
		Logger()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	var grant domain.TokenGrant
	if err := httputil.ParseResponse(resp, &grant); err != nil {
		log.Debug().Err(err).Int("status", resp.StatusCode).Msg("auth request failed")
		return nil, err
	}

	if domain.IsPlaceholderToken(grant.AccessToken) || !jwtshape.Valid(grant.AccessToken) {
		return nil, fmt.Errorf("%w: server returned a malformed access token", domain.ErrInvalidToken)
	}

	log.Debug().Int64("expires_in", grant.ExpiresIn).Msg("grant received")
	return &grant, nil
}
