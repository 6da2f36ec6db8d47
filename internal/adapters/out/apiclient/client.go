// Package apiclient provides the HTTP client for the analytics API. It composes
// the session authority, retry executor, request cache and rate limiter.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/bnema/reach/internal/adapters/out/httputil"
	"github.com/bnema/reach/internal/adapters/out/telemetry"
	"github.com/bnema/reach/internal/boundaries/in"
	"github.com/bnema/reach/internal/boundaries/out"
	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/internal/usecase/cache"
	"github.com/bnema/reach/internal/usecase/retry"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:8000"

// Client is an HTTP client for the analytics API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	host       string
	httpClient *http.Client
	log        zerowrap.Logger
	metrics    *telemetry.Metrics

	session  in.SessionService
	tokens   oauth2.TokenSource
	executor *retry.Executor
	retryCfg domain.RetryConfig
	limiter  out.RateLimiter
	cache    *cache.Cache
	cacheTTL time.Duration
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

// WithSession authenticates requests with the session authority and clears it on 401.
func WithSession(session in.SessionService) Option {
	return func(c *Client) {
		c.session = session
	}
}

// WithTokenSource authenticates requests with a fixed token source.
// WithSession takes precedence when both are set.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithRetry sets the executor and the retry policy applied to every request.
func WithRetry(executor *retry.Executor, cfg domain.RetryConfig) Option {
	return func(c *Client) {
		c.executor = executor
		c.retryCfg = cfg
	}
}

// WithRateLimiter throttles outgoing requests per API host.
func WithRateLimiter(limiter out.RateLimiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithCache routes GET requests through the request cache. ttl is the default
// lifetime; zero disables caching unless a request sets CacheTTL.
func WithCache(requestCache *cache.Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = requestCache
		c.cacheTTL = ttl
	}
}

// WithMetrics records request durations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, log zerowrap.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", domain.ErrInvalidConfig, baseURL)
	}

	c := &Client{
		baseURL: baseURL,
		host:    parsed.Host,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:      log,
		retryCfg: domain.DefaultRetryConfig,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.executor == nil {
		c.executor = retry.NewExecutor(log)
	}
	return c, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RequestOption tunes a single request.
type RequestOption func(*request)

type request struct {
	method   string
	path     string
	body     []byte
	query    url.Values
	header   http.Header
	cacheTTL *time.Duration
	noRetry  bool
	id       string
}

// CacheTTL overrides the client cache lifetime for one GET. Zero bypasses the cache.
func CacheTTL(ttl time.Duration) RequestOption {
	return func(r *request) {
		r.cacheTTL = &ttl
	}
}

// Query appends query parameters.
func Query(values url.Values) RequestOption {
	return func(r *request) {
		if r.query == nil {
			r.query = url.Values{}
		}
		for k, vs := range values {
			for _, v := range vs {
				r.query.Add(k, v)
			}
		}
	}
}

// Header sets a request header. Content-Type and Accept default to JSON.
func Header(key, value string) RequestOption {
	return func(r *request) {
		r.header.Set(key, value)
	}
}

// NoRetry sends the request once. When the host is throttled or paused it fails
// with domain.ErrRateLimited instead of waiting.
func NoRetry() RequestOption {
	return func(r *request) {
		r.noRetry = true
	}
}

// Get fetches path and decodes the JSON response into target.
func (c *Client) Get(ctx context.Context, path string, target any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, target, opts...)
}

// Post sends body as JSON.
func (c *Client) Post(ctx context.Context, path string, body, target any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, target, opts...)
}

// Put sends body as JSON.
func (c *Client) Put(ctx context.Context, path string, body, target any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPut, path, body, target, opts...)
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string, target any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, path, nil, target, opts...)
}

// Do performs a request with retry, authentication and, for GETs, caching.
// Non-2xx responses surface as *domain.HTTPError after retries are exhausted.
func (c *Client) Do(ctx context.Context, method, path string, body, target any, opts ...RequestOption) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req := &request{method: method, path: path, header: http.Header{}, id: uuid.NewString()}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		req.body = raw
	}
	for _, opt := range opts {
		opt(req)
	}

	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "apiclient",
		"method":              method,
		"path":                path,
		"request_id":          req.id,
	})

	var (
		raw json.RawMessage
		err error
	)
	if ttl := c.ttlFor(req); ttl > 0 {
		raw, err = cache.Fetch(ctx, c.cache, cacheKey(req), ttl, func(ctx context.Context) (json.RawMessage, error) {
			return c.withRetry(ctx, req)
		})
	} else {
		raw, err = c.withRetry(ctx, req)
	}
	if err != nil {
		return err
	}

	if method != http.MethodGet && c.cache != nil {
		c.cache.InvalidatePrefix(invalidationPrefix(path))
	}

	if target == nil || len(raw) == 0 {
		return nil
	}
	if rawTarget, ok := target.(*json.RawMessage); ok {
		*rawTarget = append((*rawTarget)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) ttlFor(req *request) time.Duration {
	if c.cache == nil || req.method != http.MethodGet {
		return 0
	}
	if req.cacheTTL != nil {
		return *req.cacheTTL
	}
	return c.cacheTTL
}

func (c *Client) withRetry(ctx context.Context, req *request) (json.RawMessage, error) {
	cfg := c.retryCfg
	if req.noRetry {
		cfg.MaxRetries = 0
	}
	return retry.Do(ctx, c.executor, cfg, func(ctx context.Context) (json.RawMessage, error) {
		return c.send(ctx, req)
	})
}

// send performs one attempt.
func (c *Client) send(ctx context.Context, req *request) (json.RawMessage, error) {
	log := zerowrap.FromCtx(ctx)

	if c.limiter != nil {
		if req.noRetry {
			if !c.limiter.Allow(ctx, c.host) {
				log.Debug().Str("host", c.host).Msg("request throttled, not waiting")
				return nil, domain.ErrRateLimited
			}
		} else if err := c.limiter.Wait(ctx, c.host); err != nil {
			return nil, err
		}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.query.Encode()
	}

	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, vs := range req.header {
		httpReq.Header[k] = vs
	}
	httpReq.Header.Set("X-Request-ID", req.id)
	c.authorize(ctx, httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	c.recordDuration(ctx, req.method, resp.StatusCode, time.Since(start))

	var raw json.RawMessage
	if err := httputil.ParseResponse(resp, &raw); err != nil {
		c.handleStatusError(ctx, err)
		log.Debug().Err(err).Int("status", resp.StatusCode).Msg("request failed")
		return nil, err
	}
	return raw, nil
}

// authorize sets the bearer header when a token is available. Requests
// without a token are still sent; the API decides what is public.
func (c *Client) authorize(ctx context.Context, req *http.Request) {
	ts := c.tokens
	if c.session != nil {
		ts = c.session.TokenSource(ctx)
	}
	if ts == nil {
		return
	}

	tok, err := ts.Token()
	if err != nil {
		log := zerowrap.FromCtx(ctx)
		log.Debug().Err(err).Msg("sending request without token")
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
}

// handleStatusError applies the side effects of 401 and 429 responses.
func (c *Client) handleStatusError(ctx context.Context, err error) {
	var httpErr *domain.HTTPError
	if !errors.As(err, &httpErr) {
		return
	}

	switch {
	case httpErr.IsUnauthorized():
		if c.session != nil {
			log := zerowrap.FromCtx(ctx)
			log.Warn().Msg("api rejected the token, clearing session")
			c.session.ClearAllTokens(ctx)
		}
	case httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0:
		if c.limiter != nil {
			c.limiter.PauseUntil(c.host, time.Now().Add(httpErr.RetryAfter))
		}
	}
}

func (c *Client) recordDuration(ctx context.Context, method string, status int, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}

func cacheKey(req *request) string {
	key := http.MethodGet + " " + req.path
	if len(req.query) > 0 {
		key += "?" + req.query.Encode()
	}
	return key
}

// invalidationPrefix returns the cache prefix covering the collection a mutated
// path belongs to: "/campaigns/42/proposals" invalidates every cached "/campaigns" read.
func invalidationPrefix(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(trimmed, "/?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return http.MethodGet + " /" + trimmed
}
