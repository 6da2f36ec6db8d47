// Package httputil holds the response handling shared by the outgoing HTTP adapters.
package httputil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/reach/internal/domain"
)

// maxErrorBody caps how much of an error body is read into the message.
const maxErrorBody = 4 << 10

// ParseResponse closes resp.Body. A non-2xx status becomes a *domain.HTTPError;
// otherwise the JSON body is decoded into target when target is non-nil.
func ParseResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return NewHTTPError(resp, time.Now())
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", domain.ErrNetwork, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if raw, ok := target.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], body...)
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// NewHTTPError builds the error for a non-2xx response. It reads at most
// maxErrorBody bytes and prefers the "error" or "message" JSON field.
func NewHTTPError(resp *http.Response, now time.Time) *domain.HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &domain.HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Message:    errorMessage(body),
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now),
	}
}

func errorMessage(body []byte) string {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		switch {
		case errResp.Error != "":
			return errResp.Error
		case errResp.Message != "":
			return errResp.Message
		case errResp.Detail != "":
			return errResp.Detail
		}
	}
	return strings.TrimSpace(string(body))
}

// ParseRetryAfter reads a Retry-After value given either in seconds or as an
// HTTP date. Missing, malformed and past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
