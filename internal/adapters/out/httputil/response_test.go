package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/reach/internal/domain"
)

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseResponse_DecodesSuccess(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	require.NoError(t, ParseResponse(response(http.StatusOK, `{"name":"reach"}`, nil), &target))
	assert.Equal(t, "reach", target.Name)
}

func TestParseResponse_EmptyBodyAndNilTarget(t *testing.T) {
	var target map[string]any
	assert.NoError(t, ParseResponse(response(http.StatusNoContent, "", nil), &target))
	assert.Nil(t, target)
	assert.NoError(t, ParseResponse(response(http.StatusOK, `{"ignored":true}`, nil), nil))
}

func TestParseResponse_RawMessage(t *testing.T) {
	var raw json.RawMessage
	require.NoError(t, ParseResponse(response(http.StatusOK, `[1,2,3]`, nil), &raw))
	assert.JSONEq(t, `[1,2,3]`, string(raw))
}

func TestParseResponse_ErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"error field", http.StatusBadRequest, `{"error":"bad input"}`, "bad input"},
		{"message field", http.StatusNotFound, `{"message":"no such campaign"}`, "no such campaign"},
		{"detail field", http.StatusUnprocessableEntity, `{"detail":"invalid email"}`, "invalid email"},
		{"plain text", http.StatusBadGateway, "upstream down\n", "upstream down"},
		{"empty", http.StatusInternalServerError, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseResponse(response(tt.status, tt.body, nil), nil)
			var httpErr *domain.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, tt.wantMsg, httpErr.Message)
		})
	}
}

func TestParseResponse_RetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")

	err := ParseResponse(response(http.StatusTooManyRequests, "", header), nil)
	var httpErr *domain.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 7*time.Second, httpErr.RetryAfter)
	assert.True(t, httpErr.IsRetryable())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "120", 2 * time.Minute},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"http date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.value, now))
		})
	}
}
