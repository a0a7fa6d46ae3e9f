package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	pkgmw "github.com/agentgw/agentgw/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter_SeparateBucketsPerOwnerAndEndpoint(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1)

	assert.True(t, l.Allow("owner-a", "api/v1/query"))
	assert.False(t, l.Allow("owner-a", "api/v1/query"), "burst of 1 exhausted")

	// A different endpoint class and a different owner each get fresh buckets.
	assert.True(t, l.Allow("owner-a", "api/v1/sessions"))
	assert.True(t, l.Allow("owner-b", "api/v1/query"))
}

func TestRateLimit_Returns429InNamespaceShape(t *testing.T) {
	mw := RateLimit(NewTokenBucketLimiter(1, 1))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, path, nil)
		r = r.WithContext(pkgmw.SetOwner(r.Context(), "owner-a"))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	require.Equal(t, http.StatusOK, send("/api/v1/query").Code)
	native := send("/api/v1/query")
	require.Equal(t, http.StatusTooManyRequests, native.Code)
	assert.Contains(t, native.Body.String(), `"code":"rate_limited"`)

	require.Equal(t, http.StatusOK, send("/v1/chat/completions").Code)
	compat := send("/v1/chat/completions")
	require.Equal(t, http.StatusTooManyRequests, compat.Code)
	assert.Contains(t, compat.Body.String(), `"type":"rate_limit_error"`)
}

func TestRateLimit_HealthProbesBypassLimiting(t *testing.T) {
	mw := RateLimit(NewTokenBucketLimiter(1, 1))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for range [5]struct{}{} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestEndpointClass_CollapsesResourceIDs(t *testing.T) {
	assert.Equal(t, "api/v1/sessions", endpointClass("/api/v1/sessions/abc-123"))
	assert.Equal(t, "api/v1/sessions", endpointClass("/api/v1/sessions"))
	assert.Equal(t, "v1/chat/completions", endpointClass("/v1/chat/completions"))
}
