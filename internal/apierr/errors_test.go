package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_SetExpectedStatus(t *testing.T) {
	cases := []struct {
		err        *Error
		wantStatus int
		wantKind   Kind
	}{
		{Validation("c", "m"), http.StatusBadRequest, KindValidation},
		{Authentication("c", "m"), http.StatusUnauthorized, KindAuthentication},
		{Authorization("c", "m"), http.StatusForbidden, KindAuthorization},
		{NotFound("c", "m"), http.StatusNotFound, KindNotFound},
		{Conflict("c", "m"), http.StatusConflict, KindConflict},
		{InvalidState("c", "m"), http.StatusConflict, KindInvalidState},
		{RateLimited("c", "m"), http.StatusTooManyRequests, KindRateLimited},
		{Timeout("c", "m"), http.StatusRequestTimeout, KindTimeout},
		{ToolUnavailable("c", "m"), http.StatusBadGateway, KindToolUnavailable},
		{Upstream("c", "m", nil), http.StatusBadGateway, KindUpstream},
		{Unavailable("c", "m", nil), http.StatusServiceUnavailable, KindUnavailable},
		{Internal("c", "m", nil), http.StatusInternalServerError, KindInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.wantStatus, c.err.Status, c.wantKind)
		assert.Equal(t, c.wantKind, c.err.Kind)
	}
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Internal("boom", "internal failure", cause)
	assert.ErrorIs(t, err, cause)
}

func TestAs_ExtractsExistingAPIError(t *testing.T) {
	orig := NotFound("session_not_found", "not found")
	wrapped := fmt.Errorf("wrapping: %w", orig)
	got := As(wrapped)
	assert.Equal(t, orig, got)
}

func TestAs_WrapsPlainErrorAsInternal(t *testing.T) {
	plain := errors.New("some ordinary error")
	got := As(plain)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, got, plain)
}

func TestIs_MatchesKind(t *testing.T) {
	err := Validation("bad_field", "nope")
	assert.True(t, Is(err, KindValidation))
	assert.False(t, Is(err, KindNotFound))
}

func TestWithDetails_MergesWithoutMutatingOriginal(t *testing.T) {
	base := Validation("bad_field", "nope").WithDetails(map[string]any{"field": "name"})
	extended := base.WithDetails(map[string]any{"extra": "info"})

	require.Len(t, base.Details, 1)
	assert.Len(t, extended.Details, 2)
	assert.Equal(t, "name", extended.Details["field"])
}
