// Package apierr defines the single error taxonomy shared by every layer of
// the gateway. Handlers never construct ad-hoc HTTP status codes; they map
// an *Error's Kind to a status and wire shape at the edge.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind tags an error with its place in the taxonomy.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInvalidState   Kind = "invalid_state"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindToolUnavailable Kind = "tool_unavailable"
	KindUpstream       Kind = "upstream"
	KindUnavailable    Kind = "unavailable"
	KindInternal       Kind = "internal"
)

// statusByKind is the canonical kind → HTTP status mapping.
var statusByKind = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindAuthentication:  http.StatusUnauthorized,
	KindAuthorization:   http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindInvalidState:    http.StatusConflict,
	KindRateLimited:      http.StatusTooManyRequests,
	KindTimeout:         http.StatusRequestTimeout,
	KindToolUnavailable: http.StatusBadGateway,
	KindUpstream:        http.StatusBadGateway,
	KindUnavailable:     http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the concrete type carried across every layer. It satisfies the
// error interface and is never unwound via panic/recover for control flow.
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable identifier, e.g. "session_not_found"
	Message string // human-readable
	Status  int
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails returns a copy of e with Details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = mergeDetails(e.Details, details)
	return &cp
}

func mergeDetails(base, add map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func new_(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Status: statusByKind[kind], cause: cause}
}

func Validation(code, message string) *Error      { return new_(KindValidation, code, message, nil) }
func Authentication(code, message string) *Error  { return new_(KindAuthentication, code, message, nil) }
func Authorization(code, message string) *Error   { return new_(KindAuthorization, code, message, nil) }
func NotFound(code, message string) *Error        { return new_(KindNotFound, code, message, nil) }
func Conflict(code, message string) *Error        { return new_(KindConflict, code, message, nil) }
func InvalidState(code, message string) *Error    { return new_(KindInvalidState, code, message, nil) }
func RateLimited(code, message string) *Error     { return new_(KindRateLimited, code, message, nil) }
func Timeout(code, message string) *Error         { return new_(KindTimeout, code, message, nil) }
func ToolUnavailable(code, message string) *Error { return new_(KindToolUnavailable, code, message, nil) }
func Upstream(code, message string, cause error) *Error {
	return new_(KindUpstream, code, message, cause)
}

// Unavailable marks a degraded backing store: the caller should retry later
// rather than treat the failure as a bug.
func Unavailable(code, message string, cause error) *Error {
	return new_(KindUnavailable, code, message, cause)
}
func Internal(code, message string, cause error) *Error {
	return new_(KindInternal, code, message, cause)
}

// As extracts an *Error from err, or wraps err as an internal error.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal_error", "an internal error occurred", err)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
