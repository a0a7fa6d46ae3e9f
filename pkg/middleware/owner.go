// Package middleware provides shared middleware helpers for the agent gateway.
//
// This package lives in pkg/ (not internal/) so that a downstream extension
// repo can reuse GetOwner()/SetOwner() in its own middleware.
package middleware

import "context"

type contextKey string

const ownerKey contextKey = "owner"

// GetOwner extracts the authenticated owner_api_key from the context. It
// returns "" when the request carries no authenticated identity, which
// happens when authentication is not required (RequireAuth off) and the
// caller sent no credentials; such requests all share the empty owner.
func GetOwner(ctx context.Context) string {
	if v, ok := ctx.Value(ownerKey).(string); ok {
		return v
	}
	return ""
}

// SetOwner stores the owner_api_key in the context.
func SetOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}
