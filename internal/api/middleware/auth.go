package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/agentgw/agentgw/pkg/contracts"
	pkgmw "github.com/agentgw/agentgw/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// AuthMiddleware authenticates requests using the pluggable
// AuthProviderChain and stores the resulting Identity — and its derived
// owner_api_key — in the request context.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware builds the auth middleware. requireAuth comes from the
// already-loaded config.Config — configuration is read once at startup,
// nothing downstream re-reads the environment.
func NewAuthMiddleware(chain contracts.AuthProviderChain, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{chain: chain, requireAuth: requireAuth}
}

// Handler returns the HTTP middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			writeAuthError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}

		if identity == nil && am.requireAuth {
			writeAuthError(w, http.StatusUnauthorized, "authentication_required",
				"this endpoint requires authentication: set X-API-Key, X-Service-Token, or (on /v1/ routes) Authorization: Bearer <key>")
			return
		}

		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)
			ctx = pkgmw.SetOwner(ctx, identity.Owner)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentgw"`)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// isAuthPublicPath returns true for the liveness/readiness probes every
// load balancer hits without credentials.
func isAuthPublicPath(path string) bool {
	return path == "/health" || path == "/version"
}
