package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentgw/agentgw/pkg/contracts"
)

// ServiceAccountProvider validates HMAC-signed service account tokens, for
// programmatic callers (CI pipelines, internal automation) that shouldn't
// share a human tenant's owner_api_key. A service account token's subject
// becomes its own distinct owner identity, so sessions it creates are
// isolated exactly like any other tenant's.
//
// Token format: base64(JSON payload) + "." + base64(HMAC-SHA256 signature).
type ServiceAccountProvider struct {
	secret  []byte
	enabled bool
}

type serviceAccountPayload struct {
	Subject string `json:"sub"`
	Exp     int64  `json:"exp"`
}

// NewServiceAccountProvider builds a provider from an HMAC secret. An empty
// secret disables the provider.
func NewServiceAccountProvider(secret string) *ServiceAccountProvider {
	if secret == "" {
		return &ServiceAccountProvider{enabled: false}
	}
	return &ServiceAccountProvider{secret: []byte(secret), enabled: true}
}

func (p *ServiceAccountProvider) Name() string  { return "service_account" }
func (p *ServiceAccountProvider) Enabled() bool { return p.enabled }

// Authenticate validates a service token from the X-Service-Token header.
func (p *ServiceAccountProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get("X-Service-Token")
	if token == "" {
		return nil, nil
	}

	payload, err := p.validateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid service account token: %w", err)
	}

	return &contracts.Identity{
		Owner:     "svc:" + payload.Subject,
		Provider:  "service_account",
		ExpiresAt: time.Unix(payload.Exp, 0),
	}, nil
}

func (p *ServiceAccountProvider) validateToken(token string) (*serviceAccountPayload, error) {
	payloadB64, sigB64, ok := splitToken(token)
	if !ok {
		return nil, fmt.Errorf("malformed token: expected payload.signature")
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	expectedSig := mac.Sum(nil)

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, expectedSig) {
		return nil, fmt.Errorf("signature mismatch")
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}

	var payload serviceAccountPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	if payload.Exp > 0 && time.Now().Unix() > payload.Exp {
		return nil, fmt.Errorf("token expired")
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("missing subject")
	}

	return &payload, nil
}

func splitToken(token string) (payload, sig string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// GenerateToken creates a signed service account token. A helper for CLI
// tooling and tests; the server never calls this itself.
func GenerateToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	payload := serviceAccountPayload{Subject: subject, Exp: time.Now().Add(ttl).Unix()}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return payloadB64 + "." + sigB64, nil
}
