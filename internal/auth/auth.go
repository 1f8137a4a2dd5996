// Package auth is the control plane's bearer-JWT authentication layer,
// grounded on the workline example's server/auth.go middleware (bearer
// token, HS256 only, subject-as-actor-id), trimmed to this system's single
// credential source: no API-key store, since the control plane has no actor
// registry of its own.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller attached to a request's context.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal attached by the auth middleware, if
// any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// AuthenticateJWT validates token against secret using HS256 only.
func AuthenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: c.Subject, Roles: c.Roles, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Config configures the middleware: Required controls whether missing or
// invalid credentials are rejected, and ExemptPaths lists path prefixes
// (e.g. the health endpoint) that are never gated.
type Config struct {
	JWTSecret   string
	Required    bool
	ExemptPaths []string
}

func (c Config) exempt(path string) bool {
	for _, p := range c.ExemptPaths {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware returns an http middleware enforcing bearer-JWT auth per cfg.
// When Required is false, a request with no Authorization header proceeds
// unauthenticated (no Principal in context); a request that does present a
// header must still present a valid one.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				if cfg.Required {
					http.Error(w, `{"error":"unauthorized","message":"authentication required"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(authz)
			if !ok {
				http.Error(w, `{"error":"invalid_credentials","message":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}
			principal, err := AuthenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				http.Error(w, `{"error":"invalid_credentials","message":"invalid credentials"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
