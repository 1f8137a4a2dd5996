package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"operator"},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func TestAuthenticateJWTRoundTrip(t *testing.T) {
	token := signTestToken(t, "topsecret", "actor-1")
	p, err := AuthenticateJWT(token, "topsecret")
	if err != nil {
		t.Fatalf("authenticate jwt: %v", err)
	}
	if p.ActorID != "actor-1" {
		t.Fatalf("expected actor-1, got %q", p.ActorID)
	}
	if len(p.Roles) != 1 || p.Roles[0] != "operator" {
		t.Fatalf("expected roles [operator], got %v", p.Roles)
	}
}

func TestAuthenticateJWTWrongSecretFails(t *testing.T) {
	token := signTestToken(t, "topsecret", "actor-1")
	if _, err := AuthenticateJWT(token, "wrong"); err == nil {
		t.Fatalf("expected error with wrong secret")
	}
}

func TestMiddlewareOptionalWhenNotRequired(t *testing.T) {
	mw := Middleware(Config{JWTSecret: "s", Required: false})
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := FromContext(r.Context()); ok {
			t.Fatalf("expected no principal for unauthenticated request")
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsMissingCredentialsWhenRequired(t *testing.T) {
	mw := Middleware(Config{JWTSecret: "s", Required: true})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be called")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAllowsExemptPath(t *testing.T) {
	mw := Middleware(Config{JWTSecret: "s", Required: true, ExemptPaths: []string{"/health"}})
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("expected exempt path to bypass auth")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsValidBearerToken(t *testing.T) {
	mw := Middleware(Config{JWTSecret: "topsecret", Required: true})
	token := signTestToken(t, "topsecret", "actor-2")
	var seenActor string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := FromContext(r.Context()); ok {
			seenActor = p.ActorID
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seenActor != "actor-2" {
		t.Fatalf("expected actor-2, got %q", seenActor)
	}
}
