package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
)

const (
	testAudience = "https://store.example.com/internal"
	googleIssuer = "https://accounts.google.com"
)

func TestJWKSCacheKeyCachesKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "key1", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	var mu sync.Mutex
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	cache := NewJWKSCache(server.URL,
		WithJWKSClock(func() time.Time { return time.Unix(1_000_000, 0) }),
		WithoutJWKSBackgroundRefresh(),
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := cache.Key(ctx, "key1")
		if err != nil {
			t.Fatalf("cache.Key: %v", err)
		}
		if _, ok := got.(*rsa.PublicKey); !ok {
			t.Fatalf("expected *rsa.PublicKey, got %T", got)
		}
	}
	if _, err := cache.Key(ctx, "rotated"); err == nil {
		t.Fatalf("expected unknown kid error")
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 2 {
		t.Fatalf("expected one fetch plus one forced refresh for the unknown kid, got %d", requests)
	}
}

func TestParseMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"max-age=600":                 10 * time.Minute,
		"public, max-age=19845, must": 19845 * time.Second,
		"no-cache":                    0,
		"max-age=abc":                 0,
	}
	for header, want := range tests {
		if got := parseMaxAge(header); got != want {
			t.Fatalf("parseMaxAge(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestRequireOperator(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(jwt.MapClaims)
		header     string
		audience   string
		wantStatus int
		wantReason string
	}{
		{name: "valid bearer", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "valid iap header", header: "X-Goog-Iap-Jwt-Assertion", wantStatus: http.StatusNoContent, wantReason: "ok"},
		{name: "audience mismatch", audience: "https://other", wantStatus: http.StatusUnauthorized, wantReason: "audience_mismatch"},
		{
			name:       "issuer mismatch",
			mutate:     func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			wantStatus: http.StatusUnauthorized,
			wantReason: "issuer_mismatch",
		},
		{
			name:       "expired",
			mutate:     func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_700_000_000, 0).Add(-time.Hour).Unix()) },
			wantStatus: http.StatusUnauthorized,
			wantReason: "token_invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			validator, metrics, token := setupOIDCTest(t, tc.mutate)
			audience := testAudience
			if tc.audience != "" {
				audience = tc.audience
			}

			var actor domain.Actor
			handler := validator.RequireOperator(audience, []string{googleIssuer})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				actor, _ = requestctx.Actor(r.Context())
				if _, ok := OperatorFromContext(r.Context()); !ok {
					t.Fatalf("expected operator in context")
				}
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/internal/work-items/failed", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, token)
			} else {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
			if got := metrics.last().reason; got != tc.wantReason {
				t.Fatalf("expected reason %q, got %q", tc.wantReason, got)
			}
			if tc.wantStatus == http.StatusNoContent && (actor.ID != "ops@example.com" || actor.Type != domain.ActorTypeOperator) {
				t.Fatalf("unexpected actor %+v", actor)
			}
		})
	}
}

func TestRequireOperatorJWKSUnavailable(t *testing.T) {
	validator, metrics, token := setupOIDCTest(t, nil)
	validator.cache.url = "http://127.0.0.1:1/unreachable"

	req := httptest.NewRequest(http.MethodGet, "/api/v1/internal/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	validator.RequireOperator(testAudience, []string{googleIssuer})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable || metrics.last().reason != "jwks_unavailable" {
		t.Fatalf("expected 503 jwks_unavailable, got %d %+v", rec.Code, metrics.last())
	}
}

func setupOIDCTest(t *testing.T, mutateClaims func(jwt.MapClaims)) (*OIDCValidator, *recordingMetrics, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	metrics := &recordingMetrics{}
	validator := NewOIDCValidator(
		NewJWKSCache(server.URL, WithJWKSClock(func() time.Time { return now }), WithoutJWKSBackgroundRefresh()),
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{
		"aud":   []string{testAudience},
		"iss":   googleIssuer,
		"sub":   "1122334455",
		"email": "ops@example.com",
		"exp":   float64(now.Add(time.Hour).Unix()),
		"iat":   float64(now.Unix()),
	}
	if mutateClaims != nil {
		mutateClaims(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return validator, metrics, signed
}
