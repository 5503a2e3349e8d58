package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
)

type stubTokenVerifier struct {
	verifyFn func(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

func (s stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	return s.verifyFn(ctx, idToken)
}

func TestRequireCustomer(t *testing.T) {
	verifier := stubTokenVerifier{verifyFn: func(_ context.Context, idToken string) (*firebaseauth.Token, error) {
		if idToken != "good-token" {
			return nil, ErrTokenInvalid
		}
		return &firebaseauth.Token{UID: "uid-123", Claims: map[string]any{
			"email":          "steve@example.com",
			"email_verified": true,
			"role":           []any{"Support", "support"},
		}}, nil
	}}
	metrics := &recordingMetrics{}
	authn := NewAuthenticator(verifier, WithCustomerMetrics(metrics))

	var customer *Customer
	var actor domain.Actor
	handler := authn.RequireCustomer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		customer, _ = CustomerFromContext(r.Context())
		actor, _ = requestctx.Actor(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if customer == nil || customer.UID != "uid-123" || !customer.EmailVerified || !customer.HasRole(RoleSupport) || len(customer.Roles) != 1 {
		t.Fatalf("unexpected customer %+v", customer)
	}
	if actor.Type != domain.ActorTypeCustomer || actor.ID != "uid-123" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	for name, header := range map[string]string{"missing": "", "bad scheme": "Basic abc", "invalid": "Bearer nope"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestRequireCustomerDefaultsRole(t *testing.T) {
	authn := NewAuthenticator(stubTokenVerifier{verifyFn: func(context.Context, string) (*firebaseauth.Token, error) {
		return &firebaseauth.Token{UID: "uid-1", Claims: map[string]any{}}, nil
	}})
	var customer *Customer
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer t")
	authn.RequireCustomer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		customer, _ = CustomerFromContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), req)
	if customer == nil || !customer.HasRole(RoleCustomer) {
		t.Fatalf("expected default customer role, got %+v", customer)
	}
}
