package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
)

// Role constants carried in the Firebase "role" custom claim.
const (
	RoleCustomer = "customer"
	RoleSupport  = "support"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// ErrTokenInvalid signals that a customer token failed verification for reasons other than expiry.
var ErrTokenInvalid = errors.New("auth: firebase id token invalid")

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Customer is the storefront purchaser extracted from a Firebase ID token.
type Customer struct {
	UID           string
	Email         string
	EmailVerified bool
	Roles         []string
}

// HasRole reports whether the customer carries the role (case-insensitive).
func (c *Customer) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type customerContextKey struct{}

// WithCustomer stores the customer on the context.
func WithCustomer(ctx context.Context, customer *Customer) context.Context {
	return context.WithValue(ctx, customerContextKey{}, customer)
}

// CustomerFromContext returns the customer stored by RequireCustomer.
func CustomerFromContext(ctx context.Context) (*Customer, bool) {
	customer, ok := ctx.Value(customerContextKey{}).(*Customer)
	return customer, ok && customer != nil
}

// Authenticator guards storefront routes with Firebase ID tokens.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	metrics   MetricsRecorder
	now       func() time.Time
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithCustomerMetrics sets the metrics recorder.
func WithCustomerMetrics(metrics MetricsRecorder) Option {
	return func(a *Authenticator) {
		a.metrics = metrics
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, roleClaim: defaultRoleClaim, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireCustomer verifies the bearer token and stores the customer and actor on the context.
func (a *Authenticator) RequireCustomer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.now()
		ctx := r.Context()

		tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			a.record(ctx, false, "token_missing", start)
			respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
			return
		}
		if a.verifier == nil {
			a.record(ctx, false, "verifier_unavailable", start)
			respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "authorization service unavailable")
			return
		}

		token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
		if err != nil {
			switch {
			case firebaseauth.IsIDTokenExpired(err):
				a.record(ctx, false, "token_expired", start)
				respondAuthError(w, r, http.StatusUnauthorized, "token_expired", "firebase id token expired")
			case firebaseauth.IsIDTokenRevoked(err):
				a.record(ctx, false, "token_revoked", start)
				respondAuthError(w, r, http.StatusUnauthorized, "token_revoked", "firebase session revoked")
			default:
				a.record(ctx, false, "token_invalid", start)
				respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
			}
			return
		}

		customer := &Customer{
			UID:           token.UID,
			Email:         claimString(token.Claims, "email"),
			EmailVerified: claimBool(token.Claims, "email_verified"),
			Roles:         rolesFromClaim(token.Claims[a.roleClaim]),
		}
		if len(customer.Roles) == 0 {
			customer.Roles = []string{RoleCustomer}
		}

		a.record(ctx, true, "ok", start)
		ctx = WithCustomer(ctx, customer)
		ctx = requestctx.WithActor(ctx, domain.Actor{ID: customer.UID, Type: domain.ActorTypeCustomer})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordVerification(ctx, "firebase", success, reason, a.now().Sub(start))
	}
}

func rolesFromClaim(raw any) []string {
	var values []string
	switch v := raw.(type) {
	case string:
		values = []string{v}
	case []string:
		values = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		role := strings.ToLower(strings.TrimSpace(value))
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimString(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func claimBool(claims map[string]any, key string) bool {
	b, _ := claims[key].(bool)
	return b
}
