package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
)

// Operator is a staff member or service account calling the internal admin routes.
type Operator struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

// ActorID prefers the email so audit entries are readable.
func (o *Operator) ActorID() string {
	if o.Email != "" {
		return o.Email
	}
	return o.Subject
}

type operatorContextKey struct{}

// WithOperator attaches the verified operator to the request context.
func WithOperator(ctx context.Context, operator *Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, operator)
}

// OperatorFromContext retrieves the operator stored by RequireOperator.
func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	operator, ok := ctx.Value(operatorContextKey{}).(*Operator)
	return operator, ok && operator != nil
}

// OIDCValidator validates Google-signed OIDC or IAP tokens.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger sets the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		v.logger = logger
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects a custom clock.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{cache: cache, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// RequireOperator enforces a valid token for the audience, issued by one of issuers.
func (v *OIDCValidator) RequireOperator(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			if audience == "" || v.cache == nil {
				v.record(ctx, false, "not_configured", start)
				respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured")
				return
			}

			tokenStr := extractOperatorToken(r)
			if tokenStr == "" {
				v.record(ctx, false, "token_missing", start)
				respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
				status, reason := http.StatusUnauthorized, "token_invalid"
				if errors.Is(err, ErrJWKSFetchFailed) {
					status, reason = http.StatusServiceUnavailable, "jwks_unavailable"
				}
				v.logger.log(ctx, "auth.oidc.rejected", map[string]any{"reason": reason, "error": err})
				v.record(ctx, false, reason, start)
				respondAuthError(w, r, status, "invalid_token", "oidc token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if _, ok := allowedIssuers[issuer]; len(allowedIssuers) > 0 && !ok {
				v.logger.log(ctx, "auth.oidc.rejected", map[string]any{"reason": "issuer_mismatch", "issuer": issuer})
				v.record(ctx, false, "issuer_mismatch", start)
				respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				v.record(ctx, false, "audience_mismatch", start)
				respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "oidc audience mismatch")
				return
			}

			operator := &Operator{Audience: audience, Issuer: issuer}
			operator.Subject, _ = claims["sub"].(string)
			operator.Email, _ = claims["email"].(string)

			v.record(ctx, true, "ok", start)
			ctx = WithOperator(ctx, operator)
			ctx = requestctx.WithActor(ctx, domain.Actor{ID: operator.ActorID(), Type: domain.ActorTypeOperator})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
	}
}

func extractOperatorToken(r *http.Request) string {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
