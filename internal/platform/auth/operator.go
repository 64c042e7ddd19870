package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/requestctx"
)

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// OperatorValidator authenticates internal callers (schedulers, back-office jobs) with Google-signed
// OIDC or IAP tokens.
type OperatorValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OperatorOption customises the validator.
type OperatorOption func(*OperatorValidator)

// WithOperatorLogger overrides the validator logger.
func WithOperatorLogger(logger *zap.Logger) OperatorOption {
	return func(v *OperatorValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOperatorMetrics sets the metrics recorder.
func WithOperatorMetrics(recorder MetricsRecorder) OperatorOption {
	return func(v *OperatorValidator) {
		v.metrics = recorder
	}
}

// WithOperatorClock injects a custom clock.
func WithOperatorClock(now func() time.Time) OperatorOption {
	return func(v *OperatorValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOperatorValidator constructs an OperatorValidator.
func NewOperatorValidator(cache *JWKSCache, opts ...OperatorOption) *OperatorValidator {
	v := &OperatorValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireOperator enforces a valid token for audience issued by one of issuers.
func (v *OperatorValidator) RequireOperator(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := make([]string, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers = append(allowedIssuers, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			fail := func(status int, reason, code, message string) {
				v.record(ctx, false, reason, start)
				httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
			}

			if expectedAudience == "" {
				fail(http.StatusServiceUnavailable, "audience_not_configured", "verification_unavailable", "operator audience not configured")
				return
			}
			tokenStr, source := extractOperatorToken(r)
			if tokenStr == "" {
				fail(http.StatusUnauthorized, "token_missing", "unauthenticated", "operator token missing")
				return
			}
			if v.cache == nil {
				fail(http.StatusServiceUnavailable, "cache_unavailable", "verification_unavailable", "operator verification unavailable")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
				status, reason := http.StatusUnauthorized, "token_invalid"
				if errors.Is(err, ErrJWKSFetchFailed) {
					status, reason = http.StatusServiceUnavailable, "jwks_unavailable"
				}
				v.logger.Warn("operator token rejected", zap.String("reason", reason), zap.String("source", source), zap.Error(err))
				fail(status, reason, "invalid_token", "operator token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(allowedIssuers) > 0 && !slices.Contains(allowedIssuers, issuer) {
				v.logger.Warn("operator issuer mismatch", zap.String("issuer", issuer))
				fail(http.StatusUnauthorized, "issuer_mismatch", "invalid_token", "operator token issuer mismatch")
				return
			}
			if !slices.Contains(audienceFromClaims(claims), expectedAudience) {
				v.logger.Warn("operator audience mismatch", zap.String("expected", expectedAudience), zap.String("source", source))
				fail(http.StatusUnauthorized, "audience_mismatch", "invalid_token", "operator token audience mismatch")
				return
			}

			subject, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)
			principal := &Principal{Operator: true, Subject: subject, Email: email, Issuer: issuer}
			requestctx.Annotate(ctx, "operator", firstNonEmpty(email, subject))

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
		})
	}
}

func (v *OperatorValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "operator", success, reason, v.now().Sub(start))
}

func extractOperatorToken(r *http.Request) (token string, source string) {
	if bearer, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return bearer, "authorization"
	}
	if assertion := strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion")); assertion != "" {
		return assertion, "iap"
	}
	return "", ""
}

func audienceFromClaims(claims jwt.MapClaims) []string {
	switch v := claims["aud"].(type) {
	case string:
		return []string{strings.TrimSpace(v)}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
				out = append(out, strings.TrimSpace(str))
			}
		}
		return out
	default:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
