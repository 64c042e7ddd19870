package auth

import (
	"context"
	"strings"
)

// Owner key prefixes. A cart, attempt and order all belong to exactly one owner key.
const (
	userOwnerPrefix = "user:"
	anonOwnerPrefix = "anon:"
)

// Principal is the caller resolved by the buyer or operator middleware.
type Principal struct {
	OwnerKey  string
	UserID    string
	SessionID string
	Anonymous bool
	Email     string

	// Operator principals come from Google-signed service tokens on internal routes.
	Operator bool
	Subject  string
	Issuer   string
}

// UserOwnerKey derives the owner key of an authenticated buyer.
func UserOwnerKey(uid string) string {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return ""
	}
	return userOwnerPrefix + uid
}

// AnonymousOwnerKey derives the owner key of an anonymous session.
func AnonymousOwnerKey(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ""
	}
	return anonOwnerPrefix + sessionID
}

// IsAnonymousOwnerKey reports whether key was derived from an anonymous session.
func IsAnonymousOwnerKey(key string) bool {
	return strings.HasPrefix(key, anonOwnerPrefix)
}

type contextKey string

const principalContextKey contextKey = "reconciler/auth/principal"

// WithPrincipal stores the principal within the context for downstream handlers.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext retrieves the principal previously stored in context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// OwnerKeyFromContext returns the buyer owner key, or "" for operators and unauthenticated requests.
func OwnerKeyFromContext(ctx context.Context) string {
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Operator {
		return ""
	}
	return principal.OwnerKey
}
