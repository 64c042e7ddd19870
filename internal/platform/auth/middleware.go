// Package auth resolves buyers and operators from request credentials.
package auth

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/requestctx"
)

const (
	// DefaultSessionHeader carries the anonymous session identifier.
	DefaultSessionHeader = "X-Session-ID"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")

	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// BuyerAuthenticator resolves the buyer owner key from a Firebase bearer token or an anonymous session header.
type BuyerAuthenticator struct {
	verifier       TokenVerifier
	sessionHeader  string
	allowAnonymous bool
	timeout        time.Duration
}

// Option customises BuyerAuthenticator behaviour.
type Option func(*BuyerAuthenticator)

// WithSessionHeader overrides the anonymous session header name.
func WithSessionHeader(name string) Option {
	return func(a *BuyerAuthenticator) {
		name = strings.TrimSpace(name)
		if name != "" {
			a.sessionHeader = name
		}
	}
}

// WithoutAnonymousSessions requires a signed-in buyer.
func WithoutAnonymousSessions() Option {
	return func(a *BuyerAuthenticator) {
		a.allowAnonymous = false
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *BuyerAuthenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewBuyerAuthenticator constructs the buyer middleware. A nil verifier limits buyers to anonymous sessions.
func NewBuyerAuthenticator(verifier TokenVerifier, opts ...Option) *BuyerAuthenticator {
	a := &BuyerAuthenticator{
		verifier:       verifier,
		sessionHeader:  DefaultSessionHeader,
		allowAnonymous: true,
		timeout:        defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireBuyer rejects requests that carry neither a valid bearer token nor a valid session id.
// A bearer token that fails verification is rejected even when a session header is present.
func (a *BuyerAuthenticator) RequireBuyer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, err := a.resolve(ctx, r)
			if err != nil {
				var authErr *authError
				if !errors.As(err, &authErr) {
					authErr = &authError{code: "unauthenticated", message: err.Error()}
				}
				httpx.WriteError(ctx, w, httpx.NewError(authErr.code, authErr.message, http.StatusUnauthorized))
				return
			}
			requestctx.Annotate(ctx, "owner_key", principal.OwnerKey)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
		})
	}
}

func (a *BuyerAuthenticator) resolve(ctx context.Context, r *http.Request) (*Principal, error) {
	if header := r.Header.Get("Authorization"); strings.TrimSpace(header) != "" {
		tokenStr, ok := extractBearerToken(header)
		if !ok {
			return nil, &authError{code: "unauthenticated", message: "authorization header invalid"}
		}
		if a == nil || a.verifier == nil {
			return nil, &authError{code: "unauthenticated", message: "token verification unavailable"}
		}
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
		if err != nil {
			return nil, verificationError(err)
		}
		ownerKey := UserOwnerKey(token.UID)
		if ownerKey == "" {
			return nil, &authError{code: "invalid_token", message: "firebase id token missing uid"}
		}
		principal := &Principal{
			OwnerKey: ownerKey,
			UserID:   token.UID,
			Email:    claimAsString(token.Claims, "email"),
		}
		// A signed-in buyer may still present the session of a cart created before sign-in.
		if sid := strings.TrimSpace(r.Header.Get(a.sessionHeader)); sessionIDPattern.MatchString(sid) {
			principal.SessionID = sid
		}
		return principal, nil
	}

	if a == nil || !a.allowAnonymous {
		return nil, &authError{code: "unauthenticated", message: "authorization header missing"}
	}
	sessionID := strings.TrimSpace(r.Header.Get(a.sessionHeader))
	if sessionID == "" {
		return nil, &authError{code: "unauthenticated", message: "authorization or session header required"}
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, &authError{code: "invalid_session", message: "session id must be 16-128 characters of [A-Za-z0-9_-]"}
	}
	return &Principal{
		OwnerKey:  AnonymousOwnerKey(sessionID),
		SessionID: sessionID,
		Anonymous: true,
	}, nil
}

type authError struct {
	code    string
	message string
}

func (e *authError) Error() string { return e.code + ": " + e.message }

func verificationError(err error) error {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return &authError{code: "token_expired", message: "firebase id token expired"}
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return &authError{code: "invalid_token", message: "firebase id token invalid"}
	default:
		return &authError{code: "invalid_token", message: "firebase id token verification failed"}
	}
}

func claimAsString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
