package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"

	"github.com/skillbridge/api/internal/platform/httpx"
	"github.com/skillbridge/api/internal/platform/requestctx"
)

const defaultVerifyTimeout = 5 * time.Second

var (
	// ErrTokenExpired signals an expired ID token.
	ErrTokenExpired = errors.New("auth: id token expired")
	// ErrTokenRevoked signals a revoked token or a disabled account.
	ErrTokenRevoked = errors.New("auth: id token revoked")
	// ErrTokenInvalid covers every other verification failure.
	ErrTokenInvalid = errors.New("auth: id token invalid")
)

// TokenVerifier verifies end-user ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards user routes with a bearer ID token.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator builds an Authenticator. A non-positive timeout falls back to five seconds.
func NewAuthenticator(verifier TokenVerifier, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &Authenticator{verifier: verifier, timeout: timeout}
}

// RequireUser rejects requests without a valid bearer token and stores the Identity on the context.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
			return
		}
		if a == nil || a.verifier == nil {
			writeAuthError(ctx, w, http.StatusServiceUnavailable, "auth_unavailable", "authentication is not configured")
			return
		}

		verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
		token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
		cancel()
		if err != nil {
			requestctx.Logger(ctx).Info("auth: id token rejected", zap.Error(err))
			switch {
			case errors.Is(err, ErrTokenExpired):
				writeAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "id token expired")
			case errors.Is(err, ErrTokenRevoked):
				writeAuthError(ctx, w, http.StatusUnauthorized, "token_revoked", "id token revoked")
			default:
				writeAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "id token invalid")
			}
			return
		}

		identity := identityFromToken(token)
		ctx = WithIdentity(ctx, identity)
		ctx = requestctx.WithLogger(ctx, requestctx.Logger(ctx).With(zap.String("user_id", identity.UID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="skillbridge"`)
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
