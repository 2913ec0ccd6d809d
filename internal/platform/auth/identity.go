// Package auth authenticates marketplace users (Firebase ID tokens) and internal callers (Google-signed
// OIDC service tokens).
package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the end user behind a verified Firebase ID token. Marketplace roles are per order, so the
// identity carries no role; handlers compare UID against the order's client and freelancer.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Provider      string

	token *firebaseauth.Token
}

// Token exposes the decoded ID token.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the authenticated user, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil || identity.UID == "" {
		return nil, false
	}
	return identity, true
}

func identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{UID: token.UID, token: token}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = email
	}
	if verified, ok := token.Claims["email_verified"].(bool); ok {
		identity.EmailVerified = verified
	}
	identity.Provider = token.Firebase.SignInProvider
	return identity
}
