package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/skillbridge/api/internal/platform/config"
)

// FirebaseVerifier verifies ID tokens with the Firebase Admin SDK.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	checkRevoked bool
}

// NewFirebaseVerifier initialises the Admin SDK for cfg.ProjectID. checkRevoked adds a round trip per
// request to reject tokens of disabled or signed-out users.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, checkRevoked bool) (*FirebaseVerifier, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: initialise firebase auth: %w", err)
	}
	return &FirebaseVerifier{client: client, checkRevoked: checkRevoked}, nil
}

// VerifyIDToken implements TokenVerifier.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	var (
		token *firebaseauth.Token
		err   error
	)
	if v.checkRevoked {
		token, err = v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	} else {
		token, err = v.client.VerifyIDToken(ctx, idToken)
	}
	switch {
	case err == nil:
		return token, nil
	case firebaseauth.IsIDTokenExpired(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return nil, fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

// DevVerifier accepts "dev.<uid>" bearer tokens. It exists for local runs against the memory store and
// is only wired when the environment is "local".
type DevVerifier struct{}

const devTokenPrefix = "dev."

// VerifyIDToken implements TokenVerifier.
func (DevVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	uid, ok := strings.CutPrefix(idToken, devTokenPrefix)
	if !ok || strings.TrimSpace(uid) == "" {
		return nil, ErrTokenInvalid
	}
	now := time.Now()
	return &firebaseauth.Token{
		UID:      uid,
		Subject:  uid,
		IssuedAt: now.Unix(),
		Expires:  now.Add(time.Hour).Unix(),
		Claims:   map[string]any{},
		Firebase: firebaseauth.FirebaseInfo{SignInProvider: "dev"},
	}, nil
}
