package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/skillbridge/api/internal/platform/requestctx"
)

// GoogleJWKSURL serves the keys Google signs service-account ID tokens with.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const (
	defaultJWKSTTL       = time.Hour
	minJWKSRefreshPeriod = 30 * time.Second
)

var (
	// ErrJWKSKeyNotFound is returned when no key matches the token's kid.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// JWKSCache fetches a JSON Web Key Set on demand and keeps it for the response's max-age.
type JWKSCache struct {
	url    string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	keys        map[string]jose.JSONWebKey
	expiry      time.Time
	lastAttempt time.Time
}

// JWKSOption customises a JWKSCache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSClock injects a time source.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache builds a cache for url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Key returns the public key for kid. An unknown kid forces a refresh, throttled so a flood of forged
// kids cannot hammer the key endpoint.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if jwk, ok := c.keys[kid]; ok && now.Before(c.expiry) {
		return jwk.Key, nil
	}
	if len(c.keys) == 0 || !now.Before(c.expiry) || now.Sub(c.lastAttempt) >= minJWKSRefreshPeriod {
		if err := c.refreshLocked(ctx, now); err != nil {
			if jwk, ok := c.keys[kid]; ok {
				c.logger.Warn("auth: jwks refresh failed; serving stale key", zap.Error(err))
				return jwk.Key, nil
			}
			return nil, err
		}
	}
	if jwk, ok := c.keys[kid]; ok {
		return jwk.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context, now time.Time) error {
	c.lastAttempt = now

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	c.keys = keys
	c.expiry = now.Add(ttl)
	c.logger.Debug("auth: jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the caller behind a verified OIDC service token.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// WithServiceIdentity stores a verified service caller on ctx.
func WithServiceIdentity(ctx context.Context, identity ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the verified service caller.
func ServiceIdentityFromContext(ctx context.Context) (ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(ServiceIdentity)
	return identity, ok
}

type serviceClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// OIDCPolicy names what a service token must carry to reach internal routes.
type OIDCPolicy struct {
	Audience string
	Issuers  []string
	// ServiceAccounts restricts callers by verified email; empty admits any verified caller.
	ServiceAccounts []string
}

// OIDCValidator verifies RS256 service tokens against a JWKSCache.
type OIDCValidator struct {
	keys *JWKSCache
	now  func() time.Time
}

// NewOIDCValidator builds a validator over keys. now defaults to time.Now.
func NewOIDCValidator(keys *JWKSCache, now func() time.Time) *OIDCValidator {
	if now == nil {
		now = time.Now
	}
	return &OIDCValidator{keys: keys, now: now}
}

// Validate parses raw and checks signature, expiry, audience, issuer and the service-account allowlist.
func (v *OIDCValidator) Validate(ctx context.Context, raw string, policy OIDCPolicy) (ServiceIdentity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &serviceClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return ServiceIdentity{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	now := v.now()
	if !claims.VerifyExpiresAt(now, true) || !claims.VerifyNotBefore(now, false) {
		return ServiceIdentity{}, fmt.Errorf("%w: token expired or not yet valid", ErrTokenInvalid)
	}
	if policy.Audience != "" && !claims.VerifyAudience(policy.Audience, true) {
		return ServiceIdentity{}, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if len(policy.Issuers) > 0 && !contains(policy.Issuers, claims.Issuer) {
		return ServiceIdentity{}, fmt.Errorf("%w: issuer %q not trusted", ErrTokenInvalid, claims.Issuer)
	}
	if len(policy.ServiceAccounts) > 0 {
		if !claims.EmailVerified || !contains(policy.ServiceAccounts, claims.Email) {
			return ServiceIdentity{}, fmt.Errorf("%w: caller %q", ErrServiceAccountDenied, claims.Email)
		}
	}
	return ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer}, nil
}

// ErrServiceAccountDenied marks a valid token from a caller outside the allowlist.
var ErrServiceAccountDenied = errors.New("auth: service account not allowed")

// RequireService guards internal routes with a Google-signed OIDC token.
func (v *OIDCValidator) RequireService(policy OIDCPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "service token required")
				return
			}
			identity, err := v.Validate(ctx, raw, policy)
			if err != nil {
				requestctx.Logger(ctx).Warn("auth: service token rejected", zap.Error(err))
				switch {
				case errors.Is(err, ErrServiceAccountDenied):
					writeAuthError(ctx, w, http.StatusForbidden, "forbidden", "service account not allowed")
					return
				case errors.Is(err, ErrJWKSFetchFailed):
					writeAuthError(ctx, w, http.StatusServiceUnavailable, "auth_unavailable", "signing keys unavailable")
					return
				}
				writeAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "service token invalid")
				return
			}
			ctx = WithServiceIdentity(ctx, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), candidate) {
			return true
		}
	}
	return false
}
