package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/currency"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxBodyBytes        = 1 << 20
	defaultStoreDriver         = StoreDriverFirestore
	defaultPostgresMaxConns    = 10
	defaultCurrency            = "usd"
	defaultWebhookTolerance    = 5 * time.Minute
	defaultBreakerTimeout      = 30 * time.Second
	defaultNotifyTimeout       = 5 * time.Second
	defaultIdempotencyBackend  = IdempotencyBackendFirestore
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencySchedule = "@every 1h"
	defaultIdempotencyBatch    = 200
	defaultWebhookRate         = 20.0
	defaultWebhookBurst        = 60
	defaultLimiterIdleTTL      = 10 * time.Minute
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
)

// Store drivers understood by the API.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
	StoreDriverMemory    = "memory"
)

// Idempotency backends understood by the API.
const (
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendRedis     = "redis"
	IdempotencyBackendMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	PSP           PSPConfig
	Notifications NotificationConfig
	Idempotency   IdempotencyConfig
	RateLimits    RateLimitConfig
	Archive       ArchiveConfig
	Security      SecurityConfig
	Metrics       MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// StoreConfig selects the order/payment persistence backend.
type StoreConfig struct {
	Driver           string
	PostgresDSN      string
	PostgresMaxConns int
	MigrateOnStart   bool
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PSPConfig collects payment processor settings. An empty StripeAPIKey enables mock intents.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
	Currency            string
	WebhookTolerance    time.Duration
	BreakerTimeout      time.Duration
}

// NotificationConfig configures fire-and-forget lifecycle notifications. Both sinks are optional.
type NotificationConfig struct {
	PubSubTopic string
	WebhookURL  string
	WebhookAuth string
	Timeout     time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend         string
	Header          string
	TTL             time.Duration
	CleanupSchedule string
	CleanupBatch    int
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
}

// RateLimitConfig throttles unauthenticated webhook traffic per client address.
type RateLimitConfig struct {
	WebhookPerSecond float64
	WebhookBurst     int
	IdleTTL          time.Duration
}

// ArchiveConfig names the bucket receiving verified webhook payloads. Empty disables archiving.
type ArchiveConfig struct {
	WebhookBucket string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification on internal routes.
type OIDCConfig struct {
	JWKSURL         string
	Audience        string
	Issuers         []string
	ServiceAccounts []string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeWebhookSecret") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the merged key/value map (dotenv < process env < explicit map) that Load reads.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := newLookup(options)
	if err != nil {
		return nil, err
	}
	return lookup.merged(), nil
}

// Load assembles configuration from defaults, the .env file, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	env, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			MaxBodyBytes:    int64(env.integer("API_SERVER_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		},
		Store: StoreConfig{
			Driver:           strings.ToLower(env.str("API_STORE_DRIVER", defaultStoreDriver)),
			PostgresDSN:      env.str("API_STORE_POSTGRES_DSN", ""),
			PostgresMaxConns: env.integer("API_STORE_POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			MigrateOnStart:   env.boolean("API_STORE_MIGRATE_ON_START", true),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        env.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: env.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     env.str("API_PSP_STRIPE_ACCOUNT_ID", ""),
			Currency:            strings.ToLower(env.str("API_PSP_CURRENCY", defaultCurrency)),
			WebhookTolerance:    env.duration("API_PSP_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
			BreakerTimeout:      env.duration("API_PSP_BREAKER_TIMEOUT", defaultBreakerTimeout),
		},
		Notifications: NotificationConfig{
			PubSubTopic: env.str("API_NOTIFY_PUBSUB_TOPIC", ""),
			WebhookURL:  env.str("API_NOTIFY_WEBHOOK_URL", ""),
			WebhookAuth: env.str("API_NOTIFY_WEBHOOK_AUTH", ""),
			Timeout:     env.duration("API_NOTIFY_TIMEOUT", defaultNotifyTimeout),
		},
		Idempotency: IdempotencyConfig{
			Backend:         strings.ToLower(env.str("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:          env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:             env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupSchedule: env.str("API_IDEMPOTENCY_CLEANUP_SCHEDULE", defaultIdempotencySchedule),
			CleanupBatch:    env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
			RedisAddr:       env.str("API_IDEMPOTENCY_REDIS_ADDR", ""),
			RedisPassword:   env.str("API_IDEMPOTENCY_REDIS_PASSWORD", ""),
			RedisDB:         env.integer("API_IDEMPOTENCY_REDIS_DB", 0),
		},
		RateLimits: RateLimitConfig{
			WebhookPerSecond: env.float("API_RATELIMIT_WEBHOOK_RPS", defaultWebhookRate),
			WebhookBurst:     env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultWebhookBurst),
			IdleTTL:          env.duration("API_RATELIMIT_IDLE_TTL", defaultLimiterIdleTTL),
		},
		Archive: ArchiveConfig{
			WebhookBucket: env.str("API_WEBHOOK_ARCHIVE_BUCKET", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:         env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:        env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:         env.csv("API_SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: env.csv("API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
		},
		Metrics: MetricsConfig{
			Enabled: env.boolean("API_METRICS_ENABLED", true),
			Path:    env.str("API_METRICS_PATH", "/metrics"),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Store.PostgresDSN", &cfg.Store.PostgresDSN},
		{"Idempotency.RedisPassword", &cfg.Idempotency.RedisPassword},
		{"Notifications.WebhookAuth", &cfg.Notifications.WebhookAuth},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func defaultOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
}

func validateConfig(cfg Config) error {
	var invalid []string

	if strings.TrimSpace(cfg.Server.Port) == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		invalid = append(invalid, "Server.MaxBodyBytes")
	}

	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case StoreDriverPostgres:
		if cfg.Store.PostgresDSN == "" {
			invalid = append(invalid, "Store.PostgresDSN")
		}
	case StoreDriverMemory:
	default:
		invalid = append(invalid, "Store.Driver")
	}

	if _, err := currency.ParseISO(strings.ToUpper(cfg.PSP.Currency)); err != nil {
		invalid = append(invalid, "PSP.Currency")
	}
	if cfg.PSP.WebhookTolerance <= 0 {
		invalid = append(invalid, "PSP.WebhookTolerance")
	}

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case IdempotencyBackendRedis:
		if cfg.Idempotency.RedisAddr == "" {
			invalid = append(invalid, "Idempotency.RedisAddr")
		}
	case IdempotencyBackendMemory:
	default:
		invalid = append(invalid, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}

	if cfg.RateLimits.WebhookPerSecond <= 0 || cfg.RateLimits.WebhookBurst <= 0 {
		invalid = append(invalid, "RateLimits.Webhook")
	}
	if cfg.Security.Environment != defaultSecurityEnvironment && cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: dedupe(invalid)}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !isSecretReference(trimmed) {
		return value, nil
	}
	ref := normalizeSecretReference(trimmed)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func isSecretReference(value string) bool {
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

func normalizeSecretReference(value string) string {
	if strings.HasPrefix(value, "sm://") {
		return "secret://" + strings.TrimPrefix(value, "sm://")
	}
	return value
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// lookup resolves keys with precedence explicit map > process env > .env file.
type lookup struct {
	explicit  map[string]string
	system    bool
	dotEnv    map[string]string
	envLookup func(string) (string, bool)
}

func newLookup(options loaderOptions) (*lookup, error) {
	dotEnv, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	return &lookup{
		explicit:  options.envMap,
		system:    options.useSystemEnv,
		dotEnv:    dotEnv,
		envLookup: os.LookupEnv,
	}, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func (l *lookup) get(key string) (string, bool) {
	if value, ok := l.explicit[key]; ok {
		return value, true
	}
	if l.system {
		if value, ok := l.envLookup(key); ok {
			return value, true
		}
	}
	value, ok := l.dotEnv[key]
	return value, ok
}

func (l *lookup) merged() map[string]string {
	out := make(map[string]string, len(l.dotEnv)+len(l.explicit))
	for k, v := range l.dotEnv {
		out[k] = v
	}
	if l.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
				out[key] = value
			}
		}
	}
	for k, v := range l.explicit {
		out[k] = v
	}
	return out
}

func (l *lookup) str(key, fallback string) string {
	if value, ok := l.get(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (l *lookup) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := l.get(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func (l *lookup) integer(key string, fallback int) int {
	if value, ok := l.get(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (l *lookup) float(key string, fallback float64) float64 {
	if value, ok := l.get(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (l *lookup) boolean(key string, fallback bool) bool {
	if value, ok := l.get(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	return fallback
}

func (l *lookup) csv(key string) []string {
	raw, ok := l.get(key)
	if !ok {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
