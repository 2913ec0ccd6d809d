package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/skillbridge/api/internal/handlers"
	"github.com/skillbridge/api/internal/notifications"
	"github.com/skillbridge/api/internal/payments"
	"github.com/skillbridge/api/internal/platform/auth"
	"github.com/skillbridge/api/internal/platform/config"
	pfirestore "github.com/skillbridge/api/internal/platform/firestore"
	"github.com/skillbridge/api/internal/platform/httpx"
	"github.com/skillbridge/api/internal/platform/idempotency"
	"github.com/skillbridge/api/internal/platform/metrics"
	"github.com/skillbridge/api/internal/platform/observability"
	"github.com/skillbridge/api/internal/platform/secrets"
	platformstorage "github.com/skillbridge/api/internal/platform/storage"
	"github.com/skillbridge/api/internal/repositories"
	firestoreRepo "github.com/skillbridge/api/internal/repositories/firestore"
	"github.com/skillbridge/api/internal/repositories/memory"
	"github.com/skillbridge/api/internal/repositories/postgres"
	"github.com/skillbridge/api/internal/services"
)

const limiterPruneSchedule = "@every 5m"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	logEvent := observability.EventLogger(logger)

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.New(true)
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Store.Driver == config.StoreDriverFirestore || cfg.Idempotency.Backend == config.IdempotencyBackendFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	store, err := openStore(ctx, cfg, firestoreProvider, logger)
	if err != nil {
		logger.Fatal("failed to initialise order store", zap.Error(err), zap.String("driver", cfg.Store.Driver))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()

	paymentManager, breaker, err := newPaymentManager(cfg, logger, logEvent)
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	dispatcher, closeNotifiers, err := newNotificationDispatcher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise notifications", zap.Error(err))
	}
	defer closeNotifiers()

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     store.Orders(),
		UnitOfWork: store,
		Clock:      time.Now,
		Notifier:   dispatcher,
		Metrics:    transitionRecorder(registry),
		Logger:     logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	intentService, err := services.NewPaymentIntentService(services.PaymentIntentServiceDeps{
		Provider: paymentManager,
		Orders:   store.Orders(),
		Currency: cfg.PSP.Currency,
		Metrics:  intentRecorder(registry),
		Logger:   logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment intent service", zap.Error(err))
	}

	settlementService, err := services.NewSettlementService(services.SettlementServiceDeps{
		Orders:     store.Orders(),
		Payments:   store.Payments(),
		UnitOfWork: store,
		Clock:      time.Now,
		Notifier:   dispatcher,
		Metrics:    settlementRecorder(registry),
		Logger:     logEvent,
	})
	if err != nil {
		logger.Fatal("failed to initialise settlement service", zap.Error(err))
	}

	analyticsService, err := services.NewAnalyticsService(services.AnalyticsServiceDeps{
		Orders:   store.Orders(),
		Payments: store.Payments(),
	})
	if err != nil {
		logger.Fatal("failed to initialise analytics service", zap.Error(err))
	}

	scheduler := cron.New()

	idempotencyStore, redisClient, err := newIdempotencyStore(cfg, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}
	if _, err := idempotency.SchedulePurge(scheduler, cfg.Idempotency.CleanupSchedule, idempotencyStore, cfg.Idempotency.CleanupBatch, logger.Named("idempotency")); err != nil {
		logger.Fatal("failed to schedule idempotency purge", zap.Error(err))
	}
	idempotencyOpts := idempotency.Options{
		Header: cfg.Idempotency.Header,
		TTL:    cfg.Idempotency.TTL,
		Logger: logger.Named("idempotency"),
	}
	if registry != nil {
		idempotencyOpts.Observe = registry.RecordIdempotency
	}
	idempotencyMiddleware := idempotency.Middleware(idempotencyStore, idempotencyOpts)

	limiter := handlers.NewRateLimiter(cfg.RateLimits.WebhookPerSecond, cfg.RateLimits.WebhookBurst, cfg.RateLimits.IdleTTL, time.Now)
	if limiter != nil {
		if _, err := limiter.SchedulePrune(scheduler, limiterPruneSchedule, logger.Named("ratelimit")); err != nil {
			logger.Fatal("failed to schedule rate limiter pruning", zap.Error(err))
		}
	}
	scheduler.Start()

	var archive handlers.WebhookArchiver
	var storageClient *cloudstorage.Client
	if strings.TrimSpace(cfg.Archive.WebhookBucket) != "" {
		storageClient, err = cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		writer, err := platformstorage.NewGCSWriter(storageClient)
		if err != nil {
			logger.Fatal("failed to initialise webhook archive", zap.Error(err))
		}
		archive = platformstorage.NewWebhookArchive(writer, cfg.Archive.WebhookBucket, time.Now)
	}

	systemService, err := newSystemService(cfg, store, breaker, redisClient, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	verifier, err := newTokenVerifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier, 5*time.Second)

	webhookVerifier := payments.NewWebhookVerifier(cfg.PSP.StripeWebhookSecret, cfg.PSP.WebhookTolerance)
	if !webhookVerifier.Enabled() {
		logger.Error("stripe webhook secret not configured; webhook events will be acknowledged without processing")
	}
	webhookOpts := []handlers.WebhookOption{}
	if archive != nil {
		webhookOpts = append(webhookOpts, handlers.WithWebhookArchive(archive))
	}
	if registry != nil {
		webhookOpts = append(webhookOpts, handlers.WithWebhookMetrics(registry))
	}

	orderHandlers := handlers.NewOrderHandlers(orderService)
	intentHandlers := handlers.NewPaymentIntentHandlers(intentService, idempotencyMiddleware)
	webhookHandlers := handlers.NewWebhookHandlers(webhookVerifier, settlementService, webhookOpts...)
	meHandlers := handlers.NewMeHandlers(analyticsService, strings.ToUpper(cfg.PSP.Currency))
	internalHandlers := handlers.NewInternalHandlers(analyticsService, strings.ToUpper(cfg.PSP.Currency))
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	var requestObserver observability.RequestObserver
	if registry != nil {
		requestObserver = registry
	}
	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RequestLogger(logger.Named("http"), requestObserver),
		observability.Recoverer(logger.Named("http")),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentIntentRoutes(intentHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithUserMiddlewares(authenticator.RequireUser),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if registry != nil {
		opts = append(opts, handlers.WithMetricsHandler(registry.Handler()))
	}
	if limiter != nil {
		var observer handlers.RateLimitObserver
		if registry != nil {
			observer = registry
		}
		opts = append(opts, handlers.WithWebhookMiddlewares(limiter.Middleware(observer)))
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc))
	} else {
		opts = append(opts, handlers.WithInternalMiddlewares(denyAll))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("skillbridge api listening",
			zap.String("store", cfg.Store.Driver),
			zap.Bool("mockPayments", strings.TrimSpace(cfg.PSP.StripeAPIKey) == ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	<-scheduler.Stop().Done()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.Config, provider *pfirestore.Provider, logger *zap.Logger) (repositories.Registry, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		return firestoreRepo.NewStore(provider)
	case config.StoreDriverPostgres:
		store, err := postgres.Open(ctx, cfg.Store.PostgresDSN, postgres.Options{
			MaxOpenConns:    cfg.Store.PostgresMaxConns,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Store.MigrateOnStart {
			if err := postgres.Migrate(store.DB()); err != nil {
				_ = store.Close(ctx)
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("postgres schema migrated")
		}
		return store, nil
	case config.StoreDriverMemory:
		logger.Warn("using in-memory order store; data is lost on restart")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger, logEvent observability.EventFunc) (*payments.Manager, *payments.BreakerProvider, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Warn("stripe api key not configured; payment intents will use synthetic client secrets")
		manager, err := payments.NewManager(
			map[string]payments.Provider{payments.ProviderMock: payments.NewMockProvider()},
			payments.WithDefaultProvider(payments.ProviderMock),
		)
		return manager, nil, err
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:    cfg.PSP.StripeAPIKey,
		AccountID: cfg.PSP.StripeAccountID,
		Logger:    payments.StripeLogger(logEvent),
	})
	if err != nil {
		return nil, nil, err
	}
	breakerLogger := logger.Named("payments")
	breaker, err := payments.NewBreakerProvider(stripeProvider, payments.BreakerConfig{
		Name:    payments.ProviderStripe,
		Timeout: cfg.PSP.BreakerTimeout,
		OnStateChange: func(name, from, to string) {
			breakerLogger.Warn("payment provider breaker state changed",
				zap.String("provider", name), zap.String("from", from), zap.String("to", to))
		},
	})
	if err != nil {
		return nil, nil, err
	}
	manager, err := payments.NewManager(map[string]payments.Provider{payments.ProviderStripe: breaker})
	return manager, breaker, err
}

func newNotificationDispatcher(ctx context.Context, cfg config.Config, logger *zap.Logger) (*notifications.Dispatcher, func(), error) {
	var sinks []notifications.Sink
	var closers []func()

	if topicName := strings.TrimSpace(cfg.Notifications.PubSubTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(topicName)
		closers = append(closers, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		})
		sink, err := notifications.NewPubSubSink(topic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}

	if url := strings.TrimSpace(cfg.Notifications.WebhookURL); url != "" {
		sink, err := notifications.NewWebhookSink(notifications.WebhookOptions{
			URL:        url,
			AuthToken:  cfg.Notifications.WebhookAuth,
			Timeout:    cfg.Notifications.Timeout,
			RetryCount: 2,
			Logger:     logger.Named("notifications"),
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) == 0 {
		logger.Info("no notification sinks configured; lifecycle notifications are dropped")
	}
	dispatcher := notifications.NewDispatcher(notifications.DispatcherOptions{Logger: logger.Named("notifications")}, sinks...)
	return dispatcher, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}, nil
}

func newIdempotencyStore(cfg config.Config, provider *pfirestore.Provider) (idempotency.Store, *redis.Client, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendFirestore:
		if provider == nil {
			return nil, nil, errors.New("firestore provider unavailable")
		}
		return idempotency.NewFirestoreStore(provider, ""), nil, nil
	case config.IdempotencyBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.RedisAddr,
			Password: cfg.Idempotency.RedisPassword,
			DB:       cfg.Idempotency.RedisDB,
		})
		return idempotency.NewRedisStore(client), client, nil
	case config.IdempotencyBackendMemory:
		return idempotency.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
	}
}

func newTokenVerifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (auth.TokenVerifier, error) {
	if cfg.Security.Environment == "local" && strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		logger.Warn("firebase project not configured; accepting dev.<uid> bearer tokens")
		return auth.DevVerifier{}, nil
	}
	return auth.NewFirebaseVerifier(ctx, cfg.Firebase, cfg.Security.Environment != "local")
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(cfg config.Config, store repositories.Registry, breaker *payments.BreakerProvider, redisClient *redis.Client, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{{
		Name:    "store",
		Timeout: 1500 * time.Millisecond,
		Check:   store.Ping,
	}}
	if breaker != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "paymentProvider",
			Check: func(context.Context) error {
				if state := breaker.State(); state == "open" {
					return fmt.Errorf("circuit %s", state)
				}
				return nil
			},
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "idempotency",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil && cfg.Security.Environment != "local" {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	prober, err := repositories.NewHealthProber(checks, time.Now)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Health: prober,
		Clock:  time.Now,
		Build:  build,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, time.Now)
	return validator.RequireService(auth.OIDCPolicy{
		Audience:        audience,
		Issuers:         cfg.Security.OIDC.Issuers,
		ServiceAccounts: cfg.Security.OIDC.ServiceAccounts,
	})
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "service authentication is not configured", http.StatusUnauthorized))
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter("github.com/skillbridge/api/secrets")),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets that must resolve outside local runs.
func requiredSecretNames(env map[string]string) []string {
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment == "" || environment == "local" {
		return nil
	}
	required := []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"}
	if strings.EqualFold(strings.TrimSpace(env["API_STORE_DRIVER"]), config.StoreDriverPostgres) {
		required = append(required, "Store.PostgresDSN")
	}
	return required
}

func transitionRecorder(r *metrics.Registry) services.TransitionRecorder {
	if r == nil {
		return nil
	}
	return r
}

func intentRecorder(r *metrics.Registry) services.IntentRecorder {
	if r == nil {
		return nil
	}
	return r
}

func settlementRecorder(r *metrics.Registry) services.SettlementRecorder {
	if r == nil {
		return nil
	}
	return r
}
