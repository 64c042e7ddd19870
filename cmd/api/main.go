package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/reconciler/internal/di"
	"github.com/hanko-field/reconciler/internal/handlers"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/config"
	"github.com/hanko-field/reconciler/internal/platform/idempotency"
	"github.com/hanko-field/reconciler/internal/platform/observability"
	"github.com/hanko-field/reconciler/internal/platform/secrets"
	"github.com/hanko-field/reconciler/internal/repositories"
	"github.com/hanko-field/reconciler/internal/services"
)

const (
	checkoutRateLimit       = 20
	checkoutRateWindow      = time.Minute
	firebaseVerifyTimeout   = 5 * time.Second
	shutdownTimeout         = 10 * time.Second
	secretHealthReference   = "secret://system/healthz?version=latest"
	secretHealthCheckBudget = time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(config.ObservabilityConfig{
		LogLevel:    lookupEnv(envValues, "RECON_LOG_LEVEL"),
		ServiceName: "reconciler",
		Version:     buildVersion(envValues),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	metrics, err := observability.NewMetrics(ctx, cfg.Observability)
	if err != nil {
		logger.Fatal("failed to initialise metrics", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(flushCtx); err != nil {
			logger.Warn("metrics shutdown error", zap.Error(err))
		}
	}()

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger.Named("di")),
		di.WithServiceLogger(observability.ServiceLogger(baseLogger.Named("services"), metrics)),
		di.WithBuildInfo(services.BuildInfo{
			Version:     buildVersion(envValues),
			Environment: environmentLabel(cfg),
			StartedAt:   startedAt,
		}),
		di.WithHealthChecks(secretManagerCheck(fetcher)),
	)
	if err != nil {
		logger.Fatal("failed to build dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	buyerAuth, err := buildBuyerAuthenticator(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise buyer authentication", zap.Error(err))
	}
	operatorMiddleware := buildOperatorMiddleware(logger, metrics, cfg)

	svc := container.Services
	checkoutIdempotency := idempotency.Middleware(container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.Optional(),
	)

	cartHandlers := handlers.NewCartHandlers(buyerAuth, svc.Cart)
	checkoutHandlers := handlers.NewCheckoutHandlers(buyerAuth, svc.Checkout,
		handlers.WithCheckoutIdempotency(checkoutIdempotency),
		handlers.WithCheckoutRateLimit(checkoutRateLimit, checkoutRateWindow, time.Now),
	)
	orderHandlers := handlers.NewOrderHandlers(buyerAuth, svc.Orders)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Checkout)
	internalHandlers := handlers.NewInternalHandlers(handlers.InternalDeps{
		Inventory: svc.Inventory,
		Orders:    svc.Orders,
		Checkout:  svc.Checkout,
		Sweeper:   svc.Sweeper,
	})
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(svc.System),
		handlers.WithHealthBuildInfo(services.BuildInfo{
			Version:     buildVersion(envValues),
			Environment: environmentLabel(cfg),
			StartedAt:   startedAt,
		}),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(baseLogger.Named("http")),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.MetricsMiddleware(metrics),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(operatorMiddleware),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		svc.Sweeper.Run(sweepCtx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("store", cfg.Store.Driver))
	go func() {
		serverLogger.Info("reconciler api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildBuyerAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) (*auth.BuyerAuthenticator, error) {
	var verifier auth.TokenVerifier
	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, firebaseVerifyTimeout)
		if err != nil {
			return nil, err
		}
		verifier = firebase
	} else {
		logger.Warn("auth: firebase project not configured; buyers are limited to anonymous sessions")
	}
	return auth.NewBuyerAuthenticator(verifier, auth.WithVerificationTimeout(firebaseVerifyTimeout)), nil
}

func buildOperatorMiddleware(logger *zap.Logger, metrics *observability.Metrics, cfg config.Config) func(http.Handler) http.Handler {
	authLogger := logger.Named("auth")
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(authLogger))
	validator := auth.NewOperatorValidator(cache,
		auth.WithOperatorLogger(authLogger),
		auth.WithOperatorMetrics(metrics),
	)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOperator(audience, cfg.Security.OIDC.Issuers)
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: secretHealthCheckBudget,
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
	}
}

func buildVersion(env map[string]string) string {
	if version := lookupEnv(env, "RECON_VERSION"); version != "" {
		return version
	}
	return "dev"
}

func environmentLabel(cfg config.Config) string {
	if env := strings.TrimSpace(cfg.Security.Environment); env != "" {
		return env
	}
	return "local"
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func lookupEnv(env map[string]string, key string) string {
	if env == nil {
		return ""
	}
	return strings.TrimSpace(env[key])
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	envLabel := strings.ToLower(lookupEnv(env, "RECON_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookupEnv(env, "RECON_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookupEnv(env, "RECON_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookupEnv(env, "RECON_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookupEnv(env, "RECON_SECRET_PROJECT_IDS"), strings.ToLower); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookupEnv(env, "RECON_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookupEnv(env, "RECON_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// secretVersionPins parses "ref=version" pairs, accepting sm:// and bare names as secret:// references.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw, nil) {
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[ref] = version
	}
	return pins
}

func parseKeyValueList(raw string, normaliseKey func(string) string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if normaliseKey != nil {
			key = normaliseKey(key)
		}
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
