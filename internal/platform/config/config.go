package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	envPrefix = "RECON_"

	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStoreDriver         = StoreMemory
	defaultPostgresMaxConns    = 10
	defaultCartCacheTTL        = 10 * time.Minute
	defaultCurrency            = "INR"
	defaultFreeShipping        = int64(50000)
	defaultFlatShipping        = int64(5000)
	defaultTaxRate             = "0.05"
	defaultRuleVersion         = "v1"
	defaultAbandonAfter        = 30 * time.Minute
	defaultNotifyTimeout       = 10 * time.Second
	defaultSweepInterval       = time.Minute
	defaultSweepBatch          = 200
	defaultPSPProvider         = "stripe"
	defaultPSPMaxAttempts      = 3
	defaultPSPBreakerFailures  = 5
	defaultPSPBreakerTimeout   = 30 * time.Second
	defaultNotifyDriver        = NotifyLog
	defaultOrderTopic          = "orders.committed"
	defaultRefundTopic         = "payments.refund-required"
	defaultAMQPExchange        = "reconciler.events"
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultLogLevel            = "info"
	defaultServiceName         = "reconciler"
	defaultMetricsInterval     = 30 * time.Second
)

// Store drivers.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

// Notification drivers.
const (
	NotifyLog    = "log"
	NotifyPubSub = "pubsub"
	NotifyAMQP   = "amqp"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Pricing       PricingConfig
	Checkout      CheckoutConfig
	PSP           PSPConfig
	Notifications NotificationConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
	Observability ObservabilityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Driver string
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

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	DSN            string
	MaxConns       int
	MigrateOnStart bool
}

// RedisConfig configures the optional cart cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CartTTL  time.Duration
}

// PricingConfig holds the single shipping rule and tax rate. Amounts are minor units.
type PricingConfig struct {
	Currency              string
	FreeShippingThreshold int64
	FlatShippingFee       int64
	TaxRate               decimal.Decimal
	RuleVersion           string
}

// CheckoutConfig tunes the reconciliation orchestrator and its sweeps.
type CheckoutConfig struct {
	ReservationTTL time.Duration
	AbandonAfter   time.Duration
	NotifyTimeout  time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
}

// PSPConfig collects payment provider credentials and resilience settings.
type PSPConfig struct {
	DefaultProvider     string
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
	HostedName          string
	HostedBaseURL       string
	HostedAPIKey        string
	HostedWebhookSecret string
	MaxAttempts         int
	BreakerFailures     int
	BreakerTimeout      time.Duration
}

// StripeEnabled reports whether Stripe credentials were supplied.
func (c PSPConfig) StripeEnabled() bool {
	return c.StripeAPIKey != "" && c.StripeWebhookSecret != ""
}

// HostedEnabled reports whether the hosted checkout provider was configured.
func (c PSPConfig) HostedEnabled() bool {
	return c.HostedBaseURL != "" && c.HostedWebhookSecret != ""
}

// NotificationConfig selects where order and refund signals are delivered.
type NotificationConfig struct {
	Driver          string
	PubSubProjectID string
	OrderTopic      string
	RefundTopic     string
	AMQPURL         string
	AMQPExchange    string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ObservabilityConfig configures logging and metric export.
type ObservabilityConfig struct {
	LogLevel        string
	ServiceName     string
	Version         string
	OTLPEndpoint    string
	MetricsInterval time.Duration
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

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process environment.
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

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the effective environment after applying Load's precedence
// (.env < process env < explicit map), so callers can build the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles configuration from defaults, .env overrides, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	env, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	r := reader{values: env}

	cfg := Config{
		Server: ServerConfig{
			Port:         r.str("SERVER_PORT", defaultPort),
			ReadTimeout:  r.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: r.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  r.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(r.str("STORE_DRIVER", defaultStoreDriver)),
		},
		Firebase: FirebaseConfig{
			ProjectID:       r.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: r.str("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    r.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: r.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:            r.str("POSTGRES_DSN", ""),
			MaxConns:       r.integer("POSTGRES_MAX_CONNS", defaultPostgresMaxConns),
			MigrateOnStart: r.boolean("POSTGRES_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     r.str("REDIS_ADDR", ""),
			Password: r.str("REDIS_PASSWORD", ""),
			DB:       r.integer("REDIS_DB", 0),
			CartTTL:  r.duration("REDIS_CART_TTL", defaultCartCacheTTL),
		},
		Pricing: PricingConfig{
			Currency:              strings.ToUpper(r.str("PRICING_CURRENCY", defaultCurrency)),
			FreeShippingThreshold: r.int64("PRICING_FREE_SHIPPING_THRESHOLD", defaultFreeShipping),
			FlatShippingFee:       r.int64("PRICING_FLAT_SHIPPING_FEE", defaultFlatShipping),
			RuleVersion:           r.str("PRICING_RULE_VERSION", defaultRuleVersion),
		},
		Checkout: CheckoutConfig{
			AbandonAfter:  r.duration("CHECKOUT_ABANDON_AFTER", defaultAbandonAfter),
			NotifyTimeout: r.duration("CHECKOUT_NOTIFY_TIMEOUT", defaultNotifyTimeout),
			SweepInterval: r.duration("CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatch:    r.integer("CHECKOUT_SWEEP_BATCH", defaultSweepBatch),
		},
		PSP: PSPConfig{
			DefaultProvider:     strings.ToLower(r.str("PSP_DEFAULT_PROVIDER", defaultPSPProvider)),
			StripeAPIKey:        r.str("PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: r.str("PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     r.str("PSP_STRIPE_ACCOUNT_ID", ""),
			HostedName:          strings.ToLower(r.str("PSP_HOSTED_NAME", "hosted")),
			HostedBaseURL:       r.str("PSP_HOSTED_BASE_URL", ""),
			HostedAPIKey:        r.str("PSP_HOSTED_API_KEY", ""),
			HostedWebhookSecret: r.str("PSP_HOSTED_WEBHOOK_SECRET", ""),
			MaxAttempts:         r.integer("PSP_MAX_ATTEMPTS", defaultPSPMaxAttempts),
			BreakerFailures:     r.integer("PSP_BREAKER_FAILURES", defaultPSPBreakerFailures),
			BreakerTimeout:      r.duration("PSP_BREAKER_TIMEOUT", defaultPSPBreakerTimeout),
		},
		Notifications: NotificationConfig{
			Driver:          strings.ToLower(r.str("NOTIFY_DRIVER", defaultNotifyDriver)),
			PubSubProjectID: r.str("NOTIFY_PUBSUB_PROJECT_ID", ""),
			OrderTopic:      r.str("NOTIFY_ORDER_TOPIC", defaultOrderTopic),
			RefundTopic:     r.str("NOTIFY_REFUND_TOPIC", defaultRefundTopic),
			AMQPURL:         r.str("NOTIFY_AMQP_URL", ""),
			AMQPExchange:    r.str("NOTIFY_AMQP_EXCHANGE", defaultAMQPExchange),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(r.str("SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  r.str("SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: r.str("SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  r.csv("SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           r.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              r.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  r.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: r.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Observability: ObservabilityConfig{
			LogLevel:        strings.ToLower(r.str("LOG_LEVEL", defaultLogLevel)),
			ServiceName:     r.str("SERVICE_NAME", defaultServiceName),
			Version:         r.str("VERSION", "dev"),
			OTLPEndpoint:    r.str("OTLP_ENDPOINT", ""),
			MetricsInterval: r.duration("METRICS_INTERVAL", defaultMetricsInterval),
		},
	}

	// Holds must outlive the abandon window so the sweep, not expiry, settles an awaiting attempt.
	cfg.Checkout.ReservationTTL = r.duration("CHECKOUT_RESERVATION_TTL", cfg.Checkout.AbandonAfter+5*time.Minute)

	var invalid []string
	rate, err := decimal.NewFromString(r.str("PRICING_TAX_RATE", defaultTaxRate))
	if err != nil {
		invalid = append(invalid, "Pricing.TaxRate")
	}
	cfg.Pricing.TaxRate = rate

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.PubSubProjectID == "" {
		cfg.Notifications.PubSubProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	for _, field := range []*string{
		&cfg.PSP.StripeAPIKey,
		&cfg.PSP.StripeWebhookSecret,
		&cfg.PSP.HostedAPIKey,
		&cfg.PSP.HostedWebhookSecret,
		&cfg.Postgres.DSN,
		&cfg.Redis.Password,
		&cfg.Notifications.AMQPURL,
	} {
		resolved, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !isSecretReference(trimmed) {
		return value, nil
	}
	ref := normalizeSecretReference(trimmed)
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)
	add := func(ok bool, field string) {
		if !ok {
			fields = append(fields, field)
		}
	}

	add(cfg.Server.Port != "", "Server.Port")

	switch cfg.Store.Driver {
	case StoreMemory:
	case StoreFirestore:
		add(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StorePostgres:
		add(cfg.Postgres.DSN != "", "Postgres.DSN")
		add(cfg.Postgres.MaxConns > 0, "Postgres.MaxConns")
	default:
		fields = append(fields, "Store.Driver")
	}

	_, err := currency.ParseISO(cfg.Pricing.Currency)
	add(err == nil, "Pricing.Currency")
	add(cfg.Pricing.FreeShippingThreshold >= 0, "Pricing.FreeShippingThreshold")
	add(cfg.Pricing.FlatShippingFee >= 0, "Pricing.FlatShippingFee")
	add(!cfg.Pricing.TaxRate.IsNegative() && cfg.Pricing.TaxRate.LessThan(decimal.NewFromInt(1)), "Pricing.TaxRate")

	add(cfg.Checkout.AbandonAfter > 0, "Checkout.AbandonAfter")
	add(cfg.Checkout.ReservationTTL > cfg.Checkout.AbandonAfter, "Checkout.ReservationTTL")
	add(cfg.Checkout.SweepInterval > 0, "Checkout.SweepInterval")
	add(cfg.Checkout.SweepBatch > 0, "Checkout.SweepBatch")

	add(cfg.PSP.StripeEnabled() || cfg.PSP.HostedEnabled(), "PSP")
	switch cfg.PSP.DefaultProvider {
	case "stripe":
		add(cfg.PSP.StripeEnabled(), "PSP.DefaultProvider")
	case cfg.PSP.HostedName:
		add(cfg.PSP.HostedEnabled(), "PSP.DefaultProvider")
	default:
		fields = append(fields, "PSP.DefaultProvider")
	}
	add(cfg.PSP.MaxAttempts > 0, "PSP.MaxAttempts")

	switch cfg.Notifications.Driver {
	case NotifyLog:
	case NotifyPubSub:
		add(cfg.Notifications.PubSubProjectID != "", "Notifications.PubSubProjectID")
		add(cfg.Notifications.OrderTopic != "", "Notifications.OrderTopic")
		add(cfg.Notifications.RefundTopic != "", "Notifications.RefundTopic")
	case NotifyAMQP:
		add(cfg.Notifications.AMQPURL != "", "Notifications.AMQPURL")
	default:
		fields = append(fields, "Notifications.Driver")
	}

	add(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	add(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	add(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	add(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
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

func loadDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

// reader looks up RECON_-prefixed keys.
type reader struct {
	values map[string]string
}

func (r reader) lookup(key string) (string, bool) {
	value, ok := r.values[envPrefix+key]
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (r reader) str(key, fallback string) string {
	if value, ok := r.lookup(key); ok {
		return value
	}
	return fallback
}

func (r reader) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := r.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (r reader) integer(key string, fallback int) int {
	if value, ok := r.lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (r reader) int64(key string, fallback int64) int64 {
	if value, ok := r.lookup(key); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (r reader) boolean(key string, fallback bool) bool {
	if value, ok := r.lookup(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (r reader) csv(key string) []string {
	raw, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
