package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/platform/cache"
	"github.com/hanko-field/reconciler/internal/platform/config"
	"github.com/hanko-field/reconciler/internal/platform/events"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/platform/idempotency"
	"github.com/hanko-field/reconciler/internal/platform/jobs"
	"github.com/hanko-field/reconciler/internal/repositories"
	firestorerepo "github.com/hanko-field/reconciler/internal/repositories/firestore"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
	postgresrepo "github.com/hanko-field/reconciler/internal/repositories/postgres"
	"github.com/hanko-field/reconciler/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Catalog   services.CatalogService
	Cart      services.CartService
	Inventory services.InventoryService
	Checkout  services.CheckoutService
	Orders    services.OrderService
	System    services.SystemService
	Sweeper   *services.Sweeper
}

// IdempotencyStore is the replay store behind the checkout middleware, pruned by the sweeper.
type IdempotencyStore interface {
	idempotency.Store
	services.IdempotencyJanitor
}

// Notifier delivers both post-commit signals and order state events.
type Notifier interface {
	services.OrderNotifier
	services.OrderEventPublisher
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Idempotency  IdempotencyStore
	CartCache    *cache.RedisCartCache
	Notifier     Notifier
	Payments     services.PaymentGateway
	Services     Services

	checks  []repositories.DependencyCheck
	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	events   func(ctx context.Context, event string, fields map[string]any)
	registry repositories.Registry
	store    IdempotencyStore
	gateway  services.PaymentGateway
	notifier Notifier
	checks   []repositories.DependencyCheck
	build    services.BuildInfo
	clock    func() time.Time
}

// WithLogger sets the zap logger used for infrastructure messages.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithServiceLogger sets the event logger handed to every service.
func WithServiceLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *options) {
		o.events = logger
	}
}

// WithRegistry supplies a prebuilt repository registry and idempotency store instead of opening
// the configured driver.
func WithRegistry(reg repositories.Registry, store IdempotencyStore) Option {
	return func(o *options) {
		o.registry = reg
		o.store = store
	}
}

// WithPaymentGateway overrides the provider manager built from the PSP configuration.
func WithPaymentGateway(gateway services.PaymentGateway) Option {
	return func(o *options) {
		o.gateway = gateway
	}
}

// WithNotifier overrides the notifier chosen by the notification driver.
func WithNotifier(notifier Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithHealthChecks adds readiness probes to the ones the container registers itself.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *options) {
		o.checks = append(o.checks, checks...)
	}
}

// WithBuildInfo sets the metadata reported by the health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) {
		o.build = build
	}
}

// WithClock injects the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies. On error every resource opened so far is closed.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (c *Container, err error) {
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.events == nil {
		o.events = func(context.Context, string, map[string]any) {}
	}

	c = &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
			c = nil
		}
	}()

	if o.registry != nil {
		c.Repositories = o.registry
		c.Idempotency = o.store
	} else if err = c.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if c.Idempotency == nil {
		c.Idempotency = idempotency.NewMemoryStore()
	}
	c.checks = append(c.checks, repositories.DependencyCheck{Name: "store", Check: c.Repositories.Ping})

	if err = c.openCartCache(ctx, cfg.Redis); err != nil {
		return nil, err
	}

	c.Notifier = o.notifier
	if c.Notifier == nil {
		if err = c.openNotifier(ctx, cfg.Notifications, o.events); err != nil {
			return nil, err
		}
	}

	c.Payments = o.gateway
	if c.Payments == nil {
		if c.Payments, err = buildPaymentGateway(cfg.PSP, o.events, o.clock); err != nil {
			return nil, err
		}
		if _, ok := c.Payments.(disabledGateway); ok {
			o.logger.Warn("no payment provider configured; online checkout is disabled")
		}
	}

	c.checks = append(c.checks, o.checks...)
	if c.Services, err = c.buildServices(cfg, o); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases resources such as repository clients, brokers and caches in reverse order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) openStore(ctx context.Context, cfg config.Config) error {
	switch cfg.Store.Driver {
	case "", "memory":
		c.Repositories = memory.NewStore()
		c.Idempotency = idempotency.NewMemoryStore()
	case "firestore":
		provider := pfirestore.NewProvider(cfg.Firestore)
		c.onClose(provider.Close)
		if _, err := provider.Client(ctx); err != nil {
			return fmt.Errorf("initialise firestore client: %w", err)
		}
		reg, err := firestorerepo.NewRegistry(provider)
		if err != nil {
			return fmt.Errorf("build firestore registry: %w", err)
		}
		store, err := idempotency.NewFirestoreStore(provider)
		if err != nil {
			return fmt.Errorf("build firestore idempotency store: %w", err)
		}
		c.Repositories = reg
		c.Idempotency = store
	case "postgres":
		if cfg.Postgres.MigrateOnStart {
			if _, err := postgresrepo.Migrate(cfg.Postgres.DSN); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		pool, err := postgresrepo.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("open postgres pool: %w", err)
		}
		c.onClose(func(context.Context) error {
			pool.Close()
			return nil
		})
		reg, err := postgresrepo.NewRegistry(pool)
		if err != nil {
			return fmt.Errorf("build postgres registry: %w", err)
		}
		store, err := idempotency.NewPostgresStore(pool)
		if err != nil {
			return fmt.Errorf("build postgres idempotency store: %w", err)
		}
		c.Repositories = reg
		c.Idempotency = store
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	return nil
}

func (c *Container) openCartCache(_ context.Context, cfg config.RedisConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c.onClose(func(context.Context) error { return client.Close() })
	cartCache, err := cache.NewRedisCartCache(client, cfg.CartTTL)
	if err != nil {
		return fmt.Errorf("build cart cache: %w", err)
	}
	c.CartCache = cartCache
	c.checks = append(c.checks, repositories.DependencyCheck{Name: "redis", Check: cartCache.Ping})
	return nil
}

func (c *Container) openNotifier(ctx context.Context, cfg config.NotificationConfig, logger func(context.Context, string, map[string]any)) error {
	switch cfg.Driver {
	case "", "log":
		c.Notifier = events.NewLogNotifier(logger)
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return fmt.Errorf("initialise pubsub client: %w", err)
		}
		c.onClose(func(context.Context) error { return client.Close() })
		orders := client.Topic(cfg.OrderTopic)
		refunds := client.Topic(cfg.RefundTopic)
		c.onClose(func(context.Context) error {
			orders.Stop()
			refunds.Stop()
			return nil
		})
		notifier, err := jobs.NewPubSubNotifier(orders, refunds)
		if err != nil {
			return err
		}
		c.Notifier = notifier
	case "amqp":
		notifier, conn, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp broker: %w", err)
		}
		c.onClose(func(context.Context) error { return closeAMQP(notifier, conn) })
		c.Notifier = notifier
	default:
		return fmt.Errorf("unsupported notification driver %q", cfg.Driver)
	}
	return nil
}

func closeAMQP(notifier *events.AMQPNotifier, conn *amqp.Connection) error {
	return errors.Join(notifier.Close(), conn.Close())
}

func buildPaymentGateway(cfg config.PSPConfig, logger func(context.Context, string, map[string]any), clock func() time.Time) (services.PaymentGateway, error) {
	providers := make(map[string]payments.Provider, 2)
	if cfg.StripeEnabled() {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			AccountID:     cfg.StripeAccountID,
			Logger:        payments.StripeLogger(logger),
			Clock:         clock,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		providers["stripe"] = stripeProvider
	}
	if cfg.HostedEnabled() {
		hosted, err := payments.NewHostedProvider(payments.HostedProviderConfig{
			Name:          cfg.HostedName,
			BaseURL:       cfg.HostedBaseURL,
			APIKey:        cfg.HostedAPIKey,
			WebhookSecret: cfg.HostedWebhookSecret,
			Clock:         clock,
		})
		if err != nil {
			return nil, fmt.Errorf("build hosted provider: %w", err)
		}
		providers[cfg.HostedName] = hosted
	}
	if len(providers) == 0 {
		return disabledGateway{}, nil
	}

	opts := []payments.ManagerOption{
		payments.WithLogger(payments.Logger(logger)),
		payments.WithRetryPolicy(payments.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Initial:     200 * time.Millisecond,
			Max:         2 * time.Second,
			Multiplier:  2,
		}),
		payments.WithBreakerPolicy(payments.BreakerPolicy{
			ConsecutiveFailures: uint32(max(cfg.BreakerFailures, 1)),
			OpenTimeout:         cfg.BreakerTimeout,
		}),
	}
	if _, ok := providers[cfg.DefaultProvider]; ok {
		opts = append(opts, payments.WithDefaultProvider(cfg.DefaultProvider))
	}
	manager, err := payments.NewManager(providers, opts...)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	return manager, nil
}

// disabledGateway stands in when no provider is configured so cash-on-delivery checkout keeps working.
type disabledGateway struct{}

func (disabledGateway) CreateIntent(context.Context, services.IntentRequest) (services.PaymentIntent, error) {
	return services.PaymentIntent{}, payments.ErrUnknownProvider
}

func (disabledGateway) VerifyCallback(context.Context, string, []byte, string) (services.VerifiedPayment, error) {
	return services.VerifiedPayment{}, payments.ErrUnknownProvider
}

func (c *Container) buildServices(cfg config.Config, o options) (Services, error) {
	var svc Services
	reg := c.Repositories

	var cartCache services.CartCache
	if c.CartCache != nil {
		cartCache = c.CartCache
	}

	catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{Products: reg.Catalog()})
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory:  reg.Inventory(),
		DefaultTTL: cfg.Checkout.ReservationTTL,
		Clock:      o.clock,
		Logger:     o.events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Repository: reg.Carts(),
		Catalog:    catalogSvc,
		Cache:      cartCache,
		Clock:      o.clock,
		Logger:     o.events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:     reg.Carts(),
		Attempts:  reg.Attempts(),
		Orders:    reg.Orders(),
		Catalog:   catalogSvc,
		Inventory: inventorySvc,
		Payments:  c.Payments,
		Notifier:  c.Notifier,
		CartCache: cartCache,
		Pricing: services.PricingPolicy{
			Currency: cfg.Pricing.Currency,
			Shipping: domain.ShippingRule{
				FreeThreshold: cfg.Pricing.FreeShippingThreshold,
				FlatFee:       cfg.Pricing.FlatShippingFee,
			},
			TaxRate:     cfg.Pricing.TaxRate,
			RuleVersion: cfg.Pricing.RuleVersion,
		},
		DefaultProvider: cfg.PSP.DefaultProvider,
		ReservationTTL:  cfg.Checkout.ReservationTTL,
		AbandonAfter:    cfg.Checkout.AbandonAfter,
		NotifyTimeout:   cfg.Checkout.NotifyTimeout,
		Clock:           o.clock,
		Logger:          o.events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Events: c.Notifier,
		Clock:  o.clock,
		Logger: o.events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	healthRepo, err := repositories.NewDependencyHealthRepository(c.checks, repositories.WithDependencyClock(o.clock))
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		Health: healthRepo,
		Clock:  o.clock,
		Build:  o.build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	sweeper, err := services.NewSweeper(services.SweeperDeps{
		Inventory:           inventorySvc,
		Checkout:            checkoutSvc,
		Idempotency:         c.Idempotency,
		ReservationInterval: cfg.Checkout.SweepInterval,
		AttemptInterval:     cfg.Checkout.SweepInterval,
		IdempotencyInterval: cfg.Idempotency.CleanupInterval,
		BatchSize:           cfg.Checkout.SweepBatch,
		Clock:               o.clock,
		Logger:              o.events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sweeper: %w", err)
	}
	svc.Sweeper = sweeper

	return svc, nil
}
