package di

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/config"
	"github.com/hanko-field/reconciler/internal/repositories"
	"github.com/hanko-field/reconciler/internal/services"
)

func memoryConfig() config.Config {
	return config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Pricing: config.PricingConfig{
			Currency:              "INR",
			FreeShippingThreshold: 100000,
			FlatShippingFee:       5000,
			TaxRate:               decimal.RequireFromString("0.18"),
			RuleVersion:           "test",
		},
		Checkout: config.CheckoutConfig{
			ReservationTTL: 20 * time.Minute,
			AbandonAfter:   15 * time.Minute,
			NotifyTimeout:  time.Second,
			SweepInterval:  time.Minute,
			SweepBatch:     10,
		},
		Notifications: config.NotificationConfig{Driver: "log"},
		Idempotency:   config.IdempotencyConfig{TTL: time.Hour, CleanupInterval: time.Hour, CleanupBatchSize: 10},
	}
}

func TestNewContainerMemoryDriverSettlesCashOnDelivery(t *testing.T) {
	ctx := context.Background()
	container, err := NewContainer(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	if _, ok := container.Payments.(disabledGateway); !ok {
		t.Fatalf("expected disabled gateway without providers, got %T", container.Payments)
	}
	svc := container.Services
	if _, err := svc.Catalog.UpsertProduct(ctx, services.CatalogProduct{ProductRef: "item-a", Name: "A", Price: 25000, AvailableForSale: true}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	if _, err := svc.Inventory.SetStock(ctx, "item-a", 3); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if _, err := svc.Cart.AddItem(ctx, services.CartAddItemCommand{OwnerKey: "user:u1", ProductRef: "item-a", Quantity: 2}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	cmd := services.BeginCheckoutCommand{
		OwnerKey:      "user:u1",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		ShippingDestination: services.Address{
			Recipient:  "Asha Rao",
			Line1:      "12 MG Road",
			City:       "Bengaluru",
			PostalCode: "560001",
			Country:    "in",
		},
		DisplayedTotal: 1,
	}
	_, err = svc.Checkout.BeginCheckout(ctx, cmd)
	var changed *services.PriceChangedError
	if !errors.As(err, &changed) {
		t.Fatalf("expected price change for a stale displayed total, got %v", err)
	}

	cmd.DisplayedTotal = changed.Totals.GrandTotal
	result, err := svc.Checkout.BeginCheckout(ctx, cmd)
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	if result.Order == nil || result.Order.Totals.GrandTotal != changed.Totals.GrandTotal {
		t.Fatalf("expected committed order, got %+v", result)
	}

	stock, err := container.Repositories.Inventory().GetStock(ctx, "item-a")
	if err != nil {
		t.Fatalf("GetStock: %v", err)
	}
	if stock.OnHand != 1 || stock.Reserved != 0 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}

	report, err := svc.System.HealthReport(ctx)
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if check, ok := report.Checks["store"]; !ok || check.Status != domain.HealthStatusOK {
		t.Fatalf("expected healthy store check, got %+v", report.Checks)
	}
}

func TestNewContainerUsesInjectedCollaborators(t *testing.T) {
	probed := false
	container, err := NewContainer(context.Background(), memoryConfig(),
		WithPaymentGateway(disabledGateway{}),
		WithHealthChecks(repositories.DependencyCheck{Name: "extra", Check: func(context.Context) error {
			probed = true
			return nil
		}}),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if container.Idempotency == nil || container.Notifier == nil || container.Services.Sweeper == nil {
		t.Fatalf("expected defaults to be wired: %+v", container)
	}
	if container.CartCache != nil {
		t.Fatalf("cart cache must stay disabled without a redis address")
	}
	if _, err := container.Services.System.HealthReport(context.Background()); err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if !probed {
		t.Fatalf("expected injected health check to run")
	}
	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := container.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewContainerRejectsUnknownDrivers(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Driver = "cassandra"
	if _, err := NewContainer(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Fatalf("expected unsupported store driver error, got %v", err)
	}

	cfg = memoryConfig()
	cfg.Notifications.Driver = "carrier-pigeon"
	if _, err := NewContainer(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("expected unsupported notification driver error, got %v", err)
	}
}

func TestDisabledGatewayRejectsOnlinePayments(t *testing.T) {
	gateway, err := buildPaymentGateway(config.PSPConfig{}, nil, time.Now)
	if err != nil {
		t.Fatalf("buildPaymentGateway: %v", err)
	}
	if _, err := gateway.CreateIntent(context.Background(), services.IntentRequest{Provider: "stripe"}); err == nil {
		t.Fatalf("expected online intent to fail without providers")
	}
	if _, err := gateway.VerifyCallback(context.Background(), "stripe", []byte("{}"), "sig"); err == nil {
		t.Fatalf("expected callback verification to fail without providers")
	}
}
