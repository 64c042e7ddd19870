package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
)

const testCallbackSecret = "callback-secret"

var testDestination = Address{
	Recipient:  "Asha Rao",
	Line1:      "12 MG Road",
	City:       "Bengaluru",
	PostalCode: "560001",
	Country:    "in",
}

type fakeGateway struct {
	mu        sync.Mutex
	requests  []IntentRequest
	createErr error
}

func (g *fakeGateway) CreateIntent(_ context.Context, req IntentRequest) (PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.createErr != nil {
		return PaymentIntent{}, g.createErr
	}
	return PaymentIntent{
		IntentID:     "pi_" + req.AttemptID,
		Provider:     "hosted",
		Amount:       req.Amount,
		Currency:     req.Currency,
		AttemptID:    req.AttemptID,
		Status:       domain.IntentStatusRequiresAction,
		ClientSecret: "secret_" + req.AttemptID,
	}, nil
}

func (g *fakeGateway) VerifyCallback(_ context.Context, provider string, raw []byte, signature string) (VerifiedPayment, error) {
	expected := hex.EncodeToString(payments.SignHostedPayload([]byte(testCallbackSecret), raw))
	if signature != expected {
		return VerifiedPayment{}, payments.ErrSignatureInvalid
	}
	var payment VerifiedPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return VerifiedPayment{}, payments.ErrPayloadMalformed
	}
	if payment.Status == domain.IntentStatusRequiresAction {
		return VerifiedPayment{}, fmt.Errorf("%w: status %q", payments.ErrEventIgnored, payment.Status)
	}
	payment.Provider = provider
	return payment, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	committed []Order
	refunds   []RefundSignal
}

func (n *recordingNotifier) NotifyOrderCommitted(_ context.Context, order Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.committed = append(n.committed, order)
	return nil
}

func (n *recordingNotifier) NotifyRefundRequired(_ context.Context, signal RefundSignal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refunds = append(n.refunds, signal)
	return nil
}

type checkoutFixture struct {
	svc       CheckoutService
	store     *memory.Store
	inventory InventoryService
	gateway   *fakeGateway
	notifier  *recordingNotifier
	catalog   *stubCatalog
	clock     *testClock
	deps      CheckoutServiceDeps
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	clock := newTestClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	store := memory.NewStore()
	var seq atomic.Int64
	nextID := func() string { return fmt.Sprintf("%08d", seq.Add(1)) }

	inventory, err := NewInventoryService(InventoryServiceDeps{
		Inventory:   store.Inventory(),
		Clock:       clock.Now,
		IDGenerator: nextID,
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}

	catalog := &stubCatalog{products: map[string]CatalogProduct{
		"item-a": {ProductRef: "item-a", Name: "Item A", Price: 19900, AvailableForSale: true},
		"item-b": {ProductRef: "item-b", Name: "Item B", Price: 129900, AvailableForSale: true},
	}}
	gateway := &fakeGateway{}
	notifier := &recordingNotifier{}

	deps := CheckoutServiceDeps{
		Carts:     store.Carts(),
		Attempts:  store.Attempts(),
		Orders:    store.Orders(),
		Catalog:   catalog,
		Inventory: inventory,
		Payments:  gateway,
		Notifier:  notifier,
		Pricing: PricingPolicy{
			Currency: "INR",
			Shipping: domain.ShippingRule{FreeThreshold: 50000, FlatFee: 5000},
			TaxRate:  decimal.RequireFromString("0.05"),
		},
		DefaultProvider: "hosted",
		AbandonAfter:    30 * time.Minute,
		ReservationTTL:  35 * time.Minute,
		Clock:           clock.Now,
		IDGenerator:     nextID,
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}

	ctx := context.Background()
	for ref, onHand := range map[string]int{"item-a": 10, "item-b": 5} {
		if _, err := inventory.SetStock(ctx, ref, onHand); err != nil {
			t.Fatalf("SetStock %s: %v", ref, err)
		}
	}
	return &checkoutFixture{
		svc:       svc,
		store:     store,
		inventory: inventory,
		gateway:   gateway,
		notifier:  notifier,
		catalog:   catalog,
		clock:     clock,
		deps:      deps,
	}
}

// replica builds a second orchestrator over the same store, as another process would.
func (f *checkoutFixture) replica(t *testing.T, attempts repositories.CheckoutAttemptRepository) *checkoutService {
	t.Helper()
	deps := f.deps
	deps.Attempts = attempts
	var seq atomic.Int64
	deps.IDGenerator = func() string { return fmt.Sprintf("r2-%08d", seq.Add(1)) }
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc.(*checkoutService)
}

// snapshotAttempts serves a fixed copy of one attempt, the view of a process that read it before
// another process moved it on. Writes go to the shared store.
type snapshotAttempts struct {
	repositories.CheckoutAttemptRepository
	snapshot domain.CheckoutAttempt
}

func (r snapshotAttempts) Get(ctx context.Context, attemptID string) (domain.CheckoutAttempt, error) {
	if attemptID == r.snapshot.ID {
		return r.snapshot, nil
	}
	return r.CheckoutAttemptRepository.Get(ctx, attemptID)
}

func (f *checkoutFixture) seedCart(t *testing.T, owner string, lines ...CartLine) {
	t.Helper()
	if _, err := f.store.Carts().Save(context.Background(), Cart{OwnerKey: owner, Lines: lines}); err != nil {
		t.Fatalf("seed cart: %v", err)
	}
}

func (f *checkoutFixture) seedReferenceCart(t *testing.T, owner string) {
	f.seedCart(t, owner,
		CartLine{ProductRef: "item-a", Quantity: 2},
		CartLine{ProductRef: "item-b", Quantity: 1},
	)
}

func (f *checkoutFixture) available(t *testing.T, ref string) int {
	t.Helper()
	stock, err := f.inventory.GetStock(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetStock %s: %v", ref, err)
	}
	return stock.Available()
}

func (f *checkoutFixture) onHand(t *testing.T, ref string) int {
	t.Helper()
	stock, err := f.inventory.GetStock(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetStock %s: %v", ref, err)
	}
	return stock.OnHand
}

func (f *checkoutFixture) wait() {
	f.svc.(*checkoutService).WaitNotifications()
}

func (f *checkoutFixture) begin(t *testing.T, owner, attemptID string, method PaymentMethod) CheckoutResult {
	t.Helper()
	result, err := f.svc.BeginCheckout(context.Background(), BeginCheckoutCommand{
		OwnerKey:            owner,
		AttemptID:           attemptID,
		PaymentMethod:       method,
		ShippingDestination: testDestination,
		DisplayedTotal:      178185,
	})
	if err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}
	return result
}

func signedCallback(t *testing.T, payment VerifiedPayment) PaymentCallbackCommand {
	t.Helper()
	raw, err := json.Marshal(payment)
	if err != nil {
		t.Fatalf("marshal payment: %v", err)
	}
	return PaymentCallbackCommand{
		Provider:   "hosted",
		RawPayload: raw,
		Signature:  hex.EncodeToString(payments.SignHostedPayload([]byte(testCallbackSecret), raw)),
	}
}

func succeeded(attemptID, paymentID string, amount int64) VerifiedPayment {
	return VerifiedPayment{
		GatewayPaymentID: paymentID,
		GatewayOrderID:   attemptID,
		Amount:           amount,
		Currency:         "INR",
		Status:           domain.IntentStatusSucceeded,
	}
}

func TestCheckoutServiceRequiresDependencies(t *testing.T) {
	if _, err := NewCheckoutService(CheckoutServiceDeps{}); err == nil {
		t.Fatalf("expected error when dependencies missing")
	}
}

func TestCheckoutServiceCashOnDeliveryReachesDone(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")

	result := f.begin(t, "user:1", "attempt-cod-1", domain.PaymentMethodCashOnDelivery)

	if result.State != domain.AttemptStateDone {
		t.Fatalf("expected done, got %s (%s)", result.State, result.FailureReason)
	}
	totals := result.Totals
	if totals.ItemsTotal != 169700 || totals.ShippingFee != 0 || totals.Tax != 8485 || totals.GrandTotal != 178185 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if result.Order == nil {
		t.Fatalf("expected order on result")
	}
	if result.Order.PaymentState != domain.PaymentStateAwaitingPayment || result.Order.FulfillmentState != domain.FulfillmentStatePending {
		t.Fatalf("unexpected order states %s/%s", result.Order.PaymentState, result.Order.FulfillmentState)
	}
	if result.Order.ShippingDestination.Country != "IN" {
		t.Fatalf("expected sanitised destination, got %+v", result.Order.ShippingDestination)
	}
	if len(f.gateway.requests) != 0 {
		t.Fatalf("cash on delivery must not contact the gateway")
	}
	if f.onHand(t, "item-a") != 8 || f.onHand(t, "item-b") != 4 {
		t.Fatalf("expected stock decremented")
	}
	cart, err := f.store.Carts().Get(context.Background(), "user:1")
	if err == nil && !cart.IsEmpty() {
		t.Fatalf("expected cart cleared after commit")
	}

	f.wait()
	if len(f.notifier.committed) != 1 || f.notifier.committed[0].ID != result.Order.ID {
		t.Fatalf("expected one commit notification, got %+v", f.notifier.committed)
	}
}

func TestCheckoutServiceReplayReturnsCurrentState(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")

	first := f.begin(t, "user:1", "attempt-replay", domain.PaymentMethodCashOnDelivery)
	second := f.begin(t, "user:1", "attempt-replay", domain.PaymentMethodCashOnDelivery)

	if second.State != domain.AttemptStateDone || second.Order == nil || second.Order.ID != first.Order.ID {
		t.Fatalf("expected replay to return the same order, got %+v", second)
	}
	if f.onHand(t, "item-a") != 8 {
		t.Fatalf("replay must not decrement stock twice")
	}

	_, err := f.svc.BeginCheckout(context.Background(), BeginCheckoutCommand{
		OwnerKey:      "user:2",
		AttemptID:     "attempt-replay",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
	})
	if !errors.Is(err, ErrCheckoutNotAuthorized) {
		t.Fatalf("expected ErrCheckoutNotAuthorized for foreign replay, got %v", err)
	}
}

func TestCheckoutServiceOnlinePaymentWaitsForCallback(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()

	result := f.begin(t, "user:1", "attempt-online", domain.PaymentMethodOnline)
	if result.State != domain.AttemptStateAwaitingOnlinePayment {
		t.Fatalf("expected awaiting payment, got %s", result.State)
	}
	if result.Instructions == nil || result.Instructions.Amount != 178185 || result.Instructions.IntentID != "pi_attempt-online" {
		t.Fatalf("unexpected instructions %+v", result.Instructions)
	}
	if len(f.gateway.requests) != 1 || f.gateway.requests[0].Currency != "INR" || f.gateway.requests[0].Provider != "hosted" {
		t.Fatalf("unexpected gateway requests %+v", f.gateway.requests)
	}
	if f.available(t, "item-a") != 8 || f.onHand(t, "item-a") != 10 {
		t.Fatalf("expected stock held but not decremented while awaiting payment")
	}

	ack, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-online", "pay_1", 178185)))
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if ack.State != domain.AttemptStateDone || ack.OrderID == "" || ack.Duplicate {
		t.Fatalf("unexpected ack %+v", ack)
	}

	current, err := f.svc.GetAttempt(ctx, "attempt-online", Caller{OwnerKey: "user:1"})
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if current.Order == nil || current.Order.PaymentState != domain.PaymentStatePaid || current.Order.ExternalPaymentRef != "pay_1" {
		t.Fatalf("expected paid order, got %+v", current.Order)
	}
	if current.Instructions != nil {
		t.Fatalf("instructions must be withheld once the attempt is done")
	}
	if f.onHand(t, "item-a") != 8 {
		t.Fatalf("expected stock decremented after payment")
	}
}

func TestCheckoutServiceDuplicateCallbackCommitsOnce(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.begin(t, "user:1", "attempt-dup", domain.PaymentMethodOnline)
	cmd := signedCallback(t, succeeded("attempt-dup", "pay_dup", 178185))

	var wg sync.WaitGroup
	acks := make([]CallbackAck, 4)
	errs := make([]error, 4)
	for i := range acks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = f.svc.HandlePaymentCallback(context.Background(), cmd)
		}(i)
	}
	wg.Wait()

	orderID := ""
	duplicates := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("callback %d: %v", i, err)
		}
		if orderID == "" {
			orderID = acks[i].OrderID
		}
		if acks[i].OrderID != orderID {
			t.Fatalf("expected a single order id, got %q and %q", orderID, acks[i].OrderID)
		}
		if acks[i].Duplicate {
			duplicates++
		}
	}
	if duplicates != len(acks)-1 {
		t.Fatalf("expected %d duplicates, got %d", len(acks)-1, duplicates)
	}
	if f.onHand(t, "item-a") != 8 || f.onHand(t, "item-b") != 4 {
		t.Fatalf("expected exactly one decrement")
	}
	f.wait()
	if len(f.notifier.committed) != 1 {
		t.Fatalf("expected one commit notification, got %d", len(f.notifier.committed))
	}
}

func TestCheckoutServiceRejectsTamperedCallback(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.begin(t, "user:1", "attempt-tamper", domain.PaymentMethodOnline)

	cmd := signedCallback(t, succeeded("attempt-tamper", "pay_1", 178185))
	cmd.RawPayload, _ = json.Marshal(succeeded("attempt-tamper", "pay_1", 100))

	_, err := f.svc.HandlePaymentCallback(context.Background(), cmd)
	if !errors.Is(err, ErrCheckoutSignatureInvalid) {
		t.Fatalf("expected ErrCheckoutSignatureInvalid, got %v", err)
	}
	current, err := f.svc.GetAttempt(context.Background(), "attempt-tamper", Caller{OwnerKey: "user:1"})
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if current.State != domain.AttemptStateAwaitingOnlinePayment || current.Order != nil {
		t.Fatalf("tampered callback must not change state, got %+v", current)
	}
	if _, err := f.store.Orders().FindByIdempotencyKey(context.Background(), "pay:pay_1"); err == nil {
		t.Fatalf("tampered callback must not create an order")
	}
}

func TestCheckoutServiceAmountMismatchLeavesAttemptWaiting(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.begin(t, "user:1", "attempt-short", domain.PaymentMethodOnline)

	_, err := f.svc.HandlePaymentCallback(context.Background(), signedCallback(t, succeeded("attempt-short", "pay_1", 1000)))
	if !errors.Is(err, ErrCheckoutAmountMismatch) {
		t.Fatalf("expected ErrCheckoutAmountMismatch, got %v", err)
	}
	current, _ := f.svc.GetAttempt(context.Background(), "attempt-short", Caller{Operator: true})
	if current.State != domain.AttemptStateAwaitingOnlinePayment {
		t.Fatalf("expected attempt still awaiting payment, got %s", current.State)
	}
}

func TestCheckoutServiceDeclinedPaymentReleasesStock(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.begin(t, "user:1", "attempt-declined", domain.PaymentMethodOnline)

	payment := succeeded("attempt-declined", "pay_1", 178185)
	payment.Status = domain.IntentStatusFailed
	ack, err := f.svc.HandlePaymentCallback(context.Background(), signedCallback(t, payment))
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if ack.State != domain.AttemptStateFailed {
		t.Fatalf("expected failed, got %s", ack.State)
	}
	current, _ := f.svc.GetAttempt(context.Background(), "attempt-declined", Caller{OwnerKey: "user:1"})
	if current.FailureReason != domain.FailurePaymentDeclined {
		t.Fatalf("expected payment declined, got %s", current.FailureReason)
	}
	if f.available(t, "item-a") != 10 || f.available(t, "item-b") != 5 {
		t.Fatalf("expected stock restored after decline")
	}
	cart, err := f.store.Carts().Get(context.Background(), "user:1")
	if err != nil || len(cart.Lines) != 2 {
		t.Fatalf("expected cart kept after decline, got %+v err=%v", cart, err)
	}
}

func TestCheckoutServicePriceChangedLeavesCartUntouched(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")

	_, err := f.svc.BeginCheckout(context.Background(), BeginCheckoutCommand{
		OwnerKey:            "user:1",
		PaymentMethod:       domain.PaymentMethodCashOnDelivery,
		ShippingDestination: testDestination,
		DisplayedTotal:      170000,
	})
	var changed *PriceChangedError
	if !errors.As(err, &changed) || !errors.Is(err, ErrCheckoutPriceChanged) {
		t.Fatalf("expected PriceChangedError, got %v", err)
	}
	if changed.Totals.GrandTotal != 178185 {
		t.Fatalf("expected recomputed totals, got %+v", changed.Totals)
	}
	if f.available(t, "item-a") != 10 {
		t.Fatalf("price change must not reserve stock")
	}
	cart, err := f.store.Carts().Get(context.Background(), "user:1")
	if err != nil || len(cart.Lines) != 2 {
		t.Fatalf("expected cart untouched, got %+v err=%v", cart, err)
	}
}

func TestCheckoutServiceRejectsInvalidRequests(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  BeginCheckoutCommand
		want error
	}{
		{name: "missing owner", cmd: BeginCheckoutCommand{PaymentMethod: domain.PaymentMethodOnline}, want: ErrCheckoutInvalidInput},
		{name: "bad method", cmd: BeginCheckoutCommand{OwnerKey: "user:1", PaymentMethod: "barter"}, want: ErrCheckoutInvalidInput},
		{name: "bad attempt id", cmd: BeginCheckoutCommand{OwnerKey: "user:1", AttemptID: "x y", PaymentMethod: domain.PaymentMethodOnline}, want: ErrCheckoutInvalidInput},
		{name: "empty cart", cmd: BeginCheckoutCommand{OwnerKey: "user:9", PaymentMethod: domain.PaymentMethodOnline, ShippingDestination: testDestination}, want: ErrCheckoutCartEmpty},
		{name: "missing address", cmd: BeginCheckoutCommand{OwnerKey: "user:1", PaymentMethod: domain.PaymentMethodOnline, DisplayedTotal: 178185}, want: ErrCheckoutInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.BeginCheckout(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckoutServiceUnavailableProduct(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	product := f.catalog.products["item-b"]
	product.AvailableForSale = false
	f.catalog.products["item-b"] = product

	_, err := f.svc.BeginCheckout(context.Background(), BeginCheckoutCommand{
		OwnerKey:            "user:1",
		PaymentMethod:       domain.PaymentMethodOnline,
		ShippingDestination: testDestination,
		DisplayedTotal:      178185,
	})
	if !errors.Is(err, ErrCheckoutProductUnavailable) {
		t.Fatalf("expected ErrCheckoutProductUnavailable, got %v", err)
	}
}

func TestCheckoutServiceInsufficientStockRollsBack(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	if _, err := f.inventory.SetStock(context.Background(), "item-b", 0); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	result, err := f.svc.BeginCheckout(context.Background(), BeginCheckoutCommand{
		OwnerKey:            "user:1",
		AttemptID:           "attempt-short-stock",
		PaymentMethod:       domain.PaymentMethodCashOnDelivery,
		ShippingDestination: testDestination,
		DisplayedTotal:      178185,
	})
	if !errors.Is(err, ErrCheckoutInsufficientStock) {
		t.Fatalf("expected ErrCheckoutInsufficientStock, got %v", err)
	}
	if result.State != domain.AttemptStateFailed || result.FailureReason != domain.FailureInsufficientStock {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.available(t, "item-a") != 10 {
		t.Fatalf("expected partial reservations rolled back, available %d", f.available(t, "item-a"))
	}
	cart, err := f.store.Carts().Get(context.Background(), "user:1")
	if err != nil || len(cart.Lines) != 2 {
		t.Fatalf("expected cart untouched, got %+v err=%v", cart, err)
	}
}

func TestCheckoutServiceLastUnitGoesToOneBuyer(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	if _, err := f.inventory.SetStock(ctx, "item-b", 1); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	owners := []string{"user:1", "user:2"}
	for _, owner := range owners {
		f.seedCart(t, owner, CartLine{ProductRef: "item-b", Quantity: 1})
	}

	var wg sync.WaitGroup
	results := make([]CheckoutResult, len(owners))
	errs := make([]error, len(owners))
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			results[i], errs[i] = f.svc.BeginCheckout(ctx, BeginCheckoutCommand{
				OwnerKey:            owner,
				PaymentMethod:       domain.PaymentMethodCashOnDelivery,
				ShippingDestination: testDestination,
				DisplayedTotal:      136395,
			})
		}(i, owner)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			if results[i].State != domain.AttemptStateDone {
				t.Fatalf("winner should be done, got %s", results[i].State)
			}
		case errors.Is(err, ErrCheckoutInsufficientStock):
			cart, getErr := f.store.Carts().Get(ctx, owners[i])
			if getErr != nil || len(cart.Lines) != 1 {
				t.Fatalf("loser cart must be untouched, got %+v err=%v", cart, getErr)
			}
		default:
			t.Fatalf("unexpected error for %s: %v", owners[i], err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if f.onHand(t, "item-b") != 0 {
		t.Fatalf("expected last unit sold")
	}
}

func TestCheckoutServiceGatewayFailureReleasesStock(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.gateway.createErr = payments.ErrGatewayUnavailable

	result, err := f.svc.BeginCheckout(context.Background(), BeginCheckoutCommand{
		OwnerKey:            "user:1",
		PaymentMethod:       domain.PaymentMethodOnline,
		ShippingDestination: testDestination,
		DisplayedTotal:      178185,
	})
	if !errors.Is(err, ErrCheckoutGatewayUnavailable) {
		t.Fatalf("expected ErrCheckoutGatewayUnavailable, got %v", err)
	}
	if result.FailureReason != domain.FailureGatewayUnavailable {
		t.Fatalf("unexpected failure reason %s", result.FailureReason)
	}
	if f.available(t, "item-a") != 10 || f.available(t, "item-b") != 5 {
		t.Fatalf("expected reservations released")
	}
}

func TestCheckoutServiceCancelAttempt(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-cancel", domain.PaymentMethodOnline)

	if _, err := f.svc.CancelAttempt(ctx, "attempt-cancel", Caller{OwnerKey: "user:2"}); !errors.Is(err, ErrCheckoutNotAuthorized) {
		t.Fatalf("expected ErrCheckoutNotAuthorized, got %v", err)
	}
	result, err := f.svc.CancelAttempt(ctx, "attempt-cancel", Caller{OwnerKey: "user:1"})
	if err != nil {
		t.Fatalf("CancelAttempt: %v", err)
	}
	if result.State != domain.AttemptStateFailed || result.FailureReason != domain.FailureCancelled {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.available(t, "item-a") != 10 {
		t.Fatalf("expected stock released on cancel")
	}
	if _, err := f.svc.CancelAttempt(ctx, "attempt-cancel", Caller{OwnerKey: "user:1"}); err != nil {
		t.Fatalf("repeat cancel should be a no-op, got %v", err)
	}
	if _, err := f.svc.CancelAttempt(ctx, "missing-attempt", Caller{Operator: true}); !errors.Is(err, ErrCheckoutAttemptNotFound) {
		t.Fatalf("expected ErrCheckoutAttemptNotFound, got %v", err)
	}
}

func TestCheckoutServiceExpireAbandonedThenLatePaymentIsHonoured(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-late", domain.PaymentMethodOnline)

	report, err := f.svc.ExpireAbandoned(ctx, 10)
	if err != nil || report.Expired != 0 {
		t.Fatalf("nothing should expire yet, got %+v err=%v", report, err)
	}

	f.clock.Advance(31 * time.Minute)
	report, err = f.svc.ExpireAbandoned(ctx, 10)
	if err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if report.Scanned != 1 || report.Expired != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.available(t, "item-a") != 10 {
		t.Fatalf("expected stock restored after abandonment")
	}

	ack, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-late", "pay_late", 178185)))
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if ack.State != domain.AttemptStateDone || ack.OrderID == "" {
		t.Fatalf("expected late payment honoured, got %+v", ack)
	}
	if f.onHand(t, "item-a") != 8 {
		t.Fatalf("expected stock decremented for honoured payment")
	}
}

func TestCheckoutServiceLatePaymentWithoutStockSignalsRefund(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-refund", domain.PaymentMethodOnline)

	f.clock.Advance(31 * time.Minute)
	if _, err := f.svc.ExpireAbandoned(ctx, 10); err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if _, err := f.inventory.SetStock(ctx, "item-b", 0); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	ack, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-refund", "pay_refund", 178185)))
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if ack.State != domain.AttemptStateFailed {
		t.Fatalf("expected failed, got %s", ack.State)
	}
	current, _ := f.svc.GetAttempt(ctx, "attempt-refund", Caller{OwnerKey: "user:1"})
	if current.FailureReason != domain.FailurePostHocStockConflict {
		t.Fatalf("expected post hoc stock conflict, got %s", current.FailureReason)
	}
	if f.available(t, "item-a") != 10 {
		t.Fatalf("expected partial re-reservation rolled back")
	}

	f.wait()
	if len(f.notifier.refunds) != 1 {
		t.Fatalf("expected one refund signal, got %d", len(f.notifier.refunds))
	}
	signal := f.notifier.refunds[0]
	if signal.GatewayPaymentID != "pay_refund" || signal.Amount != 178185 || signal.Reason != domain.FailurePostHocStockConflict {
		t.Fatalf("unexpected refund signal %+v", signal)
	}

	again, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-refund", "pay_refund", 178185)))
	if err != nil || !again.Duplicate {
		t.Fatalf("expected redelivery to be acknowledged as duplicate, got %+v err=%v", again, err)
	}
	f.wait()
	if len(f.notifier.refunds) != 1 {
		t.Fatalf("redelivery must not signal another refund")
	}
}

func TestCheckoutServiceLapsedReservationsAreReacquiredOnCallback(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.begin(t, "user:1", "attempt-lapsed", domain.PaymentMethodOnline)

	// Past the reservation deadline without any sweep having run.
	f.clock.Advance(40 * time.Minute)

	ack, err := f.svc.HandlePaymentCallback(context.Background(), signedCallback(t, succeeded("attempt-lapsed", "pay_lapsed", 178185)))
	if err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	if ack.State != domain.AttemptStateDone {
		t.Fatalf("expected done, got %+v", ack)
	}
	if f.onHand(t, "item-a") != 8 || f.available(t, "item-a") != 8 {
		t.Fatalf("expected exactly one hold converted to a decrement, onHand=%d available=%d", f.onHand(t, "item-a"), f.available(t, "item-a"))
	}
}

func TestCheckoutServiceSecondPaymentOnDoneAttemptSignalsRefund(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-twice", domain.PaymentMethodOnline)

	first, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-twice", "pay_a", 178185)))
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	second, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-twice", "pay_b", 178185)))
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if second.OrderID != first.OrderID || !second.Duplicate {
		t.Fatalf("expected second payment to map onto existing order, got %+v", second)
	}

	f.wait()
	if len(f.notifier.refunds) != 1 || f.notifier.refunds[0].Reason != domain.FailureDuplicatePayment {
		t.Fatalf("expected duplicate payment refund signal, got %+v", f.notifier.refunds)
	}
}

func TestCheckoutServiceSecondPaymentOnAnotherReplicaSignalsRefund(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-x", domain.PaymentMethodOnline)

	before, err := f.store.Attempts().Get(ctx, "attempt-x")
	if err != nil {
		t.Fatalf("Get attempt: %v", err)
	}
	other := f.replica(t, snapshotAttempts{CheckoutAttemptRepository: f.store.Attempts(), snapshot: before})

	first, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-x", "pay_a", 178185)))
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	second, err := other.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-x", "pay_b", 178185)))
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if second.OrderID != first.OrderID || !second.Duplicate {
		t.Fatalf("expected the second payment to resolve to the first order, got first=%+v second=%+v", first, second)
	}

	page, err := f.store.Orders().ListByOwner(ctx, repositories.OrderListFilter{OwnerKey: "user:1", Pagination: domain.Pagination{PageSize: 10}})
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ExternalPaymentRef != "pay_a" {
		t.Fatalf("expected exactly one order settled by pay_a, got %+v", page.Items)
	}
	if f.onHand(t, "item-a") != 8 || f.onHand(t, "item-b") != 4 {
		t.Fatalf("expected a single stock decrement")
	}
	attempt, err := f.store.Attempts().Get(ctx, "attempt-x")
	if err != nil {
		t.Fatalf("Get attempt: %v", err)
	}
	if attempt.State != domain.AttemptStateDone || attempt.OrderID != first.OrderID || attempt.ExternalPaymentRef != "pay_a" {
		t.Fatalf("expected attempt to point at the first order, got %+v", attempt)
	}

	f.wait()
	other.WaitNotifications()
	if len(f.notifier.refunds) != 1 {
		t.Fatalf("expected one refund signal, got %+v", f.notifier.refunds)
	}
	if signal := f.notifier.refunds[0]; signal.GatewayPaymentID != "pay_b" || signal.Reason != domain.FailureDuplicatePayment {
		t.Fatalf("unexpected refund signal %+v", signal)
	}
	if len(f.notifier.committed) != 1 {
		t.Fatalf("expected one commit notification, got %d", len(f.notifier.committed))
	}
}

func TestCheckoutServiceSecondPaymentAfterStockConflictSignalsRefund(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-conflict", domain.PaymentMethodOnline)

	f.clock.Advance(31 * time.Minute)
	if _, err := f.svc.ExpireAbandoned(ctx, 10); err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if _, err := f.inventory.SetStock(ctx, "item-b", 0); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if _, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-conflict", "pay_1", 178185))); err != nil {
		t.Fatalf("first callback: %v", err)
	}

	ack, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-conflict", "pay_2", 178185)))
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if ack.Duplicate || ack.State != domain.AttemptStateFailed || ack.OrderID != "" {
		t.Fatalf("expected a distinct payment to be reported, got %+v", ack)
	}

	f.wait()
	if len(f.notifier.refunds) != 2 {
		t.Fatalf("expected a refund signal per captured payment, got %+v", f.notifier.refunds)
	}
	if signal := f.notifier.refunds[1]; signal.GatewayPaymentID != "pay_2" || signal.Reason != domain.FailureDuplicatePayment {
		t.Fatalf("unexpected refund signal %+v", signal)
	}
	current, _ := f.svc.GetAttempt(ctx, "attempt-conflict", Caller{OwnerKey: "user:1"})
	if current.FailureReason != domain.FailurePostHocStockConflict {
		t.Fatalf("expected attempt to stay in post hoc stock conflict, got %s", current.FailureReason)
	}
}

// strand rewinds a stored attempt to a transient state, as left by a process that stopped mid-request.
func (f *checkoutFixture) strand(t *testing.T, attemptID string, state domain.AttemptState) {
	t.Helper()
	ctx := context.Background()
	attempt, err := f.store.Attempts().Get(ctx, attemptID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	attempt.State = state
	attempt.FailureReason = ""
	attempt.OrderID = ""
	attempt.ExternalPaymentRef = ""
	attempt.UpdatedAt = f.clock.Now()
	if err := f.store.Attempts().Update(ctx, attempt); err != nil {
		t.Fatalf("update attempt: %v", err)
	}
}

func TestCheckoutServiceSweepFailsStalledAttemptAndReleasesStock(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-stalled", domain.PaymentMethodOnline)
	f.strand(t, "attempt-stalled", domain.AttemptStateReserving)

	f.clock.Advance(10 * time.Minute)
	report, err := f.svc.ExpireAbandoned(ctx, 10)
	if err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if report.Expired != 0 || report.Recovered != 0 {
		t.Fatalf("recently touched attempt must be left alone, got %+v", report)
	}
	if f.available(t, "item-a") != 8 {
		t.Fatalf("expected reservation to stand while the attempt is fresh")
	}

	f.clock.Advance(21 * time.Minute)
	report, err = f.svc.ExpireAbandoned(ctx, 10)
	if err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if report.Scanned != 1 || report.Expired != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	attempt, err := f.store.Attempts().Get(ctx, "attempt-stalled")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.State != domain.AttemptStateFailed || attempt.FailureReason != domain.FailureTimeout {
		t.Fatalf("expected failed timeout, got %s/%s", attempt.State, attempt.FailureReason)
	}
	if f.available(t, "item-a") != 10 || f.available(t, "item-b") != 5 {
		t.Fatalf("expected stalled reservations to be released")
	}

	again, err := f.svc.ExpireAbandoned(ctx, 10)
	if err != nil || again.Scanned != 0 {
		t.Fatalf("expected nothing left to sweep, got %+v err=%v", again, err)
	}
}

func TestCheckoutServiceSweepResyncsStalledAttemptWithPlacedOrder(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	result := f.begin(t, "user:1", "attempt-crashed", domain.PaymentMethodCashOnDelivery)
	if result.Order == nil {
		t.Fatalf("expected cash order, got %+v", result)
	}
	f.strand(t, "attempt-crashed", domain.AttemptStateCommitting)

	f.clock.Advance(31 * time.Minute)
	report, err := f.svc.ExpireAbandoned(ctx, 10)
	if err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if report.Scanned != 1 || report.Recovered != 1 || report.Expired != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	attempt, err := f.store.Attempts().Get(ctx, "attempt-crashed")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.State != domain.AttemptStateDone || attempt.OrderID != result.Order.ID {
		t.Fatalf("expected attempt resynced to %s, got %+v", result.Order.ID, attempt)
	}
	if f.onHand(t, "item-a") != 8 || f.available(t, "item-a") != 8 {
		t.Fatalf("committed stock must stay committed")
	}
}

func TestCheckoutServiceCommitKeepsCartEditsMadeWhilePaying(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-browse", domain.PaymentMethodOnline)

	f.seedCart(t, "user:1",
		CartLine{ProductRef: "item-a", Quantity: 3},
		CartLine{ProductRef: "item-b", Quantity: 1},
	)

	if _, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, succeeded("attempt-browse", "pay_browse", 178185))); err != nil {
		t.Fatalf("HandlePaymentCallback: %v", err)
	}
	cart, err := f.store.Carts().Get(ctx, "user:1")
	if err != nil {
		t.Fatalf("expected cart with the later addition to survive, got %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].ProductRef != "item-a" || cart.Lines[0].Quantity != 1 {
		t.Fatalf("expected only the extra unit of item-a to remain, got %+v", cart.Lines)
	}
}

func TestCheckoutServiceIgnoredCallbackLeavesAttemptUntouched(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	ctx := context.Background()
	f.begin(t, "user:1", "attempt-pending", domain.PaymentMethodOnline)
	before, err := f.store.Attempts().Get(ctx, "attempt-pending")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}

	pending := succeeded("attempt-pending", "pay_pending", 178185)
	pending.Status = domain.IntentStatusRequiresAction
	ack, err := f.svc.HandlePaymentCallback(ctx, signedCallback(t, pending))
	if !errors.Is(err, ErrCheckoutEventIgnored) {
		t.Fatalf("expected ErrCheckoutEventIgnored, got %v", err)
	}
	if ack != (CallbackAck{}) {
		t.Fatalf("expected empty ack, got %+v", ack)
	}

	after, err := f.store.Attempts().Get(ctx, "attempt-pending")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if after.State != before.State || !after.UpdatedAt.Equal(before.UpdatedAt) || after.OrderID != "" {
		t.Fatalf("expected attempt unchanged, before %+v after %+v", before, after)
	}
	if got := f.available(t, "item-a"); got != 8 {
		t.Fatalf("expected reservation to stand, available item-a=%d", got)
	}
}

func TestCheckoutServiceCallbackForCashAttemptRejected(t *testing.T) {
	f := newCheckoutFixture(t)
	f.seedReferenceCart(t, "user:1")
	f.begin(t, "user:1", "attempt-cash", domain.PaymentMethodCashOnDelivery)

	_, err := f.svc.HandlePaymentCallback(context.Background(), signedCallback(t, succeeded("attempt-cash", "pay_1", 178185)))
	if !errors.Is(err, ErrCheckoutInvalidState) {
		t.Fatalf("expected ErrCheckoutInvalidState, got %v", err)
	}
}
