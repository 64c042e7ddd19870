package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/services"
)

type stubCartService struct {
	getFunc      func(ctx context.Context, owner string) (services.Cart, error)
	addFunc      func(ctx context.Context, cmd services.CartAddItemCommand) (services.Cart, error)
	updateFunc   func(ctx context.Context, cmd services.CartUpdateQuantityCommand) (services.Cart, error)
	removeFunc   func(ctx context.Context, owner, productRef string) (services.Cart, error)
	shippingFunc func(ctx context.Context, owner string, addr services.Address) (services.Cart, error)
	methodFunc   func(ctx context.Context, owner string, method services.PaymentMethod) (services.Cart, error)
	mergeFunc    func(ctx context.Context, from, into string) (services.Cart, error)
}

func (s *stubCartService) GetCart(ctx context.Context, owner string) (services.Cart, error) {
	return s.getFunc(ctx, owner)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.CartAddItemCommand) (services.Cart, error) {
	return s.addFunc(ctx, cmd)
}

func (s *stubCartService) UpdateQuantity(ctx context.Context, cmd services.CartUpdateQuantityCommand) (services.Cart, error) {
	return s.updateFunc(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, owner, productRef string) (services.Cart, error) {
	return s.removeFunc(ctx, owner, productRef)
}

func (s *stubCartService) SetShippingDraft(ctx context.Context, owner string, addr services.Address) (services.Cart, error) {
	return s.shippingFunc(ctx, owner, addr)
}

func (s *stubCartService) SetPaymentMethodDraft(ctx context.Context, owner string, method services.PaymentMethod) (services.Cart, error) {
	return s.methodFunc(ctx, owner, method)
}

func (s *stubCartService) MergeCarts(ctx context.Context, from, into string) (services.Cart, error) {
	return s.mergeFunc(ctx, from, into)
}

func (s *stubCartService) Clear(context.Context, string) error { return nil }

type stubCheckoutService struct {
	beginFunc    func(ctx context.Context, cmd services.BeginCheckoutCommand) (services.CheckoutResult, error)
	callbackFunc func(ctx context.Context, cmd services.PaymentCallbackCommand) (services.CallbackAck, error)
	getFunc      func(ctx context.Context, attemptID string, caller services.Caller) (services.CheckoutResult, error)
	cancelFunc   func(ctx context.Context, attemptID string, caller services.Caller) (services.CheckoutResult, error)
	expireFunc   func(ctx context.Context, limit int) (services.AbandonReport, error)
}

func (s *stubCheckoutService) BeginCheckout(ctx context.Context, cmd services.BeginCheckoutCommand) (services.CheckoutResult, error) {
	return s.beginFunc(ctx, cmd)
}

func (s *stubCheckoutService) HandlePaymentCallback(ctx context.Context, cmd services.PaymentCallbackCommand) (services.CallbackAck, error) {
	return s.callbackFunc(ctx, cmd)
}

func (s *stubCheckoutService) GetAttempt(ctx context.Context, attemptID string, caller services.Caller) (services.CheckoutResult, error) {
	return s.getFunc(ctx, attemptID, caller)
}

func (s *stubCheckoutService) CancelAttempt(ctx context.Context, attemptID string, caller services.Caller) (services.CheckoutResult, error) {
	return s.cancelFunc(ctx, attemptID, caller)
}

func (s *stubCheckoutService) ExpireAbandoned(ctx context.Context, limit int) (services.AbandonReport, error) {
	if s.expireFunc == nil {
		return services.AbandonReport{}, nil
	}
	return s.expireFunc(ctx, limit)
}

type stubOrderService struct {
	getFunc         func(ctx context.Context, orderID string, caller services.Caller) (services.Order, error)
	listFunc        func(ctx context.Context, caller services.Caller, pager services.Pagination) (domain.CursorPage[services.Order], error)
	fulfillmentFunc func(ctx context.Context, cmd services.OrderFulfillmentCommand) (services.Order, error)
	cashFunc        func(ctx context.Context, cmd services.OrderCashCollectedCommand) (services.Order, error)
	cancelFunc      func(ctx context.Context, orderID string, caller services.Caller) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string, caller services.Caller) (services.Order, error) {
	return s.getFunc(ctx, orderID, caller)
}

func (s *stubOrderService) ListOrders(ctx context.Context, caller services.Caller, pager services.Pagination) (domain.CursorPage[services.Order], error) {
	return s.listFunc(ctx, caller, pager)
}

func (s *stubOrderService) UpdateFulfillment(ctx context.Context, cmd services.OrderFulfillmentCommand) (services.Order, error) {
	return s.fulfillmentFunc(ctx, cmd)
}

func (s *stubOrderService) MarkCashCollected(ctx context.Context, cmd services.OrderCashCollectedCommand) (services.Order, error) {
	return s.cashFunc(ctx, cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, orderID string, caller services.Caller) (services.Order, error) {
	return s.cancelFunc(ctx, orderID, caller)
}

type stubInventoryService struct {
	getStockFunc func(ctx context.Context, productRef string) (services.Stock, error)
	setStockFunc func(ctx context.Context, productRef string, onHand int) (services.Stock, error)
	releaseFunc  func(ctx context.Context, reservationID, reason string) (services.Reservation, error)
	expireFunc   func(ctx context.Context, limit int) (services.ExpiryReport, error)
}

func (s *stubInventoryService) Reserve(context.Context, services.InventoryReserveCommand) (services.Reservation, error) {
	return services.Reservation{}, nil
}

func (s *stubInventoryService) Commit(context.Context, string) (services.Reservation, error) {
	return services.Reservation{}, nil
}

func (s *stubInventoryService) Release(ctx context.Context, reservationID, reason string) (services.Reservation, error) {
	return s.releaseFunc(ctx, reservationID, reason)
}

func (s *stubInventoryService) ExpireStale(ctx context.Context, limit int) (services.ExpiryReport, error) {
	if s.expireFunc == nil {
		return services.ExpiryReport{}, nil
	}
	return s.expireFunc(ctx, limit)
}

func (s *stubInventoryService) GetStock(ctx context.Context, productRef string) (services.Stock, error) {
	return s.getStockFunc(ctx, productRef)
}

func (s *stubInventoryService) SetStock(ctx context.Context, productRef string, onHand int) (services.Stock, error) {
	return s.setStockFunc(ctx, productRef, onHand)
}

var (
	_ services.CartService      = (*stubCartService)(nil)
	_ services.CheckoutService  = (*stubCheckoutService)(nil)
	_ services.OrderService     = (*stubOrderService)(nil)
	_ services.InventoryService = (*stubInventoryService)(nil)
)

func asBuyer(req *http.Request, ownerKey string) *http.Request {
	principal := &auth.Principal{OwnerKey: ownerKey}
	if auth.IsAnonymousOwnerKey(ownerKey) {
		principal.Anonymous = true
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), principal))
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, expected string) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v (%s)", err, rr.Body.String())
	}
	if body["error"] != expected {
		t.Fatalf("expected error %q, got %v", expected, body["error"])
	}
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
	return out
}
