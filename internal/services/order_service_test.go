package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
)

type captureOrderEvents struct {
	events []OrderEvent
	err    error
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return c.err
}

func seedOrder(t *testing.T, repo repositories.OrderRepository, order domain.Order) domain.Order {
	t.Helper()
	if order.IdempotencyKey == "" {
		order.IdempotencyKey = "attempt:" + order.ID
	}
	if order.PaymentState == "" {
		order.PaymentState = domain.PaymentStateAwaitingPayment
	}
	if order.FulfillmentState == "" {
		order.FulfillmentState = domain.FulfillmentStatePending
	}
	result, err := repo.Commit(context.Background(), repositories.OrderCommitRequest{Order: order, Now: order.CreatedAt})
	if err != nil {
		t.Fatalf("seed order %s: %v", order.ID, err)
	}
	return result.Order
}

func newTestOrderService(t *testing.T, events OrderEventPublisher) (OrderService, repositories.OrderRepository) {
	t.Helper()
	repo := memory.NewStore().Orders()
	now := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)
	svc, err := NewOrderService(OrderServiceDeps{
		Orders: repo,
		Events: events,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc, repo
}

func TestOrderServiceGetOrderChecksOwnership(t *testing.T) {
	svc, repo := newTestOrderService(t, nil)
	seedOrder(t, repo, domain.Order{ID: "ord_1", OwnerKey: "user-1", PaymentMethod: domain.PaymentMethodCashOnDelivery})
	ctx := context.Background()

	if _, err := svc.GetOrder(ctx, "ord_1", Caller{OwnerKey: "user-1"}); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.GetOrder(ctx, "ord_1", Caller{OwnerKey: "user-2"}); !errors.Is(err, ErrOrderNotAuthorized) {
		t.Fatalf("expected ErrOrderNotAuthorized, got %v", err)
	}
	if _, err := svc.GetOrder(ctx, "ord_1", Caller{Operator: true}); err != nil {
		t.Fatalf("operator read failed: %v", err)
	}
	if _, err := svc.GetOrder(ctx, "ord_missing", Caller{OwnerKey: "user-1"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceListOrdersPagesNewestFirst(t *testing.T) {
	svc, repo := newTestOrderService(t, nil)
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"ord_a", "ord_b", "ord_c"} {
		seedOrder(t, repo, domain.Order{ID: id, OwnerKey: "user-1", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	seedOrder(t, repo, domain.Order{ID: "ord_other", OwnerKey: "user-2", CreatedAt: base})

	page, err := svc.ListOrders(context.Background(), Caller{OwnerKey: "user-1"}, Pagination{PageSize: 2})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != "ord_c" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	next, err := svc.ListOrders(context.Background(), Caller{OwnerKey: "user-1"}, Pagination{PageSize: 2, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("ListOrders next: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].ID != "ord_a" || next.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", next)
	}
}

func TestOrderServiceUpdateFulfillmentFollowsTransitionTable(t *testing.T) {
	events := &captureOrderEvents{}
	svc, repo := newTestOrderService(t, events)
	seedOrder(t, repo, domain.Order{ID: "ord_1", OwnerKey: "user-1", PaymentState: domain.PaymentStatePaid, PaymentMethod: domain.PaymentMethodOnline})
	ctx := context.Background()

	steps := []domain.FulfillmentState{
		domain.FulfillmentStateProcessing,
		domain.FulfillmentStateShipped,
		domain.FulfillmentStateDelivered,
	}
	for _, next := range steps {
		order, err := svc.UpdateFulfillment(ctx, OrderFulfillmentCommand{OrderID: "ord_1", Next: next})
		if err != nil {
			t.Fatalf("UpdateFulfillment(%s): %v", next, err)
		}
		if order.FulfillmentState != next {
			t.Fatalf("expected %s, got %s", next, order.FulfillmentState)
		}
	}
	if len(events.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events.events))
	}

	if _, err := svc.UpdateFulfillment(ctx, OrderFulfillmentCommand{OrderID: "ord_1", Next: domain.FulfillmentStateProcessing}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState going backwards, got %v", err)
	}
}

func TestOrderServiceMarkCashCollected(t *testing.T) {
	svc, repo := newTestOrderService(t, nil)
	seedOrder(t, repo, domain.Order{ID: "ord_cod", OwnerKey: "user-1", PaymentMethod: domain.PaymentMethodCashOnDelivery})
	seedOrder(t, repo, domain.Order{ID: "ord_cod2", OwnerKey: "user-1", PaymentMethod: domain.PaymentMethodCashOnDelivery})
	seedOrder(t, repo, domain.Order{ID: "ord_online", OwnerKey: "user-1", PaymentMethod: domain.PaymentMethodOnline})
	ctx := context.Background()

	order, err := svc.MarkCashCollected(ctx, OrderCashCollectedCommand{OrderID: "ord_cod", CollectRef: "cash-001"})
	if err != nil {
		t.Fatalf("MarkCashCollected: %v", err)
	}
	if order.PaymentState != domain.PaymentStatePaid || order.ExternalPaymentRef != "cash-001" || order.PaidAt == nil {
		t.Fatalf("unexpected order after collection %+v", order)
	}

	if _, err := svc.MarkCashCollected(ctx, OrderCashCollectedCommand{OrderID: "ord_cod", CollectRef: "cash-001"}); err != nil {
		t.Fatalf("replayed collection should succeed, got %v", err)
	}
	if _, err := svc.MarkCashCollected(ctx, OrderCashCollectedCommand{OrderID: "ord_cod2", CollectRef: "cash-001"}); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict for reused reference, got %v", err)
	}
	if _, err := svc.MarkCashCollected(ctx, OrderCashCollectedCommand{OrderID: "ord_online", CollectRef: "cash-002"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState for online order, got %v", err)
	}
}

func TestOrderServiceCancelOnlyBeforePayment(t *testing.T) {
	svc, repo := newTestOrderService(t, nil)
	seedOrder(t, repo, domain.Order{ID: "ord_cod", OwnerKey: "user-1", PaymentMethod: domain.PaymentMethodCashOnDelivery})
	seedOrder(t, repo, domain.Order{ID: "ord_paid", OwnerKey: "user-1", PaymentState: domain.PaymentStatePaid, PaymentMethod: domain.PaymentMethodOnline})
	ctx := context.Background()

	if _, err := svc.Cancel(ctx, "ord_cod", Caller{OwnerKey: "user-2"}); !errors.Is(err, ErrOrderNotAuthorized) {
		t.Fatalf("expected ErrOrderNotAuthorized, got %v", err)
	}
	order, err := svc.Cancel(ctx, "ord_cod", Caller{OwnerKey: "user-1"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.PaymentState != domain.PaymentStateCancelled || order.FulfillmentState != domain.FulfillmentStateCancelled || order.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", order)
	}
	if _, err := svc.Cancel(ctx, "ord_cod", Caller{OwnerKey: "user-1"}); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	if _, err := svc.Cancel(ctx, "ord_paid", Caller{OwnerKey: "user-1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState for paid order, got %v", err)
	}
}

func TestOrderServiceEventFailureDoesNotFailTransition(t *testing.T) {
	events := &captureOrderEvents{err: errors.New("broker down")}
	svc, repo := newTestOrderService(t, events)
	seedOrder(t, repo, domain.Order{ID: "ord_1", OwnerKey: "user-1"})

	if _, err := svc.UpdateFulfillment(context.Background(), OrderFulfillmentCommand{OrderID: "ord_1", Next: domain.FulfillmentStateProcessing}); err != nil {
		t.Fatalf("expected transition to succeed despite publish failure, got %v", err)
	}
}

func TestOrderServiceListOrdersRejectsBadToken(t *testing.T) {
	svc, _ := newTestOrderService(t, nil)
	_, err := svc.ListOrders(context.Background(), Caller{OwnerKey: "user-1"}, Pagination{PageToken: "%%%"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}
