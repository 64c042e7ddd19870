package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/events"
	"github.com/hanko-field/reconciler/internal/services"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPubSubNotifierPublishesOrderCommitted(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "orders-committed")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	notifier, err := NewPubSubNotifier(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}

	order := services.Order{
		ID:            "ord_123",
		OwnerKey:      "user:u1",
		AttemptID:     "att_123",
		PaymentMethod: domain.PaymentMethodCashOnDelivery,
		PaymentState:  domain.PaymentStateAwaitingPayment,
		Totals:        domain.OrderTotals{Currency: "INR", ItemsTotal: 300, GrandTotal: 300},
		Lines:         []domain.OrderLine{{ProductRef: "sku-9", Quantity: 3, UnitPrice: 100, LineTotal: 300}},
		CreatedAt:     time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	if err := notifier.NotifyOrderCommitted(ctx, order); err != nil {
		t.Fatalf("NotifyOrderCommitted: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload events.OrderCommitted
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != order.ID || payload.GrandTotal != 300 || payload.PaymentMethod != "cod" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["orderId"]; attr != "ord_123" {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["eventType"]; attr != events.OrderCommittedType {
		t.Fatalf("expected event type attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["ownerKey"]; ok {
		t.Fatalf("owner key must not be exposed as an attribute")
	}
}

func TestPubSubNotifierRoutesRefundsToRefundTopic(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)

	orders, err := client.CreateTopic(ctx, "orders-committed")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	refunds, err := client.CreateTopic(ctx, "refunds-required")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	notifier, err := NewPubSubNotifier(orders, refunds)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}
	signal := services.RefundSignal{
		AttemptID:        "att_7",
		Provider:         "stripe",
		GatewayPaymentID: "pi_7",
		Amount:           990,
		Currency:         "INR",
		Reason:           domain.FailurePostHocStockConflict,
	}
	if err := notifier.NotifyRefundRequired(ctx, signal); err != nil {
		t.Fatalf("NotifyRefundRequired: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload events.RefundRequired
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.GatewayPaymentID != "pi_7" || payload.Amount != 990 {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["reason"]; attr != "post_hoc_stock_conflict" {
		t.Fatalf("expected reason attribute, got %q", attr)
	}
}

func TestPubSubNotifierPublishesOrderStateChanges(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "orders-committed")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	notifier, err := NewPubSubNotifier(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubNotifier: %v", err)
	}
	err = notifier.PublishOrderEvent(ctx, services.OrderEvent{
		Type:          "order.cash.collected",
		OrderID:       "ord_5",
		PreviousState: "awaiting_payment",
		CurrentState:  "paid",
	})
	if err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload events.OrderStateChanged
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_5" || payload.CurrentState != "paid" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["change"]; attr != "order.cash.collected" {
		t.Fatalf("expected change attribute, got %q", attr)
	}
}

func TestNewPubSubNotifierRequiresTopic(t *testing.T) {
	if _, err := NewPubSubNotifier(nil, nil); err == nil {
		t.Fatalf("expected error without topic")
	}
}
