// Package events defines the post-commit notifications emitted by checkout and the transports that carry them.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hanko-field/reconciler/internal/services"
)

const (
	OrderCommittedType    = "order.committed.v1"
	RefundRequiredType    = "payment.refund_required.v1"
	OrderStateChangedType = "order.state_changed.v1"
)

// OrderCommitted is published once per placed order.
type OrderCommitted struct {
	EventID       string      `json:"eventId"`
	EventType     string      `json:"eventType"`
	OrderID       string      `json:"orderId"`
	OwnerKey      string      `json:"ownerKey"`
	AttemptID     string      `json:"attemptId"`
	PaymentMethod string      `json:"paymentMethod"`
	PaymentState  string      `json:"paymentState"`
	Currency      string      `json:"currency"`
	GrandTotal    int64       `json:"grandTotal"`
	Lines         []OrderLine `json:"lines"`
	OccurredAt    time.Time   `json:"occurredAt"`
}

// OrderLine is the per-product slice of an OrderCommitted event.
type OrderLine struct {
	ProductRef string `json:"productRef"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unitPrice"`
}

// RefundRequired asks operators to refund a captured payment whose order could not be placed.
type RefundRequired struct {
	EventID          string    `json:"eventId"`
	EventType        string    `json:"eventType"`
	AttemptID        string    `json:"attemptId"`
	OwnerKey         string    `json:"ownerKey"`
	Provider         string    `json:"provider"`
	GatewayPaymentID string    `json:"gatewayPaymentId"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Reason           string    `json:"reason"`
	OccurredAt       time.Time `json:"occurredAt"`
}

// OrderStateChanged follows fulfillment, cash collection and cancellation of placed orders.
type OrderStateChanged struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	Change        string    `json:"change"`
	OrderID       string    `json:"orderId"`
	OwnerKey      string    `json:"ownerKey"`
	PreviousState string    `json:"previousState"`
	CurrentState  string    `json:"currentState"`
	OccurredAt    time.Time `json:"occurredAt"`
}

var newEventID = func() string { return uuid.NewString() }

// NewOrderCommitted builds the event payload for order.
func NewOrderCommitted(order services.Order) OrderCommitted {
	lines := make([]OrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, OrderLine{ProductRef: line.ProductRef, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}
	occurred := order.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return OrderCommitted{
		EventID:       newEventID(),
		EventType:     OrderCommittedType,
		OrderID:       order.ID,
		OwnerKey:      order.OwnerKey,
		AttemptID:     order.AttemptID,
		PaymentMethod: string(order.PaymentMethod),
		PaymentState:  string(order.PaymentState),
		Currency:      order.Totals.Currency,
		GrandTotal:    order.Totals.GrandTotal,
		Lines:         lines,
		OccurredAt:    occurred.UTC(),
	}
}

// NewRefundRequired builds the event payload for signal.
func NewRefundRequired(signal services.RefundSignal) RefundRequired {
	occurred := signal.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return RefundRequired{
		EventID:          newEventID(),
		EventType:        RefundRequiredType,
		AttemptID:        signal.AttemptID,
		OwnerKey:         signal.OwnerKey,
		Provider:         signal.Provider,
		GatewayPaymentID: signal.GatewayPaymentID,
		Amount:           signal.Amount,
		Currency:         signal.Currency,
		Reason:           string(signal.Reason),
		OccurredAt:       occurred.UTC(),
	}
}

// NewOrderStateChanged builds the event payload for an order service transition.
func NewOrderStateChanged(event services.OrderEvent) OrderStateChanged {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return OrderStateChanged{
		EventID:       newEventID(),
		EventType:     OrderStateChangedType,
		Change:        event.Type,
		OrderID:       event.OrderID,
		OwnerKey:      event.OwnerKey,
		PreviousState: event.PreviousState,
		CurrentState:  event.CurrentState,
		OccurredAt:    occurred.UTC(),
	}
}

// LogNotifier writes notifications to the service logger only. Used when no broker is configured.
type LogNotifier struct {
	logger func(context.Context, string, map[string]any)
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger func(context.Context, string, map[string]any)) *LogNotifier {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &LogNotifier{logger: logger}
}

var (
	_ services.OrderNotifier       = (*LogNotifier)(nil)
	_ services.OrderEventPublisher = (*LogNotifier)(nil)
)

// NotifyOrderCommitted implements services.OrderNotifier.
func (n *LogNotifier) NotifyOrderCommitted(ctx context.Context, order services.Order) error {
	ev := NewOrderCommitted(order)
	n.logger(ctx, "events.order_committed", map[string]any{
		"eventId":    ev.EventID,
		"orderId":    ev.OrderID,
		"attemptId":  ev.AttemptID,
		"grandTotal": ev.GrandTotal,
		"currency":   ev.Currency,
	})
	return nil
}

// NotifyRefundRequired implements services.OrderNotifier.
func (n *LogNotifier) NotifyRefundRequired(ctx context.Context, signal services.RefundSignal) error {
	ev := NewRefundRequired(signal)
	n.logger(ctx, "events.refund_required", map[string]any{
		"eventId":          ev.EventID,
		"attemptId":        ev.AttemptID,
		"provider":         ev.Provider,
		"gatewayPaymentId": ev.GatewayPaymentID,
		"amount":           ev.Amount,
		"reason":           ev.Reason,
	})
	return nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (n *LogNotifier) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	ev := NewOrderStateChanged(event)
	n.logger(ctx, "events.order_state_changed", map[string]any{
		"eventId":  ev.EventID,
		"change":   ev.Change,
		"orderId":  ev.OrderID,
		"previous": ev.PreviousState,
		"current":  ev.CurrentState,
	})
	return nil
}
