package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/reconciler/internal/platform/events"
	"github.com/hanko-field/reconciler/internal/services"
)

// PubSubNotifier publishes order and refund notifications to Pub/Sub topics.
type PubSubNotifier struct {
	orders  *pubsub.Topic
	refunds *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotifier constructs a Pub/Sub backed notifier. refunds defaults to orders when nil.
func NewPubSubNotifier(orders, refunds *pubsub.Topic) (*PubSubNotifier, error) {
	if orders == nil {
		return nil, errors.New("pubsub notifier: order topic is required")
	}
	if refunds == nil {
		refunds = orders
	}
	return &PubSubNotifier{
		orders:  orders,
		refunds: refunds,
		marshal: json.Marshal,
	}, nil
}

var (
	_ services.OrderNotifier       = (*PubSubNotifier)(nil)
	_ services.OrderEventPublisher = (*PubSubNotifier)(nil)
)

// NotifyOrderCommitted publishes an order.committed message keyed by order id.
func (p *PubSubNotifier) NotifyOrderCommitted(ctx context.Context, order services.Order) error {
	if p == nil || p.orders == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	ev := events.NewOrderCommitted(order)
	attrs := make(map[string]string)
	setAttr(attrs, "eventType", ev.EventType)
	setAttr(attrs, "eventId", ev.EventID)
	setAttr(attrs, "orderId", ev.OrderID)
	setAttr(attrs, "attemptId", ev.AttemptID)
	setAttr(attrs, "paymentMethod", ev.PaymentMethod)
	_, err := p.publish(ctx, p.orders, ev, attrs)
	return err
}

// NotifyRefundRequired publishes a refund request for operators.
func (p *PubSubNotifier) NotifyRefundRequired(ctx context.Context, signal services.RefundSignal) error {
	if p == nil || p.refunds == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	ev := events.NewRefundRequired(signal)
	attrs := make(map[string]string)
	setAttr(attrs, "eventType", ev.EventType)
	setAttr(attrs, "eventId", ev.EventID)
	setAttr(attrs, "attemptId", ev.AttemptID)
	setAttr(attrs, "provider", ev.Provider)
	setAttr(attrs, "reason", ev.Reason)
	_, err := p.publish(ctx, p.refunds, ev, attrs)
	return err
}

// PublishOrderEvent publishes order state transitions on the order topic.
func (p *PubSubNotifier) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.orders == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	ev := events.NewOrderStateChanged(event)
	attrs := make(map[string]string)
	setAttr(attrs, "eventType", ev.EventType)
	setAttr(attrs, "eventId", ev.EventID)
	setAttr(attrs, "orderId", ev.OrderID)
	setAttr(attrs, "change", ev.Change)
	_, err := p.publish(ctx, p.orders, ev, attrs)
	return err
}

func (p *PubSubNotifier) publish(ctx context.Context, topic *pubsub.Topic, payload any, attrs map[string]string) (string, error) {
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", attrs["eventType"], err)
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", attrs["eventType"], err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
