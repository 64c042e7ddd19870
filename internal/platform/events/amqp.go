package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hanko-field/reconciler/internal/services"
)

const (
	defaultExchange       = "reconciler.events"
	defaultPublishTimeout = 3 * time.Second
)

// AMQPChannel is the subset of *amqp.Channel the notifier publishes through.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes checkout notifications to a durable topic exchange.
type AMQPNotifier struct {
	mu       sync.Mutex
	ch       AMQPChannel
	exchange string
	timeout  time.Duration
	marshal  func(any) ([]byte, error)
}

// DialAMQP opens a connection and channel to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	notifier, err := NewAMQPNotifier(ch, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return notifier, conn, nil
}

// NewAMQPNotifier declares the exchange on ch and returns a notifier bound to it.
func NewAMQPNotifier(ch AMQPChannel, exchange string) (*AMQPNotifier, error) {
	if ch == nil {
		return nil, errors.New("amqp notifier: channel is required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{
		ch:       ch,
		exchange: exchange,
		timeout:  defaultPublishTimeout,
		marshal:  json.Marshal,
	}, nil
}

var (
	_ services.OrderNotifier       = (*AMQPNotifier)(nil)
	_ services.OrderEventPublisher = (*AMQPNotifier)(nil)
)

// NotifyOrderCommitted implements services.OrderNotifier.
func (n *AMQPNotifier) NotifyOrderCommitted(ctx context.Context, order services.Order) error {
	ev := NewOrderCommitted(order)
	return n.publish(ctx, OrderCommittedType, ev.EventID, ev.OccurredAt, ev)
}

// NotifyRefundRequired implements services.OrderNotifier.
func (n *AMQPNotifier) NotifyRefundRequired(ctx context.Context, signal services.RefundSignal) error {
	ev := NewRefundRequired(signal)
	return n.publish(ctx, RefundRequiredType, ev.EventID, ev.OccurredAt, ev)
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (n *AMQPNotifier) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	ev := NewOrderStateChanged(event)
	return n.publish(ctx, OrderStateChangedType, ev.EventID, ev.OccurredAt, ev)
}

// Close closes the underlying channel.
func (n *AMQPNotifier) Close() error {
	return n.ch.Close()
}

func (n *AMQPNotifier) publish(ctx context.Context, routingKey, messageID string, ts time.Time, payload any) error {
	body, err := n.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishes.
	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.ch.PublishWithContext(pubCtx, n.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    ts,
		Type:         routingKey,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}
