package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	orderEventFulfillmentChanged = "order.fulfillment.changed"
	orderEventCashCollected      = "order.cash.collected"
	orderEventCancelled          = "order.cancelled"

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderNotAuthorized indicates the caller does not own the order.
	ErrOrderNotAuthorized = errors.New("order: not authorized")
	// ErrOrderInvalidState indicates an invalid state transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid state transition")
	// ErrOrderConflict indicates a uniqueness conflict such as a reused payment reference.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store failed.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var fulfillmentTransitions = map[domain.FulfillmentState][]domain.FulfillmentState{
	domain.FulfillmentStatePending:    {domain.FulfillmentStateProcessing, domain.FulfillmentStateCancelled},
	domain.FulfillmentStateProcessing: {domain.FulfillmentStateShipped, domain.FulfillmentStateCancelled},
	domain.FulfillmentStateShipped:    {domain.FulfillmentStateDelivered},
}

// OrderEventPublisher publishes order state changes for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order state changes.
type OrderEvent struct {
	Type          string
	OrderID       string
	OwnerKey      string
	PreviousState string
	CurrentState  string
	OccurredAt    time.Time
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService constructs an OrderService using the provided dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders: deps.Orders,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetOrder returns the order when the caller owns it. Operators may read any order.
func (s *orderService) GetOrder(ctx context.Context, orderID string, caller Caller) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeOrder(order, caller); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ListOrders returns the caller's orders newest first.
func (s *orderService) ListOrders(ctx context.Context, caller Caller, pager Pagination) (domain.CursorPage[Order], error) {
	owner := strings.TrimSpace(caller.OwnerKey)
	if owner == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: owner key is required", ErrOrderInvalidInput)
	}
	switch {
	case pager.PageSize <= 0:
		pager.PageSize = defaultOrderPageSize
	case pager.PageSize > maxOrderPageSize:
		pager.PageSize = maxOrderPageSize
	}
	page, err := s.orders.ListByOwner(ctx, repositories.OrderListFilter{OwnerKey: owner, Pagination: pager})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// UpdateFulfillment moves the order along Pending, Processing, Shipped, Delivered.
func (s *orderService) UpdateFulfillment(ctx context.Context, cmd OrderFulfillmentCommand) (Order, error) {
	next := domain.FulfillmentState(strings.TrimSpace(string(cmd.Next)))
	if next == "" {
		return Order{}, fmt.Errorf("%w: next fulfillment state is required", ErrOrderInvalidInput)
	}
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.FulfillmentState == next {
		return order, nil
	}
	if !slices.Contains(fulfillmentTransitions[order.FulfillmentState], next) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.FulfillmentState, next)
	}
	if next == domain.FulfillmentStateCancelled {
		return s.cancel(ctx, order)
	}

	previous := order.FulfillmentState
	order.FulfillmentState = next
	order.UpdatedAt = s.clock()
	saved, err := s.orders.UpdateStates(ctx, order)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	s.publish(ctx, orderEventFulfillmentChanged, saved, string(previous), string(next))
	return saved, nil
}

// MarkCashCollected settles a cash-on-delivery order. collectRef becomes the order's external payment
// reference and must be unique across orders.
func (s *orderService) MarkCashCollected(ctx context.Context, cmd OrderCashCollectedCommand) (Order, error) {
	ref := strings.TrimSpace(cmd.CollectRef)
	if ref == "" {
		return Order{}, fmt.Errorf("%w: collection reference is required", ErrOrderInvalidInput)
	}
	order, err := s.load(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.PaymentMethod != domain.PaymentMethodCashOnDelivery {
		return Order{}, fmt.Errorf("%w: order %s is not cash on delivery", ErrOrderInvalidState, order.ID)
	}
	if order.PaymentState == domain.PaymentStatePaid && order.ExternalPaymentRef == ref {
		return order, nil
	}
	if order.PaymentState != domain.PaymentStateAwaitingPayment {
		return Order{}, fmt.Errorf("%w: payment state %s", ErrOrderInvalidState, order.PaymentState)
	}

	now := s.clock()
	order.PaymentState = domain.PaymentStatePaid
	order.ExternalPaymentRef = ref
	order.PaidAt = &now
	order.UpdatedAt = now
	saved, err := s.orders.UpdateStates(ctx, order)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	s.publish(ctx, orderEventCashCollected, saved, string(domain.PaymentStateAwaitingPayment), string(domain.PaymentStatePaid))
	return saved, nil
}

// Cancel cancels an order whose payment has not been collected.
func (s *orderService) Cancel(ctx context.Context, orderID string, caller Caller) (Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := authorizeOrder(order, caller); err != nil {
		return Order{}, err
	}
	if order.PaymentState == domain.PaymentStateCancelled {
		return order, nil
	}
	if !slices.Contains(fulfillmentTransitions[order.FulfillmentState], domain.FulfillmentStateCancelled) {
		return Order{}, fmt.Errorf("%w: fulfillment state %s", ErrOrderInvalidState, order.FulfillmentState)
	}
	return s.cancel(ctx, order)
}

func (s *orderService) cancel(ctx context.Context, order Order) (Order, error) {
	if order.PaymentState != domain.PaymentStateAwaitingPayment {
		return Order{}, fmt.Errorf("%w: payment state %s cannot be cancelled", ErrOrderInvalidState, order.PaymentState)
	}
	now := s.clock()
	previous := order.PaymentState
	order.PaymentState = domain.PaymentStateCancelled
	order.FulfillmentState = domain.FulfillmentStateCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	saved, err := s.orders.UpdateStates(ctx, order)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	s.publish(ctx, orderEventCancelled, saved, string(previous), string(domain.PaymentStateCancelled))
	return saved, nil
}

func (s *orderService) load(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) publish(ctx context.Context, eventType string, order Order, previous, current string) {
	s.logger(ctx, eventType, map[string]any{
		"orderId":  order.ID,
		"previous": previous,
		"current":  current,
	})
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OwnerKey:      order.OwnerKey,
		PreviousState: previous,
		CurrentState:  current,
		OccurredAt:    order.UpdatedAt,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
}

// authorizeOrder hides orders of other owners behind ErrOrderNotAuthorized.
func authorizeOrder(order Order, caller Caller) error {
	if caller.Operator {
		return nil
	}
	owner := strings.TrimSpace(caller.OwnerKey)
	if owner == "" || owner != order.OwnerKey {
		return ErrOrderNotAuthorized
	}
	return nil
}
