// Package memory provides in-process repository implementations for tests and local runs. All
// repositories share one mutex so multi-record operations such as order commits are atomic.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// Store holds every collection behind a single lock.
type Store struct {
	mu sync.Mutex

	carts         map[string]domain.Cart
	products      map[string]domain.CatalogProduct
	stocks        map[string]domain.Stock
	reservations  map[string]domain.Reservation
	orders        map[string]domain.Order
	orderKeys     map[string]string
	paymentRefs   map[string]string
	orderAttempts map[string]string
	attempts      map[string]domain.CheckoutAttempt
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		carts:         make(map[string]domain.Cart),
		products:      make(map[string]domain.CatalogProduct),
		stocks:        make(map[string]domain.Stock),
		reservations:  make(map[string]domain.Reservation),
		orders:        make(map[string]domain.Order),
		orderKeys:     make(map[string]string),
		paymentRefs:   make(map[string]string),
		orderAttempts: make(map[string]string),
		attempts:      make(map[string]domain.CheckoutAttempt),
	}
}

var _ repositories.Registry = (*Store)(nil)

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

// Carts implements repositories.Registry.
func (s *Store) Carts() repositories.CartRepository { return cartRepository{s} }

// Catalog implements repositories.Registry.
func (s *Store) Catalog() repositories.CatalogRepository { return catalogRepository{s} }

// Inventory implements repositories.Registry.
func (s *Store) Inventory() repositories.InventoryRepository { return inventoryRepository{s} }

// Orders implements repositories.Registry.
func (s *Store) Orders() repositories.OrderRepository { return orderRepository{s} }

// Attempts implements repositories.Registry.
func (s *Store) Attempts() repositories.CheckoutAttemptRepository { return attemptRepository{s} }

// Ping implements repositories.Registry.
func (s *Store) Ping(context.Context) error { return nil }

func notFound(op, format string, args ...any) error {
	return repositories.NewStoreError(op, repositories.ErrNotFound, fmt.Errorf(format, args...))
}

func conflict(op, format string, args ...any) error {
	return repositories.NewStoreError(op, repositories.ErrConflict, fmt.Errorf(format, args...))
}

func cloneCart(cart domain.Cart) domain.Cart {
	cart.Lines = slices.Clone(cart.Lines)
	if cart.ShippingDraft != nil {
		addr := *cart.ShippingDraft
		cart.ShippingDraft = &addr
	}
	return cart
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = slices.Clone(order.Lines)
	if order.PaidAt != nil {
		paid := *order.PaidAt
		order.PaidAt = &paid
	}
	if order.CancelledAt != nil {
		cancelled := *order.CancelledAt
		order.CancelledAt = &cancelled
	}
	return order
}

func cloneAttempt(attempt domain.CheckoutAttempt) domain.CheckoutAttempt {
	attempt.Lines = slices.Clone(attempt.Lines)
	attempt.ReservationIDs = slices.Clone(attempt.ReservationIDs)
	if attempt.Intent != nil {
		intent := *attempt.Intent
		attempt.Intent = &intent
	}
	return attempt
}
