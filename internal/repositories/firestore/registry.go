// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// Registry bundles the Firestore repositories behind one provider.
type Registry struct {
	provider  *pfirestore.Provider
	carts     *CartRepository
	catalog   *CatalogRepository
	inventory *InventoryRepository
	orders    *OrderRepository
	attempts  *AttemptRepository
}

// NewRegistry builds every repository over provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider, inventory)
	if err != nil {
		return nil, err
	}
	attempts, err := NewAttemptRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		carts:     carts,
		catalog:   catalog,
		inventory: inventory,
		orders:    orders,
		attempts:  attempts,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

// Ping checks Firestore reachability.
func (r *Registry) Ping(ctx context.Context) error { return r.provider.Ping(ctx) }

// Carts implements repositories.Registry.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Catalog implements repositories.Registry.
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

// Inventory implements repositories.Registry.
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Attempts implements repositories.Registry.
func (r *Registry) Attempts() repositories.CheckoutAttemptRepository { return r.attempts }
