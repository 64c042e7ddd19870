package postgres

import (
	"context"
	"errors"

	"github.com/hanko-field/reconciler/internal/repositories"
)

// Registry bundles the Postgres repositories over one pool.
type Registry struct {
	pool      DBPool
	carts     *CartRepository
	catalog   *CatalogRepository
	inventory *InventoryRepository
	orders    *OrderRepository
	attempts  *AttemptRepository
}

// NewRegistry builds every repository over pool. The registry owns the pool and closes it.
func NewRegistry(pool DBPool) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry requires pool")
	}
	return &Registry{
		pool:      pool,
		carts:     NewCartRepository(pool),
		catalog:   NewCatalogRepository(pool),
		inventory: NewInventoryRepository(pool),
		orders:    NewOrderRepository(pool),
		attempts:  NewAttemptRepository(pool),
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

// Close releases the pool.
func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}

// Ping checks database reachability.
func (r *Registry) Ping(ctx context.Context) error {
	return wrapError("postgres.ping", r.pool.Ping(ctx))
}

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
