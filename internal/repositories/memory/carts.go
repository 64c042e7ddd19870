package memory

import (
	"context"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

type cartRepository struct{ s *Store }

func (r cartRepository) Get(_ context.Context, ownerKey string) (domain.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cart, ok := r.s.carts[strings.TrimSpace(ownerKey)]
	if !ok {
		return domain.Cart{}, notFound("cart.get", "cart %q not found", ownerKey)
	}
	return cloneCart(cart), nil
}

func (r cartRepository) Save(_ context.Context, cart domain.Cart) (domain.Cart, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cart.OwnerKey = strings.TrimSpace(cart.OwnerKey)
	now := time.Now().UTC()
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = now
	}
	if existing, ok := r.s.carts[cart.OwnerKey]; ok && !existing.CreatedAt.IsZero() {
		cart.CreatedAt = existing.CreatedAt
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = cart.UpdatedAt
	}
	r.s.carts[cart.OwnerKey] = cloneCart(cart)
	return cloneCart(cart), nil
}

func (r cartRepository) Delete(_ context.Context, ownerKey string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.carts, strings.TrimSpace(ownerKey))
	return nil
}

type catalogRepository struct{ s *Store }

func (r catalogRepository) GetProduct(_ context.Context, productRef string) (domain.CatalogProduct, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	product, ok := r.s.products[strings.TrimSpace(productRef)]
	if !ok {
		return domain.CatalogProduct{}, notFound("catalog.get", "product %q not found", productRef)
	}
	return product, nil
}

func (r catalogRepository) UpsertProduct(_ context.Context, product domain.CatalogProduct) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	product.ProductRef = strings.TrimSpace(product.ProductRef)
	r.s.products[product.ProductRef] = product
	return nil
}
