package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// CartRepository stores one row per owner key with lines as JSONB.
type CartRepository struct {
	pool  DBPool
	clock func() time.Time
}

// NewCartRepository constructs a Postgres-backed cart repository.
func NewCartRepository(pool DBPool) *CartRepository {
	return &CartRepository{pool: pool, clock: time.Now}
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// Get loads the owner's cart.
func (r *CartRepository) Get(ctx context.Context, ownerKey string) (domain.Cart, error) {
	owner := strings.TrimSpace(ownerKey)
	var (
		lines    []byte
		shipping []byte
		method   string
		cart     = domain.Cart{OwnerKey: owner}
	)
	err := r.pool.QueryRow(ctx, `
		SELECT lines, shipping_draft, payment_method_draft, created_at, updated_at
		FROM carts
		WHERE owner_key=$1
	`, owner).Scan(&lines, &shipping, &method, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return domain.Cart{}, wrapError("cart.get", err)
	}
	if cart.Lines, err = decodeCartLines(lines); err != nil {
		return domain.Cart{}, err
	}
	if len(shipping) > 0 {
		var addr addressJSON
		if err := unmarshal("shipping draft", shipping, &addr); err != nil {
			return domain.Cart{}, err
		}
		draft := domain.Address(addr)
		cart.ShippingDraft = &draft
	}
	cart.PaymentMethodDraft = domain.PaymentMethod(method)
	return cart, nil
}

// Save upserts the owner's cart.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	cart.OwnerKey = strings.TrimSpace(cart.OwnerKey)
	if cart.OwnerKey == "" {
		return domain.Cart{}, errors.New("cart repository: owner key is required")
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = r.clock().UTC()
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = cart.UpdatedAt
	}
	lines, err := encodeCartLines(cart.Lines)
	if err != nil {
		return domain.Cart{}, err
	}
	var shipping []byte
	if cart.ShippingDraft != nil {
		if shipping, err = json.Marshal(addressJSON(*cart.ShippingDraft)); err != nil {
			return domain.Cart{}, err
		}
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO carts(owner_key, lines, shipping_draft, payment_method_draft, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_key) DO UPDATE SET
			lines=EXCLUDED.lines,
			shipping_draft=EXCLUDED.shipping_draft,
			payment_method_draft=EXCLUDED.payment_method_draft,
			updated_at=EXCLUDED.updated_at
	`, cart.OwnerKey, lines, shipping, string(cart.PaymentMethodDraft), cart.CreatedAt.UTC(), cart.UpdatedAt.UTC())
	if err != nil {
		return domain.Cart{}, wrapError("cart.save", err)
	}
	return cart, nil
}

// Delete removes the owner's cart. Deleting a missing cart is not an error.
func (r *CartRepository) Delete(ctx context.Context, ownerKey string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM carts WHERE owner_key=$1`, strings.TrimSpace(ownerKey))
	return wrapError("cart.delete", err)
}

// CatalogRepository reads authoritative prices from the products table.
type CatalogRepository struct {
	pool DBPool
}

// NewCatalogRepository constructs a Postgres-backed catalog repository.
func NewCatalogRepository(pool DBPool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// GetProduct reads one product row.
func (r *CatalogRepository) GetProduct(ctx context.Context, productRef string) (domain.CatalogProduct, error) {
	product := domain.CatalogProduct{ProductRef: strings.TrimSpace(productRef)}
	err := r.pool.QueryRow(ctx, `
		SELECT name, image_ref, price, available_for_sale
		FROM products
		WHERE product_ref=$1
	`, product.ProductRef).Scan(&product.Name, &product.ImageRef, &product.Price, &product.AvailableForSale)
	if err != nil {
		return domain.CatalogProduct{}, wrapError("catalog.get", err)
	}
	return product, nil
}

// UpsertProduct writes one product row.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, product domain.CatalogProduct) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products(product_ref, name, image_ref, price, available_for_sale)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (product_ref) DO UPDATE SET
			name=EXCLUDED.name,
			image_ref=EXCLUDED.image_ref,
			price=EXCLUDED.price,
			available_for_sale=EXCLUDED.available_for_sale,
			updated_at=now()
	`, strings.TrimSpace(product.ProductRef), product.Name, product.ImageRef, product.Price, product.AvailableForSale)
	return wrapError("catalog.upsert", err)
}
