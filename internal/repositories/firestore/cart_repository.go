package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// CartRepository persists one cart document per owner key.
type CartRepository struct {
	carts *pfirestore.Collection[cartDocument]
	clock func() time.Time
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection[cartDocument](provider, cartsCollection),
		clock: time.Now,
	}, nil
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// Get loads the owner's cart.
func (r *CartRepository) Get(ctx context.Context, ownerKey string) (domain.Cart, error) {
	owner := strings.TrimSpace(ownerKey)
	doc, err := r.carts.Get(ctx, owner)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(owner), nil
}

// Save overwrites the owner's cart. The original creation time is kept by the caller.
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
	if err := r.carts.Set(ctx, cart.OwnerKey, newCartDocument(cart)); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

// Delete removes the owner's cart.
func (r *CartRepository) Delete(ctx context.Context, ownerKey string) error {
	return r.carts.Delete(ctx, strings.TrimSpace(ownerKey))
}

// CatalogRepository reads authoritative prices from the products collection.
type CatalogRepository struct {
	products *pfirestore.Collection[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{products: pfirestore.NewCollection[productDocument](provider, productsCollection)}, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// GetProduct reads the product document.
func (r *CatalogRepository) GetProduct(ctx context.Context, productRef string) (domain.CatalogProduct, error) {
	ref := strings.TrimSpace(productRef)
	doc, err := r.products.Get(ctx, ref)
	if err != nil {
		return domain.CatalogProduct{}, err
	}
	return domain.CatalogProduct{
		ProductRef:       ref,
		Price:            doc.Data.Price,
		Name:             doc.Data.Name,
		ImageRef:         doc.Data.ImageRef,
		AvailableForSale: doc.Data.AvailableForSale,
	}, nil
}

// UpsertProduct writes the product document.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, product domain.CatalogProduct) error {
	return r.products.Set(ctx, strings.TrimSpace(product.ProductRef), productDocument{
		Price:            product.Price,
		Name:             product.Name,
		ImageRef:         product.ImageRef,
		AvailableForSale: product.AvailableForSale,
	})
}
