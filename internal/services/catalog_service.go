package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/reconciler/internal/repositories"
)

var (
	// ErrCatalogProductNotFound indicates the product reference is unknown.
	ErrCatalogProductNotFound = errors.New("catalog: product not found")
	// ErrCatalogUnavailable indicates the catalog backend could not answer.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
	// ErrCatalogInvalidInput indicates the caller supplied invalid product data.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
)

// CatalogServiceDeps bundles constructor inputs for the repository backed catalog.
type CatalogServiceDeps struct {
	Products repositories.CatalogRepository
}

// CatalogService is the repository backed Catalog plus the operator upsert used to seed prices.
type CatalogService interface {
	Catalog
	UpsertProduct(ctx context.Context, product CatalogProduct) (CatalogProduct, error)
}

type catalogService struct {
	repo repositories.CatalogRepository
}

// NewCatalogService constructs the catalog adapter. Every lookup goes to the repository.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	return &catalogService{repo: deps.Products}, nil
}

func (s *catalogService) GetCurrentPrice(ctx context.Context, productRef string) (CatalogProduct, error) {
	ref := strings.TrimSpace(productRef)
	if ref == "" {
		return CatalogProduct{}, fmt.Errorf("%w: product ref is required", ErrCatalogInvalidInput)
	}
	product, err := s.repo.GetProduct(ctx, ref)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CatalogProduct{}, fmt.Errorf("%w: %s", ErrCatalogProductNotFound, ref)
		}
		return CatalogProduct{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	product.ProductRef = ref
	return product, nil
}

func (s *catalogService) UpsertProduct(ctx context.Context, product CatalogProduct) (CatalogProduct, error) {
	product.ProductRef = strings.TrimSpace(product.ProductRef)
	product.Name = strings.TrimSpace(product.Name)
	product.ImageRef = strings.TrimSpace(product.ImageRef)
	if product.ProductRef == "" {
		return CatalogProduct{}, fmt.Errorf("%w: product ref is required", ErrCatalogInvalidInput)
	}
	if product.Price < 0 {
		return CatalogProduct{}, fmt.Errorf("%w: price must not be negative", ErrCatalogInvalidInput)
	}
	if err := s.repo.UpsertProduct(ctx, product); err != nil {
		return CatalogProduct{}, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return product, nil
}
