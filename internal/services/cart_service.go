package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const maxLineQuantity = 99

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartUnavailable indicates the cart backend cannot serve the request.
	ErrCartUnavailable = errors.New("cart: unavailable")
	// ErrCartItemNotFound indicates the product is not in the cart.
	ErrCartItemNotFound = errors.New("cart: item not found")
	// ErrCartProductNotFound indicates the catalog does not know the product.
	ErrCartProductNotFound = errors.New("cart: product not found")
	// ErrCartProductUnavailable indicates the product is not for sale.
	ErrCartProductUnavailable = errors.New("cart: product unavailable")
	// ErrCartConflict indicates the cart was modified concurrently.
	ErrCartConflict = errors.New("cart: conflict")

	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartCatalogRequired    = errors.New("cart service: catalog is required")
)

// CartCache is an optional read-through cache in front of the cart repository.
type CartCache interface {
	Get(ctx context.Context, ownerKey string) (Cart, bool, error)
	Set(ctx context.Context, cart Cart) error
	Delete(ctx context.Context, ownerKey string) error
}

// CartServiceDeps wires the repository and catalog dependencies for cart operations.
type CartServiceDeps struct {
	Repository repositories.CartRepository
	Catalog    Catalog
	Cache      CartCache
	Clock      func() time.Time
	Logger     func(context.Context, string, map[string]any)
}

type cartService struct {
	repo    repositories.CartRepository
	catalog Catalog
	cache   CartCache
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Catalog == nil {
		return nil, errCartCatalogRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{
		repo:    deps.Repository,
		catalog: deps.Catalog,
		cache:   deps.Cache,
		now:     func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// GetCart returns the owner's cart, or an empty cart when none has been created yet.
func (s *cartService) GetCart(ctx context.Context, ownerKey string) (Cart, error) {
	owner := strings.TrimSpace(ownerKey)
	if owner == "" {
		return Cart{}, fmt.Errorf("%w: owner key is required", ErrCartInvalidInput)
	}

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, owner)
		if err != nil {
			s.logger(ctx, "cart.cache.get_failed", map[string]any{"owner": owner, "error": err.Error()})
		} else if ok {
			return cached, nil
		}
	}

	cart, err := s.load(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	if s.cache != nil && !cart.CreatedAt.IsZero() {
		if err := s.cache.Set(ctx, cart); err != nil {
			s.logger(ctx, "cart.cache.set_failed", map[string]any{"owner": owner, "error": err.Error()})
		}
	}
	return cart, nil
}

// AddItem adds quantity of a product, merging into an existing line for the same product.
func (s *cartService) AddItem(ctx context.Context, cmd CartAddItemCommand) (Cart, error) {
	owner := strings.TrimSpace(cmd.OwnerKey)
	ref := strings.TrimSpace(cmd.ProductRef)
	if owner == "" || ref == "" {
		return Cart{}, fmt.Errorf("%w: owner key and product ref are required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 || cmd.Quantity > maxLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxLineQuantity)
	}

	product, err := s.lookupProduct(ctx, ref)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.load(ctx, owner)
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	if idx := cart.LineIndex(ref); idx >= 0 {
		line := cart.Lines[idx]
		line.Quantity += cmd.Quantity
		if line.Quantity > maxLineQuantity {
			return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxLineQuantity)
		}
		line.UnitPriceSnapshot = product.Price
		line.DisplayName = product.Name
		line.ImageRef = product.ImageRef
		cart.Lines[idx] = line
	} else {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductRef:        ref,
			Quantity:          cmd.Quantity,
			UnitPriceSnapshot: product.Price,
			DisplayName:       product.Name,
			ImageRef:          product.ImageRef,
			AddedAt:           now,
		})
	}

	saved, err := s.save(ctx, cart, now)
	if err != nil {
		return Cart{}, err
	}
	s.logger(ctx, "cart.item_added", map[string]any{"owner": owner, "productRef": ref, "quantity": cmd.Quantity})
	return saved, nil
}

// UpdateQuantity sets the quantity of an existing line. A quantity of zero removes the line.
func (s *cartService) UpdateQuantity(ctx context.Context, cmd CartUpdateQuantityCommand) (Cart, error) {
	owner := strings.TrimSpace(cmd.OwnerKey)
	ref := strings.TrimSpace(cmd.ProductRef)
	if owner == "" || ref == "" {
		return Cart{}, fmt.Errorf("%w: owner key and product ref are required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 0 || cmd.Quantity > maxLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 0 and %d", ErrCartInvalidInput, maxLineQuantity)
	}
	if cmd.Quantity == 0 {
		return s.RemoveItem(ctx, owner, ref)
	}

	cart, err := s.load(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	idx := cart.LineIndex(ref)
	if idx < 0 {
		return Cart{}, ErrCartItemNotFound
	}
	cart.Lines[idx].Quantity = cmd.Quantity
	return s.save(ctx, cart, s.now())
}

// RemoveItem drops the line for productRef.
func (s *cartService) RemoveItem(ctx context.Context, ownerKey, productRef string) (Cart, error) {
	owner := strings.TrimSpace(ownerKey)
	ref := strings.TrimSpace(productRef)
	if owner == "" || ref == "" {
		return Cart{}, fmt.Errorf("%w: owner key and product ref are required", ErrCartInvalidInput)
	}

	cart, err := s.load(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	idx := cart.LineIndex(ref)
	if idx < 0 {
		return Cart{}, ErrCartItemNotFound
	}
	cart.Lines = slices.Delete(cart.Lines, idx, idx+1)
	return s.save(ctx, cart, s.now())
}

// SetShippingDraft stores the destination the owner intends to use at checkout.
func (s *cartService) SetShippingDraft(ctx context.Context, ownerKey string, address Address) (Cart, error) {
	owner := strings.TrimSpace(ownerKey)
	if owner == "" {
		return Cart{}, fmt.Errorf("%w: owner key is required", ErrCartInvalidInput)
	}
	clean := sanitizeAddress(address)
	if missing := validateAddress(clean); len(missing) > 0 {
		return Cart{}, fmt.Errorf("%w: address missing %s", ErrCartInvalidInput, strings.Join(missing, ", "))
	}

	cart, err := s.load(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	cart.ShippingDraft = &clean
	return s.save(ctx, cart, s.now())
}

// SetPaymentMethodDraft stores the payment method the owner intends to use at checkout.
func (s *cartService) SetPaymentMethodDraft(ctx context.Context, ownerKey string, method PaymentMethod) (Cart, error) {
	owner := strings.TrimSpace(ownerKey)
	if owner == "" {
		return Cart{}, fmt.Errorf("%w: owner key is required", ErrCartInvalidInput)
	}
	if !method.Valid() {
		return Cart{}, fmt.Errorf("%w: unsupported payment method %q", ErrCartInvalidInput, method)
	}

	cart, err := s.load(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	cart.PaymentMethodDraft = method
	return s.save(ctx, cart, s.now())
}

// MergeCarts folds the lines of fromOwnerKey into intoOwnerKey by product and deletes the source cart.
// It is used when an anonymous session signs in.
func (s *cartService) MergeCarts(ctx context.Context, fromOwnerKey, intoOwnerKey string) (Cart, error) {
	from := strings.TrimSpace(fromOwnerKey)
	into := strings.TrimSpace(intoOwnerKey)
	if from == "" || into == "" {
		return Cart{}, fmt.Errorf("%w: both owner keys are required", ErrCartInvalidInput)
	}
	if from == into {
		return s.GetCart(ctx, into)
	}

	source, err := s.load(ctx, from)
	if err != nil {
		return Cart{}, err
	}
	target, err := s.load(ctx, into)
	if err != nil {
		return Cart{}, err
	}
	if source.IsEmpty() && source.ShippingDraft == nil && source.PaymentMethodDraft == "" {
		return target, nil
	}

	for _, line := range source.Lines {
		if idx := target.LineIndex(line.ProductRef); idx >= 0 {
			merged := target.Lines[idx].Quantity + line.Quantity
			if merged > maxLineQuantity {
				merged = maxLineQuantity
			}
			target.Lines[idx].Quantity = merged
			continue
		}
		target.Lines = append(target.Lines, line)
	}
	if target.ShippingDraft == nil && source.ShippingDraft != nil {
		addr := *source.ShippingDraft
		target.ShippingDraft = &addr
	}
	if target.PaymentMethodDraft == "" {
		target.PaymentMethodDraft = source.PaymentMethodDraft
	}

	saved, err := s.save(ctx, target, s.now())
	if err != nil {
		return Cart{}, err
	}
	if err := s.Clear(ctx, from); err != nil {
		s.logger(ctx, "cart.merge.source_clear_failed", map[string]any{"owner": from, "error": err.Error()})
	}
	s.logger(ctx, "cart.merged", map[string]any{"from": from, "into": into, "lines": len(saved.Lines)})
	return saved, nil
}

// Clear deletes the owner's cart.
func (s *cartService) Clear(ctx context.Context, ownerKey string) error {
	owner := strings.TrimSpace(ownerKey)
	if owner == "" {
		return fmt.Errorf("%w: owner key is required", ErrCartInvalidInput)
	}
	if err := s.repo.Delete(ctx, owner); err != nil {
		return s.translateRepoError(err)
	}
	s.invalidate(ctx, owner)
	return nil
}

func (s *cartService) invalidate(ctx context.Context, ownerKey string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, ownerKey); err != nil {
		s.logger(ctx, "cart.cache.delete_failed", map[string]any{"owner": ownerKey, "error": err.Error()})
	}
}

func (s *cartService) load(ctx context.Context, owner string) (Cart, error) {
	cart, err := s.repo.Get(ctx, owner)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Cart{OwnerKey: owner, Lines: []CartLine{}}, nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart.OwnerKey = owner
	return cart, nil
}

func (s *cartService) save(ctx context.Context, cart Cart, now time.Time) (Cart, error) {
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	saved, err := s.repo.Save(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	s.invalidate(ctx, saved.OwnerKey)
	return saved, nil
}

func (s *cartService) lookupProduct(ctx context.Context, ref string) (CatalogProduct, error) {
	product, err := s.catalog.GetCurrentPrice(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrCatalogProductNotFound) {
			return CatalogProduct{}, ErrCartProductNotFound
		}
		return CatalogProduct{}, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	if !product.AvailableForSale {
		return CatalogProduct{}, ErrCartProductUnavailable
	}
	return product, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return ErrCartConflict
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}
