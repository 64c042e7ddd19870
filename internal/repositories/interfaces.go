package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Catalog() CatalogRepository
	Inventory() InventoryRepository
	Orders() OrderRepository
	Attempts() CheckoutAttemptRepository
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository persists one cart per owner key.
type CartRepository interface {
	Get(ctx context.Context, ownerKey string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	Delete(ctx context.Context, ownerKey string) error
}

// CatalogRepository serves authoritative product prices.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productRef string) (domain.CatalogProduct, error)
	UpsertProduct(ctx context.Context, product domain.CatalogProduct) error
}

// InventoryRepository manages stock counters and reservation lifecycle with per-product serialisation.
type InventoryRepository interface {
	Reserve(ctx context.Context, req InventoryReserveRequest) (InventoryReserveResult, error)
	Commit(ctx context.Context, req InventoryCommitRequest) (InventoryCommitResult, error)
	Release(ctx context.Context, req InventoryReleaseRequest) (InventoryReleaseResult, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
	GetStock(ctx context.Context, productRef string) (domain.Stock, error)
	SetOnHand(ctx context.Context, productRef string, onHand int, now time.Time) (domain.Stock, error)
}

// InventoryReserveRequest carries a fully populated reservation to persist.
type InventoryReserveRequest struct {
	Reservation domain.Reservation
}

// InventoryReserveResult returns the saved reservation and updated stock projection.
type InventoryReserveResult struct {
	Reservation domain.Reservation
	Stock       domain.Stock
}

// InventoryCommitRequest finalises a reservation and decrements on-hand counts.
type InventoryCommitRequest struct {
	ReservationID string
	Now           time.Time
}

// InventoryCommitResult reports the reservation and stock after commit. Changed is false for replays.
type InventoryCommitResult struct {
	Reservation domain.Reservation
	Stock       domain.Stock
	Changed     bool
}

// InventoryReleaseRequest restores reserved stock back to availability.
type InventoryReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
	// OnlyIfExpired skips reservations whose deadline has not passed at Now.
	OnlyIfExpired bool
}

// InventoryReleaseResult reports the reservation and stock after release.
type InventoryReleaseResult struct {
	Reservation domain.Reservation
	Stock       domain.Stock
	Changed     bool
}

// OrderRepository persists orders. Commit is the only way an order is created.
type OrderRepository interface {
	Commit(ctx context.Context, req OrderCommitRequest) (OrderCommitResult, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	FindByAttempt(ctx context.Context, attemptID string) (domain.Order, error)
	ListByOwner(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	UpdateStates(ctx context.Context, order domain.Order) (domain.Order, error)
}

// OrderCommitRequest describes the atomic unit executed when an order is placed: every reservation is
// committed, the order with its idempotency and payment-reference markers is inserted, and the owner's
// cart is cleared. Either all of it happens or none of it does.
type OrderCommitRequest struct {
	Order          domain.Order
	ReservationIDs []string
	CartOwnerKey   string
	Now            time.Time
}

// OrderCommitResult returns the persisted order. Created is false when the idempotency key already
// existed; in that case nothing was written.
type OrderCommitResult struct {
	Order   domain.Order
	Created bool
}

// OrderListFilter scopes order listings to one owner.
type OrderListFilter struct {
	OwnerKey   string
	Pagination domain.Pagination
}

// CheckoutAttemptRepository stores orchestrator state for in-flight checkout attempts.
type CheckoutAttemptRepository interface {
	Insert(ctx context.Context, attempt domain.CheckoutAttempt) error
	Get(ctx context.Context, attemptID string) (domain.CheckoutAttempt, error)
	Update(ctx context.Context, attempt domain.CheckoutAttempt) error
	ListAwaitingPayment(ctx context.Context, abandonBefore time.Time, limit int) ([]domain.CheckoutAttempt, error)
	// ListStalled returns attempts still in a transient state (validating, reserving, direct confirm,
	// committing) whose last update is at or before updatedBefore, oldest first.
	ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.CheckoutAttempt, error)
}

// HealthRepository probes backing dependencies for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
