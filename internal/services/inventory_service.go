package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	eventInventoryReserve = "inventory.reserve"
	eventInventoryCommit  = "inventory.commit"
	eventInventoryRelease = "inventory.release"
	eventInventoryExpire  = "inventory.expire"

	defaultReservationTTL = 15 * time.Minute
	defaultExpiryBatch    = 200
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates the requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryReservationNotFound indicates the reservation could not be located.
	ErrInventoryReservationNotFound = errors.New("inventory: reservation not found")
	// ErrInventoryReservationExpired indicates the hold lapsed before commit.
	ErrInventoryReservationExpired = errors.New("inventory: reservation expired")
	// ErrInventoryInvalidState indicates the reservation cannot transition due to its state.
	ErrInventoryInvalidState = errors.New("inventory: reservation state invalid")
	// ErrInventoryStockNotFound indicates the product has no stock record.
	ErrInventoryStockNotFound = errors.New("inventory: stock not found")
	// ErrInventoryUnavailable indicates the ledger backend failed.
	ErrInventoryUnavailable = errors.New("inventory: unavailable")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory   repositories.InventoryRepository
	DefaultTTL  time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo       repositories.InventoryRepository
	defaultTTL time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	ttl := deps.DefaultTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	return &inventoryService{
		repo:       deps.Inventory,
		defaultTTL: ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Reserve holds quantity units of one product for an attempt. Availability is checked and decremented
// atomically per product, so concurrent reservations never oversell.
func (s *inventoryService) Reserve(ctx context.Context, cmd InventoryReserveCommand) (Reservation, error) {
	ref := strings.TrimSpace(cmd.ProductRef)
	if ref == "" {
		return Reservation{}, fmt.Errorf("%w: product ref is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}
	ttl := cmd.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.clock()
	reservation := Reservation{
		ID:         ensureReservationID(s.newID()),
		ProductRef: ref,
		Quantity:   cmd.Quantity,
		AttemptID:  strings.TrimSpace(cmd.AttemptID),
		Status:     domain.ReservationStatusReserved,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	result, err := s.repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: reservation})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, eventInventoryReserve, map[string]any{
		"reservationId": result.Reservation.ID,
		"productRef":    ref,
		"quantity":      cmd.Quantity,
		"attemptId":     reservation.AttemptID,
		"available":     result.Stock.Available(),
	})
	return result.Reservation, nil
}

// Commit converts a hold into a permanent decrement. Committing twice returns the committed reservation.
func (s *inventoryService) Commit(ctx context.Context, reservationID string) (Reservation, error) {
	id := strings.TrimSpace(reservationID)
	if id == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	result, err := s.repo.Commit(ctx, repositories.InventoryCommitRequest{ReservationID: id, Now: s.clock()})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	if result.Changed {
		s.logger(ctx, eventInventoryCommit, map[string]any{
			"reservationId": id,
			"productRef":    result.Reservation.ProductRef,
			"onHand":        result.Stock.OnHand,
		})
	}
	return result.Reservation, nil
}

// Release returns held units to availability. Releasing twice is a no-op.
func (s *inventoryService) Release(ctx context.Context, reservationID, reason string) (Reservation, error) {
	id := strings.TrimSpace(reservationID)
	if id == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
		ReservationID: id,
		Reason:        strings.TrimSpace(reason),
		Now:           s.clock(),
	})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	if result.Changed {
		s.logger(ctx, eventInventoryRelease, map[string]any{
			"reservationId": id,
			"productRef":    result.Reservation.ProductRef,
			"reason":        result.Reservation.ReleaseReason,
		})
	}
	return result.Reservation, nil
}

// ExpireStale releases reservations whose deadline passed. Each release re-checks the deadline inside
// the ledger so a reservation committed between listing and release is skipped.
func (s *inventoryService) ExpireStale(ctx context.Context, limit int) (ExpiryReport, error) {
	if limit <= 0 {
		limit = defaultExpiryBatch
	}
	now := s.clock()

	stale, err := s.repo.ListExpired(ctx, now, limit)
	if err != nil {
		return ExpiryReport{}, s.mapRepositoryError(err)
	}

	report := ExpiryReport{Scanned: len(stale)}
	for _, res := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := s.repo.Release(ctx, repositories.InventoryReleaseRequest{
			ReservationID: res.ID,
			Reason:        repositories.ReleaseReasonExpired,
			Now:           now,
			OnlyIfExpired: true,
		})
		if err != nil {
			report.Errors++
			s.logger(ctx, "inventory.expire_failed", map[string]any{"reservationId": res.ID, "error": err.Error()})
			continue
		}
		if result.Changed {
			report.Released++
		} else {
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		s.logger(ctx, eventInventoryExpire, map[string]any{
			"scanned":  report.Scanned,
			"released": report.Released,
			"skipped":  report.Skipped,
			"errors":   report.Errors,
		})
	}
	return report, nil
}

func (s *inventoryService) GetStock(ctx context.Context, productRef string) (Stock, error) {
	ref := strings.TrimSpace(productRef)
	if ref == "" {
		return Stock{}, fmt.Errorf("%w: product ref is required", ErrInventoryInvalidInput)
	}
	stock, err := s.repo.GetStock(ctx, ref)
	if err != nil {
		return Stock{}, s.mapRepositoryError(err)
	}
	return stock, nil
}

// SetStock replaces the physical count for a product, creating the record if needed.
func (s *inventoryService) SetStock(ctx context.Context, productRef string, onHand int) (Stock, error) {
	ref := strings.TrimSpace(productRef)
	if ref == "" {
		return Stock{}, fmt.Errorf("%w: product ref is required", ErrInventoryInvalidInput)
	}
	if onHand < 0 {
		return Stock{}, fmt.Errorf("%w: on hand must be >= 0", ErrInventoryInvalidInput)
	}
	stock, err := s.repo.SetOnHand(ctx, ref, onHand, s.clock())
	if err != nil {
		return Stock{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "inventory.set_stock", map[string]any{"productRef": ref, "onHand": stock.OnHand, "reserved": stock.Reserved})
	return stock, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, invErr.Message)
		case repositories.InventoryErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryReservationNotFound, invErr.Message)
		case repositories.InventoryErrorReservationExpired:
			return fmt.Errorf("%w: %s", ErrInventoryReservationExpired, invErr.Message)
		case repositories.InventoryErrorInvalidReservationState:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidState, invErr.Message)
		case repositories.InventoryErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryStockNotFound, invErr.Message)
		case repositories.InventoryErrorInvalidStockLevel:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}
	if repositories.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrInventoryReservationNotFound, err)
	}

	return fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
}

func ensureReservationID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "rsv_") {
		return id
	}
	return "rsv_" + strings.ToLower(id)
}
