package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) Reserve(_ context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res := req.Reservation
	if _, exists := r.s.reservations[res.ID]; exists {
		return repositories.InventoryReserveResult{}, conflict("inventory.reserve", "reservation %q already exists", res.ID)
	}
	stock, ok := r.s.stocks[res.ProductRef]
	if !ok {
		return repositories.InventoryReserveResult{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+res.ProductRef, nil).WithOp("inventory.reserve").WithProduct(res.ProductRef)
	}

	updated, err := repositories.ReserveStock(stock, res.Quantity, res.CreatedAt)
	if err != nil {
		return repositories.InventoryReserveResult{}, err
	}

	res.Status = domain.ReservationStatusReserved
	r.s.stocks[res.ProductRef] = updated
	r.s.reservations[res.ID] = res
	return repositories.InventoryReserveResult{Reservation: res, Stock: updated}, nil
}

func (r inventoryRepository) Commit(_ context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, stock, changed, err := r.s.commitReservationLocked(req.ReservationID, req.Now)
	if err != nil {
		return repositories.InventoryCommitResult{}, err
	}
	return repositories.InventoryCommitResult{Reservation: res, Stock: stock, Changed: changed}, nil
}

func (r inventoryRepository) Release(_ context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.reservations[req.ReservationID]
	if !ok {
		return repositories.InventoryReleaseResult{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+req.ReservationID, nil).WithOp("inventory.release")
	}
	stock := r.s.stocks[res.ProductRef]
	if req.OnlyIfExpired && (res.Status != domain.ReservationStatusReserved || !res.Expired(req.Now)) {
		return repositories.InventoryReleaseResult{Reservation: res, Stock: stock}, nil
	}

	res, stock, changed, err := repositories.ReleaseReservation(res, stock, req.Reason, req.Now)
	if err != nil {
		return repositories.InventoryReleaseResult{}, err
	}
	if changed {
		r.s.reservations[res.ID] = res
		r.s.stocks[res.ProductRef] = stock
	}
	return repositories.InventoryReleaseResult{Reservation: res, Stock: stock, Changed: changed}, nil
}

func (r inventoryRepository) GetReservation(_ context.Context, reservationID string) (domain.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, ok := r.s.reservations[strings.TrimSpace(reservationID)]
	if !ok {
		return domain.Reservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+reservationID, nil).WithOp("inventory.get_reservation")
	}
	return res, nil
}

func (r inventoryRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.Reservation, 0)
	for _, res := range r.s.reservations {
		if res.Status == domain.ReservationStatusReserved && res.Expired(now) {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r inventoryRepository) GetStock(_ context.Context, productRef string) (domain.Stock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stock, ok := r.s.stocks[strings.TrimSpace(productRef)]
	if !ok {
		return domain.Stock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+productRef, nil).WithOp("inventory.get_stock").WithProduct(productRef)
	}
	return stock, nil
}

func (r inventoryRepository) SetOnHand(_ context.Context, productRef string, onHand int, now time.Time) (domain.Stock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ref := strings.TrimSpace(productRef)
	stock, ok := r.s.stocks[ref]
	if !ok {
		stock = domain.Stock{ProductRef: ref}
	}
	updated, err := repositories.SetOnHand(stock, onHand, now)
	if err != nil {
		return domain.Stock{}, err
	}
	r.s.stocks[ref] = updated
	return updated, nil
}

// commitReservationLocked must be called with s.mu held.
func (s *Store) commitReservationLocked(reservationID string, now time.Time) (domain.Reservation, domain.Stock, bool, error) {
	res, ok := s.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, domain.Stock{}, false, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+reservationID, nil).WithOp("inventory.commit")
	}
	stock, ok := s.stocks[res.ProductRef]
	if !ok {
		return domain.Reservation{}, domain.Stock{}, false, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+res.ProductRef, nil).WithOp("inventory.commit").WithProduct(res.ProductRef)
	}
	res, stock, changed, err := repositories.CommitReservation(res, stock, now)
	if err != nil {
		return domain.Reservation{}, domain.Stock{}, false, err
	}
	if changed {
		s.reservations[res.ID] = res
		s.stocks[res.ProductRef] = stock
	}
	return res, stock, changed, nil
}
