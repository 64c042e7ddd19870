package repositories

import (
	"fmt"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// ReleaseReasonExpired marks reservations released by the stale sweep.
const ReleaseReasonExpired = "expired"

// ReserveStock holds qty units of stock for a new reservation.
func ReserveStock(stock domain.Stock, qty int, now time.Time) (domain.Stock, error) {
	if qty <= 0 {
		return stock, NewInventoryError(InventoryErrorUnknown, fmt.Sprintf("quantity must be positive, got %d", qty), nil).WithProduct(stock.ProductRef)
	}
	if stock.Available() < qty {
		msg := fmt.Sprintf("product %s has %d available, requested %d", stock.ProductRef, stock.Available(), qty)
		return stock, NewInventoryError(InventoryErrorInsufficientStock, msg, nil).WithProduct(stock.ProductRef)
	}
	stock.Reserved += qty
	stock.UpdatedAt = now
	return stock, nil
}

// CommitReservation converts a hold into a permanent decrement. A reservation that is already
// committed is returned unchanged with changed=false.
func CommitReservation(res domain.Reservation, stock domain.Stock, now time.Time) (domain.Reservation, domain.Stock, bool, error) {
	if res.ProductRef != stock.ProductRef {
		return res, stock, false, NewInventoryError(InventoryErrorUnknown, fmt.Sprintf("reservation %s does not belong to product %s", res.ID, stock.ProductRef), nil)
	}
	switch res.Status {
	case domain.ReservationStatusCommitted:
		return res, stock, false, nil
	case domain.ReservationStatusReleased:
		if res.ReleaseReason == ReleaseReasonExpired {
			return res, stock, false, NewInventoryError(InventoryErrorReservationExpired, fmt.Sprintf("reservation %s expired", res.ID), nil).WithProduct(res.ProductRef)
		}
		return res, stock, false, NewInventoryError(InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already released", res.ID), nil).WithProduct(res.ProductRef)
	case domain.ReservationStatusReserved:
	default:
		return res, stock, false, NewInventoryError(InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s has unknown status %q", res.ID, res.Status), nil)
	}

	if res.Expired(now) {
		return res, stock, false, NewInventoryError(InventoryErrorReservationExpired, fmt.Sprintf("reservation %s expired at %s", res.ID, res.ExpiresAt.Format(time.RFC3339)), nil).WithProduct(res.ProductRef)
	}

	stock.OnHand -= res.Quantity
	stock.Reserved -= res.Quantity
	if stock.Reserved < 0 {
		stock.Reserved = 0
	}
	stock.UpdatedAt = now

	res.Status = domain.ReservationStatusCommitted
	res.UpdatedAt = now
	return res, stock, true, nil
}

// ReleaseReservation returns held units to availability. Releasing an already released reservation is
// a no-op; releasing a committed one is refused.
func ReleaseReservation(res domain.Reservation, stock domain.Stock, reason string, now time.Time) (domain.Reservation, domain.Stock, bool, error) {
	if res.ProductRef != stock.ProductRef {
		return res, stock, false, NewInventoryError(InventoryErrorUnknown, fmt.Sprintf("reservation %s does not belong to product %s", res.ID, stock.ProductRef), nil)
	}
	switch res.Status {
	case domain.ReservationStatusReleased:
		return res, stock, false, nil
	case domain.ReservationStatusCommitted:
		return res, stock, false, NewInventoryError(InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already committed", res.ID), nil).WithProduct(res.ProductRef)
	}

	stock.Reserved -= res.Quantity
	if stock.Reserved < 0 {
		stock.Reserved = 0
	}
	stock.UpdatedAt = now

	res.Status = domain.ReservationStatusReleased
	res.ReleaseReason = reason
	res.UpdatedAt = now
	return res, stock, true, nil
}

// SetOnHand replaces the physical count while keeping it at or above the reserved quantity.
func SetOnHand(stock domain.Stock, onHand int, now time.Time) (domain.Stock, error) {
	if onHand < 0 || onHand < stock.Reserved {
		msg := fmt.Sprintf("on hand %d below reserved %d for %s", onHand, stock.Reserved, stock.ProductRef)
		return stock, NewInventoryError(InventoryErrorInvalidStockLevel, msg, nil).WithProduct(stock.ProductRef)
	}
	stock.OnHand = onHand
	stock.UpdatedAt = now
	return stock, nil
}
