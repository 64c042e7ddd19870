package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/reconciler/internal/domain"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// InventoryRepository keeps stock counters in the inventory collection and holds in stockReservations.
// Every mutation runs in a transaction that reads the product's stock document, so concurrent
// reservations for one product serialise on it.
type InventoryRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.Collection[stockDocument]
	reservations *pfirestore.Collection[reservationDocument]
}

// NewInventoryRepository constructs a Firestore-backed inventory ledger.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		provider:     provider,
		stocks:       pfirestore.NewCollection[stockDocument](provider, stocksCollection),
		reservations: pfirestore.NewCollection[reservationDocument](provider, reservationsCollection),
	}, nil
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// Reserve holds stock for a new reservation.
func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	res := req.Reservation
	if strings.TrimSpace(res.ID) == "" {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: reservation id is required")
	}
	res.Status = domain.ReservationStatusReserved

	var result repositories.InventoryReserveResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, found, err := r.reservations.GetTx(ctx, tx, res.ID); err != nil {
			return err
		} else if found {
			return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", res.ID), nil)
		}
		stock, err := r.stockTx(ctx, tx, res.ProductRef)
		if err != nil {
			return err
		}
		updated, err := repositories.ReserveStock(stock, res.Quantity, res.CreatedAt)
		if err != nil {
			return err
		}
		if err := r.stocks.SetTx(ctx, tx, res.ProductRef, newStockDocument(updated)); err != nil {
			return err
		}
		if err := r.reservations.CreateTx(ctx, tx, res.ID, newReservationDocument(res)); err != nil {
			return err
		}
		result = repositories.InventoryReserveResult{Reservation: res, Stock: updated}
		return nil
	})
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

// Commit converts a hold into a permanent decrement.
func (r *InventoryRepository) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	var result repositories.InventoryCommitResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res, err := r.reservationTx(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		stock, err := r.stockTx(ctx, tx, res.ProductRef)
		if err != nil {
			return err
		}
		res, stock, changed, err := repositories.CommitReservation(res, stock, req.Now.UTC())
		if err != nil {
			return err
		}
		if changed {
			if err := r.stocks.SetTx(ctx, tx, res.ProductRef, newStockDocument(stock)); err != nil {
				return err
			}
			if err := r.reservations.SetTx(ctx, tx, res.ID, newReservationDocument(res)); err != nil {
				return err
			}
		}
		result = repositories.InventoryCommitResult{Reservation: res, Stock: stock, Changed: changed}
		return nil
	})
	if err != nil {
		return repositories.InventoryCommitResult{}, wrapInventoryError("inventory.commit", err)
	}
	return result, nil
}

// Release returns held units to availability.
func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	var result repositories.InventoryReleaseResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		res, err := r.reservationTx(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		stock, err := r.stockTx(ctx, tx, res.ProductRef)
		if err != nil {
			return err
		}
		if req.OnlyIfExpired && (res.Status != domain.ReservationStatusReserved || !res.Expired(req.Now)) {
			result = repositories.InventoryReleaseResult{Reservation: res, Stock: stock}
			return nil
		}
		res, stock, changed, err := repositories.ReleaseReservation(res, stock, req.Reason, req.Now.UTC())
		if err != nil {
			return err
		}
		if changed {
			if err := r.stocks.SetTx(ctx, tx, res.ProductRef, newStockDocument(stock)); err != nil {
				return err
			}
			if err := r.reservations.SetTx(ctx, tx, res.ID, newReservationDocument(res)); err != nil {
				return err
			}
		}
		result = repositories.InventoryReleaseResult{Reservation: res, Stock: stock, Changed: changed}
		return nil
	})
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapInventoryError("inventory.release", err)
	}
	return result, nil
}

// GetReservation loads a reservation by id.
func (r *InventoryRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	id := strings.TrimSpace(reservationID)
	doc, err := r.reservations.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Reservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+id, err).WithOp("inventory.get_reservation")
		}
		return domain.Reservation{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListExpired returns reserved holds whose deadline has passed, oldest first. Requires the composite
// index (status ASC, expiresAt ASC).
func (r *InventoryRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	docs, err := r.reservations.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.ReservationStatusReserved)).
			Where("expiresAt", "<=", now.UTC()).
			OrderBy("expiresAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Reservation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

// GetStock reads the stock counters of a product.
func (r *InventoryRepository) GetStock(ctx context.Context, productRef string) (domain.Stock, error) {
	ref := strings.TrimSpace(productRef)
	doc, err := r.stocks.Get(ctx, ref)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Stock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+ref, err).WithOp("inventory.get_stock").WithProduct(ref)
		}
		return domain.Stock{}, err
	}
	return doc.Data.toDomain(ref), nil
}

// SetOnHand replaces the physical count, creating the stock document when missing.
func (r *InventoryRepository) SetOnHand(ctx context.Context, productRef string, onHand int, now time.Time) (domain.Stock, error) {
	ref := strings.TrimSpace(productRef)
	var updated domain.Stock
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := r.stocks.GetTx(ctx, tx, ref)
		if err != nil {
			return err
		}
		stock := domain.Stock{ProductRef: ref}
		if found {
			stock = doc.Data.toDomain(ref)
		}
		updated, err = repositories.SetOnHand(stock, onHand, now.UTC())
		if err != nil {
			return err
		}
		return r.stocks.SetTx(ctx, tx, ref, newStockDocument(updated))
	})
	if err != nil {
		return domain.Stock{}, wrapInventoryError("inventory.set_on_hand", err)
	}
	return updated, nil
}

func (r *InventoryRepository) stockTx(ctx context.Context, tx *firestore.Transaction, productRef string) (domain.Stock, error) {
	ref := strings.TrimSpace(productRef)
	doc, found, err := r.stocks.GetTx(ctx, tx, ref)
	if err != nil {
		return domain.Stock{}, err
	}
	if !found {
		return domain.Stock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+ref, nil).WithProduct(ref)
	}
	return doc.Data.toDomain(ref), nil
}

func (r *InventoryRepository) reservationTx(ctx context.Context, tx *firestore.Transaction, reservationID string) (domain.Reservation, error) {
	id := strings.TrimSpace(reservationID)
	doc, found, err := r.reservations.GetTx(ctx, tx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !found {
		return domain.Reservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+id, nil)
	}
	return doc.Data.toDomain(id), nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
