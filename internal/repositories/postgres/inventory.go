package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	reservationColumns = `id, product_ref, quantity, attempt_id, status, release_reason, expires_at, created_at, updated_at`

	lockStockSQL = `
		SELECT on_hand, reserved, updated_at
		FROM stock
		WHERE product_ref=$1
		FOR UPDATE`
	updateStockSQL = `
		UPDATE stock SET on_hand=$2, reserved=$3, updated_at=$4
		WHERE product_ref=$1`
	lockReservationSQL = `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE id=$1
		FOR UPDATE`
	updateReservationSQL = `
		UPDATE reservations SET status=$2, release_reason=$3, updated_at=$4
		WHERE id=$1`
)

// InventoryRepository keeps stock counters in the stock table and holds in reservations. Each mutation
// locks the affected stock row, so concurrent reservations for one product serialise on it.
type InventoryRepository struct {
	pool DBPool
}

// NewInventoryRepository constructs a Postgres-backed inventory ledger.
func NewInventoryRepository(pool DBPool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// Reserve holds stock for a new reservation.
func (r *InventoryRepository) Reserve(ctx context.Context, req repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	res := req.Reservation
	if strings.TrimSpace(res.ID) == "" {
		return repositories.InventoryReserveResult{}, errors.New("inventory reserve: reservation id is required")
	}
	res.Status = domain.ReservationStatusReserved
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = res.CreatedAt
	}

	var result repositories.InventoryReserveResult
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		stock, err := lockStock(ctx, tx, res.ProductRef)
		if err != nil {
			return err
		}
		updated, err := repositories.ReserveStock(stock, res.Quantity, res.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if err := writeStock(ctx, tx, updated); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reservations(`+reservationColumns+`)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, res.ID, res.ProductRef, res.Quantity, res.AttemptID, string(res.Status), res.ReleaseReason,
			res.ExpiresAt.UTC(), res.CreatedAt.UTC(), res.UpdatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", res.ID), err)
			}
			return err
		}
		result = repositories.InventoryReserveResult{Reservation: res, Stock: updated}
		return nil
	})
	if err != nil {
		return repositories.InventoryReserveResult{}, wrapError("inventory.reserve", err)
	}
	return result, nil
}

// Commit converts a hold into a permanent decrement.
func (r *InventoryRepository) Commit(ctx context.Context, req repositories.InventoryCommitRequest) (repositories.InventoryCommitResult, error) {
	var result repositories.InventoryCommitResult
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		res, stock, changed, err := commitReservationTx(ctx, tx, req.ReservationID, req.Now.UTC())
		if err != nil {
			return err
		}
		result = repositories.InventoryCommitResult{Reservation: res, Stock: stock, Changed: changed}
		return nil
	})
	if err != nil {
		return repositories.InventoryCommitResult{}, wrapError("inventory.commit", err)
	}
	return result, nil
}

// Release returns held units to availability.
func (r *InventoryRepository) Release(ctx context.Context, req repositories.InventoryReleaseRequest) (repositories.InventoryReleaseResult, error) {
	now := req.Now.UTC()
	var result repositories.InventoryReleaseResult
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		res, err := lockReservation(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		stock, err := lockStock(ctx, tx, res.ProductRef)
		if err != nil {
			return err
		}
		if req.OnlyIfExpired && (res.Status != domain.ReservationStatusReserved || !res.Expired(now)) {
			result = repositories.InventoryReleaseResult{Reservation: res, Stock: stock}
			return nil
		}
		res, stock, changed, err := repositories.ReleaseReservation(res, stock, req.Reason, now)
		if err != nil {
			return err
		}
		if changed {
			if err := writeStock(ctx, tx, stock); err != nil {
				return err
			}
			if err := writeReservation(ctx, tx, res); err != nil {
				return err
			}
		}
		result = repositories.InventoryReleaseResult{Reservation: res, Stock: stock, Changed: changed}
		return nil
	})
	if err != nil {
		return repositories.InventoryReleaseResult{}, wrapError("inventory.release", err)
	}
	return result, nil
}

// GetReservation loads a reservation by id.
func (r *InventoryRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	id := strings.TrimSpace(reservationID)
	res, err := scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+id, nil).WithOp("inventory.get_reservation")
		}
		return domain.Reservation{}, wrapError("inventory.get_reservation", err)
	}
	return res, nil
}

// ListExpired returns reserved holds whose deadline has passed, oldest first.
func (r *InventoryRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status=$1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, string(domain.ReservationStatusReserved), now.UTC(), limit)
	if err != nil {
		return nil, wrapError("inventory.list_expired", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, wrapError("inventory.list_expired", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("inventory.list_expired", err)
	}
	return out, nil
}

// GetStock reads the stock counters of a product.
func (r *InventoryRepository) GetStock(ctx context.Context, productRef string) (domain.Stock, error) {
	ref := strings.TrimSpace(productRef)
	stock := domain.Stock{ProductRef: ref}
	err := r.pool.QueryRow(ctx, `
		SELECT on_hand, reserved, updated_at
		FROM stock
		WHERE product_ref=$1
	`, ref).Scan(&stock.OnHand, &stock.Reserved, &stock.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Stock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+ref, nil).WithOp("inventory.get_stock").WithProduct(ref)
		}
		return domain.Stock{}, wrapError("inventory.get_stock", err)
	}
	return stock, nil
}

// SetOnHand replaces the physical count, creating the stock row when missing.
func (r *InventoryRepository) SetOnHand(ctx context.Context, productRef string, onHand int, now time.Time) (domain.Stock, error) {
	ref := strings.TrimSpace(productRef)
	var updated domain.Stock
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO stock(product_ref, on_hand, reserved, updated_at)
			VALUES($1, 0, 0, $2)
			ON CONFLICT (product_ref) DO NOTHING
		`, ref, now.UTC())
		if err != nil {
			return err
		}
		stock, err := lockStock(ctx, tx, ref)
		if err != nil {
			return err
		}
		if updated, err = repositories.SetOnHand(stock, onHand, now.UTC()); err != nil {
			return err
		}
		return writeStock(ctx, tx, updated)
	})
	if err != nil {
		return domain.Stock{}, wrapError("inventory.set_on_hand", err)
	}
	return updated, nil
}

// commitReservationTx locks the reservation and its stock row, then applies the commit transition.
func commitReservationTx(ctx context.Context, tx pgx.Tx, reservationID string, now time.Time) (domain.Reservation, domain.Stock, bool, error) {
	res, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return domain.Reservation{}, domain.Stock{}, false, err
	}
	stock, err := lockStock(ctx, tx, res.ProductRef)
	if err != nil {
		return domain.Reservation{}, domain.Stock{}, false, err
	}
	res, stock, changed, err := repositories.CommitReservation(res, stock, now)
	if err != nil {
		return res, stock, false, err
	}
	if changed {
		if err := writeStock(ctx, tx, stock); err != nil {
			return res, stock, false, err
		}
		if err := writeReservation(ctx, tx, res); err != nil {
			return res, stock, false, err
		}
	}
	return res, stock, changed, nil
}

func lockStock(ctx context.Context, tx pgx.Tx, productRef string) (domain.Stock, error) {
	ref := strings.TrimSpace(productRef)
	stock := domain.Stock{ProductRef: ref}
	if err := tx.QueryRow(ctx, lockStockSQL, ref).Scan(&stock.OnHand, &stock.Reserved, &stock.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Stock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+ref, nil).WithProduct(ref)
		}
		return domain.Stock{}, err
	}
	return stock, nil
}

func lockReservation(ctx context.Context, tx pgx.Tx, reservationID string) (domain.Reservation, error) {
	id := strings.TrimSpace(reservationID)
	res, err := scanReservation(tx.QueryRow(ctx, lockReservationSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+id, nil)
		}
		return domain.Reservation{}, err
	}
	return res, nil
}

func writeStock(ctx context.Context, tx pgx.Tx, stock domain.Stock) error {
	_, err := tx.Exec(ctx, updateStockSQL, stock.ProductRef, stock.OnHand, stock.Reserved, stock.UpdatedAt.UTC())
	return err
}

func writeReservation(ctx context.Context, tx pgx.Tx, res domain.Reservation) error {
	_, err := tx.Exec(ctx, updateReservationSQL, res.ID, string(res.Status), res.ReleaseReason, res.UpdatedAt.UTC())
	return err
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
	)
	err := row.Scan(&res.ID, &res.ProductRef, &res.Quantity, &res.AttemptID, &status, &res.ReleaseReason,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return domain.Reservation{}, err
	}
	res.Status = domain.ReservationStatus(status)
	return res, nil
}
