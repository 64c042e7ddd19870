package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	orderColumns = `id, owner_key, attempt_id, idempotency_key, lines, shipping, payment_method, currency,
		items_total, shipping_fee, tax, grand_total, rule_version, payment_state, fulfillment_state,
		external_payment_ref, created_at, updated_at, paid_at, cancelled_at`

	idempotencyKeyConstraint = "orders_idempotency_key_key"
	attemptConstraint        = "orders_attempt_id_key"
)

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OrderRepository stores orders. Unique constraints on idempotency_key, attempt_id and
// external_payment_ref enforce at most one order per key, per checkout attempt and per gateway payment.
type OrderRepository struct {
	pool DBPool
}

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(pool DBPool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Commit runs the order placement transaction. Reservation rows are locked in id order.
func (r *OrderRepository) Commit(ctx context.Context, req repositories.OrderCommitRequest) (repositories.OrderCommitResult, error) {
	order := req.Order
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.IdempotencyKey) == "" {
		return repositories.OrderCommitResult{}, errors.New("order commit: order id and idempotency key are required")
	}
	now := req.Now.UTC()
	ids := slices.Clone(req.ReservationIDs)
	slices.Sort(ids)

	var result repositories.OrderCommitResult
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := findOrder(ctx, tx, "idempotency_key", order.IdempotencyKey)
		switch {
		case err == nil:
			result = repositories.OrderCommitResult{Order: existing, Created: false}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		if attemptID := strings.TrimSpace(order.AttemptID); attemptID != "" {
			existing, err := findOrder(ctx, tx, "attempt_id", attemptID)
			switch {
			case err == nil:
				result = repositories.OrderCommitResult{Order: existing, Created: false}
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		for _, id := range slices.Compact(ids) {
			if _, _, _, err := commitReservationTx(ctx, tx, id, now); err != nil {
				return err
			}
		}
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}
		if owner := strings.TrimSpace(req.CartOwnerKey); owner != "" {
			if err := settleCartTx(ctx, tx, owner, order.Lines, now); err != nil {
				return err
			}
		}
		result = repositories.OrderCommitResult{Order: order, Created: true}
		return nil
	})
	if err != nil {
		// A concurrent commit for the same key or attempt won; report its order.
		switch {
		case constraintViolated(err, idempotencyKeyConstraint):
			if winner, findErr := r.FindByIdempotencyKey(ctx, order.IdempotencyKey); findErr == nil {
				return repositories.OrderCommitResult{Order: winner, Created: false}, nil
			}
		case constraintViolated(err, attemptConstraint):
			if winner, findErr := findOrder(ctx, r.pool, "attempt_id", strings.TrimSpace(order.AttemptID)); findErr == nil {
				return repositories.OrderCommitResult{Order: winner, Created: false}, nil
			}
		}
		return repositories.OrderCommitResult{}, wrapError("order.commit", err)
	}
	return result, nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := findOrder(ctx, r.pool, "id", strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, wrapError("order.find", err)
	}
	return order, nil
}

// FindByIdempotencyKey loads the order created for key.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	order, err := findOrder(ctx, r.pool, "idempotency_key", key)
	if err != nil {
		return domain.Order{}, wrapError("order.find_by_key", err)
	}
	return order, nil
}

// FindByAttempt loads the order placed for a checkout attempt.
func (r *OrderRepository) FindByAttempt(ctx context.Context, attemptID string) (domain.Order, error) {
	order, err := findOrder(ctx, r.pool, "attempt_id", strings.TrimSpace(attemptID))
	if err != nil {
		return domain.Order{}, wrapError("order.find_by_attempt", err)
	}
	return order, nil
}

// ListByOwner pages through an owner's orders newest first.
func (r *OrderRepository) ListByOwner(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	size := pagination.Size(filter.Pagination.PageSize)
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	var rows pgx.Rows
	if cursor.IsZero() {
		rows, err = r.pool.Query(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE owner_key=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, filter.OwnerKey, size+1)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE owner_key=$1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, filter.OwnerKey, cursor.CreatedAt.UTC(), cursor.ID, size+1)
	}
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("order.list", err)
	}
	defer rows.Close()

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, size)}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapError("order.list", err)
		}
		page.Items = append(page.Items, order)
	}
	if err := rows.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("order.list", err)
	}
	if len(page.Items) > size {
		page.Items = page.Items[:size]
		last := page.Items[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// UpdateStates persists payment and fulfilment transitions. A payment reference may be attached once.
func (r *OrderRepository) UpdateStates(ctx context.Context, order domain.Order) (domain.Order, error) {
	var saved domain.Order
	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		existing, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, order.ID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repositories.NewStoreError("order.update", repositories.ErrNotFound, fmt.Errorf("order %q not found", order.ID))
			}
			return err
		}
		if ref := strings.TrimSpace(order.ExternalPaymentRef); ref != "" && ref != existing.ExternalPaymentRef {
			if existing.ExternalPaymentRef != "" {
				return repositories.NewStoreError("order.update", repositories.ErrConflict, fmt.Errorf("order %q already has payment reference", order.ID))
			}
			existing.ExternalPaymentRef = ref
		}
		existing.PaymentState = order.PaymentState
		existing.FulfillmentState = order.FulfillmentState
		existing.PaidAt = utcPtr(order.PaidAt)
		existing.CancelledAt = utcPtr(order.CancelledAt)
		existing.UpdatedAt = order.UpdatedAt.UTC()

		_, err = tx.Exec(ctx, `
			UPDATE orders SET
				payment_state=$2,
				fulfillment_state=$3,
				external_payment_ref=$4,
				paid_at=$5,
				cancelled_at=$6,
				updated_at=$7
			WHERE id=$1
		`, existing.ID, string(existing.PaymentState), string(existing.FulfillmentState),
			nullableText(existing.ExternalPaymentRef), existing.PaidAt, existing.CancelledAt, existing.UpdatedAt)
		if err != nil {
			return err
		}
		saved = existing
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapError("order.update", err)
	}
	return saved, nil
}

func findOrder(ctx context.Context, q queryRower, column, value string) (domain.Order, error) {
	return scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+`=$1`, value))
}

// settleCartTx removes the ordered quantities from the owner's cart, deleting the row once it is empty.
func settleCartTx(ctx context.Context, tx pgx.Tx, owner string, purchased []domain.OrderLine, now time.Time) error {
	var raw []byte
	err := tx.QueryRow(ctx, `SELECT lines FROM carts WHERE owner_key=$1 FOR UPDATE`, owner).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	lines, err := decodeCartLines(raw)
	if err != nil {
		return err
	}
	settled, keep := repositories.SettleCart(domain.Cart{OwnerKey: owner, Lines: lines}, purchased, now)
	if !keep {
		_, err = tx.Exec(ctx, `DELETE FROM carts WHERE owner_key=$1`, owner)
		return err
	}
	encoded, err := encodeCartLines(settled.Lines)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE carts SET lines=$2, updated_at=$3 WHERE owner_key=$1`, owner, encoded, now)
	return err
}

func insertOrder(ctx context.Context, tx pgx.Tx, order domain.Order) error {
	lines, err := encodeOrderLines(order.Lines)
	if err != nil {
		return err
	}
	shipping, err := json.Marshal(addressJSON(order.ShippingDestination))
	if err != nil {
		return fmt.Errorf("encode shipping destination: %w", err)
	}
	t := order.Totals
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(`+orderColumns+`)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, order.ID, order.OwnerKey, order.AttemptID, order.IdempotencyKey, lines, shipping, string(order.PaymentMethod),
		t.Currency, t.ItemsTotal, t.ShippingFee, t.Tax, t.GrandTotal, t.RuleVersion,
		string(order.PaymentState), string(order.FulfillmentState), nullableText(order.ExternalPaymentRef),
		order.CreatedAt.UTC(), order.UpdatedAt.UTC(), utcPtr(order.PaidAt), utcPtr(order.CancelledAt))
	return err
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order       domain.Order
		lines       []byte
		shipping    []byte
		method      string
		paymentSt   string
		fulfilment  string
		externalRef *string
	)
	err := row.Scan(&order.ID, &order.OwnerKey, &order.AttemptID, &order.IdempotencyKey, &lines, &shipping, &method,
		&order.Totals.Currency, &order.Totals.ItemsTotal, &order.Totals.ShippingFee, &order.Totals.Tax,
		&order.Totals.GrandTotal, &order.Totals.RuleVersion, &paymentSt, &fulfilment, &externalRef,
		&order.CreatedAt, &order.UpdatedAt, &order.PaidAt, &order.CancelledAt)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Lines, err = decodeOrderLines(lines); err != nil {
		return domain.Order{}, err
	}
	var addr addressJSON
	if err := unmarshal("shipping destination", shipping, &addr); err != nil {
		return domain.Order{}, err
	}
	order.ShippingDestination = domain.Address(addr)
	order.PaymentMethod = domain.PaymentMethod(method)
	order.PaymentState = domain.PaymentState(paymentSt)
	order.FulfillmentState = domain.FulfillmentState(fulfilment)
	if externalRef != nil {
		order.ExternalPaymentRef = *externalRef
	}
	return order, nil
}

func constraintViolated(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == constraint
}

// AttemptRepository stores checkout attempts as JSONB with the sweep columns broken out.
type AttemptRepository struct {
	pool DBPool
}

// NewAttemptRepository constructs a Postgres-backed checkout attempt repository.
func NewAttemptRepository(pool DBPool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

var _ repositories.CheckoutAttemptRepository = (*AttemptRepository)(nil)

// Insert creates the attempt; an existing id is a conflict.
func (r *AttemptRepository) Insert(ctx context.Context, attempt domain.CheckoutAttempt) error {
	data, err := encodeAttempt(attempt)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO checkout_attempts(id, owner_key, state, abandon_at, data, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
	`, attempt.ID, attempt.OwnerKey, string(attempt.State), attempt.AbandonAt.UTC(), data,
		attempt.CreatedAt.UTC(), attempt.UpdatedAt.UTC())
	return wrapError("attempt.insert", err)
}

// Get loads an attempt.
func (r *AttemptRepository) Get(ctx context.Context, attemptID string) (domain.CheckoutAttempt, error) {
	id := strings.TrimSpace(attemptID)
	var data []byte
	if err := r.pool.QueryRow(ctx, `SELECT data FROM checkout_attempts WHERE id=$1`, id).Scan(&data); err != nil {
		return domain.CheckoutAttempt{}, wrapError("attempt.get", err)
	}
	return decodeAttempt(id, data)
}

// Update overwrites an existing attempt.
func (r *AttemptRepository) Update(ctx context.Context, attempt domain.CheckoutAttempt) error {
	data, err := encodeAttempt(attempt)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE checkout_attempts SET owner_key=$2, state=$3, abandon_at=$4, data=$5, updated_at=$6
		WHERE id=$1
	`, attempt.ID, attempt.OwnerKey, string(attempt.State), attempt.AbandonAt.UTC(), data, attempt.UpdatedAt.UTC())
	if err != nil {
		return wrapError("attempt.update", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewStoreError("attempt.update", repositories.ErrNotFound, fmt.Errorf("attempt %q not found", attempt.ID))
	}
	return nil
}

// ListAwaitingPayment returns online attempts whose abandon deadline is at or before abandonBefore.
func (r *AttemptRepository) ListAwaitingPayment(ctx context.Context, abandonBefore time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listAttempts(ctx, "attempt.list_awaiting", `
		SELECT id, data
		FROM checkout_attempts
		WHERE state=$1 AND abandon_at <= $2
		ORDER BY abandon_at ASC
		LIMIT $3
	`, string(domain.AttemptStateAwaitingOnlinePayment), abandonBefore.UTC(), limit)
}

// ListStalled returns transient attempts last updated at or before updatedBefore.
func (r *AttemptRepository) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listAttempts(ctx, "attempt.list_stalled", `
		SELECT id, data
		FROM checkout_attempts
		WHERE state = ANY($1) AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, domain.StalledAttemptStates.Strings(), updatedBefore.UTC(), limit)
}

func (r *AttemptRepository) listAttempts(ctx context.Context, op, query string, args ...any) ([]domain.CheckoutAttempt, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer rows.Close()

	var out []domain.CheckoutAttempt
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, wrapError(op, err)
		}
		attempt, err := decodeAttempt(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}
	return out, nil
}
