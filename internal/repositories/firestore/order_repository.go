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
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

// OrderRepository stores orders plus marker collections that make the idempotency key, the checkout
// attempt and the external payment reference unique.
type OrderRepository struct {
	provider    *pfirestore.Provider
	orders      *pfirestore.Collection[orderDocument]
	keys        *pfirestore.Collection[markerDocument]
	attempts    *pfirestore.Collection[markerDocument]
	paymentRefs *pfirestore.Collection[markerDocument]
	carts       *pfirestore.Collection[cartDocument]
	inventory   *InventoryRepository
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider, inventory *InventoryRepository) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	if inventory == nil {
		return nil, errors.New("order repository requires inventory repository")
	}
	return &OrderRepository{
		provider:    provider,
		orders:      pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		keys:        pfirestore.NewCollection[markerDocument](provider, orderKeysCollection),
		attempts:    pfirestore.NewCollection[markerDocument](provider, orderAttemptsCollection),
		paymentRefs: pfirestore.NewCollection[markerDocument](provider, paymentRefsCollection),
		carts:       pfirestore.NewCollection[cartDocument](provider, cartsCollection),
		inventory:   inventory,
	}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Commit runs the order placement transaction. All reads happen before the first write as Firestore
// requires.
func (r *OrderRepository) Commit(ctx context.Context, req repositories.OrderCommitRequest) (repositories.OrderCommitResult, error) {
	order := req.Order
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.IdempotencyKey) == "" {
		return repositories.OrderCommitResult{}, errors.New("order commit: order id and idempotency key are required")
	}
	now := req.Now.UTC()

	var result repositories.OrderCommitResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		keyID := markerID(order.IdempotencyKey)
		marker, found, err := r.keys.GetTx(ctx, tx, keyID)
		if err != nil {
			return err
		}
		if found {
			return r.existingTx(ctx, tx, marker.Data, &result)
		}
		attemptID := ""
		if id := strings.TrimSpace(order.AttemptID); id != "" {
			attemptID = markerID(id)
			placed, found, err := r.attempts.GetTx(ctx, tx, attemptID)
			if err != nil {
				return err
			}
			if found {
				return r.existingTx(ctx, tx, placed.Data, &result)
			}
		}

		if _, exists, err := r.orders.GetTx(ctx, tx, order.ID); err != nil {
			return err
		} else if exists {
			return repositories.NewStoreError("order.commit", repositories.ErrConflict, fmt.Errorf("order %q already exists", order.ID))
		}

		refID := ""
		if ref := strings.TrimSpace(order.ExternalPaymentRef); ref != "" {
			refID = markerID(ref)
			holder, taken, err := r.paymentRefs.GetTx(ctx, tx, refID)
			if err != nil {
				return err
			}
			if taken && holder.Data.OrderID != order.ID {
				return repositories.NewStoreError("order.commit", repositories.ErrConflict, repositories.ErrPaymentRefTaken)
			}
		}

		var cart *pfirestore.Document[cartDocument]
		owner := strings.TrimSpace(req.CartOwnerKey)
		if owner != "" {
			doc, found, err := r.carts.GetTx(ctx, tx, owner)
			if err != nil {
				return err
			}
			if found {
				cart = &doc
			}
		}

		staged := make([]domain.Reservation, 0, len(req.ReservationIDs))
		stocks := make(map[string]domain.Stock)
		for _, id := range req.ReservationIDs {
			res, err := r.inventory.reservationTx(ctx, tx, id)
			if err != nil {
				return err
			}
			stock, ok := stocks[res.ProductRef]
			if !ok {
				if stock, err = r.inventory.stockTx(ctx, tx, res.ProductRef); err != nil {
					return err
				}
			}
			committed, updated, _, err := repositories.CommitReservation(res, stock, now)
			if err != nil {
				return err
			}
			staged = append(staged, committed)
			stocks[res.ProductRef] = updated
		}

		for _, res := range staged {
			if err := r.inventory.reservations.SetTx(ctx, tx, res.ID, newReservationDocument(res)); err != nil {
				return err
			}
		}
		for ref, stock := range stocks {
			if err := r.inventory.stocks.SetTx(ctx, tx, ref, newStockDocument(stock)); err != nil {
				return err
			}
		}
		if err := r.orders.CreateTx(ctx, tx, order.ID, newOrderDocument(order)); err != nil {
			return err
		}
		if err := r.keys.CreateTx(ctx, tx, keyID, markerDocument{Value: order.IdempotencyKey, OrderID: order.ID, CreatedAt: now}); err != nil {
			return err
		}
		if refID != "" {
			if err := r.paymentRefs.CreateTx(ctx, tx, refID, markerDocument{Value: order.ExternalPaymentRef, OrderID: order.ID, CreatedAt: now}); err != nil {
				return err
			}
		}
		if attemptID != "" {
			if err := r.attempts.CreateTx(ctx, tx, attemptID, markerDocument{Value: order.AttemptID, OrderID: order.ID, CreatedAt: now}); err != nil {
				return err
			}
		}
		if cart != nil {
			settled, keep := repositories.SettleCart(cart.Data.toDomain(owner), order.Lines, now)
			if keep {
				if err := r.carts.SetTx(ctx, tx, owner, newCartDocument(settled)); err != nil {
					return err
				}
			} else if err := r.carts.DeleteTx(ctx, tx, owner); err != nil {
				return err
			}
		}
		result = repositories.OrderCommitResult{Order: order, Created: true}
		return nil
	})
	if err != nil {
		return repositories.OrderCommitResult{}, wrapInventoryError("order.commit", err)
	}
	return result, nil
}

// existingTx loads the order a marker points at and reports it as already placed.
func (r *OrderRepository) existingTx(ctx context.Context, tx *firestore.Transaction, marker markerDocument, result *repositories.OrderCommitResult) error {
	existing, ok, err := r.orders.GetTx(ctx, tx, marker.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		return repositories.NewStoreError("order.commit", repositories.ErrConflict, fmt.Errorf("marker %q points at missing order %s", marker.Value, marker.OrderID))
	}
	*result = repositories.OrderCommitResult{Order: existing.Data.toDomain(existing.ID), Created: false}
	return nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIdempotencyKey resolves the key marker and loads its order from one snapshot.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return r.findByMarker(ctx, "order.find_by_key", r.keys, key)
}

// FindByAttempt loads the order placed for a checkout attempt.
func (r *OrderRepository) FindByAttempt(ctx context.Context, attemptID string) (domain.Order, error) {
	return r.findByMarker(ctx, "order.find_by_attempt", r.attempts, strings.TrimSpace(attemptID))
}

func (r *OrderRepository) findByMarker(ctx context.Context, op string, markers *pfirestore.Collection[markerDocument], value string) (domain.Order, error) {
	var order domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		marker, found, err := markers.GetTx(ctx, tx, markerID(value))
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewStoreError(op, repositories.ErrNotFound, fmt.Errorf("no order for %q", value))
		}
		doc, found, err := r.orders.GetTx(ctx, tx, marker.Data.OrderID)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewStoreError(op, repositories.ErrNotFound, fmt.Errorf("order %q not found", marker.Data.OrderID))
		}
		order = doc.Data.toDomain(doc.ID)
		return nil
	}, pfirestore.ReadOnly())
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// ListByOwner pages through an owner's orders newest first. Requires the composite index
// (ownerKey ASC, createdAt DESC, __name__ DESC).
func (r *OrderRepository) ListByOwner(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	size := pagination.Size(filter.Pagination.PageSize)
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerKey", "==", filter.OwnerKey).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
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

// UpdateStates persists payment and fulfilment transitions. A newly attached payment reference claims
// its marker in the same transaction.
func (r *OrderRepository) UpdateStates(ctx context.Context, order domain.Order) (domain.Order, error) {
	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := r.orders.GetTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewStoreError("order.update", repositories.ErrNotFound, fmt.Errorf("order %q not found", order.ID))
		}
		existing := doc.Data

		newRef := ""
		if ref := strings.TrimSpace(order.ExternalPaymentRef); ref != "" && ref != existing.ExternalPaymentRef {
			if existing.ExternalPaymentRef != "" {
				return repositories.NewStoreError("order.update", repositories.ErrConflict, fmt.Errorf("order %q already has payment reference", order.ID))
			}
			holder, taken, err := r.paymentRefs.GetTx(ctx, tx, markerID(ref))
			if err != nil {
				return err
			}
			if taken && holder.Data.OrderID != order.ID {
				return repositories.NewStoreError("order.update", repositories.ErrConflict, repositories.ErrPaymentRefTaken)
			}
			newRef = ref
			existing.ExternalPaymentRef = ref
		}

		existing.PaymentState = string(order.PaymentState)
		existing.FulfillmentState = string(order.FulfillmentState)
		existing.PaidAt = utcPtr(order.PaidAt)
		existing.CancelledAt = utcPtr(order.CancelledAt)
		existing.UpdatedAt = order.UpdatedAt.UTC()

		if err := r.orders.SetTx(ctx, tx, order.ID, existing); err != nil {
			return err
		}
		if newRef != "" {
			if err := r.paymentRefs.CreateTx(ctx, tx, markerID(newRef), markerDocument{Value: newRef, OrderID: order.ID, CreatedAt: existing.UpdatedAt}); err != nil {
				return err
			}
		}
		saved = existing.toDomain(order.ID)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("order.update", err)
	}
	return saved, nil
}

// AttemptRepository stores checkout attempts.
type AttemptRepository struct {
	provider *pfirestore.Provider
	attempts *pfirestore.Collection[attemptDocument]
}

// NewAttemptRepository constructs a Firestore-backed checkout attempt repository.
func NewAttemptRepository(provider *pfirestore.Provider) (*AttemptRepository, error) {
	if provider == nil {
		return nil, errors.New("attempt repository requires firestore provider")
	}
	return &AttemptRepository{
		provider: provider,
		attempts: pfirestore.NewCollection[attemptDocument](provider, checkoutAttemptsCollect),
	}, nil
}

var _ repositories.CheckoutAttemptRepository = (*AttemptRepository)(nil)

// Insert creates the attempt; an existing id is a conflict.
func (r *AttemptRepository) Insert(ctx context.Context, attempt domain.CheckoutAttempt) error {
	return r.attempts.Create(ctx, attempt.ID, newAttemptDocument(attempt))
}

// Get loads an attempt.
func (r *AttemptRepository) Get(ctx context.Context, attemptID string) (domain.CheckoutAttempt, error) {
	doc, err := r.attempts.Get(ctx, strings.TrimSpace(attemptID))
	if err != nil {
		return domain.CheckoutAttempt{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Update overwrites an existing attempt.
func (r *AttemptRepository) Update(ctx context.Context, attempt domain.CheckoutAttempt) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, found, err := r.attempts.GetTx(ctx, tx, attempt.ID); err != nil {
			return err
		} else if !found {
			return repositories.NewStoreError("attempt.update", repositories.ErrNotFound, fmt.Errorf("attempt %q not found", attempt.ID))
		}
		return r.attempts.SetTx(ctx, tx, attempt.ID, newAttemptDocument(attempt))
	})
	return pfirestore.WrapError("attempt.update", err)
}

// ListAwaitingPayment returns online attempts whose abandon deadline is at or before abandonBefore.
// Requires the composite index (state ASC, abandonAt ASC).
func (r *AttemptRepository) ListAwaitingPayment(ctx context.Context, abandonBefore time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	docs, err := r.attempts.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("state", "==", string(domain.AttemptStateAwaitingOnlinePayment)).
			Where("abandonAt", "<=", abandonBefore.UTC()).
			OrderBy("abandonAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CheckoutAttempt, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

// ListStalled returns transient attempts last updated at or before updatedBefore. Requires the composite
// index (state ASC, updatedAt ASC).
func (r *AttemptRepository) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	docs, err := r.attempts.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("state", "in", domain.StalledAttemptStates.Strings()).
			Where("updatedAt", "<=", updatedBefore.UTC()).
			OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CheckoutAttempt, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}
