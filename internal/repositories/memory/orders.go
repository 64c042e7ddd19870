package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) Commit(_ context.Context, req repositories.OrderCommitRequest) (repositories.OrderCommitResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	order := req.Order
	if existingID, ok := r.s.orderKeys[order.IdempotencyKey]; ok {
		return repositories.OrderCommitResult{Order: cloneOrder(r.s.orders[existingID]), Created: false}, nil
	}
	if attemptID := strings.TrimSpace(order.AttemptID); attemptID != "" {
		if existingID, ok := r.s.orderAttempts[attemptID]; ok {
			return repositories.OrderCommitResult{Order: cloneOrder(r.s.orders[existingID]), Created: false}, nil
		}
	}
	if _, ok := r.s.orders[order.ID]; ok {
		return repositories.OrderCommitResult{}, conflict("order.commit", "order %q already exists", order.ID)
	}
	if ref := order.ExternalPaymentRef; ref != "" {
		if holder, ok := r.s.paymentRefs[ref]; ok && holder != order.ID {
			return repositories.OrderCommitResult{}, repositories.NewStoreError("order.commit", repositories.ErrConflict, repositories.ErrPaymentRefTaken)
		}
	}

	// Stage every reservation transition first so a failure leaves nothing applied.
	stagedRes := make(map[string]domain.Reservation, len(req.ReservationIDs))
	stagedStock := make(map[string]domain.Stock)
	for _, id := range req.ReservationIDs {
		res, ok := r.s.reservations[id]
		if !ok {
			return repositories.OrderCommitResult{}, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "reservation not found: "+id, nil).WithOp("order.commit")
		}
		stock, ok := stagedStock[res.ProductRef]
		if !ok {
			stock, ok = r.s.stocks[res.ProductRef]
			if !ok {
				return repositories.OrderCommitResult{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "stock not found for "+res.ProductRef, nil).WithOp("order.commit").WithProduct(res.ProductRef)
			}
		}
		committed, updated, _, err := repositories.CommitReservation(res, stock, req.Now)
		if err != nil {
			return repositories.OrderCommitResult{}, err
		}
		stagedRes[id] = committed
		stagedStock[res.ProductRef] = updated
	}

	for id, res := range stagedRes {
		r.s.reservations[id] = res
	}
	for ref, stock := range stagedStock {
		r.s.stocks[ref] = stock
	}
	r.s.orders[order.ID] = cloneOrder(order)
	r.s.orderKeys[order.IdempotencyKey] = order.ID
	if order.ExternalPaymentRef != "" {
		r.s.paymentRefs[order.ExternalPaymentRef] = order.ID
	}
	if attemptID := strings.TrimSpace(order.AttemptID); attemptID != "" {
		r.s.orderAttempts[attemptID] = order.ID
	}
	if owner := strings.TrimSpace(req.CartOwnerKey); owner != "" {
		if cart, ok := r.s.carts[owner]; ok {
			if settled, keep := repositories.SettleCart(cloneCart(cart), order.Lines, req.Now); keep {
				r.s.carts[owner] = settled
			} else {
				delete(r.s.carts, owner)
			}
		}
	}

	return repositories.OrderCommitResult{Order: cloneOrder(order), Created: true}, nil
}

func (r orderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	order, ok := r.s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("order.find", "order %q not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepository) FindByIdempotencyKey(_ context.Context, key string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.orderKeys[key]
	if !ok {
		return domain.Order{}, notFound("order.find_by_key", "no order for idempotency key %q", key)
	}
	return cloneOrder(r.s.orders[id]), nil
}

func (r orderRepository) FindByAttempt(_ context.Context, attemptID string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.orderAttempts[strings.TrimSpace(attemptID)]
	if !ok {
		return domain.Order{}, notFound("order.find_by_attempt", "no order for attempt %q", attemptID)
	}
	return cloneOrder(r.s.orders[id]), nil
}

func (r orderRepository) ListByOwner(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	owned := make([]domain.Order, 0)
	for _, order := range r.s.orders {
		if order.OwnerKey == filter.OwnerKey {
			owned = append(owned, cloneOrder(order))
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID > owned[j].ID
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.Size(filter.Pagination.PageSize)

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, size)}
	for _, order := range owned {
		if !cursor.After(order.CreatedAt, order.ID) {
			continue
		}
		if len(page.Items) == size {
			last := page.Items[size-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r orderRepository) UpdateStates(_ context.Context, order domain.Order) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.orders[order.ID]
	if !ok {
		return domain.Order{}, notFound("order.update", "order %q not found", order.ID)
	}
	if ref := order.ExternalPaymentRef; ref != "" && ref != existing.ExternalPaymentRef {
		if existing.ExternalPaymentRef != "" {
			return domain.Order{}, conflict("order.update", "order %q already has payment reference", order.ID)
		}
		if holder, taken := r.s.paymentRefs[ref]; taken && holder != order.ID {
			return domain.Order{}, repositories.NewStoreError("order.update", repositories.ErrConflict, repositories.ErrPaymentRefTaken)
		}
		r.s.paymentRefs[ref] = order.ID
		existing.ExternalPaymentRef = ref
	}

	existing.PaymentState = order.PaymentState
	existing.FulfillmentState = order.FulfillmentState
	existing.PaidAt = order.PaidAt
	existing.CancelledAt = order.CancelledAt
	existing.UpdatedAt = order.UpdatedAt
	if existing.UpdatedAt.IsZero() {
		existing.UpdatedAt = time.Now().UTC()
	}
	r.s.orders[order.ID] = existing
	return cloneOrder(existing), nil
}

type attemptRepository struct{ s *Store }

func (r attemptRepository) Insert(_ context.Context, attempt domain.CheckoutAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.attempts[attempt.ID]; ok {
		return conflict("attempt.insert", "attempt %q already exists", attempt.ID)
	}
	r.s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (r attemptRepository) Get(_ context.Context, attemptID string) (domain.CheckoutAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	attempt, ok := r.s.attempts[strings.TrimSpace(attemptID)]
	if !ok {
		return domain.CheckoutAttempt{}, notFound("attempt.get", "attempt %q not found", attemptID)
	}
	return cloneAttempt(attempt), nil
}

func (r attemptRepository) Update(_ context.Context, attempt domain.CheckoutAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.attempts[attempt.ID]; !ok {
		return notFound("attempt.update", "attempt %q not found", attempt.ID)
	}
	r.s.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (r attemptRepository) ListAwaitingPayment(_ context.Context, abandonBefore time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.CheckoutAttempt, 0)
	for _, attempt := range r.s.attempts {
		if attempt.State != domain.AttemptStateAwaitingOnlinePayment {
			continue
		}
		if attempt.AbandonAt.IsZero() || attempt.AbandonAt.After(abandonBefore) {
			continue
		}
		out = append(out, cloneAttempt(attempt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbandonAt.Before(out[j].AbandonAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r attemptRepository) ListStalled(_ context.Context, updatedBefore time.Time, limit int) ([]domain.CheckoutAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.CheckoutAttempt, 0)
	for _, attempt := range r.s.attempts {
		if !domain.StalledAttemptStates.Contains(attempt.State) || attempt.UpdatedAt.After(updatedBefore) {
			continue
		}
		out = append(out, cloneAttempt(attempt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
