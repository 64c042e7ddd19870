//go:build integration

package firestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	pfirestore "github.com/hanko-field/reconciler/internal/platform/firestore"
	"github.com/hanko-field/reconciler/internal/platform/firestore/firestoretest"
	"github.com/hanko-field/reconciler/internal/repositories"
)

func newIntegrationRegistry(t *testing.T, project string) *Registry {
	t.Helper()
	provider := pfirestore.NewProvider(firestoretest.StartEmulator(t, project))
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})
	registry, err := NewRegistry(provider)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func TestInventoryRepositoryIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t, "inventory-test")
	repo := registry.inventory

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	if _, err := repo.SetOnHand(ctx, "item-a", 5, now); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	reserve := func(id string, qty int, expires time.Time) (repositories.InventoryReserveResult, error) {
		return repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: domain.Reservation{
			ID:         id,
			ProductRef: "item-a",
			Quantity:   qty,
			AttemptID:  "att_" + id,
			ExpiresAt:  expires,
			CreatedAt:  now,
			UpdatedAt:  now,
		}})
	}

	first, err := reserve("rsv_1", 3, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if first.Stock.Reserved != 3 || first.Stock.Available() != 2 {
		t.Fatalf("unexpected stock after reserve: %+v", first.Stock)
	}

	var invErr *repositories.InventoryError
	if _, err := reserve("rsv_1", 1, now.Add(time.Minute)); !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInvalidReservationState {
		t.Fatalf("expected duplicate reservation error, got %v", err)
	}
	if _, err := reserve("rsv_2", 3, now.Add(time.Minute)); !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	committed, err := repo.Commit(ctx, repositories.InventoryCommitRequest{ReservationID: "rsv_1", Now: now})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed.Changed || committed.Stock.OnHand != 2 || committed.Stock.Reserved != 0 {
		t.Fatalf("unexpected commit result: %+v", committed)
	}
	replay, err := repo.Commit(ctx, repositories.InventoryCommitRequest{ReservationID: "rsv_1", Now: now})
	if err != nil || replay.Changed {
		t.Fatalf("expected idempotent commit replay, got %+v err=%v", replay, err)
	}

	if _, err := reserve("rsv_3", 1, now.Add(-time.Minute)); err != nil {
		t.Fatalf("reserve expired: %v", err)
	}
	expired, err := repo.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "rsv_3" {
		t.Fatalf("unexpected expired list: %+v", expired)
	}
	released, err := repo.Release(ctx, repositories.InventoryReleaseRequest{ReservationID: "rsv_3", Reason: repositories.ReleaseReasonExpired, Now: now, OnlyIfExpired: true})
	if err != nil || !released.Changed {
		t.Fatalf("expected release, got %+v err=%v", released, err)
	}
	if _, err := repo.Commit(ctx, repositories.InventoryCommitRequest{ReservationID: "rsv_3", Now: now}); !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorReservationExpired {
		t.Fatalf("expected expired commit refusal, got %v", err)
	}

	stock, err := repo.GetStock(ctx, "item-a")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock.OnHand != 2 || stock.Reserved != 0 {
		t.Fatalf("unexpected final stock: %+v", stock)
	}
}

func TestInventoryRepositoryConcurrentReserveIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t, "inventory-race")
	repo := registry.inventory

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	now := time.Now().UTC()
	if _, err := repo.SetOnHand(ctx, "last-unit", 1, now); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for _, id := range []string{"rsv_a", "rsv_b", "rsv_c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: domain.Reservation{
				ID: id, ProductRef: "last-unit", Quantity: 1, AttemptID: id, ExpiresAt: now.Add(time.Minute), CreatedAt: now,
			}})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one reservation to win the last unit, got %d", success)
	}
}

func TestOrderRepositoryCommitIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t, "orders-test")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := registry.inventory.SetOnHand(ctx, "item-a", 4, now); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	if _, err := registry.inventory.Reserve(ctx, repositories.InventoryReserveRequest{Reservation: domain.Reservation{
		ID: "rsv_1", ProductRef: "item-a", Quantity: 2, AttemptID: "att_1", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := registry.carts.Save(ctx, domain.Cart{OwnerKey: "user:u1", Lines: []domain.CartLine{
		{ProductRef: "item-a", Quantity: 2, UnitPriceSnapshot: 100},
		{ProductRef: "item-b", Quantity: 1, UnitPriceSnapshot: 300},
	}}); err != nil {
		t.Fatalf("seed cart: %v", err)
	}

	totals := domain.OrderTotals{Currency: "INR", ItemsTotal: 200, ShippingFee: 50, Tax: 10, GrandTotal: 260}
	order := domain.Order{
		ID:                 "ord_1",
		OwnerKey:           "user:u1",
		AttemptID:          "att_1",
		IdempotencyKey:     "pay:pi_1",
		Lines:              []domain.OrderLine{{ProductRef: "item-a", Name: "A", UnitPrice: 100, Quantity: 2, LineTotal: 200}},
		PaymentMethod:      domain.PaymentMethodOnline,
		Totals:             totals,
		PaymentState:       domain.PaymentStatePaid,
		FulfillmentState:   domain.FulfillmentStatePending,
		ExternalPaymentRef: "pi_1",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	req := repositories.OrderCommitRequest{Order: order, ReservationIDs: []string{"rsv_1"}, CartOwnerKey: "user:u1", Now: now}

	result, err := registry.orders.Commit(ctx, req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected order to be created")
	}

	replay := req
	replay.Order.ID = "ord_2"
	again, err := registry.orders.Commit(ctx, replay)
	if err != nil {
		t.Fatalf("replay commit: %v", err)
	}
	if again.Created || again.Order.ID != "ord_1" {
		t.Fatalf("expected replay to return ord_1, got %+v", again)
	}

	secondPayment := req
	secondPayment.Order.ID = "ord_4"
	secondPayment.Order.IdempotencyKey = "pay:pi_2"
	secondPayment.Order.ExternalPaymentRef = "pi_2"
	sameAttempt, err := registry.orders.Commit(ctx, secondPayment)
	if err != nil {
		t.Fatalf("second payment commit: %v", err)
	}
	if sameAttempt.Created || sameAttempt.Order.ID != "ord_1" || sameAttempt.Order.ExternalPaymentRef != "pi_1" {
		t.Fatalf("expected the attempt's first order, got %+v", sameAttempt)
	}

	conflicting := req
	conflicting.Order.ID = "ord_3"
	conflicting.Order.AttemptID = "att_other"
	conflicting.Order.IdempotencyKey = "pay:other"
	conflicting.ReservationIDs = nil
	if _, err := registry.orders.Commit(ctx, conflicting); !errors.Is(err, repositories.ErrPaymentRefTaken) {
		t.Fatalf("expected payment ref conflict, got %v", err)
	}

	stock, err := registry.inventory.GetStock(ctx, "item-a")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock.OnHand != 2 || stock.Reserved != 0 {
		t.Fatalf("unexpected stock after commit: %+v", stock)
	}
	leftover, err := registry.carts.Get(ctx, "user:u1")
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(leftover.Lines) != 1 || leftover.Lines[0].ProductRef != "item-b" {
		t.Fatalf("expected only the unordered line to remain, got %+v", leftover.Lines)
	}
	byKey, err := registry.orders.FindByIdempotencyKey(ctx, "pay:pi_1")
	if err != nil || byKey.ID != "ord_1" || byKey.Totals != totals {
		t.Fatalf("unexpected order by key: %+v err=%v", byKey, err)
	}
	byAttempt, err := registry.orders.FindByAttempt(ctx, "att_1")
	if err != nil || byAttempt.ID != "ord_1" {
		t.Fatalf("unexpected order by attempt: %+v err=%v", byAttempt, err)
	}
	if _, err := registry.orders.FindByAttempt(ctx, "att_missing"); !repositories.IsNotFound(err) {
		t.Fatalf("expected not found for unknown attempt, got %v", err)
	}

	page, err := registry.orders.ListByOwner(ctx, repositories.OrderListFilter{OwnerKey: "user:u1", Pagination: domain.Pagination{PageSize: 10}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.NextPageToken != "" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestAttemptRepositorySweepQueriesIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t, "attempts-test")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, a := range []domain.CheckoutAttempt{
		{ID: "att_awaiting", OwnerKey: "anon:s1", State: domain.AttemptStateAwaitingOnlinePayment, AbandonAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now},
		{ID: "att_reserving", OwnerKey: "anon:s1", State: domain.AttemptStateReserving, AbandonAt: now, CreatedAt: now, UpdatedAt: now.Add(-time.Hour)},
		{ID: "att_committing", OwnerKey: "anon:s1", State: domain.AttemptStateCommitting, AbandonAt: now, CreatedAt: now, UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: "att_fresh", OwnerKey: "anon:s1", State: domain.AttemptStateDirectConfirm, AbandonAt: now, CreatedAt: now, UpdatedAt: now},
		{ID: "att_failed", OwnerKey: "anon:s1", State: domain.AttemptStateFailed, AbandonAt: now, CreatedAt: now, UpdatedAt: now.Add(-time.Hour)},
	} {
		if err := registry.attempts.Insert(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}

	awaiting, err := registry.attempts.ListAwaitingPayment(ctx, now, 10)
	if err != nil {
		t.Fatalf("list awaiting: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != "att_awaiting" {
		t.Fatalf("unexpected awaiting attempts %+v", awaiting)
	}

	stalled, err := registry.attempts.ListStalled(ctx, now.Add(-30*time.Minute), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 2 || stalled[0].ID != "att_committing" || stalled[1].ID != "att_reserving" {
		t.Fatalf("unexpected stalled attempts %+v", stalled)
	}
}
