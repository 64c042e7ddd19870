package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/repositories"
	"github.com/hanko-field/reconciler/internal/repositories/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestInventoryService(t *testing.T, clock *testClock) (InventoryService, repositories.InventoryRepository) {
	t.Helper()
	repo := memory.NewStore().Inventory()
	var seq atomic.Int64
	svc, err := NewInventoryService(InventoryServiceDeps{
		Inventory:  repo,
		DefaultTTL: 10 * time.Minute,
		Clock:      clock.Now,
		IDGenerator: func() string {
			return fmt.Sprintf("R%06d", seq.Add(1))
		},
	})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	return svc, repo
}

func TestInventoryServiceReserveHoldsStock(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := newTestInventoryService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStock(ctx, "item-a", 5); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	res, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 2, AttemptID: "att-1"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Status != domain.ReservationStatusReserved || res.AttemptID != "att-1" {
		t.Fatalf("unexpected reservation %+v", res)
	}
	if want := clock.Now().Add(10 * time.Minute); !res.ExpiresAt.Equal(want) {
		t.Fatalf("expected default ttl deadline %s, got %s", want, res.ExpiresAt)
	}
	if len(res.ID) < 4 || res.ID[:4] != "rsv_" {
		t.Fatalf("expected rsv_ prefix, got %q", res.ID)
	}

	stock, err := svc.GetStock(ctx, "item-a")
	if err != nil {
		t.Fatalf("GetStock: %v", err)
	}
	if stock.OnHand != 5 || stock.Reserved != 2 || stock.Available() != 3 {
		t.Fatalf("unexpected stock %+v", stock)
	}

	if _, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 4}); !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected ErrInventoryInsufficientStock, got %v", err)
	}
	if _, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "unknown", Quantity: 1}); !errors.Is(err, ErrInventoryStockNotFound) {
		t.Fatalf("expected ErrInventoryStockNotFound, got %v", err)
	}
}

func TestInventoryServiceConcurrentReservationsNeverOversell(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := newTestInventoryService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStock(ctx, "item-a", 5); err != nil {
		t.Fatalf("SetStock: %v", err)
	}

	const workers = 25
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 1})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInventoryInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 5 || rejected.Load() != workers-5 {
		t.Fatalf("expected 5 reservations and %d rejections, got %d/%d", workers-5, succeeded.Load(), rejected.Load())
	}
	stock, err := svc.GetStock(ctx, "item-a")
	if err != nil {
		t.Fatalf("GetStock: %v", err)
	}
	if stock.Available() != 0 || stock.Reserved != 5 {
		t.Fatalf("unexpected stock after race %+v", stock)
	}
}

func TestInventoryServiceCommitAndReleaseAreIdempotent(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := newTestInventoryService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStock(ctx, "item-a", 3); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	first, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 2})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 0; i < 2; i++ {
		committed, err := svc.Commit(ctx, first.ID)
		if err != nil {
			t.Fatalf("Commit #%d: %v", i+1, err)
		}
		if committed.Status != domain.ReservationStatusCommitted {
			t.Fatalf("expected committed, got %s", committed.Status)
		}
	}
	stock, _ := svc.GetStock(ctx, "item-a")
	if stock.OnHand != 1 || stock.Reserved != 0 {
		t.Fatalf("expected a single decrement, got %+v", stock)
	}
	if _, err := svc.Release(ctx, first.ID, "cancelled"); !errors.Is(err, ErrInventoryInvalidState) {
		t.Fatalf("expected ErrInventoryInvalidState releasing committed reservation, got %v", err)
	}

	second, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 1})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.Release(ctx, second.ID, "cancelled"); err != nil {
			t.Fatalf("Release #%d: %v", i+1, err)
		}
	}
	stock, _ = svc.GetStock(ctx, "item-a")
	if stock.Available() != 1 || stock.Reserved != 0 {
		t.Fatalf("expected released unit back in availability, got %+v", stock)
	}
	if _, err := svc.Commit(ctx, second.ID); !errors.Is(err, ErrInventoryInvalidState) {
		t.Fatalf("expected ErrInventoryInvalidState committing released reservation, got %v", err)
	}
	if _, err := svc.Commit(ctx, "rsv_missing"); !errors.Is(err, ErrInventoryReservationNotFound) {
		t.Fatalf("expected ErrInventoryReservationNotFound, got %v", err)
	}
}

func TestInventoryServiceCommitAfterDeadlineIsExpired(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := newTestInventoryService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStock(ctx, "item-a", 1); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	res, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 1, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clock.Advance(time.Minute)

	if _, err := svc.Commit(ctx, res.ID); !errors.Is(err, ErrInventoryReservationExpired) {
		t.Fatalf("expected ErrInventoryReservationExpired, got %v", err)
	}
}

func TestInventoryServiceExpireStaleReleasesOnlyLapsedHolds(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := newTestInventoryService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStock(ctx, "item-a", 4); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	short, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 1, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Reserve short: %v", err)
	}
	if _, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 2, TTL: time.Hour}); err != nil {
		t.Fatalf("Reserve long: %v", err)
	}
	clock.Advance(2 * time.Minute)

	report, err := svc.ExpireStale(ctx, 0)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if report.Scanned != 1 || report.Released != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	stock, _ := svc.GetStock(ctx, "item-a")
	if stock.Reserved != 2 || stock.Available() != 2 {
		t.Fatalf("expected only the long hold to remain, got %+v", stock)
	}
	if _, err := svc.Commit(ctx, short.ID); !errors.Is(err, ErrInventoryReservationExpired) {
		t.Fatalf("expected expired reservation to refuse commit, got %v", err)
	}

	report, err = svc.ExpireStale(ctx, 0)
	if err != nil {
		t.Fatalf("ExpireStale second pass: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("expected nothing left to expire, got %+v", report)
	}
}

func TestInventoryServiceSetStockBelowReservedRejected(t *testing.T) {
	clock := newTestClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, _ := newTestInventoryService(t, clock)
	ctx := context.Background()

	if _, err := svc.SetStock(ctx, "item-a", 3); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	if _, err := svc.Reserve(ctx, InventoryReserveCommand{ProductRef: "item-a", Quantity: 2}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := svc.SetStock(ctx, "item-a", 1); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}
}

type failingInventoryRepo struct {
	repositories.InventoryRepository
	err error
}

func (f failingInventoryRepo) Reserve(context.Context, repositories.InventoryReserveRequest) (repositories.InventoryReserveResult, error) {
	return repositories.InventoryReserveResult{}, f.err
}

func TestInventoryServiceMapsBackendFailuresToUnavailable(t *testing.T) {
	backend := repositories.NewStoreError("inventory.reserve", repositories.ErrUnavailable, errors.New("deadline exceeded"))
	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: failingInventoryRepo{err: backend}})
	if err != nil {
		t.Fatalf("NewInventoryService: %v", err)
	}
	_, err = svc.Reserve(context.Background(), InventoryReserveCommand{ProductRef: "item-a", Quantity: 1})
	if !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("expected ErrInventoryUnavailable, got %v", err)
	}
}
