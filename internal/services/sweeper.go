package services

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultReservationSweepInterval = time.Minute
	defaultAttemptSweepInterval     = time.Minute
	defaultIdempotencySweepInterval = 10 * time.Minute
	defaultSweepBatch               = 200
)

// IdempotencyJanitor removes expired idempotency records.
type IdempotencyJanitor interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// SweeperDeps wires the periodic maintenance jobs.
type SweeperDeps struct {
	Inventory   InventoryService
	Checkout    CheckoutService
	Idempotency IdempotencyJanitor

	ReservationInterval time.Duration
	AttemptInterval     time.Duration
	IdempotencyInterval time.Duration
	BatchSize           int

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// SweepReport aggregates one pass of every sweep.
type SweepReport struct {
	Reservations ExpiryReport
	Attempts     AbandonReport
	Idempotency  int
}

// Sweeper releases stale reservations, times out abandoned attempts and prunes idempotency records.
type Sweeper struct {
	inventory   InventoryService
	checkout    CheckoutService
	idempotency IdempotencyJanitor

	reservationEvery time.Duration
	attemptEvery     time.Duration
	idempotencyEvery time.Duration
	batch            int

	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewSweeper validates dependencies and applies interval defaults.
func NewSweeper(deps SweeperDeps) (*Sweeper, error) {
	if deps.Inventory == nil {
		return nil, errors.New("sweeper: inventory service is required")
	}
	if deps.Checkout == nil {
		return nil, errors.New("sweeper: checkout service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Sweeper{
		inventory:        deps.Inventory,
		checkout:         deps.Checkout,
		idempotency:      deps.Idempotency,
		reservationEvery: orDefault(deps.ReservationInterval, defaultReservationSweepInterval),
		attemptEvery:     orDefault(deps.AttemptInterval, defaultAttemptSweepInterval),
		idempotencyEvery: orDefault(deps.IdempotencyInterval, defaultIdempotencySweepInterval),
		batch:            positiveOr(deps.BatchSize, defaultSweepBatch),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// SweepReservations runs one stale reservation pass.
func (s *Sweeper) SweepReservations(ctx context.Context) (ExpiryReport, error) {
	report, err := s.inventory.ExpireStale(ctx, s.batch)
	if err != nil {
		s.logger(ctx, "sweeper.reservations.failed", map[string]any{"error": err.Error()})
		return report, err
	}
	return report, nil
}

// SweepAttempts runs one abandoned attempt pass.
func (s *Sweeper) SweepAttempts(ctx context.Context) (AbandonReport, error) {
	report, err := s.checkout.ExpireAbandoned(ctx, s.batch)
	if err != nil {
		s.logger(ctx, "sweeper.attempts.failed", map[string]any{"error": err.Error()})
		return report, err
	}
	return report, nil
}

// SweepIdempotency prunes expired idempotency records. It is a no-op without a janitor.
func (s *Sweeper) SweepIdempotency(ctx context.Context) (int, error) {
	if s.idempotency == nil {
		return 0, nil
	}
	removed, err := s.idempotency.CleanupExpired(ctx, s.now(), s.batch)
	if err != nil {
		s.logger(ctx, "sweeper.idempotency.failed", map[string]any{"error": err.Error()})
		return removed, err
	}
	if removed > 0 {
		s.logger(ctx, "sweeper.idempotency.cleaned", map[string]any{"removed": removed})
	}
	return removed, nil
}

// RunOnce executes every sweep once and joins their errors.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error
	var err error
	if report.Reservations, err = s.SweepReservations(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Attempts, err = s.SweepAttempts(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.Idempotency, err = s.SweepIdempotency(ctx); err != nil {
		errs = append(errs, err)
	}
	return report, errors.Join(errs...)
}

// Run starts one ticker loop per sweep and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loop := func(every time.Duration, fn func(context.Context) error) {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = fn(ctx)
			}
		}
	}

	wg.Add(2)
	go loop(s.reservationEvery, func(ctx context.Context) error {
		_, err := s.SweepReservations(ctx)
		return err
	})
	go loop(s.attemptEvery, func(ctx context.Context) error {
		_, err := s.SweepAttempts(ctx)
		return err
	})
	if s.idempotency != nil {
		wg.Add(1)
		go loop(s.idempotencyEvery, func(ctx context.Context) error {
			_, err := s.SweepIdempotency(ctx)
			return err
		})
	}
	s.logger(ctx, "sweeper.started", map[string]any{
		"reservationInterval": s.reservationEvery.String(),
		"attemptInterval":     s.attemptEvery.String(),
	})
	wg.Wait()
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func positiveOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
