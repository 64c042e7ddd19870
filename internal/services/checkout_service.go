package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
	"github.com/hanko-field/reconciler/internal/repositories"
)

const (
	attemptIDPrefix = "att_"
	orderIDPrefix   = "ord_"

	releaseReasonRollback = "checkout_rollback"
	releaseReasonDeclined = "payment_declined"
	releaseReasonCancel   = "attempt_cancelled"
	releaseReasonTimeout  = "attempt_timeout"
	releaseReasonGateway  = "gateway_unavailable"
	releaseReasonStore    = "commit_failed"

	defaultAbandonAfter  = 30 * time.Minute
	defaultNotifyTimeout = 10 * time.Second
	defaultAbandonBatch  = 100
	maxParallelReserves  = 8
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutCartEmpty indicates there is nothing to check out.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrCheckoutPriceChanged indicates the displayed total no longer matches live prices.
	ErrCheckoutPriceChanged = errors.New("checkout: price changed")
	// ErrCheckoutProductUnavailable indicates a cart product is unknown or not for sale.
	ErrCheckoutProductUnavailable = errors.New("checkout: product unavailable")
	// ErrCheckoutInsufficientStock indicates stock could not be reserved for every line.
	ErrCheckoutInsufficientStock = errors.New("checkout: insufficient stock")
	// ErrCheckoutGatewayUnavailable indicates the payment intent could not be created.
	ErrCheckoutGatewayUnavailable = errors.New("checkout: payment gateway unavailable")
	// ErrCheckoutSignatureInvalid indicates a callback failed verification.
	ErrCheckoutSignatureInvalid = errors.New("checkout: callback signature invalid")
	// ErrCheckoutEventIgnored indicates an authentic callback that does not concern any attempt.
	ErrCheckoutEventIgnored = errors.New("checkout: callback event ignored")
	// ErrCheckoutAmountMismatch indicates a verified callback reports a different amount or currency.
	ErrCheckoutAmountMismatch = errors.New("checkout: payment amount mismatch")
	// ErrCheckoutAttemptNotFound indicates the attempt does not exist.
	ErrCheckoutAttemptNotFound = errors.New("checkout: attempt not found")
	// ErrCheckoutNotAuthorized indicates the caller does not own the attempt.
	ErrCheckoutNotAuthorized = errors.New("checkout: not authorized")
	// ErrCheckoutInvalidState indicates the attempt cannot accept the requested transition.
	ErrCheckoutInvalidState = errors.New("checkout: invalid attempt state")
	// ErrCheckoutTimeout indicates reservations lapsed before the order could be committed.
	ErrCheckoutTimeout = errors.New("checkout: reservations expired")
	// ErrCheckoutConflict indicates a uniqueness conflict while committing.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

var clientAttemptIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// PriceChangedError carries the recomputed totals so the client can show them.
type PriceChangedError struct {
	Displayed int64
	Totals    OrderTotals
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("%s: displayed %d, current %d", ErrCheckoutPriceChanged, e.Displayed, e.Totals.GrandTotal)
}

func (e *PriceChangedError) Unwrap() error { return ErrCheckoutPriceChanged }

// CheckoutServiceDeps wires the dependencies required by the checkout orchestrator.
type CheckoutServiceDeps struct {
	Carts     repositories.CartRepository
	Attempts  repositories.CheckoutAttemptRepository
	Orders    repositories.OrderRepository
	Catalog   Catalog
	Inventory InventoryService
	Payments  PaymentGateway
	Notifier  OrderNotifier
	CartCache CartCache
	Pricing   PricingPolicy

	DefaultProvider string
	ReservationTTL  time.Duration
	AbandonAfter    time.Duration
	NotifyTimeout   time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts     repositories.CartRepository
	attempts  repositories.CheckoutAttemptRepository
	orders    repositories.OrderRepository
	catalog   Catalog
	inventory InventoryService
	payments  PaymentGateway
	notifier  OrderNotifier
	cartCache CartCache
	pricing   PricingPolicy

	defaultProvider string
	reservationTTL  time.Duration
	abandonAfter    time.Duration
	notifyTimeout   time.Duration

	now    func() time.Time
	newID  func() string
	logger func(ctx context.Context, event string, fields map[string]any)
	locks  *attemptLocks
	wg     sync.WaitGroup
}

// NewCheckoutService constructs the checkout orchestrator validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart repository is required")
	case deps.Attempts == nil:
		return nil, errors.New("checkout service: attempt repository is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.Catalog == nil:
		return nil, errors.New("checkout service: catalog is required")
	case deps.Inventory == nil:
		return nil, errors.New("checkout service: inventory service is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	}
	if strings.TrimSpace(deps.Pricing.Currency) == "" {
		return nil, errors.New("checkout service: pricing currency is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	abandon := deps.AbandonAfter
	if abandon <= 0 {
		abandon = defaultAbandonAfter
	}
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		// Holds must outlive the abandon window so a sweep, not expiry, decides the attempt's fate.
		ttl = abandon + 5*time.Minute
	}
	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	return &checkoutService{
		carts:           deps.Carts,
		attempts:        deps.Attempts,
		orders:          deps.Orders,
		catalog:         deps.Catalog,
		inventory:       deps.Inventory,
		payments:        deps.Payments,
		notifier:        deps.Notifier,
		cartCache:       deps.CartCache,
		pricing:         deps.Pricing,
		defaultProvider: strings.TrimSpace(deps.DefaultProvider),
		reservationTTL:  ttl,
		abandonAfter:    abandon,
		notifyTimeout:   notifyTimeout,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		locks:  newAttemptLocks(),
	}, nil
}

// BeginCheckout validates the owner's cart against live prices, reserves stock and then either commits
// a cash-on-delivery order or opens a payment intent. Replaying an attempt id returns its current state.
func (s *checkoutService) BeginCheckout(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutResult, error) {
	owner := strings.TrimSpace(cmd.OwnerKey)
	if owner == "" {
		return CheckoutResult{}, fmt.Errorf("%w: owner key is required", ErrCheckoutInvalidInput)
	}
	if !cmd.PaymentMethod.Valid() {
		return CheckoutResult{}, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, cmd.PaymentMethod)
	}
	provider := strings.TrimSpace(cmd.Provider)
	if provider == "" {
		provider = s.defaultProvider
	}

	attemptID := strings.TrimSpace(cmd.AttemptID)
	if attemptID == "" {
		attemptID = attemptIDPrefix + s.newID()
	} else if !clientAttemptIDPattern.MatchString(attemptID) {
		return CheckoutResult{}, fmt.Errorf("%w: attempt id must be 8-64 characters of [A-Za-z0-9_-]", ErrCheckoutInvalidInput)
	}

	unlock := s.locks.lock(attemptID)
	defer unlock()

	if existing, err := s.attempts.Get(ctx, attemptID); err == nil {
		if existing.OwnerKey != owner {
			return CheckoutResult{}, ErrCheckoutNotAuthorized
		}
		s.logger(ctx, "checkout.replayed", map[string]any{"attemptId": attemptID, "state": string(existing.State)})
		return s.resultFor(ctx, existing), nil
	} else if !repositories.IsNotFound(err) {
		return CheckoutResult{}, fmt.Errorf("%w: load attempt: %v", ErrCheckoutUnavailable, err)
	}

	cart, err := s.carts.Get(ctx, owner)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CheckoutResult{}, ErrCheckoutCartEmpty
		}
		return CheckoutResult{}, fmt.Errorf("%w: load cart: %v", ErrCheckoutUnavailable, err)
	}
	if cart.IsEmpty() {
		return CheckoutResult{}, ErrCheckoutCartEmpty
	}

	destination := cmd.ShippingDestination
	if destination.IsZero() && cart.ShippingDraft != nil {
		destination = *cart.ShippingDraft
	}
	destination = sanitizeAddress(destination)
	if missing := validateAddress(destination); len(missing) > 0 {
		return CheckoutResult{}, fmt.Errorf("%w: shipping destination missing %s", ErrCheckoutInvalidInput, strings.Join(missing, ", "))
	}

	// Validating
	lines, totals, err := s.priceCart(ctx, cart)
	if err != nil {
		return CheckoutResult{}, err
	}
	if cmd.DisplayedTotal != totals.GrandTotal {
		s.logger(ctx, "checkout.price_changed", map[string]any{
			"owner":     owner,
			"displayed": cmd.DisplayedTotal,
			"current":   totals.GrandTotal,
		})
		return CheckoutResult{}, &PriceChangedError{Displayed: cmd.DisplayedTotal, Totals: totals}
	}

	now := s.now()
	attempt := CheckoutAttempt{
		ID:                  attemptID,
		OwnerKey:            owner,
		State:               domain.AttemptStateReserving,
		Lines:               lines,
		Totals:              totals,
		ClientTotal:         cmd.DisplayedTotal,
		ShippingDestination: destination,
		PaymentMethod:       cmd.PaymentMethod,
		Customer:            cmd.Customer,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.attempts.Insert(ctx, attempt); err != nil {
		if repositories.IsConflict(err) {
			existing, getErr := s.attempts.Get(ctx, attemptID)
			if getErr == nil && existing.OwnerKey == owner {
				return s.resultFor(ctx, existing), nil
			}
			return CheckoutResult{}, ErrCheckoutNotAuthorized
		}
		return CheckoutResult{}, fmt.Errorf("%w: insert attempt: %v", ErrCheckoutUnavailable, err)
	}

	// Reserving
	reservationIDs, err := s.reserveAll(ctx, attemptID, lines)
	if err != nil {
		if errors.Is(err, ErrInventoryInsufficientStock) {
			failed := s.fail(ctx, attempt, domain.FailureInsufficientStock)
			return s.resultFor(ctx, failed), fmt.Errorf("%w: %v", ErrCheckoutInsufficientStock, err)
		}
		s.fail(ctx, attempt, domain.FailureStoreUnavailable)
		return CheckoutResult{}, fmt.Errorf("%w: reserve: %v", ErrCheckoutUnavailable, err)
	}
	attempt.ReservationIDs = reservationIDs

	if cmd.PaymentMethod == domain.PaymentMethodCashOnDelivery {
		return s.confirmCashOnDelivery(ctx, attempt)
	}
	return s.openPaymentIntent(ctx, attempt, provider)
}

func (s *checkoutService) confirmCashOnDelivery(ctx context.Context, attempt CheckoutAttempt) (CheckoutResult, error) {
	attempt.State = domain.AttemptStateDirectConfirm
	if err := s.save(ctx, &attempt); err != nil {
		s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonStore)
		return CheckoutResult{}, err
	}

	attempt.State = domain.AttemptStateCommitting
	if err := s.save(ctx, &attempt); err != nil {
		s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonStore)
		return CheckoutResult{}, err
	}

	order, err := s.commit(ctx, &attempt, "attempt:"+attempt.ID, domain.PaymentStateAwaitingPayment, "")
	if err != nil {
		if isReservationLapsed(err) {
			s.releaseAll(ctx, attempt.ReservationIDs, repositories.ReleaseReasonExpired)
			failed := s.fail(ctx, attempt, domain.FailureTimeout)
			return s.resultFor(ctx, failed), fmt.Errorf("%w: %v", ErrCheckoutTimeout, err)
		}
		s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonStore)
		s.fail(ctx, attempt, domain.FailureStoreUnavailable)
		return CheckoutResult{}, err
	}

	result := s.resultFor(ctx, attempt)
	result.Order = &order
	return result, nil
}

func (s *checkoutService) openPaymentIntent(ctx context.Context, attempt CheckoutAttempt, provider string) (CheckoutResult, error) {
	intent, err := s.payments.CreateIntent(ctx, IntentRequest{
		Provider:  provider,
		Amount:    attempt.Totals.GrandTotal,
		Currency:  attempt.Totals.Currency,
		AttemptID: attempt.ID,
		Customer:  attempt.Customer,
	})
	if err != nil {
		s.logger(ctx, "checkout.intent_failed", map[string]any{"attemptId": attempt.ID, "provider": provider, "error": err.Error()})
		s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonGateway)
		failed := s.fail(ctx, attempt, domain.FailureGatewayUnavailable)
		return s.resultFor(ctx, failed), fmt.Errorf("%w: %v", ErrCheckoutGatewayUnavailable, err)
	}

	now := s.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	attempt.Intent = &intent
	attempt.State = domain.AttemptStateAwaitingOnlinePayment
	attempt.AbandonAt = now.Add(s.abandonAfter)
	if err := s.save(ctx, &attempt); err != nil {
		s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonStore)
		return CheckoutResult{}, err
	}

	s.logger(ctx, "checkout.awaiting_payment", map[string]any{
		"attemptId": attempt.ID,
		"intentId":  intent.IntentID,
		"provider":  intent.Provider,
		"amount":    intent.Amount,
	})
	return s.resultFor(ctx, attempt), nil
}

// HandlePaymentCallback verifies a gateway callback and drives the attempt it refers to. Callbacks that
// fail verification never touch state. Duplicate deliveries return the existing order.
func (s *checkoutService) HandlePaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) (CallbackAck, error) {
	provider := strings.TrimSpace(cmd.Provider)
	if provider == "" || len(cmd.RawPayload) == 0 {
		return CallbackAck{}, fmt.Errorf("%w: provider and payload are required", ErrCheckoutInvalidInput)
	}

	payment, err := s.payments.VerifyCallback(ctx, provider, cmd.RawPayload, cmd.Signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureInvalid):
			s.logger(ctx, "checkout.callback.signature_rejected", map[string]any{"provider": provider, "payloadBytes": len(cmd.RawPayload)})
			return CallbackAck{}, fmt.Errorf("%w: %v", ErrCheckoutSignatureInvalid, err)
		case errors.Is(err, payments.ErrEventIgnored):
			s.logger(ctx, "checkout.callback.ignored", map[string]any{"provider": provider, "reason": err.Error()})
			return CallbackAck{}, fmt.Errorf("%w: %v", ErrCheckoutEventIgnored, err)
		case errors.Is(err, payments.ErrPayloadMalformed), errors.Is(err, payments.ErrUnknownProvider):
			return CallbackAck{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return CallbackAck{}, fmt.Errorf("%w: verify callback: %v", ErrCheckoutUnavailable, err)
	}

	attemptID := strings.TrimSpace(payment.GatewayOrderID)
	if attemptID == "" {
		return CallbackAck{}, fmt.Errorf("%w: callback carries no attempt reference", ErrCheckoutInvalidInput)
	}

	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return CallbackAck{}, err
	}
	if attempt.PaymentMethod != domain.PaymentMethodOnline {
		return CallbackAck{}, fmt.Errorf("%w: attempt %s is not an online payment", ErrCheckoutInvalidState, attemptID)
	}
	if payment.Amount != attempt.Totals.GrandTotal || !strings.EqualFold(payment.Currency, attempt.Totals.Currency) {
		s.logger(ctx, "checkout.callback.amount_mismatch", map[string]any{
			"attemptId":        attemptID,
			"gatewayPaymentId": payment.GatewayPaymentID,
			"expected":         attempt.Totals.GrandTotal,
			"received":         payment.Amount,
			"currency":         payment.Currency,
		})
		return CallbackAck{}, fmt.Errorf("%w: expected %d %s, received %d %s", ErrCheckoutAmountMismatch,
			attempt.Totals.GrandTotal, attempt.Totals.Currency, payment.Amount, payment.Currency)
	}

	if !payment.Succeeded() {
		return s.applyUnsuccessfulPayment(ctx, attempt, payment)
	}
	return s.applySuccessfulPayment(ctx, attempt, payment)
}

func (s *checkoutService) applyUnsuccessfulPayment(ctx context.Context, attempt CheckoutAttempt, payment VerifiedPayment) (CallbackAck, error) {
	if attempt.State.Terminal() {
		return CallbackAck{AttemptID: attempt.ID, OrderID: attempt.OrderID, State: attempt.State, Duplicate: true}, nil
	}
	if attempt.State != domain.AttemptStateAwaitingOnlinePayment {
		return CallbackAck{}, fmt.Errorf("%w: attempt %s is %s", ErrCheckoutInvalidState, attempt.ID, attempt.State)
	}

	reason := domain.FailurePaymentDeclined
	if payment.Status == domain.IntentStatusCanceled {
		reason = domain.FailureCancelled
	}
	if attempt.Intent != nil {
		attempt.Intent.Status = payment.Status
	}
	s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonDeclined)
	failed := s.fail(ctx, attempt, reason)
	return CallbackAck{AttemptID: failed.ID, State: failed.State}, nil
}

func (s *checkoutService) applySuccessfulPayment(ctx context.Context, attempt CheckoutAttempt, payment VerifiedPayment) (CallbackAck, error) {
	key := "pay:" + payment.GatewayPaymentID
	if existing, err := s.orders.FindByIdempotencyKey(ctx, key); err == nil {
		if attempt.State != domain.AttemptStateDone {
			attempt.OrderID = existing.ID
			attempt.ExternalPaymentRef = payment.GatewayPaymentID
			attempt.State = domain.AttemptStateDone
			attempt.FailureReason = ""
			if err := s.save(ctx, &attempt); err != nil {
				s.logger(ctx, "checkout.callback.attempt_sync_failed", map[string]any{"attemptId": attempt.ID, "error": err.Error()})
			}
		}
		return CallbackAck{AttemptID: attempt.ID, OrderID: existing.ID, State: domain.AttemptStateDone, Duplicate: true}, nil
	} else if !repositories.IsNotFound(err) {
		return CallbackAck{}, fmt.Errorf("%w: find order: %v", ErrCheckoutUnavailable, err)
	}

	switch {
	case attempt.State == domain.AttemptStateDone:
		return s.refundSupersededPayment(ctx, attempt, attempt.OrderID, payment), nil
	case attempt.State == domain.AttemptStateFailed && attempt.FailureReason == domain.FailurePostHocStockConflict:
		if payment.GatewayPaymentID == attempt.ExternalPaymentRef {
			return CallbackAck{AttemptID: attempt.ID, State: attempt.State, Duplicate: true}, nil
		}
		s.logger(ctx, "checkout.callback.second_payment", map[string]any{
			"attemptId":        attempt.ID,
			"gatewayPaymentId": payment.GatewayPaymentID,
			"failure":          string(attempt.FailureReason),
		})
		s.signalRefund(ctx, attempt, payment, domain.FailureDuplicatePayment)
		return CallbackAck{AttemptID: attempt.ID, State: attempt.State}, nil
	case attempt.State == domain.AttemptStateFailed:
		return s.honourLatePayment(ctx, attempt, payment)
	case attempt.State != domain.AttemptStateAwaitingOnlinePayment && attempt.State != domain.AttemptStateCommitting:
		return CallbackAck{}, fmt.Errorf("%w: attempt %s is %s", ErrCheckoutInvalidState, attempt.ID, attempt.State)
	}

	if attempt.Intent != nil {
		attempt.Intent.Status = payment.Status
	}
	attempt.State = domain.AttemptStateCommitting
	if err := s.save(ctx, &attempt); err != nil {
		return CallbackAck{}, err
	}

	order, err := s.commit(ctx, &attempt, key, domain.PaymentStatePaid, payment.GatewayPaymentID)
	if err != nil {
		if isReservationLapsed(err) {
			s.releaseAll(ctx, attempt.ReservationIDs, repositories.ReleaseReasonExpired)
			return s.honourLatePayment(ctx, attempt, payment)
		}
		return CallbackAck{}, err
	}
	if order.ExternalPaymentRef != payment.GatewayPaymentID {
		return s.refundSupersededPayment(ctx, attempt, order.ID, payment), nil
	}
	return CallbackAck{AttemptID: attempt.ID, OrderID: order.ID, State: attempt.State}, nil
}

// refundSupersededPayment answers a successful payment for an attempt that a different payment already
// settled. The order stands and the extra capture is surfaced for refund.
func (s *checkoutService) refundSupersededPayment(ctx context.Context, attempt CheckoutAttempt, orderID string, payment VerifiedPayment) CallbackAck {
	s.logger(ctx, "checkout.callback.second_payment", map[string]any{
		"attemptId":        attempt.ID,
		"orderId":          orderID,
		"gatewayPaymentId": payment.GatewayPaymentID,
	})
	s.signalRefund(ctx, attempt, payment, domain.FailureDuplicatePayment)
	return CallbackAck{AttemptID: attempt.ID, OrderID: orderID, State: domain.AttemptStateDone, Duplicate: true}
}

// honourLatePayment handles a successful payment for an attempt whose reservations are gone. Stock is
// re-reserved when possible; otherwise the attempt ends in PostHocStockConflict and a refund is requested.
func (s *checkoutService) honourLatePayment(ctx context.Context, attempt CheckoutAttempt, payment VerifiedPayment) (CallbackAck, error) {
	previous := attempt.FailureReason
	reservationIDs, err := s.reserveAll(ctx, attempt.ID, attempt.Lines)
	if err != nil {
		if !errors.Is(err, ErrInventoryInsufficientStock) {
			return CallbackAck{}, fmt.Errorf("%w: re-reserve: %v", ErrCheckoutUnavailable, err)
		}
		s.logger(ctx, "checkout.callback.post_hoc_conflict", map[string]any{
			"attemptId":        attempt.ID,
			"gatewayPaymentId": payment.GatewayPaymentID,
			"previousFailure":  string(previous),
		})
		if attempt.Intent != nil {
			attempt.Intent.Status = payment.Status
		}
		attempt.ExternalPaymentRef = payment.GatewayPaymentID
		failed := s.fail(ctx, attempt, domain.FailurePostHocStockConflict)
		s.signalRefund(ctx, failed, payment, domain.FailurePostHocStockConflict)
		return CallbackAck{AttemptID: failed.ID, State: failed.State}, nil
	}

	s.logger(ctx, "checkout.callback.late_payment_honoured", map[string]any{
		"attemptId":        attempt.ID,
		"gatewayPaymentId": payment.GatewayPaymentID,
		"previousFailure":  string(previous),
	})
	if attempt.Intent != nil {
		attempt.Intent.Status = payment.Status
	}
	attempt.ReservationIDs = reservationIDs
	attempt.FailureReason = ""
	attempt.State = domain.AttemptStateCommitting
	if err := s.save(ctx, &attempt); err != nil {
		s.releaseAll(ctx, reservationIDs, releaseReasonStore)
		return CallbackAck{}, err
	}

	order, err := s.commit(ctx, &attempt, "pay:"+payment.GatewayPaymentID, domain.PaymentStatePaid, payment.GatewayPaymentID)
	if err != nil {
		s.releaseAll(ctx, reservationIDs, releaseReasonStore)
		return CallbackAck{}, err
	}
	if order.ExternalPaymentRef != payment.GatewayPaymentID {
		s.releaseAll(ctx, reservationIDs, releaseReasonStore)
		return s.refundSupersededPayment(ctx, attempt, order.ID, payment), nil
	}
	return CallbackAck{AttemptID: attempt.ID, OrderID: order.ID, State: attempt.State}, nil
}

// GetAttempt returns the current state of an attempt owned by the caller.
func (s *checkoutService) GetAttempt(ctx context.Context, attemptID string, caller Caller) (CheckoutResult, error) {
	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !caller.Operator && attempt.OwnerKey != strings.TrimSpace(caller.OwnerKey) {
		return CheckoutResult{}, ErrCheckoutNotAuthorized
	}
	return s.resultFor(ctx, attempt), nil
}

// CancelAttempt abandons an attempt that is waiting for payment and releases its reservations.
func (s *checkoutService) CancelAttempt(ctx context.Context, attemptID string, caller Caller) (CheckoutResult, error) {
	id := strings.TrimSpace(attemptID)
	unlock := s.locks.lock(id)
	defer unlock()

	attempt, err := s.loadAttempt(ctx, id)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !caller.Operator && attempt.OwnerKey != strings.TrimSpace(caller.OwnerKey) {
		return CheckoutResult{}, ErrCheckoutNotAuthorized
	}
	if attempt.State == domain.AttemptStateFailed {
		return s.resultFor(ctx, attempt), nil
	}
	if attempt.State != domain.AttemptStateAwaitingOnlinePayment {
		return CheckoutResult{}, fmt.Errorf("%w: attempt %s is %s", ErrCheckoutInvalidState, id, attempt.State)
	}

	s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonCancel)
	failed := s.fail(ctx, attempt, domain.FailureCancelled)
	return s.resultFor(ctx, failed), nil
}

// ExpireAbandoned moves attempts that waited past their abandon deadline to Failed(Timeout) and releases
// their reservations. An attempt whose reservations were already committed is left alone.
func (s *checkoutService) ExpireAbandoned(ctx context.Context, limit int) (AbandonReport, error) {
	if limit <= 0 {
		limit = defaultAbandonBatch
	}
	now := s.now()
	stale, err := s.attempts.ListAwaitingPayment(ctx, now, limit)
	if err != nil {
		return AbandonReport{}, fmt.Errorf("%w: list attempts: %v", ErrCheckoutUnavailable, err)
	}

	report := AbandonReport{Scanned: len(stale)}
	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		expired, err := s.expireAttempt(ctx, candidate.ID, now)
		if err != nil {
			report.Errors++
			s.logger(ctx, "checkout.abandon_failed", map[string]any{"attemptId": candidate.ID, "error": err.Error()})
			continue
		}
		if expired {
			report.Expired++
		}
	}

	cutoff := now.Add(-s.abandonAfter)
	stalled, err := s.attempts.ListStalled(ctx, cutoff, limit)
	if err != nil {
		s.logAbandonSweep(ctx, report)
		return report, fmt.Errorf("%w: list stalled attempts: %v", ErrCheckoutUnavailable, err)
	}
	report.Scanned += len(stalled)
	for _, candidate := range stalled {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := s.recoverStalled(ctx, candidate.ID, cutoff)
		if err != nil {
			report.Errors++
			s.logger(ctx, "checkout.stalled_recovery_failed", map[string]any{"attemptId": candidate.ID, "error": err.Error()})
			continue
		}
		switch outcome {
		case stalledExpired:
			report.Expired++
		case stalledResynced:
			report.Recovered++
		}
	}
	s.logAbandonSweep(ctx, report)
	return report, nil
}

func (s *checkoutService) logAbandonSweep(ctx context.Context, report AbandonReport) {
	if report.Scanned == 0 {
		return
	}
	s.logger(ctx, "checkout.abandon_sweep", map[string]any{
		"scanned":   report.Scanned,
		"expired":   report.Expired,
		"recovered": report.Recovered,
		"errors":    report.Errors,
	})
}

type stalledOutcome int

const (
	stalledSkipped stalledOutcome = iota
	stalledExpired
	stalledResynced
)

// recoverStalled settles an attempt whose process stopped mid-request. If the order was already placed
// the attempt is moved to Done; otherwise its reservations are released and it fails with a timeout.
func (s *checkoutService) recoverStalled(ctx context.Context, attemptID string, cutoff time.Time) (stalledOutcome, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return stalledSkipped, err
	}
	if !domain.StalledAttemptStates.Contains(attempt.State) || attempt.UpdatedAt.After(cutoff) {
		return stalledSkipped, nil
	}

	order, err := s.orders.FindByAttempt(ctx, attempt.ID)
	switch {
	case err == nil:
		previous := attempt.State
		attempt.OrderID = order.ID
		attempt.ExternalPaymentRef = order.ExternalPaymentRef
		attempt.FailureReason = ""
		attempt.State = domain.AttemptStateDone
		if err := s.save(ctx, &attempt); err != nil {
			return stalledSkipped, err
		}
		s.logger(ctx, "checkout.stalled_resynced", map[string]any{"attemptId": attempt.ID, "orderId": order.ID, "from": string(previous)})
		return stalledResynced, nil
	case !repositories.IsNotFound(err):
		return stalledSkipped, fmt.Errorf("%w: find order: %v", ErrCheckoutUnavailable, err)
	}

	if committed := s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonTimeout); committed {
		return stalledSkipped, nil
	}
	s.fail(ctx, attempt, domain.FailureTimeout)
	return stalledExpired, nil
}

func (s *checkoutService) expireAttempt(ctx context.Context, attemptID string, now time.Time) (bool, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return false, err
	}
	if attempt.State != domain.AttemptStateAwaitingOnlinePayment || attempt.AbandonAt.After(now) {
		return false, nil
	}
	if committed := s.releaseAll(ctx, attempt.ReservationIDs, releaseReasonTimeout); committed {
		return false, nil
	}
	s.fail(ctx, attempt, domain.FailureTimeout)
	return true, nil
}

// WaitNotifications blocks until in-flight notifications finish.
func (s *checkoutService) WaitNotifications() {
	s.wg.Wait()
}

func (s *checkoutService) priceCart(ctx context.Context, cart Cart) ([]OrderLine, OrderTotals, error) {
	lines := make([]OrderLine, 0, len(cart.Lines))
	pricing := make([]domain.PricingLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		product, err := s.catalog.GetCurrentPrice(ctx, line.ProductRef)
		if err != nil {
			if errors.Is(err, ErrCatalogProductNotFound) {
				return nil, OrderTotals{}, fmt.Errorf("%w: %s", ErrCheckoutProductUnavailable, line.ProductRef)
			}
			return nil, OrderTotals{}, fmt.Errorf("%w: catalog: %v", ErrCheckoutUnavailable, err)
		}
		if !product.AvailableForSale {
			return nil, OrderTotals{}, fmt.Errorf("%w: %s", ErrCheckoutProductUnavailable, line.ProductRef)
		}
		pricing = append(pricing, domain.PricingLine{ProductRef: line.ProductRef, UnitPrice: product.Price, Quantity: line.Quantity})
		lines = append(lines, OrderLine{
			ProductRef: line.ProductRef,
			Name:       product.Name,
			ImageRef:   product.ImageRef,
			UnitPrice:  product.Price,
			Quantity:   line.Quantity,
			LineTotal:  product.Price * int64(line.Quantity),
		})
	}

	totals, err := s.pricing.Price(pricing)
	if err != nil {
		return nil, OrderTotals{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	return lines, totals, nil
}

// reserveAll reserves every line concurrently. If any reservation fails the ones already acquired are
// released before returning.
func (s *checkoutService) reserveAll(ctx context.Context, attemptID string, lines []OrderLine) ([]string, error) {
	ids := make([]string, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReserves)
	for i, line := range lines {
		g.Go(func() error {
			res, err := s.inventory.Reserve(gctx, InventoryReserveCommand{
				ProductRef: line.ProductRef,
				Quantity:   line.Quantity,
				AttemptID:  attemptID,
				TTL:        s.reservationTTL,
			})
			if err != nil {
				return err
			}
			ids[i] = res.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		acquired := slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == "" })
		s.releaseAll(ctx, acquired, releaseReasonRollback)
		return nil, err
	}
	return ids, nil
}

// releaseAll releases reservations and reports whether any of them had already been committed.
func (s *checkoutService) releaseAll(ctx context.Context, ids []string, reason string) bool {
	committed := false
	for _, id := range ids {
		if _, err := s.inventory.Release(ctx, id, reason); err != nil {
			if errors.Is(err, ErrInventoryInvalidState) {
				committed = true
				continue
			}
			s.logger(ctx, "checkout.release_failed", map[string]any{"reservationId": id, "reason": reason, "error": err.Error()})
		}
	}
	return committed
}

// commit performs the atomic order write and moves the attempt to Done.
func (s *checkoutService) commit(ctx context.Context, attempt *CheckoutAttempt, key string, paymentState domain.PaymentState, paymentRef string) (Order, error) {
	if err := attempt.Totals.Validate(); err != nil {
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	now := s.now()
	order := Order{
		ID:                  orderIDPrefix + s.newID(),
		OwnerKey:            attempt.OwnerKey,
		AttemptID:           attempt.ID,
		IdempotencyKey:      key,
		Lines:               slices.Clone(attempt.Lines),
		ShippingDestination: attempt.ShippingDestination,
		PaymentMethod:       attempt.PaymentMethod,
		Totals:              attempt.Totals,
		PaymentState:        paymentState,
		FulfillmentState:    domain.FulfillmentStatePending,
		ExternalPaymentRef:  paymentRef,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if paymentState == domain.PaymentStatePaid {
		paidAt := now
		order.PaidAt = &paidAt
	}

	result, err := s.orders.Commit(ctx, repositories.OrderCommitRequest{
		Order:          order,
		ReservationIDs: attempt.ReservationIDs,
		CartOwnerKey:   attempt.OwnerKey,
		Now:            now,
	})
	if err != nil {
		if isReservationLapsed(err) {
			return Order{}, err
		}
		if errors.Is(err, repositories.ErrPaymentRefTaken) || repositories.IsConflict(err) {
			return Order{}, fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		}
		return Order{}, fmt.Errorf("%w: commit order: %v", ErrCheckoutUnavailable, err)
	}

	attempt.OrderID = result.Order.ID
	attempt.ExternalPaymentRef = result.Order.ExternalPaymentRef
	attempt.FailureReason = ""
	attempt.State = domain.AttemptStateDone
	if err := s.save(ctx, attempt); err != nil {
		// The order is durable; a replay of the callback or attempt resyncs the attempt record.
		s.logger(ctx, "checkout.attempt_done_persist_failed", map[string]any{"attemptId": attempt.ID, "orderId": result.Order.ID, "error": err.Error()})
	}

	if s.cartCache != nil {
		if err := s.cartCache.Delete(ctx, attempt.OwnerKey); err != nil {
			s.logger(ctx, "checkout.cart_cache_delete_failed", map[string]any{"owner": attempt.OwnerKey, "error": err.Error()})
		}
	}

	if result.Created {
		s.logger(ctx, "checkout.order_committed", map[string]any{
			"attemptId":    attempt.ID,
			"orderId":      result.Order.ID,
			"paymentState": string(result.Order.PaymentState),
			"grandTotal":   result.Order.Totals.GrandTotal,
		})
		s.notifyCommitted(ctx, result.Order)
	}
	return result.Order, nil
}

func (s *checkoutService) notifyCommitted(ctx context.Context, order Order) {
	if s.notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nctx, cancel := context.WithTimeout(detached, s.notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyOrderCommitted(nctx, order); err != nil {
			s.logger(nctx, "checkout.notify_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		}
	}()
}

func (s *checkoutService) signalRefund(ctx context.Context, attempt CheckoutAttempt, payment VerifiedPayment, reason domain.FailureReason) {
	signal := RefundSignal{
		AttemptID:        attempt.ID,
		OwnerKey:         attempt.OwnerKey,
		Provider:         payment.Provider,
		GatewayPaymentID: payment.GatewayPaymentID,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		Reason:           reason,
		OccurredAt:       s.now(),
	}
	s.logger(ctx, "checkout.refund_required", map[string]any{
		"attemptId":        signal.AttemptID,
		"gatewayPaymentId": signal.GatewayPaymentID,
		"amount":           signal.Amount,
		"reason":           string(reason),
	})
	if s.notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nctx, cancel := context.WithTimeout(detached, s.notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyRefundRequired(nctx, signal); err != nil {
			s.logger(nctx, "checkout.refund_signal_failed", map[string]any{"attemptId": signal.AttemptID, "error": err.Error()})
		}
	}()
}

func (s *checkoutService) fail(ctx context.Context, attempt CheckoutAttempt, reason domain.FailureReason) CheckoutAttempt {
	attempt.State = domain.AttemptStateFailed
	attempt.FailureReason = reason
	if err := s.save(ctx, &attempt); err != nil {
		s.logger(ctx, "checkout.attempt_fail_persist_failed", map[string]any{"attemptId": attempt.ID, "reason": string(reason), "error": err.Error()})
	}
	s.logger(ctx, "checkout.failed", map[string]any{"attemptId": attempt.ID, "reason": string(reason)})
	return attempt
}

func (s *checkoutService) save(ctx context.Context, attempt *CheckoutAttempt) error {
	attempt.UpdatedAt = s.now()
	if err := s.attempts.Update(ctx, *attempt); err != nil {
		return fmt.Errorf("%w: update attempt: %v", ErrCheckoutUnavailable, err)
	}
	return nil
}

func (s *checkoutService) loadAttempt(ctx context.Context, attemptID string) (CheckoutAttempt, error) {
	id := strings.TrimSpace(attemptID)
	if id == "" {
		return CheckoutAttempt{}, fmt.Errorf("%w: attempt id is required", ErrCheckoutInvalidInput)
	}
	attempt, err := s.attempts.Get(ctx, id)
	if err != nil {
		if repositories.IsNotFound(err) {
			return CheckoutAttempt{}, ErrCheckoutAttemptNotFound
		}
		return CheckoutAttempt{}, fmt.Errorf("%w: load attempt: %v", ErrCheckoutUnavailable, err)
	}
	return attempt, nil
}

func (s *checkoutService) resultFor(ctx context.Context, attempt CheckoutAttempt) CheckoutResult {
	result := CheckoutResult{
		AttemptID:     attempt.ID,
		State:         attempt.State,
		FailureReason: attempt.FailureReason,
		Totals:        attempt.Totals,
	}
	if attempt.State == domain.AttemptStateAwaitingOnlinePayment && attempt.Intent != nil {
		result.Instructions = &PaymentInstructions{
			Provider:     attempt.Intent.Provider,
			IntentID:     attempt.Intent.IntentID,
			ClientSecret: attempt.Intent.ClientSecret,
			RedirectURL:  attempt.Intent.RedirectURL,
			Amount:       attempt.Intent.Amount,
			Currency:     attempt.Intent.Currency,
		}
	}
	if attempt.OrderID != "" {
		order, err := s.orders.FindByID(ctx, attempt.OrderID)
		if err == nil {
			result.Order = &order
		} else {
			s.logger(ctx, "checkout.result_order_lookup_failed", map[string]any{"attemptId": attempt.ID, "orderId": attempt.OrderID, "error": err.Error()})
		}
	}
	return result
}

func isReservationLapsed(err error) bool {
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) {
		return false
	}
	switch invErr.Code {
	case repositories.InventoryErrorReservationExpired,
		repositories.InventoryErrorInvalidReservationState,
		repositories.InventoryErrorReservationNotFound:
		return true
	}
	return false
}
