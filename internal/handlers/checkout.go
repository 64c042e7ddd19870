package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

// CheckoutHandlers exposes the buyer side of the reconciliation state machine.
type CheckoutHandlers struct {
	authn       *auth.BuyerAuthenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
	limiter     rateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards beginCheckout with the given Idempotency-Key middleware.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) { h.idempotency = mw }
}

// WithCheckoutRateLimit caps beginCheckout calls per owner within window.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) { h.limiter = newOwnerRateLimiter(limit, window, clock) }
}

// NewCheckoutHandlers constructs checkout handlers guarded by buyer authentication.
func NewCheckoutHandlers(authn *auth.BuyerAuthenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireBuyer())
	}
	begin := r
	if h.idempotency != nil {
		begin = r.With(h.idempotency)
	}
	begin.Post("/", h.beginCheckout)
	r.Get("/{attemptId}", h.getAttempt)
	r.Post("/{attemptId}:cancel", h.cancelAttempt)
}

type customerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type beginCheckoutRequest struct {
	AttemptID      string          `json:"attemptId"`
	PaymentMethod  string          `json:"paymentMethod"`
	Provider       string          `json:"provider"`
	Shipping       *addressPayload `json:"shipping"`
	DisplayedTotal int64           `json:"displayedTotal"`
	Customer       customerPayload `json:"customer"`
}

type paymentInstructionsPayload struct {
	Provider     string `json:"provider"`
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type checkoutPayload struct {
	AttemptID     string                      `json:"attemptId"`
	State         string                      `json:"state"`
	FailureReason string                      `json:"failureReason,omitempty"`
	Totals        totalsPayload               `json:"totals"`
	Payment       *paymentInstructionsPayload `json:"payment,omitempty"`
	Order         *orderPayload               `json:"order,omitempty"`
}

func (h *CheckoutHandlers) beginCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(caller.OwnerKey) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; retry later", http.StatusTooManyRequests))
		return
	}

	var req beginCheckoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	method := services.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if !method.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentMethod must be one of cod, online", http.StatusBadRequest))
		return
	}
	if req.Shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping is required", http.StatusBadRequest))
		return
	}
	if req.DisplayedTotal <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "displayedTotal must be positive", http.StatusBadRequest))
		return
	}

	customer := services.CustomerInfo{
		Name:  strings.TrimSpace(req.Customer.Name),
		Email: strings.TrimSpace(req.Customer.Email),
		Phone: strings.TrimSpace(req.Customer.Phone),
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok && principal != nil {
		customer.ID = principal.UserID
		if customer.Email == "" {
			customer.Email = principal.Email
		}
	}

	result, err := h.checkout.BeginCheckout(ctx, services.BeginCheckoutCommand{
		OwnerKey:            caller.OwnerKey,
		AttemptID:           strings.TrimSpace(req.AttemptID),
		PaymentMethod:       method,
		Provider:            strings.ToLower(strings.TrimSpace(req.Provider)),
		ShippingDestination: req.Shipping.toDomain(),
		DisplayedTotal:      req.DisplayedTotal,
		Customer:            customer,
	})
	if err != nil {
		writeCheckoutError(ctx, w, result, err)
		return
	}
	httpx.WriteJSON(w, checkoutStatus(result), buildCheckoutPayload(result))
}

func (h *CheckoutHandlers) getAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	result, err := h.checkout.GetAttempt(ctx, strings.TrimSpace(chi.URLParam(r, "attemptId")), caller)
	if err != nil {
		writeCheckoutError(ctx, w, services.CheckoutResult{}, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutPayload(result))
}

func (h *CheckoutHandlers) cancelAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	result, err := h.checkout.CancelAttempt(ctx, strings.TrimSpace(chi.URLParam(r, "attemptId")), caller)
	if err != nil {
		writeCheckoutError(ctx, w, services.CheckoutResult{}, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutPayload(result))
}

// checkoutStatus answers 201 once an order exists and 202 while payment is pending.
func checkoutStatus(result services.CheckoutResult) int {
	switch {
	case result.Order != nil:
		return http.StatusCreated
	case result.State == domain.AttemptStateAwaitingOnlinePayment:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func buildCheckoutPayload(result services.CheckoutResult) checkoutPayload {
	payload := checkoutPayload{
		AttemptID:     result.AttemptID,
		State:         string(result.State),
		FailureReason: string(result.FailureReason),
		Totals:        buildTotalsPayload(result.Totals),
	}
	if in := result.Instructions; in != nil {
		payload.Payment = &paymentInstructionsPayload{
			Provider:     in.Provider,
			IntentID:     in.IntentID,
			ClientSecret: in.ClientSecret,
			RedirectURL:  in.RedirectURL,
			Amount:       in.Amount,
			Currency:     in.Currency,
		}
	}
	if result.Order != nil {
		order := buildOrderPayload(*result.Order)
		payload.Order = &order
	}
	return payload
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, result services.CheckoutResult, err error) {
	var priceErr *services.PriceChangedError
	switch {
	case errors.As(err, &priceErr):
		httpx.WriteError(ctx, w, httpx.NewError("price_changed", "prices changed; review the new total", http.StatusConflict).
			WithDetails(map[string]any{"displayedTotal": priceErr.Displayed, "totals": buildTotalsPayload(priceErr.Totals)}))
	case errors.Is(err, services.ErrCheckoutInsufficientStock):
		details := map[string]any{}
		if result.AttemptID != "" {
			details["attemptId"] = result.AttemptID
			details["state"] = string(result.State)
		}
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "one or more items are out of stock", http.StatusConflict).WithDetails(details))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutAttemptNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("attempt_not_found", "checkout attempt not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutNotAuthorized):
		// Attempts owned by someone else are indistinguishable from missing ones.
		httpx.WriteError(ctx, w, httpx.NewError("attempt_not_found", "checkout attempt not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("attempt_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("attempt_expired", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_unavailable", "payment gateway is unavailable; retry later", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		serviceUnavailable(ctx, w, "checkout")
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
