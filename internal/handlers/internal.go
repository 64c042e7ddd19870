package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

// InternalHandlers exposes operator and scheduler endpoints. The router guards the group with OIDC.
type InternalHandlers struct {
	inventory services.InventoryService
	orders    services.OrderService
	checkout  services.CheckoutService
	sweeper   *services.Sweeper
}

// InternalDeps wires InternalHandlers.
type InternalDeps struct {
	Inventory services.InventoryService
	Orders    services.OrderService
	Checkout  services.CheckoutService
	Sweeper   *services.Sweeper
}

// NewInternalHandlers constructs the internal handler set.
func NewInternalHandlers(deps InternalDeps) *InternalHandlers {
	return &InternalHandlers{
		inventory: deps.Inventory,
		orders:    deps.Orders,
		checkout:  deps.Checkout,
		sweeper:   deps.Sweeper,
	}
}

var operatorCaller = services.Caller{Operator: true}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/inventory/{productRef}", h.getStock)
	r.Put("/inventory/{productRef}", h.setStock)
	r.Post("/reservations/{reservationId}:release", h.releaseReservation)
	r.Post("/sweeps/reservations", h.sweepReservations)
	r.Post("/sweeps/attempts", h.sweepAttempts)
	r.Post("/sweeps/idempotency", h.sweepIdempotency)
	r.Post("/sweeps:run", h.sweepAll)
	r.Get("/checkout/{attemptId}", h.getAttempt)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Put("/orders/{orderID}/fulfillment", h.updateFulfillment)
	r.Post("/orders/{orderID}:collect-cash", h.markCashCollected)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
}

type stockPayload struct {
	ProductRef string `json:"productRef"`
	OnHand     int    `json:"onHand"`
	Reserved   int    `json:"reserved"`
	Available  int    `json:"available"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

type setStockRequest struct {
	OnHand *int `json:"onHand"`
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

type reservationPayload struct {
	ID            string `json:"id"`
	ProductRef    string `json:"productRef"`
	Quantity      int    `json:"quantity"`
	AttemptID     string `json:"attemptId"`
	Status        string `json:"status"`
	ReleaseReason string `json:"releaseReason,omitempty"`
	ExpiresAt     string `json:"expiresAt"`
}

type fulfillmentRequest struct {
	State string `json:"state"`
}

type cashCollectedRequest struct {
	CollectRef string `json:"collectRef"`
}

type sweepPayload struct {
	Reservations *expiryPayload  `json:"reservations,omitempty"`
	Attempts     *abandonPayload `json:"attempts,omitempty"`
	Idempotency  *int            `json:"idempotencyRemoved,omitempty"`
}

type expiryPayload struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

type abandonPayload struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

func (h *InternalHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	stock, err := h.inventory.GetStock(ctx, strings.TrimSpace(chi.URLParam(r, "productRef")))
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildStockPayload(stock))
}

func (h *InternalHandlers) setStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	var req setStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if req.OnHand == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "onHand is required", http.StatusBadRequest))
		return
	}
	stock, err := h.inventory.SetStock(ctx, strings.TrimSpace(chi.URLParam(r, "productRef")), *req.OnHand)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildStockPayload(stock))
}

func (h *InternalHandlers) releaseReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		serviceUnavailable(ctx, w, "inventory")
		return
	}
	var req releaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator"
	}
	res, err := h.inventory.Release(ctx, strings.TrimSpace(chi.URLParam(r, "reservationId")), reason)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reservationPayload{
		ID:            res.ID,
		ProductRef:    res.ProductRef,
		Quantity:      res.Quantity,
		AttemptID:     res.AttemptID,
		Status:        string(res.Status),
		ReleaseReason: res.ReleaseReason,
		ExpiresAt:     formatTime(res.ExpiresAt),
	})
}

func (h *InternalHandlers) sweepReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		serviceUnavailable(ctx, w, "sweeper")
		return
	}
	report, err := h.sweeper.SweepReservations(ctx)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepPayload{Reservations: buildExpiryPayload(report)})
}

func (h *InternalHandlers) sweepAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		serviceUnavailable(ctx, w, "sweeper")
		return
	}
	report, err := h.sweeper.SweepAttempts(ctx)
	if err != nil {
		writeCheckoutError(ctx, w, services.CheckoutResult{}, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepPayload{Attempts: buildAbandonPayload(report)})
}

func (h *InternalHandlers) sweepIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		serviceUnavailable(ctx, w, "sweeper")
		return
	}
	removed, err := h.sweeper.SweepIdempotency(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepPayload{Idempotency: &removed})
}

func (h *InternalHandlers) sweepAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		serviceUnavailable(ctx, w, "sweeper")
		return
	}
	report, err := h.sweeper.RunOnce(ctx)
	payload := sweepPayload{
		Reservations: buildExpiryPayload(report.Reservations),
		Attempts:     buildAbandonPayload(report.Attempts),
		Idempotency:  &report.Idempotency,
	}
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", err.Error(), http.StatusServiceUnavailable).
			WithDetails(map[string]any{"report": payload}))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *InternalHandlers) getAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	result, err := h.checkout.GetAttempt(ctx, strings.TrimSpace(chi.URLParam(r, "attemptId")), operatorCaller)
	if err != nil {
		writeCheckoutError(ctx, w, services.CheckoutResult{}, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutPayload(result))
}

func (h *InternalHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")), operatorCaller)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *InternalHandlers) updateFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req fulfillmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	order, err := h.orders.UpdateFulfillment(ctx, services.OrderFulfillmentCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Next:    services.FulfillmentState(strings.ToLower(strings.TrimSpace(req.State))),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *InternalHandlers) markCashCollected(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	var req cashCollectedRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	order, err := h.orders.MarkCashCollected(ctx, services.OrderCashCollectedCommand{
		OrderID:    strings.TrimSpace(chi.URLParam(r, "orderID")),
		CollectRef: strings.TrimSpace(req.CollectRef),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *InternalHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.Cancel(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")), operatorCaller)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func buildStockPayload(stock services.Stock) stockPayload {
	return stockPayload{
		ProductRef: stock.ProductRef,
		OnHand:     stock.OnHand,
		Reserved:   stock.Reserved,
		Available:  stock.Available(),
		UpdatedAt:  formatTime(stock.UpdatedAt),
	}
}

func buildExpiryPayload(r services.ExpiryReport) *expiryPayload {
	return &expiryPayload{Scanned: r.Scanned, Released: r.Released, Skipped: r.Skipped, Errors: r.Errors}
}

func buildAbandonPayload(r services.AbandonReport) *abandonPayload {
	return &abandonPayload{Scanned: r.Scanned, Expired: r.Expired, Recovered: r.Recovered, Errors: r.Errors}
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryReservationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_not_found", "reservation not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInvalidState), errors.Is(err, services.ErrInventoryReservationExpired):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryUnavailable):
		serviceUnavailable(ctx, w, "inventory")
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
