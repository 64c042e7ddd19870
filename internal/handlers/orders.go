package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/pagination"
	"github.com/hanko-field/reconciler/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes the buyer's placed orders. Ownership is enforced by the order service.
type OrderHandlers struct {
	authn  *auth.BuyerAuthenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers guarded by buyer authentication.
func NewOrderHandlers(authn *auth.BuyerAuthenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireBuyer())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

type orderPayload struct {
	ID                 string             `json:"id"`
	AttemptID          string             `json:"attemptId"`
	Lines              []orderLinePayload `json:"lines"`
	Shipping           addressPayload     `json:"shipping"`
	PaymentMethod      string             `json:"paymentMethod"`
	PaymentState       string             `json:"paymentState"`
	FulfillmentState   string             `json:"fulfillmentState"`
	Totals             totalsPayload      `json:"totals"`
	ExternalPaymentRef string             `json:"externalPaymentRef,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt,omitempty"`
	PaidAt             string             `json:"paidAt,omitempty"`
	CancelledAt        string             `json:"cancelledAt,omitempty"`
}

type orderSummaryPayload struct {
	ID               string `json:"id"`
	PaymentMethod    string `json:"paymentMethod"`
	PaymentState     string `json:"paymentState"`
	FulfillmentState string `json:"fulfillmentState"`
	Currency         string `json:"currency"`
	GrandTotal       int64  `json:"grandTotal"`
	ItemsCount       int    `json:"itemsCount"`
	CreatedAt        string `json:"createdAt"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{DefaultPageSize: defaultOrderPageSize, MaxPageSize: maxOrderPageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, caller, services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")), caller)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.Cancel(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")), caller)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	count := 0
	for _, line := range order.Lines {
		count += line.Quantity
	}
	return orderSummaryPayload{
		ID:               order.ID,
		PaymentMethod:    string(order.PaymentMethod),
		PaymentState:     string(order.PaymentState),
		FulfillmentState: string(order.FulfillmentState),
		Currency:         order.Totals.Currency,
		GrandTotal:       order.Totals.GrandTotal,
		ItemsCount:       count,
		CreatedAt:        formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	return orderPayload{
		ID:                 order.ID,
		AttemptID:          order.AttemptID,
		Lines:              buildOrderLines(order.Lines),
		Shipping:           buildAddressPayload(order.ShippingDestination),
		PaymentMethod:      string(order.PaymentMethod),
		PaymentState:       string(order.PaymentState),
		FulfillmentState:   string(order.FulfillmentState),
		Totals:             buildTotalsPayload(order.Totals),
		ExternalPaymentRef: order.ExternalPaymentRef,
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		PaidAt:             formatTimePtr(order.PaidAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderNotAuthorized):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		serviceUnavailable(ctx, w, "order")
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
