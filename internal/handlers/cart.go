package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

// CartHandlers exposes the buyer's cart. Both signed-in users and anonymous sessions are accepted.
type CartHandlers struct {
	authn *auth.BuyerAuthenticator
	carts services.CartService
}

// NewCartHandlers constructs cart handlers guarded by buyer authentication.
func NewCartHandlers(authn *auth.BuyerAuthenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireBuyer())
	}
	r.Get("/", h.getCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{productRef}", h.updateItem)
	r.Delete("/items/{productRef}", h.removeItem)
	r.Put("/shipping", h.setShipping)
	r.Put("/payment-method", h.setPaymentMethod)
	r.Post("/merge", h.mergeCarts)
}

type cartLinePayload struct {
	ProductRef  string `json:"productRef"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	LineTotal   int64  `json:"lineTotal"`
	DisplayName string `json:"displayName,omitempty"`
	ImageRef    string `json:"imageRef,omitempty"`
	AddedAt     string `json:"addedAt,omitempty"`
}

type cartPayload struct {
	OwnerKey      string            `json:"ownerKey"`
	Lines         []cartLinePayload `json:"lines"`
	ItemsCount    int               `json:"itemsCount"`
	ItemsTotal    int64             `json:"itemsTotal"`
	Shipping      *addressPayload   `json:"shipping,omitempty"`
	PaymentMethod string            `json:"paymentMethod,omitempty"`
	UpdatedAt     string            `json:"updatedAt,omitempty"`
}

type addItemRequest struct {
	ProductRef string `json:"productRef"`
	Quantity   int    `json:"quantity"`
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

type paymentMethodRequest struct {
	Method string `json:"method"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	cart, err := h.carts.GetCart(ctx, caller.OwnerKey)
	h.respond(ctx, w, cart, err)
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	var req addItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	cart, err := h.carts.AddItem(ctx, services.CartAddItemCommand{
		OwnerKey:   caller.OwnerKey,
		ProductRef: strings.TrimSpace(req.ProductRef),
		Quantity:   req.Quantity,
	})
	h.respond(ctx, w, cart, err)
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	var req updateItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	cart, err := h.carts.UpdateQuantity(ctx, services.CartUpdateQuantityCommand{
		OwnerKey:   caller.OwnerKey,
		ProductRef: strings.TrimSpace(chi.URLParam(r, "productRef")),
		Quantity:   req.Quantity,
	})
	h.respond(ctx, w, cart, err)
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveItem(ctx, caller.OwnerKey, strings.TrimSpace(chi.URLParam(r, "productRef")))
	h.respond(ctx, w, cart, err)
}

func (h *CartHandlers) setShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	var req addressPayload
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	cart, err := h.carts.SetShippingDraft(ctx, caller.OwnerKey, req.toDomain())
	h.respond(ctx, w, cart, err)
}

func (h *CartHandlers) setPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	caller, ok := buyerCaller(ctx, w)
	if !ok {
		return
	}
	var req paymentMethodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	method := services.PaymentMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	cart, err := h.carts.SetPaymentMethodDraft(ctx, caller.OwnerKey, method)
	h.respond(ctx, w, cart, err)
}

// mergeCarts folds the anonymous session cart into the signed-in user's cart. The caller must present
// both the ID token and the session header of the cart being adopted.
func (h *CartHandlers) mergeCarts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		serviceUnavailable(ctx, w, "cart")
		return
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || principal == nil || principal.Anonymous || strings.TrimSpace(principal.UserID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "merging carts requires a signed-in user", http.StatusUnauthorized))
		return
	}
	if strings.TrimSpace(principal.SessionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session header identifying the anonymous cart is required", http.StatusBadRequest))
		return
	}
	cart, err := h.carts.MergeCarts(ctx, auth.AnonymousOwnerKey(principal.SessionID), principal.OwnerKey)
	h.respond(ctx, w, cart, err)
}

func (h *CartHandlers) respond(ctx context.Context, w http.ResponseWriter, cart services.Cart, err error) {
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, buildCartPayload(cart))
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		OwnerKey:      cart.OwnerKey,
		Lines:         make([]cartLinePayload, 0, len(cart.Lines)),
		PaymentMethod: string(cart.PaymentMethodDraft),
		UpdatedAt:     formatTime(cart.UpdatedAt),
	}
	for _, line := range cart.Lines {
		total := line.UnitPriceSnapshot * int64(line.Quantity)
		payload.Lines = append(payload.Lines, cartLinePayload{
			ProductRef:  line.ProductRef,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPriceSnapshot,
			LineTotal:   total,
			DisplayName: line.DisplayName,
			ImageRef:    line.ImageRef,
			AddedAt:     formatTime(line.AddedAt),
		})
		payload.ItemsCount += line.Quantity
		payload.ItemsTotal += total
	}
	if cart.ShippingDraft != nil {
		addr := buildAddressPayload(*cart.ShippingDraft)
		payload.Shipping = &addr
	}
	return payload
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", "cart item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		serviceUnavailable(ctx, w, "cart")
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart request", http.StatusInternalServerError))
	}
}
