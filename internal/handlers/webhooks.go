package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/platform/requestctx"
	"github.com/hanko-field/reconciler/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// signatureHeaders lists the headers gateways sign callbacks with, in lookup order.
var signatureHeaders = []string{"Stripe-Signature", "X-Payment-Signature", "X-Signature"}

// PaymentWebhookHandlers receives gateway callbacks. Authentication is the payload signature, so the
// group carries no buyer middleware.
type PaymentWebhookHandlers struct {
	checkout services.CheckoutService
}

// NewPaymentWebhookHandlers constructs the callback receiver.
func NewPaymentWebhookHandlers(checkout services.CheckoutService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{checkout: checkout}
}

// Routes registers POST /payments/{provider}.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handleCallback)
}

type callbackAckPayload struct {
	Received  bool   `json:"received"`
	AttemptID string `json:"attemptId,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
	State     string `json:"state,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// handleCallback answers 2xx only once the callback is durably applied. 5xx asks the gateway to retry;
// 4xx tells it not to.
func (h *PaymentWebhookHandlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		serviceUnavailable(ctx, w, "checkout")
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	requestctx.Annotate(ctx, "provider", provider)

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var signature string
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			signature = v
			break
		}
	}
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("signature_missing", "callback signature header is required", http.StatusUnauthorized))
		return
	}

	ack, err := h.checkout.HandlePaymentCallback(ctx, services.PaymentCallbackCommand{
		Provider:   provider,
		RawPayload: body,
		Signature:  signature,
	})
	if errors.Is(err, services.ErrCheckoutEventIgnored) {
		httpx.WriteJSON(w, http.StatusOK, callbackAckPayload{Received: true})
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCheckoutSignatureInvalid):
			httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "callback signature verification failed", http.StatusUnauthorized))
		case errors.Is(err, services.ErrCheckoutInvalidInput),
			errors.Is(err, services.ErrCheckoutAmountMismatch),
			errors.Is(err, services.ErrCheckoutInvalidState):
			httpx.WriteError(ctx, w, httpx.NewError("callback_rejected", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrCheckoutAttemptNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("attempt_not_found", "checkout attempt not found", http.StatusNotFound))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("callback_unavailable", "callback could not be applied; retry later", http.StatusServiceUnavailable))
		}
		return
	}

	requestctx.Annotate(ctx, "attempt_id", ack.AttemptID)
	httpx.WriteJSON(w, http.StatusOK, callbackAckPayload{
		Received:  true,
		AttemptID: ack.AttemptID,
		OrderID:   ack.OrderID,
		State:     string(ack.State),
		Duplicate: ack.Duplicate,
	})
}
