package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

const testWebhookSecret = "whsec_test"

type stubIntentAPI struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return s.intent, nil
}

func newTestStripeProvider(t *testing.T, api stripePaymentIntentAPI) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: testWebhookSecret,
		intents:       api,
		Clock: func() time.Time {
			return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func signStripePayload(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(eventType, intentID, attemptID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "type": %q,
  "api_version": "2024-04-10",
  "data": {
    "object": {
      "id": %q,
      "object": "payment_intent",
      "amount": %d,
      "currency": "inr",
      "status": "succeeded",
      "metadata": {"attempt_id": %q}
    }
  }
}`, eventType, intentID, amount, attemptID))
}

func TestStripeProviderCreateIntent(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		Amount:       178185,
		Currency:     stripe.Currency("inr"),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		ClientSecret: "pi_123_secret",
	}}
	provider := newTestStripeProvider(t, api)

	intent, err := provider.CreateIntent(context.Background(), IntentRequest{
		Amount:    178185,
		Currency:  "INR",
		AttemptID: "att_1",
		Customer:  domain.CustomerInfo{ID: "user_1", Email: "buyer@example.com"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.IntentID != "pi_123" || intent.ClientSecret != "pi_123_secret" || intent.Currency != "INR" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.Status != domain.IntentStatusRequiresAction {
		t.Fatalf("expected requires action status, got %q", intent.Status)
	}
	if api.params == nil || api.params.IdempotencyKey == nil || *api.params.IdempotencyKey != "intent:att_1" {
		t.Fatalf("expected idempotency key keyed on attempt")
	}
	if api.params.Metadata[stripeMetadataAttemptID] != "att_1" {
		t.Fatalf("expected attempt metadata, got %v", api.params.Metadata)
	}
	if *api.params.Currency != "inr" {
		t.Fatalf("expected lowercase currency, got %q", *api.params.Currency)
	}
}

func TestStripeProviderClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: 429}, want: ErrTransient},
		{name: "server error", err: &stripe.Error{HTTPStatusCode: 502}, want: ErrTransient},
		{name: "card declined", err: &stripe.Error{HTTPStatusCode: 402, Type: stripe.ErrorTypeCard}, want: ErrGatewayRejected},
		{name: "network", err: errors.New("connection reset"), want: ErrTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newTestStripeProvider(t, &stubIntentAPI{err: tc.err})
			_, err := provider.CreateIntent(context.Background(), IntentRequest{Amount: 100, Currency: "INR", AttemptID: "att_1"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStripeProviderVerifyCallback(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})
	payload := stripeEvent("payment_intent.succeeded", "pi_123", "att_1", 178185)

	payment, err := provider.VerifyCallback(context.Background(), payload, signStripePayload(payload, time.Now()))
	if err != nil {
		t.Fatalf("verify callback: %v", err)
	}
	if payment.GatewayPaymentID != "pi_123" || payment.GatewayOrderID != "att_1" {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if payment.Amount != 178185 || payment.Currency != "INR" || payment.Status != domain.IntentStatusSucceeded {
		t.Fatalf("unexpected payment details %+v", payment)
	}
}

func TestStripeProviderVerifyCallbackFailedEvent(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})
	payload := stripeEvent("payment_intent.payment_failed", "pi_123", "att_1", 500)

	payment, err := provider.VerifyCallback(context.Background(), payload, signStripePayload(payload, time.Now()))
	if err != nil {
		t.Fatalf("verify callback: %v", err)
	}
	if payment.Status != domain.IntentStatusFailed {
		t.Fatalf("expected failed status, got %q", payment.Status)
	}
}

func TestStripeProviderRejectsTamperedPayload(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})
	payload := stripeEvent("payment_intent.succeeded", "pi_123", "att_1", 178185)
	signature := signStripePayload(payload, time.Now())
	tampered := stripeEvent("payment_intent.succeeded", "pi_123", "att_1", 1)

	if _, err := provider.VerifyCallback(context.Background(), tampered, signature); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	stale := signStripePayload(payload, time.Now().Add(-time.Hour))
	if _, err := provider.VerifyCallback(context.Background(), payload, stale); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
}

func TestStripeProviderIgnoresOtherEventTypes(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})
	for _, eventType := range []string{"charge.refunded", "payment_intent.created", "customer.created"} {
		payload := stripeEvent(eventType, "pi_123", "att_1", 100)
		_, err := provider.VerifyCallback(context.Background(), payload, signStripePayload(payload, time.Now()))
		if !errors.Is(err, ErrEventIgnored) {
			t.Fatalf("%s: expected ErrEventIgnored, got %v", eventType, err)
		}
		if errors.Is(err, ErrPayloadMalformed) {
			t.Fatalf("%s: ignored events must not read as malformed", eventType)
		}
	}

	forged := stripeEvent("charge.refunded", "pi_123", "att_1", 100)
	if _, err := provider.VerifyCallback(context.Background(), forged, "t=1,v1=deadbeef"); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected unsigned event to fail verification first, got %v", err)
	}
}

func TestStripeProviderRejectsMalformedIntents(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})

	missing := stripeEvent("payment_intent.succeeded", "pi_123", "", 100)
	if _, err := provider.VerifyCallback(context.Background(), missing, signStripePayload(missing, time.Now())); !errors.Is(err, ErrPayloadMalformed) {
		t.Fatalf("expected missing attempt metadata to be malformed, got %v", err)
	}
}

func TestManagerVerifyCallbackThroughStripe(t *testing.T) {
	provider := newTestStripeProvider(t, &stubIntentAPI{})
	mgr, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	payload := stripeEvent("payment_intent.succeeded", "pi_9", "att_9", 100)
	payment, err := mgr.VerifyCallback(context.Background(), "Stripe", payload, signStripePayload(payload, time.Now()))
	if err != nil {
		t.Fatalf("verify callback: %v", err)
	}
	if payment.Provider != "stripe" || payment.GatewayPaymentID != "pi_9" {
		t.Fatalf("unexpected payment %+v", payment)
	}
}
