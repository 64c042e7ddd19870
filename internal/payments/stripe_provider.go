package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

const stripeMetadataAttemptID = "attempt_id"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey           string
	WebhookSecret    string
	AccountID        string
	WebhookTolerance time.Duration
	Backends         *stripe.Backends
	Logger           StripeLogger
	Clock            func() time.Time

	intents stripePaymentIntentAPI
}

// StripeProvider implements Provider with Stripe PaymentIntents and signed webhooks.
type StripeProvider struct {
	intents       stripePaymentIntentAPI
	account       string
	webhookSecret string
	tolerance     time.Duration
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	intents := cfg.intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	return &StripeProvider{
		intents:       intents,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: secret,
		tolerance:     tolerance,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent creates a PaymentIntent keyed by the attempt id so retries never open a second intent.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error) {
	if p == nil {
		return domain.PaymentIntent{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent:" + req.AttemptID)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddMetadata(stripeMetadataAttemptID, req.AttemptID)
	if id := strings.TrimSpace(req.Customer.ID); id != "" {
		params.AddMetadata("customer_ref", id)
	}
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return domain.PaymentIntent{}, classifyStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"attemptId":     req.AttemptID,
		"amount":        intent.Amount,
	})

	createdAt := p.clock()
	if intent.Created != 0 {
		createdAt = time.Unix(intent.Created, 0).UTC()
	}
	return domain.PaymentIntent{
		IntentID:     intent.ID,
		Provider:     "stripe",
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		AttemptID:    req.AttemptID,
		Status:       stripeIntentStatus(intent.Status),
		ClientSecret: intent.ClientSecret,
		CreatedAt:    createdAt,
	}, nil
}

// VerifyCallback checks the Stripe-Signature header and decodes payment_intent events.
func (p *StripeProvider) VerifyCallback(ctx context.Context, rawPayload []byte, signature string) (domain.VerifiedPayment, error) {
	if p == nil {
		return domain.VerifiedPayment{}, errors.New("stripe: provider is nil")
	}
	event, err := webhook.ConstructEventWithOptions(rawPayload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: stripe: %v", ErrSignatureInvalid, err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return domain.VerifiedPayment{}, fmt.Errorf("%w: stripe: event type %q", ErrEventIgnored, event.Type)
	}
	if event.Data == nil {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: stripe: event %s has no data", ErrPayloadMalformed, event.ID)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: stripe: decode payment intent: %v", ErrPayloadMalformed, err)
	}
	attemptID := strings.TrimSpace(intent.Metadata[stripeMetadataAttemptID])
	if intent.ID == "" || attemptID == "" {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: stripe: payment intent lacks id or attempt metadata", ErrPayloadMalformed)
	}

	status := stripeIntentStatus(intent.Status)
	if event.Type == "payment_intent.payment_failed" {
		status = domain.IntentStatusFailed
	}
	p.logger(ctx, "payments.stripe.webhook.verified", map[string]any{
		"eventId":       event.ID,
		"eventType":     string(event.Type),
		"paymentIntent": intent.ID,
	})
	return domain.VerifiedPayment{
		Provider:         "stripe",
		GatewayPaymentID: intent.ID,
		GatewayOrderID:   attemptID,
		Amount:           intent.Amount,
		Currency:         strings.ToUpper(string(intent.Currency)),
		Status:           status,
	}, nil
}

func stripeIntentStatus(status stripe.PaymentIntentStatus) domain.IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.IntentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return domain.IntentStatusCanceled
	default:
		return domain.IntentStatusRequiresAction
	}
}

// classifyStripeError marks network failures, rate limits and 5xx responses as transient.
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrTransient, err)
		}
		if code == 0 && stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrTransient, err)
		}
		return fmt.Errorf("stripe: %s: %w: %v", op, ErrGatewayRejected, err)
	}
	return fmt.Errorf("stripe: %s: %w: %v", op, ErrTransient, err)
}
