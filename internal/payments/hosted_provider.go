package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// HostedProviderConfig configures a generic hosted-checkout gateway that signs callbacks with
// HMAC-SHA256 over the raw body.
type HostedProviderConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
	Clock         func() time.Time
}

// HostedProvider talks JSON over HTTPS to a hosted checkout page provider.
type HostedProvider struct {
	name    string
	baseURL string
	apiKey  string
	secret  []byte
	client  *http.Client
	clock   func() time.Time
}

type hostedIntentRequest struct {
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Reference string         `json:"reference"`
	Customer  hostedCustomer `json:"customer"`
}

type hostedCustomer struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type hostedIntentResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type hostedCallback struct {
	PaymentID string `json:"payment_id"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
}

// NewHostedProvider constructs a HostedProvider.
func NewHostedProvider(cfg HostedProviderConfig) (*HostedProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("hosted: base url is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("hosted: webhook secret is required")
	}
	name := normaliseProvider(cfg.Name)
	if name == "" {
		name = "hosted"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &HostedProvider{
		name:    name,
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		secret:  []byte(secret),
		client:  httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// CreateIntent opens a hosted checkout for the attempt.
func (p *HostedProvider) CreateIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error) {
	body, err := json.Marshal(hostedIntentRequest{
		Amount:    req.Amount,
		Currency:  strings.ToUpper(req.Currency),
		Reference: req.AttemptID,
		Customer: hostedCustomer{
			ID:    req.Customer.ID,
			Email: req.Customer.Email,
			Name:  req.Customer.Name,
			Phone: req.Customer.Phone,
		},
	})
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s: encode intent: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/intents", bytes.NewReader(body))
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", "intent:"+req.AttemptID)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w: %v", p.name, ErrTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w: read response: %v", p.name, ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w: status %d", p.name, ErrTransient, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w: status %d: %s", p.name, ErrGatewayRejected, resp.StatusCode, truncate(string(payload), 200))
	}

	var decoded hostedIntentResponse
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded.ID == "" {
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w: malformed intent response", p.name, ErrGatewayRejected)
	}
	return domain.PaymentIntent{
		IntentID:    decoded.ID,
		Provider:    p.name,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		AttemptID:   req.AttemptID,
		Status:      hostedStatus(decoded.Status),
		RedirectURL: decoded.RedirectURL,
		CreatedAt:   p.clock(),
	}, nil
}

// VerifyCallback checks the hex HMAC-SHA256 signature of the raw body before decoding it.
func (p *HostedProvider) VerifyCallback(_ context.Context, rawPayload []byte, signature string) (domain.VerifiedPayment, error) {
	given, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if err != nil || len(given) == 0 {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: %s: signature is not hex", ErrSignatureInvalid, p.name)
	}
	if !hmac.Equal(given, SignHostedPayload(p.secret, rawPayload)) {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: %s: signature mismatch", ErrSignatureInvalid, p.name)
	}

	var cb hostedCallback
	if err := json.Unmarshal(rawPayload, &cb); err != nil {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: %s: %v", ErrPayloadMalformed, p.name, err)
	}
	if strings.TrimSpace(cb.PaymentID) == "" || strings.TrimSpace(cb.Reference) == "" {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: %s: payment_id and reference are required", ErrPayloadMalformed, p.name)
	}
	status := hostedStatus(cb.Status)
	if status == domain.IntentStatusRequiresAction {
		return domain.VerifiedPayment{}, fmt.Errorf("%w: %s: non-final status %q", ErrEventIgnored, p.name, cb.Status)
	}
	return domain.VerifiedPayment{
		Provider:         p.name,
		GatewayPaymentID: strings.TrimSpace(cb.PaymentID),
		GatewayOrderID:   strings.TrimSpace(cb.Reference),
		Amount:           cb.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(cb.Currency)),
		Status:           status,
	}, nil
}

// SignHostedPayload returns the raw HMAC-SHA256 of payload.
func SignHostedPayload(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func hostedStatus(status string) domain.IntentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "success", "captured", "paid":
		return domain.IntentStatusSucceeded
	case "failed", "declined":
		return domain.IntentStatusFailed
	case "canceled", "cancelled":
		return domain.IntentStatusCanceled
	default:
		return domain.IntentStatusRequiresAction
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
