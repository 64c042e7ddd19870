package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/sony/gobreaker/v2"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

var (
	// ErrUnknownProvider is returned when the manager cannot locate a provider.
	ErrUnknownProvider = errors.New("payments: unknown provider")
	// ErrGatewayUnavailable is returned after retries are exhausted or the breaker is open.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected is returned when the provider refuses the request. It is never retried.
	ErrGatewayRejected = errors.New("payments: request rejected by provider")
	// ErrSignatureInvalid is returned when a callback signature does not verify.
	ErrSignatureInvalid = errors.New("payments: callback signature invalid")
	// ErrPayloadMalformed is returned when a verified callback cannot be decoded.
	ErrPayloadMalformed = errors.New("payments: callback payload malformed")
	// ErrEventIgnored is returned for authentic callbacks that carry no payment outcome.
	ErrEventIgnored = errors.New("payments: callback event ignored")

	// ErrTransient marks provider failures worth retrying (network errors, 5xx, 429).
	ErrTransient = errors.New("payments: transient provider failure")
)

// IntentRequest describes the payment intent to open for a checkout attempt.
type IntentRequest struct {
	Provider  string
	Amount    int64
	Currency  string
	AttemptID string
	Customer  domain.CustomerInfo
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error)
	VerifyCallback(ctx context.Context, rawPayload []byte, signature string) (domain.VerifiedPayment, error)
}

// RetryPolicy bounds CreateIntent retries.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// BreakerPolicy configures the per-provider circuit breaker.
type BreakerPolicy struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Logger mirrors the structured logging hook used across services.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Manager coordinates provider selection, retries and circuit breaking.
type Manager struct {
	providers       map[string]Provider
	breakers        map[string]*gobreaker.CircuitBreaker[domain.PaymentIntent]
	defaultProvider string
	retry           RetryPolicy
	breaker         BreakerPolicy
	sleep           func(context.Context, time.Duration) error
	logger          Logger
	mu              sync.Mutex
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when a request names none.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = normaliseProvider(provider)
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy RetryPolicy) ManagerOption {
	return func(m *Manager) {
		if policy.MaxAttempts > 0 {
			m.retry.MaxAttempts = policy.MaxAttempts
		}
		if policy.Initial > 0 {
			m.retry.Initial = policy.Initial
		}
		if policy.Max > 0 {
			m.retry.Max = policy.Max
		}
		if policy.Multiplier > 1 {
			m.retry.Multiplier = policy.Multiplier
		}
	}
}

// WithBreakerPolicy overrides the circuit breaker thresholds.
func WithBreakerPolicy(policy BreakerPolicy) ManagerOption {
	return func(m *Manager) {
		if policy.ConsecutiveFailures > 0 {
			m.breaker.ConsecutiveFailures = policy.ConsecutiveFailures
		}
		if policy.OpenTimeout > 0 {
			m.breaker.OpenTimeout = policy.OpenTimeout
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func withSleeper(sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseProvider(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
		breakers:  make(map[string]*gobreaker.CircuitBreaker[domain.PaymentIntent], len(copyMap)),
		retry: RetryPolicy{
			MaxAttempts: 3,
			Initial:     200 * time.Millisecond,
			Max:         2 * time.Second,
			Multiplier:  2,
		},
		breaker: BreakerPolicy{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
		sleep:  gax.Sleep,
		logger: func(context.Context, string, map[string]any) {},
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaultProvider != "" {
		if _, ok := m.providers[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %q is not registered", ErrUnknownProvider, m.defaultProvider)
		}
	}
	return m, nil
}

func (m *Manager) resolveProvider(name string) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if key := normaliseProvider(name); key != "" {
		if p, ok := m.providers[key]; ok {
			return key, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownProvider, key)
	}
	if m.defaultProvider != "" {
		return m.defaultProvider, m.providers[m.defaultProvider], nil
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnknownProvider
}

func (m *Manager) breakerFor(key string) *gobreaker.CircuitBreaker[domain.PaymentIntent] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[key]; ok {
		return cb
	}
	threshold := m.breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[domain.PaymentIntent](gobreaker.Settings{
		Name:    "payments." + key,
		Timeout: m.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Provider rejections say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger(context.Background(), "payments.breaker.state_changed", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	m.breakers[key] = cb
	return cb
}

// CreateIntent opens a payment intent on the resolved provider. Transient failures are retried with
// exponential backoff and jitter; rejections are returned immediately.
func (m *Manager) CreateIntent(ctx context.Context, req IntentRequest) (domain.PaymentIntent, error) {
	key, provider, err := m.resolveProvider(req.Provider)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if req.Amount <= 0 {
		return domain.PaymentIntent{}, fmt.Errorf("%w: amount must be positive", ErrGatewayRejected)
	}
	if strings.TrimSpace(req.AttemptID) == "" {
		return domain.PaymentIntent{}, fmt.Errorf("%w: attempt id is required", ErrGatewayRejected)
	}
	req.Provider = key
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	cb := m.breakerFor(key)
	backoff := gax.Backoff{
		Initial:    m.retry.Initial,
		Max:        m.retry.Max,
		Multiplier: m.retry.Multiplier,
	}

	var lastErr error
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		intent, err := cb.Execute(func() (domain.PaymentIntent, error) {
			return provider.CreateIntent(ctx, req)
		})
		if err == nil {
			intent.Provider = key
			if intent.AttemptID == "" {
				intent.AttemptID = req.AttemptID
			}
			return intent, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return domain.PaymentIntent{}, fmt.Errorf("%w: %s circuit open", ErrGatewayUnavailable, key)
		case !errors.Is(err, ErrTransient):
			if errors.Is(err, ErrGatewayRejected) {
				return domain.PaymentIntent{}, err
			}
			return domain.PaymentIntent{}, fmt.Errorf("%w: %v", ErrGatewayRejected, err)
		}

		m.logger(ctx, "payments.intent.retry", map[string]any{
			"provider":  key,
			"attemptId": req.AttemptID,
			"try":       attempt,
			"error":     err.Error(),
		})
		if attempt == m.retry.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, backoff.Pause()); err != nil {
			return domain.PaymentIntent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}
	return domain.PaymentIntent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, lastErr)
}

// VerifyCallback authenticates and decodes a provider callback. It is a point-in-time check and is
// never retried.
func (m *Manager) VerifyCallback(ctx context.Context, provider string, rawPayload []byte, signature string) (domain.VerifiedPayment, error) {
	key, p, err := m.resolveProvider(provider)
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	payment, err := p.VerifyCallback(ctx, rawPayload, signature)
	if err != nil {
		return domain.VerifiedPayment{}, err
	}
	payment.Provider = key
	return payment, nil
}

func normaliseProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
