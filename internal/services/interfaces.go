package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
	"github.com/hanko-field/reconciler/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination       = domain.Pagination
	Address          = domain.Address
	Cart             = domain.Cart
	CartLine         = domain.CartLine
	CatalogProduct   = domain.CatalogProduct
	Reservation      = domain.Reservation
	Stock            = domain.Stock
	ExpiryReport     = domain.ExpiryReport
	Order            = domain.Order
	OrderLine        = domain.OrderLine
	OrderTotals      = domain.OrderTotals
	PaymentIntent    = domain.PaymentIntent
	VerifiedPayment  = domain.VerifiedPayment
	CustomerInfo     = domain.CustomerInfo
	CheckoutAttempt  = domain.CheckoutAttempt
	PaymentMethod    = domain.PaymentMethod
	FulfillmentState = domain.FulfillmentState
)

// Catalog exposes the authoritative price of a product. Implementations must not cache across calls.
type Catalog interface {
	GetCurrentPrice(ctx context.Context, productRef string) (CatalogProduct, error)
}

// CartService manages the pending selection of a cart owner.
type CartService interface {
	GetCart(ctx context.Context, ownerKey string) (Cart, error)
	AddItem(ctx context.Context, cmd CartAddItemCommand) (Cart, error)
	UpdateQuantity(ctx context.Context, cmd CartUpdateQuantityCommand) (Cart, error)
	RemoveItem(ctx context.Context, ownerKey, productRef string) (Cart, error)
	SetShippingDraft(ctx context.Context, ownerKey string, address Address) (Cart, error)
	SetPaymentMethodDraft(ctx context.Context, ownerKey string, method PaymentMethod) (Cart, error)
	MergeCarts(ctx context.Context, fromOwnerKey, intoOwnerKey string) (Cart, error)
	Clear(ctx context.Context, ownerKey string) error
}

// InventoryService owns stock reservation, commit, release and the stale sweep.
type InventoryService interface {
	Reserve(ctx context.Context, cmd InventoryReserveCommand) (Reservation, error)
	Commit(ctx context.Context, reservationID string) (Reservation, error)
	Release(ctx context.Context, reservationID, reason string) (Reservation, error)
	ExpireStale(ctx context.Context, limit int) (ExpiryReport, error)
	GetStock(ctx context.Context, productRef string) (Stock, error)
	SetStock(ctx context.Context, productRef string, onHand int) (Stock, error)
}

// OrderService exposes read access to orders plus the post-placement state transitions.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string, caller Caller) (Order, error)
	ListOrders(ctx context.Context, caller Caller, pager Pagination) (domain.CursorPage[Order], error)
	UpdateFulfillment(ctx context.Context, cmd OrderFulfillmentCommand) (Order, error)
	MarkCashCollected(ctx context.Context, cmd OrderCashCollectedCommand) (Order, error)
	Cancel(ctx context.Context, orderID string, caller Caller) (Order, error)
}

// PaymentGateway talks to the hosted payment provider.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (PaymentIntent, error)
	VerifyCallback(ctx context.Context, provider string, rawPayload []byte, signature string) (VerifiedPayment, error)
}

// CheckoutService is the reconciliation state machine.
type CheckoutService interface {
	BeginCheckout(ctx context.Context, cmd BeginCheckoutCommand) (CheckoutResult, error)
	HandlePaymentCallback(ctx context.Context, cmd PaymentCallbackCommand) (CallbackAck, error)
	GetAttempt(ctx context.Context, attemptID string, caller Caller) (CheckoutResult, error)
	CancelAttempt(ctx context.Context, attemptID string, caller Caller) (CheckoutResult, error)
	ExpireAbandoned(ctx context.Context, limit int) (AbandonReport, error)
}

// OrderNotifier delivers post-commit signals. Failures never roll back an order.
type OrderNotifier interface {
	NotifyOrderCommitted(ctx context.Context, order Order) error
	NotifyRefundRequired(ctx context.Context, signal RefundSignal) error
}

// Caller is the identity asserted by the auth collaborator.
type Caller struct {
	OwnerKey string
	Operator bool
}

type CartAddItemCommand struct {
	OwnerKey   string
	ProductRef string
	Quantity   int
}

type CartUpdateQuantityCommand struct {
	OwnerKey   string
	ProductRef string
	Quantity   int
}

type InventoryReserveCommand struct {
	ProductRef string
	Quantity   int
	AttemptID  string
	TTL        time.Duration
}

type OrderFulfillmentCommand struct {
	OrderID string
	Next    FulfillmentState
}

type OrderCashCollectedCommand struct {
	OrderID    string
	CollectRef string
}

// IntentRequest is forwarded to the gateway when an online payment starts.
type IntentRequest = payments.IntentRequest

// BeginCheckoutCommand starts or replays a checkout attempt for the owner's cart.
type BeginCheckoutCommand struct {
	OwnerKey            string
	AttemptID           string
	PaymentMethod       PaymentMethod
	Provider            string
	ShippingDestination Address
	DisplayedTotal      int64
	Customer            CustomerInfo
}

// PaymentInstructions tell the client how to pay for an online attempt.
type PaymentInstructions struct {
	Provider     string
	IntentID     string
	ClientSecret string
	RedirectURL  string
	Amount       int64
	Currency     string
}

// CheckoutResult summarises the state of an attempt after an orchestrator call.
type CheckoutResult struct {
	AttemptID     string
	State         domain.AttemptState
	FailureReason domain.FailureReason
	Totals        OrderTotals
	Instructions  *PaymentInstructions
	Order         *Order
}

// PaymentCallbackCommand carries the untrusted callback exactly as received.
type PaymentCallbackCommand struct {
	Provider   string
	RawPayload []byte
	Signature  string
}

// CallbackAck reports how a verified callback was applied.
type CallbackAck struct {
	AttemptID string
	OrderID   string
	State     domain.AttemptState
	Duplicate bool
}

// AbandonReport summarises an abandoned-attempt sweep.
type AbandonReport struct {
	Scanned   int
	Expired   int
	Recovered int
	Errors    int
}

// RefundSignal asks operators to refund a payment that could not be fulfilled.
type RefundSignal struct {
	AttemptID        string
	OwnerKey         string
	Provider         string
	GatewayPaymentID string
	Amount           int64
	Currency         string
	Reason           domain.FailureReason
	OccurredAt       time.Time
}
