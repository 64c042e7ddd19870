package domain

import (
	"errors"
	"fmt"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// PaymentMethod enumerates how the buyer settles an order.
type PaymentMethod string

const (
	// PaymentMethodCashOnDelivery confirms the order without contacting the gateway.
	PaymentMethodCashOnDelivery PaymentMethod = "cod"
	// PaymentMethodOnline routes the buyer through the hosted payment gateway.
	PaymentMethodOnline PaymentMethod = "online"
)

// Valid reports whether the payment method is recognised.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCashOnDelivery || m == PaymentMethodOnline
}

// Address represents a postal destination captured at checkout.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// IsZero reports whether no address fields were supplied.
func (a Address) IsZero() bool {
	return a == Address{}
}

// CartLine stores a single product selection within a cart.
type CartLine struct {
	ProductRef        string
	Quantity          int
	UnitPriceSnapshot int64
	DisplayName       string
	ImageRef          string
	AddedAt           time.Time
}

// Cart aggregates the pending selection of one owner (user or anonymous session).
type Cart struct {
	OwnerKey           string
	Lines              []CartLine
	ShippingDraft      *Address
	PaymentMethodDraft PaymentMethod
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LineIndex returns the index of the line holding productRef or -1.
func (c Cart) LineIndex(productRef string) int {
	for i, line := range c.Lines {
		if line.ProductRef == productRef {
			return i
		}
	}
	return -1
}

// IsEmpty reports whether the cart holds no lines.
func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// CatalogProduct is the authoritative price view returned by the catalog collaborator.
type CatalogProduct struct {
	ProductRef       string
	Price            int64
	Name             string
	ImageRef         string
	AvailableForSale bool
}

// ReservationStatus describes the lifecycle of a reservation token.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// Reservation is a provisional stock hold for one product within one checkout attempt.
type Reservation struct {
	ID            string
	ProductRef    string
	Quantity      int
	AttemptID     string
	Status        ReservationStatus
	ReleaseReason string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the hold has passed its deadline at now.
func (r Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Currency    string
	ItemsTotal  int64
	ShippingFee int64
	Tax         int64
	GrandTotal  int64
	RuleVersion string
}

// ErrTotalsMismatch indicates the grand total does not equal its components.
var ErrTotalsMismatch = errors.New("domain: grand total does not equal items + shipping + tax")

// Validate enforces the grand total invariant.
func (t OrderTotals) Validate() error {
	if t.ItemsTotal < 0 || t.ShippingFee < 0 || t.Tax < 0 {
		return fmt.Errorf("%w: negative component", ErrTotalsMismatch)
	}
	if t.GrandTotal != t.ItemsTotal+t.ShippingFee+t.Tax {
		return fmt.Errorf("%w: %d != %d + %d + %d", ErrTotalsMismatch, t.GrandTotal, t.ItemsTotal, t.ShippingFee, t.Tax)
	}
	return nil
}

// OrderLine freezes the catalog data of a purchased product.
type OrderLine struct {
	ProductRef string
	Name       string
	ImageRef   string
	UnitPrice  int64
	Quantity   int
	LineTotal  int64
}

// PaymentState enumerates the payment lifecycle of an order.
type PaymentState string

const (
	PaymentStateAwaitingPayment PaymentState = "awaiting_payment"
	PaymentStatePaid            PaymentState = "paid"
	PaymentStateFailed          PaymentState = "failed"
	PaymentStateCancelled       PaymentState = "cancelled"
)

// FulfillmentState enumerates coarse fulfilment labels for an order.
type FulfillmentState string

const (
	FulfillmentStatePending    FulfillmentState = "pending"
	FulfillmentStateProcessing FulfillmentState = "processing"
	FulfillmentStateShipped    FulfillmentState = "shipped"
	FulfillmentStateDelivered  FulfillmentState = "delivered"
	FulfillmentStateCancelled  FulfillmentState = "cancelled"
)

// Order is the durable record of a placed purchase.
type Order struct {
	ID                  string
	OwnerKey            string
	AttemptID           string
	IdempotencyKey      string
	Lines               []OrderLine
	ShippingDestination Address
	PaymentMethod       PaymentMethod
	Totals              OrderTotals
	PaymentState        PaymentState
	FulfillmentState    FulfillmentState
	ExternalPaymentRef  string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaidAt              *time.Time
	CancelledAt         *time.Time
}

// IntentStatus mirrors the gateway-side state of a payment intent.
type IntentStatus string

const (
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusFailed         IntentStatus = "failed"
	IntentStatusCanceled       IntentStatus = "canceled"
)

// PaymentIntent is the local mirror of an intent created at the gateway.
type PaymentIntent struct {
	IntentID     string
	Provider     string
	Amount       int64
	Currency     string
	AttemptID    string
	Status       IntentStatus
	ClientSecret string
	RedirectURL  string
	CreatedAt    time.Time
}

// VerifiedPayment is produced only from a callback whose signature checked out.
type VerifiedPayment struct {
	Provider         string
	GatewayPaymentID string
	GatewayOrderID   string
	Amount           int64
	Currency         string
	Status           IntentStatus
}

// Succeeded reports whether the gateway confirmed the funds.
func (p VerifiedPayment) Succeeded() bool {
	return p.Status == IntentStatusSucceeded
}

// CustomerInfo carries buyer details forwarded to the gateway.
type CustomerInfo struct {
	ID    string
	Email string
	Name  string
	Phone string
}

// AttemptState enumerates checkout attempt states.
type AttemptState string

const (
	AttemptStateValidating            AttemptState = "validating"
	AttemptStateReserving             AttemptState = "reserving"
	AttemptStateAwaitingOnlinePayment AttemptState = "awaiting_online_payment"
	AttemptStateDirectConfirm         AttemptState = "direct_confirm"
	AttemptStateCommitting            AttemptState = "committing"
	AttemptStateDone                  AttemptState = "done"
	AttemptStateFailed                AttemptState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s AttemptState) Terminal() bool {
	return s == AttemptStateDone || s == AttemptStateFailed
}

// AttemptStates is a set of attempt states.
type AttemptStates []AttemptState

// StalledAttemptStates are held only while a request is in flight. An attempt left in one of them
// belongs to a process that stopped before finishing.
var StalledAttemptStates = AttemptStates{
	AttemptStateValidating,
	AttemptStateReserving,
	AttemptStateDirectConfirm,
	AttemptStateCommitting,
}

// Contains reports whether state is in the set.
func (s AttemptStates) Contains(state AttemptState) bool {
	for _, candidate := range s {
		if candidate == state {
			return true
		}
	}
	return false
}

// Strings returns the states as plain strings for store queries.
func (s AttemptStates) Strings() []string {
	out := make([]string, len(s))
	for i, state := range s {
		out[i] = string(state)
	}
	return out
}

// FailureReason qualifies a failed attempt.
type FailureReason string

const (
	FailureInsufficientStock    FailureReason = "insufficient_stock"
	FailurePaymentDeclined      FailureReason = "payment_declined"
	FailureTimeout              FailureReason = "timeout"
	FailureCancelled            FailureReason = "cancelled"
	FailurePostHocStockConflict FailureReason = "post_hoc_stock_conflict"
	FailureGatewayUnavailable   FailureReason = "gateway_unavailable"
	FailureStoreUnavailable     FailureReason = "store_unavailable"
	// FailureDuplicatePayment only qualifies refund signals for a second payment on a completed attempt.
	FailureDuplicatePayment FailureReason = "duplicate_payment"
)

// CheckoutAttempt is the persisted state of one pass through the checkout state machine.
type CheckoutAttempt struct {
	ID                  string
	OwnerKey            string
	State               AttemptState
	FailureReason       FailureReason
	Lines               []OrderLine
	Totals              OrderTotals
	ClientTotal         int64
	ShippingDestination Address
	PaymentMethod       PaymentMethod
	Customer            CustomerInfo
	ReservationIDs      []string
	Intent              *PaymentIntent
	OrderID             string
	ExternalPaymentRef  string
	AbandonAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
