package firestore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

const (
	cartsCollection         = "carts"
	productsCollection      = "products"
	stocksCollection        = "inventory"
	reservationsCollection  = "stockReservations"
	ordersCollection        = "orders"
	orderKeysCollection     = "orderIdempotencyKeys"
	paymentRefsCollection   = "orderPaymentRefs"
	orderAttemptsCollection = "orderAttempts"
	checkoutAttemptsCollect = "checkoutAttempts"
)

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func newAddressDocument(a domain.Address) addressDocument {
	return addressDocument(a)
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address(d)
}

type cartLineDocument struct {
	ProductRef        string    `firestore:"productRef"`
	Quantity          int       `firestore:"qty"`
	UnitPriceSnapshot int64     `firestore:"unitPriceSnapshot"`
	DisplayName       string    `firestore:"displayName"`
	ImageRef          string    `firestore:"imageRef,omitempty"`
	AddedAt           time.Time `firestore:"addedAt"`
}

type cartDocument struct {
	Lines              []cartLineDocument `firestore:"lines"`
	ShippingDraft      *addressDocument   `firestore:"shippingDraft,omitempty"`
	PaymentMethodDraft string             `firestore:"paymentMethodDraft,omitempty"`
	ItemsCount         int                `firestore:"itemsCount"`
	CreatedAt          time.Time          `firestore:"createdAt"`
	UpdatedAt          time.Time          `firestore:"updatedAt"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	lines := make([]cartLineDocument, len(cart.Lines))
	for i, line := range cart.Lines {
		lines[i] = cartLineDocument(line)
	}
	doc := cartDocument{
		Lines:              lines,
		PaymentMethodDraft: string(cart.PaymentMethodDraft),
		ItemsCount:         len(cart.Lines),
		CreatedAt:          cart.CreatedAt.UTC(),
		UpdatedAt:          cart.UpdatedAt.UTC(),
	}
	if cart.ShippingDraft != nil {
		addr := newAddressDocument(*cart.ShippingDraft)
		doc.ShippingDraft = &addr
	}
	return doc
}

func (d cartDocument) toDomain(ownerKey string) domain.Cart {
	lines := make([]domain.CartLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.CartLine(line)
	}
	cart := domain.Cart{
		OwnerKey:           ownerKey,
		Lines:              lines,
		PaymentMethodDraft: domain.PaymentMethod(d.PaymentMethodDraft),
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	if d.ShippingDraft != nil {
		addr := d.ShippingDraft.toDomain()
		cart.ShippingDraft = &addr
	}
	return cart
}

type productDocument struct {
	Price            int64  `firestore:"price"`
	Name             string `firestore:"name"`
	ImageRef         string `firestore:"imageRef,omitempty"`
	AvailableForSale bool   `firestore:"availableForSale"`
}

type stockDocument struct {
	OnHand    int       `firestore:"onHand"`
	Reserved  int       `firestore:"reserved"`
	Available int       `firestore:"available"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newStockDocument(stock domain.Stock) stockDocument {
	return stockDocument{
		OnHand:    stock.OnHand,
		Reserved:  stock.Reserved,
		Available: stock.Available(),
		UpdatedAt: stock.UpdatedAt.UTC(),
	}
}

func (d stockDocument) toDomain(productRef string) domain.Stock {
	return domain.Stock{
		ProductRef: productRef,
		OnHand:     d.OnHand,
		Reserved:   d.Reserved,
		UpdatedAt:  d.UpdatedAt,
	}
}

type reservationDocument struct {
	ProductRef    string    `firestore:"productRef"`
	Quantity      int       `firestore:"qty"`
	AttemptID     string    `firestore:"attemptId"`
	Status        string    `firestore:"status"`
	ReleaseReason string    `firestore:"releaseReason,omitempty"`
	ExpiresAt     time.Time `firestore:"expiresAt"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func newReservationDocument(res domain.Reservation) reservationDocument {
	return reservationDocument{
		ProductRef:    strings.TrimSpace(res.ProductRef),
		Quantity:      res.Quantity,
		AttemptID:     strings.TrimSpace(res.AttemptID),
		Status:        string(res.Status),
		ReleaseReason: res.ReleaseReason,
		ExpiresAt:     res.ExpiresAt.UTC(),
		CreatedAt:     res.CreatedAt.UTC(),
		UpdatedAt:     res.UpdatedAt.UTC(),
	}
}

func (d reservationDocument) toDomain(id string) domain.Reservation {
	return domain.Reservation{
		ID:            id,
		ProductRef:    d.ProductRef,
		Quantity:      d.Quantity,
		AttemptID:     d.AttemptID,
		Status:        domain.ReservationStatus(d.Status),
		ReleaseReason: d.ReleaseReason,
		ExpiresAt:     d.ExpiresAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type orderLineDocument struct {
	ProductRef string `firestore:"productRef"`
	Name       string `firestore:"name"`
	ImageRef   string `firestore:"imageRef,omitempty"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Quantity   int    `firestore:"qty"`
	LineTotal  int64  `firestore:"lineTotal"`
}

type totalsDocument struct {
	Currency    string `firestore:"currency"`
	ItemsTotal  int64  `firestore:"itemsTotal"`
	ShippingFee int64  `firestore:"shippingFee"`
	Tax         int64  `firestore:"tax"`
	GrandTotal  int64  `firestore:"grandTotal"`
	RuleVersion string `firestore:"ruleVersion,omitempty"`
}

func newOrderLines(lines []domain.OrderLine) []orderLineDocument {
	out := make([]orderLineDocument, len(lines))
	for i, line := range lines {
		out[i] = orderLineDocument(line)
	}
	return out
}

func orderLinesToDomain(lines []orderLineDocument) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines))
	for i, line := range lines {
		out[i] = domain.OrderLine(line)
	}
	return out
}

type orderDocument struct {
	OwnerKey            string              `firestore:"ownerKey"`
	AttemptID           string              `firestore:"attemptId"`
	IdempotencyKey      string              `firestore:"idempotencyKey"`
	Lines               []orderLineDocument `firestore:"lines"`
	ShippingDestination addressDocument     `firestore:"shippingDestination"`
	PaymentMethod       string              `firestore:"paymentMethod"`
	Totals              totalsDocument      `firestore:"totals"`
	PaymentState        string              `firestore:"paymentState"`
	FulfillmentState    string              `firestore:"fulfillmentState"`
	ExternalPaymentRef  string              `firestore:"externalPaymentRef,omitempty"`
	CreatedAt           time.Time           `firestore:"createdAt"`
	UpdatedAt           time.Time           `firestore:"updatedAt"`
	PaidAt              *time.Time          `firestore:"paidAt,omitempty"`
	CancelledAt         *time.Time          `firestore:"cancelledAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OwnerKey:            order.OwnerKey,
		AttemptID:           order.AttemptID,
		IdempotencyKey:      order.IdempotencyKey,
		Lines:               newOrderLines(order.Lines),
		ShippingDestination: newAddressDocument(order.ShippingDestination),
		PaymentMethod:       string(order.PaymentMethod),
		Totals:              totalsDocument(order.Totals),
		PaymentState:        string(order.PaymentState),
		FulfillmentState:    string(order.FulfillmentState),
		ExternalPaymentRef:  order.ExternalPaymentRef,
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
		PaidAt:              utcPtr(order.PaidAt),
		CancelledAt:         utcPtr(order.CancelledAt),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:                  id,
		OwnerKey:            d.OwnerKey,
		AttemptID:           d.AttemptID,
		IdempotencyKey:      d.IdempotencyKey,
		Lines:               orderLinesToDomain(d.Lines),
		ShippingDestination: d.ShippingDestination.toDomain(),
		PaymentMethod:       domain.PaymentMethod(d.PaymentMethod),
		Totals:              domain.OrderTotals(d.Totals),
		PaymentState:        domain.PaymentState(d.PaymentState),
		FulfillmentState:    domain.FulfillmentState(d.FulfillmentState),
		ExternalPaymentRef:  d.ExternalPaymentRef,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		PaidAt:              d.PaidAt,
		CancelledAt:         d.CancelledAt,
	}
}

// markerDocument claims a unique value (idempotency key or payment reference) for one order.
type markerDocument struct {
	Value     string    `firestore:"value"`
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// markerID hashes arbitrary keys into a safe document id.
func markerID(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type intentDocument struct {
	IntentID     string    `firestore:"intentId"`
	Provider     string    `firestore:"provider"`
	Amount       int64     `firestore:"amount"`
	Currency     string    `firestore:"currency"`
	Status       string    `firestore:"status"`
	ClientSecret string    `firestore:"clientSecret,omitempty"`
	RedirectURL  string    `firestore:"redirectUrl,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

type customerDocument struct {
	ID    string `firestore:"id,omitempty"`
	Email string `firestore:"email,omitempty"`
	Name  string `firestore:"name,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type attemptDocument struct {
	OwnerKey            string              `firestore:"ownerKey"`
	State               string              `firestore:"state"`
	FailureReason       string              `firestore:"failureReason,omitempty"`
	Lines               []orderLineDocument `firestore:"lines"`
	Totals              totalsDocument      `firestore:"totals"`
	ClientTotal         int64               `firestore:"clientTotal"`
	ShippingDestination addressDocument     `firestore:"shippingDestination"`
	PaymentMethod       string              `firestore:"paymentMethod"`
	Customer            customerDocument    `firestore:"customer"`
	ReservationIDs      []string            `firestore:"reservationIds"`
	Intent              *intentDocument     `firestore:"intent,omitempty"`
	OrderID             string              `firestore:"orderId,omitempty"`
	ExternalPaymentRef  string              `firestore:"externalPaymentRef,omitempty"`
	AbandonAt           time.Time           `firestore:"abandonAt"`
	CreatedAt           time.Time           `firestore:"createdAt"`
	UpdatedAt           time.Time           `firestore:"updatedAt"`
}

func newAttemptDocument(a domain.CheckoutAttempt) attemptDocument {
	doc := attemptDocument{
		OwnerKey:            a.OwnerKey,
		State:               string(a.State),
		FailureReason:       string(a.FailureReason),
		Lines:               newOrderLines(a.Lines),
		Totals:              totalsDocument(a.Totals),
		ClientTotal:         a.ClientTotal,
		ShippingDestination: newAddressDocument(a.ShippingDestination),
		PaymentMethod:       string(a.PaymentMethod),
		Customer:            customerDocument(a.Customer),
		ReservationIDs:      append([]string(nil), a.ReservationIDs...),
		OrderID:             a.OrderID,
		ExternalPaymentRef:  a.ExternalPaymentRef,
		AbandonAt:           a.AbandonAt.UTC(),
		CreatedAt:           a.CreatedAt.UTC(),
		UpdatedAt:           a.UpdatedAt.UTC(),
	}
	if a.Intent != nil {
		doc.Intent = &intentDocument{
			IntentID:     a.Intent.IntentID,
			Provider:     a.Intent.Provider,
			Amount:       a.Intent.Amount,
			Currency:     a.Intent.Currency,
			Status:       string(a.Intent.Status),
			ClientSecret: a.Intent.ClientSecret,
			RedirectURL:  a.Intent.RedirectURL,
			CreatedAt:    a.Intent.CreatedAt.UTC(),
		}
	}
	return doc
}

func (d attemptDocument) toDomain(id string) domain.CheckoutAttempt {
	attempt := domain.CheckoutAttempt{
		ID:                  id,
		OwnerKey:            d.OwnerKey,
		State:               domain.AttemptState(d.State),
		FailureReason:       domain.FailureReason(d.FailureReason),
		Lines:               orderLinesToDomain(d.Lines),
		Totals:              domain.OrderTotals(d.Totals),
		ClientTotal:         d.ClientTotal,
		ShippingDestination: d.ShippingDestination.toDomain(),
		PaymentMethod:       domain.PaymentMethod(d.PaymentMethod),
		Customer:            domain.CustomerInfo(d.Customer),
		ReservationIDs:      append([]string(nil), d.ReservationIDs...),
		OrderID:             d.OrderID,
		ExternalPaymentRef:  d.ExternalPaymentRef,
		AbandonAt:           d.AbandonAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	if d.Intent != nil {
		attempt.Intent = &domain.PaymentIntent{
			IntentID:     d.Intent.IntentID,
			Provider:     d.Intent.Provider,
			Amount:       d.Intent.Amount,
			Currency:     d.Intent.Currency,
			AttemptID:    id,
			Status:       domain.IntentStatus(d.Intent.Status),
			ClientSecret: d.Intent.ClientSecret,
			RedirectURL:  d.Intent.RedirectURL,
			CreatedAt:    d.Intent.CreatedAt,
		}
	}
	return attempt
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
