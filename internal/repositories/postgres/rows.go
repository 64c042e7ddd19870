package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

type addressJSON struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type cartLineJSON struct {
	ProductRef        string    `json:"productRef"`
	Quantity          int       `json:"qty"`
	UnitPriceSnapshot int64     `json:"unitPriceSnapshot"`
	DisplayName       string    `json:"displayName"`
	ImageRef          string    `json:"imageRef,omitempty"`
	AddedAt           time.Time `json:"addedAt"`
}

type orderLineJSON struct {
	ProductRef string `json:"productRef"`
	Name       string `json:"name"`
	ImageRef   string `json:"imageRef,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"qty"`
	LineTotal  int64  `json:"lineTotal"`
}

type totalsJSON struct {
	Currency    string `json:"currency"`
	ItemsTotal  int64  `json:"itemsTotal"`
	ShippingFee int64  `json:"shippingFee"`
	Tax         int64  `json:"tax"`
	GrandTotal  int64  `json:"grandTotal"`
	RuleVersion string `json:"ruleVersion,omitempty"`
}

type intentJSON struct {
	IntentID     string    `json:"intentId"`
	Provider     string    `json:"provider"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	AttemptID    string    `json:"attemptId"`
	Status       string    `json:"status"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	RedirectURL  string    `json:"redirectUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type customerJSON struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// attemptJSON is stored whole in checkout_attempts.data; state and abandon_at are duplicated into
// columns for the sweep index.
type attemptJSON struct {
	OwnerKey            string          `json:"ownerKey"`
	State               string          `json:"state"`
	FailureReason       string          `json:"failureReason,omitempty"`
	Lines               []orderLineJSON `json:"lines"`
	Totals              totalsJSON      `json:"totals"`
	ClientTotal         int64           `json:"clientTotal"`
	ShippingDestination addressJSON     `json:"shippingDestination"`
	PaymentMethod       string          `json:"paymentMethod"`
	Customer            customerJSON    `json:"customer"`
	ReservationIDs      []string        `json:"reservationIds"`
	Intent              *intentJSON     `json:"intent,omitempty"`
	OrderID             string          `json:"orderId,omitempty"`
	ExternalPaymentRef  string          `json:"externalPaymentRef,omitempty"`
	AbandonAt           time.Time       `json:"abandonAt"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

func encodeCartLines(lines []domain.CartLine) ([]byte, error) {
	out := make([]cartLineJSON, len(lines))
	for i, line := range lines {
		out[i] = cartLineJSON(line)
		out[i].AddedAt = line.AddedAt.UTC()
	}
	return marshal("cart lines", out)
}

func decodeCartLines(raw []byte) ([]domain.CartLine, error) {
	var lines []cartLineJSON
	if err := unmarshal("cart lines", raw, &lines); err != nil {
		return nil, err
	}
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		out[i] = domain.CartLine(line)
	}
	return out, nil
}

func encodeOrderLines(lines []domain.OrderLine) ([]byte, error) {
	return marshal("order lines", toOrderLinesJSON(lines))
}

func toOrderLinesJSON(lines []domain.OrderLine) []orderLineJSON {
	out := make([]orderLineJSON, len(lines))
	for i, line := range lines {
		out[i] = orderLineJSON(line)
	}
	return out
}

func fromOrderLinesJSON(lines []orderLineJSON) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines))
	for i, line := range lines {
		out[i] = domain.OrderLine(line)
	}
	return out
}

func decodeOrderLines(raw []byte) ([]domain.OrderLine, error) {
	var lines []orderLineJSON
	if err := unmarshal("order lines", raw, &lines); err != nil {
		return nil, err
	}
	return fromOrderLinesJSON(lines), nil
}

func encodeAttempt(a domain.CheckoutAttempt) ([]byte, error) {
	doc := attemptJSON{
		OwnerKey:            a.OwnerKey,
		State:               string(a.State),
		FailureReason:       string(a.FailureReason),
		Lines:               toOrderLinesJSON(a.Lines),
		Totals:              totalsJSON(a.Totals),
		ClientTotal:         a.ClientTotal,
		ShippingDestination: addressJSON(a.ShippingDestination),
		PaymentMethod:       string(a.PaymentMethod),
		Customer:            customerJSON(a.Customer),
		ReservationIDs:      append([]string(nil), a.ReservationIDs...),
		OrderID:             a.OrderID,
		ExternalPaymentRef:  a.ExternalPaymentRef,
		AbandonAt:           a.AbandonAt.UTC(),
		CreatedAt:           a.CreatedAt.UTC(),
		UpdatedAt:           a.UpdatedAt.UTC(),
	}
	if a.Intent != nil {
		doc.Intent = &intentJSON{
			IntentID:     a.Intent.IntentID,
			Provider:     a.Intent.Provider,
			Amount:       a.Intent.Amount,
			Currency:     a.Intent.Currency,
			AttemptID:    a.Intent.AttemptID,
			Status:       string(a.Intent.Status),
			ClientSecret: a.Intent.ClientSecret,
			RedirectURL:  a.Intent.RedirectURL,
			CreatedAt:    a.Intent.CreatedAt.UTC(),
		}
	}
	return marshal("checkout attempt", doc)
}

func decodeAttempt(id string, raw []byte) (domain.CheckoutAttempt, error) {
	var doc attemptJSON
	if err := unmarshal("checkout attempt", raw, &doc); err != nil {
		return domain.CheckoutAttempt{}, err
	}
	attempt := domain.CheckoutAttempt{
		ID:                  id,
		OwnerKey:            doc.OwnerKey,
		State:               domain.AttemptState(doc.State),
		FailureReason:       domain.FailureReason(doc.FailureReason),
		Lines:               fromOrderLinesJSON(doc.Lines),
		Totals:              domain.OrderTotals(doc.Totals),
		ClientTotal:         doc.ClientTotal,
		ShippingDestination: domain.Address(doc.ShippingDestination),
		PaymentMethod:       domain.PaymentMethod(doc.PaymentMethod),
		Customer:            domain.CustomerInfo(doc.Customer),
		ReservationIDs:      doc.ReservationIDs,
		OrderID:             doc.OrderID,
		ExternalPaymentRef:  doc.ExternalPaymentRef,
		AbandonAt:           doc.AbandonAt,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}
	if doc.Intent != nil {
		attempt.Intent = &domain.PaymentIntent{
			IntentID:     doc.Intent.IntentID,
			Provider:     doc.Intent.Provider,
			Amount:       doc.Intent.Amount,
			Currency:     doc.Intent.Currency,
			AttemptID:    doc.Intent.AttemptID,
			Status:       domain.IntentStatus(doc.Intent.Status),
			ClientSecret: doc.Intent.ClientSecret,
			RedirectURL:  doc.Intent.RedirectURL,
			CreatedAt:    doc.Intent.CreatedAt,
		}
	}
	return attempt, nil
}

func marshal(what string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", what, err)
	}
	return data, nil
}

func unmarshal(what string, raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func nullableText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
