package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/reconciler/internal/platform/auth"
	"github.com/hanko-field/reconciler/internal/platform/httpx"
	"github.com/hanko-field/reconciler/internal/services"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// buyerCaller resolves the authenticated buyer or writes a 401.
func buyerCaller(ctx context.Context, w http.ResponseWriter) (services.Caller, bool) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || principal == nil || strings.TrimSpace(principal.OwnerKey) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Caller{}, false
	}
	return services.Caller{OwnerKey: principal.OwnerKey}, true
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service is unavailable", http.StatusServiceUnavailable))
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (p addressPayload) toDomain() services.Address {
	return services.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      strings.TrimSpace(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      strings.TrimSpace(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      strings.TrimSpace(p.Phone),
	}
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

type totalsPayload struct {
	Currency    string `json:"currency"`
	ItemsTotal  int64  `json:"itemsTotal"`
	ShippingFee int64  `json:"shippingFee"`
	Tax         int64  `json:"tax"`
	GrandTotal  int64  `json:"grandTotal"`
	RuleVersion string `json:"ruleVersion,omitempty"`
}

func buildTotalsPayload(t services.OrderTotals) totalsPayload {
	return totalsPayload{
		Currency:    t.Currency,
		ItemsTotal:  t.ItemsTotal,
		ShippingFee: t.ShippingFee,
		Tax:         t.Tax,
		GrandTotal:  t.GrandTotal,
		RuleVersion: t.RuleVersion,
	}
}

type orderLinePayload struct {
	ProductRef string `json:"productRef"`
	Name       string `json:"name,omitempty"`
	ImageRef   string `json:"imageRef,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
	LineTotal  int64  `json:"lineTotal"`
}

func buildOrderLines(lines []services.OrderLine) []orderLinePayload {
	out := make([]orderLinePayload, 0, len(lines))
	for _, line := range lines {
		out = append(out, orderLinePayload{
			ProductRef: line.ProductRef,
			Name:       line.Name,
			ImageRef:   line.ImageRef,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			LineTotal:  line.LineTotal,
		})
	}
	return out
}
