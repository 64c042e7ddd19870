package repositories

import (
	"time"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

// SettleCart removes the purchased quantities from cart and reports whether anything is left. Lines the
// buyer added or topped up after checkout began survive the commit.
func SettleCart(cart domain.Cart, purchased []domain.OrderLine, now time.Time) (domain.Cart, bool) {
	bought := make(map[string]int, len(purchased))
	for _, line := range purchased {
		bought[line.ProductRef] += line.Quantity
	}

	remaining := make([]domain.CartLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if qty := bought[line.ProductRef]; qty > 0 {
			take := min(qty, line.Quantity)
			bought[line.ProductRef] = qty - take
			line.Quantity -= take
		}
		if line.Quantity > 0 {
			remaining = append(remaining, line)
		}
	}
	cart.Lines = remaining
	cart.UpdatedAt = now
	if len(remaining) == 0 {
		return cart, false
	}
	return cart, true
}
