package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/reconciler/internal/domain"
)

var (
	// ErrPricingEmptyCart is returned when there is nothing to price.
	ErrPricingEmptyCart = errors.New("pricing: empty cart")
	// ErrPricingInvalidLineItem is returned for non-positive quantities or negative prices.
	ErrPricingInvalidLineItem = errors.New("pricing: invalid line item")
	// ErrPricingInvalidRule is returned when the shipping rule or tax rate is unusable.
	ErrPricingInvalidRule = errors.New("pricing: invalid rule")
)

// PricingPolicy bundles the flat shipping rule and single tax rate applied to every checkout.
type PricingPolicy struct {
	Currency    string
	Shipping    domain.ShippingRule
	TaxRate     decimal.Decimal
	RuleVersion string
}

// ParseTaxRate parses a decimal fraction such as "0.05".
func ParseTaxRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: tax rate %q: %v", ErrPricingInvalidRule, raw, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: tax rate %s out of range", ErrPricingInvalidRule, rate)
	}
	return rate, nil
}

// ComputeTotals prices lines under the shipping rule and tax rate. Tax applies to items only. The exact
// grand total is rounded half-up to whole minor units once; tax absorbs the rounding so that
// GrandTotal == ItemsTotal + ShippingFee + Tax always holds.
func ComputeTotals(lines []domain.PricingLine, rule domain.ShippingRule, taxRate decimal.Decimal) (domain.OrderTotals, error) {
	if len(lines) == 0 {
		return domain.OrderTotals{}, ErrPricingEmptyCart
	}
	if rule.FlatFee < 0 || rule.FreeThreshold < 0 {
		return domain.OrderTotals{}, fmt.Errorf("%w: negative shipping rule", ErrPricingInvalidRule)
	}
	if taxRate.IsNegative() {
		return domain.OrderTotals{}, fmt.Errorf("%w: negative tax rate", ErrPricingInvalidRule)
	}

	items := decimal.Zero
	for _, line := range lines {
		if line.Quantity <= 0 {
			return domain.OrderTotals{}, fmt.Errorf("%w: %s quantity %d", ErrPricingInvalidLineItem, line.ProductRef, line.Quantity)
		}
		if line.UnitPrice < 0 {
			return domain.OrderTotals{}, fmt.Errorf("%w: %s price %d", ErrPricingInvalidLineItem, line.ProductRef, line.UnitPrice)
		}
		items = items.Add(decimal.NewFromInt(line.UnitPrice).Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if !items.IsInteger() || items.GreaterThan(decimal.NewFromInt(maxMinorUnits)) {
		return domain.OrderTotals{}, fmt.Errorf("%w: items total out of range", ErrPricingInvalidLineItem)
	}

	shipping := decimal.NewFromInt(rule.FlatFee)
	if items.GreaterThan(decimal.NewFromInt(rule.FreeThreshold)) {
		shipping = decimal.Zero
	}

	grand := items.Add(shipping).Add(items.Mul(taxRate)).Round(0)

	itemsTotal := items.IntPart()
	shippingFee := shipping.IntPart()
	grandTotal := grand.IntPart()
	totals := domain.OrderTotals{
		ItemsTotal:  itemsTotal,
		ShippingFee: shippingFee,
		Tax:         grandTotal - itemsTotal - shippingFee,
		GrandTotal:  grandTotal,
	}
	return totals, totals.Validate()
}

// Price applies the policy to lines and stamps currency and rule version.
func (p PricingPolicy) Price(lines []domain.PricingLine) (domain.OrderTotals, error) {
	totals, err := ComputeTotals(lines, p.Shipping, p.TaxRate)
	if err != nil {
		return domain.OrderTotals{}, err
	}
	totals.Currency = p.Currency
	totals.RuleVersion = p.RuleVersion
	return totals, nil
}

// maxMinorUnits caps totals well below int64 overflow.
const maxMinorUnits = int64(1) << 53
