package domain

// PricingLine is a priced quantity fed into the totals calculation.
type PricingLine struct {
	ProductRef string
	UnitPrice  int64
	Quantity   int
}

// ShippingRule describes the flat fee charged unless the items total exceeds the threshold.
type ShippingRule struct {
	FreeThreshold int64
	FlatFee       int64
}
