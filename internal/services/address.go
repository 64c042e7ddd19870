package services

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var addressPolicy = bluemonday.StrictPolicy()

const maxAddressFieldLength = 200

// sanitizeAddress strips markup and surrounding whitespace from user supplied address fields.
func sanitizeAddress(addr Address) Address {
	clean := func(value string) string {
		value = strings.TrimSpace(addressPolicy.Sanitize(value))
		if len(value) > maxAddressFieldLength {
			value = value[:maxAddressFieldLength]
		}
		return value
	}
	return Address{
		Recipient:  clean(addr.Recipient),
		Line1:      clean(addr.Line1),
		Line2:      clean(addr.Line2),
		City:       clean(addr.City),
		State:      clean(addr.State),
		PostalCode: clean(addr.PostalCode),
		Country:    strings.ToUpper(clean(addr.Country)),
		Phone:      clean(addr.Phone),
	}
}

func validateAddress(addr Address) []string {
	var missing []string
	if addr.Recipient == "" {
		missing = append(missing, "recipient")
	}
	if addr.Line1 == "" {
		missing = append(missing, "line1")
	}
	if addr.City == "" {
		missing = append(missing, "city")
	}
	if addr.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if addr.Country == "" {
		missing = append(missing, "country")
	}
	return missing
}
