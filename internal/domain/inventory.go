package domain

import "time"

// Stock tracks per-product counters. Reserved units are held by open reservations and are not yet
// deducted from OnHand.
type Stock struct {
	ProductRef string
	OnHand     int
	Reserved   int
	UpdatedAt  time.Time
}

// Available returns the quantity free for new reservations.
func (s Stock) Available() int {
	available := s.OnHand - s.Reserved
	if available < 0 {
		return 0
	}
	return available
}

// ExpiryReport summarises a stale reservation sweep.
type ExpiryReport struct {
	Scanned  int
	Released int
	Skipped  int
	Errors   int
}
