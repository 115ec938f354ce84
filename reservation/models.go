package reservation

import (
	"time"

	"propflow/lifecycle"
)

// Reservation is the time-bounded hold an accepted offer places on a
// property. While it is ACTIVE the property is RESERVED; the two rows move
// together or not at all.
type Reservation struct {
	ID            string
	PropertyID    string
	OfferID       string
	BuyerID       string
	DepositAmount int64
	Status        lifecycle.ReservationStatus
	ReservedUntil time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DefaultHoldWindow is how long a reservation holds the property before the
// sweeper releases it.
const DefaultHoldWindow = 30 * 24 * time.Hour

// Filters narrows reservation queries.
type Filters struct {
	PropertyID string
	BuyerID    string
	Status     lifecycle.ReservationStatus
	Page       int
	PageSize   int
}
