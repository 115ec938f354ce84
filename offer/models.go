package offer

import (
	"time"

	"propflow/lifecycle"
)

// Offer is a buyer's bid on a listing. Amount reflects the latest proposal;
// counters from the seller overwrite it in place with an audit trail.
type Offer struct {
	ID          string
	PropertyID  string
	BuyerID     string
	Amount      int64
	TokenAmount int64
	Status      lifecycle.OfferStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateParams carries a new bid.
type CreateParams struct {
	PropertyID  string `json:"property_id"`
	Amount      int64  `json:"amount"`
	TokenAmount int64  `json:"token_amount"`
}

// Filters narrows offer queries.
type Filters struct {
	PropertyID string
	BuyerID    string
	Status     lifecycle.OfferStatus
	Page       int
	PageSize   int
}
