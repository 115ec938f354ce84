package property

import (
	"time"

	"propflow/lifecycle"
)

// Property is a seller's listing. AgentID is set once an assignment is
// accepted and cleared when the listing returns to DRAFT.
type Property struct {
	ID        string
	SellerID  string
	AgentID   *string
	Title     string
	Address   string
	Lat       float64
	Lng       float64
	Price     int64
	Status    lifecycle.PropertyStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateParams carries the seller-supplied fields for a new listing.
type CreateParams struct {
	Title   string  `json:"title"`
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Price   int64   `json:"price"`
}

// Filters narrows listing queries.
type Filters struct {
	SellerID string
	AgentID  string
	Status   lifecycle.PropertyStatus
	Page     int
	PageSize int
}
