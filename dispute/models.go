package dispute

import (
	"time"

	"propflow/lifecycle"
)

// Decision is the admin's ruling on a resolved dispute.
type Decision string

const (
	DecisionBuyerFavor  Decision = "BUYER_FAVOR"
	DecisionSellerFavor Decision = "SELLER_FAVOR"
	DecisionNoFault     Decision = "NO_FAULT"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionBuyerFavor, DecisionSellerFavor, DecisionNoFault:
		return true
	default:
		return false
	}
}

// Dispute is a party's complaint about an entity they are involved with.
// The lifecycle past OPEN is admin-driven.
type Dispute struct {
	ID         string
	EntityType lifecycle.EntityType
	EntityID   string
	RaisedBy   string
	Reason     string
	Status     lifecycle.DisputeStatus
	Decision   *Decision
	Notes      *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// Filters narrows dispute queries.
type Filters struct {
	EntityType lifecycle.EntityType
	EntityID   string
	RaisedBy   string
	Status     lifecycle.DisputeStatus
	Page       int
	PageSize   int
}
