package visit

import (
	"time"

	"propflow/lifecycle"
)

// Visit is a buyer's scheduled property tour. The agent on the listing at
// request time is pinned to the visit so later reassignment does not move
// in-flight tours.
type Visit struct {
	ID          string
	PropertyID  string
	BuyerID     string
	AgentID     string
	ScheduledAt time.Time
	Status      lifecycle.VisitStatus

	// GPS proof captured at check-in. Nil until the agent checks in.
	CheckinLat       *float64
	CheckinLng       *float64
	CheckinDistanceM *float64
	CheckedInAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Verification is the immutable proof record written when a visit completes.
// It pins both proofs: the GPS check-in and the consumed buyer code.
type Verification struct {
	ID          string
	VisitID     string
	Lat         float64
	Lng         float64
	DistanceM   float64
	OTPRecordID string
	CreatedAt   time.Time
}

// Filters narrows visit queries.
type Filters struct {
	PropertyID string
	BuyerID    string
	AgentID    string
	Status     lifecycle.VisitStatus
	Page       int
	PageSize   int
}
