package assignment

import (
	"time"

	"propflow/lifecycle"
)

// Assignment links an agent to a listing they work. The seller is derivable
// from the property row and is not duplicated here.
type Assignment struct {
	ID         string
	PropertyID string
	AgentID    string
	Status     lifecycle.AssignmentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Filters narrows assignment queries.
type Filters struct {
	PropertyID string
	AgentID    string
	Status     lifecycle.AssignmentStatus
	Page       int
	PageSize   int
}
