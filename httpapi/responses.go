package httpapi

import (
	"time"

	"propflow/assignment"
	"propflow/auth"
	"propflow/authz"
	"propflow/dispute"
	"propflow/offer"
	"propflow/property"
	"propflow/reservation"
	"propflow/visit"
)

// Detail responses carry allowed_actions computed from the viewer's
// relationship to the entity. List responses omit the action set to avoid
// one store round-trip per row.

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Phone     *string   `json:"phone,omitempty"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Phone:     u.Phone,
		Role:      string(u.Role),
		Status:    string(u.Status),
		CreatedAt: u.CreatedAt,
	}
}

type propertyResponse struct {
	ID             string    `json:"id"`
	SellerID       string    `json:"seller_id"`
	AgentID        *string   `json:"agent_id,omitempty"`
	Title          string    `json:"title"`
	Address        string    `json:"address"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	Price          int64     `json:"price"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	AllowedActions []string  `json:"allowed_actions,omitempty"`
}

func newPropertyResponse(p property.Property) propertyResponse {
	return propertyResponse{
		ID:        p.ID,
		SellerID:  p.SellerID,
		AgentID:   p.AgentID,
		Title:     p.Title,
		Address:   p.Address,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Price:     p.Price,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func newPropertyDetail(actor authz.Actor, p property.Property) propertyResponse {
	resp := newPropertyResponse(p)
	resp.AllowedActions = authz.Strings(authz.ForProperty(p.Status, propertyRel(actor, p)))
	return resp
}

func propertyRel(actor authz.Actor, p property.Property) authz.Relationship {
	switch {
	case actor.Admin():
		return authz.RelAdmin
	case actor.ID == p.SellerID:
		return authz.RelOwner
	case p.AgentID != nil && actor.ID == *p.AgentID:
		return authz.RelAssignee
	default:
		return authz.RelStranger
	}
}

type assignmentResponse struct {
	ID             string    `json:"id"`
	PropertyID     string    `json:"property_id"`
	AgentID        string    `json:"agent_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	AllowedActions []string  `json:"allowed_actions,omitempty"`
}

func newAssignmentResponse(a assignment.Assignment) assignmentResponse {
	return assignmentResponse{
		ID:         a.ID,
		PropertyID: a.PropertyID,
		AgentID:    a.AgentID,
		Status:     string(a.Status),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func newAssignmentDetail(actor authz.Actor, a assignment.Assignment, p property.Property) assignmentResponse {
	rel := authz.RelStranger
	switch {
	case actor.Admin():
		rel = authz.RelAdmin
	case actor.ID == a.AgentID:
		rel = authz.RelAssignee
	case actor.ID == p.SellerID:
		rel = authz.RelOwner
	}
	resp := newAssignmentResponse(a)
	resp.AllowedActions = authz.Strings(authz.ForAssignment(a.Status, rel))
	return resp
}

type visitResponse struct {
	ID               string     `json:"id"`
	PropertyID       string     `json:"property_id"`
	BuyerID          string     `json:"buyer_id"`
	AgentID          string     `json:"agent_id"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           string     `json:"status"`
	CheckinDistanceM *float64   `json:"checkin_distance_m,omitempty"`
	CheckedInAt      *time.Time `json:"checked_in_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	AllowedActions   []string   `json:"allowed_actions,omitempty"`
}

func newVisitResponse(v visit.Visit) visitResponse {
	return visitResponse{
		ID:               v.ID,
		PropertyID:       v.PropertyID,
		BuyerID:          v.BuyerID,
		AgentID:          v.AgentID,
		ScheduledAt:      v.ScheduledAt,
		Status:           string(v.Status),
		CheckinDistanceM: v.CheckinDistanceM,
		CheckedInAt:      v.CheckedInAt,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
}

func newVisitDetail(actor authz.Actor, v visit.Visit) visitResponse {
	rel := authz.RelStranger
	switch {
	case actor.Admin():
		rel = authz.RelAdmin
	case actor.ID == v.AgentID:
		rel = authz.RelAssignee
	case actor.ID == v.BuyerID:
		rel = authz.RelOwner
	}
	resp := newVisitResponse(v)
	resp.AllowedActions = authz.Strings(authz.ForVisit(v.Status, rel))
	return resp
}

type offerResponse struct {
	ID             string    `json:"id"`
	PropertyID     string    `json:"property_id"`
	BuyerID        string    `json:"buyer_id"`
	Amount         int64     `json:"amount"`
	TokenAmount    int64     `json:"token_amount"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	AllowedActions []string  `json:"allowed_actions,omitempty"`
}

func newOfferResponse(o offer.Offer) offerResponse {
	return offerResponse{
		ID:          o.ID,
		PropertyID:  o.PropertyID,
		BuyerID:     o.BuyerID,
		Amount:      o.Amount,
		TokenAmount: o.TokenAmount,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func newOfferDetail(actor authz.Actor, o offer.Offer, p property.Property) offerResponse {
	rel := authz.RelStranger
	switch {
	case actor.Admin():
		rel = authz.RelAdmin
	case actor.ID == o.BuyerID:
		rel = authz.RelOwner
	case actor.ID == p.SellerID, p.AgentID != nil && actor.ID == *p.AgentID:
		rel = authz.RelCounterparty
	}
	resp := newOfferResponse(o)
	resp.AllowedActions = authz.Strings(authz.ForOffer(o.Status, rel))
	return resp
}

type reservationResponse struct {
	ID             string    `json:"id"`
	PropertyID     string    `json:"property_id"`
	OfferID        string    `json:"offer_id"`
	BuyerID        string    `json:"buyer_id"`
	DepositAmount  int64     `json:"deposit_amount"`
	Status         string    `json:"status"`
	ReservedUntil  time.Time `json:"reserved_until"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	AllowedActions []string  `json:"allowed_actions,omitempty"`
}

func newReservationResponse(r reservation.Reservation) reservationResponse {
	return reservationResponse{
		ID:            r.ID,
		PropertyID:    r.PropertyID,
		OfferID:       r.OfferID,
		BuyerID:       r.BuyerID,
		DepositAmount: r.DepositAmount,
		Status:        string(r.Status),
		ReservedUntil: r.ReservedUntil,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func newReservationDetail(actor authz.Actor, r reservation.Reservation, p property.Property) reservationResponse {
	rel := authz.RelStranger
	switch {
	case actor.Admin():
		rel = authz.RelAdmin
	case actor.ID == r.BuyerID:
		rel = authz.RelOwner
	case actor.ID == p.SellerID, p.AgentID != nil && actor.ID == *p.AgentID:
		rel = authz.RelCounterparty
	}
	resp := newReservationResponse(r)
	resp.AllowedActions = authz.Strings(authz.ForReservation(r.Status, rel))
	return resp
}

type disputeResponse struct {
	ID             string     `json:"id"`
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	RaisedBy       string     `json:"raised_by"`
	Reason         string     `json:"reason"`
	Status         string     `json:"status"`
	Decision       *string    `json:"decision,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AllowedActions []string   `json:"allowed_actions,omitempty"`
}

func newDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:         d.ID,
		EntityType: string(d.EntityType),
		EntityID:   d.EntityID,
		RaisedBy:   d.RaisedBy,
		Reason:     d.Reason,
		Status:     string(d.Status),
		Notes:      d.Notes,
		ResolvedAt: d.ResolvedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.Decision != nil {
		decision := string(*d.Decision)
		resp.Decision = &decision
	}
	return resp
}

func newDisputeDetail(actor authz.Actor, d dispute.Dispute) disputeResponse {
	rel := authz.RelStranger
	switch {
	case actor.Admin():
		rel = authz.RelAdmin
	case actor.ID == d.RaisedBy:
		rel = authz.RelOwner
	}
	resp := newDisputeResponse(d)
	resp.AllowedActions = authz.Strings(authz.ForDispute(d.Status, rel))
	return resp
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newListResponse[T, S any](items []S, total int, convert func(S) T) listResponse[T] {
	out := make([]T, 0, len(items))
	for _, item := range items {
		out = append(out, convert(item))
	}
	return listResponse[T]{Items: out, Total: total}
}
