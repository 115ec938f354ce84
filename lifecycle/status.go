package lifecycle

// EntityType identifies the kind of record a status or audit entry refers to.
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityProperty    EntityType = "property"
	EntityAssignment  EntityType = "assignment"
	EntityVisit       EntityType = "visit"
	EntityOffer       EntityType = "offer"
	EntityReservation EntityType = "reservation"
	EntityDispute     EntityType = "dispute"
)

// Role is fixed at account creation and scopes which transitions an actor
// may drive.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAgent Role = "AGENT"
	RoleAdmin Role = "ADMIN"
)

// Valid reports whether the value belongs to the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleAdmin:
		return true
	default:
		return false
	}
}

// UserStatus enumerates account states. Role is fixed at creation; status is
// mutated by admin action or automated checks only.
type UserStatus string

const (
	UserPendingVerification UserStatus = "PENDING_VERIFICATION"
	UserActive              UserStatus = "ACTIVE"
	UserInReview            UserStatus = "IN_REVIEW"
	UserDeclined            UserStatus = "DECLINED"
	UserSuspended           UserStatus = "SUSPENDED"
)

// PropertyStatus enumerates listing states. DRAFT is the initial state and
// SOLD is terminal.
type PropertyStatus string

const (
	PropertyDraft        PropertyStatus = "DRAFT"
	PropertyPendingAgent PropertyStatus = "PENDING_ASSIGNMENT"
	PropertyAssigned     PropertyStatus = "ASSIGNED"
	PropertyVerifying    PropertyStatus = "VERIFICATION_IN_PROGRESS"
	PropertyActive       PropertyStatus = "ACTIVE"
	PropertyReserved     PropertyStatus = "RESERVED"
	PropertySold         PropertyStatus = "SOLD"
)

// AssignmentStatus enumerates agent-to-property work relationship states.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentDeclined  AssignmentStatus = "declined"
)

// VisitStatus enumerates visit-request states.
type VisitStatus string

const (
	VisitRequested VisitStatus = "REQUESTED"
	VisitApproved  VisitStatus = "APPROVED"
	VisitRejected  VisitStatus = "REJECTED"
	VisitCheckedIn VisitStatus = "CHECKED_IN"
	VisitCompleted VisitStatus = "COMPLETED"
	VisitCancelled VisitStatus = "CANCELLED"
	VisitNoShow    VisitStatus = "NO_SHOW"
	VisitCountered VisitStatus = "COUNTERED"
)

// OfferStatus enumerates buyer bid states.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCountered OfferStatus = "countered"
	OfferTokenPaid OfferStatus = "token_paid"
	OfferCompleted OfferStatus = "completed"
)

// ReservationStatus enumerates hold states on a property.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationExpired   ReservationStatus = "EXPIRED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// DisputeStatus enumerates the admin-driven dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "OPEN"
	DisputeUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeResolved    DisputeStatus = "RESOLVED"
	DisputeClosed      DisputeStatus = "CLOSED"
)

// userTransitions is admin/automation driven; there is no terminal user state
// because SUSPENDED and DECLINED accounts can be reinstated.
var userTransitions = map[UserStatus][]UserStatus{
	UserPendingVerification: {UserActive, UserInReview, UserDeclined},
	UserInReview:            {UserActive, UserDeclined},
	UserActive:              {UserSuspended, UserInReview},
	UserDeclined:            {UserInReview},
	UserSuspended:           {UserActive},
}

var propertyTransitions = map[PropertyStatus][]PropertyStatus{
	PropertyDraft:        {PropertyPendingAgent},
	PropertyPendingAgent: {PropertyAssigned, PropertyDraft},
	PropertyAssigned:     {PropertyVerifying, PropertyDraft},
	PropertyVerifying:    {PropertyActive, PropertyAssigned},
	PropertyActive:       {PropertyReserved, PropertyDraft},
	PropertyReserved:     {PropertyActive, PropertySold},
	PropertySold:         {},
}

// An accepted assignment can still decline: the seller withdrawing the
// property back to DRAFT voids the engagement.
var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentPending:   {AssignmentAccepted, AssignmentDeclined},
	AssignmentAccepted:  {AssignmentCompleted, AssignmentDeclined},
	AssignmentCompleted: {},
	AssignmentDeclined:  {},
}

var visitTransitions = map[VisitStatus][]VisitStatus{
	VisitRequested: {VisitApproved, VisitRejected, VisitCancelled, VisitCountered},
	VisitCountered: {VisitApproved, VisitRejected, VisitCancelled},
	VisitApproved:  {VisitCheckedIn, VisitCancelled, VisitNoShow},
	VisitCheckedIn: {VisitCompleted, VisitNoShow, VisitCancelled},
	VisitRejected:  {},
	VisitCompleted: {},
	VisitCancelled: {},
	VisitNoShow:    {},
}

// Once accepted, a bid is released by cancelling its reservation rather than
// rejecting the offer, so the reservation never outlives a dead offer.
var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferPending:   {OfferAccepted, OfferRejected, OfferCountered},
	OfferCountered: {OfferAccepted, OfferRejected},
	OfferAccepted:  {OfferTokenPaid},
	OfferTokenPaid: {OfferCompleted},
	OfferRejected:  {},
	OfferCompleted: {},
}

var reservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationActive:    {ReservationCompleted, ReservationExpired, ReservationCancelled},
	ReservationCompleted: {},
	ReservationExpired:   {},
	ReservationCancelled: {},
}

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeOpen:        {DisputeUnderReview, DisputeClosed},
	DisputeUnderReview: {DisputeResolved, DisputeClosed},
	DisputeResolved:    {DisputeClosed},
	DisputeClosed:      {},
}

func contains[S ~string](haystack []S, needle S) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Valid reports whether the value belongs to the closed status set. Any other
// value is a data-integrity error, not a reachable state.
func (s UserStatus) Valid() bool { _, ok := userTransitions[s]; return ok }

func (s PropertyStatus) Valid() bool    { _, ok := propertyTransitions[s]; return ok }
func (s AssignmentStatus) Valid() bool  { _, ok := assignmentTransitions[s]; return ok }
func (s VisitStatus) Valid() bool       { _, ok := visitTransitions[s]; return ok }
func (s OfferStatus) Valid() bool       { _, ok := offerTransitions[s]; return ok }
func (s ReservationStatus) Valid() bool { _, ok := reservationTransitions[s]; return ok }
func (s DisputeStatus) Valid() bool     { _, ok := disputeTransitions[s]; return ok }

// CanTransition reports whether the directed edge s -> to exists in the
// entity's transition graph.
func (s UserStatus) CanTransition(to UserStatus) bool {
	return contains(userTransitions[s], to)
}

func (s PropertyStatus) CanTransition(to PropertyStatus) bool {
	return contains(propertyTransitions[s], to)
}

func (s AssignmentStatus) CanTransition(to AssignmentStatus) bool {
	return contains(assignmentTransitions[s], to)
}

func (s VisitStatus) CanTransition(to VisitStatus) bool {
	return contains(visitTransitions[s], to)
}

func (s OfferStatus) CanTransition(to OfferStatus) bool {
	return contains(offerTransitions[s], to)
}

func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	return contains(reservationTransitions[s], to)
}

func (s DisputeStatus) CanTransition(to DisputeStatus) bool {
	return contains(disputeTransitions[s], to)
}

// Terminal reports whether no further transitions are possible.
func (s PropertyStatus) Terminal() bool { return s.Valid() && len(propertyTransitions[s]) == 0 }

func (s AssignmentStatus) Terminal() bool {
	return s.Valid() && len(assignmentTransitions[s]) == 0
}

func (s VisitStatus) Terminal() bool { return s.Valid() && len(visitTransitions[s]) == 0 }
func (s OfferStatus) Terminal() bool { return s.Valid() && len(offerTransitions[s]) == 0 }

func (s ReservationStatus) Terminal() bool {
	return s.Valid() && len(reservationTransitions[s]) == 0
}

func (s DisputeStatus) Terminal() bool { return s.Valid() && len(disputeTransitions[s]) == 0 }
