package authz

import "propflow/lifecycle"

// Relationship positions a viewer relative to an entity. It is derived from
// the authoritative store at request time, never from token claims.
type Relationship string

const (
	RelOwner        Relationship = "owner"
	RelAssignee     Relationship = "assignee"
	RelCounterparty Relationship = "counterparty"
	RelAdmin        Relationship = "admin"
	RelStranger     Relationship = "stranger"
)

// Action is a client-visible operation name. The computed action set is
// advisory for rendering; transition guards remain the enforcement point.
type Action string

const (
	ActionView            Action = "view"
	ActionEdit            Action = "edit"
	ActionEditLimited     Action = "edit-limited"
	ActionDelete          Action = "delete"
	ActionPublishRequest  Action = "publish-request"
	ActionAssignAgent     Action = "assign-agent"
	ActionAcceptWork      Action = "accept"
	ActionDeclineWork     Action = "decline"
	ActionCompleteWork    Action = "complete"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionCounter         Action = "counter"
	ActionCancel          Action = "cancel"
	ActionCheckIn         Action = "check-in"
	ActionVerifyOTP       Action = "verify-otp"
	ActionMarkNoShow      Action = "mark-no-show"
	ActionMakeOffer       Action = "make-offer"
	ActionAcceptOffer     Action = "accept-offer"
	ActionRejectOffer     Action = "reject-offer"
	ActionPayToken        Action = "pay-token"
	ActionCompleteSale    Action = "complete-sale"
	ActionRaiseDispute    Action = "raise-dispute"
	ActionReviewDispute   Action = "review"
	ActionResolveDispute  Action = "resolve"
	ActionCloseDispute    Action = "close"
	ActionRequestVisit    Action = "request-visit"
	ActionCancelHold      Action = "cancel-reservation"
	ActionCompleteHold    Action = "complete-reservation"
	ActionSuspendUser     Action = "suspend"
	ActionReinstateUser   Action = "reinstate"
	ActionApproveUser     Action = "approve-user"
	ActionDeclineUser     Action = "decline-user"
	ActionStartUserReview Action = "start-review"
)

// ForProperty computes the action set for a property in the given status as
// seen by the viewer. Admins see the union of owner actions plus view.
func ForProperty(status lifecycle.PropertyStatus, rel Relationship) []Action {
	switch status {
	case lifecycle.PropertyDraft:
		if rel == RelOwner || rel == RelAdmin {
			return []Action{ActionView, ActionEdit, ActionDelete, ActionPublishRequest}
		}
		return nil
	case lifecycle.PropertyPendingAgent:
		switch rel {
		case RelOwner:
			return []Action{ActionView, ActionCancel}
		case RelAdmin:
			return []Action{ActionView, ActionAssignAgent, ActionCancel}
		}
		return nil
	case lifecycle.PropertyAssigned, lifecycle.PropertyVerifying:
		switch rel {
		case RelOwner, RelAdmin:
			return []Action{ActionView}
		case RelAssignee:
			return []Action{ActionView, ActionEditLimited}
		}
		return nil
	case lifecycle.PropertyActive:
		switch rel {
		case RelOwner, RelAdmin:
			return []Action{ActionView}
		case RelAssignee:
			return []Action{ActionView, ActionEditLimited}
		default:
			return []Action{ActionView, ActionRequestVisit}
		}
	case lifecycle.PropertyReserved:
		switch rel {
		case RelOwner, RelAssignee, RelCounterparty, RelAdmin:
			return []Action{ActionView}
		}
		return []Action{ActionView}
	case lifecycle.PropertySold:
		switch rel {
		case RelOwner, RelAssignee, RelCounterparty, RelAdmin:
			return []Action{ActionView}
		}
		return nil
	}
	return nil
}

func ForAssignment(status lifecycle.AssignmentStatus, rel Relationship) []Action {
	switch status {
	case lifecycle.AssignmentPending:
		if rel == RelAssignee {
			return []Action{ActionView, ActionAcceptWork, ActionDeclineWork}
		}
		if rel == RelOwner || rel == RelAdmin {
			return []Action{ActionView}
		}
	case lifecycle.AssignmentAccepted:
		if rel == RelAssignee || rel == RelAdmin {
			return []Action{ActionView, ActionCompleteWork}
		}
		if rel == RelOwner {
			return []Action{ActionView}
		}
	case lifecycle.AssignmentCompleted, lifecycle.AssignmentDeclined:
		if rel != RelStranger {
			return []Action{ActionView}
		}
	}
	return nil
}

func ForVisit(status lifecycle.VisitStatus, rel Relationship) []Action {
	switch status {
	case lifecycle.VisitRequested, lifecycle.VisitCountered:
		switch rel {
		case RelAssignee:
			return []Action{ActionView, ActionApprove, ActionReject, ActionCounter}
		case RelOwner:
			return []Action{ActionView, ActionCancel}
		case RelAdmin:
			return []Action{ActionView}
		}
	case lifecycle.VisitApproved:
		switch rel {
		case RelAssignee:
			return []Action{ActionView, ActionCheckIn, ActionMarkNoShow}
		case RelOwner:
			return []Action{ActionView, ActionCancel}
		case RelAdmin:
			return []Action{ActionView}
		}
	case lifecycle.VisitCheckedIn:
		switch rel {
		case RelAssignee:
			return []Action{ActionView, ActionVerifyOTP, ActionMarkNoShow}
		case RelOwner:
			return []Action{ActionView, ActionVerifyOTP}
		case RelAdmin:
			return []Action{ActionView}
		}
	default:
		if status.Terminal() && rel != RelStranger {
			return []Action{ActionView}
		}
	}
	return nil
}

func ForOffer(status lifecycle.OfferStatus, rel Relationship) []Action {
	switch status {
	case lifecycle.OfferPending, lifecycle.OfferCountered:
		switch rel {
		case RelCounterparty:
			return []Action{ActionView, ActionAcceptOffer, ActionRejectOffer, ActionCounter}
		case RelOwner:
			return []Action{ActionView, ActionCancel}
		case RelAdmin:
			return []Action{ActionView}
		}
	case lifecycle.OfferAccepted:
		switch rel {
		case RelOwner:
			return []Action{ActionView, ActionPayToken}
		case RelCounterparty, RelAdmin:
			return []Action{ActionView}
		}
	case lifecycle.OfferTokenPaid:
		switch rel {
		case RelCounterparty, RelAdmin:
			return []Action{ActionView, ActionCompleteSale}
		case RelOwner:
			return []Action{ActionView}
		}
	case lifecycle.OfferRejected, lifecycle.OfferCompleted:
		if rel != RelStranger {
			return []Action{ActionView}
		}
	}
	return nil
}

func ForReservation(status lifecycle.ReservationStatus, rel Relationship) []Action {
	switch status {
	case lifecycle.ReservationActive:
		switch rel {
		case RelOwner, RelCounterparty:
			return []Action{ActionView, ActionCancelHold, ActionRaiseDispute}
		case RelAdmin:
			return []Action{ActionView, ActionCancelHold, ActionCompleteHold}
		}
	default:
		if rel != RelStranger {
			return []Action{ActionView}
		}
	}
	return nil
}

func ForDispute(status lifecycle.DisputeStatus, rel Relationship) []Action {
	switch status {
	case lifecycle.DisputeOpen:
		if rel == RelAdmin {
			return []Action{ActionView, ActionReviewDispute, ActionCloseDispute}
		}
		if rel != RelStranger {
			return []Action{ActionView}
		}
	case lifecycle.DisputeUnderReview:
		if rel == RelAdmin {
			return []Action{ActionView, ActionResolveDispute, ActionCloseDispute}
		}
		if rel != RelStranger {
			return []Action{ActionView}
		}
	case lifecycle.DisputeResolved:
		if rel == RelAdmin {
			return []Action{ActionView, ActionCloseDispute}
		}
		if rel != RelStranger {
			return []Action{ActionView}
		}
	case lifecycle.DisputeClosed:
		if rel != RelStranger {
			return []Action{ActionView}
		}
	}
	return nil
}

// ForUser computes admin review actions over an account.
func ForUser(status lifecycle.UserStatus, rel Relationship) []Action {
	if rel != RelAdmin {
		return nil
	}
	switch status {
	case lifecycle.UserPendingVerification:
		return []Action{ActionView, ActionApproveUser, ActionStartUserReview, ActionDeclineUser}
	case lifecycle.UserInReview:
		return []Action{ActionView, ActionApproveUser, ActionDeclineUser}
	case lifecycle.UserActive:
		return []Action{ActionView, ActionSuspendUser, ActionStartUserReview}
	case lifecycle.UserDeclined:
		return []Action{ActionView, ActionStartUserReview}
	case lifecycle.UserSuspended:
		return []Action{ActionView, ActionReinstateUser}
	}
	return nil
}

// Strings converts an action set for JSON responses.
func Strings(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return out
}
