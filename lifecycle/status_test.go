package lifecycle

import (
	"errors"
	"fmt"
	"testing"
)

func TestPropertyGraph(t *testing.T) {
	if !PropertyDraft.CanTransition(PropertyPendingAgent) {
		t.Fatal("expected DRAFT -> PENDING_ASSIGNMENT to be legal")
	}
	if PropertyDraft.CanTransition(PropertySold) {
		t.Fatal("DRAFT -> SOLD must not be legal")
	}
	if !PropertyReserved.CanTransition(PropertyActive) {
		t.Fatal("expected RESERVED -> ACTIVE (reservation released) to be legal")
	}
	if !PropertyReserved.CanTransition(PropertySold) {
		t.Fatal("expected RESERVED -> SOLD to be legal")
	}
	if !PropertySold.Terminal() {
		t.Fatal("SOLD must be terminal")
	}
	if PropertySold.CanTransition(PropertyActive) {
		t.Fatal("terminal SOLD must have no outgoing edges")
	}
}

func TestVisitGraphSkipsAreIllegal(t *testing.T) {
	// A visit may not jump straight from REQUESTED to COMPLETED.
	if VisitRequested.CanTransition(VisitCompleted) {
		t.Fatal("REQUESTED -> COMPLETED must not be legal")
	}
	if !VisitRequested.CanTransition(VisitApproved) {
		t.Fatal("expected REQUESTED -> APPROVED")
	}
	if !VisitApproved.CanTransition(VisitCheckedIn) {
		t.Fatal("expected APPROVED -> CHECKED_IN")
	}
	if !VisitCheckedIn.CanTransition(VisitCompleted) {
		t.Fatal("expected CHECKED_IN -> COMPLETED")
	}
	for _, terminal := range []VisitStatus{VisitCompleted, VisitCancelled, VisitNoShow, VisitRejected} {
		if !terminal.Terminal() {
			t.Fatalf("expected %s to be terminal", terminal)
		}
	}
}

func TestOfferGraph(t *testing.T) {
	if !OfferPending.CanTransition(OfferRejected) {
		t.Fatal("expected pending -> rejected")
	}
	if !OfferAccepted.CanTransition(OfferTokenPaid) {
		t.Fatal("expected accepted -> token_paid")
	}
	// An accepted offer is backed by a reservation; releasing it goes through
	// reservation cancellation, never a direct rejection.
	if OfferAccepted.CanTransition(OfferRejected) {
		t.Fatal("accepted -> rejected must not be legal")
	}
}

func TestAssignmentGraph(t *testing.T) {
	if !AssignmentPending.CanTransition(AssignmentAccepted) {
		t.Fatal("expected pending -> accepted")
	}
	// Seller withdrawal of the property voids an accepted engagement.
	if !AssignmentAccepted.CanTransition(AssignmentDeclined) {
		t.Fatal("expected accepted -> declined")
	}
	if !AssignmentDeclined.Terminal() || !AssignmentCompleted.Terminal() {
		t.Fatal("declined and completed must be terminal")
	}
}

func TestReservationGraph(t *testing.T) {
	for _, to := range []ReservationStatus{ReservationCompleted, ReservationExpired, ReservationCancelled} {
		if !ReservationActive.CanTransition(to) {
			t.Fatalf("expected ACTIVE -> %s", to)
		}
		if !to.Terminal() {
			t.Fatalf("expected %s to be terminal", to)
		}
	}
	if ReservationExpired.CanTransition(ReservationActive) {
		t.Fatal("EXPIRED must not reactivate")
	}
}

func TestUnknownStatusIsInvalid(t *testing.T) {
	if PropertyStatus("LIMBO").Valid() {
		t.Fatal("unknown property status must be invalid")
	}
	if UserStatus("").Valid() {
		t.Fatal("empty user status must be invalid")
	}
	if PropertyStatus("LIMBO").CanTransition(PropertyActive) {
		t.Fatal("unknown status must have no outgoing transitions")
	}
}

func TestCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrInvalidTransition, "INVALID_TRANSITION"},
		{ErrUnauthorized, "UNAUTHORIZED"},
		{ErrProofFailed, "PROOF_FAILED"},
		{ErrExpired, "EXPIRED"},
		{ErrRateLimited, "RATE_LIMITED"},
		{errors.New("boom"), "INTERNAL"},
		{fmt.Errorf("visit: %w: REQUESTED -> COMPLETED", ErrInvalidTransition), "INVALID_TRANSITION"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.code {
			t.Fatalf("Code(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}
}
