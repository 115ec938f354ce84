package authz

import (
	"testing"

	"propflow/lifecycle"
)

func has(actions []Action, want Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestDraftPropertyVisibleToSellerOnly(t *testing.T) {
	owner := ForProperty(lifecycle.PropertyDraft, RelOwner)
	for _, want := range []Action{ActionEdit, ActionDelete, ActionPublishRequest} {
		if !has(owner, want) {
			t.Fatalf("expected seller to get %s on DRAFT, got %v", want, owner)
		}
	}
	if actions := ForProperty(lifecycle.PropertyDraft, RelStranger); actions != nil {
		t.Fatalf("expected no actions for stranger on DRAFT, got %v", actions)
	}
	if actions := ForProperty(lifecycle.PropertyDraft, RelCounterparty); actions != nil {
		t.Fatalf("expected no actions for counterparty on DRAFT, got %v", actions)
	}
}

func TestActivePropertyPublicView(t *testing.T) {
	public := ForProperty(lifecycle.PropertyActive, RelStranger)
	if !has(public, ActionView) {
		t.Fatalf("expected public view on ACTIVE, got %v", public)
	}
	agent := ForProperty(lifecycle.PropertyActive, RelAssignee)
	if !has(agent, ActionEditLimited) {
		t.Fatalf("expected edit-limited for agent on ACTIVE, got %v", agent)
	}
	if has(agent, ActionEdit) {
		t.Fatal("agent must not get full edit on ACTIVE")
	}
}

func TestSoldPropertyViewOnlyForParties(t *testing.T) {
	for _, rel := range []Relationship{RelOwner, RelAssignee, RelCounterparty, RelAdmin} {
		actions := ForProperty(lifecycle.PropertySold, rel)
		if len(actions) != 1 || actions[0] != ActionView {
			t.Fatalf("expected view-only on SOLD for %s, got %v", rel, actions)
		}
	}
	if actions := ForProperty(lifecycle.PropertySold, RelStranger); actions != nil {
		t.Fatalf("expected nothing on SOLD for stranger, got %v", actions)
	}
}

func TestVisitActionsFollowStatus(t *testing.T) {
	agent := ForVisit(lifecycle.VisitRequested, RelAssignee)
	if !has(agent, ActionApprove) || !has(agent, ActionReject) {
		t.Fatalf("expected agent approve/reject on REQUESTED, got %v", agent)
	}
	if has(ForVisit(lifecycle.VisitRequested, RelAssignee), ActionVerifyOTP) {
		t.Fatal("verify-otp must not appear before check-in")
	}
	checkedIn := ForVisit(lifecycle.VisitCheckedIn, RelOwner)
	if !has(checkedIn, ActionVerifyOTP) {
		t.Fatalf("expected buyer verify-otp on CHECKED_IN, got %v", checkedIn)
	}
}

func TestDisputeAdminDriven(t *testing.T) {
	if has(ForDispute(lifecycle.DisputeOpen, RelOwner), ActionReviewDispute) {
		t.Fatal("review must be admin-only")
	}
	admin := ForDispute(lifecycle.DisputeUnderReview, RelAdmin)
	if !has(admin, ActionResolveDispute) {
		t.Fatalf("expected admin resolve on UNDER_REVIEW, got %v", admin)
	}
}

func TestUserReviewAdminOnly(t *testing.T) {
	if ForUser(lifecycle.UserPendingVerification, RelOwner) != nil {
		t.Fatal("user review actions must be admin-only")
	}
	admin := ForUser(lifecycle.UserSuspended, RelAdmin)
	if !has(admin, ActionReinstateUser) {
		t.Fatalf("expected reinstate on SUSPENDED, got %v", admin)
	}
}
