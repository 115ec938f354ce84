package visit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"propflow/audit"
	"propflow/authz"
	"propflow/lifecycle"
	"propflow/otp"
	"propflow/property"
	"propflow/test/fakes"
)

type fakeRepo struct {
	visits        map[string]Visit
	verifications map[string]Verification
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{visits: map[string]Visit{}, verifications: map[string]Verification{}}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, v Visit) (Visit, error) {
	now := time.Now()
	v.CreatedAt = now
	v.UpdatedAt = now
	f.visits[v.ID] = v
	return v, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (Visit, error) {
	v, ok := f.visits[id]
	if !ok {
		return Visit{}, ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Visit, error) {
	return f.GetByID(context.Background(), id)
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status lifecycle.VisitStatus) (Visit, error) {
	v, ok := f.visits[id]
	if !ok {
		return Visit{}, ErrNotFound
	}
	v.Status = status
	v.UpdatedAt = time.Now()
	f.visits[id] = v
	return v, nil
}

func (f *fakeRepo) Reschedule(_ context.Context, _ pgx.Tx, id string, status lifecycle.VisitStatus, scheduledAt time.Time) (Visit, error) {
	v, ok := f.visits[id]
	if !ok {
		return Visit{}, ErrNotFound
	}
	v.Status = status
	v.ScheduledAt = scheduledAt
	f.visits[id] = v
	return v, nil
}

func (f *fakeRepo) RecordCheckIn(_ context.Context, _ pgx.Tx, id string, lat, lng, distanceM float64, at time.Time) (Visit, error) {
	v, ok := f.visits[id]
	if !ok {
		return Visit{}, ErrNotFound
	}
	v.Status = lifecycle.VisitCheckedIn
	v.CheckinLat = &lat
	v.CheckinLng = &lng
	v.CheckinDistanceM = &distanceM
	v.CheckedInAt = &at
	f.visits[id] = v
	return v, nil
}

func (f *fakeRepo) InsertVerification(_ context.Context, _ pgx.Tx, v Verification) (Verification, error) {
	if _, ok := f.verifications[v.VisitID]; ok {
		return Verification{}, ErrAlreadyVerified
	}
	v.CreatedAt = time.Now()
	f.verifications[v.VisitID] = v
	return v, nil
}

func (f *fakeRepo) GetVerification(_ context.Context, visitID string) (Verification, error) {
	v, ok := f.verifications[visitID]
	if !ok {
		return Verification{}, ErrNotFound
	}
	return v, nil
}

func (f *fakeRepo) List(_ context.Context, _ Filters) ([]Visit, int, error) {
	return nil, 0, nil
}

type fakeProperties struct {
	byID map[string]property.Property
}

func (f *fakeProperties) GetByID(_ context.Context, id string) (property.Property, error) {
	p, ok := f.byID[id]
	if !ok {
		return property.Property{}, property.ErrNotFound
	}
	return p, nil
}

func (f *fakeProperties) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (property.Property, error) {
	return f.GetByID(context.Background(), id)
}

// fakeCodes mirrors the otp service contract: wrong codes count attempts,
// expired codes fail without counting, and consumption is one-shot.
type fakeCodes struct {
	issued      map[string]string
	consumed    map[string]bool
	attempts    map[string]int
	expired     map[string]bool
	maxAttempts int
	nextID      int
	issueErr    error
}

func newFakeCodes() *fakeCodes {
	return &fakeCodes{
		issued:      map[string]string{},
		consumed:    map[string]bool{},
		attempts:    map[string]int{},
		expired:     map[string]bool{},
		maxAttempts: 5,
	}
}

func (f *fakeCodes) Issue(_ context.Context, _ otp.Purpose, subjectID string) (otp.Issued, error) {
	if f.issueErr != nil {
		return otp.Issued{}, f.issueErr
	}
	f.nextID++
	f.issued[subjectID] = "654321"
	f.consumed[subjectID] = false
	f.attempts[subjectID] = 0
	f.expired[subjectID] = false
	return otp.Issued{RecordID: fmt.Sprintf("otp-%d", f.nextID), Code: "654321", ExpiresAt: time.Now().Add(10 * time.Minute)}, nil
}

func (f *fakeCodes) ConsumeInTx(_ context.Context, _ pgx.Tx, _ otp.Purpose, subjectID, code string) (string, error) {
	want, ok := f.issued[subjectID]
	if !ok || f.consumed[subjectID] {
		return "", lifecycle.ErrProofFailed
	}
	if f.expired[subjectID] {
		return "", lifecycle.ErrExpired
	}
	if f.attempts[subjectID] >= f.maxAttempts {
		return "", lifecycle.ErrRateLimited
	}
	if code != want {
		f.attempts[subjectID]++
		if f.attempts[subjectID] >= f.maxAttempts {
			return "", lifecycle.ErrRateLimited
		}
		return "", lifecycle.ErrProofFailed
	}
	f.consumed[subjectID] = true
	return fmt.Sprintf("otp-rec-%s", subjectID), nil
}

type fakeEmitter struct {
	entries []audit.Entry
}

func (f *fakeEmitter) Append(_ context.Context, _ pgx.Tx, entry audit.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeNotifier struct {
	topics []string
}

func (f *fakeNotifier) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type testEnv struct {
	svc        *Service
	repo       *fakeRepo
	properties *fakeProperties
	codes      *fakeCodes
	emitter    *fakeEmitter
	outbox     *fakeNotifier
	pool       *fakes.Pool
}

const (
	propLat = 6.5244
	propLng = 3.3792
)

var (
	buyerActor = authz.Actor{ID: "buyer-1", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}
	agentActor = authz.Actor{ID: "agent-1", Role: lifecycle.RoleAgent, Status: lifecycle.UserActive}
)

func newTestEnv() *testEnv {
	repo := newFakeRepo()
	agentID := agentActor.ID
	properties := &fakeProperties{byID: map[string]property.Property{
		"prop-1": {ID: "prop-1", SellerID: "seller-1", AgentID: &agentID, Lat: propLat, Lng: propLng, Status: lifecycle.PropertyActive},
	}}
	codes := newFakeCodes()
	emitter := &fakeEmitter{}
	outbox := &fakeNotifier{}
	pool := &fakes.Pool{}
	svc := NewService(pool, repo, properties, codes, emitter, outbox, DefaultProximityRadiusM)
	nextID := 0
	svc.WithIDGenerator(func() string {
		nextID++
		return fmt.Sprintf("visit-%d", nextID)
	})
	return &testEnv{svc: svc, repo: repo, properties: properties, codes: codes, emitter: emitter, outbox: outbox, pool: pool}
}

func (e *testEnv) requestAndApprove(t *testing.T) Visit {
	t.Helper()
	v, err := e.svc.Request(context.Background(), buyerActor, "prop-1", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("request visit: %v", err)
	}
	approved, err := e.svc.Approve(context.Background(), agentActor, v.ID)
	if err != nil {
		t.Fatalf("approve visit: %v", err)
	}
	return approved
}

func (e *testEnv) checkedIn(t *testing.T) Visit {
	t.Helper()
	v := e.requestAndApprove(t)
	checked, err := e.svc.CheckIn(context.Background(), agentActor, v.ID, propLat, propLng)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	return checked
}

func TestRequestRequiresActiveProperty(t *testing.T) {
	env := newTestEnv()
	p := env.properties.byID["prop-1"]
	p.Status = lifecycle.PropertyDraft
	env.properties.byID["prop-1"] = p

	if _, err := env.svc.Request(context.Background(), buyerActor, "prop-1", time.Now().Add(time.Hour)); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("request on DRAFT = %v, want ErrInvalidTransition", err)
	}
}

func TestSellerCannotTourOwnListing(t *testing.T) {
	env := newTestEnv()
	sellerAsBuyer := authz.Actor{ID: "seller-1", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}
	if _, err := env.svc.Request(context.Background(), sellerAsBuyer, "prop-1", time.Now().Add(time.Hour)); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("seller request = %v, want ErrUnauthorized", err)
	}
}

func TestCounterHandsApprovalToBuyer(t *testing.T) {
	env := newTestEnv()
	v, err := env.svc.Request(context.Background(), buyerActor, "prop-1", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	proposed := time.Now().Add(48 * time.Hour)
	countered, err := env.svc.Counter(context.Background(), agentActor, v.ID, proposed)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if countered.Status != lifecycle.VisitCountered {
		t.Fatalf("status = %s", countered.Status)
	}

	// The agent cannot approve their own counter.
	if _, err := env.svc.Approve(context.Background(), agentActor, v.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("agent approves own counter = %v, want ErrUnauthorized", err)
	}
	approved, err := env.svc.Approve(context.Background(), buyerActor, v.ID)
	if err != nil {
		t.Fatalf("buyer approves counter: %v", err)
	}
	if !approved.ScheduledAt.Equal(proposed) {
		t.Fatalf("scheduled at = %v, want %v", approved.ScheduledAt, proposed)
	}
}

func TestCheckInRejectsOutsideRadius(t *testing.T) {
	env := newTestEnv()
	v := env.requestAndApprove(t)

	// Roughly 1.1km north of the listing.
	_, err := env.svc.CheckIn(context.Background(), agentActor, v.ID, propLat+0.01, propLng)
	if !errors.Is(err, lifecycle.ErrProofFailed) {
		t.Fatalf("far check-in = %v, want ErrProofFailed", err)
	}
	got, _ := env.repo.GetByID(context.Background(), v.ID)
	if got.Status != lifecycle.VisitApproved {
		t.Fatalf("status after failed check-in = %s, want APPROVED", got.Status)
	}

	// Retry at the door succeeds.
	checked, err := env.svc.CheckIn(context.Background(), agentActor, v.ID, propLat, propLng)
	if err != nil {
		t.Fatalf("retry check-in: %v", err)
	}
	if checked.Status != lifecycle.VisitCheckedIn {
		t.Fatalf("status = %s", checked.Status)
	}
	if checked.CheckinDistanceM == nil || *checked.CheckinDistanceM > 1 {
		t.Fatalf("recorded distance = %v, want ~0", checked.CheckinDistanceM)
	}
	if env.codes.issued[v.ID] == "" {
		t.Fatal("completion code not issued after check-in")
	}
}

func TestCheckInSurfacesCodeIssueFailure(t *testing.T) {
	env := newTestEnv()
	v := env.requestAndApprove(t)
	env.codes.issueErr = errors.New("otp: insert: connection reset")

	if _, err := env.svc.CheckIn(context.Background(), agentActor, v.ID, propLat, propLng); err == nil {
		t.Fatal("check-in with failing code issuance returned nil error")
	}
	// The check-in itself committed before issuance ran, so the visit stays
	// CHECKED_IN and a resend can recover it.
	got, _ := env.repo.GetByID(context.Background(), v.ID)
	if got.Status != lifecycle.VisitCheckedIn {
		t.Fatalf("status = %s, want CHECKED_IN", got.Status)
	}

	env.codes.issueErr = nil
	if _, err := env.svc.ResendCompletionCode(context.Background(), agentActor, v.ID); err != nil {
		t.Fatalf("resend after failed issuance: %v", err)
	}
	done, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321")
	if err != nil {
		t.Fatalf("complete after resend: %v", err)
	}
	if done.Status != lifecycle.VisitCompleted {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestResendCompletionCodeReplacesExpiredCode(t *testing.T) {
	env := newTestEnv()
	v := env.checkedIn(t)
	env.codes.expired[v.ID] = true

	if _, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321"); !errors.Is(err, lifecycle.ErrExpired) {
		t.Fatalf("expired code = %v, want ErrExpired", err)
	}

	// Either party on the visit may ask for a fresh code.
	if _, err := env.svc.ResendCompletionCode(context.Background(), buyerActor, v.ID); err != nil {
		t.Fatalf("buyer resend: %v", err)
	}
	done, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321")
	if err != nil {
		t.Fatalf("complete with fresh code: %v", err)
	}
	if done.Status != lifecycle.VisitCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if want := "visit.otp_issued"; env.outbox.topics[len(env.outbox.topics)-2] != want {
		// The last topic is visit.completed; the resend notification precedes it.
		t.Fatalf("topics = %v, want %s before completion", env.outbox.topics, want)
	}
}

func TestResendCompletionCodeGuards(t *testing.T) {
	env := newTestEnv()
	v := env.requestAndApprove(t)

	// Only a checked-in visit has a completion code to replace.
	if _, err := env.svc.ResendCompletionCode(context.Background(), agentActor, v.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("resend before check-in = %v, want ErrInvalidTransition", err)
	}

	checked := env.checkedIn(t)
	stranger := authz.Actor{ID: "user-9", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}
	if _, err := env.svc.ResendCompletionCode(context.Background(), stranger, checked.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("stranger resend = %v, want ErrUnauthorized", err)
	}
}

func TestCompleteRequiresCheckIn(t *testing.T) {
	env := newTestEnv()
	v, err := env.svc.Request(context.Background(), buyerActor, "prop-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("complete from REQUESTED = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteWithWrongCodeLeavesVisitCheckedIn(t *testing.T) {
	env := newTestEnv()
	v := env.checkedIn(t)

	if _, err := env.svc.Complete(context.Background(), agentActor, v.ID, "000000"); !errors.Is(err, lifecycle.ErrProofFailed) {
		t.Fatalf("wrong code = %v, want ErrProofFailed", err)
	}
	got, _ := env.repo.GetByID(context.Background(), v.ID)
	if got.Status != lifecycle.VisitCheckedIn {
		t.Fatalf("status = %s, want CHECKED_IN", got.Status)
	}
	// The attempt counter's transaction commits even though completion failed.
	if !env.pool.Last().Committed {
		t.Fatal("failed attempt tx not committed")
	}
	if env.codes.attempts[v.ID] != 1 {
		t.Fatalf("attempts = %d, want 1", env.codes.attempts[v.ID])
	}

	// Retry with the right code succeeds.
	done, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321")
	if err != nil {
		t.Fatalf("retry complete: %v", err)
	}
	if done.Status != lifecycle.VisitCompleted {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestCompleteWithExpiredCode(t *testing.T) {
	env := newTestEnv()
	v := env.checkedIn(t)
	env.codes.expired[v.ID] = true

	if _, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321"); !errors.Is(err, lifecycle.ErrExpired) {
		t.Fatalf("expired code = %v, want ErrExpired", err)
	}
	got, _ := env.repo.GetByID(context.Background(), v.ID)
	if got.Status != lifecycle.VisitCheckedIn {
		t.Fatalf("status = %s, want CHECKED_IN", got.Status)
	}
}

func TestCompleteWritesVerification(t *testing.T) {
	env := newTestEnv()
	v := env.checkedIn(t)

	done, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	ver, err := env.repo.GetVerification(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("get verification: %v", err)
	}
	if ver.OTPRecordID == "" || ver.DistanceM > 1 {
		t.Fatalf("verification = %+v", ver)
	}

	// Completed is terminal; a second completion cannot start.
	if _, err := env.svc.Complete(context.Background(), agentActor, v.ID, "654321"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("double complete = %v, want ErrInvalidTransition", err)
	}
}

func TestNoShowAgentOnly(t *testing.T) {
	env := newTestEnv()
	v := env.requestAndApprove(t)

	if _, err := env.svc.NoShow(context.Background(), buyerActor, v.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("buyer no-show = %v, want ErrUnauthorized", err)
	}
	marked, err := env.svc.NoShow(context.Background(), agentActor, v.ID)
	if err != nil {
		t.Fatalf("agent no-show: %v", err)
	}
	if marked.Status != lifecycle.VisitNoShow || !marked.Status.Terminal() {
		t.Fatalf("status = %s, want terminal NO_SHOW", marked.Status)
	}
}
