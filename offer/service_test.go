package offer

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
	"propflow/property"
	"propflow/reservation"
	"propflow/test/fakes"
)

type fakeRepo struct {
	byID map[string]Offer
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]Offer{}}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, o Offer) (Offer, error) {
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	f.byID[o.ID] = o
	return o, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (Offer, error) {
	o, ok := f.byID[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Offer, error) {
	return f.GetByID(context.Background(), id)
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status lifecycle.OfferStatus) (Offer, error) {
	o, ok := f.byID[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	f.byID[id] = o
	return o, nil
}

func (f *fakeRepo) UpdateAmount(_ context.Context, _ pgx.Tx, id string, status lifecycle.OfferStatus, amount int64) (Offer, error) {
	o, ok := f.byID[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	o.Status = status
	o.Amount = amount
	f.byID[id] = o
	return o, nil
}

func (f *fakeRepo) List(_ context.Context, _ Filters) ([]Offer, int, error) {
	return nil, 0, nil
}

type fakeProperties struct {
	byID map[string]property.Property
}

func (f *fakeProperties) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (property.Property, error) {
	p, ok := f.byID[id]
	if !ok {
		return property.Property{}, property.ErrNotFound
	}
	return p, nil
}

type fakeVisits struct {
	completed map[string]bool // propertyID + "/" + buyerID
}

func (f *fakeVisits) HasCompletedVisit(_ context.Context, propertyID, buyerID string) (bool, error) {
	return f.completed[propertyID+"/"+buyerID], nil
}

type fakeHolds struct {
	created []reservation.CreateFromOfferParams
	err     error
}

func (f *fakeHolds) CreateFromOffer(_ context.Context, _ pgx.Tx, params reservation.CreateFromOfferParams) (reservation.Reservation, error) {
	if f.err != nil {
		return reservation.Reservation{}, f.err
	}
	f.created = append(f.created, params)
	return reservation.Reservation{
		ID:         fmt.Sprintf("res-%d", len(f.created)),
		PropertyID: params.PropertyID,
		OfferID:    params.OfferID,
		BuyerID:    params.BuyerID,
		Status:     lifecycle.ReservationActive,
	}, nil
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
	visits     *fakeVisits
	holds      *fakeHolds
	emitter    *fakeEmitter
	pool       *fakes.Pool
}

var (
	buyerActor  = authz.Actor{ID: "buyer-1", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}
	sellerActor = authz.Actor{ID: "seller-1", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}
	agentActor  = authz.Actor{ID: "agent-1", Role: lifecycle.RoleAgent, Status: lifecycle.UserActive}
)

func newTestEnv() *testEnv {
	repo := newFakeRepo()
	agentID := agentActor.ID
	properties := &fakeProperties{byID: map[string]property.Property{
		"prop-1": {ID: "prop-1", SellerID: sellerActor.ID, AgentID: &agentID, Status: lifecycle.PropertyActive},
	}}
	visits := &fakeVisits{completed: map[string]bool{"prop-1/" + buyerActor.ID: true}}
	holds := &fakeHolds{}
	emitter := &fakeEmitter{}
	pool := &fakes.Pool{}
	svc := NewService(pool, repo, properties, visits, holds, emitter, &fakeNotifier{})
	nextID := 0
	svc.WithIDGenerator(func() string {
		nextID++
		return fmt.Sprintf("offer-%d", nextID)
	})
	return &testEnv{svc: svc, repo: repo, properties: properties, visits: visits, holds: holds, emitter: emitter, pool: pool}
}

func (e *testEnv) createOffer(t *testing.T) Offer {
	t.Helper()
	o, err := e.svc.Create(context.Background(), buyerActor, CreateParams{
		PropertyID:  "prop-1",
		Amount:      40_000_000,
		TokenAmount: 2_000_000,
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return o
}

func TestCreateRequiresCompletedVisit(t *testing.T) {
	env := newTestEnv()
	stranger := authz.Actor{ID: "buyer-2", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}

	_, err := env.svc.Create(context.Background(), stranger, CreateParams{PropertyID: "prop-1", Amount: 1000})
	if !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("bid without visit = %v, want ErrUnauthorized", err)
	}

	if o := env.createOffer(t); o.Status != lifecycle.OfferPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
}

func TestCreateRequiresActiveProperty(t *testing.T) {
	env := newTestEnv()
	p := env.properties.byID["prop-1"]
	p.Status = lifecycle.PropertyReserved
	env.properties.byID["prop-1"] = p

	if _, err := env.svc.Create(context.Background(), buyerActor, CreateParams{PropertyID: "prop-1", Amount: 1000}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("bid on RESERVED = %v, want ErrInvalidTransition", err)
	}
}

func TestAcceptCreatesHoldInSameTx(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)

	accepted, hold, err := env.svc.Accept(context.Background(), sellerActor, o.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != lifecycle.OfferAccepted {
		t.Fatalf("status = %s", accepted.Status)
	}
	if hold.OfferID != o.ID || hold.BuyerID != buyerActor.ID {
		t.Fatalf("hold = %+v", hold)
	}
	if len(env.holds.created) != 1 || env.holds.created[0].DepositAmount != 2_000_000 {
		t.Fatalf("hold params = %+v", env.holds.created)
	}
	if !env.pool.Last().Committed {
		t.Fatal("accept tx not committed")
	}
}

func TestAcceptRollsBackWhenHoldFails(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)
	env.holds.err = reservation.ErrActiveHoldExists

	_, _, err := env.svc.Accept(context.Background(), sellerActor, o.ID)
	if !errors.Is(err, reservation.ErrActiveHoldExists) {
		t.Fatalf("accept = %v, want ErrActiveHoldExists", err)
	}
	if env.pool.Last().Committed {
		t.Fatal("failed accept committed its tx")
	}
	if !env.pool.Last().Rolled {
		t.Fatal("failed accept did not roll back")
	}
}

func TestAcceptSellerOnly(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)

	if _, _, err := env.svc.Accept(context.Background(), buyerActor, o.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("buyer accepts own pending bid = %v, want ErrUnauthorized", err)
	}
}

func TestCounterHandsAcceptanceToBuyer(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)

	countered, err := env.svc.Counter(context.Background(), sellerActor, o.ID, 45_000_000)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if countered.Status != lifecycle.OfferCountered || countered.Amount != 45_000_000 {
		t.Fatalf("countered = %+v", countered)
	}

	if _, _, err := env.svc.Accept(context.Background(), sellerActor, o.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("seller accepts own counter = %v, want ErrUnauthorized", err)
	}
	accepted, _, err := env.svc.Accept(context.Background(), buyerActor, o.ID)
	if err != nil {
		t.Fatalf("buyer accepts counter: %v", err)
	}
	if accepted.Amount != 45_000_000 {
		t.Fatalf("accepted amount = %d", accepted.Amount)
	}
}

func TestTokenPaymentPath(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)
	if _, _, err := env.svc.Accept(context.Background(), sellerActor, o.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Completing before the deposit lands is off-graph.
	if _, err := env.svc.Complete(context.Background(), agentActor, o.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("complete before token = %v, want ErrInvalidTransition", err)
	}

	// The buyer cannot self-confirm the deposit.
	if _, err := env.svc.MarkTokenPaid(context.Background(), buyerActor, o.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("buyer confirms own deposit = %v, want ErrUnauthorized", err)
	}

	paid, err := env.svc.MarkTokenPaid(context.Background(), agentActor, o.ID)
	if err != nil {
		t.Fatalf("mark token paid: %v", err)
	}
	if paid.Status != lifecycle.OfferTokenPaid {
		t.Fatalf("status = %s", paid.Status)
	}

	done, err := env.svc.Complete(context.Background(), agentActor, o.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != lifecycle.OfferCompleted || !done.Status.Terminal() {
		t.Fatalf("status = %s, want terminal completed", done.Status)
	}
}

func TestRejectAcceptedOfferIsOffGraph(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)
	if _, _, err := env.svc.Accept(context.Background(), sellerActor, o.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Accepting created a live hold; backing out goes through reservation
	// cancellation so the hold never dangles behind a rejected offer.
	if _, err := env.svc.Reject(context.Background(), sellerActor, o.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("reject accepted = %v, want ErrInvalidTransition", err)
	}
	got, _ := env.repo.GetByID(context.Background(), o.ID)
	if got.Status != lifecycle.OfferAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}
}

func TestRejectTerminal(t *testing.T) {
	env := newTestEnv()
	o := env.createOffer(t)

	rejected, err := env.svc.Reject(context.Background(), sellerActor, o.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != lifecycle.OfferRejected {
		t.Fatalf("status = %s", rejected.Status)
	}
	if _, _, err := env.svc.Accept(context.Background(), sellerActor, o.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("accept after reject = %v, want ErrInvalidTransition", err)
	}
}
