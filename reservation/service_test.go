package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"propflow/audit"
	"propflow/authz"
	"propflow/lifecycle"
	"propflow/property"
	"propflow/test/fakes"
)

type fakeRepo struct {
	byID map[string]Reservation
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]Reservation{}}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, r Reservation) (Reservation, error) {
	for _, existing := range f.byID {
		if existing.PropertyID == r.PropertyID && existing.Status == lifecycle.ReservationActive {
			return Reservation{}, ErrActiveHoldExists
		}
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	f.byID[r.ID] = r
	return r, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (Reservation, error) {
	r, ok := f.byID[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Reservation, error) {
	return f.GetByID(context.Background(), id)
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status lifecycle.ReservationStatus) (Reservation, error) {
	r, ok := f.byID[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	f.byID[id] = r
	return r, nil
}

func (f *fakeRepo) ClaimExpired(_ context.Context, _ pgx.Tx, asOf time.Time) (Reservation, error) {
	candidates := []Reservation{}
	for _, r := range f.byID {
		if r.Status == lifecycle.ReservationActive && r.ReservedUntil.Before(asOf) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Reservation{}, ErrNoneExpired
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ReservedUntil.Before(candidates[j].ReservedUntil)
	})
	return candidates[0], nil
}

func (f *fakeRepo) List(_ context.Context, _ Filters) ([]Reservation, int, error) {
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

func (f *fakeProperties) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status lifecycle.PropertyStatus, agentID *string) (property.Property, error) {
	p, ok := f.byID[id]
	if !ok {
		return property.Property{}, property.ErrNotFound
	}
	p.Status = status
	p.AgentID = agentID
	f.byID[id] = p
	return p, nil
}

type fakeEmitter struct {
	entries []audit.Entry
}

func (f *fakeEmitter) Append(_ context.Context, _ pgx.Tx, entry audit.Entry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeEmitter) byType(eventType string) []audit.Entry {
	out := []audit.Entry{}
	for _, e := range f.entries {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
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
	emitter    *fakeEmitter
	outbox     *fakeNotifier
	pool       *fakes.Pool
	now        time.Time
}

var (
	buyerActor = authz.Actor{ID: "buyer-1", Role: lifecycle.RoleUser, Status: lifecycle.UserActive}
	agentActor = authz.Actor{ID: "agent-1", Role: lifecycle.RoleAgent, Status: lifecycle.UserActive}
)

func newTestEnv() *testEnv {
	repo := newFakeRepo()
	agentID := agentActor.ID
	properties := &fakeProperties{byID: map[string]property.Property{
		"prop-1": {ID: "prop-1", SellerID: "seller-1", AgentID: &agentID, Status: lifecycle.PropertyActive},
	}}
	emitter := &fakeEmitter{}
	outbox := &fakeNotifier{}
	pool := &fakes.Pool{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(pool, repo, properties, emitter, outbox, DefaultHoldWindow)
	svc.WithClock(func() time.Time { return now })
	nextID := 0
	svc.WithIDGenerator(func() string {
		nextID++
		return fmt.Sprintf("res-%d", nextID)
	})
	return &testEnv{svc: svc, repo: repo, properties: properties, emitter: emitter, outbox: outbox, pool: pool, now: now}
}

func (e *testEnv) createHold(t *testing.T) Reservation {
	t.Helper()
	tx, err := e.pool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := e.svc.CreateFromOffer(context.Background(), tx, CreateFromOfferParams{
		OfferID:       "offer-1",
		PropertyID:    "prop-1",
		BuyerID:       buyerActor.ID,
		DepositAmount: 2_000_000,
		ActorID:       agentActor.ID,
	})
	if err != nil {
		t.Fatalf("create from offer: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res
}

func TestCreateFromOfferReservesProperty(t *testing.T) {
	env := newTestEnv()
	res := env.createHold(t)

	if res.Status != lifecycle.ReservationActive {
		t.Fatalf("status = %s", res.Status)
	}
	wantUntil := env.now.Add(DefaultHoldWindow)
	if !res.ReservedUntil.Equal(wantUntil) {
		t.Fatalf("reserved until = %v, want %v", res.ReservedUntil, wantUntil)
	}
	if got := env.properties.byID["prop-1"].Status; got != lifecycle.PropertyReserved {
		t.Fatalf("property status = %s, want RESERVED", got)
	}
}

func TestCreateFromOfferRequiresActiveProperty(t *testing.T) {
	env := newTestEnv()
	p := env.properties.byID["prop-1"]
	p.Status = lifecycle.PropertyDraft
	env.properties.byID["prop-1"] = p

	tx, _ := env.pool.Begin(context.Background())
	_, err := env.svc.CreateFromOffer(context.Background(), tx, CreateFromOfferParams{
		OfferID: "offer-1", PropertyID: "prop-1", BuyerID: buyerActor.ID,
	})
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("create on DRAFT = %v, want ErrInvalidTransition", err)
	}
}

func TestSecondActiveHoldRejected(t *testing.T) {
	env := newTestEnv()
	env.createHold(t)

	// Force the property back to looking ACTIVE to isolate the uniqueness
	// guard from the status guard.
	agentID := agentActor.ID
	env.properties.byID["prop-1"] = property.Property{ID: "prop-1", AgentID: &agentID, Status: lifecycle.PropertyActive}

	tx, _ := env.pool.Begin(context.Background())
	_, err := env.svc.CreateFromOffer(context.Background(), tx, CreateFromOfferParams{
		OfferID: "offer-2", PropertyID: "prop-1", BuyerID: "buyer-2",
	})
	if !errors.Is(err, ErrActiveHoldExists) {
		t.Fatalf("second hold = %v, want ErrActiveHoldExists", err)
	}
}

func TestCompleteSellsProperty(t *testing.T) {
	env := newTestEnv()
	res := env.createHold(t)

	if _, err := env.svc.Complete(context.Background(), buyerActor, res.ID); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("buyer completes sale = %v, want ErrUnauthorized", err)
	}

	done, err := env.svc.Complete(context.Background(), agentActor, res.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != lifecycle.ReservationCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if got := env.properties.byID["prop-1"].Status; got != lifecycle.PropertySold {
		t.Fatalf("property status = %s, want SOLD", got)
	}

	// SOLD is terminal, so the hold cannot be reopened or re-closed.
	if _, err := env.svc.Cancel(context.Background(), agentActor, res.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("cancel after complete = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelReleasesProperty(t *testing.T) {
	env := newTestEnv()
	res := env.createHold(t)

	cancelled, err := env.svc.Cancel(context.Background(), buyerActor, res.ID)
	if err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
	if cancelled.Status != lifecycle.ReservationCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got := env.properties.byID["prop-1"].Status; got != lifecycle.PropertyActive {
		t.Fatalf("property status = %s, want ACTIVE", got)
	}
}

func TestSweepReleasesExpiredHolds(t *testing.T) {
	env := newTestEnv()
	res := env.createHold(t)

	// Age the hold past its window.
	aged := env.repo.byID[res.ID]
	aged.ReservedUntil = env.now.Add(-time.Hour)
	env.repo.byID[res.ID] = aged

	sweeper := NewSweeper(env.pool, env.repo, env.properties, env.emitter, env.outbox, zerolog.Nop())
	sweeper.WithClock(func() time.Time { return env.now })

	released, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	if got := env.repo.byID[res.ID].Status; got != lifecycle.ReservationExpired {
		t.Fatalf("reservation status = %s, want EXPIRED", got)
	}
	if got := env.properties.byID["prop-1"].Status; got != lifecycle.PropertyActive {
		t.Fatalf("property status = %s, want ACTIVE", got)
	}

	entries := env.emitter.byType("RESERVATION_EXPIRED")
	if len(entries) != 1 || entries[0].ActorID != audit.ActorSystem {
		t.Fatalf("RESERVATION_EXPIRED entries = %+v", entries)
	}

	// A second sweep over the same backlog is a no-op, not an error.
	released, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if released != 0 {
		t.Fatalf("second sweep released = %d, want 0", released)
	}
}

func TestSweepSkipsUnexpiredHolds(t *testing.T) {
	env := newTestEnv()
	env.createHold(t)

	sweeper := NewSweeper(env.pool, env.repo, env.properties, env.emitter, env.outbox, zerolog.Nop())
	sweeper.WithClock(func() time.Time { return env.now })

	released, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 0 {
		t.Fatalf("released = %d, want 0", released)
	}
	if got := env.properties.byID["prop-1"].Status; got != lifecycle.PropertyReserved {
		t.Fatalf("property status = %s, want RESERVED", got)
	}
}
