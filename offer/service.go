package offer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"propflow/audit"
	"propflow/authz"
	"propflow/lifecycle"
	"propflow/property"
	"propflow/reservation"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditEmitter appends append-only audit entries inside a transaction.
type AuditEmitter interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// Notifier enqueues fire-and-forget notifications in a transaction.
type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// propertyStore is the slice of the property repository the bid flow reads.
type propertyStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (property.Property, error)
}

// visitLookup gates bid creation on a finished tour.
type visitLookup interface {
	HasCompletedVisit(ctx context.Context, propertyID, buyerID string) (bool, error)
}

// holdCreator is the slice of the reservation service that projects an
// accepted bid into a hold inside this package's transaction.
type holdCreator interface {
	CreateFromOffer(ctx context.Context, tx pgx.Tx, params reservation.CreateFromOfferParams) (reservation.Reservation, error)
}

// Service owns buyer bids. Accepting a bid places the reservation hold in
// the same transaction, so an accepted offer without a hold cannot exist.
type Service struct {
	pool       TxBeginner
	repo       Repository
	properties propertyStore
	visits     visitLookup
	holds      holdCreator
	emitter    AuditEmitter
	outbox     Notifier
	now        func() time.Time
	idGen      func() string
}

func NewService(pool TxBeginner, repo Repository, properties propertyStore, visits visitLookup, holds holdCreator, emitter AuditEmitter, outbox Notifier) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		properties: properties,
		visits:     visits,
		holds:      holds,
		emitter:    emitter,
		outbox:     outbox,
		now:        time.Now,
		idGen:      uuid.NewString,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Create opens a bid. Only a buyer who finished a tour of the listing may
// bid, and only while the listing is ACTIVE.
func (s *Service) Create(ctx context.Context, actor authz.Actor, params CreateParams) (Offer, error) {
	if !actor.Active() {
		return Offer{}, fmt.Errorf("offer: create: %w", lifecycle.ErrUnauthorized)
	}
	if params.Amount <= 0 {
		return Offer{}, fmt.Errorf("offer: invalid amount")
	}
	if params.TokenAmount < 0 || params.TokenAmount > params.Amount {
		return Offer{}, fmt.Errorf("offer: invalid token amount")
	}

	toured, err := s.visits.HasCompletedVisit(ctx, params.PropertyID, actor.ID)
	if err != nil {
		return Offer{}, err
	}
	if !toured {
		return Offer{}, fmt.Errorf("offer: no completed visit on property %s: %w", params.PropertyID, lifecycle.ErrUnauthorized)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prop, err := s.properties.GetForUpdate(ctx, tx, params.PropertyID)
	if err != nil {
		return Offer{}, err
	}
	if prop.SellerID == actor.ID {
		return Offer{}, fmt.Errorf("offer: seller cannot bid on own listing: %w", lifecycle.ErrUnauthorized)
	}
	if prop.Status != lifecycle.PropertyActive {
		return Offer{}, fmt.Errorf("offer: property is %s: %w", prop.Status, lifecycle.ErrInvalidTransition)
	}

	created, err := s.repo.Create(ctx, tx, Offer{
		ID:          s.idGen(),
		PropertyID:  params.PropertyID,
		BuyerID:     actor.ID,
		Amount:      params.Amount,
		TokenAmount: params.TokenAmount,
		Status:      lifecycle.OfferPending,
	})
	if err != nil {
		return Offer{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityOffer,
		EntityID:   created.ID,
		Type:       "OFFER_CREATED",
		ToStatus:   string(created.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"property_id": created.PropertyID, "amount": created.Amount},
	}); err != nil {
		return Offer{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "offer.created", map[string]any{
		"offer_id":    created.ID,
		"property_id": created.PropertyID,
		"seller_id":   prop.SellerID,
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit create: %w", err)
	}
	return created, nil
}

// Accept takes the bid and places the hold in the same transaction. The
// seller accepts a pending bid; the buyer accepts a counter.
func (s *Service) Accept(ctx context.Context, actor authz.Actor, offerID string) (Offer, reservation.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, reservation.Reservation{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, reservation.Reservation{}, err
	}
	prop, err := s.properties.GetForUpdate(ctx, tx, current.PropertyID)
	if err != nil {
		return Offer{}, reservation.Reservation{}, err
	}
	if !acceptAllowed(actor, current, prop) {
		return Offer{}, reservation.Reservation{}, fmt.Errorf("offer: accept by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(lifecycle.OfferAccepted) {
		return Offer{}, reservation.Reservation{}, fmt.Errorf("offer: %s -> %s: %w", current.Status, lifecycle.OfferAccepted, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, offerID, lifecycle.OfferAccepted)
	if err != nil {
		return Offer{}, reservation.Reservation{}, err
	}

	hold, err := s.holds.CreateFromOffer(ctx, tx, reservation.CreateFromOfferParams{
		OfferID:       updated.ID,
		PropertyID:    updated.PropertyID,
		BuyerID:       updated.BuyerID,
		DepositAmount: updated.TokenAmount,
		ActorID:       actor.ID,
	})
	if err != nil {
		return Offer{}, reservation.Reservation{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityOffer,
		EntityID:   updated.ID,
		Type:       "OFFER_ACCEPTED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"reservation_id": hold.ID},
	}); err != nil {
		return Offer{}, reservation.Reservation{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "offer.accepted", map[string]any{
		"offer_id":       updated.ID,
		"reservation_id": hold.ID,
		"buyer_id":       updated.BuyerID,
	}); err != nil {
		return Offer{}, reservation.Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, reservation.Reservation{}, fmt.Errorf("offer: commit accept: %w", err)
	}
	return updated, hold, nil
}

// Reject declines a pending or countered bid. An accepted bid is backed by a
// hold and is released through the reservation flow instead.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, offerID string) (Offer, error) {
	return s.transition(ctx, actor, offerID, lifecycle.OfferRejected, "OFFER_REJECTED", "offer.rejected")
}

// Counter proposes a different amount and hands acceptance to the buyer.
func (s *Service) Counter(ctx context.Context, actor authz.Actor, offerID string, amount int64) (Offer, error) {
	if amount <= 0 {
		return Offer{}, fmt.Errorf("offer: invalid counter amount")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	prop, err := s.properties.GetForUpdate(ctx, tx, current.PropertyID)
	if err != nil {
		return Offer{}, err
	}
	if (prop.SellerID != actor.ID && !actor.Admin()) || !actor.Active() {
		return Offer{}, fmt.Errorf("offer: counter by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(lifecycle.OfferCountered) {
		return Offer{}, fmt.Errorf("offer: %s -> %s: %w", current.Status, lifecycle.OfferCountered, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateAmount(ctx, tx, offerID, lifecycle.OfferCountered, amount)
	if err != nil {
		return Offer{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityOffer,
		EntityID:   updated.ID,
		Type:       "OFFER_COUNTERED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"old_amount": current.Amount, "new_amount": amount},
	}); err != nil {
		return Offer{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "offer.countered", map[string]any{
		"offer_id": updated.ID,
		"buyer_id": updated.BuyerID,
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit counter: %w", err)
	}
	return updated, nil
}

// MarkTokenPaid records the deposit landing. Agent or admin confirms.
func (s *Service) MarkTokenPaid(ctx context.Context, actor authz.Actor, offerID string) (Offer, error) {
	return s.transition(ctx, actor, offerID, lifecycle.OfferTokenPaid, "OFFER_TOKEN_PAID", "offer.token_paid")
}

// Complete closes a paid bid.
func (s *Service) Complete(ctx context.Context, actor authz.Actor, offerID string) (Offer, error) {
	return s.transition(ctx, actor, offerID, lifecycle.OfferCompleted, "OFFER_COMPLETED", "offer.completed")
}

// Get loads one offer.
func (s *Service) Get(ctx context.Context, id string) (Offer, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns offers matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Offer, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) transition(ctx context.Context, actor authz.Actor, offerID string, to lifecycle.OfferStatus, eventType, topic string) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	prop, err := s.properties.GetForUpdate(ctx, tx, current.PropertyID)
	if err != nil {
		return Offer{}, err
	}
	if !transitionAllowed(actor, current, prop, to) {
		return Offer{}, fmt.Errorf("offer: %s -> %s by %s: %w", current.Status, to, actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(to) {
		return Offer{}, fmt.Errorf("offer: %s -> %s: %w", current.Status, to, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, offerID, to)
	if err != nil {
		return Offer{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityOffer,
		EntityID:   updated.ID,
		Type:       eventType,
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
	}); err != nil {
		return Offer{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"offer_id":    updated.ID,
		"property_id": updated.PropertyID,
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit transition: %w", err)
	}
	return updated, nil
}

func acceptAllowed(actor authz.Actor, o Offer, prop property.Property) bool {
	if !actor.Active() {
		return false
	}
	if actor.Admin() {
		return true
	}
	// Buyers accept counters; the seller accepts the buyer's own number.
	if o.Status == lifecycle.OfferCountered {
		return o.BuyerID == actor.ID
	}
	return prop.SellerID == actor.ID
}

func transitionAllowed(actor authz.Actor, o Offer, prop property.Property, to lifecycle.OfferStatus) bool {
	if !actor.Active() {
		return false
	}
	if actor.Admin() {
		return true
	}
	isAgent := prop.AgentID != nil && *prop.AgentID == actor.ID
	switch to {
	case lifecycle.OfferRejected:
		if o.Status == lifecycle.OfferCountered {
			return o.BuyerID == actor.ID || prop.SellerID == actor.ID
		}
		return prop.SellerID == actor.ID
	case lifecycle.OfferTokenPaid, lifecycle.OfferCompleted:
		return isAgent
	}
	return false
}
