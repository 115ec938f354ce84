package reservation

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

// propertyStore is the slice of the property repository the hold flow drives.
type propertyStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (property.Property, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.PropertyStatus, agentID *string) (property.Property, error)
}

// Service owns property holds. A reservation is only ever created inside the
// accepting offer's transaction, so the offer, the hold, and the property
// commit as one unit.
type Service struct {
	pool       TxBeginner
	repo       Repository
	properties propertyStore
	emitter    AuditEmitter
	outbox     Notifier
	holdWindow time.Duration
	now        func() time.Time
	idGen      func() string
}

func NewService(pool TxBeginner, repo Repository, properties propertyStore, emitter AuditEmitter, outbox Notifier, holdWindow time.Duration) *Service {
	if holdWindow <= 0 {
		holdWindow = DefaultHoldWindow
	}
	return &Service{
		pool:       pool,
		repo:       repo,
		properties: properties,
		emitter:    emitter,
		outbox:     outbox,
		holdWindow: holdWindow,
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

// CreateFromOfferParams carries the accepted offer the hold is placed for.
type CreateFromOfferParams struct {
	OfferID       string
	PropertyID    string
	BuyerID       string
	DepositAmount int64
	ActorID       string
}

// CreateFromOffer places the hold inside the caller's transaction. The
// property row is locked, required ACTIVE, and moved to RESERVED with the
// reservation in the same unit of work.
func (s *Service) CreateFromOffer(ctx context.Context, tx pgx.Tx, params CreateFromOfferParams) (Reservation, error) {
	if params.OfferID == "" || params.PropertyID == "" || params.BuyerID == "" {
		return Reservation{}, fmt.Errorf("reservation: incomplete offer reference")
	}

	prop, err := s.properties.GetForUpdate(ctx, tx, params.PropertyID)
	if err != nil {
		return Reservation{}, err
	}
	if !prop.Status.CanTransition(lifecycle.PropertyReserved) {
		return Reservation{}, fmt.Errorf("reservation: property %s -> %s: %w", prop.Status, lifecycle.PropertyReserved, lifecycle.ErrInvalidTransition)
	}

	created, err := s.repo.Create(ctx, tx, Reservation{
		ID:            s.idGen(),
		PropertyID:    params.PropertyID,
		OfferID:       params.OfferID,
		BuyerID:       params.BuyerID,
		DepositAmount: params.DepositAmount,
		Status:        lifecycle.ReservationActive,
		ReservedUntil: s.now().Add(s.holdWindow),
	})
	if err != nil {
		return Reservation{}, err
	}

	if _, err := s.properties.UpdateStatus(ctx, tx, params.PropertyID, lifecycle.PropertyReserved, prop.AgentID); err != nil {
		return Reservation{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityReservation,
		EntityID:   created.ID,
		Type:       "RESERVATION_CREATED",
		ToStatus:   string(created.Status),
		ActorID:    params.ActorID,
		Details: map[string]any{
			"offer_id":       params.OfferID,
			"property_id":    params.PropertyID,
			"reserved_until": created.ReservedUntil.UTC(),
		},
	}); err != nil {
		return Reservation{}, err
	}
	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   params.PropertyID,
		Type:       "PROPERTY_STATUS_CHANGED",
		FromStatus: string(prop.Status),
		ToStatus:   string(lifecycle.PropertyReserved),
		ActorID:    params.ActorID,
		Details:    map[string]any{"reservation_id": created.ID},
	}); err != nil {
		return Reservation{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "reservation.created", map[string]any{
		"reservation_id": created.ID,
		"property_id":    params.PropertyID,
		"buyer_id":       params.BuyerID,
	}); err != nil {
		return Reservation{}, err
	}

	return created, nil
}

// Complete records the sale. The hold closes COMPLETED and the property
// moves RESERVED -> SOLD.
func (s *Service) Complete(ctx context.Context, actor authz.Actor, reservationID string) (Reservation, error) {
	return s.close(ctx, actor, reservationID, lifecycle.ReservationCompleted)
}

// Cancel releases the hold and puts the property back on the market.
func (s *Service) Cancel(ctx context.Context, actor authz.Actor, reservationID string) (Reservation, error) {
	return s.close(ctx, actor, reservationID, lifecycle.ReservationCancelled)
}

func (s *Service) close(ctx context.Context, actor authz.Actor, reservationID string, to lifecycle.ReservationStatus) (Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	prop, err := s.properties.GetForUpdate(ctx, tx, current.PropertyID)
	if err != nil {
		return Reservation{}, err
	}
	if !closeAllowed(actor, current, prop, to) {
		return Reservation{}, fmt.Errorf("reservation: %s by %s: %w", to, actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(to) {
		return Reservation{}, fmt.Errorf("reservation: %s -> %s: %w", current.Status, to, lifecycle.ErrInvalidTransition)
	}

	propStatus := lifecycle.PropertySold
	eventType := "RESERVATION_COMPLETED"
	topic := "reservation.completed"
	if to == lifecycle.ReservationCancelled {
		propStatus = lifecycle.PropertyActive
		eventType = "RESERVATION_CANCELLED"
		topic = "reservation.cancelled"
	}
	if !prop.Status.CanTransition(propStatus) {
		return Reservation{}, fmt.Errorf("reservation: property %s -> %s: %w", prop.Status, propStatus, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, reservationID, to)
	if err != nil {
		return Reservation{}, err
	}
	if _, err := s.properties.UpdateStatus(ctx, tx, current.PropertyID, propStatus, prop.AgentID); err != nil {
		return Reservation{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityReservation,
		EntityID:   updated.ID,
		Type:       eventType,
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"property_id": current.PropertyID},
	}); err != nil {
		return Reservation{}, err
	}
	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   current.PropertyID,
		Type:       "PROPERTY_STATUS_CHANGED",
		FromStatus: string(prop.Status),
		ToStatus:   string(propStatus),
		ActorID:    actor.ID,
		Details:    map[string]any{"reservation_id": updated.ID},
	}); err != nil {
		return Reservation{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"reservation_id": updated.ID,
		"property_id":    current.PropertyID,
		"buyer_id":       current.BuyerID,
	}); err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("reservation: commit close: %w", err)
	}
	return updated, nil
}

// closeAllowed: the listing agent or an admin records the sale; the buyer
// may walk away, as may the agent and admin.
func closeAllowed(actor authz.Actor, res Reservation, prop property.Property, to lifecycle.ReservationStatus) bool {
	if !actor.Active() {
		return false
	}
	if actor.Admin() {
		return true
	}
	isAgent := prop.AgentID != nil && *prop.AgentID == actor.ID
	if to == lifecycle.ReservationCompleted {
		return isAgent
	}
	return isAgent || res.BuyerID == actor.ID
}

// Get loads one reservation.
func (s *Service) Get(ctx context.Context, id string) (Reservation, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns reservations matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Reservation, int, error) {
	return s.repo.List(ctx, filters)
}
