package property

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"propflow/audit"
	"propflow/authz"
	"propflow/lifecycle"
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

// assignmentCloser declines any still-open assignment on a property inside the
// caller's transaction and returns the ids it closed.
type assignmentCloser interface {
	CloseOpenForProperty(ctx context.Context, tx pgx.Tx, propertyID string) ([]string, error)
}

// Service owns the listing lifecycle. Every status change locks the listing
// row, consults the transition registry, and writes its audit entry in the
// same transaction.
type Service struct {
	pool        TxBeginner
	repo        Repository
	assignments assignmentCloser
	emitter     AuditEmitter
	outbox      Notifier
	now         func() time.Time
	idGen       func() string
}

func NewService(pool TxBeginner, repo Repository, assignments assignmentCloser, emitter AuditEmitter, outbox Notifier) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		assignments: assignments,
		emitter:     emitter,
		outbox:      outbox,
		now:         time.Now,
		idGen:       uuid.NewString,
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

// Create inserts a new listing in DRAFT owned by the actor.
func (s *Service) Create(ctx context.Context, actor authz.Actor, params CreateParams) (Property, error) {
	if !actor.Active() {
		return Property{}, fmt.Errorf("property: create: %w", lifecycle.ErrUnauthorized)
	}
	if strings.TrimSpace(params.Title) == "" {
		return Property{}, fmt.Errorf("property: title required")
	}
	if strings.TrimSpace(params.Address) == "" {
		return Property{}, fmt.Errorf("property: address required")
	}
	if params.Price <= 0 {
		return Property{}, fmt.Errorf("property: invalid price")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Property{}, fmt.Errorf("property: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Property{
		ID:       s.idGen(),
		SellerID: actor.ID,
		Title:    strings.TrimSpace(params.Title),
		Address:  strings.TrimSpace(params.Address),
		Lat:      params.Lat,
		Lng:      params.Lng,
		Price:    params.Price,
		Status:   lifecycle.PropertyDraft,
	})
	if err != nil {
		return Property{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   created.ID,
		Type:       "PROPERTY_CREATED",
		ToStatus:   string(created.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"price": created.Price},
	}); err != nil {
		return Property{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "property.created", map[string]any{
		"property_id": created.ID,
		"seller_id":   created.SellerID,
	}); err != nil {
		return Property{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Property{}, fmt.Errorf("property: commit create: %w", err)
	}
	return created, nil
}

// Get loads one listing.
func (s *Service) Get(ctx context.Context, id string) (Property, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns listings matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Property, int, error) {
	return s.repo.List(ctx, filters)
}

// UpdatePrice changes the asking price. Price is mutable in DRAFT only; the
// change is audited with the old and new values.
func (s *Service) UpdatePrice(ctx context.Context, actor authz.Actor, propertyID string, price int64) (Property, error) {
	if price <= 0 {
		return Property{}, fmt.Errorf("property: invalid price")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Property{}, fmt.Errorf("property: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, propertyID)
	if err != nil {
		return Property{}, err
	}
	if current.SellerID != actor.ID && !actor.Admin() {
		return Property{}, fmt.Errorf("property: update price: %w", lifecycle.ErrUnauthorized)
	}
	if current.Status != lifecycle.PropertyDraft {
		return Property{}, fmt.Errorf("property: price immutable in %s: %w", current.Status, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdatePrice(ctx, tx, propertyID, price)
	if err != nil {
		return Property{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   updated.ID,
		Type:       "PROPERTY_PRICE_CHANGED",
		ActorID:    actor.ID,
		Details:    map[string]any{"old_price": current.Price, "new_price": updated.Price},
	}); err != nil {
		return Property{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Property{}, fmt.Errorf("property: commit price: %w", err)
	}
	return updated, nil
}

// Transition moves a listing between statuses through the registry. RESERVED
// and SOLD are owned by the reservation flow and cannot be reached here.
func (s *Service) Transition(ctx context.Context, actor authz.Actor, propertyID string, to lifecycle.PropertyStatus, reason string) (Property, error) {
	if !to.Valid() {
		return Property{}, fmt.Errorf("property: unknown status %q: %w", to, lifecycle.ErrInvalidTransition)
	}
	if to == lifecycle.PropertyReserved || to == lifecycle.PropertySold {
		return Property{}, fmt.Errorf("property: %s is reservation-driven: %w", to, lifecycle.ErrInvalidTransition)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Property{}, fmt.Errorf("property: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, propertyID)
	if err != nil {
		return Property{}, err
	}
	if !transitionAllowed(actor, current, to) {
		return Property{}, fmt.Errorf("property: %s -> %s by %s: %w", current.Status, to, actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(to) {
		return Property{}, fmt.Errorf("property: %s -> %s: %w", current.Status, to, lifecycle.ErrInvalidTransition)
	}

	agentID := current.AgentID
	var closedAssignments []string
	if to == lifecycle.PropertyDraft {
		// Returning to DRAFT detaches the agent, so any open assignment on the
		// property must close with it.
		agentID = nil
		closedAssignments, err = s.assignments.CloseOpenForProperty(ctx, tx, propertyID)
		if err != nil {
			return Property{}, err
		}
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, propertyID, to, agentID)
	if err != nil {
		return Property{}, err
	}

	for _, assignmentID := range closedAssignments {
		if err := s.emitter.Append(ctx, tx, audit.Entry{
			EntityType: lifecycle.EntityAssignment,
			EntityID:   assignmentID,
			Type:       "ASSIGNMENT_DECLINED",
			ToStatus:   string(lifecycle.AssignmentDeclined),
			ActorID:    actor.ID,
			Details:    map[string]any{"property_id": propertyID, "reason": "property withdrawn"},
		}); err != nil {
			return Property{}, err
		}
	}

	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   updated.ID,
		Type:       "PROPERTY_STATUS_CHANGED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    details,
	}); err != nil {
		return Property{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "property.status_changed", map[string]any{
		"property_id": updated.ID,
		"from":        string(current.Status),
		"to":          string(updated.Status),
	}); err != nil {
		return Property{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Property{}, fmt.Errorf("property: commit transition: %w", err)
	}
	return updated, nil
}

// transitionAllowed maps the actor's relationship to the edges it may drive.
// Owners withdraw listings back to DRAFT; the assigned agent drives the
// verification leg; admins may use any registered edge.
func transitionAllowed(actor authz.Actor, p Property, to lifecycle.PropertyStatus) bool {
	if !actor.Active() {
		return false
	}
	if actor.Admin() {
		return true
	}
	if p.SellerID == actor.ID {
		return to == lifecycle.PropertyDraft
	}
	if p.AgentID != nil && *p.AgentID == actor.ID {
		switch to {
		case lifecycle.PropertyVerifying, lifecycle.PropertyActive, lifecycle.PropertyAssigned:
			return true
		}
	}
	return false
}
