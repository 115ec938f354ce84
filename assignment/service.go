package assignment

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

// propertyStore is the slice of the property repository the assignment flow
// drives inside its own transactions.
type propertyStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (property.Property, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.PropertyStatus, agentID *string) (property.Property, error)
}

// Service pairs agents with listings. Accepting or declining an assignment
// moves the property in the same transaction, so the two rows never disagree.
type Service struct {
	pool       TxBeginner
	repo       Repository
	properties propertyStore
	emitter    AuditEmitter
	outbox     Notifier
	now        func() time.Time
	idGen      func() string
}

func NewService(pool TxBeginner, repo Repository, properties propertyStore, emitter AuditEmitter, outbox Notifier) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		properties: properties,
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

// Request creates a pending assignment for an agent and moves the listing to
// PENDING_ASSIGNMENT. Only the owner of a DRAFT listing may request one.
func (s *Service) Request(ctx context.Context, actor authz.Actor, propertyID, agentID string) (Assignment, error) {
	if agentID == "" {
		return Assignment{}, fmt.Errorf("assignment: agent id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prop, err := s.properties.GetForUpdate(ctx, tx, propertyID)
	if err != nil {
		return Assignment{}, err
	}
	if prop.SellerID != actor.ID || !actor.Active() {
		return Assignment{}, fmt.Errorf("assignment: request by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !prop.Status.CanTransition(lifecycle.PropertyPendingAgent) {
		return Assignment{}, fmt.Errorf("assignment: property %s -> %s: %w", prop.Status, lifecycle.PropertyPendingAgent, lifecycle.ErrInvalidTransition)
	}

	created, err := s.repo.Create(ctx, tx, Assignment{
		ID:         s.idGen(),
		PropertyID: propertyID,
		AgentID:    agentID,
		Status:     lifecycle.AssignmentPending,
	})
	if err != nil {
		return Assignment{}, err
	}

	if _, err := s.properties.UpdateStatus(ctx, tx, propertyID, lifecycle.PropertyPendingAgent, nil); err != nil {
		return Assignment{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityAssignment,
		EntityID:   created.ID,
		Type:       "ASSIGNMENT_REQUESTED",
		ToStatus:   string(created.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"property_id": propertyID, "agent_id": agentID},
	}); err != nil {
		return Assignment{}, err
	}
	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   propertyID,
		Type:       "PROPERTY_STATUS_CHANGED",
		FromStatus: string(prop.Status),
		ToStatus:   string(lifecycle.PropertyPendingAgent),
		ActorID:    actor.ID,
		Details:    map[string]any{"assignment_id": created.ID},
	}); err != nil {
		return Assignment{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "assignment.requested", map[string]any{
		"assignment_id": created.ID,
		"property_id":   propertyID,
		"agent_id":      agentID,
	}); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit request: %w", err)
	}
	return created, nil
}

// Accept moves a pending assignment to accepted and the listing to ASSIGNED
// with the agent attached. Only the named agent may accept.
func (s *Service) Accept(ctx context.Context, actor authz.Actor, assignmentID string) (Assignment, error) {
	return s.resolve(ctx, actor, assignmentID, lifecycle.AssignmentAccepted)
}

// Decline closes a pending assignment and returns the listing to DRAFT so
// the seller can pick another agent.
func (s *Service) Decline(ctx context.Context, actor authz.Actor, assignmentID string) (Assignment, error) {
	return s.resolve(ctx, actor, assignmentID, lifecycle.AssignmentDeclined)
}

func (s *Service) resolve(ctx context.Context, actor authz.Actor, assignmentID string, to lifecycle.AssignmentStatus) (Assignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if current.AgentID != actor.ID || !actor.Active() {
		return Assignment{}, fmt.Errorf("assignment: resolve by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(to) {
		return Assignment{}, fmt.Errorf("assignment: %s -> %s: %w", current.Status, to, lifecycle.ErrInvalidTransition)
	}

	prop, err := s.properties.GetForUpdate(ctx, tx, current.PropertyID)
	if err != nil {
		return Assignment{}, err
	}

	propStatus := lifecycle.PropertyAssigned
	propAgent := &current.AgentID
	eventType := "ASSIGNMENT_ACCEPTED"
	topic := "assignment.accepted"
	if to == lifecycle.AssignmentDeclined {
		propStatus = lifecycle.PropertyDraft
		propAgent = nil
		eventType = "ASSIGNMENT_DECLINED"
		topic = "assignment.declined"
	}
	if !prop.Status.CanTransition(propStatus) {
		return Assignment{}, fmt.Errorf("assignment: property %s -> %s: %w", prop.Status, propStatus, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, assignmentID, to)
	if err != nil {
		return Assignment{}, err
	}
	if _, err := s.properties.UpdateStatus(ctx, tx, current.PropertyID, propStatus, propAgent); err != nil {
		return Assignment{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityAssignment,
		EntityID:   updated.ID,
		Type:       eventType,
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"property_id": current.PropertyID},
	}); err != nil {
		return Assignment{}, err
	}
	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   current.PropertyID,
		Type:       "PROPERTY_STATUS_CHANGED",
		FromStatus: string(prop.Status),
		ToStatus:   string(propStatus),
		ActorID:    actor.ID,
		Details:    map[string]any{"assignment_id": updated.ID},
	}); err != nil {
		return Assignment{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"assignment_id": updated.ID,
		"property_id":   current.PropertyID,
		"agent_id":      current.AgentID,
	}); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit resolve: %w", err)
	}
	return updated, nil
}

// Complete marks an accepted assignment finished. The listing keeps its own
// lifecycle; completion only closes the work record.
func (s *Service) Complete(ctx context.Context, actor authz.Actor, assignmentID string) (Assignment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, assignmentID)
	if err != nil {
		return Assignment{}, err
	}
	if (current.AgentID != actor.ID && !actor.Admin()) || !actor.Active() {
		return Assignment{}, fmt.Errorf("assignment: complete by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(lifecycle.AssignmentCompleted) {
		return Assignment{}, fmt.Errorf("assignment: %s -> %s: %w", current.Status, lifecycle.AssignmentCompleted, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, assignmentID, lifecycle.AssignmentCompleted)
	if err != nil {
		return Assignment{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityAssignment,
		EntityID:   updated.ID,
		Type:       "ASSIGNMENT_COMPLETED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
	}); err != nil {
		return Assignment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("assignment: commit complete: %w", err)
	}
	return updated, nil
}

// Get loads one assignment.
func (s *Service) Get(ctx context.Context, id string) (Assignment, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns assignments matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Assignment, int, error) {
	return s.repo.List(ctx, filters)
}
