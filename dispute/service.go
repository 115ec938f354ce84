package dispute

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

// Service handles complaints. Anyone party to an entity may open one; only
// admins move it after that.
type Service struct {
	pool    TxBeginner
	repo    Repository
	parties PartyChecker
	emitter AuditEmitter
	outbox  Notifier
	now     func() time.Time
	idGen   func() string
}

func NewService(pool TxBeginner, repo Repository, parties PartyChecker, emitter AuditEmitter, outbox Notifier) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		parties: parties,
		emitter: emitter,
		outbox:  outbox,
		now:     time.Now,
		idGen:   uuid.NewString,
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

// Raise opens a dispute on an entity the actor is party to.
func (s *Service) Raise(ctx context.Context, actor authz.Actor, entityType lifecycle.EntityType, entityID, reason string) (Dispute, error) {
	if !actor.Active() {
		return Dispute{}, fmt.Errorf("dispute: raise: %w", lifecycle.ErrUnauthorized)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Dispute{}, fmt.Errorf("dispute: reason required")
	}

	related, err := s.parties.IsParty(ctx, entityType, entityID, actor.ID)
	if err != nil {
		return Dispute{}, err
	}
	if !related && !actor.Admin() {
		return Dispute{}, fmt.Errorf("dispute: %s is not party to %s %s: %w", actor.ID, entityType, entityID, lifecycle.ErrUnauthorized)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Dispute{
		ID:         s.idGen(),
		EntityType: entityType,
		EntityID:   entityID,
		RaisedBy:   actor.ID,
		Reason:     reason,
		Status:     lifecycle.DisputeOpen,
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityDispute,
		EntityID:   created.ID,
		Type:       "DISPUTE_RAISED",
		ToStatus:   string(created.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"entity_type": entityType, "entity_id": entityID},
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.raised", map[string]any{
		"dispute_id":  created.ID,
		"entity_type": entityType,
		"entity_id":   entityID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit raise: %w", err)
	}
	return created, nil
}

// Review takes the dispute under admin review.
func (s *Service) Review(ctx context.Context, actor authz.Actor, disputeID string) (Dispute, error) {
	return s.adminTransition(ctx, actor, disputeID, lifecycle.DisputeUnderReview, "DISPUTE_UNDER_REVIEW", "dispute.under_review")
}

// Close ends the dispute without further movement.
func (s *Service) Close(ctx context.Context, actor authz.Actor, disputeID string) (Dispute, error) {
	return s.adminTransition(ctx, actor, disputeID, lifecycle.DisputeClosed, "DISPUTE_CLOSED", "dispute.closed")
}

// Resolve records the admin's ruling.
func (s *Service) Resolve(ctx context.Context, actor authz.Actor, disputeID string, decision Decision, notes string) (Dispute, error) {
	if !actor.Admin() {
		return Dispute{}, fmt.Errorf("dispute: resolve by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !decision.Valid() {
		return Dispute{}, fmt.Errorf("dispute: unknown decision %q", decision)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !current.Status.CanTransition(lifecycle.DisputeResolved) {
		return Dispute{}, fmt.Errorf("dispute: %s -> %s: %w", current.Status, lifecycle.DisputeResolved, lifecycle.ErrInvalidTransition)
	}

	var notesPtr *string
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		notesPtr = &trimmed
	}
	updated, err := s.repo.Resolve(ctx, tx, disputeID, decision, notesPtr, s.now())
	if err != nil {
		return Dispute{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityDispute,
		EntityID:   updated.ID,
		Type:       "DISPUTE_RESOLVED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"decision": decision},
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "dispute.resolved", map[string]any{
		"dispute_id": updated.ID,
		"decision":   decision,
		"raised_by":  updated.RaisedBy,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return updated, nil
}

func (s *Service) adminTransition(ctx context.Context, actor authz.Actor, disputeID string, to lifecycle.DisputeStatus, eventType, topic string) (Dispute, error) {
	if !actor.Admin() {
		return Dispute{}, fmt.Errorf("dispute: %s by %s: %w", to, actor.ID, lifecycle.ErrUnauthorized)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !current.Status.CanTransition(to) {
		return Dispute{}, fmt.Errorf("dispute: %s -> %s: %w", current.Status, to, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, disputeID, to)
	if err != nil {
		return Dispute{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityDispute,
		EntityID:   updated.ID,
		Type:       eventType,
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
	}); err != nil {
		return Dispute{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"dispute_id": updated.ID,
		"raised_by":  updated.RaisedBy,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return updated, nil
}

// Get loads one dispute.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns disputes matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Dispute, int, error) {
	return s.repo.List(ctx, filters)
}
