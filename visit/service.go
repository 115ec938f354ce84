package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"propflow/audit"
	"propflow/authz"
	"propflow/lifecycle"
	"propflow/otp"
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

// CodeIssuer is the slice of the otp service the visit flow needs. Issue
// runs in its own transaction; ConsumeInTx joins the completion transaction.
type CodeIssuer interface {
	Issue(ctx context.Context, purpose otp.Purpose, subjectID string) (otp.Issued, error)
	ConsumeInTx(ctx context.Context, tx pgx.Tx, purpose otp.Purpose, subjectID, code string) (string, error)
}

// propertyStore is the slice of the property repository the visit flow reads.
type propertyStore interface {
	GetByID(ctx context.Context, id string) (property.Property, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (property.Property, error)
}

// DefaultProximityRadiusM bounds how far from the listing an agent may be
// when checking in.
const DefaultProximityRadiusM = 75.0

// Service runs visit execution. Completion demands two recorded proofs in
// one transaction: the GPS check-in and the buyer's consumed code. A failed
// proof leaves the visit where it was so the pair can retry.
type Service struct {
	pool       TxBeginner
	repo       Repository
	properties propertyStore
	codes      CodeIssuer
	emitter    AuditEmitter
	outbox     Notifier
	radiusM    float64
	now        func() time.Time
	idGen      func() string
}

func NewService(pool TxBeginner, repo Repository, properties propertyStore, codes CodeIssuer, emitter AuditEmitter, outbox Notifier, radiusM float64) *Service {
	if radiusM <= 0 {
		radiusM = DefaultProximityRadiusM
	}
	return &Service{
		pool:       pool,
		repo:       repo,
		properties: properties,
		codes:      codes,
		emitter:    emitter,
		outbox:     outbox,
		radiusM:    radiusM,
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

// Request opens a visit on an ACTIVE listing. The listing's current agent is
// pinned to the visit.
func (s *Service) Request(ctx context.Context, actor authz.Actor, propertyID string, scheduledAt time.Time) (Visit, error) {
	if !actor.Active() {
		return Visit{}, fmt.Errorf("visit: request: %w", lifecycle.ErrUnauthorized)
	}
	if scheduledAt.Before(s.now()) {
		return Visit{}, fmt.Errorf("visit: scheduled time in the past")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	prop, err := s.properties.GetForUpdate(ctx, tx, propertyID)
	if err != nil {
		return Visit{}, err
	}
	if prop.SellerID == actor.ID {
		return Visit{}, fmt.Errorf("visit: seller cannot tour own listing: %w", lifecycle.ErrUnauthorized)
	}
	if prop.Status != lifecycle.PropertyActive {
		return Visit{}, fmt.Errorf("visit: property is %s: %w", prop.Status, lifecycle.ErrInvalidTransition)
	}
	if prop.AgentID == nil {
		return Visit{}, fmt.Errorf("visit: property %s has no agent", propertyID)
	}

	created, err := s.repo.Create(ctx, tx, Visit{
		ID:          s.idGen(),
		PropertyID:  propertyID,
		BuyerID:     actor.ID,
		AgentID:     *prop.AgentID,
		ScheduledAt: scheduledAt,
		Status:      lifecycle.VisitRequested,
	})
	if err != nil {
		return Visit{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityVisit,
		EntityID:   created.ID,
		Type:       "VISIT_REQUESTED",
		ToStatus:   string(created.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"property_id": propertyID, "scheduled_at": scheduledAt.UTC()},
	}); err != nil {
		return Visit{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "visit.requested", map[string]any{
		"visit_id":    created.ID,
		"property_id": propertyID,
		"agent_id":    created.AgentID,
	}); err != nil {
		return Visit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Visit{}, fmt.Errorf("visit: commit request: %w", err)
	}
	return created, nil
}

// Approve confirms the visit time. The agent approves a fresh request; the
// buyer approves a counter-proposed time.
func (s *Service) Approve(ctx context.Context, actor authz.Actor, visitID string) (Visit, error) {
	return s.transition(ctx, actor, visitID, lifecycle.VisitApproved, "VISIT_APPROVED", "visit.approved")
}

// Reject declines the visit request.
func (s *Service) Reject(ctx context.Context, actor authz.Actor, visitID string) (Visit, error) {
	return s.transition(ctx, actor, visitID, lifecycle.VisitRejected, "VISIT_REJECTED", "visit.rejected")
}

// Cancel withdraws the visit. Either party may cancel before completion.
func (s *Service) Cancel(ctx context.Context, actor authz.Actor, visitID string) (Visit, error) {
	return s.transition(ctx, actor, visitID, lifecycle.VisitCancelled, "VISIT_CANCELLED", "visit.cancelled")
}

// NoShow records buyer non-arrival. Agent only.
func (s *Service) NoShow(ctx context.Context, actor authz.Actor, visitID string) (Visit, error) {
	return s.transition(ctx, actor, visitID, lifecycle.VisitNoShow, "VISIT_NO_SHOW", "visit.no_show")
}

// Counter proposes a different time and hands approval to the buyer.
func (s *Service) Counter(ctx context.Context, actor authz.Actor, visitID string, proposedAt time.Time) (Visit, error) {
	if proposedAt.Before(s.now()) {
		return Visit{}, fmt.Errorf("visit: proposed time in the past")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, visitID)
	if err != nil {
		return Visit{}, err
	}
	if current.AgentID != actor.ID || !actor.Active() {
		return Visit{}, fmt.Errorf("visit: counter by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(lifecycle.VisitCountered) {
		return Visit{}, fmt.Errorf("visit: %s -> %s: %w", current.Status, lifecycle.VisitCountered, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.Reschedule(ctx, tx, visitID, lifecycle.VisitCountered, proposedAt)
	if err != nil {
		return Visit{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityVisit,
		EntityID:   updated.ID,
		Type:       "VISIT_COUNTERED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"proposed_at": proposedAt.UTC()},
	}); err != nil {
		return Visit{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "visit.countered", map[string]any{
		"visit_id": updated.ID,
		"buyer_id": updated.BuyerID,
	}); err != nil {
		return Visit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Visit{}, fmt.Errorf("visit: commit counter: %w", err)
	}
	return updated, nil
}

// CheckIn records the agent's GPS proof at the property. Outside the radius
// the attempt fails and the visit stays APPROVED.
func (s *Service) CheckIn(ctx context.Context, actor authz.Actor, visitID string, lat, lng float64) (Visit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, visitID)
	if err != nil {
		return Visit{}, err
	}
	if current.AgentID != actor.ID || !actor.Active() {
		return Visit{}, fmt.Errorf("visit: check-in by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(lifecycle.VisitCheckedIn) {
		return Visit{}, fmt.Errorf("visit: %s -> %s: %w", current.Status, lifecycle.VisitCheckedIn, lifecycle.ErrInvalidTransition)
	}

	prop, err := s.properties.GetByID(ctx, current.PropertyID)
	if err != nil {
		return Visit{}, err
	}
	distance := distanceMeters(lat, lng, prop.Lat, prop.Lng)
	if distance > s.radiusM {
		return Visit{}, fmt.Errorf("visit: %.0fm from property (limit %.0fm): %w", distance, s.radiusM, lifecycle.ErrProofFailed)
	}

	updated, err := s.repo.RecordCheckIn(ctx, tx, visitID, lat, lng, distance, s.now())
	if err != nil {
		return Visit{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityVisit,
		EntityID:   updated.ID,
		Type:       "VISIT_CHECKED_IN",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"distance_m": distance},
	}); err != nil {
		return Visit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Visit{}, fmt.Errorf("visit: commit check-in: %w", err)
	}

	// The buyer's completion code travels out of band; issuing it is not
	// part of the check-in transaction. The check-in itself is already
	// committed, so an issuance failure surfaces and the agent recovers
	// with ResendCompletionCode.
	issued, err := s.codes.Issue(ctx, otp.PurposeVisitCompletion, updated.ID)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: issue completion code: %w", err)
	}
	if err := s.notify(ctx, "visit.otp_issued", map[string]any{
		"visit_id":   updated.ID,
		"buyer_id":   updated.BuyerID,
		"expires_at": issued.ExpiresAt.UTC(),
	}); err != nil {
		return Visit{}, err
	}

	return updated, nil
}

// ResendCompletionCode issues a fresh buyer code for a checked-in visit. The
// previous code is superseded and its attempt count discarded, so a pair
// stuck on an expired or lost code can still finish the visit.
func (s *Service) ResendCompletionCode(ctx context.Context, actor authz.Actor, visitID string) (Visit, error) {
	current, err := s.repo.GetByID(ctx, visitID)
	if err != nil {
		return Visit{}, err
	}
	if !actor.Active() || (current.AgentID != actor.ID && current.BuyerID != actor.ID && !actor.Admin()) {
		return Visit{}, fmt.Errorf("visit: resend code by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if current.Status != lifecycle.VisitCheckedIn {
		return Visit{}, fmt.Errorf("visit: resend code in %s: %w", current.Status, lifecycle.ErrInvalidTransition)
	}

	issued, err := s.codes.Issue(ctx, otp.PurposeVisitCompletion, current.ID)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: reissue completion code: %w", err)
	}
	if err := s.notify(ctx, "visit.otp_issued", map[string]any{
		"visit_id":   current.ID,
		"buyer_id":   current.BuyerID,
		"expires_at": issued.ExpiresAt.UTC(),
	}); err != nil {
		return Visit{}, err
	}
	return current, nil
}

// Complete closes the visit. It demands both proofs in one transaction: the
// recorded GPS check-in and the buyer's code. A bad or expired code leaves
// the visit CHECKED_IN and the attempt counter committed.
func (s *Service) Complete(ctx context.Context, actor authz.Actor, visitID, code string) (Visit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, visitID)
	if err != nil {
		return Visit{}, err
	}
	if current.AgentID != actor.ID || !actor.Active() {
		return Visit{}, fmt.Errorf("visit: complete by %s: %w", actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(lifecycle.VisitCompleted) {
		return Visit{}, fmt.Errorf("visit: %s -> %s: %w", current.Status, lifecycle.VisitCompleted, lifecycle.ErrInvalidTransition)
	}
	if current.CheckinLat == nil || current.CheckinLng == nil || current.CheckinDistanceM == nil {
		return Visit{}, fmt.Errorf("visit: no gps check-in on record: %w", lifecycle.ErrProofFailed)
	}

	otpRecordID, err := s.codes.ConsumeInTx(ctx, tx, otp.PurposeVisitCompletion, visitID, code)
	if err != nil {
		// Failed attempts must stay counted, so the transaction holding
		// the increment commits before the error surfaces.
		if errors.Is(err, lifecycle.ErrProofFailed) || errors.Is(err, lifecycle.ErrRateLimited) {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return Visit{}, fmt.Errorf("visit: commit failed attempt: %w", commitErr)
			}
		}
		return Visit{}, err
	}

	if _, err := s.repo.InsertVerification(ctx, tx, Verification{
		ID:          s.idGen(),
		VisitID:     visitID,
		Lat:         *current.CheckinLat,
		Lng:         *current.CheckinLng,
		DistanceM:   *current.CheckinDistanceM,
		OTPRecordID: otpRecordID,
	}); err != nil {
		return Visit{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, visitID, lifecycle.VisitCompleted)
	if err != nil {
		return Visit{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityVisit,
		EntityID:   updated.ID,
		Type:       "VISIT_COMPLETED",
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
		Details:    map[string]any{"otp_record_id": otpRecordID},
	}); err != nil {
		return Visit{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "visit.completed", map[string]any{
		"visit_id":    updated.ID,
		"property_id": updated.PropertyID,
		"buyer_id":    updated.BuyerID,
	}); err != nil {
		return Visit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Visit{}, fmt.Errorf("visit: commit complete: %w", err)
	}
	return updated, nil
}

// Get loads one visit.
func (s *Service) Get(ctx context.Context, id string) (Visit, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns visits matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Visit, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) notify(ctx context.Context, topic string, payload map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("visit: begin notify tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("visit: commit notify: %w", err)
	}
	return nil
}

// transition covers the simple edges where permission depends only on the
// actor's relationship to the visit.
func (s *Service) transition(ctx context.Context, actor authz.Actor, visitID string, to lifecycle.VisitStatus, eventType, topic string) (Visit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Visit{}, fmt.Errorf("visit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, visitID)
	if err != nil {
		return Visit{}, err
	}
	if !visitTransitionAllowed(actor, current, to) {
		return Visit{}, fmt.Errorf("visit: %s -> %s by %s: %w", current.Status, to, actor.ID, lifecycle.ErrUnauthorized)
	}
	if !current.Status.CanTransition(to) {
		return Visit{}, fmt.Errorf("visit: %s -> %s: %w", current.Status, to, lifecycle.ErrInvalidTransition)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, visitID, to)
	if err != nil {
		return Visit{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityVisit,
		EntityID:   updated.ID,
		Type:       eventType,
		FromStatus: string(current.Status),
		ToStatus:   string(updated.Status),
		ActorID:    actor.ID,
	}); err != nil {
		return Visit{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, map[string]any{
		"visit_id":    updated.ID,
		"property_id": updated.PropertyID,
	}); err != nil {
		return Visit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Visit{}, fmt.Errorf("visit: commit transition: %w", err)
	}
	return updated, nil
}

func visitTransitionAllowed(actor authz.Actor, v Visit, to lifecycle.VisitStatus) bool {
	if !actor.Active() {
		return false
	}
	if actor.Admin() {
		return true
	}
	switch to {
	case lifecycle.VisitApproved:
		// Agents approve fresh requests; buyers approve countered times.
		if v.Status == lifecycle.VisitCountered {
			return v.BuyerID == actor.ID
		}
		return v.AgentID == actor.ID
	case lifecycle.VisitRejected, lifecycle.VisitNoShow:
		return v.AgentID == actor.ID
	case lifecycle.VisitCancelled:
		return v.BuyerID == actor.ID || v.AgentID == actor.ID
	}
	return false
}
