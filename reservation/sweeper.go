package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"propflow/audit"
	"propflow/lifecycle"
)

// Sweeper releases expired holds on a schedule. Each claimed hold is
// processed in its own transaction as the SYSTEM actor, so one poisoned row
// cannot stall the rest of the backlog.
type Sweeper struct {
	pool       TxBeginner
	repo       Repository
	properties propertyStore
	emitter    AuditEmitter
	outbox     Notifier
	cron       *cron.Cron
	log        zerolog.Logger
	now        func() time.Time
}

func NewSweeper(pool TxBeginner, repo Repository, properties propertyStore, emitter AuditEmitter, outbox Notifier, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		pool:       pool,
		repo:       repo,
		properties: properties,
		emitter:    emitter,
		outbox:     outbox,
		cron:       cron.New(),
		log:        log,
		now:        time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Start registers the sweep on the given cron schedule and begins the timer.
func (s *Sweeper) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("reservation sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("reservation: schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the timer and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep claims and releases expired holds until an iteration finds none
// left. It returns the number of holds released. Re-running over an already
// swept backlog claims nothing and is not an error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	released := 0
	for {
		n, err := s.sweepOne(ctx)
		if err != nil {
			return released, err
		}
		if !n {
			return released, nil
		}
		released++
	}
}

func (s *Sweeper) sweepOne(ctx context.Context) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("reservation: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.repo.ClaimExpired(ctx, tx, s.now())
	if err != nil {
		if errors.Is(err, ErrNoneExpired) {
			return false, nil
		}
		return false, err
	}

	prop, err := s.properties.GetForUpdate(ctx, tx, res.PropertyID)
	if err != nil {
		return false, err
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, res.ID, lifecycle.ReservationExpired)
	if err != nil {
		return false, err
	}
	if _, err := s.properties.UpdateStatus(ctx, tx, res.PropertyID, lifecycle.PropertyActive, prop.AgentID); err != nil {
		return false, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityReservation,
		EntityID:   updated.ID,
		Type:       "RESERVATION_EXPIRED",
		FromStatus: string(lifecycle.ReservationActive),
		ToStatus:   string(updated.Status),
		ActorID:    audit.ActorSystem,
		Details:    map[string]any{"reserved_until": res.ReservedUntil.UTC()},
	}); err != nil {
		return false, err
	}
	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityProperty,
		EntityID:   res.PropertyID,
		Type:       "PROPERTY_STATUS_CHANGED",
		FromStatus: string(prop.Status),
		ToStatus:   string(lifecycle.PropertyActive),
		ActorID:    audit.ActorSystem,
		Details:    map[string]any{"reservation_id": updated.ID},
	}); err != nil {
		return false, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "reservation.expired", map[string]any{
		"reservation_id": updated.ID,
		"property_id":    res.PropertyID,
		"buyer_id":       res.BuyerID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("reservation: commit sweep: %w", err)
	}

	s.log.Info().
		Str("reservation_id", updated.ID).
		Str("property_id", res.PropertyID).
		Time("reserved_until", res.ReservedUntil).
		Msg("expired hold released")
	return true, nil
}
