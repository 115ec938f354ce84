package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// HoldPlacer races to place an ACTIVE reservation on the property whenever it
// is ACTIVE. Losing the partial unique index is expected under contention.
// Short hold windows keep the sweeper fed.
func HoldPlacer(ctx context.Context, pool *pgxpool.Pool, propertyID, offerID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		err := placeHold(ctx, pool, propertyID, offerID, buyerID)
		if err != nil && !isUniqueViolation(err) && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("hold placer: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(25)) * time.Millisecond)
	}
}

func placeHold(ctx context.Context, pool *pgxpool.Pool, propertyID, offerID, buyerID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM properties WHERE id=$1 FOR UPDATE`, propertyID).Scan(&status); err != nil {
		return err
	}
	if status != "ACTIVE" {
		return nil
	}

	until := time.Now().Add(time.Duration(rand.Intn(400)-200) * time.Millisecond)
	var resID string
	if err := tx.QueryRow(ctx, `INSERT INTO reservations (property_id, offer_id, buyer_id, deposit_amount, status, reserved_until)
                                VALUES ($1,$2,$3,500000,'ACTIVE',$4) RETURNING id`, propertyID, offerID, buyerID, until).Scan(&resID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE properties SET status='RESERVED', updated_at=now() WHERE id=$1`, propertyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO audit_logs (entity_type, entity_id, type, from_status, to_status, actor)
                               VALUES ('reservation',$1,'RESERVATION_CREATED','','ACTIVE',$2)`, resID, buyerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SweeperRacer mimics the expiry sweeper: claim one overdue hold with SKIP
// LOCKED, expire it and release the property in the same transaction.
// Multiple racers dividing the backlog must never expire the same hold twice.
func SweeperRacer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := sweepOne(ctx, pool); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("sweeper racer: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

func sweepOne(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var resID, propID string
	err = tx.QueryRow(ctx, `SELECT id, property_id FROM reservations
                            WHERE status='ACTIVE' AND reserved_until < now()
                            ORDER BY reserved_until LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&resID, &propID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='EXPIRED', updated_at=now() WHERE id=$1`, resID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE properties SET status='ACTIVE', updated_at=now() WHERE id=$1 AND status='RESERVED'`, propID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO audit_logs (entity_type, entity_id, type, from_status, to_status, actor)
                               VALUES ('reservation',$1,'RESERVATION_EXPIRED','ACTIVE','EXPIRED','SYSTEM')`, resID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HoldCloser cancels live holds on behalf of the buyer, returning the
// property to market. It competes with the sweeper for the same rows.
func HoldCloser(ctx context.Context, pool *pgxpool.Pool, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := cancelOne(ctx, pool, buyerID); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("hold closer: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func cancelOne(ctx context.Context, pool *pgxpool.Pool, buyerID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var resID, propID string
	err = tx.QueryRow(ctx, `SELECT id, property_id FROM reservations
                            WHERE status='ACTIVE' LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&resID, &propID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE reservations SET status='CANCELLED', updated_at=now() WHERE id=$1`, resID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE properties SET status='ACTIVE', updated_at=now() WHERE id=$1 AND status='RESERVED'`, propID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO audit_logs (entity_type, entity_id, type, from_status, to_status, actor)
                               VALUES ('reservation',$1,'RESERVATION_CANCELLED','ACTIVE','CANCELLED',$2)`, resID, buyerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// VisitVerifier races to record the completion proof for one checked-in
// visit. The unique index on visit_id allows exactly one winner; every racer
// then observes the visit as COMPLETED.
func VisitVerifier(ctx context.Context, pool *pgxpool.Pool, visitID, otpRecordID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		err := verifyVisit(ctx, pool, visitID, otpRecordID)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("visit verifier: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(40)) * time.Millisecond)
	}
}

func verifyVisit(ctx context.Context, pool *pgxpool.Pool, visitID, otpRecordID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO visit_verifications (visit_id, lat, lng, distance_m, otp_record_id)
                               VALUES ($1, 6.5244, 3.3792, 12.5, $2)`, visitID, otpRecordID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE visits SET status='COMPLETED', updated_at=now() WHERE id=$1 AND status='CHECKED_IN'`, visitID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AssignmentRequester races duplicate open assignments for the same listing.
// The partial unique index must keep at most one pending or accepted row.
func AssignmentRequester(ctx context.Context, pool *pgxpool.Pool, propertyID, agentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := pool.Exec(ctx, `INSERT INTO assignments (property_id, agent_id, status)
                                  VALUES ($1,$2,'pending')`, propertyID, agentID)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("assignment requester: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox with SKIP LOCKED, marking rows published.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at=now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
