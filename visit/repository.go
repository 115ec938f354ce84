package visit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"propflow/lifecycle"
)

var (
	ErrNotFound = errors.New("visit: not found")
	// ErrAlreadyVerified guards the one-verification-per-visit rule.
	ErrAlreadyVerified = errors.New("visit: verification already recorded")
)

const visitColumns = `id, property_id, buyer_id, agent_id, scheduled_at, status,
       checkin_lat, checkin_lng, checkin_distance_m, checked_in_at, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, v Visit) (Visit, error)
	GetByID(ctx context.Context, id string) (Visit, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Visit, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.VisitStatus) (Visit, error)
	Reschedule(ctx context.Context, tx pgx.Tx, id string, status lifecycle.VisitStatus, scheduledAt time.Time) (Visit, error)
	RecordCheckIn(ctx context.Context, tx pgx.Tx, id string, lat, lng, distanceM float64, at time.Time) (Visit, error)
	InsertVerification(ctx context.Context, tx pgx.Tx, v Verification) (Verification, error)
	GetVerification(ctx context.Context, visitID string) (Verification, error)
	List(ctx context.Context, filters Filters) ([]Visit, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, v Visit) (Visit, error) {
	const query = `
INSERT INTO visits (id, property_id, buyer_id, agent_id, scheduled_at, status)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
RETURNING ` + visitColumns

	created, err := scanVisit(tx.QueryRow(ctx, query, v.ID, v.PropertyID, v.BuyerID, v.AgentID, v.ScheduledAt, v.Status))
	if err != nil {
		return Visit{}, fmt.Errorf("visit: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Visit, error) {
	const query = `SELECT ` + visitColumns + ` FROM visits WHERE id = $1`

	v, err := scanVisit(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Visit{}, ErrNotFound
		}
		return Visit{}, fmt.Errorf("visit: get: %w", err)
	}
	return v, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Visit, error) {
	const query = `SELECT ` + visitColumns + ` FROM visits WHERE id = $1 FOR UPDATE`

	v, err := scanVisit(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Visit{}, ErrNotFound
		}
		return Visit{}, fmt.Errorf("visit: get for update: %w", err)
	}
	return v, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.VisitStatus) (Visit, error) {
	const query = `
UPDATE visits
SET status = $2,
    updated_at = now()
WHERE id = $1
RETURNING ` + visitColumns

	v, err := scanVisit(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Visit{}, fmt.Errorf("visit: update status: %w", err)
	}
	return v, nil
}

func (r *PGRepository) Reschedule(ctx context.Context, tx pgx.Tx, id string, status lifecycle.VisitStatus, scheduledAt time.Time) (Visit, error) {
	const query = `
UPDATE visits
SET status = $2,
    scheduled_at = $3,
    updated_at = now()
WHERE id = $1
RETURNING ` + visitColumns

	v, err := scanVisit(tx.QueryRow(ctx, query, id, status, scheduledAt))
	if err != nil {
		return Visit{}, fmt.Errorf("visit: reschedule: %w", err)
	}
	return v, nil
}

func (r *PGRepository) RecordCheckIn(ctx context.Context, tx pgx.Tx, id string, lat, lng, distanceM float64, at time.Time) (Visit, error) {
	const query = `
UPDATE visits
SET status = $2,
    checkin_lat = $3,
    checkin_lng = $4,
    checkin_distance_m = $5,
    checked_in_at = $6,
    updated_at = now()
WHERE id = $1
RETURNING ` + visitColumns

	v, err := scanVisit(tx.QueryRow(ctx, query, id, lifecycle.VisitCheckedIn, lat, lng, distanceM, at))
	if err != nil {
		return Visit{}, fmt.Errorf("visit: record check-in: %w", err)
	}
	return v, nil
}

func (r *PGRepository) InsertVerification(ctx context.Context, tx pgx.Tx, v Verification) (Verification, error) {
	const query = `
INSERT INTO visit_verifications (id, visit_id, lat, lng, distance_m, otp_record_id)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
RETURNING id, visit_id, lat, lng, distance_m, otp_record_id, created_at
`

	var out Verification
	err := tx.QueryRow(ctx, query, v.ID, v.VisitID, v.Lat, v.Lng, v.DistanceM, v.OTPRecordID).Scan(
		&out.ID, &out.VisitID, &out.Lat, &out.Lng, &out.DistanceM, &out.OTPRecordID, &out.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Verification{}, ErrAlreadyVerified
		}
		return Verification{}, fmt.Errorf("visit: insert verification: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetVerification(ctx context.Context, visitID string) (Verification, error) {
	const query = `
SELECT id, visit_id, lat, lng, distance_m, otp_record_id, created_at
FROM visit_verifications
WHERE visit_id = $1
`

	var out Verification
	err := r.pool.QueryRow(ctx, query, visitID).Scan(
		&out.ID, &out.VisitID, &out.Lat, &out.Lng, &out.DistanceM, &out.OTPRecordID, &out.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Verification{}, ErrNotFound
		}
		return Verification{}, fmt.Errorf("visit: get verification: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Visit, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.PropertyID != "" {
		where = append(where, fmt.Sprintf("property_id=$%d", len(args)+1))
		args = append(args, filters.PropertyID)
	}
	if filters.BuyerID != "" {
		where = append(where, fmt.Sprintf("buyer_id=$%d", len(args)+1))
		args = append(args, filters.BuyerID)
	}
	if filters.AgentID != "" {
		where = append(where, fmt.Sprintf("agent_id=$%d", len(args)+1))
		args = append(args, filters.AgentID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM visits%s ORDER BY scheduled_at DESC LIMIT %d OFFSET %d`,
		visitColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("visit: query list: %w", err)
	}
	defer rows.Close()

	list := []Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("visit: scan list: %w", err)
		}
		list = append(list, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("visit: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM visits%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("visit: count list: %w", err)
	}

	return list, total, nil
}

// HasCompletedVisit reports whether the buyer finished a tour of the
// property. The offer flow gates bid creation on it.
func (r *PGRepository) HasCompletedVisit(ctx context.Context, propertyID, buyerID string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM visits
    WHERE property_id = $1 AND buyer_id = $2 AND status = $3
)
`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, propertyID, buyerID, lifecycle.VisitCompleted).Scan(&ok); err != nil {
		return false, fmt.Errorf("visit: completed lookup: %w", err)
	}
	return ok, nil
}

func scanVisit(row pgx.Row) (Visit, error) {
	var v Visit
	return v, row.Scan(
		&v.ID,
		&v.PropertyID,
		&v.BuyerID,
		&v.AgentID,
		&v.ScheduledAt,
		&v.Status,
		&v.CheckinLat,
		&v.CheckinLng,
		&v.CheckinDistanceM,
		&v.CheckedInAt,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
}
