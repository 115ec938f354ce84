package reservation

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
	ErrNotFound = errors.New("reservation: not found")
	// ErrActiveHoldExists guards the one-active-reservation-per-property rule.
	ErrActiveHoldExists = errors.New("reservation: property already has an active hold")
	// ErrNoneExpired signals the sweep claimed nothing this iteration.
	ErrNoneExpired = errors.New("reservation: no expired holds to claim")
)

const reservationColumns = `id, property_id, offer_id, buyer_id, deposit_amount, status, reserved_until, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, r Reservation) (Reservation, error)
	GetByID(ctx context.Context, id string) (Reservation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Reservation, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.ReservationStatus) (Reservation, error)
	ClaimExpired(ctx context.Context, tx pgx.Tx, asOf time.Time) (Reservation, error)
	List(ctx context.Context, filters Filters) ([]Reservation, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, res Reservation) (Reservation, error) {
	const query = `
INSERT INTO reservations (id, property_id, offer_id, buyer_id, deposit_amount, status, reserved_until)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
RETURNING ` + reservationColumns

	created, err := scanReservation(tx.QueryRow(ctx, query,
		res.ID, res.PropertyID, res.OfferID, res.BuyerID, res.DepositAmount, res.Status, res.ReservedUntil))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Reservation{}, ErrActiveHoldExists
		}
		return Reservation{}, fmt.Errorf("reservation: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Reservation, error) {
	const query = `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`

	res, err := scanReservation(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("reservation: get: %w", err)
	}
	return res, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Reservation, error) {
	const query = `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`

	res, err := scanReservation(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("reservation: get for update: %w", err)
	}
	return res, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.ReservationStatus) (Reservation, error) {
	const query = `
UPDATE reservations
SET status = $2,
    updated_at = now()
WHERE id = $1
RETURNING ` + reservationColumns

	res, err := scanReservation(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Reservation{}, fmt.Errorf("reservation: update status: %w", err)
	}
	return res, nil
}

// ClaimExpired locks one overdue ACTIVE reservation for the calling
// transaction. SKIP LOCKED lets concurrent sweeps divide the backlog instead
// of queueing on the same row.
func (r *PGRepository) ClaimExpired(ctx context.Context, tx pgx.Tx, asOf time.Time) (Reservation, error) {
	const query = `
SELECT ` + reservationColumns + `
FROM reservations
WHERE status = $1 AND reserved_until < $2
ORDER BY reserved_until
LIMIT 1
FOR UPDATE SKIP LOCKED
`

	res, err := scanReservation(tx.QueryRow(ctx, query, lifecycle.ReservationActive, asOf))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNoneExpired
		}
		return Reservation{}, fmt.Errorf("reservation: claim expired: %w", err)
	}
	return res, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Reservation, int, error) {
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
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM reservations%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		reservationColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("reservation: query list: %w", err)
	}
	defer rows.Close()

	list := []Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("reservation: scan list: %w", err)
		}
		list = append(list, res)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("reservation: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM reservations%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("reservation: count list: %w", err)
	}

	return list, total, nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	return res, row.Scan(
		&res.ID,
		&res.PropertyID,
		&res.OfferID,
		&res.BuyerID,
		&res.DepositAmount,
		&res.Status,
		&res.ReservedUntil,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
}
