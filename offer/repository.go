package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"propflow/lifecycle"
)

var ErrNotFound = errors.New("offer: not found")

const offerColumns = `id, property_id, buyer_id, amount, token_amount, status, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	GetByID(ctx context.Context, id string) (Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.OfferStatus) (Offer, error)
	UpdateAmount(ctx context.Context, tx pgx.Tx, id string, status lifecycle.OfferStatus, amount int64) (Offer, error)
	List(ctx context.Context, filters Filters) ([]Offer, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	const query = `
INSERT INTO offers (id, property_id, buyer_id, amount, token_amount, status)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
RETURNING ` + offerColumns

	created, err := scanOffer(tx.QueryRow(ctx, query, o.ID, o.PropertyID, o.BuyerID, o.Amount, o.TokenAmount, o.Status))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Offer, error) {
	const query = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`

	o, err := scanOffer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get: %w", err)
	}
	return o, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	const query = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1 FOR UPDATE`

	o, err := scanOffer(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.OfferStatus) (Offer, error) {
	const query = `
UPDATE offers
SET status = $2,
    updated_at = now()
WHERE id = $1
RETURNING ` + offerColumns

	o, err := scanOffer(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: update status: %w", err)
	}
	return o, nil
}

func (r *PGRepository) UpdateAmount(ctx context.Context, tx pgx.Tx, id string, status lifecycle.OfferStatus, amount int64) (Offer, error) {
	const query = `
UPDATE offers
SET status = $2,
    amount = $3,
    updated_at = now()
WHERE id = $1
RETURNING ` + offerColumns

	o, err := scanOffer(tx.QueryRow(ctx, query, id, status, amount))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: update amount: %w", err)
	}
	return o, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Offer, int, error) {
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

	query := fmt.Sprintf(`SELECT %s FROM offers%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		offerColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("offer: query list: %w", err)
	}
	defer rows.Close()

	list := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("offer: scan list: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("offer: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM offers%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("offer: count list: %w", err)
	}

	return list, total, nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	return o, row.Scan(
		&o.ID,
		&o.PropertyID,
		&o.BuyerID,
		&o.Amount,
		&o.TokenAmount,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}
