package property

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"propflow/lifecycle"
)

var ErrNotFound = errors.New("property: not found")

const propertyColumns = `id, seller_id, agent_id, title, address, lat, lng, price, status, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, p Property) (Property, error)
	GetByID(ctx context.Context, id string) (Property, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Property, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.PropertyStatus, agentID *string) (Property, error)
	UpdatePrice(ctx context.Context, tx pgx.Tx, id string, price int64) (Property, error)
	List(ctx context.Context, filters Filters) ([]Property, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Property) (Property, error) {
	const query = `
INSERT INTO properties (id, seller_id, title, address, lat, lng, price, status)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + propertyColumns

	row := tx.QueryRow(ctx, query, p.ID, p.SellerID, p.Title, p.Address, p.Lat, p.Lng, p.Price, p.Status)
	created, err := scanProperty(row)
	if err != nil {
		return Property{}, fmt.Errorf("property: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Property, error) {
	const query = `SELECT ` + propertyColumns + ` FROM properties WHERE id = $1`

	p, err := scanProperty(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrNotFound
		}
		return Property{}, fmt.Errorf("property: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Property, error) {
	const query = `SELECT ` + propertyColumns + ` FROM properties WHERE id = $1 FOR UPDATE`

	p, err := scanProperty(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Property{}, ErrNotFound
		}
		return Property{}, fmt.Errorf("property: get for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.PropertyStatus, agentID *string) (Property, error) {
	const query = `
UPDATE properties
SET status = $2,
    agent_id = $3,
    updated_at = now()
WHERE id = $1
RETURNING ` + propertyColumns

	p, err := scanProperty(tx.QueryRow(ctx, query, id, status, agentID))
	if err != nil {
		return Property{}, fmt.Errorf("property: update status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdatePrice(ctx context.Context, tx pgx.Tx, id string, price int64) (Property, error) {
	const query = `
UPDATE properties
SET price = $2,
    updated_at = now()
WHERE id = $1
RETURNING ` + propertyColumns

	p, err := scanProperty(tx.QueryRow(ctx, query, id, price))
	if err != nil {
		return Property{}, fmt.Errorf("property: update price: %w", err)
	}
	return p, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Property, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.SellerID != "" {
		where = append(where, fmt.Sprintf("seller_id=$%d", len(args)+1))
		args = append(args, filters.SellerID)
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

	query := fmt.Sprintf(`SELECT %s FROM properties%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		propertyColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("property: query list: %w", err)
	}
	defer rows.Close()

	list := []Property{}
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("property: scan list: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("property: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM properties%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("property: count list: %w", err)
	}

	return list, total, nil
}

func scanProperty(row pgx.Row) (Property, error) {
	var p Property
	return p, row.Scan(
		&p.ID,
		&p.SellerID,
		&p.AgentID,
		&p.Title,
		&p.Address,
		&p.Lat,
		&p.Lng,
		&p.Price,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}
