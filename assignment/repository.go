package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"propflow/lifecycle"
)

var (
	ErrNotFound = errors.New("assignment: not found")
	// ErrOpenAssignmentExists guards the one-open-assignment-per-property rule.
	ErrOpenAssignmentExists = errors.New("assignment: property already has an open assignment")
)

const assignmentColumns = `id, property_id, agent_id, status, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error)
	GetByID(ctx context.Context, id string) (Assignment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Assignment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.AssignmentStatus) (Assignment, error)
	CloseOpenForProperty(ctx context.Context, tx pgx.Tx, propertyID string) ([]string, error)
	List(ctx context.Context, filters Filters) ([]Assignment, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, a Assignment) (Assignment, error) {
	const query = `
INSERT INTO assignments (id, property_id, agent_id, status)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4)
RETURNING ` + assignmentColumns

	created, err := scanAssignment(tx.QueryRow(ctx, query, a.ID, a.PropertyID, a.AgentID, a.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Assignment{}, ErrOpenAssignmentExists
		}
		return Assignment{}, fmt.Errorf("assignment: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`

	a, err := scanAssignment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1 FOR UPDATE`

	a, err := scanAssignment(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("assignment: get for update: %w", err)
	}
	return a, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.AssignmentStatus) (Assignment, error) {
	const query = `
UPDATE assignments
SET status = $2,
    updated_at = now()
WHERE id = $1
RETURNING ` + assignmentColumns

	a, err := scanAssignment(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: update status: %w", err)
	}
	return a, nil
}

// CloseOpenForProperty declines any pending or accepted assignment on the
// property and returns the ids of the rows it touched.
func (r *PGRepository) CloseOpenForProperty(ctx context.Context, tx pgx.Tx, propertyID string) ([]string, error) {
	const query = `
UPDATE assignments
SET status = $2,
    updated_at = now()
WHERE property_id = $1
  AND status IN ($3, $4)
RETURNING id`

	rows, err := tx.Query(ctx, query, propertyID,
		lifecycle.AssignmentDeclined, lifecycle.AssignmentPending, lifecycle.AssignmentAccepted)
	if err != nil {
		return nil, fmt.Errorf("assignment: close open: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("assignment: scan closed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignment: iterate closed ids: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Assignment, int, error) {
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

	query := fmt.Sprintf(`SELECT %s FROM assignments%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		assignmentColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("assignment: query list: %w", err)
	}
	defer rows.Close()

	list := []Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("assignment: scan list: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("assignment: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM assignments%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("assignment: count list: %w", err)
	}

	return list, total, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	return a, row.Scan(
		&a.ID,
		&a.PropertyID,
		&a.AgentID,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}
