package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"propflow/lifecycle"
)

var ErrNotFound = errors.New("dispute: not found")

const disputeColumns = `id, entity_type, entity_id, raised_by, reason, status, decision, notes, created_at, updated_at, resolved_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetByID(ctx context.Context, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.DisputeStatus) (Dispute, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string, decision Decision, notes *string, at time.Time) (Dispute, error)
	List(ctx context.Context, filters Filters) ([]Dispute, int, error)
}

// PartyChecker reports whether a user is a party to the referenced entity.
type PartyChecker interface {
	IsParty(ctx context.Context, entityType lifecycle.EntityType, entityID, userID string) (bool, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const query = `
INSERT INTO disputes (id, entity_type, entity_id, raised_by, reason, status)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
RETURNING ` + disputeColumns

	created, err := scanDispute(tx.QueryRow(ctx, query, d.ID, d.EntityType, d.EntityID, d.RaisedBy, d.Reason, d.Status))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	d, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return d, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status lifecycle.DisputeStatus) (Dispute, error) {
	const query = `
UPDATE disputes
SET status = $2,
    updated_at = now()
WHERE id = $1
RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: update status: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id string, decision Decision, notes *string, at time.Time) (Dispute, error) {
	const query = `
UPDATE disputes
SET status = $2,
    decision = $3,
    notes = $4,
    resolved_at = $5,
    updated_at = now()
WHERE id = $1
RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, query, id, lifecycle.DisputeResolved, decision, notes, at))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return d, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Dispute, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.EntityType != "" {
		where = append(where, fmt.Sprintf("entity_type=$%d", len(args)+1))
		args = append(args, filters.EntityType)
	}
	if filters.EntityID != "" {
		where = append(where, fmt.Sprintf("entity_id=$%d", len(args)+1))
		args = append(args, filters.EntityID)
	}
	if filters.RaisedBy != "" {
		where = append(where, fmt.Sprintf("raised_by=$%d", len(args)+1))
		args = append(args, filters.RaisedBy)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM disputes%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		disputeColumns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: query list: %w", err)
	}
	defer rows.Close()

	list := []Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispute: scan list: %w", err)
		}
		list = append(list, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispute: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM disputes%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count list: %w", err)
	}

	return list, total, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	return d, row.Scan(
		&d.ID,
		&d.EntityType,
		&d.EntityID,
		&d.RaisedBy,
		&d.Reason,
		&d.Status,
		&d.Decision,
		&d.Notes,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ResolvedAt,
	)
}

// PGPartyChecker resolves party membership against the authoritative rows.
type PGPartyChecker struct {
	pool *pgxpool.Pool
}

func NewPartyChecker(pool *pgxpool.Pool) *PGPartyChecker {
	return &PGPartyChecker{pool: pool}
}

// IsParty checks the user against the roles each entity actually stores.
func (c *PGPartyChecker) IsParty(ctx context.Context, entityType lifecycle.EntityType, entityID, userID string) (bool, error) {
	var query string
	switch entityType {
	case lifecycle.EntityProperty:
		query = `SELECT EXISTS (SELECT 1 FROM properties WHERE id = $1 AND (seller_id = $2 OR agent_id = $2))`
	case lifecycle.EntityAssignment:
		query = `SELECT EXISTS (
    SELECT 1 FROM assignments a
    JOIN properties p ON p.id = a.property_id
    WHERE a.id = $1 AND (a.agent_id = $2 OR p.seller_id = $2))`
	case lifecycle.EntityVisit:
		query = `SELECT EXISTS (SELECT 1 FROM visits WHERE id = $1 AND (buyer_id = $2 OR agent_id = $2))`
	case lifecycle.EntityOffer:
		query = `SELECT EXISTS (
    SELECT 1 FROM offers o
    JOIN properties p ON p.id = o.property_id
    WHERE o.id = $1 AND (o.buyer_id = $2 OR p.seller_id = $2 OR p.agent_id = $2))`
	case lifecycle.EntityReservation:
		query = `SELECT EXISTS (
    SELECT 1 FROM reservations r
    JOIN properties p ON p.id = r.property_id
    WHERE r.id = $1 AND (r.buyer_id = $2 OR p.seller_id = $2 OR p.agent_id = $2))`
	default:
		return false, fmt.Errorf("dispute: entity type %q not disputable", entityType)
	}

	var ok bool
	if err := c.pool.QueryRow(ctx, query, entityID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("dispute: party lookup: %w", err)
	}
	return ok, nil
}
