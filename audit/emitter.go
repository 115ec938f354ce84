package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"propflow/lifecycle"
)

// ActorSystem marks transitions driven by automation (expiry sweep) rather
// than a user. Stored in place of an actor uuid.
const ActorSystem = "SYSTEM"

// Entry is one append-only audit record. Entries are never mutated or
// deleted; a transition is not complete until its entry is durably written
// in the same transaction.
type Entry struct {
	EntityType lifecycle.EntityType
	EntityID   string
	Type       string
	FromStatus string
	ToStatus   string
	ActorID    string
	Details    map[string]any
}

// Record mirrors the audit_logs table.
type Record struct {
	ID         int64
	EntityType lifecycle.EntityType
	EntityID   string
	Type       string
	FromStatus *string
	ToStatus   *string
	ActorID    string
	Details    []byte
	CreatedAt  time.Time
}

// Emitter appends audit rows inside the caller's transaction so the write
// commits or rolls back with the transition it records.
type Emitter struct{}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Append inserts exactly one audit row for the entry. Security-relevant
// non-transition events pass empty from/to statuses.
func (e *Emitter) Append(ctx context.Context, tx pgx.Tx, entry Entry) error {
	if entry.EntityType == "" || entry.EntityID == "" {
		return fmt.Errorf("audit: entry missing entity reference")
	}
	if entry.Type == "" {
		return fmt.Errorf("audit: entry missing event type")
	}
	actor := entry.ActorID
	if actor == "" {
		actor = ActorSystem
	}

	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}

	var from, to any
	if entry.FromStatus != "" {
		from = entry.FromStatus
	}
	if entry.ToStatus != "" {
		to = entry.ToStatus
	}

	const q = `
INSERT INTO audit_logs (entity_type, entity_id, type, from_status, to_status, actor, details)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
`
	if _, err := tx.Exec(ctx, q, entry.EntityType, entry.EntityID, entry.Type, from, to, actor, body); err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// ListForEntity returns the audit trail for one entity, oldest first.
func ListForEntity(ctx context.Context, q querier, entityType lifecycle.EntityType, entityID string) ([]Record, error) {
	const sel = `
SELECT id, entity_type, entity_id, type, from_status, to_status, actor, details, created_at
FROM audit_logs
WHERE entity_type = $1 AND entity_id = $2
ORDER BY id ASC
`
	rows, err := q.Query(ctx, sel, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 16)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Type, &rec.FromStatus, &rec.ToStatus, &rec.ActorID, &rec.Details, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
