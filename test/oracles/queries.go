package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_active_hold_per_property",
			SQL: `SELECT property_id, COUNT(*) FROM reservations
                  WHERE status = 'ACTIVE'
                  GROUP BY property_id HAVING COUNT(*) > 1`,
		},
		{
			// RESERVED property without a live hold, or a live hold whose
			// property is not RESERVED. Either direction is a pairing break.
			Name: "O2_reserved_hold_pairing",
			SQL: `SELECT p.id AS detail FROM properties p
                  WHERE p.status = 'RESERVED'
                    AND NOT EXISTS (SELECT 1 FROM reservations r
                                    WHERE r.property_id = p.id AND r.status = 'ACTIVE')
                  UNION ALL
                  SELECT r.id AS detail FROM reservations r
                  JOIN properties p ON p.id = r.property_id
                  WHERE r.status = 'ACTIVE' AND p.status <> 'RESERVED'`,
		},
		{
			Name: "O3_single_open_assignment",
			SQL: `SELECT property_id, COUNT(*) FROM assignments
                  WHERE status IN ('pending','accepted')
                  GROUP BY property_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_completed_visit_has_proof",
			SQL: `SELECT v.id FROM visits v
                  WHERE v.status = 'COMPLETED'
                    AND NOT EXISTS (SELECT 1 FROM visit_verifications vv WHERE vv.visit_id = v.id)`,
		},
		{
			Name: "O5_single_verification_per_visit",
			SQL: `SELECT visit_id, COUNT(*) FROM visit_verifications
                  GROUP BY visit_id HAVING COUNT(*) > 1`,
		},
		{
			// Terminal statuses never transition again. Any audit row leaving
			// a terminal status is a regression.
			Name: "O6_terminal_never_regresses",
			SQL: `SELECT id FROM audit_logs
                  WHERE (entity_type = 'property' AND from_status = 'SOLD')
                     OR (entity_type = 'reservation' AND from_status IN ('COMPLETED','EXPIRED','CANCELLED'))
                     OR (entity_type = 'offer' AND from_status IN ('rejected','completed'))
                     OR (entity_type = 'visit' AND from_status IN ('COMPLETED','REJECTED','CANCELLED','NO_SHOW'))`,
		},
		{
			Name: "O7_expired_hold_audited",
			SQL: `SELECT r.id FROM reservations r
                  WHERE r.status = 'EXPIRED'
                    AND NOT EXISTS (SELECT 1 FROM audit_logs a
                                    WHERE a.entity_type = 'reservation'
                                      AND a.entity_id = r.id::text
                                      AND a.type = 'RESERVATION_EXPIRED')`,
		},
		{
			Name: "O8_expiry_actor_is_system",
			SQL: `SELECT id FROM audit_logs
                  WHERE type = 'RESERVATION_EXPIRED' AND actor <> 'SYSTEM'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
