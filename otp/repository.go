package otp

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNoActiveCode signals no live code exists for the purpose/subject pair.
var ErrNoActiveCode = errors.New("otp: no active code")

// Repository persists one-time codes. All writes run inside the caller's
// transaction so verification is a single atomic check-and-consume.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	SupersedeActive(ctx context.Context, tx pgx.Tx, purpose Purpose, subjectID string) error
	GetActiveForUpdate(ctx context.Context, tx pgx.Tx, purpose Purpose, subjectID string) (Record, error)
	IncrementAttempts(ctx context.Context, tx pgx.Tx, id string) (int, error)
	MarkConsumed(ctx context.Context, tx pgx.Tx, id string) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const recordColumns = `id, purpose, subject_id, code_hash, attempts, max_attempts, expires_at, consumed_at, superseded_at, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	insertSQL := fmt.Sprintf(`
		INSERT INTO otp_codes (purpose, subject_id, code_hash, max_attempts, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING %s
	`, recordColumns)

	out, err := scanRecord(tx.QueryRow(ctx, insertSQL, rec.Purpose, rec.SubjectID, rec.CodeHash, rec.MaxAttempts, rec.ExpiresAt))
	if err != nil {
		return Record{}, fmt.Errorf("otp: insert: %w", err)
	}
	return out, nil
}

// SupersedeActive retires any live code for the pair. Regeneration therefore
// resets the per-record attempt counter; the user-level lockout counter is
// tracked elsewhere and is deliberately untouched.
func (r *PGRepository) SupersedeActive(ctx context.Context, tx pgx.Tx, purpose Purpose, subjectID string) error {
	const q = `
		UPDATE otp_codes
		SET superseded_at = now()
		WHERE purpose = $1 AND subject_id = $2 AND consumed_at IS NULL AND superseded_at IS NULL
	`
	if _, err := tx.Exec(ctx, q, purpose, subjectID); err != nil {
		return fmt.Errorf("otp: supersede active: %w", err)
	}
	return nil
}

// GetActiveForUpdate locks the newest non-superseded code row. The row lock
// serializes concurrent verification attempts on the same code.
func (r *PGRepository) GetActiveForUpdate(ctx context.Context, tx pgx.Tx, purpose Purpose, subjectID string) (Record, error) {
	selectSQL := fmt.Sprintf(`
		SELECT %s
		FROM otp_codes
		WHERE purpose = $1 AND subject_id = $2 AND superseded_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, recordColumns)

	rec, err := scanRecord(tx.QueryRow(ctx, selectSQL, purpose, subjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNoActiveCode
		}
		return Record{}, fmt.Errorf("otp: get active for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) IncrementAttempts(ctx context.Context, tx pgx.Tx, id string) (int, error) {
	const q = `UPDATE otp_codes SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`
	var attempts int
	if err := tx.QueryRow(ctx, q, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("otp: increment attempts: %w", err)
	}
	return attempts, nil
}

func (r *PGRepository) MarkConsumed(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `UPDATE otp_codes SET consumed_at = now() WHERE id = $1 AND consumed_at IS NULL`
	cmd, err := tx.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("otp: mark consumed: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("otp: code %s already consumed", id)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.Purpose,
		&rec.SubjectID,
		&rec.CodeHash,
		&rec.Attempts,
		&rec.MaxAttempts,
		&rec.ExpiresAt,
		&rec.ConsumedAt,
		&rec.SupersededAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
