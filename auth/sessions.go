package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionNotFound signals a missing or revoked session.
var ErrSessionNotFound = errors.New("auth: session not found")

// SessionStore persists issued sessions for revocation checks.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	GetByID(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	DeleteForUser(ctx context.Context, userID string) (int64, error)
}

// PGSessionStore implements SessionStore backed by PostgreSQL.
type PGSessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *PGSessionStore {
	return &PGSessionStore{pool: pool}
}

func (s *PGSessionStore) Create(ctx context.Context, session Session) error {
	const q = `
		INSERT INTO sessions (id, user_id, ip_address, user_agent, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, q, session.ID, session.UserID, session.IPAddress, session.UserAgent, session.ExpiresAt); err != nil {
		return fmt.Errorf("auth: create session: %w", err)
	}
	return nil
}

func (s *PGSessionStore) GetByID(ctx context.Context, id string) (Session, error) {
	const q = `
		SELECT id, user_id, ip_address, user_agent, created_at, expires_at
		FROM sessions
		WHERE id = $1
	`
	var sess Session
	err := s.pool.QueryRow(ctx, q, id).Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("auth: get session: %w", err)
	}
	return sess, nil
}

func (s *PGSessionStore) Delete(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteForUser revokes every session for the user. Used when an account is
// suspended so no outstanding token survives the status change.
func (s *PGSessionStore) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("auth: delete sessions for user: %w", err)
	}
	return cmd.RowsAffected(), nil
}
