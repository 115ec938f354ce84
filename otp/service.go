package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"propflow/lifecycle"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service issues and consumes one-time codes. Consumption is an atomic
// check-and-consume: the row lock taken by the repository guarantees that of
// two concurrent attempts against the same code at most one succeeds.
type Service struct {
	pool        TxBeginner
	repo        Repository
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() (string, error)
}

func NewService(pool TxBeginner, repo Repository, ttl time.Duration, maxAttempts int) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         time.Now,
		generate:    GenerateCode,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithGenerator(gen func() (string, error)) *Service {
	s.generate = gen
	return s
}

// Issue creates a fresh code for the purpose/subject pair, retiring any
// prior live code. The returned plaintext is handed to the dispatch channel
// and never stored.
func (s *Service) Issue(ctx context.Context, purpose Purpose, subjectID string) (Issued, error) {
	if subjectID == "" {
		return Issued{}, fmt.Errorf("otp: subject id required")
	}

	code, err := s.generate()
	if err != nil {
		return Issued{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Issued{}, fmt.Errorf("otp: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SupersedeActive(ctx, tx, purpose, subjectID); err != nil {
		return Issued{}, err
	}

	rec, err := s.repo.Insert(ctx, tx, Record{
		Purpose:     purpose,
		SubjectID:   subjectID,
		CodeHash:    HashCode(code),
		MaxAttempts: s.maxAttempts,
		ExpiresAt:   s.now().Add(s.ttl),
	})
	if err != nil {
		return Issued{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Issued{}, fmt.Errorf("otp: commit issue: %w", err)
	}

	return Issued{RecordID: rec.ID, Code: code, ExpiresAt: rec.ExpiresAt}, nil
}

// ConsumeInTx verifies and consumes the live code for the pair inside the
// caller's transaction, returning the consumed record id. Error mapping:
//   - no live code, wrong code, or already consumed -> ErrProofFailed
//   - code past its expiry -> ErrExpired
//   - attempt ceiling reached -> ErrRateLimited
func (s *Service) ConsumeInTx(ctx context.Context, tx pgx.Tx, purpose Purpose, subjectID, code string) (string, error) {
	rec, err := s.repo.GetActiveForUpdate(ctx, tx, purpose, subjectID)
	if err != nil {
		if errors.Is(err, ErrNoActiveCode) {
			return "", fmt.Errorf("%w: no code issued", lifecycle.ErrProofFailed)
		}
		return "", err
	}

	if rec.ConsumedAt != nil {
		return "", fmt.Errorf("%w: code already consumed", lifecycle.ErrProofFailed)
	}
	if s.now().After(rec.ExpiresAt) {
		return "", fmt.Errorf("%w: code expired", lifecycle.ErrExpired)
	}
	if rec.Attempts >= rec.MaxAttempts {
		return "", fmt.Errorf("%w: attempt limit reached", lifecycle.ErrRateLimited)
	}

	if rec.CodeHash != HashCode(code) {
		attempts, err := s.repo.IncrementAttempts(ctx, tx, rec.ID)
		if err != nil {
			return "", err
		}
		if attempts >= rec.MaxAttempts {
			return "", fmt.Errorf("%w: attempt limit reached", lifecycle.ErrRateLimited)
		}
		return "", fmt.Errorf("%w: code mismatch", lifecycle.ErrProofFailed)
	}

	if err := s.repo.MarkConsumed(ctx, tx, rec.ID); err != nil {
		return "", err
	}

	return rec.ID, nil
}

// Consume runs ConsumeInTx in its own transaction. Mismatched attempts also
// commit so the attempt counter survives the failed verification.
func (s *Service) Consume(ctx context.Context, purpose Purpose, subjectID, code string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("otp: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	recordID, consumeErr := s.ConsumeInTx(ctx, tx, purpose, subjectID, code)
	if consumeErr != nil {
		if errors.Is(consumeErr, lifecycle.ErrProofFailed) || errors.Is(consumeErr, lifecycle.ErrRateLimited) {
			if err := tx.Commit(ctx); err != nil {
				return "", fmt.Errorf("otp: commit attempt count: %w", err)
			}
		}
		return "", consumeErr
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("otp: commit consume: %w", err)
	}
	return recordID, nil
}
