package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"propflow/audit"
	"propflow/lifecycle"
	"propflow/otp"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditEmitter appends append-only audit entries inside a transaction.
type AuditEmitter interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// Notifier enqueues fire-and-forget notifications in a transaction.
type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// CodeIssuer is the slice of the otp service the login flow needs.
type CodeIssuer interface {
	Issue(ctx context.Context, purpose otp.Purpose, subjectID string) (otp.Issued, error)
	ConsumeInTx(ctx context.Context, tx pgx.Tx, purpose otp.Purpose, subjectID, code string) (string, error)
}

// Service handles authentication and account review.
type Service struct {
	pool      TxBeginner
	repo      Repository
	sessions  SessionStore
	lockout   LockoutTracker
	codes     CodeIssuer
	emitter   AuditEmitter
	outbox    Notifier
	jwtSecret []byte
	tokenTTL  time.Duration
	threshold int64
	now       func() time.Time
	idGen     func() string
}

// LoginResult bundles the outcome of a login attempt. When RequiresOTP is
// set the credential check passed but the account must complete the OTP
// sub-flow before a session is issued.
type LoginResult struct {
	Token       string
	SessionID   string
	User        User
	RequiresOTP bool
}

// Claims are the advisory routing hints embedded in a token. Authorization
// decisions always re-derive role and status from the store.
type Claims struct {
	UserID    string
	Role      lifecycle.Role
	SessionID string
}

func NewService(pool TxBeginner, repo Repository, sessions SessionStore, lockout LockoutTracker, codes CodeIssuer, emitter AuditEmitter, outbox Notifier, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		sessions:  sessions,
		lockout:   lockout,
		codes:     codes,
		emitter:   emitter,
		outbox:    outbox,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		threshold: 5,
		now:       time.Now,
		idGen:     uuid.NewString,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new user account. New accounts start in
// PENDING_VERIFICATION and complete the OTP sub-flow on first login.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	role := lifecycle.Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = lifecycle.RoleUser
	}
	if !role.Valid() {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Role:         role,
		Status:       lifecycle.UserPendingVerification,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login runs the login transition guard:
//
//	SUSPENDED / DECLINED  -> denied unconditionally
//	active lockout        -> denied even with correct credentials
//	bad password          -> failure counted toward the lockout threshold
//	PENDING_VERIFICATION  -> allowed into the OTP sub-flow, no session yet
//	ACTIVE / IN_REVIEW    -> session issued
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	switch user.Status {
	case lifecycle.UserSuspended, lifecycle.UserDeclined:
		s.recordSecurityEvent(ctx, user.ID, "LOGIN_DENIED", map[string]any{
			"status": string(user.Status),
			"ip":     req.IPAddress,
		})
		return LoginResult{}, fmt.Errorf("auth: %w: account %s", lifecycle.ErrUnauthorized, strings.ToLower(string(user.Status)))
	}

	locked, err := s.lockout.Locked(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	if locked {
		return LoginResult{}, fmt.Errorf("auth: %w: account locked", lifecycle.ErrRateLimited)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		failures, ferr := s.lockout.Fail(ctx, user.ID)
		if ferr != nil {
			return LoginResult{}, ferr
		}
		if failures == s.threshold {
			s.recordSecurityEvent(ctx, user.ID, "LOCKOUT_TRIPPED", map[string]any{
				"failures": failures,
				"ip":       req.IPAddress,
			})
		}
		return LoginResult{}, ErrInvalidCredentials
	}

	// A successful credential check resets the failure counter to zero.
	if err := s.lockout.Reset(ctx, user.ID); err != nil {
		return LoginResult{}, err
	}

	if user.Status == lifecycle.UserPendingVerification {
		issued, err := s.codes.Issue(ctx, otp.PurposeLoginVerification, user.ID)
		if err != nil {
			return LoginResult{}, err
		}
		if err := s.notify(ctx, "auth.otp_issued", map[string]any{
			"user_id":    user.ID,
			"otp_record": issued.RecordID,
			"code":       issued.Code,
			"expires_at": issued.ExpiresAt.UTC(),
		}); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{User: user, RequiresOTP: true}, nil
	}

	return s.openSession(ctx, user, req.IPAddress, req.UserAgent)
}

// VerifyLoginOTP completes the OTP sub-flow: consume the code and promote a
// PENDING_VERIFICATION account to ACTIVE, then issue the session.
func (s *Service) VerifyLoginOTP(ctx context.Context, userID, code, ipAddress, userAgent string) (LoginResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: begin otp tx: %w", err)
	}
	defer tx.Rollback(ctx)

	recordID, err := s.codes.ConsumeInTx(ctx, tx, otp.PurposeLoginVerification, userID, code)
	if err != nil {
		// Failed attempts must stay counted, so the transaction holding
		// the increment commits before the error surfaces.
		if errors.Is(err, lifecycle.ErrProofFailed) || errors.Is(err, lifecycle.ErrRateLimited) {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				return LoginResult{}, fmt.Errorf("auth: commit failed attempt: %w", commitErr)
			}
		}
		return LoginResult{}, err
	}

	user, err := s.repo.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return LoginResult{}, err
	}

	if user.Status == lifecycle.UserPendingVerification {
		if !user.Status.CanTransition(lifecycle.UserActive) {
			return LoginResult{}, fmt.Errorf("auth: %w: %s -> %s", lifecycle.ErrInvalidTransition, user.Status, lifecycle.UserActive)
		}
		updated, err := s.repo.UpdateStatus(ctx, tx, user.ID, lifecycle.UserActive)
		if err != nil {
			return LoginResult{}, err
		}
		if err := s.emitter.Append(ctx, tx, audit.Entry{
			EntityType: lifecycle.EntityUser,
			EntityID:   user.ID,
			Type:       "USER_VERIFIED",
			FromStatus: string(lifecycle.UserPendingVerification),
			ToStatus:   string(lifecycle.UserActive),
			ActorID:    user.ID,
			Details:    map[string]any{"otp_record": recordID},
		}); err != nil {
			return LoginResult{}, err
		}
		user = updated
	}

	if err := tx.Commit(ctx); err != nil {
		return LoginResult{}, fmt.Errorf("auth: commit otp verification: %w", err)
	}

	return s.openSession(ctx, user, ipAddress, userAgent)
}

// Logout revokes the session and records the token revocation.
func (s *Service) Logout(ctx context.Context, sessionID, actorID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.recordSecurityEvent(ctx, actorID, "TOKEN_REVOKED", map[string]any{"session_id": sessionID})
	return nil
}

// ReviewUser applies an admin-driven account status transition. The admin's
// role and status are re-derived from the store at call time.
func (s *Service) ReviewUser(ctx context.Context, adminID, userID string, to lifecycle.UserStatus) (User, error) {
	admin, err := s.repo.GetUserByID(ctx, adminID)
	if err != nil {
		return User{}, err
	}
	if admin.Role != lifecycle.RoleAdmin || admin.Status != lifecycle.UserActive {
		return User{}, fmt.Errorf("auth: %w: admin role required", lifecycle.ErrUnauthorized)
	}
	if !to.Valid() {
		return User{}, fmt.Errorf("auth: invalid target status %q", to)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("auth: begin review tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := s.repo.GetUserForUpdate(ctx, tx, userID)
	if err != nil {
		return User{}, err
	}
	if !user.Status.CanTransition(to) {
		return User{}, fmt.Errorf("auth: %w: %s -> %s", lifecycle.ErrInvalidTransition, user.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, userID, to)
	if err != nil {
		return User{}, err
	}

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityUser,
		EntityID:   userID,
		Type:       "USER_STATUS_CHANGED",
		FromStatus: string(user.Status),
		ToStatus:   string(to),
		ActorID:    adminID,
	}); err != nil {
		return User{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "user.status_changed", map[string]any{
		"user_id":  userID,
		"previous": string(user.Status),
		"next":     string(to),
	}); err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("auth: commit review: %w", err)
	}

	// Suspension revokes every outstanding session so no stale token
	// survives the status change.
	if to == lifecycle.UserSuspended {
		if n, err := s.sessions.DeleteForUser(ctx, userID); err == nil && n > 0 {
			s.recordSecurityEvent(ctx, adminID, "TOKEN_REVOKED", map[string]any{
				"user_id":  userID,
				"sessions": n,
				"reason":   "suspension",
			})
		}
	}

	return updated, nil
}

// GetUserByID retrieves account details by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT and returns its advisory claims. Callers must
// still check the session row and reload the user before authorizing.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return Claims{}, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return Claims{}, fmt.Errorf("auth: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !lifecycle.Role(roleStr).Valid() {
		return Claims{}, fmt.Errorf("auth: invalid role in token")
	}
	sessionID, ok := claims["jti"].(string)
	if !ok || sessionID == "" {
		return Claims{}, fmt.Errorf("auth: missing session id in token")
	}

	return Claims{UserID: userID, Role: lifecycle.Role(roleStr), SessionID: sessionID}, nil
}

// GetSession loads a session for revocation checks.
func (s *Service) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

func (s *Service) openSession(ctx context.Context, user User, ipAddress, userAgent string) (LoginResult, error) {
	session := Session{
		ID:        s.idGen(),
		UserID:    user.ID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		ExpiresAt: s.now().Add(s.tokenTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return LoginResult{}, err
	}

	token, err := s.generateToken(user, session.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	s.recordSecurityEvent(ctx, user.ID, "USER_LOGIN", map[string]any{
		"session_id": session.ID,
		"ip":         ipAddress,
	})

	return LoginResult{Token: token, SessionID: session.ID, User: user}, nil
}

func (s *Service) generateToken(user User, sessionID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"role":    string(user.Role),
		"jti":     sessionID,
		"iat":     now.Unix(),
		"exp":     now.Add(s.tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// recordSecurityEvent appends a non-transition audit entry in its own short
// transaction. Best effort: an audit sink outage must not turn a denied
// login into a server error.
func (s *Service) recordSecurityEvent(ctx context.Context, userID, eventType string, details map[string]any) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	if err := s.emitter.Append(ctx, tx, audit.Entry{
		EntityType: lifecycle.EntityUser,
		EntityID:   userID,
		Type:       eventType,
		ActorID:    userID,
		Details:    details,
	}); err != nil {
		return
	}
	tx.Commit(ctx)
}

func (s *Service) notify(ctx context.Context, topic string, payload map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("auth: begin notify tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("auth: commit notify: %w", err)
	}
	return nil
}

