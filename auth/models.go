package auth

import (
	"time"

	"propflow/lifecycle"
)

// User is the domain representation of an account. Role is fixed at
// creation; Status is mutated only by admin action or automated checks.
// No JSON annotations so it can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         lifecycle.Role
	Status       lifecycle.UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is one issued credential. The JWT jti equals the session id so a
// deleted row revokes the token.
type Session struct {
	ID        string
	UserID    string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     lifecycle.Role `json:"role"`
}

// LoginRequest contains user login credentials plus client metadata captured
// on the session record.
type LoginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}
