package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Purpose scopes a code to a single verification flow.
type Purpose string

const (
	PurposeLoginVerification Purpose = "LOGIN_VERIFICATION"
	PurposeVisitCompletion   Purpose = "VISIT_COMPLETION"
)

// Record mirrors the otp_codes table. Codes are stored hashed; a consumed or
// superseded record can never verify again.
type Record struct {
	ID           string
	Purpose      Purpose
	SubjectID    string
	CodeHash     string
	Attempts     int
	MaxAttempts  int
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	SupersededAt *time.Time
	CreatedAt    time.Time
}

// Issued is returned to the caller dispatching the code to the user. The
// plaintext code is never persisted.
type Issued struct {
	RecordID  string
	Code      string
	ExpiresAt time.Time
}

const codeDigits = 6

// GenerateCode produces a uniformly random numeric code.
func GenerateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// HashCode derives the stored digest for a plaintext code. Hex encoding keeps
// the value safe for a text column.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
