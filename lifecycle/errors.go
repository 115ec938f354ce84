package lifecycle

import "errors"

// Domain error taxonomy. Guards wrap these with entity-specific context so
// callers can both match with errors.Is and surface a legible message.
var (
	// ErrInvalidTransition signals the requested status change is not legal
	// from the current status.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrUnauthorized signals the actor's role or status is insufficient,
	// independent of status validity.
	ErrUnauthorized = errors.New("lifecycle: unauthorized")
	// ErrProofFailed signals a GPS or OTP verification did not satisfy the
	// required check.
	ErrProofFailed = errors.New("lifecycle: proof failed")
	// ErrExpired signals a time-bound credential or reservation window lapsed.
	ErrExpired = errors.New("lifecycle: expired")
	// ErrRateLimited signals an attempt threshold was exceeded; it is
	// time-bound and self-clears.
	ErrRateLimited = errors.New("lifecycle: rate limited")
)

// Code maps a domain error to its wire-level error code. Unrecognized errors
// map to INTERNAL so they are never coerced into a domain code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrProofFailed):
		return "PROOF_FAILED"
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}
