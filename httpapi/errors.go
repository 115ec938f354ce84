package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/assignment"
	"propflow/auth"
	"propflow/dispute"
	"propflow/lifecycle"
	"propflow/offer"
	"propflow/otp"
	"propflow/property"
	"propflow/reservation"
	"propflow/visit"
)

// respondError maps a domain error onto a wire status and code. Lifecycle
// errors carry their taxonomy code; repository sentinels become 404 or 409;
// everything else is an opaque 500 so internals never leak.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errBody(err))
	case errors.Is(err, lifecycle.ErrUnauthorized):
		c.JSON(http.StatusForbidden, errBody(err))
	case errors.Is(err, lifecycle.ErrProofFailed):
		c.JSON(http.StatusUnprocessableEntity, errBody(err))
	case errors.Is(err, lifecycle.ErrExpired):
		c.JSON(http.StatusGone, errBody(err))
	case errors.Is(err, lifecycle.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errBody(err))
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
	case isConflict(err):
		c.JSON(http.StatusConflict, gin.H{"code": "CONFLICT", "error": err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, otp.ErrNoActiveCode):
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "error": err.Error()})
	case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, auth.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "error": "internal_server_error"})
	}
}

func errBody(err error) gin.H {
	return gin.H{"code": lifecycle.Code(err), "error": err.Error()}
}

func isNotFound(err error) bool {
	for _, sentinel := range []error{
		auth.ErrUserNotFound,
		auth.ErrSessionNotFound,
		property.ErrNotFound,
		assignment.ErrNotFound,
		visit.ErrNotFound,
		offer.ErrNotFound,
		reservation.ErrNotFound,
		dispute.ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func isConflict(err error) bool {
	for _, sentinel := range []error{
		assignment.ErrOpenAssignmentExists,
		reservation.ErrActiveHoldExists,
		visit.ErrAlreadyVerified,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": err.Error()})
}
