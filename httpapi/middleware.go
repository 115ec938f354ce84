package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"propflow/auth"
	"propflow/authz"
)

const (
	requestIDHeader = "X-Request-Id"
	actorKey        = "actor"
	sessionKey      = "session_id"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(requestIDHeader, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()
	}
}

func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.Writer.Header().Get(requestIDHeader)).
			Msg("http request")
	}
}

func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("error", r).
					Str("request_id", c.Writer.Header().Get(requestIDHeader)).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_server_error",
				})
			}
		}()
		c.Next()
	}
}

// tokenVerifier covers the slice of the auth service the middleware needs.
type tokenVerifier interface {
	VerifyToken(tokenString string) (auth.Claims, error)
	GetSession(ctx context.Context, sessionID string) (auth.Session, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// Authenticate resolves the bearer token to an actor snapshot. Role and
// status come from the user row, not the token claims, so a suspension takes
// effect on the next request even for tokens issued earlier.
func Authenticate(verifier tokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := verifier.VerifyToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		session, err := verifier.GetSession(c.Request.Context(), claims.SessionID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_not_found"})
			return
		}
		if session.UserID != claims.UserID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_mismatch"})
			return
		}

		user, err := verifier.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_not_found"})
			return
		}

		c.Set(actorKey, authz.Actor{ID: user.ID, Role: user.Role, Status: user.Status})
		c.Set(sessionKey, session.ID)

		c.Next()
	}
}

// RequireAdmin gates admin route groups. Services re-check the actor on
// every mutation; this only short-circuits obvious misuse.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentActor(c).Admin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_required"})
			return
		}
		c.Next()
	}
}

func currentActor(c *gin.Context) authz.Actor {
	v, ok := c.Get(actorKey)
	if !ok {
		return authz.Actor{}
	}
	actor, _ := v.(authz.Actor)
	return actor
}

func currentSessionID(c *gin.Context) string {
	return c.GetString(sessionKey)
}
