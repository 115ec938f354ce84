package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"propflow/auth"
	"propflow/authz"
	"propflow/lifecycle"
	"propflow/property"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeVerifier struct {
	claims  auth.Claims
	session auth.Session
	user    auth.User
	err     error
}

func (f *fakeVerifier) VerifyToken(token string) (auth.Claims, error) {
	if f.err != nil {
		return auth.Claims{}, f.err
	}
	return f.claims, nil
}

func (f *fakeVerifier) GetSession(ctx context.Context, id string) (auth.Session, error) {
	if f.session.ID != id {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return f.session, nil
}

func (f *fakeVerifier) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	if f.user.ID != id {
		return nil, auth.ErrUserNotFound
	}
	u := f.user
	return &u, nil
}

func authRouter(verifier *fakeVerifier) *gin.Engine {
	r := gin.New()
	r.GET("/probe", Authenticate(verifier), func(c *gin.Context) {
		actor := currentActor(c)
		c.JSON(http.StatusOK, gin.H{"actor_id": actor.ID, "role": string(actor.Role)})
	})
	return r
}

func TestAuthenticateSetsActorFromStore(t *testing.T) {
	verifier := &fakeVerifier{
		claims:  auth.Claims{UserID: "u1", Role: lifecycle.RoleUser, SessionID: "s1"},
		session: auth.Session{ID: "s1", UserID: "u1"},
		// The stored role differs from the token claim; the actor must
		// reflect the store.
		user: auth.User{ID: "u1", Role: lifecycle.RoleAgent, Status: lifecycle.UserActive},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer token")
	authRouter(verifier).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if want := `"role":"AGENT"`; !strings.Contains(w.Body.String(), want) {
		t.Fatalf("body %q missing %q", w.Body.String(), want)
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	authRouter(&fakeVerifier{}).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthenticateRejectsRevokedSession(t *testing.T) {
	verifier := &fakeVerifier{
		claims: auth.Claims{UserID: "u1", SessionID: "gone"},
		user:   auth.User{ID: "u1", Status: lifecycle.UserActive},
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer token")
	authRouter(verifier).ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "fixed-id")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "fixed-id" {
		t.Fatalf("request id = %q, want fixed-id", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRespondErrorMapsDomainCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("property: %w: DRAFT -> SOLD", lifecycle.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("offer: %w", lifecycle.ErrUnauthorized), http.StatusForbidden},
		{fmt.Errorf("visit: %w: 320m away", lifecycle.ErrProofFailed), http.StatusUnprocessableEntity},
		{fmt.Errorf("otp: %w", lifecycle.ErrExpired), http.StatusGone},
		{fmt.Errorf("otp: %w", lifecycle.ErrRateLimited), http.StatusTooManyRequests},
		{property.ErrNotFound, http.StatusNotFound},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, tc.err)
		if w.Code != tc.want {
			t.Errorf("respondError(%v) = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestRequireAdminBlocksNonAdmins(t *testing.T) {
	r := gin.New()
	r.GET("/admin",
		func(c *gin.Context) {
			c.Set(actorKey, authz.Actor{ID: "u1", Role: lifecycle.RoleUser, Status: lifecycle.UserActive})
		},
		RequireAdmin(),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}
