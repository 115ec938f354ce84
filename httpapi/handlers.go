package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"propflow/assignment"
	"propflow/audit"
	"propflow/auth"
	"propflow/dispute"
	"propflow/lifecycle"
	"propflow/offer"
	"propflow/property"
	"propflow/reservation"
	"propflow/visit"
)

// HandlerSet binds the domain services to gin routes. It owns no state
// beyond the wiring; all decisions happen in the services.
type HandlerSet struct {
	log          zerolog.Logger
	db           *pgxpool.Pool
	auth         *auth.Service
	properties   *property.Service
	assignments  *assignment.Service
	visits       *visit.Service
	offers       *offer.Service
	reservations *reservation.Service
	disputes     *dispute.Service
}

func NewHandlerSet(
	log zerolog.Logger,
	db *pgxpool.Pool,
	authService *auth.Service,
	properties *property.Service,
	assignments *assignment.Service,
	visits *visit.Service,
	offers *offer.Service,
	reservations *reservation.Service,
	disputes *dispute.Service,
) HandlerSet {
	return HandlerSet{
		log:          log,
		db:           db,
		auth:         authService,
		properties:   properties,
		assignments:  assignments,
		visits:       visits,
		offers:       offers,
		reservations: reservations,
		disputes:     disputes,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", h.RegisterUser)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/verify-otp", h.VerifyLoginOTP)

	protected := v1.Group("")
	protected.Use(Authenticate(h.auth))

	protected.POST("/auth/logout", h.Logout)
	protected.GET("/auth/me", h.Me)

	protected.POST("/properties", h.CreateProperty)
	protected.GET("/properties", h.ListProperties)
	protected.GET("/properties/:id", h.GetProperty)
	protected.PATCH("/properties/:id/price", h.UpdatePropertyPrice)
	protected.POST("/properties/:id/transition", h.TransitionProperty)
	protected.GET("/properties/:id/history", h.EntityHistory(lifecycle.EntityProperty))

	protected.POST("/assignments", h.RequestAssignment)
	protected.GET("/assignments", h.ListAssignments)
	protected.GET("/assignments/:id", h.GetAssignment)
	protected.POST("/assignments/:id/accept", h.AcceptAssignment)
	protected.POST("/assignments/:id/decline", h.DeclineAssignment)
	protected.POST("/assignments/:id/complete", h.CompleteAssignment)
	protected.GET("/assignments/:id/history", h.EntityHistory(lifecycle.EntityAssignment))

	protected.POST("/visits", h.RequestVisit)
	protected.GET("/visits", h.ListVisits)
	protected.GET("/visits/:id", h.GetVisit)
	protected.POST("/visits/:id/approve", h.ApproveVisit)
	protected.POST("/visits/:id/reject", h.RejectVisit)
	protected.POST("/visits/:id/cancel", h.CancelVisit)
	protected.POST("/visits/:id/counter", h.CounterVisit)
	protected.POST("/visits/:id/check-in", h.CheckInVisit)
	protected.POST("/visits/:id/complete", h.CompleteVisit)
	protected.POST("/visits/:id/no-show", h.NoShowVisit)
	protected.POST("/visits/:id/resend-code", h.ResendVisitCode)
	protected.GET("/visits/:id/history", h.EntityHistory(lifecycle.EntityVisit))

	protected.POST("/offers", h.CreateOffer)
	protected.GET("/offers", h.ListOffers)
	protected.GET("/offers/:id", h.GetOffer)
	protected.POST("/offers/:id/accept", h.AcceptOffer)
	protected.POST("/offers/:id/reject", h.RejectOffer)
	protected.POST("/offers/:id/counter", h.CounterOffer)
	protected.POST("/offers/:id/token-paid", h.MarkOfferTokenPaid)
	protected.POST("/offers/:id/complete", h.CompleteOffer)
	protected.GET("/offers/:id/history", h.EntityHistory(lifecycle.EntityOffer))

	protected.GET("/reservations", h.ListReservations)
	protected.GET("/reservations/:id", h.GetReservation)
	protected.POST("/reservations/:id/cancel", h.CancelReservation)
	protected.POST("/reservations/:id/complete", h.CompleteReservation)
	protected.GET("/reservations/:id/history", h.EntityHistory(lifecycle.EntityReservation))

	protected.POST("/disputes", h.RaiseDispute)
	protected.GET("/disputes", h.ListDisputes)
	protected.GET("/disputes/:id", h.GetDispute)
	protected.POST("/disputes/:id/review", h.ReviewDispute)
	protected.POST("/disputes/:id/resolve", h.ResolveDispute)
	protected.POST("/disputes/:id/close", h.CloseDispute)
	protected.GET("/disputes/:id/history", h.EntityHistory(lifecycle.EntityDispute))

	admin := protected.Group("/admin")
	admin.Use(RequireAdmin())
	admin.GET("/users/:id", h.GetUser)
	admin.POST("/users/:id/review", h.ReviewUser)
	admin.GET("/users/:id/history", h.EntityHistory(lifecycle.EntityUser))
}

func (h HandlerSet) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EntityHistory serves the append-only audit trail for one entity.
func (h HandlerSet) EntityHistory(entityType lifecycle.EntityType) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := audit.ListForEntity(c.Request.Context(), h.db, entityType, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}

		items := make([]gin.H, 0, len(records))
		for _, r := range records {
			items = append(items, gin.H{
				"id":          r.ID,
				"entity_type": string(r.EntityType),
				"entity_id":   r.EntityID,
				"type":        r.Type,
				"from_status": r.FromStatus,
				"to_status":   r.ToStatus,
				"actor":       r.ActorID,
				"created_at":  r.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
	}
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, size
}
