package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"propflow/authz"
	"propflow/lifecycle"
	"propflow/visit"
)

type requestVisitRequest struct {
	PropertyID  string    `json:"property_id" binding:"required"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

func (h HandlerSet) RequestVisit(c *gin.Context) {
	var req requestVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.visits.Request(c.Request.Context(), currentActor(c), req.PropertyID, req.ScheduledAt)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newVisitDetail(currentActor(c), v))
}

func (h HandlerSet) GetVisit(c *gin.Context) {
	v, err := h.visits.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVisitDetail(currentActor(c), v))
}

func (h HandlerSet) ListVisits(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.visits.List(c.Request.Context(), visit.Filters{
		PropertyID: c.Query("property_id"),
		BuyerID:    c.Query("buyer_id"),
		AgentID:    c.Query("agent_id"),
		Status:     lifecycle.VisitStatus(c.Query("status")),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, total, newVisitResponse))
}

func (h HandlerSet) ApproveVisit(c *gin.Context) {
	h.transitionVisit(c, h.visits.Approve)
}

func (h HandlerSet) RejectVisit(c *gin.Context) {
	h.transitionVisit(c, h.visits.Reject)
}

func (h HandlerSet) CancelVisit(c *gin.Context) {
	h.transitionVisit(c, h.visits.Cancel)
}

func (h HandlerSet) NoShowVisit(c *gin.Context) {
	h.transitionVisit(c, h.visits.NoShow)
}

func (h HandlerSet) ResendVisitCode(c *gin.Context) {
	h.transitionVisit(c, h.visits.ResendCompletionCode)
}

func (h HandlerSet) transitionVisit(c *gin.Context, op func(context.Context, authz.Actor, string) (visit.Visit, error)) {
	v, err := op(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVisitDetail(currentActor(c), v))
}

type counterVisitRequest struct {
	ProposedAt time.Time `json:"proposed_at" binding:"required"`
}

func (h HandlerSet) CounterVisit(c *gin.Context) {
	var req counterVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.visits.Counter(c.Request.Context(), currentActor(c), c.Param("id"), req.ProposedAt)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVisitDetail(currentActor(c), v))
}

type checkInRequest struct {
	Lat float64 `json:"lat" binding:"required"`
	Lng float64 `json:"lng" binding:"required"`
}

func (h HandlerSet) CheckInVisit(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.visits.CheckIn(c.Request.Context(), currentActor(c), c.Param("id"), req.Lat, req.Lng)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVisitDetail(currentActor(c), v))
}

type completeVisitRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h HandlerSet) CompleteVisit(c *gin.Context) {
	var req completeVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.visits.Complete(c.Request.Context(), currentActor(c), c.Param("id"), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVisitDetail(currentActor(c), v))
}
