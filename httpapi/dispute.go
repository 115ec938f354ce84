package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/authz"
	"propflow/dispute"
	"propflow/lifecycle"
)

type raiseDisputeRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

func (h HandlerSet) RaiseDispute(c *gin.Context) {
	var req raiseDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.disputes.Raise(c.Request.Context(), currentActor(c), lifecycle.EntityType(req.EntityType), req.EntityID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newDisputeDetail(currentActor(c), d))
}

func (h HandlerSet) GetDispute(c *gin.Context) {
	d, err := h.disputes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newDisputeDetail(currentActor(c), d))
}

func (h HandlerSet) ListDisputes(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.disputes.List(c.Request.Context(), dispute.Filters{
		EntityType: lifecycle.EntityType(c.Query("entity_type")),
		EntityID:   c.Query("entity_id"),
		RaisedBy:   c.Query("raised_by"),
		Status:     lifecycle.DisputeStatus(c.Query("status")),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, total, newDisputeResponse))
}

func (h HandlerSet) ReviewDispute(c *gin.Context) {
	h.transitionDispute(c, h.disputes.Review)
}

func (h HandlerSet) CloseDispute(c *gin.Context) {
	h.transitionDispute(c, h.disputes.Close)
}

func (h HandlerSet) transitionDispute(c *gin.Context, op func(context.Context, authz.Actor, string) (dispute.Dispute, error)) {
	d, err := op(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newDisputeDetail(currentActor(c), d))
}

type resolveDisputeRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

func (h HandlerSet) ResolveDispute(c *gin.Context) {
	var req resolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	d, err := h.disputes.Resolve(c.Request.Context(), currentActor(c), c.Param("id"), dispute.Decision(req.Decision), req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newDisputeDetail(currentActor(c), d))
}
