package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/assignment"
	"propflow/authz"
	"propflow/lifecycle"
)

type requestAssignmentRequest struct {
	PropertyID string `json:"property_id" binding:"required"`
	AgentID    string `json:"agent_id" binding:"required"`
}

func (h HandlerSet) RequestAssignment(c *gin.Context) {
	var req requestAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	a, err := h.assignments.Request(c.Request.Context(), currentActor(c), req.PropertyID, req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.assignmentDetail(c.Request.Context(), currentActor(c), a))
}

func (h HandlerSet) GetAssignment(c *gin.Context) {
	a, err := h.assignments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.assignmentDetail(c.Request.Context(), currentActor(c), a))
}

func (h HandlerSet) ListAssignments(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.assignments.List(c.Request.Context(), assignment.Filters{
		PropertyID: c.Query("property_id"),
		AgentID:    c.Query("agent_id"),
		Status:     lifecycle.AssignmentStatus(c.Query("status")),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, total, newAssignmentResponse))
}

func (h HandlerSet) AcceptAssignment(c *gin.Context) {
	h.resolveAssignment(c, h.assignments.Accept)
}

func (h HandlerSet) DeclineAssignment(c *gin.Context) {
	h.resolveAssignment(c, h.assignments.Decline)
}

func (h HandlerSet) CompleteAssignment(c *gin.Context) {
	h.resolveAssignment(c, h.assignments.Complete)
}

func (h HandlerSet) resolveAssignment(c *gin.Context, op func(context.Context, authz.Actor, string) (assignment.Assignment, error)) {
	a, err := op(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.assignmentDetail(c.Request.Context(), currentActor(c), a))
}

// assignmentDetail loads the property so the seller relationship can be
// derived; the action set degrades to the agent view if the lookup fails.
func (h HandlerSet) assignmentDetail(ctx context.Context, actor authz.Actor, a assignment.Assignment) assignmentResponse {
	p, err := h.properties.Get(ctx, a.PropertyID)
	if err != nil {
		return newAssignmentResponse(a)
	}
	return newAssignmentDetail(actor, a, p)
}
