package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/lifecycle"
	"propflow/property"
)

func (h HandlerSet) CreateProperty(c *gin.Context) {
	var params property.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, err)
		return
	}

	created, err := h.properties.Create(c.Request.Context(), currentActor(c), params)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newPropertyDetail(currentActor(c), created))
}

func (h HandlerSet) GetProperty(c *gin.Context) {
	p, err := h.properties.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPropertyDetail(currentActor(c), p))
}

func (h HandlerSet) ListProperties(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.properties.List(c.Request.Context(), property.Filters{
		SellerID: c.Query("seller_id"),
		AgentID:  c.Query("agent_id"),
		Status:   lifecycle.PropertyStatus(c.Query("status")),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, total, newPropertyResponse))
}

type updatePriceRequest struct {
	Price int64 `json:"price" binding:"required,gt=0"`
}

func (h HandlerSet) UpdatePropertyPrice(c *gin.Context) {
	var req updatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	p, err := h.properties.UpdatePrice(c.Request.Context(), currentActor(c), c.Param("id"), req.Price)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPropertyDetail(currentActor(c), p))
}

type propertyTransitionRequest struct {
	To     string `json:"to" binding:"required"`
	Reason string `json:"reason"`
}

func (h HandlerSet) TransitionProperty(c *gin.Context) {
	var req propertyTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	p, err := h.properties.Transition(c.Request.Context(), currentActor(c), c.Param("id"), lifecycle.PropertyStatus(req.To), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPropertyDetail(currentActor(c), p))
}
