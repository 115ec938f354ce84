package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/authz"
	"propflow/lifecycle"
	"propflow/offer"
)

func (h HandlerSet) CreateOffer(c *gin.Context) {
	var params offer.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		badRequest(c, err)
		return
	}

	o, err := h.offers.Create(c.Request.Context(), currentActor(c), params)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.offerDetail(c.Request.Context(), currentActor(c), o))
}

func (h HandlerSet) GetOffer(c *gin.Context) {
	o, err := h.offers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.offerDetail(c.Request.Context(), currentActor(c), o))
}

func (h HandlerSet) ListOffers(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.offers.List(c.Request.Context(), offer.Filters{
		PropertyID: c.Query("property_id"),
		BuyerID:    c.Query("buyer_id"),
		Status:     lifecycle.OfferStatus(c.Query("status")),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, total, newOfferResponse))
}

// AcceptOffer returns both the accepted offer and the reservation created
// in the same transaction.
func (h HandlerSet) AcceptOffer(c *gin.Context) {
	o, hold, err := h.offers.Accept(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"offer":       h.offerDetail(c.Request.Context(), currentActor(c), o),
		"reservation": newReservationResponse(hold),
	})
}

func (h HandlerSet) RejectOffer(c *gin.Context) {
	h.transitionOffer(c, h.offers.Reject)
}

func (h HandlerSet) MarkOfferTokenPaid(c *gin.Context) {
	h.transitionOffer(c, h.offers.MarkTokenPaid)
}

func (h HandlerSet) CompleteOffer(c *gin.Context) {
	h.transitionOffer(c, h.offers.Complete)
}

func (h HandlerSet) transitionOffer(c *gin.Context, op func(context.Context, authz.Actor, string) (offer.Offer, error)) {
	o, err := op(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.offerDetail(c.Request.Context(), currentActor(c), o))
}

type counterOfferRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

func (h HandlerSet) CounterOffer(c *gin.Context) {
	var req counterOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	o, err := h.offers.Counter(c.Request.Context(), currentActor(c), c.Param("id"), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.offerDetail(c.Request.Context(), currentActor(c), o))
}

func (h HandlerSet) offerDetail(ctx context.Context, actor authz.Actor, o offer.Offer) offerResponse {
	p, err := h.properties.Get(ctx, o.PropertyID)
	if err != nil {
		return newOfferResponse(o)
	}
	return newOfferDetail(actor, o, p)
}
