package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"propflow/authz"
	"propflow/lifecycle"
	"propflow/reservation"
)

func (h HandlerSet) GetReservation(c *gin.Context) {
	r, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.reservationDetail(c.Request.Context(), currentActor(c), r))
}

func (h HandlerSet) ListReservations(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.reservations.List(c.Request.Context(), reservation.Filters{
		PropertyID: c.Query("property_id"),
		BuyerID:    c.Query("buyer_id"),
		Status:     lifecycle.ReservationStatus(c.Query("status")),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, newListResponse(items, total, newReservationResponse))
}

func (h HandlerSet) CancelReservation(c *gin.Context) {
	h.closeReservation(c, h.reservations.Cancel)
}

func (h HandlerSet) CompleteReservation(c *gin.Context) {
	h.closeReservation(c, h.reservations.Complete)
}

func (h HandlerSet) closeReservation(c *gin.Context, op func(context.Context, authz.Actor, string) (reservation.Reservation, error)) {
	r, err := op(c.Request.Context(), currentActor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.reservationDetail(c.Request.Context(), currentActor(c), r))
}

func (h HandlerSet) reservationDetail(ctx context.Context, actor authz.Actor, r reservation.Reservation) reservationResponse {
	p, err := h.properties.Get(ctx, r.PropertyID)
	if err != nil {
		return newReservationResponse(r)
	}
	return newReservationDetail(actor, r, p)
}
