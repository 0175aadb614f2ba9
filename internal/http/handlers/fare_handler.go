package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sakay/internal/geo"
	"sakay/internal/modules/pricing"
	"sakay/internal/types"
)

type FareHandler struct {
	pricing *pricing.Service
}

func NewFareHandler(svc *pricing.Service) *FareHandler {
	return &FareHandler{pricing: svc}
}

type quoteReq struct {
	Pickup       *types.Point `json:"pickup"`
	Dropoff      *types.Point `json:"dropoff"`
	DistanceKm   *float64     `json:"distance_km"`
	DiscountType string       `json:"discount_type"`
}

// Quote prices either an explicit distance or the straight-line distance between two points.
func (h *FareHandler) Quote(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	var distance float64
	switch {
	case req.DistanceKm != nil:
		distance = *req.DistanceKm
	case req.Pickup != nil && req.Dropoff != nil && req.Pickup.Valid() && req.Dropoff.Valid():
		distance = geo.DistanceKm(*req.Pickup, *req.Dropoff)
	default:
		writeError(c, http.StatusBadRequest, "distance_km or valid pickup and dropoff required")
		return
	}
	discount := pricing.DiscountType(req.DiscountType)
	if discount == "" {
		discount = pricing.DiscountNone
	}
	if !discount.Valid() {
		writeError(c, http.StatusBadRequest, "unknown discount_type")
		return
	}
	fare, err := h.pricing.Estimate(c.Request.Context(), distance, discount)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, fare)
}
