// README: Driver handlers for presence, nearby search and the safety views.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sakay/internal/modules/matching"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/safety"
	"sakay/internal/types"
)

type DriverHandler struct {
	presence *presence.Registry
	matching *matching.Service
	safety   *safety.Service
}

func NewDriverHandler(reg *presence.Registry, matchingSvc *matching.Service, safetySvc *safety.Service) *DriverHandler {
	return &DriverHandler{presence: reg, matching: matchingSvc, safety: safetySvc}
}

type onlineReq struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Name    string  `json:"name"`
	Vehicle string  `json:"vehicle"`
	Plate   string  `json:"plate"`
}

func (h *DriverHandler) GoOnline(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req onlineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := h.presence.GoOnline(c.Request.Context(), presence.OnlineCommand{
		DriverID: id,
		Point:    types.Point{Lat: req.Lat, Lng: req.Lng},
		Profile:  presence.Profile{Name: req.Name, Vehicle: req.Vehicle, Plate: req.Plate},
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *DriverHandler) GoOffline(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	p, err := h.presence.GoOffline(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type locationReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := h.presence.UpdateLocation(c.Request.Context(), id, types.Point{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *DriverHandler) Nearby(c *gin.Context) {
	point, ok := queryPoint(c)
	if !ok {
		return
	}
	radius, _, err := queryFloat(c, "radius_km")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid radius_km")
		return
	}
	list, err := h.matching.FindDrivers(c.Request.Context(), matching.Query{
		Point:    point,
		RadiusKm: radius,
		MinBadge: safety.Badge(c.Query("min_badge")),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": list})
}

func (h *DriverHandler) Nearest(c *gin.Context) {
	point, ok := queryPoint(c)
	if !ok {
		return
	}
	cand, err := h.matching.FindNearest(c.Request.Context(), point)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"driver": cand})
}

// Safety is the summary view any rider may see before accepting a driver.
func (h *DriverHandler) Safety(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := h.safety.Assess(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, a)
}

func (h *DriverHandler) SafetyProfile(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok || !selfOrStaff(c, id) {
		return
	}
	p, err := h.safety.Profile(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

// self allows a driver to change only their own presence.
func (h *DriverHandler) self(c *gin.Context) (types.ID, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return "", false
	}
	if caller(c) != id {
		writeError(c, http.StatusForbidden, "drivers may only update their own presence")
		return "", false
	}
	return id, true
}
