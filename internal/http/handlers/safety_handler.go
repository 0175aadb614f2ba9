package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sakay/internal/modules/safety"
	"sakay/internal/types"
)

type SafetyHandler struct {
	safety *safety.Service
}

func NewSafetyHandler(svc *safety.Service) *SafetyHandler {
	return &SafetyHandler{safety: svc}
}

type reportReq struct {
	DriverID    string `json:"driver_id"`
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	TripID      string `json:"trip_id"`
	Description string `json:"description"`
}

func (h *SafetyHandler) Report(c *gin.Context) {
	var req reportReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "invalid driver_id")
		return
	}
	cmd := safety.ReportCommand{
		DriverID:    types.ID(req.DriverID),
		Kind:        safety.Kind(req.Kind),
		Severity:    safety.Severity(req.Severity),
		Description: req.Description,
		ReportedBy:  caller(c),
	}
	if req.TripID != "" {
		tripID := types.ID(req.TripID)
		cmd.TripID = &tripID
	}
	r, err := h.safety.Report(c.Request.Context(), cmd)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

type resolveReq struct {
	Status string `json:"status"`
}

func (h *SafetyHandler) Resolve(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	r, err := h.safety.Resolve(c.Request.Context(), id, safety.RecordStatus(req.Status))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
