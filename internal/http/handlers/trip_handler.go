// README: Trip handlers for create, matching, the driver steps, cancel, rate and reads.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sakay/internal/http/middleware"
	"sakay/internal/modules/pricing"
	"sakay/internal/modules/safety"
	"sakay/internal/modules/trip"
	"sakay/internal/types"
)

type TripHandler struct {
	trip *trip.Service
}

func NewTripHandler(svc *trip.Service) *TripHandler {
	return &TripHandler{trip: svc}
}

type placeReq struct {
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	Address    string   `json:"address"`
	FavoriteID string   `json:"favorite_id"`
}

func (p placeReq) place() trip.Place {
	out := trip.Place{Address: p.Address, FavoriteID: types.ID(p.FavoriteID)}
	if p.Lat != nil && p.Lng != nil {
		out.Point = &types.Point{Lat: *p.Lat, Lng: *p.Lng}
	}
	return out
}

type createTripReq struct {
	PassengerID   string   `json:"passenger_id"`
	Pickup        placeReq `json:"pickup"`
	Dropoff       placeReq `json:"dropoff"`
	DiscountType  string   `json:"discount_type"`
	PaymentMethod string   `json:"payment_method"`
	HoldSearch    bool     `json:"hold_search"`
}

func (h *TripHandler) Create(c *gin.Context) {
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid := caller(c)
	if req.PassengerID != "" && types.ID(req.PassengerID) != uid {
		writeError(c, http.StatusForbidden, "cannot create a trip for another passenger")
		return
	}
	t, err := h.trip.Create(c.Request.Context(), trip.CreateCommand{
		PassengerID: uid,
		Pickup:      req.Pickup.place(),
		Dropoff:     req.Dropoff.place(),
		Options: trip.RideOptions{
			DiscountType:  pricing.DiscountType(req.DiscountType),
			PaymentMethod: trip.PaymentMethod(req.PaymentMethod),
			HoldSearch:    req.HoldSearch,
		},
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, t)
}

func (h *TripHandler) Get(c *gin.Context) {
	t, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *TripHandler) Events(c *gin.Context) {
	t, ok := h.load(c)
	if !ok {
		return
	}
	events, err := h.trip.Events(c.Request.Context(), t.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": t.ID, "events": events})
}

func (h *TripHandler) BeginSearch(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}
	updated, err := h.trip.BeginMatching(c.Request.Context(), t.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (h *TripHandler) Candidates(c *gin.Context) {
	t, ok := h.loadOwned(c)
	if !ok {
		return
	}
	radius, _, err := queryFloat(c, "radius_km")
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid radius_km")
		return
	}
	list, err := h.trip.FindDriver(c.Request.Context(), t.ID, trip.MatchOptions{
		RadiusKm: radius,
		MinBadge: safety.Badge(c.Query("min_badge")),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": t.ID, "candidates": list})
}

func (h *TripHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := h.trip.Accept(c.Request.Context(), trip.AcceptCommand{TripID: id, DriverID: caller(c)})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *TripHandler) Arrive(c *gin.Context) {
	h.driverStep(c, h.trip.MarkArrived)
}

func (h *TripHandler) Start(c *gin.Context) {
	h.driverStep(c, h.trip.Start)
}

type completeTripReq struct {
	DistanceKm *float64 `json:"distance_km"`
}

func (h *TripHandler) Complete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req completeTripReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	fare, err := h.trip.Complete(c.Request.Context(), trip.CompleteCommand{
		TripID:          id,
		DriverID:        caller(c),
		FinalDistanceKm: req.DistanceKm,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": id, "status": trip.StatusCompleted, "fare": fare})
}

type cancelTripReq struct {
	Reason string `json:"reason"`
}

func (h *TripHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelTripReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	by := trip.ActorPassenger
	switch middleware.CallerRole(c) {
	case middleware.RoleDriver:
		by = trip.ActorDriver
	case middleware.RoleAdmin:
		by = trip.ActorSystem
	}
	t, err := h.trip.Cancel(c.Request.Context(), trip.CancelCommand{
		TripID:  id,
		By:      by,
		ActorID: caller(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

type rateTripReq struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

func (h *TripHandler) Rate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req rateTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	role := trip.RolePassenger
	if middleware.CallerRole(c) == middleware.RoleDriver {
		role = trip.RoleDriver
	}
	summary, err := h.trip.Rate(c.Request.Context(), trip.RateCommand{
		TripID:   id,
		Role:     role,
		RaterID:  caller(c),
		Rating:   req.Rating,
		Feedback: req.Feedback,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, summary)
}

func (h *TripHandler) PassengerActive(c *gin.Context) {
	h.active(c, h.trip.ActiveForPassenger)
}

func (h *TripHandler) DriverActive(c *gin.Context) {
	h.active(c, h.trip.ActiveForDriver)
}

func (h *TripHandler) PassengerHistory(c *gin.Context) {
	h.history(c, trip.RolePassenger)
}

func (h *TripHandler) DriverHistory(c *gin.Context) {
	h.history(c, trip.RoleDriver)
}

func (h *TripHandler) driverStep(c *gin.Context, step func(ctx context.Context, tripID, driverID types.ID) (*trip.Trip, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	t, err := step(c.Request.Context(), id, caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *TripHandler) active(c *gin.Context, find func(ctx context.Context, id types.ID) (*trip.Trip, error)) {
	id, ok := pathID(c, "id")
	if !ok || !selfOrStaff(c, id) {
		return
	}
	t, err := find(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *TripHandler) history(c *gin.Context, role trip.Role) {
	id, ok := pathID(c, "id")
	if !ok || !selfOrStaff(c, id) {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.trip.History(c.Request.Context(), role, id, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trips": list})
}

// load returns the trip if the caller may see it: a party to the trip, staff, or any
// driver while the trip is still looking for one.
func (h *TripHandler) load(c *gin.Context) (*trip.Trip, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	t, err := h.trip.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	uid := caller(c)
	switch {
	case t.PassengerID == uid, t.BoundTo(uid), isStaff(c):
	case middleware.CallerRole(c) == middleware.RoleDriver && t.Status.PreAcceptance():
	default:
		writeError(c, http.StatusForbidden, "not a party to this trip")
		return nil, false
	}
	return t, true
}

// loadOwned returns the trip only to its passenger or staff.
func (h *TripHandler) loadOwned(c *gin.Context) (*trip.Trip, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	t, err := h.trip.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	if t.PassengerID != caller(c) && !isStaff(c) {
		writeError(c, http.StatusForbidden, "not the passenger of this trip")
		return nil, false
	}
	return t, true
}
