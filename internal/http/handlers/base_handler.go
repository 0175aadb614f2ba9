// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"

	"sakay/internal/http/middleware"
	"sakay/internal/modules/favorite"
	"sakay/internal/modules/matching"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/pricing"
	"sakay/internal/modules/realtime"
	"sakay/internal/modules/safety"
	"sakay/internal/modules/trip"
	"sakay/internal/types"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// isValidID accepts the uuid ids the engine generates and the uids identity providers issue.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// conflicts maps state conflicts to stable codes so clients can tell what already happened.
// Order matters: the wrapped trip errors come before ErrInvalidTransition.
var conflicts = []struct {
	err  error
	code string
}{
	{trip.ErrAlreadyAccepted, "already_accepted"},
	{trip.ErrConflict, "conflict"},
	{trip.ErrInvalidTransition, "invalid_transition"},
	{trip.ErrActiveTripExists, "active_trip_exists"},
	{trip.ErrDriverUnavailable, "driver_unavailable"},
	{trip.ErrAlreadyRated, "already_rated"},
	{presence.ErrOnRide, "on_ride"},
	{presence.ErrOffline, "offline"},
	{safety.ErrAlreadyClosed, "already_closed"},
	{favorite.ErrLimitReached, "limit_reached"},
}

var badRequests = []error{
	trip.ErrBadRequest,
	trip.ErrInvalidRating,
	presence.ErrBadRequest,
	presence.ErrInvalidPoint,
	matching.ErrBadRequest,
	matching.ErrInvalidPoint,
	pricing.ErrInvalidDistance,
	safety.ErrBadRequest,
	favorite.ErrBadRequest,
	favorite.ErrGeocodeFailed,
	realtime.ErrUnknownTopic,
}

var notFounds = []error{
	trip.ErrNotFound,
	presence.ErrNotFound,
	safety.ErrNotFound,
	safety.ErrDriverNotFound,
	favorite.ErrNotFound,
}

// writeServiceError maps module errors to 400 / 403 / 404 / 409 / 503 / 500.
func writeServiceError(c *gin.Context, err error) {
	for _, e := range badRequests {
		if errors.Is(err, e) {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if errors.Is(err, trip.ErrForbidden) {
		writeError(c, http.StatusForbidden, err.Error())
		return
	}
	for _, e := range notFounds {
		if errors.Is(err, e) {
			writeError(c, http.StatusNotFound, err.Error())
			return
		}
	}
	for _, cf := range conflicts {
		if errors.Is(err, cf.err) {
			writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), Code: cf.code})
			return
		}
	}
	if transient(err) {
		writeJSON(c, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable", Retryable: true})
		return
	}
	_ = c.Error(err)
	writeError(c, http.StatusInternalServerError, "internal error")
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

func isStaff(c *gin.Context) bool {
	role := middleware.CallerRole(c)
	return role == middleware.RoleAdmin || role == middleware.RoleSafety
}

// selfOrStaff reports whether the caller may read data owned by id.
func selfOrStaff(c *gin.Context, id types.ID) bool {
	if caller(c) == id || isStaff(c) {
		return true
	}
	writeError(c, http.StatusForbidden, "not allowed for this caller")
	return false
}

func queryFloat(c *gin.Context, name string) (float64, bool, error) {
	v := c.Query(name)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, true, err
}

func queryPoint(c *gin.Context) (types.Point, bool) {
	lat, okLat, errLat := queryFloat(c, "lat")
	lng, okLng, errLng := queryFloat(c, "lng")
	if !okLat || !okLng || errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return types.Point{}, false
	}
	return types.Point{Lat: lat, Lng: lng}, true
}
