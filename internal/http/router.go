// README: HTTP router registration.
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sakay/internal/http/handlers"
	"sakay/internal/http/middleware"
	"sakay/internal/infra"
	"sakay/internal/modules/favorite"
	"sakay/internal/modules/matching"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/pricing"
	"sakay/internal/modules/realtime"
	"sakay/internal/modules/safety"
	"sakay/internal/modules/trip"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouterDeps struct {
	Trip     *trip.Service
	Presence *presence.Registry
	Matching *matching.Service
	Safety   *safety.Service
	Favorite *favorite.Service
	Pricing  *pricing.Service
	Hub      *realtime.Hub
	Verifier infra.TokenVerifier
	Health   map[string]HealthCheck
	Log      logrus.FieldLogger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log), middleware.Metrics())

	r.GET("/healthz", healthz(deps.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.Auth(deps.Verifier)
	driverOnly := middleware.RequireRole(middleware.RoleDriver)
	staffOnly := middleware.RequireRole(middleware.RoleSafety, middleware.RoleAdmin)

	api := r.Group("/api", auth)

	tripHandler := handlers.NewTripHandler(deps.Trip)
	api.POST("/trips", tripHandler.Create)
	api.GET("/trips/:id", tripHandler.Get)
	api.GET("/trips/:id/events", tripHandler.Events)
	api.POST("/trips/:id/search", tripHandler.BeginSearch)
	api.GET("/trips/:id/candidates", tripHandler.Candidates)
	api.POST("/trips/:id/accept", driverOnly, tripHandler.Accept)
	api.POST("/trips/:id/arrive", driverOnly, tripHandler.Arrive)
	api.POST("/trips/:id/start", driverOnly, tripHandler.Start)
	api.POST("/trips/:id/complete", driverOnly, tripHandler.Complete)
	api.POST("/trips/:id/cancel", tripHandler.Cancel)
	api.POST("/trips/:id/rate", tripHandler.Rate)
	api.GET("/passengers/:id/active-trip", tripHandler.PassengerActive)
	api.GET("/passengers/:id/trips", tripHandler.PassengerHistory)
	api.GET("/drivers/:id/active-trip", tripHandler.DriverActive)
	api.GET("/drivers/:id/trips", tripHandler.DriverHistory)

	driverHandler := handlers.NewDriverHandler(deps.Presence, deps.Matching, deps.Safety)
	api.GET("/drivers/nearby", driverHandler.Nearby)
	api.GET("/drivers/nearest", driverHandler.Nearest)
	api.POST("/drivers/:id/online", driverOnly, driverHandler.GoOnline)
	api.POST("/drivers/:id/offline", driverOnly, driverHandler.GoOffline)
	api.PUT("/drivers/:id/location", driverOnly, driverHandler.UpdateLocation)
	api.GET("/drivers/:id/safety", driverHandler.Safety)
	api.GET("/drivers/:id/safety/profile", driverHandler.SafetyProfile)

	safetyHandler := handlers.NewSafetyHandler(deps.Safety)
	api.POST("/safety/reports", safetyHandler.Report)
	api.PATCH("/safety/reports/:id", staffOnly, safetyHandler.Resolve)

	favoriteHandler := handlers.NewFavoriteHandler(deps.Favorite)
	api.GET("/favorites", favoriteHandler.List)
	api.POST("/favorites", favoriteHandler.Add)
	api.DELETE("/favorites/:id", favoriteHandler.Delete)

	fareHandler := handlers.NewFareHandler(deps.Pricing)
	api.POST("/fares/quote", fareHandler.Quote)

	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub, deps.Trip, deps.Log)
	r.GET("/ws/topics/:topic", auth, realtimeHandler.Subscribe)

	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		out := gin.H{}
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				out[name] = err.Error()
				continue
			}
			out[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": out})
	}
}
