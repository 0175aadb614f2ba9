// README: Matching query and the candidate list returned to passengers and the trip module.
package matching

import (
	"sakay/internal/modules/presence"
	"sakay/internal/modules/safety"
	"sakay/internal/types"
)

const (
	DefaultRadiusKm = 5.0
	MaxRadiusKm     = 10.0
	// AverageSpeedKmh is the tricycle speed used for the pickup ETA.
	AverageSpeedKmh = 30.0
)

type Query struct {
	Point    types.Point
	RadiusKm float64
	// MinBadge drops drivers ranked below it. Empty means no filter.
	MinBadge safety.Badge
}

type Candidate struct {
	DriverID   types.ID          `json:"driver_id"`
	Point      types.Point       `json:"point"`
	Heading    float64           `json:"heading"`
	DistanceKm float64           `json:"distance_km"`
	ETAMinutes int               `json:"eta_minutes"`
	Profile    presence.Profile  `json:"profile"`
	AvgRating  float64           `json:"avg_rating"`
	RatedTrips int               `json:"rated_trips"`
	RideCount  int               `json:"ride_count"`
	Safety     safety.Assessment `json:"safety"`
}
