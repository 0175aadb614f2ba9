// README: Driver presence record and occupancy states.
package presence

import (
	"time"

	"sakay/internal/types"
)

type Occupancy string

const (
	OccupancyOffline   Occupancy = "offline"
	OccupancyAvailable Occupancy = "available"
	OccupancyOnRide    Occupancy = "on_ride"
)

func (o Occupancy) Valid() bool {
	switch o {
	case OccupancyOffline, OccupancyAvailable, OccupancyOnRide:
		return true
	}
	return false
}

// Profile is the display metadata shown to passengers.
type Profile struct {
	Name    string `json:"name"`
	Vehicle string `json:"vehicle"`
	Plate   string `json:"plate"`
}

// Presence is one row per driver. Point is non-nil iff Online; TripID is set iff Occupancy is on_ride.
type Presence struct {
	DriverID     types.ID     `json:"driver_id"`
	Point        *types.Point `json:"point,omitempty"`
	Heading      float64      `json:"heading"`
	Geohash      string       `json:"geohash,omitempty"`
	Online       bool         `json:"online"`
	Occupancy    Occupancy    `json:"occupancy"`
	TripID       *types.ID    `json:"trip_id,omitempty"`
	Profile      Profile      `json:"profile"`
	AvgRating    float64      `json:"avg_rating"`
	RatedTrips   int          `json:"rated_trips"`
	RideCount    int          `json:"ride_count"`
	RegisteredAt time.Time    `json:"registered_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Available reports whether the driver can be offered a trip.
func (p Presence) Available() bool {
	return p.Online && p.Point != nil && p.Occupancy == OccupancyAvailable
}

type OnlineCommand struct {
	DriverID types.ID
	Point    types.Point
	Geohash  string
	Profile  Profile
	At       time.Time
}

type LocationUpdate struct {
	DriverID types.ID
	Point    types.Point
	Heading  float64
	Geohash  string
	At       time.Time
}

// Change is the payload published on the online-drivers topic.
type Change struct {
	DriverID  types.ID     `json:"driver_id"`
	Point     *types.Point `json:"point,omitempty"`
	Heading   float64      `json:"heading"`
	Online    bool         `json:"online"`
	Occupancy Occupancy    `json:"occupancy"`
	At        time.Time    `json:"at"`
}

func changeOf(p Presence) Change {
	return Change{
		DriverID:  p.DriverID,
		Point:     p.Point,
		Heading:   p.Heading,
		Online:    p.Online,
		Occupancy: p.Occupancy,
		At:        p.UpdatedAt,
	}
}
