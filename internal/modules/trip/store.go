// README: Record-store contract for trips. Accept, complete and cancel are single atomic operations.
package trip

import (
	"context"
	"time"

	"sakay/internal/modules/pricing"
	"sakay/internal/types"
)

type Store interface {
	// CreateTrip fails with ErrActiveTripExists when the passenger already has an active trip.
	CreateTrip(ctx context.Context, t *Trip) error
	GetTrip(ctx context.Context, id types.ID) (*Trip, error)
	// TransitionTrip moves the trip from From to To if it is still at Version.
	TransitionTrip(ctx context.Context, cmd TransitionCommand) (*Trip, error)
	// AcceptTrip binds the driver and flips the driver's presence to on_ride in one step.
	AcceptTrip(ctx context.Context, cmd AcceptRecord) (*Trip, error)
	// CompleteTrip finalises the fare and releases the driver in one step.
	CompleteTrip(ctx context.Context, cmd CompleteRecord) (*Trip, error)
	// CancelTrip cancels an active trip and releases the bound driver, if any, in one step.
	CancelTrip(ctx context.Context, cmd CancelRecord) (*Trip, error)
	RateTrip(ctx context.Context, cmd RateRecord) (*Trip, error)

	ActiveTripByPassenger(ctx context.Context, passengerID types.ID) (*Trip, error)
	ActiveTripByDriver(ctx context.Context, driverID types.ID) (*Trip, error)
	ListTrips(ctx context.Context, q HistoryQuery) ([]Trip, error)
	StaleTrips(ctx context.Context, before time.Time, statuses []Status) ([]Trip, error)
	// RatingStats averages the scores the party received over completed trips.
	RatingStats(ctx context.Context, role Role, partyID types.ID) (avg float64, count int, err error)

	AppendTripEvent(ctx context.Context, e *Event) error
	ListTripEvents(ctx context.Context, tripID types.ID) ([]Event, error)
}

type TransitionCommand struct {
	TripID  types.ID
	From    Status
	To      Status
	Version int
	At      time.Time
}

type AcceptRecord struct {
	TripID   types.ID
	DriverID types.ID
	At       time.Time
}

type CompleteRecord struct {
	TripID     types.ID
	DriverID   types.ID
	DistanceKm float64
	Fare       pricing.Breakdown
	At         time.Time
}

type CancelRecord struct {
	TripID types.ID
	By     ActorType
	Reason string
	// From limits the statuses that may be cancelled. Empty means any active status.
	From []Status
	At   time.Time
}

type RateRecord struct {
	TripID types.ID
	// Target is the rated party.
	Target Role
	Rating Rating
}

type HistoryQuery struct {
	Role    Role
	PartyID types.ID
	Limit   int
}
