// README: Trip aggregate, status definitions and the transition table.
package trip

import (
	"time"

	"sakay/internal/modules/pricing"
	"sakay/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusSearching      Status = "searching"
	StatusDriverFound    Status = "driver_found"
	StatusDriverAccepted Status = "driver_accepted"
	StatusArrived        Status = "arrived"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// ActiveStatuses are the statuses that count toward the one-active-trip limit.
var ActiveStatuses = []Status{
	StatusPending,
	StatusSearching,
	StatusDriverFound,
	StatusDriverAccepted,
	StatusArrived,
	StatusInProgress,
}

func (s Status) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// PreAcceptance reports whether a driver may still accept.
func (s Status) PreAcceptance() bool { return s == StatusSearching || s == StatusDriverFound }

// AllowedTransitions represents the trip state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusSearching, StatusCancelled},
	StatusSearching:      {StatusDriverFound, StatusDriverAccepted, StatusCancelled},
	StatusDriverFound:    {StatusDriverAccepted, StatusCancelled},
	StatusDriverAccepted: {StatusArrived, StatusCancelled},
	StatusArrived:        {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentEWallet PaymentMethod = "ewallet"
)

func (m PaymentMethod) Valid() bool { return m == PaymentCash || m == PaymentEWallet }

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// ActorType names who caused a transition. It doubles as the cancelled-by value.
type ActorType string

const (
	ActorPassenger ActorType = "passenger"
	ActorDriver    ActorType = "driver"
	ActorSystem    ActorType = "system"
)

func (a ActorType) Valid() bool {
	return a == ActorPassenger || a == ActorDriver || a == ActorSystem
}

// Role selects a party for ratings and history.
type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

func (r Role) Valid() bool { return r == RolePassenger || r == RoleDriver }

type Location struct {
	Point   types.Point `json:"point"`
	Address string      `json:"address"`
}

// Rating is one side's score of the other party, set once.
type Rating struct {
	Score    int       `json:"score"`
	Feedback string    `json:"feedback,omitempty"`
	RatedAt  time.Time `json:"rated_at"`
}

type Trip struct {
	ID              types.ID          `json:"id"`
	PassengerID     types.ID          `json:"passenger_id"`
	DriverID        *types.ID         `json:"driver_id,omitempty"`
	Pickup          Location          `json:"pickup"`
	Dropoff         Location          `json:"dropoff"`
	DistanceKm      float64           `json:"distance_km"`
	Fare            pricing.Breakdown `json:"fare"`
	PaymentMethod   PaymentMethod     `json:"payment_method"`
	PaymentStatus   PaymentStatus     `json:"payment_status"`
	Status          Status            `json:"status"`
	StatusVersion   int               `json:"status_version"`
	// DriverRating is the passenger's score of the driver; PassengerRating the reverse.
	DriverRating    *Rating           `json:"driver_rating,omitempty"`
	PassengerRating *Rating           `json:"passenger_rating,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	AcceptedAt      *time.Time        `json:"accepted_at,omitempty"`
	ArrivedAt       *time.Time        `json:"arrived_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CancelledBy     *ActorType        `json:"cancelled_by,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// StateVersion lets the realtime hub order trip updates.
func (t Trip) StateVersion() int { return t.StatusVersion }

// BoundTo reports whether driverID is the driver bound to the trip.
func (t *Trip) BoundTo(driverID types.ID) bool {
	return t.DriverID != nil && *t.DriverID == driverID
}

type Event struct {
	ID         int64     `json:"id"`
	TripID     types.ID  `json:"trip_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  ActorType `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LifecycleEvent is what leaves the process on the event bus after a committed transition.
type LifecycleEvent struct {
	TripID      types.ID    `json:"trip_id"`
	PassengerID types.ID    `json:"passenger_id"`
	DriverID    *types.ID   `json:"driver_id,omitempty"`
	From        Status      `json:"from"`
	To          Status      `json:"to"`
	Actor       ActorType   `json:"actor"`
	FinalFare   types.Money `json:"final_fare"`
	At          time.Time   `json:"at"`
}

type RatingSummary struct {
	TripID     types.ID `json:"trip_id"`
	RatedID    types.ID `json:"rated_id"`
	RatedRole  Role     `json:"rated_role"`
	AvgRating  float64  `json:"avg_rating"`
	RatedTrips int      `json:"rated_trips"`
}
