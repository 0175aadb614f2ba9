// README: Safety records, badge labels and the assessment returned to callers.
package safety

import (
	"time"

	"sakay/internal/types"
)

type Kind string

const (
	KindIncident  Kind = "incident"
	KindComplaint Kind = "complaint"
	KindSOS       Kind = "sos"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordResolved  RecordStatus = "resolved"
	RecordDismissed RecordStatus = "dismissed"
)

// Record is append-only; only Status and ResolvedAt change, through Resolve.
type Record struct {
	ID          types.ID     `json:"id"`
	DriverID    types.ID     `json:"driver_id"`
	Kind        Kind         `json:"kind"`
	Severity    Severity     `json:"severity"`
	TripID      *types.ID    `json:"trip_id,omitempty"`
	Description string       `json:"description"`
	Status      RecordStatus `json:"status"`
	ReportedBy  types.ID     `json:"reported_by"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
}

type Badge string

const (
	BadgeGreen  Badge = "green"
	BadgeYellow Badge = "yellow"
	BadgeRed    Badge = "red"
)

func (b Badge) Valid() bool {
	return b == BadgeGreen || b == BadgeYellow || b == BadgeRed
}

// Rank orders badges for minimum-badge filters: red < yellow < green.
func (b Badge) Rank() int {
	switch b {
	case BadgeGreen:
		return 2
	case BadgeYellow:
		return 1
	}
	return 0
}

// History is the ride-history part of the inputs, read from completed trips.
type History struct {
	CompletedRides int
	AvgRating      float64
	RatedTrips     int
	RegisteredAt   time.Time
}

type Inputs struct {
	History
	Records []Record
}

// Assessment is the badge plus the raw counts that produced it.
type Assessment struct {
	DriverID            types.ID  `json:"driver_id"`
	Badge               Badge     `json:"badge"`
	CompletedRides      int       `json:"completed_rides"`
	AvgRating           float64   `json:"avg_rating"`
	RatedTrips          int       `json:"rated_trips"`
	RecentIncidents     int       `json:"recent_incidents"`
	VeryRecentIncidents int       `json:"very_recent_incidents"`
	RecentComplaints    int       `json:"recent_complaints"`
	LifetimeIncidents   int       `json:"lifetime_incidents"`
	LifetimeComplaints  int       `json:"lifetime_complaints"`
	SOSCount            int       `json:"sos_count"`
	RegistrationAgeDays int       `json:"registration_age_days"`
	EvaluatedAt         time.Time `json:"evaluated_at"`
}

type Profile struct {
	Assessment Assessment `json:"assessment"`
	Records    []Record   `json:"records"`
}
