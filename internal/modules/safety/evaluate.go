package safety

import "time"

const (
	GreenMinRides         = 50
	GreenMinRating        = 4.5
	GreenMaxComplaints30d = 1
	RedBelowRating        = 3.5
	RedMaxLifetimeInc     = 2
	RedMaxLifetimeCompl   = 3

	day                 = 24 * time.Hour
	recentIncidentAge   = 90 * day
	veryRecentAge       = 30 * day
	recentComplaintsAge = 30 * day
)

// Evaluate derives the badge. Rules are ordered: green, then red, then yellow.
// Dismissed records do not count. A driver without ratings is never judged on rating.
func Evaluate(in Inputs, now time.Time) Assessment {
	a := Assessment{
		CompletedRides: in.CompletedRides,
		AvgRating:      in.AvgRating,
		RatedTrips:     in.RatedTrips,
		EvaluatedAt:    now,
	}
	if !in.RegisteredAt.IsZero() && now.After(in.RegisteredAt) {
		a.RegistrationAgeDays = int(now.Sub(in.RegisteredAt) / day)
	}

	for _, r := range in.Records {
		if r.Status == RecordDismissed {
			continue
		}
		age := now.Sub(r.CreatedAt)
		switch r.Kind {
		case KindIncident:
			a.LifetimeIncidents++
			if age <= recentIncidentAge {
				a.RecentIncidents++
			}
			if age <= veryRecentAge {
				a.VeryRecentIncidents++
			}
		case KindComplaint:
			a.LifetimeComplaints++
			if age <= recentComplaintsAge {
				a.RecentComplaints++
			}
		case KindSOS:
			a.SOSCount++
		}
	}

	rated := in.RatedTrips > 0
	switch {
	case in.CompletedRides >= GreenMinRides &&
		rated && in.AvgRating >= GreenMinRating &&
		a.RecentIncidents == 0 &&
		a.RecentComplaints <= GreenMaxComplaints30d:
		a.Badge = BadgeGreen
	case (rated && in.AvgRating < RedBelowRating) ||
		a.LifetimeIncidents > RedMaxLifetimeInc ||
		a.LifetimeComplaints > RedMaxLifetimeCompl ||
		a.VeryRecentIncidents > 0:
		a.Badge = BadgeRed
	default:
		a.Badge = BadgeYellow
	}
	return a
}
