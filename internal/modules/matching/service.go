// README: Matcher reads available drivers from the presence registry, ranks them by distance and attaches safety badges.
package matching

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sakay/internal/config"
	"sakay/internal/geo"
	"sakay/internal/modules/presence"
	"sakay/internal/modules/safety"
	"sakay/internal/observability"
	"sakay/internal/types"
)

// assessConcurrency bounds parallel safety lookups per query.
const assessConcurrency = 8

var (
	ErrInvalidPoint = errors.New("invalid coordinate")
	ErrBadRequest   = errors.New("bad request")
)

type Presence interface {
	Nearby(ctx context.Context, point types.Point, radiusKm float64) ([]presence.Presence, error)
}

type Assessor interface {
	Assess(ctx context.Context, driverID types.ID) (safety.Assessment, error)
}

type Service struct {
	presence Presence
	safety   Assessor
	cfg      config.MatchingConfig
	log      logrus.FieldLogger
}

func NewService(p Presence, a Assessor, cfg config.MatchingConfig, log logrus.FieldLogger) *Service {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if cfg.MaxRadiusKm <= 0 {
		cfg.MaxRadiusKm = MaxRadiusKm
	}
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = AverageSpeedKmh
	}
	return &Service{presence: p, safety: a, cfg: cfg, log: log.WithField("module", "matching")}
}

// FindDrivers returns available drivers within the radius, nearest first.
// Ties on distance are broken by driver id. No drivers is an empty list, not an error.
func (s *Service) FindDrivers(ctx context.Context, q Query) ([]Candidate, error) {
	if !q.Point.Valid() {
		return nil, ErrInvalidPoint
	}
	if q.MinBadge != "" && !q.MinBadge.Valid() {
		return nil, ErrBadRequest
	}
	radius := s.radius(q.RadiusKm)
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	rows, err := s.presence.Nearby(ctx, q.Point, radius)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(rows))
	for _, p := range rows {
		if !p.Available() {
			continue
		}
		d := geo.DistanceKm(q.Point, *p.Point)
		if d > radius {
			continue
		}
		out = append(out, Candidate{
			DriverID:   p.DriverID,
			Point:      *p.Point,
			Heading:    p.Heading,
			DistanceKm: d,
			ETAMinutes: ETAMinutes(d, s.cfg.SpeedKmh),
			Profile:    p.Profile,
			AvgRating:  p.AvgRating,
			RatedTrips: p.RatedTrips,
			RideCount:  p.RideCount,
		})
	}
	geo.SortByDistance(out,
		func(c Candidate) float64 { return c.DistanceKm },
		func(c Candidate) string { return string(c.DriverID) },
	)

	if err := s.attachSafety(ctx, out); err != nil {
		return nil, err
	}
	if q.MinBadge != "" {
		kept := out[:0]
		for _, c := range out {
			if c.Safety.Badge.Rank() >= q.MinBadge.Rank() {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	observability.MatchCandidates.Observe(float64(len(out)))
	return out, nil
}

// FindNearest is a max-radius search returning the closest driver, or nil when none.
func (s *Service) FindNearest(ctx context.Context, point types.Point) (*Candidate, error) {
	list, err := s.FindDrivers(ctx, Query{Point: point, RadiusKm: s.cfg.MaxRadiusKm})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	c := list[0]
	return &c, nil
}

func (s *Service) radius(r float64) float64 {
	if r <= 0 || math.IsNaN(r) {
		return s.cfg.RadiusKm
	}
	if r > s.cfg.MaxRadiusKm {
		return s.cfg.MaxRadiusKm
	}
	return r
}

func (s *Service) attachSafety(ctx context.Context, list []Candidate) error {
	if s.safety == nil || len(list) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(assessConcurrency)
	for i := range list {
		i := i
		g.Go(func() error {
			a, err := s.safety.Assess(gctx, list[i].DriverID)
			if err != nil {
				return err
			}
			list[i].Safety = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.WithError(err).Warn("safety assessment failed")
		return err
	}
	return nil
}

// ETAMinutes is the pickup estimate at the given speed, never below one minute.
func ETAMinutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = AverageSpeedKmh
	}
	m := int(math.Round(distanceKm / speedKmh * 60))
	if m < 1 {
		return 1
	}
	return m
}
