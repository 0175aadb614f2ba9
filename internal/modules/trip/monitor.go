package trip

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultSearchTimeout = 10 * time.Minute
	DefaultMonitorTick   = 30 * time.Second

	ReasonSearchTimeout = "search_timeout"
)

var searchStatuses = []Status{StatusPending, StatusSearching, StatusDriverFound}

// RunSearchTimeoutMonitor cancels trips that never got a driver until ctx is done.
func (s *Service) RunSearchTimeoutMonitor(ctx context.Context) {
	tick := s.cfg.MonitorTick
	if tick <= 0 {
		tick = DefaultMonitorTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("search timeout sweep failed")
			}
		}
	}
}

// ExpireStale runs one sweep and returns how many trips it cancelled.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	timeout := s.cfg.SearchTimeout
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	stale, err := s.store.StaleTrips(ctx, s.now().Add(-timeout), searchStatuses)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, t := range stale {
		_, err := s.cancel(ctx, CancelCommand{TripID: t.ID, By: ActorSystem, Reason: ReasonSearchTimeout}, searchStatuses)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, ErrInvalidTransition):
			// accepted or cancelled since the scan
		default:
			s.log.WithError(err).WithField("trip_id", t.ID).Warn("search timeout cancel failed")
		}
	}
	if cancelled > 0 {
		s.log.WithField("count", cancelled).Info("cancelled trips past search timeout")
	}
	return cancelled, nil
}
