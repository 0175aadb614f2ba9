// README: Trip service implements the lifecycle state transitions and their after-commit side effects.
package trip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"sakay/internal/config"
	"sakay/internal/geo"
	"sakay/internal/modules/matching"
	"sakay/internal/modules/pricing"
	"sakay/internal/modules/realtime"
	"sakay/internal/modules/safety"
	"sakay/internal/notify"
	"sakay/internal/observability"
	"sakay/internal/types"
)

const (
	maxAddressLen  = 255
	maxFeedbackLen = 500
	maxReasonLen   = 255

	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

var (
	ErrNotFound          = errors.New("trip not found")
	ErrBadRequest        = errors.New("bad request")
	ErrForbidden         = errors.New("caller is not a party to this trip")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyAccepted is an invalid transition caused by another driver winning the trip.
	ErrAlreadyAccepted   = fmt.Errorf("%w: trip already accepted", ErrInvalidTransition)
	ErrConflict          = fmt.Errorf("%w: trip changed concurrently", ErrInvalidTransition)
	ErrActiveTripExists  = errors.New("party already has an active trip")
	ErrDriverUnavailable = errors.New("driver is not available")
	ErrInvalidRating     = errors.New("rating must be an integer from 1 to 5")
	ErrAlreadyRated      = errors.New("trip already rated by this party")
)

type Pricing interface {
	Estimate(ctx context.Context, distanceKm float64, discount pricing.DiscountType) (pricing.Breakdown, error)
}

type Matcher interface {
	FindDrivers(ctx context.Context, q matching.Query) ([]matching.Candidate, error)
}

// Presence is the slice of the presence registry the trip service drives after a commit.
type Presence interface {
	Refresh(ctx context.Context, driverID types.ID) error
	SetRating(ctx context.Context, driverID types.ID, avg float64, rated int) error
}

type Notifier interface {
	Notify(ctx context.Context, msg notify.Message) error
}

type EventPublisher interface {
	PublishTripEvent(ctx context.Context, ev LifecycleEvent) error
}

type Publisher interface {
	Publish(ctx context.Context, topic realtime.Topic, kind string, payload any)
}

type AddressResolver interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

type FavoriteResolver interface {
	Resolve(ctx context.Context, ownerID, favoriteID types.ID) (types.Point, string, error)
}

// Deps are the collaborators of the service. Only Pricing is required.
type Deps struct {
	Pricing   Pricing
	Matcher   Matcher
	Presence  Presence
	Notifier  Notifier
	Events    EventPublisher
	Publisher Publisher
	Addresses AddressResolver
	Favorites FavoriteResolver
}

type Service struct {
	store Store
	deps  Deps
	cfg   config.TripConfig
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewService(store Store, deps Deps, cfg config.TripConfig, log logrus.FieldLogger) *Service {
	if deps.Pricing == nil {
		deps.Pricing = pricing.NewService(pricing.DefaultRate)
	}
	return &Service{
		store: store,
		deps:  deps,
		cfg:   cfg,
		log:   log.WithField("module", "trip"),
		now:   time.Now,
	}
}

type Place struct {
	Point      *types.Point
	Address    string
	FavoriteID types.ID
}

type RideOptions struct {
	DiscountType  pricing.DiscountType
	PaymentMethod PaymentMethod
	// HoldSearch leaves the trip pending; BeginMatching starts the search later.
	HoldSearch bool
}

type CreateCommand struct {
	PassengerID types.ID
	Pickup      Place
	Dropoff     Place
	Options     RideOptions
}

type MatchOptions struct {
	RadiusKm float64
	MinBadge safety.Badge
}

type AcceptCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type CompleteCommand struct {
	TripID   types.ID
	DriverID types.ID
	// FinalDistanceKm overrides the planned distance when set.
	FinalDistanceKm *float64
}

type CancelCommand struct {
	TripID  types.ID
	By      ActorType
	ActorID types.ID
	Reason  string
}

type RateCommand struct {
	TripID types.ID
	// Role is the side giving the rating.
	Role     Role
	RaterID  types.ID
	Rating   int
	Feedback string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Trip, error) {
	if cmd.PassengerID == "" {
		return nil, ErrBadRequest
	}
	opts := cmd.Options
	if opts.DiscountType == "" {
		opts.DiscountType = pricing.DiscountNone
	}
	if !opts.DiscountType.Valid() {
		return nil, fmt.Errorf("%w: unknown discount type %q", ErrBadRequest, opts.DiscountType)
	}
	if opts.PaymentMethod == "" {
		opts.PaymentMethod = PaymentCash
	}
	if !opts.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrBadRequest, opts.PaymentMethod)
	}

	pickup, err := s.resolvePlace(ctx, cmd.PassengerID, cmd.Pickup)
	if err != nil {
		return nil, fmt.Errorf("pickup: %w", err)
	}
	dropoff, err := s.resolvePlace(ctx, cmd.PassengerID, cmd.Dropoff)
	if err != nil {
		return nil, fmt.Errorf("dropoff: %w", err)
	}

	distance := geo.DistanceKm(pickup.Point, dropoff.Point)
	fare, err := s.deps.Pricing.Estimate(ctx, distance, opts.DiscountType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &Trip{
		ID:            types.NewID(),
		PassengerID:   cmd.PassengerID,
		Pickup:        pickup,
		Dropoff:       dropoff,
		DistanceKm:    distance,
		Fare:          fare,
		PaymentMethod: opts.PaymentMethod,
		PaymentStatus: PaymentUnpaid,
		Status:        StatusPending,
		StatusVersion: 0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// Unless held, the trip is written as searching in a single insert.
	if !opts.HoldSearch {
		t.Status = StatusSearching
		t.StatusVersion = 1
	}
	if err := s.store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.TripsCreated.Inc()

	if opts.HoldSearch {
		s.afterCommit(ctx, StatusNone, t, ActorPassenger, &cmd.PassengerID)
		return t, nil
	}
	held := *t
	held.Status, held.StatusVersion = StatusPending, 0
	s.afterCommit(ctx, StatusNone, &held, ActorPassenger, &cmd.PassengerID)
	s.afterCommit(ctx, StatusPending, t, ActorSystem, nil)
	return t, nil
}

// BeginMatching moves a held trip into the search.
func (s *Service) BeginMatching(ctx context.Context, tripID types.ID) (*Trip, error) {
	t, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, t, StatusSearching, ActorSystem, nil)
}

// FindDriver queries the matcher around the pickup. The first non-empty result moves
// searching to driver_found; later calls return a fresh list without transitioning.
func (s *Service) FindDriver(ctx context.Context, tripID types.ID, opts MatchOptions) ([]matching.Candidate, error) {
	if s.deps.Matcher == nil {
		return nil, errors.New("matcher not configured")
	}
	t, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.Status.PreAcceptance() {
		return nil, ErrInvalidTransition
	}
	list, err := s.deps.Matcher.FindDrivers(ctx, matching.Query{
		Point:    t.Pickup.Point,
		RadiusKm: opts.RadiusKm,
		MinBadge: opts.MinBadge,
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 || t.Status != StatusSearching {
		return list, nil
	}
	if _, err := s.transition(ctx, t, StatusDriverFound, ActorSystem, nil); err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		// Someone accepted or cancelled in between; the list is still informative.
		s.log.WithField("trip_id", t.ID).Debug("driver_found skipped, trip moved on")
	}
	return list, nil
}

// Accept binds the driver. Exactly one of several concurrent accepts succeeds;
// the others fail with ErrAlreadyAccepted.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Trip, error) {
	if cmd.TripID == "" || cmd.DriverID == "" {
		return nil, ErrBadRequest
	}
	t, err := s.store.GetTrip(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if !t.Status.PreAcceptance() {
		if t.DriverID != nil {
			observability.AcceptConflicts.WithLabelValues("already_accepted").Inc()
			return nil, ErrAlreadyAccepted
		}
		observability.AcceptConflicts.WithLabelValues("invalid_state").Inc()
		return nil, ErrInvalidTransition
	}

	updated, err := s.store.AcceptTrip(ctx, AcceptRecord{TripID: t.ID, DriverID: cmd.DriverID, At: s.now()})
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyAccepted):
			observability.AcceptConflicts.WithLabelValues("already_accepted").Inc()
		case errors.Is(err, ErrDriverUnavailable):
			observability.AcceptConflicts.WithLabelValues("driver_unavailable").Inc()
		case errors.Is(err, ErrInvalidTransition):
			observability.AcceptConflicts.WithLabelValues("invalid_state").Inc()
		}
		return nil, err
	}
	s.afterCommit(ctx, t.Status, updated, ActorDriver, &cmd.DriverID)
	s.refreshDriver(ctx, cmd.DriverID)
	return updated, nil
}

func (s *Service) MarkArrived(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return s.driverStep(ctx, tripID, driverID, StatusArrived)
}

func (s *Service) Start(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	return s.driverStep(ctx, tripID, driverID, StatusInProgress)
}

// Complete recomputes the fare from the travelled distance and releases the driver.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (pricing.Breakdown, error) {
	if cmd.TripID == "" || cmd.DriverID == "" {
		return pricing.Breakdown{}, ErrBadRequest
	}
	t, err := s.store.GetTrip(ctx, cmd.TripID)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	if !t.BoundTo(cmd.DriverID) {
		return pricing.Breakdown{}, ErrForbidden
	}
	if !CanTransition(t.Status, StatusCompleted) {
		return pricing.Breakdown{}, ErrInvalidTransition
	}

	distance := t.DistanceKm
	if cmd.FinalDistanceKm != nil {
		distance = *cmd.FinalDistanceKm
		if distance < 0 || math.IsNaN(distance) || math.IsInf(distance, 0) {
			return pricing.Breakdown{}, fmt.Errorf("%w: final distance must be a non-negative number", ErrBadRequest)
		}
		distance = geo.Round2(distance)
	}
	fare, err := s.deps.Pricing.Estimate(ctx, distance, t.Fare.DiscountType)
	if err != nil {
		return pricing.Breakdown{}, err
	}

	updated, err := s.store.CompleteTrip(ctx, CompleteRecord{
		TripID:     t.ID,
		DriverID:   cmd.DriverID,
		DistanceKm: distance,
		Fare:       fare,
		At:         s.now(),
	})
	if err != nil {
		return pricing.Breakdown{}, err
	}
	s.afterCommit(ctx, t.Status, updated, ActorDriver, &cmd.DriverID)
	s.refreshDriver(ctx, cmd.DriverID)
	return updated.Fare, nil
}

// Cancel works from any active status. Passengers and drivers may only cancel their own trips.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	return s.cancel(ctx, cmd, nil)
}

// cancel restricts the source statuses to from when it is non-empty.
func (s *Service) cancel(ctx context.Context, cmd CancelCommand, from []Status) (*Trip, error) {
	if cmd.TripID == "" || !cmd.By.Valid() {
		return nil, ErrBadRequest
	}
	if utf8.RuneCountInString(cmd.Reason) > maxReasonLen {
		return nil, fmt.Errorf("%w: reason too long", ErrBadRequest)
	}
	t, err := s.store.GetTrip(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	switch cmd.By {
	case ActorPassenger:
		if cmd.ActorID != t.PassengerID {
			return nil, ErrForbidden
		}
	case ActorDriver:
		if !t.BoundTo(cmd.ActorID) {
			return nil, ErrForbidden
		}
	}
	if !CanTransition(t.Status, StatusCancelled) || (len(from) > 0 && !statusIn(t.Status, from)) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.store.CancelTrip(ctx, CancelRecord{
		TripID: t.ID,
		By:     cmd.By,
		Reason: strings.TrimSpace(cmd.Reason),
		From:   from,
		At:     s.now(),
	})
	if err != nil {
		return nil, err
	}
	var actorID *types.ID
	if cmd.ActorID != "" {
		actorID = &cmd.ActorID
	}
	s.afterCommit(ctx, t.Status, updated, cmd.By, actorID)
	if updated.DriverID != nil {
		s.refreshDriver(ctx, *updated.DriverID)
	}
	return updated, nil
}

// Rate records one side's score of the other and refreshes the rated party's average.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) (RatingSummary, error) {
	if cmd.TripID == "" || !cmd.Role.Valid() {
		return RatingSummary{}, ErrBadRequest
	}
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return RatingSummary{}, ErrInvalidRating
	}
	if utf8.RuneCountInString(cmd.Feedback) > maxFeedbackLen {
		return RatingSummary{}, fmt.Errorf("%w: feedback too long", ErrBadRequest)
	}
	t, err := s.store.GetTrip(ctx, cmd.TripID)
	if err != nil {
		return RatingSummary{}, err
	}

	var target Role
	var ratedID types.ID
	switch cmd.Role {
	case RolePassenger:
		if cmd.RaterID != t.PassengerID {
			return RatingSummary{}, ErrForbidden
		}
		if t.DriverID == nil {
			return RatingSummary{}, ErrInvalidTransition
		}
		target, ratedID = RoleDriver, *t.DriverID
	case RoleDriver:
		if !t.BoundTo(cmd.RaterID) {
			return RatingSummary{}, ErrForbidden
		}
		target, ratedID = RolePassenger, t.PassengerID
	}
	if t.Status != StatusCompleted {
		return RatingSummary{}, ErrInvalidTransition
	}

	if _, err := s.store.RateTrip(ctx, RateRecord{
		TripID: t.ID,
		Target: target,
		Rating: Rating{Score: cmd.Rating, Feedback: strings.TrimSpace(cmd.Feedback), RatedAt: s.now()},
	}); err != nil {
		return RatingSummary{}, err
	}

	avg, count, err := s.store.RatingStats(ctx, target, ratedID)
	if err != nil {
		return RatingSummary{}, err
	}
	if target == RoleDriver && s.deps.Presence != nil {
		if err := s.deps.Presence.SetRating(ctx, ratedID, avg, count); err != nil {
			observability.SideEffectFailures.WithLabelValues("presence_rating").Inc()
			s.log.WithError(err).WithField("driver_id", ratedID).Warn("driver rating not written to presence")
		}
	}
	return RatingSummary{TripID: t.ID, RatedID: ratedID, RatedRole: target, AvgRating: avg, RatedTrips: count}, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.store.GetTrip(ctx, id)
}

func (s *Service) ActiveForPassenger(ctx context.Context, passengerID types.ID) (*Trip, error) {
	return s.store.ActiveTripByPassenger(ctx, passengerID)
}

func (s *Service) ActiveForDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	return s.store.ActiveTripByDriver(ctx, driverID)
}

// History lists a party's trips, newest first.
func (s *Service) History(ctx context.Context, role Role, partyID types.ID, limit int) ([]Trip, error) {
	if !role.Valid() || partyID == "" {
		return nil, ErrBadRequest
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.store.ListTrips(ctx, HistoryQuery{Role: role, PartyID: partyID, Limit: limit})
}

func (s *Service) Events(ctx context.Context, tripID types.ID) ([]Event, error) {
	if _, err := s.store.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	return s.store.ListTripEvents(ctx, tripID)
}

func (s *Service) driverStep(ctx context.Context, tripID, driverID types.ID, to Status) (*Trip, error) {
	if tripID == "" || driverID == "" {
		return nil, ErrBadRequest
	}
	t, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.BoundTo(driverID) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, t, to, ActorDriver, &driverID)
}

func (s *Service) transition(ctx context.Context, t *Trip, to Status, actor ActorType, actorID *types.ID) (*Trip, error) {
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidTransition
	}
	updated, err := s.store.TransitionTrip(ctx, TransitionCommand{
		TripID:  t.ID,
		From:    t.Status,
		To:      to,
		Version: t.StatusVersion,
		At:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, t.Status, updated, actor, actorID)
	return updated, nil
}

// afterCommit runs the best-effort side effects of a committed transition. Failures are logged only.
func (s *Service) afterCommit(ctx context.Context, from Status, t *Trip, actor ActorType, actorID *types.ID) {
	observability.TripTransitions.WithLabelValues(string(t.Status)).Inc()
	log := s.log.WithFields(logrus.Fields{"trip_id": t.ID, "from": from, "to": t.Status})

	at := t.UpdatedAt
	if err := s.store.AppendTripEvent(ctx, &Event{
		TripID:     t.ID,
		FromStatus: from,
		ToStatus:   t.Status,
		ActorType:  actor,
		ActorID:    actorID,
		CreatedAt:  at,
	}); err != nil {
		observability.SideEffectFailures.WithLabelValues("event_log").Inc()
		log.WithError(err).Warn("trip event not recorded")
	}

	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(ctx, realtime.TripTopic(t.ID), realtime.KindTrip, *t)
	}

	if s.deps.Events != nil {
		if err := s.deps.Events.PublishTripEvent(ctx, LifecycleEvent{
			TripID:      t.ID,
			PassengerID: t.PassengerID,
			DriverID:    t.DriverID,
			From:        from,
			To:          t.Status,
			Actor:       actor,
			FinalFare:   t.Fare.Final,
			At:          at,
		}); err != nil {
			observability.SideEffectFailures.WithLabelValues("event_bus").Inc()
			log.WithError(err).Warn("lifecycle event not published")
		}
	}

	if s.deps.Notifier != nil {
		if msg, ok := notificationFor(t, actor); ok {
			if err := s.deps.Notifier.Notify(ctx, msg); err != nil {
				observability.SideEffectFailures.WithLabelValues("push").Inc()
				log.WithError(err).Warn("push notification failed")
			}
		}
	}
	log.Info("trip transition committed")
}

func (s *Service) refreshDriver(ctx context.Context, driverID types.ID) {
	if s.deps.Presence == nil {
		return
	}
	if err := s.deps.Presence.Refresh(ctx, driverID); err != nil {
		observability.SideEffectFailures.WithLabelValues("presence_refresh").Inc()
		s.log.WithError(err).WithField("driver_id", driverID).Warn("presence refresh failed")
	}
}

func (s *Service) resolvePlace(ctx context.Context, ownerID types.ID, p Place) (Location, error) {
	loc := Location{Address: strings.TrimSpace(p.Address)}
	switch {
	case p.Point != nil:
		loc.Point = *p.Point
	case p.FavoriteID != "" && s.deps.Favorites != nil:
		pt, addr, err := s.deps.Favorites.Resolve(ctx, ownerID, p.FavoriteID)
		if err != nil {
			return Location{}, err
		}
		loc.Point = pt
		if loc.Address == "" {
			loc.Address = addr
		}
	default:
		return Location{}, fmt.Errorf("%w: missing coordinates", ErrBadRequest)
	}
	if !loc.Point.Valid() {
		return Location{}, fmt.Errorf("%w: invalid coordinates", ErrBadRequest)
	}
	if utf8.RuneCountInString(loc.Address) > maxAddressLen {
		return Location{}, fmt.Errorf("%w: address too long", ErrBadRequest)
	}
	if loc.Address == "" && s.deps.Addresses != nil {
		addr, err := s.deps.Addresses.ReverseGeocode(ctx, loc.Point)
		if err != nil {
			s.log.WithError(err).Debug("reverse geocode failed")
		} else if utf8.RuneCountInString(addr) <= maxAddressLen {
			loc.Address = addr
		}
	}
	return loc, nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// notificationFor picks the counterparty of the actor for each transition worth a push.
func notificationFor(t *Trip, actor ActorType) (notify.Message, bool) {
	msg := notify.Message{
		Data:     map[string]string{"trip_id": string(t.ID), "status": string(t.Status)},
		Priority: notify.PriorityNormal,
	}
	switch t.Status {
	case StatusDriverAccepted:
		msg.RecipientID, msg.Title, msg.Body = t.PassengerID, "Driver found", "A tricycle driver accepted your ride."
		msg.Priority = notify.PriorityHigh
	case StatusArrived:
		msg.RecipientID, msg.Title, msg.Body = t.PassengerID, "Driver arrived", "Your driver is at the pickup point."
		msg.Priority = notify.PriorityHigh
	case StatusInProgress:
		msg.RecipientID, msg.Title, msg.Body = t.PassengerID, "Trip started", "Enjoy your ride."
	case StatusCompleted:
		msg.RecipientID, msg.Title = t.PassengerID, "Trip completed"
		msg.Body = fmt.Sprintf("Fare due: %s %s", t.Fare.Final.Currency, t.Fare.Final.String())
		msg.Data["final_fare"] = t.Fare.Final.String()
	case StatusCancelled:
		msg.Title, msg.Body = "Trip cancelled", "The trip was cancelled."
		if actor == ActorPassenger {
			if t.DriverID == nil {
				return notify.Message{}, false
			}
			msg.RecipientID = *t.DriverID
		} else {
			msg.RecipientID = t.PassengerID
		}
		if t.CancelReason != "" {
			msg.Data["reason"] = t.CancelReason
		}
	default:
		return notify.Message{}, false
	}
	return msg, true
}
