// README: Favorite service validates, geocodes and resolves saved places.
package favorite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"sakay/internal/types"
)

const (
	MaxPerOwner   = 20
	maxLabelLen   = 50
	maxAddressLen = 255
)

var (
	ErrNotFound      = errors.New("favorite not found")
	ErrBadRequest    = errors.New("bad request")
	ErrLimitReached  = errors.New("favorite limit reached")
	ErrGeocodeFailed = errors.New("address could not be located")
)

type Store interface {
	// CreateFavorite fails with ErrLimitReached once the owner has MaxPerOwner entries.
	CreateFavorite(ctx context.Context, f *Favorite) error
	ListFavorites(ctx context.Context, ownerID types.ID) ([]Favorite, error)
	GetFavorite(ctx context.Context, ownerID, id types.ID) (*Favorite, error)
	DeleteFavorite(ctx context.Context, ownerID, id types.ID) error
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Service struct {
	store    Store
	geocoder Geocoder
	log      logrus.FieldLogger
}

// NewService wires the service. geocoder may be nil, then every favorite needs a point.
func NewService(store Store, geocoder Geocoder, log logrus.FieldLogger) *Service {
	return &Service{store: store, geocoder: geocoder, log: log.WithField("module", "favorite")}
}

type AddCommand struct {
	OwnerID types.ID
	Label   string
	Address string
	Point   *types.Point
	Icon    Icon
}

func (s *Service) Add(ctx context.Context, cmd AddCommand) (*Favorite, error) {
	label := strings.TrimSpace(cmd.Label)
	address := strings.TrimSpace(cmd.Address)
	if cmd.OwnerID == "" || label == "" {
		return nil, ErrBadRequest
	}
	if utf8.RuneCountInString(label) > maxLabelLen || utf8.RuneCountInString(address) > maxAddressLen {
		return nil, fmt.Errorf("%w: label or address too long", ErrBadRequest)
	}
	if cmd.Icon == "" {
		cmd.Icon = IconPin
	}
	if !cmd.Icon.Valid() {
		return nil, fmt.Errorf("%w: unknown icon %q", ErrBadRequest, cmd.Icon)
	}

	var point types.Point
	switch {
	case cmd.Point != nil:
		point = *cmd.Point
	case address != "" && s.geocoder != nil:
		p, err := s.geocoder.Geocode(ctx, address)
		if err != nil {
			s.log.WithError(err).WithField("address", address).Warn("geocode failed")
			return nil, ErrGeocodeFailed
		}
		point = p
	default:
		return nil, fmt.Errorf("%w: point or address required", ErrBadRequest)
	}
	if !point.Valid() {
		return nil, fmt.Errorf("%w: invalid coordinates", ErrBadRequest)
	}

	f := &Favorite{
		ID:        types.NewID(),
		OwnerID:   cmd.OwnerID,
		Label:     label,
		Address:   address,
		Point:     point,
		Icon:      cmd.Icon,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateFavorite(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) List(ctx context.Context, ownerID types.ID) ([]Favorite, error) {
	if ownerID == "" {
		return nil, ErrBadRequest
	}
	return s.store.ListFavorites(ctx, ownerID)
}

func (s *Service) Delete(ctx context.Context, ownerID, id types.ID) error {
	if ownerID == "" || id == "" {
		return ErrBadRequest
	}
	return s.store.DeleteFavorite(ctx, ownerID, id)
}

// Resolve turns a favorite into trip coordinates. Only the owner's favorites resolve.
func (s *Service) Resolve(ctx context.Context, ownerID, id types.ID) (types.Point, string, error) {
	f, err := s.store.GetFavorite(ctx, ownerID, id)
	if err != nil {
		return types.Point{}, "", err
	}
	return f.Point, f.Address, nil
}
