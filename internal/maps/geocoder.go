// README: Google Maps geocoding for favorite places and trip addresses.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"sakay/internal/types"
)

var ErrNoResults = errors.New("maps: no results")

// client is the subset of *maps.Client used here.
type client interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

type Geocoder struct {
	client client
	region string
}

// NewGeocoder creates a Geocoder with the given API key. region biases results, e.g. "ph".
func NewGeocoder(apiKey, region string) (*Geocoder, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Geocoder{client: c, region: region}, nil
}

func (g *Geocoder) Geocode(ctx context.Context, address string) (types.Point, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.Point{}, ErrNoResults
	}
	res, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address, Region: g.region})
	if err != nil {
		return types.Point{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(res) == 0 {
		return types.Point{}, ErrNoResults
	}
	loc := res[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func (g *Geocoder) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	res, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Region: g.region,
	})
	if err != nil {
		return "", fmt.Errorf("maps api error: %w", err)
	}
	if len(res) == 0 {
		return "", ErrNoResults
	}
	return res[0].FormattedAddress, nil
}
