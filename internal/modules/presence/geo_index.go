// README: Presence geo index backed by Redis GEO.
package presence

import (
	"context"

	"github.com/redis/go-redis/v9"

	"sakay/internal/geo"
	"sakay/internal/types"
)

const DefaultGeoKey = "presence:drivers"

// Redis measures GEO distances on a 6372.797560856 km sphere and stores 52-bit geohashes,
// so a driver just inside radius by geo.HaversineKm can fall just outside it in GEOSEARCH.
const (
	redisEarthRadiusKm = 6372.797560856
	geoSearchSlackKm   = 0.01
)

// searchRadiusKm widens radiusKm to cover every driver geo.HaversineKm places within it.
// Callers apply the exact cut.
func searchRadiusKm(radiusKm float64) float64 {
	return radiusKm*(redisEarthRadiusKm/geo.EarthRadiusKm) + geoSearchSlackKm
}

type RedisGeoIndex struct {
	redis *redis.Client
	key   string
}

func NewRedisGeoIndex(client *redis.Client, key string) *RedisGeoIndex {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisGeoIndex{redis: client, key: key}
}

func (s *RedisGeoIndex) Upsert(ctx context.Context, driverID types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, s.key, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (s *RedisGeoIndex) Remove(ctx context.Context, driverID types.ID) error {
	return s.redis.ZRem(ctx, s.key, string(driverID)).Err()
}

// Within lists drivers near p, nearest first. The result may include a few just beyond radiusKm.
func (s *RedisGeoIndex) Within(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, s.key, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     searchRadiusKm(radiusKm),
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
