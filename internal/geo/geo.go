// Package geo contains pure great-circle helpers shared by the presence, matching and trip modules.
package geo

import (
	"math"
	"sort"

	"sakay/internal/types"
)

const EarthRadiusKm = 6371.0

// HaversineKm returns the unrounded great-circle distance in kilometres.
func HaversineKm(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// DistanceKm is HaversineKm rounded to two decimal places.
func DistanceKm(a, b types.Point) float64 {
	return Round2(HaversineKm(a, b))
}

// Bearing returns the initial bearing from a to b in degrees, normalised to [0, 360).
func Bearing(a, b types.Point) float64 {
	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)
	deg := radiansToDegrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// SortByDistance orders items by ascending distance, breaking ties with the key accessor.
func SortByDistance[T any](items []T, dist func(T) float64, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := dist(items[i]), dist(items[j])
		if di != dj {
			return di < dj
		}
		return key(items[i]) < key(items[j])
	})
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func radiansToDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}
