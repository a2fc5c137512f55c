package geo

import (
	"fmt"
	"math"
	"time"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371008.8

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// InvalidCoordinateError reports a latitude or longitude outside its valid range.
type InvalidCoordinateError struct {
	Lat float64
	Lon float64
}

func (e *InvalidCoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (%f, %f)", e.Lat, e.Lon)
}

// Validate returns an *InvalidCoordinateError when p is out of range.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) ||
		p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return &InvalidCoordinateError{Lat: p.Lat, Lon: p.Lon}
	}
	return nil
}

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversine(a, b), nil
}

// IsWithinGeofence reports whether point lies inside the circle around center.
// The boundary is inclusive.
func IsWithinGeofence(point, center Point, radiusMeters float64) (bool, error) {
	d, err := DistanceMeters(point, center)
	if err != nil {
		return false, err
	}
	return d <= radiusMeters, nil
}

// SpeedMetersPerSecond returns the average speed needed to travel from p1 at t1
// to p2 at t2. Readings without a positive interval yield 0.
func SpeedMetersPerSecond(p1 Point, t1 time.Time, p2 Point, t2 time.Time) (float64, error) {
	d, err := DistanceMeters(p1, p2)
	if err != nil {
		return 0, err
	}
	elapsed := t2.Sub(t1).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	return d / elapsed, nil
}

func haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}
