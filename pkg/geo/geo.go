// Package geo holds the positional math used by the coordination engines.
//
// Trajectory projection uses a flat-earth approximation (a fixed number of
// meters per degree, scaled by cos(lat) for longitude). It is only accurate
// for short horizons at moderate latitudes and breaks down near the poles or
// at high velocity. Distances between positions use the haversine formula.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/syntor/fleetcore/pkg/models"
)

// MetersPerDegree is the flat-earth conversion between degrees of latitude and meters.
const MetersPerDegree = 111111.0

// Project advances pos by vel for dt seconds.
func Project(pos models.Position, vel models.Velocity, dt float64) models.Position {
	cosLat := math.Cos(pos.Lat * math.Pi / 180)
	next := models.Position{
		Lat: pos.Lat + vel.VY*dt/MetersPerDegree,
		Lon: pos.Lon,
		Alt: pos.Alt + vel.VZ*dt,
	}
	// cos(lat) is zero at the poles; longitude is undefined there.
	if cosLat > 1e-9 {
		next.Lon = pos.Lon + vel.VX*dt/(MetersPerDegree*cosLat)
	}
	return next
}

// PredictTrajectory returns one sample per second for horizon seconds,
// starting one second after pos.
func PredictTrajectory(pos models.Position, vel models.Velocity, horizon int) []models.Position {
	if horizon <= 0 {
		return nil
	}
	out := make([]models.Position, 0, horizon)
	cur := pos
	for i := 0; i < horizon; i++ {
		cur = Project(cur, vel, 1)
		out = append(out, cur)
	}
	return out
}

// HorizontalDistance is the great-circle distance in meters.
func HorizontalDistance(a, b models.Position) float64 {
	return geo.DistanceHaversine(toPoint(a), toPoint(b))
}

// Distance3D combines the horizontal distance with the altitude delta.
func Distance3D(a, b models.Position) float64 {
	h := HorizontalDistance(a, b)
	dAlt := a.Alt - b.Alt
	return math.Sqrt(h*h + dAlt*dAlt)
}

// Offset returns the position distance meters away from pos along bearing
// (degrees clockwise from north). Altitude is kept.
func Offset(pos models.Position, bearing, distance float64) models.Position {
	p := geo.PointAtBearingAndDistance(toPoint(pos), bearing, distance)
	return models.Position{Lat: p.Lat(), Lon: p.Lon(), Alt: pos.Alt}
}

// NormalizeHeading maps any angle into [0, 360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

func toPoint(p models.Position) orb.Point {
	return orb.Point{p.Lon, p.Lat}
}
