// Package geo wraps the orb geodesy helpers used across the engine
package geo

import (
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"github.com/starfail/dwell/pkg"
)

// MetersPerDegree is the approximate length of one degree of latitude
const MetersPerDegree = 111320.0

// Point converts a coordinate into an orb point (lon, lat)
func Point(c pkg.Coordinate) orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// FromPoint converts an orb point back into a coordinate
func FromPoint(p orb.Point) pkg.Coordinate {
	return pkg.Coordinate{Latitude: p.Lat(), Longitude: p.Lon()}
}

// Distance returns the haversine distance between a and b in meters
func Distance(a, b pkg.Coordinate) float64 {
	return orbgeo.DistanceHaversine(Point(a), Point(b))
}

// Offset returns the coordinate reached by travelling meters along bearing
// (degrees clockwise from north) from c
func Offset(c pkg.Coordinate, bearing, meters float64) pkg.Coordinate {
	return FromPoint(orbgeo.PointAtBearingAndDistance(Point(c), bearing, meters))
}

// Centroid returns the arithmetic mean of the coordinates
func Centroid(coords []pkg.Coordinate) pkg.Coordinate {
	if len(coords) == 0 {
		return pkg.Coordinate{}
	}
	var lat, lon float64
	for _, c := range coords {
		lat += c.Latitude
		lon += c.Longitude
	}
	n := float64(len(coords))
	return pkg.Coordinate{Latitude: lat / n, Longitude: lon / n}
}

// WeightedMean blends two coordinates by weight. Zero total weight returns a.
func WeightedMean(a pkg.Coordinate, wa float64, b pkg.Coordinate, wb float64) pkg.Coordinate {
	total := wa + wb
	if total <= 0 {
		return a
	}
	return pkg.Coordinate{
		Latitude:  (a.Latitude*wa + b.Latitude*wb) / total,
		Longitude: (a.Longitude*wa + b.Longitude*wb) / total,
	}
}

// Bound returns the bounding box of the coordinates
func Bound(coords []pkg.Coordinate) orb.Bound {
	mp := make(orb.MultiPoint, len(coords))
	for i, c := range coords {
		mp[i] = Point(c)
	}
	return mp.Bound()
}
