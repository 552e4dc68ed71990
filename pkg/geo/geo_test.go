package geo

import (
	"math"
	"testing"

	"github.com/starfail/dwell/pkg"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b pkg.Coordinate
		want float64
		tol  float64
	}{
		{"same point", pkg.Coordinate{Latitude: 59.33, Longitude: 18.06}, pkg.Coordinate{Latitude: 59.33, Longitude: 18.06}, 0, 0.001},
		{"one degree latitude", pkg.Coordinate{Latitude: 0, Longitude: 0}, pkg.Coordinate{Latitude: 1, Longitude: 0}, 111319, 100},
		{"small offset", pkg.Coordinate{Latitude: 37.7749, Longitude: -122.4194}, pkg.Coordinate{Latitude: 37.7758, Longitude: -122.4194}, 100, 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Distance(test.a, test.b)
			if math.Abs(got-test.want) > test.tol {
				t.Errorf("Distance() = %.2f; want %.2f +/- %.2f", got, test.want, test.tol)
			}
		})
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	origin := pkg.Coordinate{Latitude: 51.5, Longitude: -0.12}
	for _, meters := range []float64{5, 50, 500} {
		moved := Offset(origin, 90, meters)
		if d := Distance(origin, moved); math.Abs(d-meters) > 0.5 {
			t.Errorf("Offset(%v m) landed %.2f m away", meters, d)
		}
	}
}

func TestCentroid(t *testing.T) {
	coords := []pkg.Coordinate{
		{Latitude: 10, Longitude: 20},
		{Latitude: 12, Longitude: 22},
	}
	c := Centroid(coords)
	if c.Latitude != 11 || c.Longitude != 21 {
		t.Errorf("Centroid() = %+v", c)
	}
	if got := Centroid(nil); got != (pkg.Coordinate{}) {
		t.Errorf("Centroid(nil) = %+v", got)
	}
}

func TestWeightedMean(t *testing.T) {
	a := pkg.Coordinate{Latitude: 0, Longitude: 0}
	b := pkg.Coordinate{Latitude: 4, Longitude: 8}

	got := WeightedMean(a, 3, b, 1)
	if got.Latitude != 1 || got.Longitude != 2 {
		t.Errorf("WeightedMean() = %+v", got)
	}
	if got := WeightedMean(a, 0, b, 0); got != a {
		t.Errorf("zero weights should keep a, got %+v", got)
	}
}

func TestBound(t *testing.T) {
	b := Bound([]pkg.Coordinate{{Latitude: 1, Longitude: 2}, {Latitude: -1, Longitude: 5}})
	if b.Min.Lat() != -1 || b.Max.Lat() != 1 || b.Min.Lon() != 2 || b.Max.Lon() != 5 {
		t.Errorf("Bound() = %+v", b)
	}
}
