package gps

import (
	"math"
	"testing"
	"time"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
)

func point(c pkg.Coordinate, start time.Duration) StationaryPoint {
	return StationaryPoint{Coordinate: c, Start: t0.Add(start), Duration: 30 * time.Minute}
}

func TestCellOfUsesFloor(t *testing.T) {
	cellDeg := CellDegrees(100)
	tests := []struct {
		name string
		c    pkg.Coordinate
		want GridCell
	}{
		{"origin", pkg.Coordinate{Latitude: 0, Longitude: 0}, GridCell{0, 0}},
		{"just positive", pkg.Coordinate{Latitude: cellDeg / 2, Longitude: cellDeg / 2}, GridCell{0, 0}},
		{"just negative", pkg.Coordinate{Latitude: -cellDeg / 2, Longitude: -cellDeg / 2}, GridCell{-1, -1}},
		{"second cell", pkg.Coordinate{Latitude: cellDeg * 1.5, Longitude: 0}, GridCell{1, 0}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := CellOf(test.c, cellDeg); got != test.want {
				t.Errorf("CellOf(%+v) = %+v; want %+v", test.c, got, test.want)
			}
		})
	}
}

func TestClusterGroupsByCell(t *testing.T) {
	cfg := ClusteringConfig{GridCellSize: 100, MinRadius: 10, MinPoints: 2}
	cellDeg := CellDegrees(100)

	// centre both groups inside their cells so small offsets stay put
	a := pkg.Coordinate{Latitude: 100.5 * cellDeg, Longitude: 200.5 * cellDeg}
	b := pkg.Coordinate{Latitude: 150.5 * cellDeg, Longitude: 200.5 * cellDeg}

	points := []StationaryPoint{
		point(a, 0),
		point(b, time.Hour),
		point(geo.Offset(a, 90, 12), 2*time.Hour),
		point(geo.Offset(b, 270, 6), 3*time.Hour),
		point(geo.Offset(a, 0, 8), 4*time.Hour),
	}

	got := Cluster(points, cfg)
	if len(got) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(got))
	}
	if len(got[0].Members) != 3 || len(got[1].Members) != 2 {
		t.Errorf("member counts = %d, %d; want 3, 2", len(got[0].Members), len(got[1].Members))
	}
	if d := geo.Distance(got[0].Centroid, a); d > 10 {
		t.Errorf("first cluster centroid %.1f m from a", d)
	}
	for _, c := range got {
		for _, m := range c.Members {
			if d := geo.Distance(c.Centroid, m.Coordinate); d > c.SpreadRadius+1e-6 {
				t.Errorf("member %.2f m from centroid exceeds spread %.2f", d, c.SpreadRadius)
			}
		}
	}
}

func TestClusterSpreadRadiusFloor(t *testing.T) {
	cfg := ClusteringConfig{GridCellSize: 100, MinRadius: 25, MinPoints: 1}
	c := pkg.Coordinate{Latitude: 12.34567, Longitude: 45.67891}

	got := Cluster([]StationaryPoint{point(c, 0), point(c, time.Hour)}, cfg)
	if len(got) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(got))
	}
	if got[0].SpreadRadius != 25 {
		t.Errorf("SpreadRadius = %.2f; want floor 25", got[0].SpreadRadius)
	}
}

func TestClusterSpreadRadiusIsMaxDistance(t *testing.T) {
	cfg := ClusteringConfig{GridCellSize: 1000, MinRadius: 1, MinPoints: 1}
	cellDeg := CellDegrees(1000)
	centre := pkg.Coordinate{Latitude: 10.5 * cellDeg, Longitude: 10.5 * cellDeg}

	got := Cluster([]StationaryPoint{
		point(geo.Offset(centre, 0, 100), 0),
		point(geo.Offset(centre, 180, 100), time.Hour),
	}, cfg)
	if len(got) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(got))
	}
	if math.Abs(got[0].SpreadRadius-100) > 0.5 {
		t.Errorf("SpreadRadius = %.2f; want ~100", got[0].SpreadRadius)
	}
}

func TestClusterDropsSmallGroups(t *testing.T) {
	cfg := ClusteringConfig{GridCellSize: 100, MinRadius: 10, MinPoints: 3}
	c := pkg.Coordinate{Latitude: 1, Longitude: 1}

	if got := Cluster([]StationaryPoint{point(c, 0), point(c, time.Hour)}, cfg); len(got) != 0 {
		t.Errorf("expected small cluster to be dropped, got %d", len(got))
	}
	if got := Cluster(nil, cfg); got != nil {
		t.Errorf("expected nil for no points, got %v", got)
	}
}

func TestClusterIsDeterministic(t *testing.T) {
	cfg := DefaultClusteringConfig()
	var points []StationaryPoint
	for i := 0; i < 30; i++ {
		c := pkg.Coordinate{Latitude: float64(i%5) * 0.01, Longitude: float64(i%7) * 0.01}
		points = append(points, point(c, time.Duration(i)*time.Hour))
	}

	first := Cluster(points, cfg)
	for run := 0; run < 5; run++ {
		again := Cluster(points, cfg)
		if len(again) != len(first) {
			t.Fatalf("cluster count changed between runs")
		}
		for i := range first {
			if again[i].Centroid != first[i].Centroid {
				t.Fatalf("cluster %d centroid changed between runs", i)
			}
		}
	}
}
