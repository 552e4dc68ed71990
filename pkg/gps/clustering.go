package gps

import (
	"math"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
)

// ClusteringConfig represents clustering configuration
type ClusteringConfig struct {
	GridCellSize float64 `json:"grid_cell_size_m"` // edge length of a grid cell in meters
	MinRadius    float64 `json:"min_radius_m"`     // floor for the spread radius
	MinPoints    int     `json:"min_points"`       // clusters with fewer members are dropped
}

// DefaultClusteringConfig returns default clustering configuration
func DefaultClusteringConfig() ClusteringConfig {
	return ClusteringConfig{
		GridCellSize: 100,
		MinRadius:    10,
		MinPoints:    1,
	}
}

// PlaceCluster is a candidate place built from stationary points sharing a
// grid cell
type PlaceCluster struct {
	Centroid     pkg.Coordinate    `json:"centroid"`
	Members      []StationaryPoint `json:"members"`
	SpreadRadius float64           `json:"spread_radius_m"`
}

// GridCell identifies one cell of the uniform lat/lon grid
type GridCell struct {
	Lat int64
	Lon int64
}

// CellDegrees converts a cell size in meters into degrees. The same degree
// span is used for longitude, so cells narrow away from the equator.
func CellDegrees(gridCellSize float64) float64 {
	return gridCellSize / geo.MetersPerDegree
}

// CellOf returns the grid cell containing c. Floor keeps negative
// coordinates in the cell below them instead of folding toward zero.
func CellOf(c pkg.Coordinate, cellDeg float64) GridCell {
	return GridCell{
		Lat: int64(math.Floor(c.Latitude / cellDeg)),
		Lon: int64(math.Floor(c.Longitude / cellDeg)),
	}
}

// Cluster groups points by grid cell and returns clusters with at least
// MinPoints members, ordered by the first member seen in each cell
func Cluster(points []StationaryPoint, cfg ClusteringConfig) []PlaceCluster {
	if len(points) == 0 || cfg.GridCellSize <= 0 {
		return nil
	}
	cellDeg := CellDegrees(cfg.GridCellSize)

	groups := make(map[GridCell][]StationaryPoint)
	var order []GridCell
	for _, p := range points {
		cell := CellOf(p.Coordinate, cellDeg)
		if _, seen := groups[cell]; !seen {
			order = append(order, cell)
		}
		groups[cell] = append(groups[cell], p)
	}

	clusters := make([]PlaceCluster, 0, len(order))
	for _, cell := range order {
		members := groups[cell]
		if len(members) < cfg.MinPoints {
			continue
		}
		clusters = append(clusters, buildCluster(members, cfg.MinRadius))
	}
	return clusters
}

func buildCluster(members []StationaryPoint, minRadius float64) PlaceCluster {
	coords := make([]pkg.Coordinate, len(members))
	for i, m := range members {
		coords[i] = m.Coordinate
	}
	centroid := geo.Centroid(coords)

	spread := 0.0
	for _, c := range coords {
		if d := geo.Distance(centroid, c); d > spread {
			spread = d
		}
	}

	return PlaceCluster{
		Centroid:     centroid,
		Members:      members,
		SpreadRadius: math.Max(spread, minRadius),
	}
}
