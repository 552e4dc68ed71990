// Package gps turns recorded location sessions into stationary points and
// groups them into candidate places
package gps

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starfail/dwell/pkg"
)

// StationaryPoint is a dwell extracted from one session
type StationaryPoint struct {
	Coordinate pkg.Coordinate `json:"coordinate"`
	Start      time.Time      `json:"start"`
	Duration   time.Duration  `json:"duration"`
}

// End returns the timestamp of the last slow sample in the run
func (p StationaryPoint) End() time.Time {
	return p.Start.Add(p.Duration)
}

// ExtractorConfig represents stationary extraction configuration
type ExtractorConfig struct {
	MaxSpeed float64       `json:"max_speed_mps"` // samples below this are slow
	MinDwell time.Duration `json:"min_dwell"`
}

// DefaultExtractorConfig returns default extraction configuration
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MaxSpeed: 1.0,
		MinDwell: 5 * time.Minute,
	}
}

// Extract scans one session in order and returns every slow run lasting at
// least MinDwell. Negative (unknown) speed compares below MaxSpeed and
// therefore counts as slow.
func Extract(session []pkg.LocationSample, cfg ExtractorConfig) []StationaryPoint {
	var points []StationaryPoint
	var first pkg.LocationSample
	var last time.Time
	open := false

	closeRun := func() {
		if open && last.Sub(first.Timestamp) >= cfg.MinDwell {
			points = append(points, StationaryPoint{
				Coordinate: first.Coordinate,
				Start:      first.Timestamp,
				Duration:   last.Sub(first.Timestamp),
			})
		}
		open = false
	}

	for _, s := range session {
		if s.Speed < cfg.MaxSpeed {
			if !open {
				open = true
				first = s
			}
			last = s.Timestamp
			continue
		}
		closeRun()
	}
	closeRun()

	return points
}

// ExtractSessions runs Extract over each session concurrently and
// concatenates the results in session order
func ExtractSessions(ctx context.Context, sessions [][]pkg.LocationSample, cfg ExtractorConfig) ([]StationaryPoint, error) {
	results := make([][]StationaryPoint, len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, session := range sessions {
		i, session := i, session
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = Extract(session, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []StationaryPoint
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
