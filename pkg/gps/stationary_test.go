package gps

import (
	"context"
	"testing"
	"time"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
)

var t0 = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

func sample(c pkg.Coordinate, speed float64, at time.Duration) pkg.LocationSample {
	return pkg.LocationSample{Coordinate: c, Accuracy: 10, Speed: speed, Timestamp: t0.Add(at)}
}

// dwellSession builds moving, then a slow run of n samples spaced step
// apart starting at start, then moving again
func dwellSession(c pkg.Coordinate, start time.Duration, n int, step time.Duration) []pkg.LocationSample {
	s := []pkg.LocationSample{sample(geo.Offset(c, 0, 500), 12, start-time.Minute)}
	s = append(s, sample(c, 0.2, start))
	for i := 1; i < n; i++ {
		s = append(s, sample(geo.Offset(c, float64(i*40), float64(i%3)+1), 0.2, start+time.Duration(i)*step))
	}
	return append(s, sample(geo.Offset(c, 180, 500), 12, start+time.Duration(n)*step))
}

func TestExtractDwellBoundary(t *testing.T) {
	cfg := ExtractorConfig{MaxSpeed: 1, MinDwell: 5 * time.Minute}
	c := pkg.Coordinate{Latitude: 10, Longitude: 20}

	tests := []struct {
		name string
		span time.Duration
		want int
	}{
		{"exactly min dwell", 5 * time.Minute, 1},
		{"one second short", 5*time.Minute - time.Second, 0},
		{"well past", 40 * time.Minute, 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			session := []pkg.LocationSample{
				sample(c, 0.5, 0),
				sample(c, 0.5, test.span/2),
				sample(c, 0.5, test.span),
				sample(c, 3, test.span+time.Second),
			}
			got := Extract(session, cfg)
			if len(got) != test.want {
				t.Fatalf("Extract() returned %d points; want %d", len(got), test.want)
			}
			if test.want == 1 && got[0].Duration != test.span {
				t.Errorf("Duration = %s; want %s", got[0].Duration, test.span)
			}
		})
	}
}

func TestExtractSpeedAtThresholdCloses(t *testing.T) {
	cfg := ExtractorConfig{MaxSpeed: 1, MinDwell: time.Minute}
	c := pkg.Coordinate{Latitude: 1, Longitude: 1}
	session := []pkg.LocationSample{
		sample(c, 0, 0),
		sample(c, 0, 2*time.Minute),
		sample(c, 1.0, 3*time.Minute), // not below max speed
		sample(c, 0, 4*time.Minute),
		sample(c, 0, 10*time.Minute),
	}

	got := Extract(session, cfg)
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].Duration != 2*time.Minute || got[1].Duration != 6*time.Minute {
		t.Errorf("unexpected durations %s, %s", got[0].Duration, got[1].Duration)
	}
}

func TestExtractUsesArrivalCoordinate(t *testing.T) {
	cfg := DefaultExtractorConfig()
	c := pkg.Coordinate{Latitude: 48.8566, Longitude: 2.3522}
	session := dwellSession(c, 0, 10, time.Minute)

	got := Extract(session, cfg)
	if len(got) != 1 {
		t.Fatalf("expected one point, got %d", len(got))
	}
	if got[0].Coordinate != session[1].Coordinate {
		t.Errorf("coordinate = %+v; want first slow sample %+v", got[0].Coordinate, session[1].Coordinate)
	}
	if !got[0].Start.Equal(session[1].Timestamp) {
		t.Errorf("start = %s; want %s", got[0].Start, session[1].Timestamp)
	}
	if !got[0].End().Equal(session[10].Timestamp) {
		t.Errorf("end = %s; want last slow sample %s", got[0].End(), session[10].Timestamp)
	}
}

func TestExtractUnknownSpeedCountsAsSlow(t *testing.T) {
	cfg := ExtractorConfig{MaxSpeed: 1, MinDwell: time.Minute}
	c := pkg.Coordinate{Latitude: 1, Longitude: 1}
	session := []pkg.LocationSample{
		sample(c, -1, 0),
		sample(c, -1, 2*time.Minute),
	}
	if got := Extract(session, cfg); len(got) != 1 {
		t.Errorf("expected unknown speed run to be kept, got %d points", len(got))
	}
}

func TestExtractRoundTrip(t *testing.T) {
	cfg := ExtractorConfig{MaxSpeed: 1, MinDwell: 10 * time.Minute}
	stops := []struct {
		at    pkg.Coordinate
		start time.Duration
		n     int
	}{
		{pkg.Coordinate{Latitude: 40.0, Longitude: -74.0}, time.Hour, 20},
		{pkg.Coordinate{Latitude: 40.1, Longitude: -74.1}, 3 * time.Hour, 45},
		{pkg.Coordinate{Latitude: 40.2, Longitude: -74.2}, 6 * time.Hour, 12},
	}

	var session []pkg.LocationSample
	for _, stop := range stops {
		session = append(session, dwellSession(stop.at, stop.start, stop.n, time.Minute)...)
	}

	got := Extract(session, cfg)
	if len(got) != len(stops) {
		t.Fatalf("expected %d points, got %d", len(stops), len(got))
	}
	for i, stop := range stops {
		if got[i].Coordinate != stop.at {
			t.Errorf("point %d coordinate = %+v; want %+v", i, got[i].Coordinate, stop.at)
		}
		want := time.Duration(stop.n-1) * time.Minute
		if got[i].Duration != want {
			t.Errorf("point %d duration = %s; want %s", i, got[i].Duration, want)
		}
	}
}

func TestExtractSessionsNeverCrossBoundary(t *testing.T) {
	cfg := ExtractorConfig{MaxSpeed: 1, MinDwell: 5 * time.Minute}
	c := pkg.Coordinate{Latitude: 5, Longitude: 5}

	// each half is too short alone
	sessions := [][]pkg.LocationSample{
		{sample(c, 0, 0), sample(c, 0, 3*time.Minute)},
		{sample(c, 0, 3*time.Minute+time.Second), sample(c, 0, 6*time.Minute)},
	}
	got, err := ExtractSessions(context.Background(), sessions, cfg)
	if err != nil {
		t.Fatalf("ExtractSessions() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no points, got %d", len(got))
	}
}

func TestExtractSessionsPreservesOrder(t *testing.T) {
	cfg := DefaultExtractorConfig()
	var sessions [][]pkg.LocationSample
	for i := 0; i < 12; i++ {
		c := pkg.Coordinate{Latitude: float64(i), Longitude: float64(i)}
		sessions = append(sessions, dwellSession(c, time.Duration(i)*time.Hour, 8, time.Minute))
	}

	got, err := ExtractSessions(context.Background(), sessions, cfg)
	if err != nil {
		t.Fatalf("ExtractSessions() error = %v", err)
	}
	if len(got) != len(sessions) {
		t.Fatalf("expected %d points, got %d", len(sessions), len(got))
	}
	for i, p := range got {
		if p.Coordinate.Latitude != float64(i) {
			t.Errorf("point %d out of order: %+v", i, p.Coordinate)
		}
	}
}

func TestExtractSessionsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sessions := [][]pkg.LocationSample{dwellSession(pkg.Coordinate{}, time.Hour, 10, time.Minute)}
	if _, err := ExtractSessions(ctx, sessions, DefaultExtractorConfig()); err == nil {
		t.Error("expected error from cancelled context")
	}
}
