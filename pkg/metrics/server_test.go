package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
)

func TestObserveDecision(t *testing.T) {
	s := NewServer("test", nil)

	s.ObserveDecision(sampling.Decision{Emit: true, Reason: sampling.ReasonAccepted, TierIndex: 2, NextInterval: 4 * time.Minute})
	s.ObserveDecision(sampling.Decision{Reason: sampling.ReasonSpacing, TierIndex: 2, NextInterval: 4 * time.Minute})
	s.ObserveDecision(sampling.Decision{Reason: sampling.ReasonSpacing, TierIndex: 2, NextInterval: 4 * time.Minute})

	if got := testutil.ToFloat64(s.fixes.WithLabelValues(sampling.ReasonSpacing)); got != 2 {
		t.Errorf("spacing count = %v; want 2", got)
	}
	if got := testutil.ToFloat64(s.samplerInterval); got != 240 {
		t.Errorf("interval = %v; want 240", got)
	}
	if got := testutil.ToFloat64(s.samplerLowPower); got != 1 {
		t.Errorf("low power = %v; want 1", got)
	}

	s.ObserveDecision(sampling.Decision{Reason: sampling.ReasonAccepted, NextInterval: time.Minute})
	if got := testutil.ToFloat64(s.samplerLowPower); got != 0 {
		t.Errorf("low power after resuming = %v; want 0", got)
	}
}

func TestEventCounters(t *testing.T) {
	s := NewServer("test", nil)

	s.OnTierEvent(sampling.TierEvent{Kind: sampling.EventLowPowerEntered})
	s.OnPlaceEvent(places.PlaceEvent{Kind: places.EventPlaceCreated, Place: pkg.Place{ID: "p"}})
	s.OnPlaceEvent(places.PlaceEvent{Kind: places.EventVisitStarted, Place: pkg.Place{ID: "p"}})
	s.OnPlaceEvent(places.PlaceEvent{Kind: places.EventVisitStarted, Place: pkg.Place{ID: "p"}})
	s.ObserveGeocode("ok")
	s.SetPlaceCount(3)

	if got := testutil.ToFloat64(s.tierEvents.WithLabelValues("low_power_entered")); got != 1 {
		t.Errorf("low power events = %v", got)
	}
	if got := testutil.ToFloat64(s.placeEvents.WithLabelValues("visit_started")); got != 2 {
		t.Errorf("visit_started = %v", got)
	}
	if got := testutil.ToFloat64(s.geocodeLookups.WithLabelValues("ok")); got != 1 {
		t.Errorf("geocode ok = %v", got)
	}
	if got := testutil.ToFloat64(s.places); got != 3 {
		t.Errorf("places = %v", got)
	}
}

func TestObserveBatch(t *testing.T) {
	s := NewServer("test", nil)
	s.ObserveBatch(places.BatchResult{Created: 2, Merged: 1, Skipped: 4}, 30*time.Millisecond)

	if got := testutil.ToFloat64(s.batchPlaces.WithLabelValues("created")); got != 2 {
		t.Errorf("created = %v", got)
	}
	if got := testutil.ToFloat64(s.batchPlaces.WithLabelValues("skipped")); got != 4 {
		t.Errorf("skipped = %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	s := NewServer("1.2.3", nil)
	s.SetPlaceCount(5)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"dwell_places 5", `dwell_daemon_info{version="1.2.3"} 1`, "dwell_daemon_uptime_seconds"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	s := NewServer("test", nil)
	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStopWithoutStart(t *testing.T) {
	if err := NewServer("test", nil).Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	first := NewServer("test", nil)
	if err := first.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop()

	resp, err := http.Get("http://" + first.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d; want 200", resp.StatusCode)
	}

	second := NewServer("test", nil)
	if err := second.Start(first.Addr()); err == nil {
		second.Stop()
		t.Fatal("expected an error binding an address in use")
	}
}
