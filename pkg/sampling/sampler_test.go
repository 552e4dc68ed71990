package sampling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recorder struct {
	events []TierEvent
}

func (r *recorder) OnTierEvent(ev TierEvent) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

var home = pkg.Coordinate{Latitude: 59.3293, Longitude: 18.0686}

func fixAt(c pkg.Coordinate, clock *fakeClock) *pkg.LocationSample {
	return &pkg.LocationSample{Coordinate: c, Accuracy: 10, Speed: 0, Timestamp: clock.Now()}
}

func newTestSampler(t *testing.T, cfg Config) (*Sampler, *fakeClock, *recorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	s, err := NewSampler(cfg, nil, WithClock(clock.Now), WithListener(rec))
	require.NoError(t, err)
	s.Start()
	return s, clock, rec
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseInterval = 60 * time.Second
	cfg.MovementThreshold = 20
	cfg.Tiers = []FrequencyTier{
		{MinStationaryDuration: 0, Multiplier: 1, Label: "Normal"},
		{MinStationaryDuration: 60 * time.Second, Multiplier: 2, Label: "Reduced"},
		{MinStationaryDuration: 300 * time.Second, Multiplier: 8, Label: "Low"},
	}
	return cfg
}

func TestStationaryEscalatesToReducedTier(t *testing.T) {
	s, clock, _ := newTestSampler(t, scenarioConfig())

	s.OnTick(fixAt(home, clock)) // anchors the position
	clock.Advance(time.Second)
	d := s.OnTick(fixAt(home, clock)) // stationary episode starts here
	assert.Equal(t, "Normal", d.Tier.Label)

	clock.Advance(61 * time.Second)
	d = s.OnTick(fixAt(home, clock))

	assert.Equal(t, "Reduced", d.Tier.Label)
	assert.Equal(t, 120*time.Second, d.NextInterval)
	assert.Equal(t, 120*time.Second, s.Interval())
}

func TestRejectsInaccurateFix(t *testing.T) {
	s, clock, _ := newTestSampler(t, scenarioConfig())

	fix := fixAt(home, clock)
	fix.Accuracy = 250
	d := s.OnTick(fix)

	assert.False(t, d.Emit)
	assert.Equal(t, ReasonInaccurate, d.Reason)
	assert.Equal(t, 60*time.Second, d.NextInterval)
	assert.Nil(t, s.Status().LastSignificant, "inaccurate fix must not anchor the position")
}

func TestNoFixStillReschedules(t *testing.T) {
	s, _, _ := newTestSampler(t, scenarioConfig())

	d := s.OnTick(nil)
	assert.False(t, d.Emit)
	assert.Equal(t, ReasonNoFix, d.Reason)
	assert.Equal(t, 60*time.Second, d.NextInterval)
}

func TestMinimumEmissionSpacing(t *testing.T) {
	s, clock, _ := newTestSampler(t, scenarioConfig())

	d := s.OnTick(fixAt(home, clock))
	require.True(t, d.Emit)

	clock.Advance(30 * time.Second)
	d = s.OnTick(fixAt(home, clock))
	assert.False(t, d.Emit)
	assert.Equal(t, ReasonSpacing, d.Reason)

	// 0.9 of the 60s interval is enough
	clock.Advance(24 * time.Second)
	d = s.OnTick(fixAt(home, clock))
	assert.True(t, d.Emit)
}

func TestTierEventsAcrossEpisode(t *testing.T) {
	s, clock, rec := newTestSampler(t, scenarioConfig())

	s.OnTick(fixAt(home, clock))
	for i := 0; i < 12; i++ {
		clock.Advance(30 * time.Second)
		s.OnTick(fixAt(home, clock))
	}
	require.Equal(t, []EventKind{EventLowPowerEntered, EventTierChanged}, rec.kinds())
	assert.Equal(t, "Reduced", rec.events[0].Tier.Label)
	assert.Equal(t, "Normal", rec.events[0].Previous.Label)
	assert.Equal(t, "Low", rec.events[1].Tier.Label)

	// staying put must not repeat anything
	clock.Advance(10 * time.Minute)
	s.OnTick(fixAt(home, clock))
	assert.Len(t, rec.events, 2)

	clock.Advance(time.Minute)
	d := s.OnTick(fixAt(geo.Offset(home, 0, 200), clock))
	assert.Equal(t, 0, d.TierIndex)
	require.Len(t, rec.events, 3)
	assert.Equal(t, EventMovementResumed, rec.events[2].Kind)
	assert.Equal(t, "Low", rec.events[2].Previous.Label)

	// a second move while already at tier 0 is silent
	clock.Advance(time.Minute)
	s.OnTick(fixAt(geo.Offset(home, 0, 500), clock))
	assert.Len(t, rec.events, 3)
}

func TestLowPowerSignalledOncePerEpisode(t *testing.T) {
	s, clock, rec := newTestSampler(t, scenarioConfig())

	for episode := 0; episode < 2; episode++ {
		anchor := geo.Offset(home, 90, float64(episode)*1000)
		s.OnTick(fixAt(anchor, clock))
		for i := 0; i < 5; i++ {
			clock.Advance(30 * time.Second)
			s.OnTick(fixAt(anchor, clock))
		}
	}

	count := 0
	for _, k := range rec.kinds() {
		if k == EventLowPowerEntered {
			count++
		}
	}
	assert.Equal(t, 2, count)
	assert.Contains(t, rec.kinds(), EventMovementResumed)
}

func TestSmallJitterIsStationary(t *testing.T) {
	s, clock, _ := newTestSampler(t, scenarioConfig())

	s.OnTick(fixAt(home, clock))
	clock.Advance(time.Second)
	s.OnTick(fixAt(geo.Offset(home, 45, 15), clock))
	clock.Advance(2 * time.Minute)
	d := s.OnTick(fixAt(geo.Offset(home, 200, 10), clock))

	assert.Equal(t, "Reduced", d.Tier.Label)
}

func TestUnknownSpeedDoesNotDriveMovement(t *testing.T) {
	s, clock, _ := newTestSampler(t, scenarioConfig())

	s.OnTick(fixAt(home, clock))
	clock.Advance(time.Second)
	s.OnTick(fixAt(home, clock))
	clock.Advance(2 * time.Minute)

	fix := fixAt(home, clock)
	fix.Speed = -1
	d := s.OnTick(fix)
	assert.Equal(t, "Reduced", d.Tier.Label)

	fix = fixAt(home, clock)
	fix.Speed = 30 // fast but no displacement
	clock.Advance(time.Second)
	d = s.OnTick(fix)
	assert.Equal(t, "Reduced", d.Tier.Label)
}

func TestInaccurateFixStillEscalatesOnElapsedTime(t *testing.T) {
	s, clock, _ := newTestSampler(t, scenarioConfig())

	s.OnTick(fixAt(home, clock))
	clock.Advance(time.Second)
	s.OnTick(fixAt(home, clock))

	clock.Advance(90 * time.Second)
	bad := fixAt(geo.Offset(home, 0, 5000), clock)
	bad.Accuracy = 900
	d := s.OnTick(bad)

	assert.Equal(t, "Reduced", d.Tier.Label)
	assert.Equal(t, home, *s.Status().LastSignificant)
}

func TestSmartTrackingDisabled(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SmartTracking = false
	s, clock, rec := newTestSampler(t, cfg)

	for i := 0; i < 20; i++ {
		d := s.OnTick(fixAt(home, clock))
		assert.Equal(t, 0, d.TierIndex)
		assert.Equal(t, 60*time.Second, d.NextInterval)
		clock.Advance(time.Minute)
	}
	assert.Empty(t, rec.events)
}

func TestEmptyTierListSamplesAtConstantInterval(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Tiers = nil
	s, clock, rec := newTestSampler(t, cfg)

	s.OnTick(fixAt(home, clock))
	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Minute)
		d := s.OnTick(fixAt(home, clock))
		assert.Equal(t, 60*time.Second, d.NextInterval)
	}
	assert.Empty(t, rec.events)
}

func TestValidateTiers(t *testing.T) {
	tests := []struct {
		name  string
		tiers []FrequencyTier
		ok    bool
	}{
		{"defaults", DefaultTiers(), true},
		{"empty", nil, false},
		{"first tier offset", []FrequencyTier{{MinStationaryDuration: time.Second, Multiplier: 1}}, false},
		{"first tier multiplier", []FrequencyTier{{Multiplier: 2}}, false},
		{"duplicate duration", []FrequencyTier{{Multiplier: 1}, {MinStationaryDuration: time.Minute, Multiplier: 2}, {MinStationaryDuration: time.Minute, Multiplier: 4}}, false},
		{"decreasing multiplier", []FrequencyTier{{Multiplier: 1}, {MinStationaryDuration: time.Minute, Multiplier: 4}, {MinStationaryDuration: time.Hour, Multiplier: 2}}, false},
		{"flat multiplier", []FrequencyTier{{Multiplier: 1}, {MinStationaryDuration: time.Minute, Multiplier: 1}}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateTiers(test.tiers)
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTiers), "got %v", err)
			}
		})
	}
}

func TestNewSamplerRejectsBadConfig(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Tiers = []FrequencyTier{{Multiplier: 3}}
	_, err := NewSampler(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidTiers)

	cfg = scenarioConfig()
	cfg.BaseInterval = 0
	_, err = NewSampler(cfg, nil)
	assert.Error(t, err)
}

func TestSelectTierIsMonotonic(t *testing.T) {
	tiers := DefaultTiers()
	prev := 0
	for elapsed := time.Duration(0); elapsed <= 3*time.Hour; elapsed += 17 * time.Second {
		idx := SelectTier(tiers, elapsed)
		if idx < prev {
			t.Fatalf("tier dropped from %d to %d at %s", prev, idx, elapsed)
		}
		mult := tiers[idx].Multiplier
		if mult < tiers[prev].Multiplier {
			t.Fatalf("multiplier dropped at %s", elapsed)
		}
		prev = idx
	}
	assert.Equal(t, len(tiers)-1, prev)
}

type staticSource struct {
	fix pkg.LocationSample
}

func (s staticSource) Latest() (pkg.LocationSample, bool) { return s.fix, true }

func TestRunStopsOnCancel(t *testing.T) {
	s, err := NewSampler(scenarioConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	decisions := make(chan Decision, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx, staticSource{fix: pkg.LocationSample{Coordinate: home, Accuracy: 5}}, func(_ context.Context, d Decision) {
			select {
			case decisions <- d:
			default:
			}
		})
	}()

	select {
	case d := <-decisions:
		assert.True(t, d.Emit)
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never fired")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
