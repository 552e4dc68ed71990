// Package sampling decides when a location fix is worth emitting and how
// long to wait before asking for the next one
package sampling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
	"github.com/starfail/dwell/pkg/logx"
)

// emissionSlack lets a fix through slightly early so timer jitter does not
// skip a whole interval
const emissionSlack = 0.9

// Config holds sampler configuration
type Config struct {
	BaseInterval      time.Duration   `json:"base_interval"`
	MinimumAccuracy   float64         `json:"minimum_accuracy_m"`
	MovementThreshold float64         `json:"movement_threshold_m"`
	SmartTracking     bool            `json:"smart_tracking"`
	Tiers             []FrequencyTier `json:"tiers"`
}

// DefaultConfig returns the stock sampler configuration
func DefaultConfig() Config {
	return Config{
		BaseInterval:      60 * time.Second,
		MinimumAccuracy:   100,
		MovementThreshold: 20,
		SmartTracking:     true,
		Tiers:             DefaultTiers(),
	}
}

// Reason values carried by a Decision
const (
	ReasonAccepted   = "accepted"
	ReasonNoFix      = "no_fix"
	ReasonInaccurate = "inaccurate"
	ReasonSpacing    = "spacing"
)

// Decision is the outcome of one tick
type Decision struct {
	Emit         bool
	Fix          pkg.LocationSample
	Reason       string
	Tier         FrequencyTier
	TierIndex    int
	NextInterval time.Duration
}

// Status is a point-in-time snapshot of the sampler
type Status struct {
	Tier            FrequencyTier   `json:"tier"`
	TierIndex       int             `json:"tier_index"`
	Interval        time.Duration   `json:"interval"`
	LowPower        bool            `json:"low_power"`
	StationarySince *time.Time      `json:"stationary_since,omitempty"`
	LastSignificant *pkg.Coordinate `json:"last_significant,omitempty"`
	LastEmission    *time.Time      `json:"last_emission,omitempty"`
}

// FixSource supplies the most recent platform fix
type FixSource interface {
	Latest() (pkg.LocationSample, bool)
}

// DecisionHandler is invoked once per tick by Run
type DecisionHandler func(ctx context.Context, d Decision)

// Option configures a Sampler
type Option func(*Sampler)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(s *Sampler) { s.clock = clock }
}

// WithListener registers a tier listener at construction
func WithListener(l Listener) Option {
	return func(s *Sampler) { s.listeners = append(s.listeners, l) }
}

// Sampler throttles location fixes based on how long the device has been
// stationary
type Sampler struct {
	mu        sync.Mutex
	config    Config
	logger    *logx.Logger
	clock     func() time.Time
	listeners []Listener

	tierIndex       int
	stationarySince *time.Time
	lastSignificant *pkg.Coordinate
	lastEmission    time.Time
	lowPower        bool
	interval        time.Duration
}

// NewSampler creates a sampler. An empty tier table degrades to constant
// interval sampling; any other table must pass ValidateTiers.
func NewSampler(config Config, logger *logx.Logger, opts ...Option) (*Sampler, error) {
	if logger == nil {
		logger = logx.Discard()
	}
	logger = logger.With("component", "sampler")

	if len(config.Tiers) == 0 {
		logger.Warn("no frequency tiers configured, sampling at a constant interval")
		config.Tiers = []FrequencyTier{{MinStationaryDuration: 0, Multiplier: 1, Label: "Normal"}}
	}
	if err := ValidateTiers(config.Tiers); err != nil {
		return nil, err
	}
	if config.BaseInterval <= 0 {
		return nil, fmt.Errorf("base interval must be positive, got %s", config.BaseInterval)
	}

	s := &Sampler{
		config:   config,
		logger:   logger,
		clock:    time.Now,
		interval: config.BaseInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddListener registers a tier listener
func (s *Sampler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start resets the sampler to the base tier
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tierIndex = 0
	s.stationarySince = nil
	s.lastSignificant = nil
	s.lastEmission = time.Time{}
	s.lowPower = false
	s.interval = s.config.BaseInterval
	s.logger.Info("sampler started", "base_interval", s.config.BaseInterval.String(), "smart_tracking", s.config.SmartTracking)
}

// OnTick evaluates the latest fix. A nil fix means the platform had none.
func (s *Sampler) OnTick(fix *pkg.LocationSample) Decision {
	s.mu.Lock()
	now := s.clock()
	prev := s.tierIndex

	usable := fix != nil && fix.Accuracy >= 0 && fix.Accuracy <= s.config.MinimumAccuracy
	if s.config.SmartTracking {
		if usable {
			s.observeMovement(fix.Coordinate, now)
		} else {
			s.advanceStationary(now)
		}
	}

	events := s.transitionEvents(prev, now)

	tier := s.config.Tiers[s.tierIndex]
	interval := s.intervalFor(tier)
	s.interval = interval

	d := Decision{Tier: tier, TierIndex: s.tierIndex, NextInterval: interval}
	switch {
	case fix == nil:
		d.Reason = ReasonNoFix
	case !usable:
		d.Reason = ReasonInaccurate
		d.Fix = *fix
	case !s.lastEmission.IsZero() && now.Sub(s.lastEmission) < time.Duration(float64(interval)*emissionSlack):
		d.Reason = ReasonSpacing
		d.Fix = *fix
	default:
		d.Emit = true
		d.Reason = ReasonAccepted
		d.Fix = *fix
		s.lastEmission = now
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.OnTierEvent(ev)
		}
	}
	return d
}

// observeMovement updates the stationary episode from a trustworthy fix
func (s *Sampler) observeMovement(c pkg.Coordinate, now time.Time) {
	if s.lastSignificant == nil {
		s.lastSignificant = &c
		s.stationarySince = nil
		s.tierIndex = 0
		return
	}

	if geo.Distance(*s.lastSignificant, c) > s.config.MovementThreshold {
		s.lastSignificant = &c
		s.stationarySince = nil
		s.tierIndex = 0
		return
	}

	if s.stationarySince == nil {
		since := now
		s.stationarySince = &since
	}
	s.advanceStationary(now)
}

// advanceStationary escalates the tier from elapsed stationary time only.
// Tiers never drop within an episode.
func (s *Sampler) advanceStationary(now time.Time) {
	if s.stationarySince == nil {
		return
	}
	if idx := SelectTier(s.config.Tiers, now.Sub(*s.stationarySince)); idx > s.tierIndex {
		s.tierIndex = idx
	}
}

func (s *Sampler) transitionEvents(prev int, now time.Time) []TierEvent {
	cur := s.tierIndex
	if cur == prev {
		return nil
	}

	ev := TierEvent{
		Tier:     s.config.Tiers[cur],
		Previous: s.config.Tiers[prev],
		Interval: s.intervalFor(s.config.Tiers[cur]),
		At:       now,
	}
	if s.lastSignificant != nil {
		loc := *s.lastSignificant
		ev.Location = &loc
	}

	switch {
	case prev == 0 && !s.lowPower:
		s.lowPower = true
		ev.Kind = EventLowPowerEntered
	case cur == 0 && s.lowPower:
		s.lowPower = false
		ev.Kind = EventMovementResumed
	case cur == 0:
		return nil
	default:
		ev.Kind = EventTierChanged
	}

	s.logger.LogStateChange("sampler", ev.Previous.Label, ev.Tier.Label, ev.Kind.String(), map[string]interface{}{
		"interval": ev.Interval.String(),
	})
	return []TierEvent{ev}
}

func (s *Sampler) intervalFor(tier FrequencyTier) time.Duration {
	return time.Duration(float64(s.config.BaseInterval) * tier.Multiplier)
}

// Interval returns the interval chosen by the last tick
func (s *Sampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Status returns a snapshot of the sampler state
func (s *Sampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Tier:      s.config.Tiers[s.tierIndex],
		TierIndex: s.tierIndex,
		Interval:  s.interval,
		LowPower:  s.lowPower,
	}
	if s.stationarySince != nil {
		since := *s.stationarySince
		st.StationarySince = &since
	}
	if s.lastSignificant != nil {
		loc := *s.lastSignificant
		st.LastSignificant = &loc
	}
	if !s.lastEmission.IsZero() {
		last := s.lastEmission
		st.LastEmission = &last
	}
	return st
}

// Run drives the sampler from source until ctx is cancelled, rescheduling
// itself at whatever interval each tick chooses
func (s *Sampler) Run(ctx context.Context, source FixSource, handle DecisionHandler) error {
	s.Start()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sampler stopped")
			return ctx.Err()
		case <-timer.C:
			var fix *pkg.LocationSample
			if latest, ok := source.Latest(); ok {
				fix = &latest
			}
			d := s.OnTick(fix)
			if handle != nil {
				handle(ctx, d)
			}
			timer.Reset(d.NextInterval)
		}
	}
}
