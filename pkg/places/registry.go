// Package places owns the learned place collection: live arrival and
// departure detection, batch merging and categorization
package places

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
	"github.com/starfail/dwell/pkg/logx"
)

var (
	// ErrPlaceNotFound is returned for unknown place ids
	ErrPlaceNotFound = errors.New("place not found")
	// ErrInvalidCategory is returned when overriding with an unknown category
	ErrInvalidCategory = errors.New("invalid category")
)

// nearbyFactor widens the grid cell when matching a live sample to a place
const nearbyFactor = 1.5

// Config holds registry configuration
type Config struct {
	MaxSpeed            float64          `json:"max_speed_mps"`
	MinDwell            time.Duration    `json:"min_dwell"`
	GridCellSize        float64          `json:"grid_cell_size_m"`
	MinStationaryPoints int              `json:"min_stationary_points"`
	MinVisitsForPlace   int              `json:"min_visits_for_place"`
	MinVisitsForMerge   int              `json:"min_visits_for_merge"`
	MinRadius           float64          `json:"min_radius_m"`
	Classifier          ClassifierConfig `json:"classifier"`
}

// DefaultConfig returns the stock registry configuration
func DefaultConfig() Config {
	return Config{
		MaxSpeed:            1.0,
		MinDwell:            5 * time.Minute,
		GridCellSize:        100,
		MinStationaryPoints: 3,
		MinVisitsForPlace:   2,
		MinVisitsForMerge:   1,
		MinRadius:           10,
		Classifier:          DefaultClassifierConfig(),
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithIDGenerator overrides place id generation
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithClock overrides the time source used for batch and override events
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithListener registers a listener at construction
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// pendingAnchor is a candidate place that has not met the dwell thresholds yet
type pendingAnchor struct {
	coord  pkg.Coordinate
	since  time.Time
	points int
}

func (a *pendingAnchor) ready(now time.Time, cfg Config) bool {
	return now.Sub(a.since) >= cfg.MinDwell && a.points >= cfg.MinStationaryPoints
}

// Registry is the single writer of the place collection. Every mutation
// runs under mu; listeners are called after it is released.
type Registry struct {
	mu         sync.Mutex
	config     Config
	logger     *logx.Logger
	classifier *Classifier
	newID      func() string
	clock      func() time.Time
	listeners  []Listener

	places  []*pkg.Place
	pending *pendingAnchor
}

// NewRegistry creates an empty registry
func NewRegistry(config Config, logger *logx.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logx.Discard()
	}
	r := &Registry{
		config:     config,
		logger:     logger.With("component", "places"),
		classifier: NewClassifier(config.Classifier),
		newID:      uuid.NewString,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener registers a place listener
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) dispatch(events []PlaceEvent) {
	if len(events) == 0 {
		return
	}
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l.OnPlaceEvent(ev)
		}
	}
}

func (r *Registry) event(kind EventKind, p *pkg.Place, at time.Time) PlaceEvent {
	return PlaceEvent{Kind: kind, Place: p.Clone(), At: at}
}

// ProcessSample feeds one live fix through arrival and departure detection
func (r *Registry) ProcessSample(fix pkg.LocationSample, now time.Time) {
	r.mu.Lock()
	var events []PlaceEvent
	if fix.Speed < r.config.MaxSpeed {
		events = r.handleStationary(fix.Coordinate, now)
	} else {
		events = r.handleMoving(now)
	}
	r.mu.Unlock()

	r.dispatch(events)
}

func (r *Registry) handleStationary(c pkg.Coordinate, now time.Time) []PlaceEvent {
	if p := r.nearestLocked(c, r.config.GridCellSize*nearbyFactor); p != nil {
		r.pending = nil
		return r.arriveLocked(p, now)
	}

	if r.pending == nil || geo.Distance(r.pending.coord, c) > r.config.GridCellSize {
		if r.pending != nil {
			r.logger.Debug("pending anchor abandoned", "points", r.pending.points)
		}
		r.pending = &pendingAnchor{coord: c, since: now, points: 1}
		return nil
	}

	r.pending.points++
	if !r.pending.ready(now, r.config) {
		return nil
	}
	_, events := r.materializeLocked(now)
	return events
}

func (r *Registry) handleMoving(now time.Time) []PlaceEvent {
	var events []PlaceEvent
	if r.pending != nil && r.pending.ready(now, r.config) {
		_, events = r.materializeLocked(now)
	}
	r.pending = nil

	for _, p := range r.places {
		events = append(events, r.departLocked(p, now)...)
	}
	return events
}

// arriveLocked opens a visit at p unless one is already open
func (r *Registry) arriveLocked(p *pkg.Place, at time.Time) []PlaceEvent {
	if p.IsActive() {
		return nil
	}
	events := r.closeOthersLocked(p, at)

	p.Visits = append(p.Visits, pkg.Visit{Arrival: at})
	p.SortVisits()
	if at.After(p.LastVisitedAt) {
		p.LastVisitedAt = at
	}
	r.logger.Info("visit started", "place_id", p.ID, "name", p.Name)
	return append(events, r.event(EventVisitStarted, p, at))
}

// departLocked closes the open visit at p, if any
func (r *Registry) departLocked(p *pkg.Place, at time.Time) []PlaceEvent {
	open := p.OpenVisit()
	if open == nil {
		return nil
	}
	dep := at
	if dep.Before(open.Arrival) {
		dep = open.Arrival
	}
	open.Departure = &dep
	if at.After(p.LastVisitedAt) {
		p.LastVisitedAt = at
	}
	r.categorizeLocked(p)
	r.logger.Info("visit ended", "place_id", p.ID, "dwell", dep.Sub(open.Arrival).String())
	return []PlaceEvent{r.event(EventVisitEnded, p, at)}
}

// closeOthersLocked ends open visits everywhere except keep
func (r *Registry) closeOthersLocked(keep *pkg.Place, at time.Time) []PlaceEvent {
	var events []PlaceEvent
	for _, p := range r.places {
		if p != keep {
			events = append(events, r.departLocked(p, at)...)
		}
	}
	return events
}

// materializeLocked turns the pending anchor into a place, or into a visit
// at an existing place that appeared inside the anchor's cell meanwhile
func (r *Registry) materializeLocked(now time.Time) (*pkg.Place, []PlaceEvent) {
	anchor := r.pending
	r.pending = nil

	if existing := r.nearestLocked(anchor.coord, r.config.GridCellSize); existing != nil {
		return existing, r.arriveLocked(existing, anchor.since)
	}

	candidate := r.newPlaceFromAnchor(anchor, now)
	target, events := r.upsertLocked(candidate, 0, 0, now)
	if target != nil && target.IsActive() {
		events = append(r.closeOthersLocked(target, anchor.since), events...)
	}
	return target, events
}

// nearestLocked returns the closest place within maxDistance meters
func (r *Registry) nearestLocked(c pkg.Coordinate, maxDistance float64) *pkg.Place {
	var best *pkg.Place
	bestDist := math.MaxFloat64
	for _, p := range r.places {
		d := geo.Distance(p.Coordinate, c)
		if d <= maxDistance && d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

func (r *Registry) findLocked(id string) *pkg.Place {
	for _, p := range r.places {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// categorizeLocked reapplies the classifier unless the user confirmed the place
func (r *Registry) categorizeLocked(p *pkg.Place) bool {
	if p.IsConfirmed {
		return false
	}
	c := r.classifier.Classify(p.Visits, p.Name)
	if c.Category == p.Category && c.Confidence == p.Confidence {
		return false
	}
	if c.Category != p.Category {
		r.logger.LogStateChange("places", string(p.Category), string(c.Category), c.Reason, map[string]interface{}{
			"place_id":   p.ID,
			"confidence": c.Confidence,
		})
	}
	p.Category = c.Category
	p.Confidence = c.Confidence
	return true
}

// OverrideName sets a user supplied name and latches the place as confirmed
func (r *Registry) OverrideName(id, name string) error {
	r.mu.Lock()
	p := r.findLocked(id)
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlaceNotFound, id)
	}
	p.Name = name
	p.IsConfirmed = true
	ev := r.event(EventPlaceUpdated, p, r.clock())
	r.mu.Unlock()

	r.dispatch([]PlaceEvent{ev})
	return nil
}

// OverrideCategory sets a user supplied category and latches the place as confirmed
func (r *Registry) OverrideCategory(id string, category pkg.Category) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}

	r.mu.Lock()
	p := r.findLocked(id)
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlaceNotFound, id)
	}
	p.Category = category
	p.Confidence = 1.0
	p.IsConfirmed = true
	ev := r.event(EventPlaceUpdated, p, r.clock())
	r.mu.Unlock()

	r.dispatch([]PlaceEvent{ev})
	return nil
}

// ApplyGeocode records a reverse geocoding result. The street address is
// always stored; the name only fills an empty name on an unconfirmed place.
func (r *Registry) ApplyGeocode(id, name, address string) error {
	r.mu.Lock()
	p := r.findLocked(id)
	if p == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlaceNotFound, id)
	}

	changed := false
	if address != "" && address != p.StreetAddress {
		p.StreetAddress = address
		changed = true
	}
	if name != "" && p.Name == "" && !p.IsConfirmed {
		p.Name = name
		r.categorizeLocked(p)
		changed = true
	}

	var events []PlaceEvent
	if changed {
		events = append(events, r.event(EventPlaceUpdated, p, r.clock()))
	}
	r.mu.Unlock()

	r.dispatch(events)
	return nil
}

// Restore replaces the collection with previously persisted places
func (r *Registry) Restore(places []pkg.Place) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.places = make([]*pkg.Place, 0, len(places))
	for i := range places {
		p := places[i].Clone()
		if p.Radius < r.config.MinRadius {
			p.Radius = r.config.MinRadius
		}
		p.SortVisits()
		r.places = append(r.places, &p)
	}
	r.pending = nil
	r.logger.Info("places restored", "count", len(r.places))
}

// Places returns snapshots of every place in creation order
func (r *Registry) Places() []pkg.Place {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]pkg.Place, len(r.places))
	for i, p := range r.places {
		out[i] = p.Clone()
	}
	return out
}

// Place returns a snapshot of one place
func (r *Registry) Place(id string) (pkg.Place, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(id)
	if p == nil {
		return pkg.Place{}, fmt.Errorf("%w: %s", ErrPlaceNotFound, id)
	}
	return p.Clone(), nil
}

// ActivePlace returns the place with an open visit, if any
func (r *Registry) ActivePlace() (pkg.Place, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.places {
		if p.IsActive() {
			return p.Clone(), true
		}
	}
	return pkg.Place{}, false
}

// UnnamedPlaces returns places still waiting for a geocoded name
func (r *Registry) UnnamedPlaces() []pkg.Place {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []pkg.Place
	for _, p := range r.places {
		if p.Name == "" && !p.IsConfirmed {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Len returns the number of places
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.places)
}
