// Package engine wires the sampler, the place registry and their supporting
// services into one running daemon
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geocode"
	"github.com/starfail/dwell/pkg/gps"
	"github.com/starfail/dwell/pkg/logx"
	"github.com/starfail/dwell/pkg/metrics"
	"github.com/starfail/dwell/pkg/notifications"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/retry"
	"github.com/starfail/dwell/pkg/sampling"
	"github.com/starfail/dwell/pkg/telem"
)

// PlaceStore persists places
type PlaceStore interface {
	SavePlace(ctx context.Context, p pkg.Place) error
	LoadPlaces(ctx context.Context) ([]pkg.Place, error)
}

// Publisher forwards accepted fixes and place snapshots
type Publisher interface {
	PublishFix(ctx context.Context, fix pkg.LocationSample) error
	PublishPlace(ctx context.Context, place pkg.Place) error
	PublishStatus(ctx context.Context, status map[string]interface{}) error
}

// Config holds engine configuration
type Config struct {
	Extractor      gps.ExtractorConfig
	Clustering     gps.ClusteringConfig
	Location       *time.Location
	RebuildSpec    string
	RescanSpec     string
	CleanupSpec    string
	StatusSpec     string
	PublishTimeout time.Duration
	SaveQueueSize  int
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Extractor:      gps.DefaultExtractorConfig(),
		Clustering:     gps.DefaultClusteringConfig(),
		Location:       time.Local,
		PublishTimeout: 5 * time.Second,
		SaveQueueSize:  256,
	}
}

// Deps are the components the engine drives. Sampler, Registry and
// Telemetry are required; the rest are optional.
type Deps struct {
	Sampler   *sampling.Sampler
	Registry  *places.Registry
	Telemetry *telem.Store
	Store     PlaceStore
	Geocoder  *geocode.Queue
	Metrics   *metrics.Server
	Publisher Publisher
	Notifier  *notifications.Manager
}

// Engine runs the live pipeline: platform fix -> sampler -> registry,
// plus persistence, publishing and the periodic jobs
type Engine struct {
	config Config
	deps   Deps
	logger *logx.Logger
	runner *retry.Runner
	cron   *cron.Cron
	clock  func() time.Time

	saves chan pkg.Place

	mu     sync.Mutex
	latest *pkg.LocationSample
}

// New creates an engine and registers it as a listener on the sampler and
// the registry
func New(config Config, deps Deps, logger *logx.Logger) (*Engine, error) {
	if deps.Sampler == nil || deps.Registry == nil || deps.Telemetry == nil {
		return nil, errors.New("engine requires a sampler, a registry and a telemetry store")
	}
	if logger == nil {
		logger = logx.Discard()
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.SaveQueueSize <= 0 {
		config.SaveQueueSize = 256
	}

	e := &Engine{
		config: config,
		deps:   deps,
		logger: logger.With("component", "engine"),
		runner: retry.NewRunner(retry.DefaultConfig()),
		clock:  time.Now,
		saves:  make(chan pkg.Place, config.SaveQueueSize),
	}

	deps.Sampler.AddListener(e)
	deps.Registry.AddListener(e)
	if deps.Metrics != nil {
		deps.Sampler.AddListener(deps.Metrics)
		deps.Registry.AddListener(deps.Metrics)
		if deps.Geocoder != nil {
			deps.Geocoder.SetObserver(deps.Metrics)
		}
	}
	if deps.Notifier != nil {
		deps.Sampler.AddListener(deps.Notifier)
		deps.Registry.AddListener(deps.Notifier)
		deps.Notifier.AddSink(notifications.SinkFunc(e.logNotification))
	}

	c, err := e.buildSchedule()
	if err != nil {
		return nil, err
	}
	e.cron = c
	return e, nil
}

// HandleFix records the newest platform fix for the next sampler tick
func (e *Engine) HandleFix(fix pkg.LocationSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest != nil && fix.Timestamp.Before(e.latest.Timestamp) {
		return
	}
	e.latest = &fix
}

// Latest hands the newest fix received since the previous tick to the
// sampler. A fix is handed out only once.
func (e *Engine) Latest() (pkg.LocationSample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return pkg.LocationSample{}, false
	}
	fix := *e.latest
	e.latest = nil
	return fix, true
}

// Restore loads persisted places into the registry
func (e *Engine) Restore(ctx context.Context) error {
	if e.deps.Store == nil {
		return nil
	}
	stored, err := e.deps.Store.LoadPlaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to load places: %w", err)
	}
	e.deps.Registry.Restore(stored)
	if e.deps.Metrics != nil {
		e.deps.Metrics.SetPlaceCount(len(stored))
	}
	return nil
}

// onDecision handles the outcome of each sampler tick
func (e *Engine) onDecision(ctx context.Context, d sampling.Decision) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveDecision(d)
	}
	if !d.Emit {
		return
	}

	fix := d.Fix
	at := fix.Timestamp
	if at.IsZero() {
		at = e.clock()
		fix.Timestamp = at
	}

	e.deps.Telemetry.AddSample(fix)
	e.deps.Registry.ProcessSample(fix, at)

	if e.deps.Publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
		defer cancel()
		if err := e.deps.Publisher.PublishFix(pctx, fix); err != nil {
			e.logger.Warn("failed to publish fix", "error", err)
		}
	}
}

// OnTierEvent records sampler transitions in the event log
func (e *Engine) OnTierEvent(ev sampling.TierEvent) {
	e.deps.Telemetry.AddEvent(telem.Event{
		Timestamp: ev.At,
		Level:     "info",
		Type:      ev.Kind.String(),
		Message:   fmt.Sprintf("tier %s -> %s", ev.Previous.Label, ev.Tier.Label),
		Data: map[string]interface{}{
			"tier":     ev.Tier.Label,
			"interval": ev.Interval.String(),
		},
	})
}

// OnPlaceEvent queues changed places for persistence and publishing and asks
// for a name for new places
func (e *Engine) OnPlaceEvent(ev places.PlaceEvent) {
	e.deps.Telemetry.AddEvent(telem.Event{
		Timestamp: ev.At,
		Level:     "info",
		Type:      ev.Kind.String(),
		Message:   fmt.Sprintf("place %s %s", ev.Place.ID, ev.Kind),
		Data: map[string]interface{}{
			"place_id": ev.Place.ID,
			"category": string(ev.Place.Category),
			"visits":   ev.Place.VisitCount(),
		},
	})

	if e.deps.Metrics != nil && ev.Kind == places.EventPlaceCreated {
		e.deps.Metrics.SetPlaceCount(e.deps.Registry.Len())
	}

	if ev.Kind == places.EventPlaceCreated && ev.Place.Name == "" && !ev.Place.IsConfirmed && e.deps.Geocoder != nil {
		e.deps.Geocoder.Enqueue(geocode.Request{PlaceID: ev.Place.ID, Coordinate: ev.Place.Coordinate})
	}

	select {
	case e.saves <- ev.Place:
	default:
		e.logger.Warn("save queue full, place will be saved on its next change", "place_id", ev.Place.ID)
	}
}

// logNotification is the event log notification sink
func (e *Engine) logNotification(_ context.Context, n notifications.NotificationEvent) error {
	e.deps.Telemetry.AddEvent(telem.Event{
		Timestamp: n.Timestamp,
		Level:     "notice",
		Type:      "notification",
		Message:   n.Title + ": " + n.Message,
		Data:      map[string]interface{}{"type": string(n.Type)},
	})
	return nil
}

// persistLoop saves and publishes changed places until ctx is cancelled
func (e *Engine) persistLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drainSaves()
			return nil
		case p := <-e.saves:
			e.savePlace(ctx, p)
		}
	}
}

// drainSaves flushes pending saves on shutdown
func (e *Engine) drainSaves() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case p := <-e.saves:
			e.savePlace(ctx, p)
		default:
			return
		}
	}
}

func (e *Engine) savePlace(ctx context.Context, p pkg.Place) {
	if e.deps.Store != nil {
		err := e.runner.Do(ctx, func(ctx context.Context) error {
			return e.deps.Store.SavePlace(ctx, p)
		})
		if err != nil {
			e.logger.Error("failed to save place", "place_id", p.ID, "error", err)
		}
	}
	if e.deps.Publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, e.config.PublishTimeout)
		defer cancel()
		if err := e.deps.Publisher.PublishPlace(pctx, p); err != nil {
			e.logger.Warn("failed to publish place", "place_id", p.ID, "error", err)
		}
	}
}

// Rebuild reconstructs places from the buffered sessions and merges them
// into the registry
func (e *Engine) Rebuild(ctx context.Context) (places.BatchResult, error) {
	start := e.clock()

	sessions := e.deps.Telemetry.Sessions()
	points, err := gps.ExtractSessions(ctx, sessions, e.config.Extractor)
	if err != nil {
		return places.BatchResult{}, fmt.Errorf("stationary extraction failed: %w", err)
	}

	clusters := gps.Cluster(points, e.config.Clustering)
	result := e.deps.Registry.MergeBatch(clusters)
	took := e.clock().Sub(start)

	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveBatch(result, took)
		e.deps.Metrics.SetPlaceCount(e.deps.Registry.Len())
	}
	e.logger.Info("batch rebuild finished",
		"sessions", len(sessions),
		"stationary_points", len(points),
		"clusters", len(clusters),
		"created", result.Created,
		"merged", result.Merged,
		"skipped", result.Skipped,
		"took_ms", took.Milliseconds(),
	)
	return result, nil
}

// RescanUnnamed queues every unnamed place for reverse geocoding and returns
// how many were queued
func (e *Engine) RescanUnnamed() int {
	if e.deps.Geocoder == nil {
		return 0
	}
	queued := 0
	for _, p := range e.deps.Registry.UnnamedPlaces() {
		if e.deps.Geocoder.Enqueue(geocode.Request{PlaceID: p.ID, Coordinate: p.Coordinate}) {
			queued++
		}
	}
	if queued > 0 {
		e.logger.Info("queued unnamed places for geocoding", "count", queued)
	}
	return queued
}

// PublishStatus publishes a status snapshot
func (e *Engine) PublishStatus(ctx context.Context) error {
	if e.deps.Publisher == nil {
		return nil
	}
	status := map[string]interface{}{
		"sampler":   e.deps.Sampler.Status(),
		"places":    e.deps.Registry.Len(),
		"telemetry": e.deps.Telemetry.GetStats(),
	}
	if p, ok := e.deps.Registry.ActivePlace(); ok {
		status["active_place"] = p.ID
	}
	return e.deps.Publisher.PublishStatus(ctx, status)
}

// Run drives the engine until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// fixes from an earlier run never share a session with this one
	e.deps.Telemetry.StartSession(e.clock())
	g.Go(func() error {
		return e.deps.Sampler.Run(ctx, e, e.onDecision)
	})
	g.Go(func() error {
		return e.persistLoop(ctx)
	})
	if e.deps.Geocoder != nil {
		g.Go(func() error {
			err := e.deps.Geocoder.Run(ctx)
			if errors.Is(err, geocode.ErrQueueStopped) {
				return nil
			}
			return err
		})
	}
	if e.deps.Notifier != nil {
		g.Go(func() error {
			return e.deps.Notifier.Run(ctx)
		})
	}

	e.cron.Start()
	e.logger.Info("engine started", "jobs", len(e.cron.Entries()))

	err := g.Wait()
	<-e.cron.Stop().Done()
	if e.deps.Geocoder != nil {
		e.deps.Geocoder.Stop()
	}
	e.logger.Info("engine stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
