package geocode

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/logx"
)

// ErrQueueStopped is returned by Run once the queue has been stopped
var ErrQueueStopped = errors.New("geocode queue stopped")

// Request asks for a name for one place
type Request struct {
	PlaceID    string
	Coordinate pkg.Coordinate
}

// ResultHandler receives successful lookups
type ResultHandler interface {
	ApplyGeocode(placeID, name, address string) error
}

// Observer is told the outcome of every lookup
type Observer interface {
	ObserveGeocode(result string)
}

// Config holds queue configuration
type Config struct {
	Interval      time.Duration `json:"interval"`
	LookupTimeout time.Duration `json:"lookup_timeout"`
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Interval:      250 * time.Millisecond,
		LookupTimeout: 10 * time.Second,
	}
}

// Queue is a FIFO of geocoding requests drained one per interval, so at
// most one lookup is ever outstanding. Failed lookups are dropped; the next
// periodic rescan enqueues the place again.
type Queue struct {
	config   Config
	geocoder Geocoder
	handler  ResultHandler
	observer Observer
	logger   *logx.Logger

	mu      sync.Mutex
	pending []Request
	queued  map[string]bool
	stopped bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewQueue creates a queue
func NewQueue(config Config, geocoder Geocoder, handler ResultHandler, logger *logx.Logger) *Queue {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = DefaultConfig().LookupTimeout
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &Queue{
		config:   config,
		geocoder: geocoder,
		handler:  handler,
		logger:   logger.With("component", "geocode"),
		queued:   make(map[string]bool),
		stop:     make(chan struct{}),
	}
}

// SetObserver registers a lookup outcome observer
func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = o
}

// Enqueue adds a request unless the place is already waiting
func (q *Queue) Enqueue(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.queued[req.PlaceID] {
		return false
	}
	q.pending = append(q.pending, req)
	q.queued[req.PlaceID] = true
	return true
}

// Len returns the number of waiting requests
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Request{}, false
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, req.PlaceID)
	return req, true
}

// Run drains the queue until ctx is cancelled or Stop is called
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.stop:
			return ErrQueueStopped
		case <-ticker.C:
			if req, ok := q.pop(); ok {
				q.lookup(ctx, req)
			}
		}
	}
}

// Stop ends Run and rejects further requests
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.pending = nil
		q.queued = make(map[string]bool)
		q.mu.Unlock()
		close(q.stop)
	})
}

func (q *Queue) lookup(ctx context.Context, req Request) {
	lctx, cancel := context.WithTimeout(ctx, q.config.LookupTimeout)
	defer cancel()

	res, err := q.geocoder.ReverseGeocode(lctx, req.Coordinate)
	switch {
	case errors.Is(err, ErrNoResult):
		q.observe("empty")
		q.logger.Debug("no geocoding result", "place_id", req.PlaceID)
		return
	case err != nil:
		q.observe("error")
		q.logger.Warn("geocoding failed", "place_id", req.PlaceID, "error", err)
		return
	}

	if err := q.handler.ApplyGeocode(req.PlaceID, res.Name, res.Address); err != nil {
		q.observe("error")
		q.logger.Warn("failed to apply geocoding result", "place_id", req.PlaceID, "error", err)
		return
	}
	q.observe("ok")
	q.logger.Debug("place geocoded", "place_id", req.PlaceID, "name", res.Name)
}

func (q *Queue) observe(result string) {
	q.mu.Lock()
	o := q.observer
	q.mu.Unlock()
	if o != nil {
		o.ObserveGeocode(result)
	}
}
