// Package metrics exposes sampler, place and geocoding counters to Prometheus
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starfail/dwell/pkg/logx"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
)

// Server provides Prometheus metrics for dwelld
type Server struct {
	registry *prometheus.Registry
	logger   *logx.Logger
	server   *http.Server
	listener net.Listener
	started  time.Time

	samplerTier     prometheus.Gauge
	samplerInterval prometheus.Gauge
	samplerLowPower prometheus.Gauge
	fixes           *prometheus.CounterVec
	tierEvents      *prometheus.CounterVec

	places        prometheus.Gauge
	placeEvents   *prometheus.CounterVec
	batchPlaces   *prometheus.CounterVec
	batchDuration prometheus.Histogram

	geocodeLookups *prometheus.CounterVec

	daemonUptime  prometheus.GaugeFunc
	daemonVersion *prometheus.GaugeVec
}

// NewServer creates a new metrics server with its own registry
func NewServer(version string, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.Discard()
	}
	s := &Server{
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),
		started:  time.Now(),
	}
	s.registerMetrics()
	s.daemonVersion.With(prometheus.Labels{"version": version}).Set(1)
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.samplerTier = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dwell_sampler_tier",
		Help: "Index of the current sampling tier (0 = base rate)",
	})
	s.samplerInterval = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dwell_sampler_interval_seconds",
		Help: "Interval until the next sampling tick",
	})
	s.samplerLowPower = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dwell_sampler_low_power",
		Help: "1 while the sampler runs below the base rate",
	})
	s.fixes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwell_fixes_total",
		Help: "Sampling ticks by outcome",
	}, []string{"result"})
	s.tierEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwell_tier_events_total",
		Help: "Tier transitions by kind",
	}, []string{"kind"})

	s.places = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dwell_places",
		Help: "Number of learned places",
	})
	s.placeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwell_place_events_total",
		Help: "Place registry events by kind",
	}, []string{"event"})
	s.batchPlaces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwell_batch_places_total",
		Help: "Clusters handled by batch rebuilds by outcome",
	}, []string{"outcome"})
	s.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dwell_batch_duration_seconds",
		Help:    "Duration of batch place rebuilds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	s.geocodeLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dwell_geocode_lookups_total",
		Help: "Reverse geocoding lookups by result",
	}, []string{"result"})

	s.daemonUptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dwell_daemon_uptime_seconds",
		Help: "Seconds since the daemon started",
	}, func() float64 { return time.Since(s.started).Seconds() })
	s.daemonVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dwell_daemon_info",
		Help: "Daemon build information",
	}, []string{"version"})

	s.registry.MustRegister(
		s.samplerTier,
		s.samplerInterval,
		s.samplerLowPower,
		s.fixes,
		s.tierEvents,
		s.places,
		s.placeEvents,
		s.batchPlaces,
		s.batchDuration,
		s.geocodeLookups,
		s.daemonUptime,
		s.daemonVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry exposes the underlying registry, mainly for tests
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveDecision records the outcome of one sampling tick
func (s *Server) ObserveDecision(d sampling.Decision) {
	s.fixes.With(prometheus.Labels{"result": d.Reason}).Inc()
	s.samplerTier.Set(float64(d.TierIndex))
	s.samplerInterval.Set(d.NextInterval.Seconds())
	if d.TierIndex > 0 {
		s.samplerLowPower.Set(1)
	} else {
		s.samplerLowPower.Set(0)
	}
}

// OnTierEvent counts tier transitions
func (s *Server) OnTierEvent(ev sampling.TierEvent) {
	s.tierEvents.With(prometheus.Labels{"kind": ev.Kind.String()}).Inc()
}

// OnPlaceEvent counts registry events
func (s *Server) OnPlaceEvent(ev places.PlaceEvent) {
	s.placeEvents.With(prometheus.Labels{"event": ev.Kind.String()}).Inc()
}

// SetPlaceCount records the current number of places
func (s *Server) SetPlaceCount(n int) {
	s.places.Set(float64(n))
}

// ObserveGeocode counts a lookup outcome
func (s *Server) ObserveGeocode(result string) {
	s.geocodeLookups.With(prometheus.Labels{"result": result}).Inc()
}

// ObserveBatch records a batch rebuild
func (s *Server) ObserveBatch(result places.BatchResult, took time.Duration) {
	s.batchPlaces.With(prometheus.Labels{"outcome": "created"}).Add(float64(result.Created))
	s.batchPlaces.With(prometheus.Labels{"outcome": "merged"}).Add(float64(result.Merged))
	s.batchPlaces.With(prometheus.Labels{"outcome": "unchanged"}).Add(float64(result.Unchanged))
	s.batchPlaces.With(prometheus.Labels{"outcome": "skipped"}).Add(float64(result.Skipped))
	s.batchDuration.Observe(took.Seconds())
}

// Start binds addr and serves /metrics and /health in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting metrics server", "addr", ln.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// healthHandler provides a simple health check endpoint
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}
