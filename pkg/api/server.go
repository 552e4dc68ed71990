// Package api serves the local HTTP API: place listing and overrides,
// sampler status, on-demand rebuilds, health and metrics
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/geo"
	"github.com/starfail/dwell/pkg/logx"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
	"github.com/starfail/dwell/pkg/telem"
)

// PlaceService is the registry surface the API needs
type PlaceService interface {
	Places() []pkg.Place
	Place(id string) (pkg.Place, error)
	ActivePlace() (pkg.Place, bool)
	OverrideName(id, name string) error
	OverrideCategory(id string, category pkg.Category) error
}

// StatusSource reports sampler state
type StatusSource interface {
	Status() sampling.Status
}

// Rebuilder runs the batch place rebuild on demand
type Rebuilder interface {
	Rebuild(ctx context.Context) (places.BatchResult, error)
}

// EventLog exposes recent engine events
type EventLog interface {
	GetEvents(limit int) []telem.Event
}

// Deps wires the API to the engine. Nil members disable their routes.
type Deps struct {
	Places    PlaceService
	Sampler   StatusSource
	Rebuilder Rebuilder
	Events    EventLog
	Metrics   http.Handler
	Version   string
}

// Server is the HTTP API server
type Server struct {
	deps     Deps
	logger   *logx.Logger
	router   *gin.Engine
	server   *http.Server
	listener net.Listener
}

// NewServer builds the router
func NewServer(deps Deps, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.Discard()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		logger: logger.With("component", "api"),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger(s.logger))
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.GET("/health", s.health)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := r.Group("/api/v1")
	if s.deps.Places != nil {
		p := v1.Group("/places")
		p.GET("", s.listPlaces)
		p.GET("/active", s.activePlace)
		p.GET("/:id", s.getPlace)
		p.PUT("/:id/name", s.setName)
		p.PUT("/:id/category", s.setCategory)
	}
	if s.deps.Sampler != nil {
		v1.GET("/sampler", s.samplerStatus)
	}
	if s.deps.Rebuilder != nil {
		v1.POST("/rebuild", s.rebuild)
	}
	if s.deps.Events != nil {
		v1.GET("/events", s.events)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Starting API server", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
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

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   s.deps.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// listPlaces handles GET /api/v1/places, optionally filtered by ?category=
func (s *Server) listPlaces(c *gin.Context) {
	all := s.deps.Places.Places()

	if raw := c.Query("category"); raw != "" {
		category := pkg.Category(raw)
		if !category.Valid() {
			badRequest(c, "unknown category "+raw)
			return
		}
		filtered := make([]pkg.Place, 0, len(all))
		for _, p := range all {
			if p.Category == category {
				filtered = append(filtered, p)
			}
		}
		all = filtered
	}

	resp := gin.H{"places": all, "total": len(all)}
	if len(all) > 0 {
		resp["bounds"] = boundsOf(all)
	}
	success(c, resp)
}

// bounds is the bounding box of a place listing
type bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

func boundsOf(list []pkg.Place) bounds {
	coords := make([]pkg.Coordinate, len(list))
	for i, p := range list {
		coords[i] = p.Coordinate
	}
	b := geo.Bound(coords)
	return bounds{
		MinLat: b.Min.Lat(),
		MinLon: b.Min.Lon(),
		MaxLat: b.Max.Lat(),
		MaxLon: b.Max.Lon(),
	}
}

func (s *Server) activePlace(c *gin.Context) {
	p, ok := s.deps.Places.ActivePlace()
	if !ok {
		notFound(c, "not at a known place")
		return
	}
	success(c, p)
}

func (s *Server) getPlace(c *gin.Context) {
	p, err := s.deps.Places.Place(c.Param("id"))
	if err != nil {
		s.placeError(c, err)
		return
	}
	success(c, p)
}

type nameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) setName(c *gin.Context) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name is required")
		return
	}

	id := c.Param("id")
	if err := s.deps.Places.OverrideName(id, req.Name); err != nil {
		s.placeError(c, err)
		return
	}
	s.getPlace(c)
}

type categoryRequest struct {
	Category string `json:"category" binding:"required"`
}

func (s *Server) setCategory(c *gin.Context) {
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "category is required")
		return
	}

	if err := s.deps.Places.OverrideCategory(c.Param("id"), pkg.Category(req.Category)); err != nil {
		s.placeError(c, err)
		return
	}
	s.getPlace(c)
}

func (s *Server) placeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, places.ErrPlaceNotFound):
		notFound(c, err.Error())
	case errors.Is(err, places.ErrInvalidCategory):
		badRequest(c, err.Error())
	default:
		_ = c.Error(err)
		internalError(c, "place operation failed")
	}
}

func (s *Server) samplerStatus(c *gin.Context) {
	st := s.deps.Sampler.Status()
	success(c, gin.H{
		"status":           st,
		"tier":             st.Tier.Label,
		"interval_seconds": st.Interval.Seconds(),
	})
}

func (s *Server) rebuild(c *gin.Context) {
	result, err := s.deps.Rebuilder.Rebuild(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		internalError(c, "rebuild failed")
		return
	}
	success(c, result)
}

func (s *Server) events(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events := s.deps.Events.GetEvents(limit)
	success(c, gin.H{"events": events, "total": len(events)})
}
