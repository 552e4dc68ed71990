package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
	"github.com/starfail/dwell/pkg/telem"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type stubStatus struct{ st sampling.Status }

func (s stubStatus) Status() sampling.Status { return s.st }

type stubRebuilder struct {
	result places.BatchResult
	err    error
}

func (s stubRebuilder) Rebuild(context.Context) (places.BatchResult, error) { return s.result, s.err }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRegistry(t *testing.T) *places.Registry {
	t.Helper()
	r := places.NewRegistry(places.DefaultConfig(), nil)
	dep := t0.Add(time.Hour)
	r.Restore([]pkg.Place{
		{
			ID: "home", Coordinate: pkg.Coordinate{Latitude: 59.3, Longitude: 18.1}, Radius: 20,
			Category: pkg.CategoryHome, Confidence: 0.9,
			Visits:    []pkg.Visit{{Arrival: t0}},
			CreatedAt: t0, LastVisitedAt: t0,
		},
		{
			ID: "gym", Coordinate: pkg.Coordinate{Latitude: 59.31, Longitude: 18.12}, Radius: 15,
			Category: pkg.CategoryGym, Confidence: 0.6,
			Visits:    []pkg.Visit{{Arrival: t0.Add(-2 * time.Hour), Departure: &dep}},
			CreatedAt: t0, LastVisitedAt: t0,
		},
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	s := NewServer(Deps{Version: "1.0.0"}, nil)
	rec, _ := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.0.0"`)
}

func TestListPlaces(t *testing.T) {
	s := NewServer(Deps{Places: newRegistry(t)}, nil)

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/places", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Places []pkg.Place `json:"places"`
		Total  int         `json:"total"`
		Bounds *bounds     `json:"bounds"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 2, data.Total)
	assert.Equal(t, "home", data.Places[0].ID)
	require.NotNil(t, data.Bounds)
	assert.Equal(t, bounds{MinLat: 59.3, MinLon: 18.1, MaxLat: 59.31, MaxLon: 18.12}, *data.Bounds)

	_, env = do(t, s.Handler(), http.MethodGet, "/api/v1/places?category=gym", "")
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Equal(t, 1, data.Total)
	assert.Equal(t, "gym", data.Places[0].ID)

	rec, _ = do(t, s.Handler(), http.MethodGet, "/api/v1/places?category=castle", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPlacesEmptyHasNoBounds(t *testing.T) {
	s := NewServer(Deps{Places: places.NewRegistry(places.DefaultConfig(), nil)}, nil)

	_, env := do(t, s.Handler(), http.MethodGet, "/api/v1/places", "")
	assert.NotContains(t, string(env.Data), "bounds")
}

func TestStartReportsBindFailure(t *testing.T) {
	first := NewServer(Deps{}, nil)
	require.NoError(t, first.Start("127.0.0.1:0"))
	defer first.Stop(context.Background())

	resp, err := http.Get("http://" + first.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	second := NewServer(Deps{}, nil)
	assert.Error(t, second.Start(first.Addr()))
	assert.Empty(t, second.Addr())
}

func TestGetPlace(t *testing.T) {
	s := NewServer(Deps{Places: newRegistry(t)}, nil)

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/places/gym", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p pkg.Place
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, pkg.CategoryGym, p.Category)

	rec, env = do(t, s.Handler(), http.MethodGet, "/api/v1/places/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, env.Code)
}

func TestActivePlace(t *testing.T) {
	s := NewServer(Deps{Places: newRegistry(t)}, nil)

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/places/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p pkg.Place
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "home", p.ID)
}

func TestOverrideName(t *testing.T) {
	reg := newRegistry(t)
	s := NewServer(Deps{Places: reg}, nil)

	rec, env := do(t, s.Handler(), http.MethodPut, "/api/v1/places/gym/name", `{"name":"Climbing wall"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var p pkg.Place
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "Climbing wall", p.Name)
	assert.True(t, p.IsConfirmed)

	rec, _ = do(t, s.Handler(), http.MethodPut, "/api/v1/places/gym/name", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, s.Handler(), http.MethodPut, "/api/v1/places/nope/name", `{"name":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOverrideCategory(t *testing.T) {
	reg := newRegistry(t)
	s := NewServer(Deps{Places: reg}, nil)

	rec, _ := do(t, s.Handler(), http.MethodPut, "/api/v1/places/gym/category", `{"category":"work"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := reg.Place("gym")
	require.NoError(t, err)
	assert.Equal(t, pkg.CategoryWork, p.Category)
	assert.Equal(t, 1.0, p.Confidence)

	rec, _ = do(t, s.Handler(), http.MethodPut, "/api/v1/places/gym/category", `{"category":"castle"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSamplerStatus(t *testing.T) {
	st := sampling.Status{
		Tier:      sampling.FrequencyTier{MinStationaryDuration: 5 * time.Minute, Multiplier: 2, Label: "Reduced"},
		TierIndex: 1,
		Interval:  2 * time.Minute,
		LowPower:  true,
	}
	s := NewServer(Deps{Sampler: stubStatus{st: st}}, nil)

	rec, env := do(t, s.Handler(), http.MethodGet, "/api/v1/sampler", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Tier     string  `json:"tier"`
		Interval float64 `json:"interval_seconds"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "Reduced", data.Tier)
	assert.Equal(t, 120.0, data.Interval)
}

func TestRebuild(t *testing.T) {
	s := NewServer(Deps{Rebuilder: stubRebuilder{result: places.BatchResult{Created: 2, Merged: 1}}}, nil)
	rec, env := do(t, s.Handler(), http.MethodPost, "/api/v1/rebuild", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var result places.BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 2, result.Created)

	s = NewServer(Deps{Rebuilder: stubRebuilder{err: errors.New("boom")}}, nil)
	rec, _ = do(t, s.Handler(), http.MethodPost, "/api/v1/rebuild", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEvents(t *testing.T) {
	log := telem.NewStore(telem.Config{})
	for i := 0; i < 5; i++ {
		log.AddEvent(telem.Event{Timestamp: t0.Add(time.Duration(i) * time.Minute), Type: "visit_started"})
	}
	s := NewServer(Deps{Events: log}, nil)

	_, env := do(t, s.Handler(), http.MethodGet, "/api/v1/events?limit=2", "")
	var data struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 2, data.Total)

	rec, _ := do(t, s.Handler(), http.MethodGet, "/api/v1/events?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("dwell_places 2\n"))
	})
	s := NewServer(Deps{Metrics: metrics}, nil)

	rec, _ := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dwell_places 2")
}

func TestDisabledRoutes(t *testing.T) {
	s := NewServer(Deps{}, nil)
	rec, _ := do(t, s.Handler(), http.MethodGet, "/api/v1/places", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
