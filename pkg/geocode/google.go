// Package geocode attaches names and street addresses to places through a
// rate limited reverse geocoding queue
package geocode

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/starfail/dwell/pkg"
)

// ErrNoResult is returned when the provider knows nothing about a position
var ErrNoResult = errors.New("no geocoding result")

// Result is a reverse geocoding answer
type Result struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Geocoder resolves a coordinate into a name and address
type Geocoder interface {
	ReverseGeocode(ctx context.Context, c pkg.Coordinate) (Result, error)
}

// mapsClient is the subset of *maps.Client we use
type mapsClient interface {
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// GoogleGeocoder uses the Google Maps Geocoding API
type GoogleGeocoder struct {
	client   mapsClient
	language string
}

// NewGoogleGeocoder creates a geocoder for the given API key
func NewGoogleGeocoder(apiKey, language string) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client, language: language}, nil
}

// ReverseGeocode returns the best result for c
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, c pkg.Coordinate) (Result, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: c.Latitude, Lng: c.Longitude},
		Language: g.language,
	})
	if err != nil {
		return Result{}, fmt.Errorf("reverse geocode %.6f,%.6f: %w", c.Latitude, c.Longitude, err)
	}
	if len(results) == 0 {
		return Result{}, ErrNoResult
	}
	return toResult(results[0]), nil
}

// namedTypes are component types that make a usable place name, in order
var namedTypes = []string{"point_of_interest", "establishment", "premise", "neighborhood", "route"}

func toResult(r maps.GeocodingResult) Result {
	out := Result{Address: r.FormattedAddress}
	for _, want := range namedTypes {
		for _, comp := range r.AddressComponents {
			if hasType(comp.Types, want) {
				out.Name = comp.LongName
				return out
			}
		}
	}
	return out
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
