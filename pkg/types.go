package pkg

import (
	"sort"
	"time"
)

// Coordinate is a WGS84 position in decimal degrees
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// LocationSample is a single position fix from the platform
type LocationSample struct {
	Coordinate
	Accuracy  float64   `json:"accuracy_m"` // horizontal accuracy, negative if unknown
	Speed     float64   `json:"speed_mps"`  // negative if unknown
	Timestamp time.Time `json:"timestamp"`
}

// SpeedKnown reports whether the platform supplied a speed
func (s LocationSample) SpeedKnown() bool {
	return s.Speed >= 0
}

// Category is the semantic label attached to a place
type Category string

const (
	CategoryHome       Category = "home"
	CategoryWork       Category = "work"
	CategoryGym        Category = "gym"
	CategorySchool     Category = "school"
	CategoryRestaurant Category = "restaurant"
	CategoryShopping   Category = "shopping"
	CategoryOther      Category = "other"
)

// Categories lists every known category
var Categories = []Category{
	CategoryHome,
	CategoryWork,
	CategoryGym,
	CategorySchool,
	CategoryRestaurant,
	CategoryShopping,
	CategoryOther,
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Visit is a contiguous presence at a place
type Visit struct {
	Arrival   time.Time  `json:"arrival"`
	Departure *time.Time `json:"departure,omitempty"`
}

// IsOpen reports whether the visit is still in progress
func (v Visit) IsOpen() bool {
	return v.Departure == nil
}

// Duration returns the dwell time, measured up to now for open visits
func (v Visit) Duration(now time.Time) time.Duration {
	if v.Departure != nil {
		return v.Departure.Sub(v.Arrival)
	}
	return now.Sub(v.Arrival)
}

// End returns the departure time, or the zero time for open visits
func (v Visit) End() time.Time {
	if v.Departure == nil {
		return time.Time{}
	}
	return *v.Departure
}

// Place is a learned location the user repeatedly dwells at
type Place struct {
	ID            string     `json:"id"`
	Coordinate    Coordinate `json:"coordinate"`
	Radius        float64    `json:"radius_m"`
	Name          string     `json:"name,omitempty"`
	StreetAddress string     `json:"street_address,omitempty"`
	Category      Category   `json:"category"`
	Confidence    float64    `json:"confidence"`
	IsConfirmed   bool       `json:"is_confirmed"`
	Visits        []Visit    `json:"visits"`
	CreatedAt     time.Time  `json:"created_at"`
	LastVisitedAt time.Time  `json:"last_visited_at"`
}

// VisitCount returns the number of recorded visits
func (p *Place) VisitCount() int {
	return len(p.Visits)
}

// OpenVisit returns the in-progress visit, if any
func (p *Place) OpenVisit() *Visit {
	for i := len(p.Visits) - 1; i >= 0; i-- {
		if p.Visits[i].IsOpen() {
			return &p.Visits[i]
		}
	}
	return nil
}

// IsActive reports whether the user is currently at the place
func (p *Place) IsActive() bool {
	return p.OpenVisit() != nil
}

// SortVisits orders visits by arrival time
func (p *Place) SortVisits() {
	sort.SliceStable(p.Visits, func(i, j int) bool {
		return p.Visits[i].Arrival.Before(p.Visits[j].Arrival)
	})
}

// Clone returns a deep copy safe to hand to other goroutines
func (p *Place) Clone() Place {
	out := *p
	out.Visits = make([]Visit, len(p.Visits))
	for i, v := range p.Visits {
		out.Visits[i] = Visit{Arrival: v.Arrival}
		if v.Departure != nil {
			dep := *v.Departure
			out.Visits[i].Departure = &dep
		}
	}
	return out
}
