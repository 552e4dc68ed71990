package places

import (
	"time"

	"github.com/starfail/dwell/pkg"
)

// EventKind identifies a change to the place collection
type EventKind int

const (
	EventPlaceCreated EventKind = iota
	EventPlaceUpdated
	EventPlaceMerged
	EventVisitStarted
	EventVisitEnded
)

func (k EventKind) String() string {
	switch k {
	case EventPlaceCreated:
		return "place_created"
	case EventPlaceUpdated:
		return "place_updated"
	case EventPlaceMerged:
		return "place_merged"
	case EventVisitStarted:
		return "visit_started"
	case EventVisitEnded:
		return "visit_ended"
	default:
		return "unknown"
	}
}

// PlaceEvent carries a snapshot of the place after the change
type PlaceEvent struct {
	Kind  EventKind
	Place pkg.Place
	At    time.Time
}

// Listener receives place events after the registry lock is released
type Listener interface {
	OnPlaceEvent(PlaceEvent)
}

// ListenerFunc adapts a plain function into a Listener
type ListenerFunc func(PlaceEvent)

// OnPlaceEvent calls f(ev)
func (f ListenerFunc) OnPlaceEvent(ev PlaceEvent) {
	f(ev)
}
