package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
)

// PlaceSummary is the part of a place that travels with a notification
type PlaceSummary struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Address   string       `json:"address,omitempty"`
	Category  pkg.Category `json:"category"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
	Visits    int          `json:"visits"`
}

// NotificationEvent represents a notification event
type NotificationEvent struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  int                    `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
	Place     *PlaceSummary          `json:"place,omitempty"`
	Tier      string                 `json:"tier,omitempty"`
	Interval  time.Duration          `json:"interval,omitempty"`
	Duration  time.Duration          `json:"duration,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EventBuilder turns engine events into notification events
type EventBuilder struct {
	now func() time.Time
}

// NewEventBuilder creates a new event builder
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{now: time.Now}
}

func summarize(p pkg.Place) *PlaceSummary {
	return &PlaceSummary{
		ID:        p.ID,
		Name:      p.Name,
		Address:   p.StreetAddress,
		Category:  p.Category,
		Latitude:  p.Coordinate.Latitude,
		Longitude: p.Coordinate.Longitude,
		Visits:    p.VisitCount(),
	}
}

func displayName(p pkg.Place) string {
	switch {
	case p.Name != "":
		return p.Name
	case p.StreetAddress != "":
		return p.StreetAddress
	default:
		return fmt.Sprintf("%.5f, %.5f", p.Coordinate.Latitude, p.Coordinate.Longitude)
	}
}

// PlaceEvent builds a notification for a registry event. Plain updates
// produce nil.
func (eb *EventBuilder) PlaceEvent(ev places.PlaceEvent) *NotificationEvent {
	at := ev.At
	if at.IsZero() {
		at = eb.now()
	}
	name := displayName(ev.Place)

	out := &NotificationEvent{
		Timestamp: at,
		Place:     summarize(ev.Place),
		Details:   map[string]interface{}{"category": string(ev.Place.Category)},
	}

	switch ev.Kind {
	case places.EventPlaceCreated:
		out.Type = NotificationPlaceCreated
		out.Title = "New place"
		out.Message = fmt.Sprintf("Learned a new place at %s (radius %.0f m)", name, ev.Place.Radius)
	case places.EventPlaceMerged:
		out.Type = NotificationPlaceMerged
		out.Title = "Place updated"
		out.Message = fmt.Sprintf("Merged new visits into %s, %d visits total", name, ev.Place.VisitCount())
	case places.EventVisitStarted:
		out.Type = NotificationVisitStarted
		out.Title = "Arrived"
		out.Message = fmt.Sprintf("Arrived at %s", name)
	case places.EventVisitEnded:
		out.Type = NotificationVisitEnded
		out.Title = "Left"
		var msg strings.Builder
		msg.WriteString(fmt.Sprintf("Left %s", name))
		if n := len(ev.Place.Visits); n > 0 {
			// the closed visit is the one that ended at ev.At
			for i := n - 1; i >= 0; i-- {
				v := ev.Place.Visits[i]
				if v.Departure != nil && v.Departure.Equal(ev.At) {
					out.Duration = v.Departure.Sub(v.Arrival)
					msg.WriteString(fmt.Sprintf(" after %s", out.Duration.Round(time.Minute)))
					break
				}
			}
		}
		out.Message = msg.String()
	default:
		return nil
	}

	out.Priority = priorityFor(out.Type)
	return out
}

// TierEvent builds a notification for a sampler tier transition
func (eb *EventBuilder) TierEvent(ev sampling.TierEvent) *NotificationEvent {
	at := ev.At
	if at.IsZero() {
		at = eb.now()
	}

	out := &NotificationEvent{
		Timestamp: at,
		Tier:      ev.Tier.Label,
		Interval:  ev.Interval,
		Details: map[string]interface{}{
			"previous_tier": ev.Previous.Label,
			"multiplier":    ev.Tier.Multiplier,
		},
	}
	if ev.Location != nil {
		out.Details["latitude"] = ev.Location.Latitude
		out.Details["longitude"] = ev.Location.Longitude
	}

	switch ev.Kind {
	case sampling.EventLowPowerEntered:
		out.Type = NotificationLowPower
		out.Title = "Low power tracking"
		out.Message = fmt.Sprintf("Stationary, sampling every %s (%s)", ev.Interval, ev.Tier.Label)
	case sampling.EventTierChanged:
		out.Type = NotificationTierChanged
		out.Title = "Sampling tier changed"
		out.Message = fmt.Sprintf("%s -> %s, sampling every %s", ev.Previous.Label, ev.Tier.Label, ev.Interval)
	case sampling.EventMovementResumed:
		out.Type = NotificationMovementResumed
		out.Title = "Moving"
		out.Message = fmt.Sprintf("Movement detected, sampling every %s", ev.Interval)
	default:
		return nil
	}

	out.Priority = priorityFor(out.Type)
	return out
}
