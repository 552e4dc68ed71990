package sampling

import (
	"time"

	"github.com/starfail/dwell/pkg"
)

// EventKind identifies a tier transition
type EventKind int

const (
	// EventLowPowerEntered fires once when a stationary episode first
	// leaves the base tier
	EventLowPowerEntered EventKind = iota
	// EventTierChanged fires on escalation between reduced tiers
	EventTierChanged
	// EventMovementResumed fires when movement returns the sampler to the base tier
	EventMovementResumed
)

func (k EventKind) String() string {
	switch k {
	case EventLowPowerEntered:
		return "low_power_entered"
	case EventTierChanged:
		return "tier_changed"
	case EventMovementResumed:
		return "movement_resumed"
	default:
		return "unknown"
	}
}

// TierEvent describes a tier transition
type TierEvent struct {
	Kind     EventKind
	Tier     FrequencyTier
	Previous FrequencyTier
	Interval time.Duration
	At       time.Time
	Location *pkg.Coordinate
}

// Listener receives tier transitions. Calls happen outside the sampler lock.
type Listener interface {
	OnTierEvent(TierEvent)
}

// ListenerFunc adapts a plain function into a Listener
type ListenerFunc func(TierEvent)

// OnTierEvent calls f(ev)
func (f ListenerFunc) OnTierEvent(ev TierEvent) {
	f(ev)
}
