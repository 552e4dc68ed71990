package notifications

import (
	"fmt"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotificationPlaceCreated    NotificationType = "place_created"
	NotificationPlaceMerged     NotificationType = "place_merged"
	NotificationVisitStarted    NotificationType = "visit_started"
	NotificationVisitEnded      NotificationType = "visit_ended"
	NotificationLowPower        NotificationType = "low_power"
	NotificationTierChanged     NotificationType = "tier_changed"
	NotificationMovementResumed NotificationType = "movement_resumed"
)

// Priority levels
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Config controls which events are forwarded and how often
type Config struct {
	Enabled bool `json:"enabled"`

	NotifyOnPlaces bool `json:"notify_on_places"`
	NotifyOnVisits bool `json:"notify_on_visits"`
	NotifyOnTiers  bool `json:"notify_on_tiers"`

	// Per-type cooldown, zero disables it
	CooldownPeriod       time.Duration `json:"cooldown_period"`
	MaxNotificationsHour int           `json:"max_notifications_hour"`
	QueueSize            int           `json:"queue_size"`
	DeliveryTimeout      time.Duration `json:"delivery_timeout"`
}

// DefaultConfig returns the default notification configuration
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		NotifyOnPlaces:       true,
		NotifyOnVisits:       true,
		NotifyOnTiers:        true,
		CooldownPeriod:       0,
		MaxNotificationsHour: 60,
		QueueSize:            64,
		DeliveryTimeout:      10 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MaxNotificationsHour < 0 {
		return fmt.Errorf("max_notifications_hour must be >= 0, got %d", c.MaxNotificationsHour)
	}
	if c.CooldownPeriod < 0 {
		return fmt.Errorf("cooldown_period must be >= 0, got %v", c.CooldownPeriod)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must be >= 0, got %d", c.QueueSize)
	}
	return nil
}

// priorityFor returns the default priority for a notification type
func priorityFor(t NotificationType) int {
	switch t {
	case NotificationPlaceCreated, NotificationLowPower:
		return PriorityHigh
	case NotificationTierChanged, NotificationVisitStarted, NotificationVisitEnded:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
