// Package notifications forwards place and sampling events to delivery sinks
// with type filtering and rate limiting
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/starfail/dwell/pkg/logx"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
)

// Sink delivers a notification somewhere (MQTT, a log, a webhook)
type Sink interface {
	Deliver(ctx context.Context, event NotificationEvent) error
}

// SinkFunc adapts a plain function into a Sink
type SinkFunc func(ctx context.Context, event NotificationEvent) error

// Deliver calls f(ctx, event)
func (f SinkFunc) Deliver(ctx context.Context, event NotificationEvent) error {
	return f(ctx, event)
}

// Stats counts manager activity
type Stats struct {
	TotalSent       int64     `json:"total_sent"`
	TotalFailed     int64     `json:"total_failed"`
	RateLimited     int64     `json:"rate_limited"`
	Dropped         int64     `json:"dropped"`
	LastSentTime    time.Time `json:"last_sent_time"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// Manager handles all notification operations
type Manager struct {
	config  Config
	logger  *logx.Logger
	builder *EventBuilder
	queue   chan NotificationEvent
	now     func() time.Time

	mu                sync.Mutex
	sinks             []Sink
	lastNotification  map[NotificationType]time.Time
	notificationCount map[string]int // hour-based counting
	stats             Stats
}

// NewManager creates a new notification manager
func NewManager(config Config, logger *logx.Logger, sinks ...Sink) *Manager {
	if logger == nil {
		logger = logx.Discard()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 10 * time.Second
	}

	return &Manager{
		config:            config,
		logger:            logger.With("component", "notifications"),
		builder:           NewEventBuilder(),
		queue:             make(chan NotificationEvent, config.QueueSize),
		now:               time.Now,
		sinks:             sinks,
		lastNotification:  make(map[NotificationType]time.Time),
		notificationCount: make(map[string]int),
	}
}

// AddSink registers another delivery target
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// IsEnabled returns whether notifications are enabled
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Enabled && len(m.sinks) > 0
}

// OnTierEvent queues a notification for a sampler transition
func (m *Manager) OnTierEvent(ev sampling.TierEvent) {
	if n := m.builder.TierEvent(ev); n != nil {
		m.enqueue(*n)
	}
}

// OnPlaceEvent queues a notification for a registry change
func (m *Manager) OnPlaceEvent(ev places.PlaceEvent) {
	if n := m.builder.PlaceEvent(ev); n != nil {
		m.enqueue(*n)
	}
}

// enqueue never blocks: listener callbacks run on the sampling path
func (m *Manager) enqueue(event NotificationEvent) {
	if !m.isNotificationTypeEnabled(event.Type) {
		return
	}
	select {
	case m.queue <- event:
	default:
		m.mu.Lock()
		m.stats.Dropped++
		m.mu.Unlock()
		m.logger.Warn("notification queue full, dropping", "type", event.Type)
	}
}

// Run delivers queued notifications until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-m.queue:
			dctx, cancel := context.WithTimeout(ctx, m.config.DeliveryTimeout)
			if err := m.SendNotification(dctx, event); err != nil {
				m.logger.Warn("notification delivery failed", "type", event.Type, "error", err)
			}
			cancel()
		}
	}
}

// SendNotification applies filtering and rate limiting, then delivers the
// event to every sink
func (m *Manager) SendNotification(ctx context.Context, event NotificationEvent) error {
	if !m.IsEnabled() {
		m.logger.Debug("Notifications disabled, skipping", "type", event.Type)
		return nil
	}
	if !m.isNotificationTypeEnabled(event.Type) {
		m.logger.Debug("Notification type disabled", "type", event.Type)
		return nil
	}
	if !m.shouldSend(event) {
		m.logger.Debug("Notification rate limited", "type", event.Type)
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if event.Priority == 0 {
		event.Priority = priorityFor(event.Type)
	}

	m.mu.Lock()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	var errs []error
	for i, s := range sinks {
		if err := s.Deliver(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(errs) > 0 {
		m.stats.TotalFailed++
		m.stats.LastFailureTime = m.now()
		return errors.Join(errs...)
	}
	m.stats.TotalSent++
	m.stats.LastSentTime = m.now()
	m.logger.Debug("Notification sent", "type", event.Type, "title", event.Title)
	return nil
}

// isNotificationTypeEnabled checks if a notification type is enabled
func (m *Manager) isNotificationTypeEnabled(notType NotificationType) bool {
	switch notType {
	case NotificationPlaceCreated, NotificationPlaceMerged:
		return m.config.NotifyOnPlaces
	case NotificationVisitStarted, NotificationVisitEnded:
		return m.config.NotifyOnVisits
	case NotificationLowPower, NotificationTierChanged, NotificationMovementResumed:
		return m.config.NotifyOnTiers
	default:
		return true // Default to enabled for unknown types
	}
}

// bypassesLimits reports whether a type is exempt from rate limiting.
// Both fire at most once per place or per stationary episode.
func bypassesLimits(t NotificationType) bool {
	return t == NotificationPlaceCreated || t == NotificationLowPower
}

// shouldSend determines if a notification should be sent based on rate limiting
func (m *Manager) shouldSend(event NotificationEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bypassesLimits(event.Type) {
		return true
	}

	now := m.now()

	if m.config.CooldownPeriod > 0 {
		if lastSent, exists := m.lastNotification[event.Type]; exists && now.Sub(lastSent) < m.config.CooldownPeriod {
			m.stats.RateLimited++
			return false
		}
	}

	hourKey := now.UTC().Format("2006-01-02-15")
	if m.config.MaxNotificationsHour > 0 && m.notificationCount[hourKey] >= m.config.MaxNotificationsHour {
		m.stats.RateLimited++
		return false
	}

	m.lastNotification[event.Type] = now
	m.notificationCount[hourKey]++

	// Cleanup old hour counters (keep last 24 hours)
	for key := range m.notificationCount {
		if keyTime, err := time.Parse("2006-01-02-15", key); err == nil && now.UTC().Sub(keyTime) > 24*time.Hour {
			delete(m.notificationCount, key)
		}
	}
	return true
}

// Stats returns a copy of the delivery counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
