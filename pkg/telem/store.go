// Package telem keeps recent accepted fixes, grouped into sessions, and an
// event log in memory with bounded retention
package telem

import (
	"sync"
	"time"

	"github.com/starfail/dwell/pkg"
)

// Event represents an engine event (tier changes, visits, errors)
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Session is a run of accepted fixes without a long gap between them
type Session struct {
	Started time.Time            `json:"started"`
	Samples []pkg.LocationSample `json:"samples"`
}

// Last returns the timestamp of the newest sample
func (s *Session) Last() time.Time {
	if len(s.Samples) == 0 {
		return s.Started
	}
	return s.Samples[len(s.Samples)-1].Timestamp
}

// Config for the telemetry store
type Config struct {
	MaxSamplesPerSession int           `json:"max_samples_per_session"`
	MaxSessions          int           `json:"max_sessions"`
	MaxEvents            int           `json:"max_events"`
	RetentionHours       int           `json:"retention_hours"`
	SessionGap           time.Duration `json:"session_gap"`
}

// Store manages in-memory sessions and events with bounded retention
type Store struct {
	mu            sync.RWMutex
	sessions      []*Session
	events        []Event
	maxSamples    int
	maxSessions   int
	maxEvents     int
	retentionTime time.Duration
	sessionGap    time.Duration
	now           func() time.Time
}

// NewStore creates a new telemetry store with the given configuration
func NewStore(config Config) *Store {
	if config.MaxSamplesPerSession <= 0 {
		config.MaxSamplesPerSession = 5000
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = 200
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = 500
	}
	if config.RetentionHours <= 0 {
		config.RetentionHours = 24 * 7
	}
	if config.SessionGap <= 0 {
		config.SessionGap = 30 * time.Minute
	}

	return &Store{
		events:        make([]Event, 0, config.MaxEvents),
		maxSamples:    config.MaxSamplesPerSession,
		maxSessions:   config.MaxSessions,
		maxEvents:     config.MaxEvents,
		retentionTime: time.Duration(config.RetentionHours) * time.Hour,
		sessionGap:    config.SessionGap,
		now:           time.Now,
	}
}

// StartSession forces the next sample into a fresh session. An empty
// current session is reused.
func (s *Store) StartSession(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.sessions); n > 0 && len(s.sessions[n-1].Samples) == 0 {
		s.sessions[n-1].Started = at
		return
	}
	s.appendSessionLocked(at)
}

func (s *Store) appendSessionLocked(at time.Time) *Session {
	sess := &Session{Started: at}
	s.sessions = append(s.sessions, sess)
	if len(s.sessions) > s.maxSessions {
		s.sessions = s.sessions[len(s.sessions)-s.maxSessions:]
	}
	return sess
}

// AddSample appends an accepted fix to the current session, opening a new
// session after a gap longer than SessionGap
func (s *Store) AddSample(sample pkg.LocationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Session
	if n := len(s.sessions); n > 0 {
		cur = s.sessions[n-1]
	}
	if cur == nil || (len(cur.Samples) > 0 && sample.Timestamp.Sub(cur.Last()) > s.sessionGap) {
		cur = s.appendSessionLocked(sample.Timestamp)
	}

	cur.Samples = append(cur.Samples, sample)

	// Enforce size limits, keeping the most recent samples
	if len(cur.Samples) > s.maxSamples {
		copy(cur.Samples, cur.Samples[len(cur.Samples)-s.maxSamples:])
		cur.Samples = cur.Samples[:s.maxSamples]
	}
}

// Sessions returns a copy of the recorded sample sessions, oldest first
func (s *Store) Sessions() [][]pkg.LocationSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][]pkg.LocationSample, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if len(sess.Samples) == 0 {
			continue
		}
		samples := make([]pkg.LocationSample, len(sess.Samples))
		copy(samples, sess.Samples)
		out = append(out, samples)
	}
	return out
}

// AddEvent stores a new event
func (s *Store) AddEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.events = append(s.events, event)

	// Enforce size limits
	if len(s.events) > s.maxEvents {
		copy(s.events, s.events[len(s.events)-s.maxEvents:])
		s.events = s.events[:s.maxEvents]
	}
}

// GetEvents returns recent events
func (s *Store) GetEvents(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit >= len(s.events) {
		result := make([]Event, len(s.events))
		copy(result, s.events)
		return result
	}

	start := len(s.events) - limit
	result := make([]Event, limit)
	copy(result, s.events[start:])
	return result
}

// Cleanup removes sessions and events older than the retention window
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retentionTime)

	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.Last().After(cutoff) {
			kept = append(kept, sess)
		}
	}
	for i := len(kept); i < len(s.sessions); i++ {
		s.sessions[i] = nil
	}
	s.sessions = kept

	keepIndex := 0
	for i, event := range s.events {
		if event.Timestamp.After(cutoff) {
			keepIndex = i
			break
		}
		keepIndex = i + 1
	}
	if keepIndex > 0 {
		copy(s.events, s.events[keepIndex:])
		s.events = s.events[:len(s.events)-keepIndex]
	}
}

// GetStats returns store statistics
func (s *Store) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := 0
	for _, sess := range s.sessions {
		samples += len(sess.Samples)
	}
	return map[string]interface{}{
		"sessions":        len(s.sessions),
		"samples":         samples,
		"events":          len(s.events),
		"retention_hours": s.retentionTime.Hours(),
	}
}
