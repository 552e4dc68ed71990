// Package config loads the dwelld YAML configuration, with secrets and
// deployment values taken from the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/starfail/dwell/pkg/geocode"
	"github.com/starfail/dwell/pkg/gps"
	"github.com/starfail/dwell/pkg/mqtt"
	"github.com/starfail/dwell/pkg/notifications"
	"github.com/starfail/dwell/pkg/places"
	"github.com/starfail/dwell/pkg/sampling"
	"github.com/starfail/dwell/pkg/telem"
)

// Config represents the dwelld configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogSyslog bool   `yaml:"log_syslog"`
	DBPath    string `yaml:"db_path"`
	Timezone  string `yaml:"timezone"`

	Sampling      SamplingConfig      `yaml:"sampling"`
	Places        PlacesConfig        `yaml:"places"`
	Geocode       GeocodeConfig       `yaml:"geocode"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`

	location *time.Location
}

// TierConfig is one row of the sampling tier table
type TierConfig struct {
	AfterS     int     `yaml:"after_s"`
	Multiplier float64 `yaml:"multiplier"`
	Label      string  `yaml:"label"`
}

// SamplingConfig configures the adaptive sampler
type SamplingConfig struct {
	BaseIntervalS      int          `yaml:"base_interval_s"`
	MinimumAccuracyM   float64      `yaml:"minimum_accuracy_m"`
	MovementThresholdM float64      `yaml:"movement_threshold_m"`
	SmartTracking      bool         `yaml:"smart_tracking"`
	Tiers              []TierConfig `yaml:"tiers"`
}

// PlacesConfig configures stationary extraction, clustering and the registry
type PlacesConfig struct {
	MaxSpeedMPS         float64 `yaml:"max_speed_mps"`
	MinDwellS           int     `yaml:"min_dwell_s"`
	GridCellSizeM       float64 `yaml:"grid_cell_size_m"`
	MinStationaryPoints int     `yaml:"min_stationary_points"`
	MinVisitsForPlace   int     `yaml:"min_visits_for_place"`
	MinVisitsForMerge   int     `yaml:"min_visits_for_merge"`
	MinRadiusM          float64 `yaml:"min_radius_m"`
	NightStartHour      int     `yaml:"night_start_hour"`
	NightEndHour        int     `yaml:"night_end_hour"`
	WorkStartHour       int     `yaml:"work_start_hour"`
	WorkEndHour         int     `yaml:"work_end_hour"`
	MorningStartHour    int     `yaml:"morning_start_hour"`
	MorningEndHour      int     `yaml:"morning_end_hour"`
}

// GeocodeConfig configures reverse geocoding
type GeocodeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	Language       string `yaml:"language"`
	IntervalMS     int    `yaml:"interval_ms"`
	LookupTimeoutS int    `yaml:"lookup_timeout_s"`
}

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// APIConfig configures the local HTTP API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MetricsConfig configures a standalone metrics listener. When Listen is
// empty, metrics are only served by the API.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// NotificationsConfig configures event notifications
type NotificationsConfig struct {
	Enabled              bool `yaml:"enabled"`
	NotifyOnPlaces       bool `yaml:"notify_on_places"`
	NotifyOnVisits       bool `yaml:"notify_on_visits"`
	NotifyOnTiers        bool `yaml:"notify_on_tiers"`
	CooldownS            int  `yaml:"cooldown_s"`
	MaxNotificationsHour int  `yaml:"max_notifications_hour"`
}

// ScheduleConfig holds cron specs for periodic jobs. An empty spec disables
// the job.
type ScheduleConfig struct {
	Rebuild       string `yaml:"rebuild"`
	GeocodeRescan string `yaml:"geocode_rescan"`
	Cleanup       string `yaml:"cleanup"`
	Status        string `yaml:"status"`
}

// TelemetryConfig configures the in-memory session buffer
type TelemetryConfig struct {
	MaxSamplesPerSession int `yaml:"max_samples_per_session"`
	MaxSessions          int `yaml:"max_sessions"`
	MaxEvents            int `yaml:"max_events"`
	RetentionHours       int `yaml:"retention_hours"`
	SessionGapS          int `yaml:"session_gap_s"`
}

// Default configuration values
const (
	DefaultLogLevel      = "info"
	DefaultDBPath        = "/var/lib/dwell/places.db"
	DefaultAPIListen     = "127.0.0.1:8089"
	DefaultRebuildSpec   = "15 3 * * *"
	DefaultRescanSpec    = "@every 6h"
	DefaultCleanupSpec   = "@hourly"
	DefaultStatusSpec    = "@every 5m"
	DefaultGeocodeLang   = "en"
	DefaultMQTTBroker    = "localhost"
	DefaultMQTTPort      = 1883
	DefaultMQTTClientID  = "dwelld"
	DefaultMQTTPrefix    = "dwell"
	DefaultSessionGapS   = 1800
	DefaultRetentionHour = 168
)

// Environment variables that override the file
const (
	EnvGoogleMapsAPIKey = "DWELL_GOOGLE_MAPS_API_KEY"
	EnvMQTTPassword     = "DWELL_MQTT_PASSWORD"
	EnvMQTTBroker       = "DWELL_MQTT_BROKER"
	EnvDBPath           = "DWELL_DB_PATH"
	EnvLogLevel         = "DWELL_LOG_LEVEL"
)

// Default returns the configuration used when no file is present
func Default() *Config {
	s := sampling.DefaultConfig()
	p := places.DefaultConfig()
	g := geocode.DefaultConfig()
	n := notifications.DefaultConfig()

	cfg := &Config{
		LogLevel: DefaultLogLevel,
		DBPath:   DefaultDBPath,
		Sampling: SamplingConfig{
			BaseIntervalS:      int(s.BaseInterval / time.Second),
			MinimumAccuracyM:   s.MinimumAccuracy,
			MovementThresholdM: s.MovementThreshold,
			SmartTracking:      s.SmartTracking,
		},
		Places: PlacesConfig{
			MaxSpeedMPS:         p.MaxSpeed,
			MinDwellS:           int(p.MinDwell / time.Second),
			GridCellSizeM:       p.GridCellSize,
			MinStationaryPoints: p.MinStationaryPoints,
			MinVisitsForPlace:   p.MinVisitsForPlace,
			MinVisitsForMerge:   p.MinVisitsForMerge,
			MinRadiusM:          p.MinRadius,
			NightStartHour:      p.Classifier.NightStartHour,
			NightEndHour:        p.Classifier.NightEndHour,
			WorkStartHour:       p.Classifier.WorkStartHour,
			WorkEndHour:         p.Classifier.WorkEndHour,
			MorningStartHour:    p.Classifier.MorningStartHour,
			MorningEndHour:      p.Classifier.MorningEndHour,
		},
		Geocode: GeocodeConfig{
			Language:       DefaultGeocodeLang,
			IntervalMS:     int(g.Interval / time.Millisecond),
			LookupTimeoutS: int(g.LookupTimeout / time.Second),
		},
		MQTT: MQTTConfig{
			Broker:      DefaultMQTTBroker,
			Port:        DefaultMQTTPort,
			ClientID:    DefaultMQTTClientID,
			TopicPrefix: DefaultMQTTPrefix,
			QoS:         1,
		},
		API: APIConfig{Enabled: true, Listen: DefaultAPIListen},
		Notifications: NotificationsConfig{
			Enabled:              n.Enabled,
			NotifyOnPlaces:       n.NotifyOnPlaces,
			NotifyOnVisits:       n.NotifyOnVisits,
			NotifyOnTiers:        n.NotifyOnTiers,
			MaxNotificationsHour: n.MaxNotificationsHour,
		},
		Schedule: ScheduleConfig{
			Rebuild:       DefaultRebuildSpec,
			GeocodeRescan: DefaultRescanSpec,
			Cleanup:       DefaultCleanupSpec,
			Status:        DefaultStatusSpec,
		},
		Telemetry: TelemetryConfig{
			MaxSamplesPerSession: 5000,
			MaxSessions:          200,
			MaxEvents:            500,
			RetentionHours:       DefaultRetentionHour,
			SessionGapS:          DefaultSessionGapS,
		},
	}
	for _, t := range s.Tiers {
		cfg.Sampling.Tiers = append(cfg.Sampling.Tiers, TierConfig{
			AfterS:     int(t.MinStationaryDuration / time.Second),
			Multiplier: t.Multiplier,
			Label:      t.Label,
		})
	}
	return cfg
}

// LoadConfig loads and validates the configuration at path. A missing file
// yields the defaults. A .env file next to the config or in the working
// directory seeds the environment before overrides are applied.
func LoadConfig(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		// decoding on top of the defaults keeps unset keys at their default
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// existing environment variables win over the file
		_ = godotenv.Load(p)
	}
}

func (c *Config) applyEnv() {
	envOverride(&c.Geocode.APIKey, EnvGoogleMapsAPIKey)
	envOverride(&c.MQTT.Password, EnvMQTTPassword)
	envOverride(&c.MQTT.Broker, EnvMQTTBroker)
	envOverride(&c.DBPath, EnvDBPath)
	envOverride(&c.LogLevel, EnvLogLevel)
	envOverrideBool(&c.Geocode.Enabled, "DWELL_GEOCODE_ENABLED")
	envOverrideBool(&c.MQTT.Enabled, "DWELL_MQTT_ENABLED")
	envOverrideInt(&c.MQTT.Port, "DWELL_MQTT_PORT")
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envOverrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envOverrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}

	loc, err := loadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	if c.Sampling.BaseIntervalS <= 0 {
		return fmt.Errorf("sampling.base_interval_s must be > 0, got %d", c.Sampling.BaseIntervalS)
	}
	if c.Sampling.MinimumAccuracyM <= 0 {
		return fmt.Errorf("sampling.minimum_accuracy_m must be > 0")
	}
	if c.Sampling.MovementThresholdM <= 0 {
		return fmt.Errorf("sampling.movement_threshold_m must be > 0")
	}
	if tiers := c.tiers(); len(tiers) > 0 {
		if err := sampling.ValidateTiers(tiers); err != nil {
			return fmt.Errorf("sampling.tiers: %w", err)
		}
	}

	p := c.Places
	if p.MaxSpeedMPS <= 0 || p.MinDwellS <= 0 || p.GridCellSizeM <= 0 || p.MinRadiusM <= 0 {
		return errors.New("places: max_speed_mps, min_dwell_s, grid_cell_size_m and min_radius_m must be > 0")
	}
	if p.MinStationaryPoints < 1 || p.MinVisitsForPlace < 1 || p.MinVisitsForMerge < 1 {
		return errors.New("places: point and visit minimums must be >= 1")
	}
	for name, h := range map[string]int{
		"night_start_hour": p.NightStartHour, "night_end_hour": p.NightEndHour,
		"work_start_hour": p.WorkStartHour, "work_end_hour": p.WorkEndHour,
		"morning_start_hour": p.MorningStartHour, "morning_end_hour": p.MorningEndHour,
	} {
		if h < 0 || h > 24 {
			return fmt.Errorf("places.%s must be between 0 and 24, got %d", name, h)
		}
	}

	if c.Geocode.Enabled && c.Geocode.APIKey == "" {
		return fmt.Errorf("geocode enabled but no api key (set %s)", EnvGoogleMapsAPIKey)
	}
	if c.Geocode.IntervalMS <= 0 {
		return errors.New("geocode.interval_ms must be > 0")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be between 1 and 65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.API.Enabled && c.API.Listen == "" {
		return errors.New("api.listen is required when the api is enabled")
	}

	if err := c.NotificationsConfig().Validate(); err != nil {
		return fmt.Errorf("notifications: %w", err)
	}

	for name, spec := range map[string]string{
		"rebuild": c.Schedule.Rebuild, "geocode_rescan": c.Schedule.GeocodeRescan,
		"cleanup": c.Schedule.Cleanup, "status": c.Schedule.Status,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedule.%s: %w", name, err)
		}
	}

	if c.Telemetry.SessionGapS < 0 || c.Telemetry.RetentionHours < 0 {
		return errors.New("telemetry values must be >= 0")
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// Location returns the configured time zone
func (c *Config) Location() *time.Location {
	if c.location == nil {
		if loc, err := loadLocation(c.Timezone); err == nil {
			c.location = loc
		} else {
			c.location = time.Local
		}
	}
	return c.location
}

func (c *Config) tiers() []sampling.FrequencyTier {
	out := make([]sampling.FrequencyTier, 0, len(c.Sampling.Tiers))
	for _, t := range c.Sampling.Tiers {
		out = append(out, sampling.FrequencyTier{
			MinStationaryDuration: time.Duration(t.AfterS) * time.Second,
			Multiplier:            t.Multiplier,
			Label:                 t.Label,
		})
	}
	return out
}

// SamplingConfig converts to the sampler configuration
func (c *Config) SamplingConfig() sampling.Config {
	return sampling.Config{
		BaseInterval:      time.Duration(c.Sampling.BaseIntervalS) * time.Second,
		MinimumAccuracy:   c.Sampling.MinimumAccuracyM,
		MovementThreshold: c.Sampling.MovementThresholdM,
		SmartTracking:     c.Sampling.SmartTracking,
		Tiers:             c.tiers(),
	}
}

// PlacesConfig converts to the registry configuration
func (c *Config) PlacesConfig() places.Config {
	p := c.Places
	return places.Config{
		MaxSpeed:            p.MaxSpeedMPS,
		MinDwell:            time.Duration(p.MinDwellS) * time.Second,
		GridCellSize:        p.GridCellSizeM,
		MinStationaryPoints: p.MinStationaryPoints,
		MinVisitsForPlace:   p.MinVisitsForPlace,
		MinVisitsForMerge:   p.MinVisitsForMerge,
		MinRadius:           p.MinRadiusM,
		Classifier: places.ClassifierConfig{
			Location:         c.Location(),
			NightStartHour:   p.NightStartHour,
			NightEndHour:     p.NightEndHour,
			WorkStartHour:    p.WorkStartHour,
			WorkEndHour:      p.WorkEndHour,
			MorningStartHour: p.MorningStartHour,
			MorningEndHour:   p.MorningEndHour,
		},
	}
}

// ExtractorConfig converts to the stationary extractor configuration
func (c *Config) ExtractorConfig() gps.ExtractorConfig {
	return gps.ExtractorConfig{
		MaxSpeed: c.Places.MaxSpeedMPS,
		MinDwell: time.Duration(c.Places.MinDwellS) * time.Second,
	}
}

// ClusteringConfig converts to the batch clusterer configuration. Batch
// clustering keeps groups large enough to merge into an existing place; the
// registry applies the stricter minimum to new places.
func (c *Config) ClusteringConfig() gps.ClusteringConfig {
	minPoints := c.Places.MinVisitsForPlace
	if c.Places.MinVisitsForMerge < minPoints {
		minPoints = c.Places.MinVisitsForMerge
	}
	return gps.ClusteringConfig{
		GridCellSize: c.Places.GridCellSizeM,
		MinRadius:    c.Places.MinRadiusM,
		MinPoints:    minPoints,
	}
}

// GeocodeConfig converts to the geocoding queue configuration
func (c *Config) GeocodeConfig() geocode.Config {
	return geocode.Config{
		Interval:      time.Duration(c.Geocode.IntervalMS) * time.Millisecond,
		LookupTimeout: time.Duration(c.Geocode.LookupTimeoutS) * time.Second,
	}
}

// MQTTConfig converts to the MQTT client configuration
func (c *Config) MQTTConfig() *mqtt.Config {
	m := c.MQTT
	return &mqtt.Config{
		Broker:      m.Broker,
		Port:        m.Port,
		ClientID:    m.ClientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
		Retain:      m.Retain,
		Enabled:     m.Enabled,
	}
}

// NotificationsConfig converts to the notification manager configuration
func (c *Config) NotificationsConfig() notifications.Config {
	n := notifications.DefaultConfig()
	n.Enabled = c.Notifications.Enabled
	n.NotifyOnPlaces = c.Notifications.NotifyOnPlaces
	n.NotifyOnVisits = c.Notifications.NotifyOnVisits
	n.NotifyOnTiers = c.Notifications.NotifyOnTiers
	n.CooldownPeriod = time.Duration(c.Notifications.CooldownS) * time.Second
	n.MaxNotificationsHour = c.Notifications.MaxNotificationsHour
	return n
}

// TelemetryConfig converts to the session buffer configuration
func (c *Config) TelemetryConfig() telem.Config {
	t := c.Telemetry
	return telem.Config{
		MaxSamplesPerSession: t.MaxSamplesPerSession,
		MaxSessions:          t.MaxSessions,
		MaxEvents:            t.MaxEvents,
		RetentionHours:       t.RetentionHours,
		SessionGap:           time.Duration(t.SessionGapS) * time.Second,
	}
}
