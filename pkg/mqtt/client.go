// Package mqtt connects dwelld to an MQTT broker: raw fixes come in, accepted
// fixes, place snapshots and notifications go out
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/starfail/dwell/pkg"
	"github.com/starfail/dwell/pkg/logx"
	"github.com/starfail/dwell/pkg/notifications"
	"github.com/starfail/dwell/pkg/retry"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// broker is the part of MQTT.Client the client uses
type broker interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "dwelld",
		TopicPrefix: "dwell",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// Topic layout under TopicPrefix
const (
	topicFixesRaw      = "fixes/raw"
	topicFixesAccepted = "fixes/accepted"
	topicPlaces        = "places"
	topicEvents        = "events"
	topicStatus        = "status"
)

const publishTimeout = 5 * time.Second

// Client provides MQTT publishing and fix ingestion for dwelld
type Client struct {
	client    broker
	logger    *logx.Logger
	config    *Config
	runner    *retry.Runner
	connected atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]MQTT.MessageHandler
	lastPublish   time.Time
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.Discard()
	}
	return &Client{
		logger:        logger.With("component", "mqtt"),
		config:        config,
		runner:        retry.NewRunner(retry.DefaultConfig()),
		subscriptions: make(map[string]MQTT.MessageHandler),
	}
}

func (c *Client) topic(parts ...string) string {
	t := c.config.TopicPrefix
	for _, p := range parts {
		t += "/" + p
	}
	return t
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(c.topic(topicStatus), `{"online":false}`, byte(c.config.QoS), true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessageReceived)

	client := MQTT.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil && c.connected.Load() {
		c.publishRaw(context.Background(), c.topic(topicStatus), true, map[string]interface{}{"online": false})
		client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

// onConnect marks the client online and restores subscriptions, which a
// clean session loses on reconnect
func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")

	c.mu.Lock()
	subs := make(map[string]MQTT.MessageHandler, len(c.subscriptions))
	for topic, h := range c.subscriptions {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Warn("failed to restore subscription", "topic", topic, "error", err)
		}
	}
	go c.publishRaw(context.Background(), c.topic(topicStatus), true, map[string]interface{}{"online": true})
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

func (c *Client) onMessageReceived(client MQTT.Client, msg MQTT.Message) {
	c.logger.Debug("MQTT message received", "topic", msg.Topic(), "size", len(msg.Payload()))
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return c.connected.Load() && client != nil && client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// fixPayload is the wire form of a raw fix. Missing accuracy or speed means
// unknown.
type fixPayload struct {
	Latitude  *float64   `json:"lat"`
	Longitude *float64   `json:"lon"`
	Accuracy  *float64   `json:"accuracy_m"`
	Speed     *float64   `json:"speed_mps"`
	Timestamp *time.Time `json:"timestamp"`
}

func decodeFix(data []byte, now time.Time) (pkg.LocationSample, error) {
	var p fixPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return pkg.LocationSample{}, fmt.Errorf("invalid fix payload: %w", err)
	}
	if p.Latitude == nil || p.Longitude == nil {
		return pkg.LocationSample{}, errors.New("fix payload missing lat/lon")
	}
	if math.Abs(*p.Latitude) > 90 || math.Abs(*p.Longitude) > 180 {
		return pkg.LocationSample{}, fmt.Errorf("fix out of range: %f,%f", *p.Latitude, *p.Longitude)
	}

	s := pkg.LocationSample{
		Coordinate: pkg.Coordinate{Latitude: *p.Latitude, Longitude: *p.Longitude},
		Accuracy:   -1,
		Speed:      -1,
		Timestamp:  now,
	}
	if p.Accuracy != nil {
		s.Accuracy = *p.Accuracy
	}
	if p.Speed != nil {
		s.Speed = *p.Speed
	}
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		s.Timestamp = *p.Timestamp
	}
	return s, nil
}

// SubscribeFixes feeds fixes published on <prefix>/fixes/raw to handler.
// Malformed payloads are logged and dropped.
func (c *Client) SubscribeFixes(handler func(pkg.LocationSample)) error {
	topic := c.topic(topicFixesRaw)
	h := func(_ MQTT.Client, msg MQTT.Message) {
		fix, err := decodeFix(msg.Payload(), time.Now())
		if err != nil {
			c.logger.Warn("dropping fix", "topic", msg.Topic(), "error", err)
			return
		}
		handler(fix)
	}

	c.mu.Lock()
	c.subscriptions[topic] = h
	c.mu.Unlock()

	if !c.config.Enabled || !c.connected.Load() {
		// onConnect subscribes once the broker is reachable
		return nil
	}
	return c.subscribe(topic, h)
}

func (c *Client) subscribe(topic string, h MQTT.MessageHandler) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil
	}

	token := client.Subscribe(topic, byte(c.config.QoS), h)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}

// PublishFix publishes an accepted fix
func (c *Client) PublishFix(ctx context.Context, fix pkg.LocationSample) error {
	return c.publishJSON(ctx, c.topic(topicFixesAccepted), c.config.Retain, fix)
}

// PublishPlace publishes a retained snapshot of a place
func (c *Client) PublishPlace(ctx context.Context, place pkg.Place) error {
	return c.publishJSON(ctx, c.topic(topicPlaces, place.ID), true, place)
}

// PublishStatus publishes sampler and registry status
func (c *Client) PublishStatus(ctx context.Context, status map[string]interface{}) error {
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"online":    true,
		"status":    status,
	}
	return c.publishJSON(ctx, c.topic(topicStatus), true, payload)
}

// Deliver publishes a notification; it makes the client a notification sink
func (c *Client) Deliver(ctx context.Context, event notifications.NotificationEvent) error {
	return c.publishJSON(ctx, c.topic(topicEvents, string(event.Type)), false, event)
}

// publishJSON publishes a JSON payload, retrying transient failures
func (c *Client) publishJSON(ctx context.Context, topic string, retain bool, payload interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	err = c.runner.Do(ctx, func(ctx context.Context) error {
		return c.publish(ctx, topic, retain, data)
	})
	if err != nil {
		c.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

func (c *Client) publishRaw(ctx context.Context, topic string, retain bool, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.publish(ctx, topic, retain, data); err != nil {
		c.logger.Debug("MQTT status publish failed", "topic", topic, "error", err)
	}
}

func (c *Client) publish(ctx context.Context, topic string, retain bool, data []byte) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return retry.Permanent(errors.New("mqtt client not connected"))
	}

	token := client.Publish(topic, byte(c.config.QoS), retain, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return retry.Permanent(ctx.Err())
	case <-time.After(publishTimeout):
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(data))
	return nil
}
