// Package emitter publishes controller events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/abihf/facedetective/config"
	"github.com/abihf/facedetective/model"
)

const (
	queueSize      = 64
	publishTimeout = 2 * time.Second
)

// Event is the JSON envelope sent on every topic.
type Event struct {
	Event   string      `json:"event"`
	Session string      `json:"session"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// publisher is the part of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT queues events and publishes them from its own goroutine so callers
// never wait on the network. Events are dropped when the queue is full.
type MQTT struct {
	client   publisher
	conf     config.MQTTConfig
	session  string
	logger   *slog.Logger
	queue    chan Event
	done     chan struct{}
	throttle *throttle
	close    sync.Once
	now      func() time.Time

	disconnect func()

	mu        sync.Mutex
	closed    bool
	published map[string]uint64
	dropped   uint64
	failed    uint64
}

// Connect dials the broker in conf and starts the publishing goroutine.
func Connect(ctx context.Context, conf *config.MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	broker := conf.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(conf.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", conf.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", broker)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "mqtt connection failed")
	}

	m := newMQTT(client, conf, logger)
	m.disconnect = func() {
		client.Disconnect(250)
		logger.Info("mqtt disconnected")
	}
	return m, nil
}

func newMQTT(client publisher, conf *config.MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{
		client:    client,
		conf:      *conf,
		session:   uuid.NewString(),
		logger:    logger,
		queue:     make(chan Event, queueSize),
		done:      make(chan struct{}),
		throttle:  &throttle{interval: conf.RecognitionInterval, last: make(map[string]time.Time)},
		now:       time.Now,
		published: make(map[string]uint64),
	}
	go m.run()
	return m
}

// Publish queues event. Recognition events for the same label are
// throttled to one per RecognitionInterval. Events published after Close
// are discarded.
func (m *MQTT) Publish(event string, payload interface{}) {
	now := m.now()
	if p, ok := payload.(model.Prediction); ok && !m.throttle.allow(p.Label, now) {
		return
	}

	ev := Event{Event: event, Session: m.session, Time: now, Payload: payload}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Debug("emitter closed, dropping event", "event", event)
		return
	}
	select {
	case m.queue <- ev:
	default:
		m.dropped++
		m.logger.Warn("mqtt queue full, dropping event", "event", event)
	}
}

func (m *MQTT) run() {
	defer close(m.done)
	for ev := range m.queue {
		if err := m.send(ev); err != nil {
			m.mu.Lock()
			m.failed++
			m.mu.Unlock()
			m.logger.Warn("mqtt publish failed", "event", ev.Event, "error", err)
		}
	}
}

func (m *MQTT) send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	topic := Topic(m.conf.TopicPrefix, ev.Event)
	token := m.client.Publish(topic, m.conf.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
	m.logger.Debug("event published", "topic", topic, "size", len(payload))
	return nil
}

// Topic maps an event name such as "training.completed" under prefix.
func Topic(prefix, event string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(prefix, "/"), strings.ReplaceAll(event, ".", "/"))
}

type Stats struct {
	Published map[string]uint64
	Dropped   uint64
	Failed    uint64
}

func (m *MQTT) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return Stats{Published: published, Dropped: m.dropped, Failed: m.failed}
}

// Close flushes queued events and disconnects.
func (m *MQTT) Close() error {
	m.close.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.queue)
		m.mu.Unlock()

		<-m.done
		if m.disconnect != nil {
			m.disconnect()
		}
	})
	return nil
}

// throttle remembers when each label was last let through.
type throttle struct {
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func (t *throttle) allow(label string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.last[label]; ok && now.Sub(at) < t.interval {
		return false
	}
	t.last[label] = now
	return true
}
