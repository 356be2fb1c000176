package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/itohio/batterylife/pkg/config"
)

const (
	DefaultTopic    = "batterylife"
	DefaultClientID = "batterylife"

	connectTimeout    = 10 * time.Second
	connectRetryFor   = 30 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // ms
)

// Event is the JSON payload published for every progress event.
type Event struct {
	Event     string    `json:"event"`
	Run       int       `json:"run"`
	Path      string    `json:"path,omitempty"`
	Sample    int       `json:"sample,omitempty"`
	Total     int       `json:"total,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MQTT publishes progress events as JSON to <topic>/run and <topic>/sample.
type MQTT struct {
	client mqtt.Client
	topic  string
	now    func() time.Time
}

// NewMQTT connects to the broker described by cfg, retrying with an
// exponential backoff for a while before giving up.
func NewMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(connectTimeout)

	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	op := func() error {
		token := client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("timeout after %v", connectTimeout)
		}
		return token.Error()
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     250 * time.Millisecond,
		RandomizationFactor: 0.1,
		Multiplier:          2.,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      connectRetryFor,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Server, err)
	}

	return newMQTT(client, cfg.Topic), nil
}

func newMQTT(client mqtt.Client, topic string) *MQTT {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTT{client: client, topic: topic, now: time.Now}
}

func (m *MQTT) RunStarted(run int, path string) {
	m.publish("run", Event{Event: "run_started", Run: run, Path: path})
}

func (m *MQTT) SampleStarted(run, sample, total int) {
	m.publish("sample", Event{Event: "sample_started", Run: run, Sample: sample, Total: total})
}

func (m *MQTT) RunFinished(run int, path string, err error) {
	ev := Event{Event: "run_finished", Run: run, Path: path}
	if err != nil {
		ev.Error = err.Error()
	}
	m.publish("run", ev)
}

func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (m *MQTT) publish(sub string, ev Event) {
	ev.Timestamp = m.now()
	b, err := json.Marshal(ev)
	if err != nil {
		log.Printf("mqtt: failed to marshal %s event: %v", ev.Event, err)
		return
	}
	topic := m.topic + "/" + sub
	token := m.client.Publish(topic, 0, false, b)
	if !token.WaitTimeout(publishTimeout) {
		log.Printf("mqtt: publish to %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		log.Printf("mqtt: publish to %s: %v", topic, err)
	}
}
