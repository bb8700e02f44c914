// Package sink mirrors hub sensor readings to external telemetry systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/stm32hub/stm32hub/internal/hub"
	"github.com/stm32hub/stm32hub/internal/store"
)

const mqttQueueSize = 256

// Publisher is the part of mqtt.Client the mirror uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ConnectMQTT connects to broker, retrying with exponential backoff.
func ConnectMQTT(broker, clientID string, log zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	maxRetries := 5

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Str("broker", broker).Msg("mqtt connect failed")
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, uint64(maxRetries-1)))
	if err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}
	return client, nil
}

// MQTTMirror publishes every sensor reading to <topic>/<device>/<sensor_type>.
// It implements hub.Observer.
type MQTTMirror struct {
	log   zerolog.Logger
	pub   Publisher
	topic string
	queue chan store.SensorReading
}

// NewMQTTMirror creates a mirror publishing under topic. Call Run to start it.
func NewMQTTMirror(log zerolog.Logger, pub Publisher, topic string) *MQTTMirror {
	return &MQTTMirror{
		log:   log.With().Str("component", "mqtt-mirror").Logger(),
		pub:   pub,
		topic: strings.TrimSuffix(topic, "/"),
		queue: make(chan store.SensorReading, mqttQueueSize),
	}
}

// Notify queues sensor readings; other notices are ignored.
func (m *MQTTMirror) Notify(n hub.Notice) {
	if n.Type != hub.NoticeSensorReading {
		return
	}
	r, ok := n.Payload.(store.SensorReading)
	if !ok {
		return
	}
	select {
	case m.queue <- r:
	default:
		m.log.Debug().Str("device", r.DeviceID).Msg("mqtt queue full, dropping reading")
	}
}

// Run publishes queued readings until ctx is done.
func (m *MQTTMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.queue:
			m.publish(r)
		}
	}
}

func (m *MQTTMirror) publish(r store.SensorReading) {
	payload, err := json.Marshal(r)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to encode reading")
		return
	}
	topic := TopicFor(m.topic, r.DeviceID, r.SensorType)
	token := m.pub.Publish(topic, 0, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		m.log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
	}
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// TopicFor builds the publish topic for a reading. Wildcard and separator
// characters inside device ids and sensor types are replaced.
func TopicFor(base, deviceID, sensorType string) string {
	return base + "/" + topicReplacer.Replace(deviceID) + "/" + topicReplacer.Replace(sensorType)
}
