package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kozaktomas/face-attendance/internal/config"
)

const (
	connectTimeout    = 30 * time.Second
	publishTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// ErrNotConnected is returned by MQTTSink when the broker connection is down.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// publisher is the part of mqtt.Client the sink needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes every event as JSON to <topic>/<session id>.
type MQTTSink struct {
	client  publisher
	topic   string
	timeout time.Duration
}

// DialMQTT connects to the broker in cfg and returns a sink publishing to cfg.Topic.
func DialMQTT(cfg config.MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(client, cfg.Topic), nil
}

func newMQTTSink(client publisher, topic string) *MQTTSink {
	return &MQTTSink{
		client:  client,
		topic:   strings.TrimSuffix(topic, "/"),
		timeout: publishTimeout,
	}
}

// Topic returns the topic ev is published to.
func (s *MQTTSink) Topic(ev Event) string {
	if ev.SessionID == "" {
		return s.topic
	}
	return s.topic + "/" + ev.SessionID
}

func (s *MQTTSink) Deliver(ctx context.Context, ev Event) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	topic := s.Topic(ev)
	token := s.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
	}
}
