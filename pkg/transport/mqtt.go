// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Broker   string // host:port or a full tcp:// / ssl:// URL
	ClientID string
	Topic    string // may contain {deviceId}
	QoS      byte
	Retained bool
	Username string
	Password string
	Format   Format

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// MQTTTransport publishes each batch as one message. The paho client owns
// reconnection; while it is down sends fail as unreachable.
type MQTTTransport struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTT creates an unconnected publisher
func NewMQTT(cfg MQTTConfig) (*MQTTTransport, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	if cfg.Format == "" {
		cfg.Format = FormatEnvelope
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{cfg: cfg, logger: logger.With("transport", "mqtt", "broker", cfg.Broker)}, nil
}

// BrokerURL normalises a broker address to a paho server URL
func BrokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Topic expands {deviceId} in the configured topic
func (m *MQTTTransport) Topic(deviceID string) string {
	return strings.ReplaceAll(m.cfg.Topic, "{deviceId}", deviceID)
}

// Connect establishes the broker session with auto-reconnect enabled
func (m *MQTTTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.connected.Store(true)
		m.logger.Info("mqtt connection established", "client_id", m.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.connected.Store(false)
		m.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()

	timeout := m.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.connected.Store(true)
	return nil
}

// Name implements Transport
func (m *MQTTTransport) Name() string {
	return "mqtt " + m.cfg.Broker
}

// Send publishes the encoded payload and waits at most PublishTimeout
func (m *MQTTTransport) Send(ctx context.Context, p *Payload) (Delivery, error) {
	start := time.Now()
	if m.client == nil || !m.connected.Load() {
		m.errors.Add(1)
		return Delivery{}, &SendError{Class: ClassUnreachable, Err: errors.New("mqtt not connected")}
	}

	body, err := p.Encode(m.cfg.Format)
	if err != nil {
		m.errors.Add(1)
		return Delivery{}, &SendError{Class: ClassRejected, Err: err}
	}

	topic := m.Topic(p.DeviceID)
	token := m.client.Publish(topic, m.cfg.QoS, m.cfg.Retained, body)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		m.errors.Add(1)
		return Delivery{}, &SendError{Class: ClassRetryable, Err: errors.New("publish timeout")}
	}
	if err := token.Error(); err != nil {
		m.errors.Add(1)
		return Delivery{}, &SendError{Class: ClassRetryable, Err: fmt.Errorf("publish failed: %w", err)}
	}

	m.published.Add(1)
	m.logger.Debug("batch published", "topic", topic, "qos", m.cfg.QoS, "size", len(body))
	return Delivery{Bytes: len(body), Messages: 1, Duration: time.Since(start)}, nil
}

// Stats returns publish counters
func (m *MQTTTransport) Stats() (published, errors uint64) {
	return m.published.Load(), m.errors.Load()
}

// Close disconnects from the broker and stops any pending connect retries
func (m *MQTTTransport) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	m.connected.Store(false)
	return nil
}
