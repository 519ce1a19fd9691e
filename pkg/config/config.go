// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the pipeline configuration from YAML. Every timing
// the pipeline uses lives here; durations are Go duration strings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds
const (
	SourceSocketCAN = "socketcan"
	SourceSLCAN     = "slcan"
	SourceSimulator = "simulator"
	SourceReplay    = "replay"
)

// Transport kinds
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Unknown-identifier policies
const (
	UnknownRelay   = "relay"
	UnknownDiscard = "discard"
)

// Config is the complete pipeline configuration
type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Decoding  DecodingConfig  `yaml:"decoding"`
	Queue     QueueConfig     `yaml:"queue"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Cache     CacheConfig     `yaml:"cache"`
	Batch     BatchConfig     `yaml:"batch"`
	Sender    SenderConfig    `yaml:"sender"`
	Transport TransportConfig `yaml:"transport"`
	Device    DeviceConfig    `yaml:"device"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Kind      string `yaml:"kind"`
	Interface string `yaml:"interface"` // socketcan
	Port      string `yaml:"port"`      // slcan
	Baud      int    `yaml:"baud"`      // slcan
	Bitrate   int    `yaml:"bitrate"`   // slcan bus bitrate
	File      string `yaml:"file"`      // replay
	// Speed scales replay timing; 0 replays as fast as polled
	Speed float64 `yaml:"speed"`
	// Loop restarts the replay file at EOF
	Loop bool `yaml:"loop"`

	SimulatorPeriod time.Duration `yaml:"simulatorPeriod"`
	Seed            int64         `yaml:"seed"`
	// FallbackAfter makes a silent real source emit simulated frames; 0 disables
	FallbackAfter time.Duration `yaml:"fallbackAfter"`
}

// DecodingConfig selects the decoding table
type DecodingConfig struct {
	Table   string `yaml:"table"`   // YAML or JSONC file; empty uses the built-in table
	Unknown string `yaml:"unknown"` // relay or discard
}

// QueueConfig sizes the ingest queue
type QueueConfig struct {
	Capacity       int           `yaml:"capacity"`
	EnqueueTimeout time.Duration `yaml:"enqueueTimeout"`
}

// IngestConfig tunes the ingest loop
type IngestConfig struct {
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

// CacheConfig bounds lock waits on the shared signal cache
type CacheConfig struct {
	LockTimeout time.Duration `yaml:"lockTimeout"`
}

// BatchConfig sets the flush triggers
type BatchConfig struct {
	Threshold int           `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

// SenderConfig tunes the sender loop
type SenderConfig struct {
	Period time.Duration `yaml:"period"`
	// StatusInterval is the queue occupancy report period; 0 disables
	StatusInterval time.Duration `yaml:"statusInterval"`
}

// TransportConfig selects and configures the network link
type TransportConfig struct {
	Kind      string          `yaml:"kind"`
	Format    string          `yaml:"format"` // frames or envelope
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Retry     RetryConfig     `yaml:"retry"`
	Probe     ProbeConfig     `yaml:"probe"`
}

// HTTPConfig configures the request/response transport
type HTTPConfig struct {
	URL           string            `yaml:"url"`
	Timeout       time.Duration     `yaml:"timeout"`
	Gzip          bool              `yaml:"gzip"`
	Username      string            `yaml:"username"`
	Headers       map[string]string `yaml:"headers"`
	SkipTLSVerify bool              `yaml:"skipTlsVerify"`
}

// WebSocketConfig configures the persistent link
type WebSocketConfig struct {
	URL              string        `yaml:"url"`
	Username         string        `yaml:"username"`
	SkipTLSVerify    bool          `yaml:"skipTlsVerify"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	ReconnectDelay   time.Duration `yaml:"reconnectDelay"`
	OutboxSize       int           `yaml:"outboxSize"`
	Greeting         string        `yaml:"greeting"`
	Encoding         string        `yaml:"encoding"` // json or cbor
	Mode             string        `yaml:"mode"`     // frame or batch
}

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"clientId"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	Retained       bool          `yaml:"retained"`
	Username       string        `yaml:"username"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// RetryConfig bounds retries of failed batches
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// ProbeConfig controls the connectivity re-check after unreachable sends
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DeviceConfig identifies this bridge to the backend
type DeviceConfig struct {
	ID       string `yaml:"id"`
	IDPrefix string `yaml:"idPrefix"`
	// RegisterURL enables registration; the returned id replaces ID
	RegisterURL   string        `yaml:"registerUrl"`
	RegisterRetry time.Duration `yaml:"registerRetry"`
	// TelemetryBaseURL + device id becomes the HTTP endpoint when set
	TelemetryBaseURL string         `yaml:"telemetryBaseUrl"`
	Longitude        float64        `yaml:"longitude"`
	Latitude         float64        `yaml:"latitude"`
	Context          map[string]any `yaml:"context"`
}

// AuditConfig enables the persistent logs
type AuditConfig struct {
	CSV        string `yaml:"csv"`
	SQLite     string `yaml:"sqlite"`
	BufferSize int    `yaml:"bufferSize"`
}

// LogConfig configures process logging
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Source: SourceConfig{
			Kind:            SourceSimulator,
			Interface:       "can0",
			Baud:            115200,
			Bitrate:         500000,
			Speed:           1,
			SimulatorPeriod: 50 * time.Millisecond,
		},
		Decoding: DecodingConfig{Unknown: UnknownRelay},
		Queue:    QueueConfig{Capacity: 500, EnqueueTimeout: time.Millisecond},
		Ingest:   IngestConfig{PollTimeout: 10 * time.Millisecond},
		Cache:    CacheConfig{LockTimeout: 50 * time.Millisecond},
		Batch:    BatchConfig{Threshold: 250, Interval: 2 * time.Second},
		Sender:   SenderConfig{Period: 100 * time.Millisecond, StatusInterval: 5 * time.Second},
		Transport: TransportConfig{
			Kind:   TransportHTTP,
			Format: "frames",
			HTTP:   HTTPConfig{Timeout: 10 * time.Second},
			WebSocket: WebSocketConfig{
				HandshakeTimeout: 10 * time.Second,
				WriteTimeout:     5 * time.Second,
				ReconnectDelay:   5 * time.Second,
				OutboxSize:       50,
				Encoding:         "json",
				Mode:             "batch",
			},
			MQTT: MQTTConfig{
				Topic:          "canbridge/{deviceId}/telemetry",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
				PublishTimeout: 2 * time.Second,
			},
			Retry: RetryConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
			Probe: ProbeConfig{Interval: 5 * time.Second, Timeout: 3 * time.Second},
		},
		Device: DeviceConfig{IDPrefix: "canbridge", RegisterRetry: 5 * time.Second},
		Audit:  AuditConfig{BufferSize: 1024},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Source.Kind {
	case SourceSocketCAN:
		if c.Source.Interface == "" {
			add("source.interface is required for socketcan")
		}
	case SourceSLCAN:
		if c.Source.Port == "" {
			add("source.port is required for slcan")
		}
		if c.Source.Baud <= 0 {
			add("source.baud must be positive")
		}
	case SourceReplay:
		if c.Source.File == "" {
			add("source.file is required for replay")
		}
		if c.Source.Speed < 0 {
			add("source.speed must not be negative")
		}
	case SourceSimulator:
	default:
		add("unknown source.kind %q", c.Source.Kind)
	}
	if c.Source.SimulatorPeriod <= 0 {
		add("source.simulatorPeriod must be positive")
	}
	if c.Source.FallbackAfter < 0 {
		add("source.fallbackAfter must not be negative")
	}

	if c.Decoding.Unknown != UnknownRelay && c.Decoding.Unknown != UnknownDiscard {
		add("decoding.unknown must be relay or discard, got %q", c.Decoding.Unknown)
	}

	if c.Queue.Capacity <= 0 {
		add("queue.capacity must be positive")
	}
	if c.Queue.EnqueueTimeout < 0 {
		add("queue.enqueueTimeout must not be negative")
	}
	if c.Ingest.PollTimeout <= 0 {
		add("ingest.pollTimeout must be positive")
	}
	if c.Cache.LockTimeout < 0 {
		add("cache.lockTimeout must not be negative")
	}
	if c.Batch.Threshold <= 0 {
		add("batch.threshold must be positive")
	}
	if c.Batch.Threshold > c.Queue.Capacity {
		add("batch.threshold (%d) exceeds queue.capacity (%d)", c.Batch.Threshold, c.Queue.Capacity)
	}
	if c.Batch.Interval <= 0 {
		add("batch.interval must be positive")
	}
	if c.Sender.Period <= 0 {
		add("sender.period must be positive")
	}

	t := &c.Transport
	if t.Format != "frames" && t.Format != "envelope" {
		add("transport.format must be frames or envelope, got %q", t.Format)
	}
	switch t.Kind {
	case TransportHTTP:
		if t.HTTP.URL == "" && c.Device.TelemetryBaseURL == "" {
			add("transport.http.url or device.telemetryBaseUrl is required")
		}
		if t.HTTP.Timeout <= 0 {
			add("transport.http.timeout must be positive")
		}
	case TransportWebSocket:
		if t.WebSocket.URL == "" {
			add("transport.websocket.url is required")
		}
		if t.WebSocket.OutboxSize <= 0 {
			add("transport.websocket.outboxSize must be positive")
		}
		if t.WebSocket.ReconnectDelay <= 0 {
			add("transport.websocket.reconnectDelay must be positive")
		}
	case TransportMQTT:
		if t.MQTT.Broker == "" {
			add("transport.mqtt.broker is required")
		}
		if t.MQTT.QoS > 2 {
			add("transport.mqtt.qos must be 0, 1 or 2")
		}
	default:
		add("unknown transport.kind %q", t.Kind)
	}
	if t.Retry.MaxAttempts < 1 {
		add("transport.retry.maxAttempts must be at least 1")
	}
	if t.Retry.Multiplier != 0 && t.Retry.Multiplier < 1 {
		add("transport.retry.multiplier must be >= 1")
	}

	if c.Device.TelemetryBaseURL != "" && c.Device.RegisterURL == "" && c.Device.ID == "" {
		add("device.telemetryBaseUrl needs device.id or device.registerUrl")
	}

	return errors.Join(errs...)
}
