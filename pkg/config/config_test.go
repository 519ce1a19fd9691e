// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Defaults
// ============================================================

func TestDefaultTimings(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"poll timeout", cfg.Ingest.PollTimeout, 10 * time.Millisecond},
		{"enqueue timeout", cfg.Queue.EnqueueTimeout, time.Millisecond},
		{"lock timeout", cfg.Cache.LockTimeout, 50 * time.Millisecond},
		{"batch interval", cfg.Batch.Interval, 2 * time.Second},
		{"sender period", cfg.Sender.Period, 100 * time.Millisecond},
		{"http timeout", cfg.Transport.HTTP.Timeout, 10 * time.Second},
		{"reconnect delay", cfg.Transport.WebSocket.ReconnectDelay, 5 * time.Second},
		{"simulator period", cfg.Source.SimulatorPeriod, 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	if cfg.Queue.Capacity != 500 {
		t.Errorf("Queue.Capacity = %d, want 500", cfg.Queue.Capacity)
	}
	if cfg.Batch.Threshold != 250 {
		t.Errorf("Batch.Threshold = %d, want 250", cfg.Batch.Threshold)
	}
	if cfg.Transport.WebSocket.OutboxSize != 50 {
		t.Errorf("OutboxSize = %d, want 50", cfg.Transport.WebSocket.OutboxSize)
	}
}

func TestDefaultNeedsEndpoint(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want missing http url error")
	}
	if !strings.Contains(err.Error(), "transport.http.url") {
		t.Errorf("Validate() = %v, want transport.http.url error", err)
	}

	cfg.Transport.HTTP.URL = "http://localhost:8080/telemetry"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

// ============================================================
// Validation
// ============================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown source", func(c *Config) { c.Source.Kind = "carrier-pigeon" }, "source.kind"},
		{"slcan without port", func(c *Config) { c.Source.Kind = SourceSLCAN }, "source.port"},
		{"replay without file", func(c *Config) { c.Source.Kind = SourceReplay }, "source.file"},
		{"bad unknown policy", func(c *Config) { c.Decoding.Unknown = "ignore" }, "decoding.unknown"},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, "queue.capacity"},
		{"threshold above capacity", func(c *Config) { c.Batch.Threshold = 600 }, "exceeds queue.capacity"},
		{"zero interval", func(c *Config) { c.Batch.Interval = 0 }, "batch.interval"},
		{"bad format", func(c *Config) { c.Transport.Format = "xml" }, "transport.format"},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "udp" }, "transport.kind"},
		{"websocket without url", func(c *Config) { c.Transport.Kind = TransportWebSocket }, "transport.websocket.url"},
		{"mqtt without broker", func(c *Config) { c.Transport.Kind = TransportMQTT }, "transport.mqtt.broker"},
		{"zero attempts", func(c *Config) { c.Transport.Retry.MaxAttempts = 0 }, "maxAttempts"},
		{"shrinking multiplier", func(c *Config) { c.Transport.Retry.Multiplier = 0.5 }, "multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Transport.HTTP.URL = "http://localhost/telemetry"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Queue.Capacity = 0
	cfg.Sender.Period = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{"queue.capacity", "sender.period", "transport.http.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() missing %q in %v", want, err)
		}
	}
}

// ============================================================
// Loading
// ============================================================

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canbridge.yaml")
	data := `
source:
  kind: slcan
  port: /dev/ttyACM0
  fallbackAfter: 5s
batch:
  threshold: 100
  interval: 500ms
transport:
  kind: websocket
  websocket:
    url: ws://localhost:9000/stream
    greeting: hello
device:
  id: bench-1
  context:
    vehicle: cart-7
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source.Kind != SourceSLCAN || cfg.Source.Port != "/dev/ttyACM0" {
		t.Errorf("Source = %+v", cfg.Source)
	}
	if cfg.Source.FallbackAfter != 5*time.Second {
		t.Errorf("FallbackAfter = %v, want 5s", cfg.Source.FallbackAfter)
	}
	if cfg.Source.Baud != 115200 {
		t.Errorf("Baud = %d, want default 115200", cfg.Source.Baud)
	}
	if cfg.Batch.Threshold != 100 || cfg.Batch.Interval != 500*time.Millisecond {
		t.Errorf("Batch = %+v", cfg.Batch)
	}
	if cfg.Transport.WebSocket.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want default 5s", cfg.Transport.WebSocket.ReconnectDelay)
	}
	if cfg.Transport.WebSocket.Greeting != "hello" {
		t.Errorf("Greeting = %q, want hello", cfg.Transport.WebSocket.Greeting)
	}
	if cfg.Device.Context["vehicle"] != "cart-7" {
		t.Errorf("Context = %v", cfg.Device.Context)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) = nil error, want error")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("batch: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Load(bad yaml) = nil error, want error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("queue:\n  capacity: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil {
		t.Error("Load(invalid) = nil error, want validation error")
	}
}
