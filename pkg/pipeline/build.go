// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Thermoquad/canbridge/pkg/auditlog"
	"github.com/Thermoquad/canbridge/pkg/batch"
	"github.com/Thermoquad/canbridge/pkg/cache"
	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/config"
	"github.com/Thermoquad/canbridge/pkg/queue"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/source"
	"github.com/Thermoquad/canbridge/pkg/transport"
)

// Options carries what does not live in the config file
type Options struct {
	Password string        // HTTP basic auth / broker password
	Source   source.Source // replaces the configured source when set
	OnChange func(signal.Change)
	OnResult func(transport.Result)
	OnEvent  func(transport.Event) // WebSocket link events
	Logger   *slog.Logger
}

// Runtime is a pipeline together with the resources it owns
type Runtime struct {
	*Pipeline
	DeviceID string
	closers  []func() error
}

// Close releases the source, the transport and the audit log, in that order
func (r *Runtime) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build assembles a pipeline from configuration. Failures here are fatal:
// anything already opened is closed again before returning.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *Runtime, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	table, err := LoadTable(cfg.Decoding)
	if err != nil {
		return nil, err
	}

	deviceID, err := ResolveDeviceID(ctx, cfg.Device, logger)
	if err != nil {
		return nil, err
	}
	rt.DeviceID = deviceID

	audit, err := OpenAudit(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	if audit != nil {
		rt.closers = append(rt.closers, audit.Close)
	}

	tr, prober, err := NewTransport(ctx, cfg, deviceID, opts.Password, opts.OnEvent, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append([]func() error{tr.Close}, rt.closers...)

	src := opts.Source
	if src == nil {
		src, err = source.Open(cfg.Source, table, logger)
		if err != nil {
			return nil, err
		}
	}
	rt.closers = append([]func() error{src.Close}, rt.closers...)

	batcher, err := batch.New[canframe.Frame](batch.Config{
		Threshold:  cfg.Batch.Threshold,
		Interval:   cfg.Batch.Interval,
		TickPeriod: cfg.Sender.Period,
	})
	if err != nil {
		return nil, err
	}

	retry := cfg.Transport.Retry
	p, err := New(Config{
		Source:    src,
		Decoder:   signal.NewDecoder(table),
		Cache:     cache.New(),
		Queue:     queue.New[canframe.Frame](cfg.Queue.Capacity),
		Batcher:   batcher,
		Transport: tr,
		Retry: transport.RetryPolicy{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
			Multiplier:  retry.Multiplier,
		},
		Prober:         prober,
		Audit:          audit,
		DeviceID:       deviceID,
		Context:        cfg.Device.Context,
		DiscardUnknown: cfg.Decoding.Unknown == config.UnknownDiscard,
		PollTimeout:    cfg.Ingest.PollTimeout,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
		LockTimeout:    cfg.Cache.LockTimeout,
		SenderPeriod:   cfg.Sender.Period,
		StatusInterval: cfg.Sender.StatusInterval,
		ProbeInterval:  cfg.Transport.Probe.Interval,
		OnChange:       opts.OnChange,
		OnResult:       opts.OnResult,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	rt.Pipeline = p
	return rt, nil
}

// LoadTable returns the configured decoding table or the built-in one
func LoadTable(cfg config.DecodingConfig) (*signal.Table, error) {
	if cfg.Table == "" {
		return signal.DefaultTable(), nil
	}
	table, err := signal.LoadTable(cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to load decoding table: %w", err)
	}
	return table, nil
}

// ResolveDeviceID registers with the backend when a register URL is set,
// otherwise uses the configured id or generates "<prefix>-<uuid>"
func ResolveDeviceID(ctx context.Context, cfg config.DeviceConfig, logger *slog.Logger) (string, error) {
	if cfg.RegisterURL != "" {
		return transport.RegisterWithRetry(ctx, transport.RegisterConfig{
			URL:           cfg.RegisterURL,
			Longitude:     cfg.Longitude,
			Latitude:      cfg.Latitude,
			RetryInterval: cfg.RegisterRetry,
			Logger:        logger,
		})
	}
	if cfg.ID != "" {
		return cfg.ID, nil
	}
	prefix := cfg.IDPrefix
	if prefix == "" {
		prefix = "canbridge"
	}
	id := prefix + "-" + uuid.New().String()
	logger.Info("generated device id", "device_id", id)
	return id, nil
}

// OpenAudit opens the configured audit sinks; nil when none is configured
func OpenAudit(cfg config.AuditConfig, logger *slog.Logger) (*auditlog.Logger, error) {
	var sinks []auditlog.Sink
	if cfg.CSV != "" {
		s, err := auditlog.OpenCSVFile(cfg.CSV)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.SQLite != "" {
		s, err := auditlog.OpenSQLite(cfg.SQLite)
		if err != nil {
			for _, open := range sinks {
				open.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return auditlog.New(auditlog.Config{BufferSize: cfg.BufferSize, Logger: logger}, sinks...), nil
}

// NewTransport constructs the configured transport and a prober for its
// endpoint. WebSocket links are started and MQTT clients connected.
func NewTransport(ctx context.Context, cfg config.Config, deviceID, password string, onEvent func(transport.Event), logger *slog.Logger) (transport.Transport, transport.Prober, error) {
	tc := cfg.Transport
	format, err := transport.ParseFormat(tc.Format)
	if err != nil {
		return nil, nil, err
	}

	var endpoint string
	var tr transport.Transport

	switch tc.Kind {
	case config.TransportHTTP:
		endpoint = tc.HTTP.URL
		if cfg.Device.TelemetryBaseURL != "" {
			endpoint = transport.TelemetryURL(cfg.Device.TelemetryBaseURL, deviceID)
		}
		h, err := transport.NewHTTP(transport.HTTPConfig{
			URL:           endpoint,
			Format:        format,
			Timeout:       tc.HTTP.Timeout,
			Gzip:          tc.HTTP.Gzip,
			Username:      tc.HTTP.Username,
			Password:      password,
			Headers:       tc.HTTP.Headers,
			SkipTLSVerify: tc.HTTP.SkipTLSVerify,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		tr = h

	case config.TransportWebSocket:
		endpoint = tc.WebSocket.URL
		link, err := transport.NewLink(transport.LinkConfig{
			URL:              endpoint,
			Username:         tc.WebSocket.Username,
			Password:         password,
			SkipTLSVerify:    tc.WebSocket.SkipTLSVerify,
			HandshakeTimeout: tc.WebSocket.HandshakeTimeout,
			WriteTimeout:     tc.WebSocket.WriteTimeout,
			ReconnectDelay:   tc.WebSocket.ReconnectDelay,
			OutboxSize:       tc.WebSocket.OutboxSize,
			Greeting:         tc.WebSocket.Greeting,
			Encoding:         tc.WebSocket.Encoding,
			Mode:             tc.WebSocket.Mode,
			Format:           format,
			OnEvent:          onEvent,
			Logger:           logger,
		})
		if err != nil {
			return nil, nil, err
		}
		link.Start(ctx)
		tr = link

	case config.TransportMQTT:
		endpoint = transport.BrokerURL(tc.MQTT.Broker)
		clientID := tc.MQTT.ClientID
		if clientID == "" {
			clientID = deviceID
		}
		m, err := transport.NewMQTT(transport.MQTTConfig{
			Broker:         tc.MQTT.Broker,
			ClientID:       clientID,
			Topic:          tc.MQTT.Topic,
			QoS:            tc.MQTT.QoS,
			Retained:       tc.MQTT.Retained,
			Username:       tc.MQTT.Username,
			Password:       password,
			Format:         format,
			ConnectTimeout: tc.MQTT.ConnectTimeout,
			PublishTimeout: tc.MQTT.PublishTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
		// the client keeps retrying in the background
		if err := m.Connect(ctx); err != nil {
			logger.Warn("mqtt not connected yet", "broker", endpoint, "error", err)
		}
		tr = m

	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}

	prober, err := transport.NewTCPProberForURL(endpoint, tc.Probe.Timeout)
	if err != nil {
		logger.Debug("connectivity probe disabled", "endpoint", endpoint, "error", err)
		return tr, nil, nil
	}
	return tr, prober, nil
}
