// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RegisterConfig describes the device registration call
type RegisterConfig struct {
	URL           string
	Longitude     float64
	Latitude      float64
	Timeout       time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
	Client        *http.Client
}

type geoPoint struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"` // lon, lat
}

type registerRequest struct {
	Location geoPoint `json:"location"`
}

type registerResponse struct {
	DeviceID  string `json:"deviceId"`
	SavedData struct {
		DeviceID string `json:"deviceId"`
	} `json:"savedData"`
}

// Register performs one registration request and returns the device id
// assigned by the backend.
func Register(ctx context.Context, cfg RegisterConfig) (string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout, Transport: &http.Transport{DisableKeepAlives: true}}
	}

	body, err := json.Marshal(registerRequest{
		Location: geoPoint{Type: "Point", Coordinates: [2]float64{cfg.Longitude, cfg.Latitude}},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("invalid register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read register response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("register failed with HTTP %d", resp.StatusCode)
	}

	var r registerResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("invalid register response: %w", err)
	}
	switch {
	case r.DeviceID != "":
		return r.DeviceID, nil
	case r.SavedData.DeviceID != "":
		return r.SavedData.DeviceID, nil
	default:
		return "", fmt.Errorf("register response has no deviceId")
	}
}

// RegisterWithRetry repeats Register every RetryInterval until it succeeds
// or ctx is cancelled.
func RegisterWithRetry(ctx context.Context, cfg RegisterConfig) (string, error) {
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 1; ; attempt++ {
		id, err := Register(ctx, cfg)
		if err == nil {
			logger.Info("device registered", "device_id", id, "attempts", attempt)
			return id, nil
		}
		logger.Warn("device registration failed", "error", err, "attempt", attempt, "retry_in", interval)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("registration cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// TelemetryURL appends the device id to the telemetry base URL
func TelemetryURL(base, deviceID string) string {
	return base + deviceID
}
