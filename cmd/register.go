// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canbridge/pkg/transport"
)

var (
	registerURL       string
	registerLongitude float64
	registerLatitude  float64
	registerRetry     bool
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the backend",
	Long: `Send a registration request with the device location and print the
device id assigned by the backend.

The request body is {"location": {"type": "Point", "coordinates": [lon, lat]}}.
Put the printed id into device.id to keep it across restarts, or set
device.registerUrl to register on every start.

Exit codes:
  0 - Registered
  1 - Registration failed`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVar(&registerURL, "register-url", "", "Registration endpoint (default: device.registerUrl)")
	registerCmd.Flags().Float64Var(&registerLongitude, "longitude", 0, "Device longitude")
	registerCmd.Flags().Float64Var(&registerLatitude, "latitude", 0, "Device latitude")
	registerCmd.Flags().BoolVar(&registerRetry, "retry", false, "Keep retrying until registration succeeds")
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}

	dev := cfg.Device
	if cmd.Flags().Changed("register-url") {
		dev.RegisterURL = registerURL
	}
	if cmd.Flags().Changed("longitude") {
		dev.Longitude = registerLongitude
	}
	if cmd.Flags().Changed("latitude") {
		dev.Latitude = registerLatitude
	}
	if dev.RegisterURL == "" {
		return fmt.Errorf("--register-url or device.registerUrl is required")
	}

	logger, err := NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := transport.RegisterConfig{
		URL:           dev.RegisterURL,
		Longitude:     dev.Longitude,
		Latitude:      dev.Latitude,
		Timeout:       cfg.Transport.HTTP.Timeout,
		RetryInterval: dev.RegisterRetry,
		Logger:        logger,
	}

	fmt.Printf("canbridge - Device Registration\n")
	fmt.Printf("Endpoint: %s\n", rc.URL)
	fmt.Printf("Location: %.6f, %.6f\n\n", rc.Longitude, rc.Latitude)

	start := time.Now()
	var id string
	if registerRetry {
		id, err = transport.RegisterWithRetry(ctx, rc)
	} else {
		id, err = transport.Register(ctx, rc)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "REGISTRATION FAILED: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Registered in %v\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Device ID: %s\n", id)
	if cfg.Device.TelemetryBaseURL != "" {
		fmt.Printf("  Telemetry URL: %s\n", transport.TelemetryURL(cfg.Device.TelemetryBaseURL, id))
	}
	return nil
}
