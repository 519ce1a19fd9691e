// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/logging"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
	"github.com/Thermoquad/canbridge/pkg/source"
	"github.com/Thermoquad/canbridge/pkg/transport"
)

var (
	linkTestTimeout  int
	linkTestCount    int
	linkTestDuration int
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test the backend link by sending test batches",
	Long: `Check that the configured transport can reach the backend.

The endpoint is first probed with a plain TCP connection, then --count test
batches of simulated frames are sent through the transport. For WebSocket
links a send succeeds once the message has left the outbox; with --duration
the link is watched afterwards and every event (connects, disconnects, text
messages from the server) is printed.

This is useful for verifying:
  - DNS and TCP reachability of the backend
  - HTTP Basic authentication works
  - The backend accepts the payload format

Exit codes:
  0 - All test batches delivered
  1 - One or more batches failed or timed out
  2 - Connection error`,
	RunE: runLinkTest,
}

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestTimeout, "timeout", 5, "Timeout in seconds for each batch")
	linkTestCmd.Flags().IntVar(&linkTestCount, "count", 3, "Number of test batches to send")
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 0, "Watch link events for N seconds after the test")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	password, err := TransportPassword(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Password error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(io.Discard, 0)
	deviceID, err := pipeline.ResolveDeviceID(ctx, cfg.Device, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Registration error: %v\n", err)
		os.Exit(2)
	}

	events := make(chan transport.Event, 64)
	onEvent := func(e transport.Event) {
		select {
		case events <- e:
		default:
		}
	}

	tr, prober, err := pipeline.NewTransport(ctx, cfg, deviceID, password, onEvent, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer tr.Close()

	fmt.Printf("canbridge - Link Test\n")
	fmt.Printf("Transport: %s\n", tr.Name())
	fmt.Printf("Device: %s\n", deviceID)
	fmt.Printf("Timeout: %d seconds per batch\n", linkTestTimeout)
	fmt.Printf("Count: %d batches\n\n", linkTestCount)

	timeout := time.Duration(linkTestTimeout) * time.Second

	if prober != nil {
		fmt.Printf("Probe: ")
		start := time.Now()
		pctx, pcancel := context.WithTimeout(ctx, timeout)
		err := prober.Probe(pctx)
		pcancel()
		if err != nil {
			fmt.Printf("UNREACHABLE: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("reachable, connect=%v\n", time.Since(start).Round(time.Millisecond))
	}

	if link, ok := tr.(*transport.Link); ok {
		fmt.Printf("Link: ")
		if !waitLinkState(link, transport.Connected, timeout) {
			fmt.Printf("TIMEOUT (state %s after %ds)\n", link.State(), linkTestTimeout)
			os.Exit(2)
		}
		fmt.Printf("connected\n")
	}

	table, err := pipeline.LoadTable(cfg.Decoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decoding table error: %v\n", err)
		os.Exit(2)
	}
	sim := source.NewSimulator(table, 0, time.Now().UnixNano())

	successCount := 0
	failCount := 0

	for i := 1; i <= linkTestCount; i++ {
		fmt.Printf("Batch %d/%d: ", i, linkTestCount)

		p := &transport.Payload{
			BatchID:   uuid.New(),
			DeviceID:  deviceID,
			Timestamp: time.Now(),
			Frames:    testFrames(sim, 5),
			Context:   cfg.Device.Context,
		}

		start := time.Now()
		sctx, scancel := context.WithTimeout(ctx, timeout)
		d, err := tr.Send(sctx, p)
		scancel()
		if err != nil {
			fmt.Printf("FAILED (%s): %v\n", transport.ClassOf(err), err)
			failCount++
			continue
		}

		if link, ok := tr.(*transport.Link); ok && !waitOutboxEmpty(link, timeout) {
			fmt.Printf("TIMEOUT (still queued after %ds)\n", linkTestTimeout)
			failCount++
			continue
		}

		rtt := time.Since(start).Round(time.Millisecond)
		if d.Status != 0 {
			fmt.Printf("OK HTTP %d, %d bytes, rtt=%v\n", d.Status, d.Bytes, rtt)
		} else {
			fmt.Printf("OK %d messages, %d bytes, rtt=%v\n", d.Messages, d.Bytes, rtt)
		}
		successCount++

		if i < linkTestCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Link statistics ---\n")
	fmt.Printf("%d batches sent, %d delivered, %.0f%% loss\n",
		linkTestCount, successCount, float64(failCount)/float64(max(linkTestCount, 1))*100)

	if linkTestDuration > 0 {
		watchLinkEvents(events, time.Duration(linkTestDuration)*time.Second)
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

func testFrames(sim *source.Simulator, n int) []canframe.Frame {
	frames := make([]canframe.Frame, n)
	for i := range frames {
		frames[i] = sim.Generate()
	}
	return frames
}

func waitLinkState(link *transport.Link, want transport.LinkState, timeout time.Duration) bool {
	return pollUntil(timeout, func() bool { return link.State() == want })
}

func waitOutboxEmpty(link *transport.Link, timeout time.Duration) bool {
	return pollUntil(timeout, func() bool { return link.Pending() == 0 })
}

func pollUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return true
}

func watchLinkEvents(events <-chan transport.Event, d time.Duration) {
	fmt.Printf("\nWatching link for %v...\n", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case e := <-events:
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), formatLinkEvent(e))
		}
	}
}

func formatLinkEvent(e transport.Event) string {
	switch e.Type {
	case transport.EventText:
		return "text: " + e.Text
	case transport.EventDisconnected, transport.EventError:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Type, e.Err)
		}
	}
	return e.Type.String()
}
