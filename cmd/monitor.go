// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/canbridge/pkg/logging"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/transport"
)

var (
	monitorLogFile string
	monitorTUI     bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the pipeline with a live dashboard",
	Long: `Run the telemetry pipeline and show what it is doing.

The dashboard shows the latest value of every signal kind, the pipeline
counters (frames, changes, drops, batches, retries) and a log of recent
events: batch results, link state changes and invalid readings.

Signal values are read from the shared cache with a bounded lock wait; when
the wait times out the last good snapshot is shown and marked stale.

Use --tui=false for a plain text stream of changes and batch results.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "Write pipeline logs to this file (default: discard in TUI mode)")
	monitorCmd.Flags().BoolVar(&monitorTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var logOut io.Writer = os.Stderr
	if monitorTUI {
		logOut = io.Discard
	}
	if monitorLogFile != "" {
		f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := NewLogger(cfg, logOut)
	if err != nil {
		return err
	}
	defer logging.Flush(logger)

	password, err := TransportPassword(cfg)
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan monitorEvent, 256)
	push := func(e monitorEvent) {
		select {
		case events <- e:
		default:
		}
	}

	opts := pipeline.Options{
		Password: password,
		Logger:   logger,
		OnResult: func(r transport.Result) { push(resultEvent(r)) },
		OnEvent:  func(e transport.Event) { push(linkEvent(e)) },
		OnChange: func(c signal.Change) {
			if !c.New.Valid {
				push(monitorEvent{at: time.Now(), message: "invalid reading: " + c.New.String(), isError: true})
			}
		},
	}
	if !monitorTUI {
		opts.OnChange = func(c signal.Change) {
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), c.New)
		}
		opts.OnResult = func(r transport.Result) {
			fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), resultEvent(r).message)
		}
		opts.OnEvent = func(e transport.Event) {
			fmt.Printf("[%s] link %s\n", time.Now().Format("15:04:05.000"), formatLinkEvent(e))
		}
	}

	rt, err := pipeline.Build(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		runErr <- rt.Run(ctx)
		close(finished)
	}()

	if !monitorTUI {
		fmt.Printf("canbridge - Monitor (device %s)\n", rt.DeviceID)
		fmt.Printf("Press Ctrl+C to exit\n\n")
		err := <-runErr
		fmt.Print("\n" + rt.Stats().String())
		return err
	}

	m := newMonitorModel(monitorSource{
		title:       fmt.Sprintf("Device: %s | Transport: %s", rt.DeviceID, cfg.Transport.Kind),
		stats:       rt.Stats,
		cache:       rt.Cache(),
		lockTimeout: cfg.Cache.LockTimeout,
		events:      events,
		done:        finished,
	})
	p := tea.NewProgram(m, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	cancel()
	select {
	case err := <-runErr:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("pipeline did not stop in time")
	}
}

func resultEvent(r transport.Result) monitorEvent {
	e := monitorEvent{at: time.Now()}
	frames := 0
	if r.Payload != nil {
		frames = len(r.Payload.Frames)
	}
	switch r.Outcome {
	case transport.Delivered:
		e.message = fmt.Sprintf("batch delivered: %d frames, attempt %d, %v", frames, r.Attempt, r.Delivery.Duration.Round(time.Millisecond))
	case transport.Retrying:
		e.message = fmt.Sprintf("batch failed (attempt %d), retry at %s: %v", r.Attempt, r.NextTry.Format("15:04:05"), r.Err)
		e.isError = true
	default:
		e.message = fmt.Sprintf("batch %s after %d attempts (%d frames): %v", r.Outcome, r.Attempt, frames, r.Err)
		e.isError = true
	}
	return e
}

func linkEvent(ev transport.Event) monitorEvent {
	return monitorEvent{
		at:      time.Now(),
		message: "link " + formatLinkEvent(ev),
		isError: ev.Type == transport.EventDisconnected || ev.Type == transport.EventError,
	}
}
