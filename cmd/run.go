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

	"github.com/Thermoquad/canbridge/pkg/logging"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
)

var (
	runStatsInterval int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the telemetry pipeline",
	Long: `Ingest frames from the configured source and deliver them in batches.

The pipeline runs until interrupted (Ctrl+C / SIGTERM) or, for a replay
source without looping, until the log has been sent completely.

Exit codes:
  0 - Stopped normally
  1 - Invalid configuration or initialization failure`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runStatsInterval, "stats", 0, "Print statistics every N seconds (0 = only at exit)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer logging.Flush(logger)

	password, err := TransportPassword(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := pipeline.Build(ctx, cfg, pipeline.Options{Password: password, Logger: logger})
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer rt.Close()

	fmt.Printf("canbridge - Telemetry Pipeline\n")
	fmt.Printf("Device: %s\n", rt.DeviceID)
	fmt.Printf("Batch: %d frames or %v\n", cfg.Batch.Threshold, cfg.Batch.Interval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if runStatsInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(runStatsInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fmt.Print(rt.Stats().String())
				}
			}
		}()
	}

	if err := rt.Run(ctx); err != nil {
		return err
	}

	fmt.Print("\n" + rt.Stats().String())
	return nil
}
