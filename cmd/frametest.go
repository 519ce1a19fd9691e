// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/logging"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/source"
)

var (
	frameTestTimeout int
	frameTestID      string
	frameTestKnown   bool
)

var frameTestCmd = &cobra.Command{
	Use:   "frame_test",
	Short: "Test the source by waiting for a valid CAN frame",
	Long: `Wait for a CAN frame on the configured source until timeout.

With --id only frames with that identifier count; with --known only frames
that decode without error against the decoding table count.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a matching frame
  2 - Source error

Useful for checking wiring, bitrate and adapter setup.`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
	frameTestCmd.Flags().StringVar(&frameTestID, "id", "", "Only accept this identifier (hex, e.g. 0x120)")
	frameTestCmd.Flags().BoolVar(&frameTestKnown, "known", false, "Only accept frames the decoding table knows")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	var wantID *uint32
	if frameTestID != "" {
		id, err := strconv.ParseUint(frameTestID, 0, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --id %q: %v\n", frameTestID, err)
			os.Exit(2)
		}
		v := uint32(id)
		wantID = &v
	}

	table, err := pipeline.LoadTable(cfg.Decoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decoding table error: %v\n", err)
		os.Exit(2)
	}

	// quiet: this command reports on stdout
	logger := logging.New(io.Discard, 0)
	src, srcInfo, err := OpenSource(cfg, table, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Source error: %v\n", err)
		os.Exit(2)
	}
	defer src.Close()

	fmt.Printf("canbridge - Frame Test\n")
	fmt.Printf("Source: %s\n", srcInfo)
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for a valid frame...\n\n")

	deadline := time.Now().Add(time.Duration(frameTestTimeout) * time.Second)
	skipped := 0

	for time.Now().Before(deadline) {
		f, ok, err := src.Poll(time.Until(deadline))
		if err != nil {
			if errors.Is(err, source.ErrExhausted) {
				break
			}
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}
		if !ok {
			continue
		}

		sig, known, decodeErr := table.DecodeFrame(f, time.Now())
		if !frameMatches(f, wantID, known, decodeErr) {
			skipped++
			continue
		}

		if skipped > 0 {
			fmt.Printf("(skipped %d non-matching frames)\n", skipped)
		}
		printFrameTestResult(f, sig, known)
		os.Exit(0)
	}

	fmt.Fprintf(os.Stderr, "TIMEOUT: No matching frame received within %d seconds\n", frameTestTimeout)
	os.Exit(1)
	return nil
}

func frameMatches(f canframe.Frame, wantID *uint32, known bool, decodeErr error) bool {
	if wantID != nil && f.ID != *wantID {
		return false
	}
	if frameTestKnown && (!known || decodeErr != nil) {
		return false
	}
	return f.Validate() == nil
}

func printFrameTestResult(f canframe.Frame, sig signal.Signal, known bool) {
	fmt.Printf("SUCCESS: Received valid frame\n")
	fmt.Printf("  ID: 0x%X (%s)\n", f.ID, map[bool]string{true: "extended", false: "standard"}[f.Extended])
	fmt.Printf("  DLC: %d\n", f.Length)
	fmt.Printf("  Data: %s\n", f.HexPayload())
	if known {
		fmt.Printf("  Signal: %s\n", sig)
	}
}
