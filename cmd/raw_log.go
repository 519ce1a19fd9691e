// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/source"
)

var (
	rawLogCSV         string
	rawLogSQLite      string
	rawLogChangesOnly bool
	rawLogKnownOnly   bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display received frames in human-readable format",
	Long: `Continuously read CAN frames and print them with their decoded signals.

Each line shows the receive time, identifier, frame type, length and payload.
Frames with a known identifier are followed by the decoded signal.

With --csv, every frame is also appended to a CSV log in the form
timestamp,identifierHex,S|E,dlc,hexPayload where timestamp is milliseconds
since the log was opened.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringVar(&rawLogCSV, "csv", "", "Append frames to this CSV file")
	rawLogCmd.Flags().StringVar(&rawLogSQLite, "sqlite", "", "Record frames in this SQLite database")
	rawLogCmd.Flags().BoolVar(&rawLogChangesOnly, "changes-only", false, "Only print frames whose signal changed")
	rawLogCmd.Flags().BoolVar(&rawLogKnownOnly, "known-only", false, "Hide frames with unknown identifiers")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := NewLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	table, err := pipeline.LoadTable(cfg.Decoding)
	if err != nil {
		return err
	}

	cfg.Audit.CSV = rawLogCSV
	cfg.Audit.SQLite = rawLogSQLite
	audit, err := pipeline.OpenAudit(cfg.Audit, logger)
	if err != nil {
		return err
	}
	if audit != nil {
		defer audit.Close()
	}

	src, srcInfo, err := OpenSource(cfg, table, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	fmt.Printf("canbridge - Raw Frame Log\n")
	fmt.Printf("Source: %s\n", srcInfo)
	if rawLogCSV != "" {
		fmt.Printf("CSV log: %s\n", rawLogCSV)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	decoder := signal.NewDecoder(table)

	for ctx.Err() == nil {
		f, ok, err := src.Poll(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, source.ErrExhausted) || errors.Is(err, source.ErrClosed) {
				return nil
			}
			logger.Error("read error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		now := time.Now()
		if audit != nil {
			audit.LogFrame(f)
		}

		change, known, decodeErr := decoder.Observe(f, now)
		if line, show := formatRawLine(now, f, change, known, decodeErr); show {
			fmt.Println(line)
		}
	}
	return nil
}

// formatRawLine renders one frame and decides whether the filters show it
func formatRawLine(now time.Time, f canframe.Frame, change *signal.Change, known bool, decodeErr error) (string, bool) {
	line := canframe.Format(now, f)
	switch {
	case decodeErr != nil:
		return line + "  ERROR: " + decodeErr.Error(), true
	case !known:
		return line, !rawLogKnownOnly && !rawLogChangesOnly
	case change == nil:
		return line + "  (unchanged)", !rawLogChangesOnly
	}

	return line + "  " + change.New.String(), true
}
