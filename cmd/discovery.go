// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/logging"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/source"
)

var (
	discoveryTimeout int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Survey the identifiers seen on the bus",
	Long: `Listen on the configured source and list every CAN identifier observed.

For each identifier the survey shows the frame type, the data lengths seen,
the number of frames and the signal kind it decodes to (if the decoding
table knows it). Useful for building a decoding table for a new vehicle.

Examples:
  # Survey a SocketCAN interface for 10 seconds
  canbridge discovery --interface can0 --timeout 10

  # Survey an SLCAN adapter
  canbridge discovery --port /dev/ttyACM0 --bitrate 250000

Exit codes:
  0 - Survey finished with at least one identifier seen
  1 - No frames received
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 5, "Listening time in seconds")
}

// busIdentifier is one row of the survey
type busIdentifier struct {
	id       uint32
	extended bool
	count    uint64
	lengths  map[uint8]bool
	kind     string
	last     canframe.Frame
}

// busSurvey accumulates identifiers in order of first appearance
type busSurvey struct {
	table *signal.Table
	rows  map[uint64]*busIdentifier
	total uint64
}

func newBusSurvey(table *signal.Table) *busSurvey {
	return &busSurvey{table: table, rows: make(map[uint64]*busIdentifier)}
}

func surveyKey(id uint32, extended bool) uint64 {
	key := uint64(id)
	if extended {
		key |= 1 << 32
	}
	return key
}

// Add records a frame and reports whether its identifier is new
func (s *busSurvey) Add(f canframe.Frame) bool {
	s.total++
	key := surveyKey(f.ID, f.Extended)
	row, ok := s.rows[key]
	if !ok {
		row = &busIdentifier{id: f.ID, extended: f.Extended, lengths: make(map[uint8]bool)}
		if spec, known := s.table.Lookup(f.ID, f.Extended); known {
			row.kind = spec.Kind
		}
		s.rows[key] = row
	}
	row.count++
	row.lengths[f.Length] = true
	row.last = f
	return !ok
}

// Rows returns the identifiers sorted standard first, then by id
func (s *busSurvey) Rows() []*busIdentifier {
	rows := make([]*busIdentifier, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].extended != rows[j].extended {
			return !rows[i].extended
		}
		return rows[i].id < rows[j].id
	})
	return rows
}

func (r *busIdentifier) lengthList() string {
	var out string
	for dlc := uint8(0); dlc <= canframe.MaxDataLength; dlc++ {
		if !r.lengths[dlc] {
			continue
		}
		if out != "" {
			out += ","
		}
		out += fmt.Sprintf("%d", dlc)
	}
	return out
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	table, err := pipeline.LoadTable(cfg.Decoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decoding table error: %v\n", err)
		os.Exit(2)
	}

	src, srcInfo, err := OpenSource(cfg, table, logging.New(io.Discard, 0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer src.Close()

	fmt.Printf("canbridge - Bus Discovery\n")
	fmt.Printf("Source: %s\n", srcInfo)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	survey := newBusSurvey(table)
	deadline := time.Now().Add(time.Duration(discoveryTimeout) * time.Second)

	for time.Now().Before(deadline) {
		f, ok, err := src.Poll(time.Until(deadline))
		if err != nil {
			if errors.Is(err, source.ErrExhausted) {
				break
			}
			fmt.Printf("READ FAILED: %v\n", err)
			os.Exit(2)
		}
		if ok && survey.Add(f) {
			fmt.Printf("New identifier: %s\n", f)
		}
	}

	rows := survey.Rows()
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Frames received: %d\n", survey.total)
	fmt.Printf("Identifiers found: %d\n\n", len(rows))

	if len(rows) == 0 {
		fmt.Printf("No frames received. Check wiring, bitrate and termination.\n")
		os.Exit(1)
	}

	fmt.Printf("%-10s %-4s %-7s %8s  %-16s %s\n", "ID", "TYPE", "DLC", "FRAMES", "LAST DATA", "KIND")
	for _, r := range rows {
		kind := r.kind
		if kind == "" {
			kind = "-"
		}
		fmt.Printf("0x%-8X %-4s %-7s %8d  %-16s %s\n",
			r.id, r.last.TypeFlag(), r.lengthList(), r.count, r.last.HexPayload(), kind)
	}
	return nil
}
