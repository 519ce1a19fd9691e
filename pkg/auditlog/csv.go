// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package auditlog

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// CSVSink writes one line per frame:
// timestamp,identifierHex,S|E,dlc,hexPayload
// Delivery records are not part of the CSV log.
type CSVSink struct {
	w      *bufio.Writer
	closer io.Closer
}

// NewCSVSink writes to w; closer may be nil
func NewCSVSink(w io.Writer, closer io.Closer) *CSVSink {
	return &CSVSink{w: bufio.NewWriter(w), closer: closer}
}

// OpenCSVFile appends to (or creates) a CSV log file
func OpenCSVFile(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV log %s: %w", path, err)
	}
	return NewCSVSink(f, f), nil
}

// Write implements Sink
func (c *CSVSink) Write(entries []Entry) error {
	for _, e := range entries {
		if e.Frame == nil {
			continue
		}
		if _, err := c.w.WriteString(canframe.FormatCSV(e.Elapsed, *e.Frame)); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// Close flushes and closes the underlying file
func (c *CSVSink) Close() error {
	err := c.w.Flush()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
