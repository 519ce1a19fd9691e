// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pipeline

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// counters are written by the ingest and sender goroutines and read by
// anyone through Stats
type counters struct {
	framesReceived atomic.Uint64
	knownFrames    atomic.Uint64
	unknownFrames  atomic.Uint64
	decodeErrors   atomic.Uint64
	invalidSignals atomic.Uint64
	changes        atomic.Uint64
	discarded      atomic.Uint64
	queueDrops     atomic.Uint64
	cacheTimeouts  atomic.Uint64
	staleSnapshots atomic.Uint64
	sourceErrors   atomic.Uint64

	batchesDelivered atomic.Uint64
	batchesRejected  atomic.Uint64
	batchesAbandoned atomic.Uint64
	retries          atomic.Uint64
	framesDelivered  atomic.Uint64
	probeFailures    atomic.Uint64
}

// Statistics is a point-in-time copy of the pipeline counters
type Statistics struct {
	StartTime time.Time
	Elapsed   time.Duration

	FramesReceived uint64
	KnownFrames    uint64
	UnknownFrames  uint64
	DecodeErrors   uint64 // payload shorter than the message layout
	InvalidSignals uint64 // decoded values outside their limits
	Changes        uint64
	Discarded      uint64 // unknown frames not relayed
	QueueDrops     uint64
	CacheTimeouts  uint64
	StaleSnapshots uint64
	SourceErrors   uint64

	BatchesDelivered uint64
	BatchesRejected  uint64
	BatchesAbandoned uint64
	Retries          uint64
	FramesDelivered  uint64
	ProbeFailures    uint64

	QueueLen int
	QueueCap int

	// Rates (calculated)
	FrameRate float64 // frames/sec
	DropRate  float64 // drops/sec
}

func (c *counters) snapshot(start, now time.Time) Statistics {
	s := Statistics{
		StartTime:        start,
		Elapsed:          now.Sub(start),
		FramesReceived:   c.framesReceived.Load(),
		KnownFrames:      c.knownFrames.Load(),
		UnknownFrames:    c.unknownFrames.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
		InvalidSignals:   c.invalidSignals.Load(),
		Changes:          c.changes.Load(),
		Discarded:        c.discarded.Load(),
		QueueDrops:       c.queueDrops.Load(),
		CacheTimeouts:    c.cacheTimeouts.Load(),
		StaleSnapshots:   c.staleSnapshots.Load(),
		SourceErrors:     c.sourceErrors.Load(),
		BatchesDelivered: c.batchesDelivered.Load(),
		BatchesRejected:  c.batchesRejected.Load(),
		BatchesAbandoned: c.batchesAbandoned.Load(),
		Retries:          c.retries.Load(),
		FramesDelivered:  c.framesDelivered.Load(),
		ProbeFailures:    c.probeFailures.Load(),
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.FrameRate = float64(s.FramesReceived) / secs
		s.DropRate = float64(s.QueueDrops) / secs
	}
	return s
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s Statistics) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	fmt.Fprintf(&b, "Frames Received: %8d\n", s.FramesReceived)
	fmt.Fprintf(&b, "Known Frames:    %8d (%.1f%%)\n", s.KnownFrames, percent(s.KnownFrames, s.FramesReceived))
	fmt.Fprintf(&b, "Unknown Frames:  %8d (%.1f%%)\n", s.UnknownFrames, percent(s.UnknownFrames, s.FramesReceived))
	fmt.Fprintf(&b, "Signal Changes:  %8d\n", s.Changes)

	if s.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors, s.FramesReceived))
	}
	if s.InvalidSignals > 0 {
		fmt.Fprintf(&b, "Invalid Signals: %8d\n", s.InvalidSignals)
	}
	if s.Discarded > 0 {
		fmt.Fprintf(&b, "Discarded:       %8d\n", s.Discarded)
	}
	if s.QueueDrops > 0 {
		fmt.Fprintf(&b, "Queue Drops:     %8d (%.1f%%)\n", s.QueueDrops, percent(s.QueueDrops, s.FramesReceived))
	}
	if s.CacheTimeouts > 0 || s.StaleSnapshots > 0 {
		fmt.Fprintf(&b, "Lock Timeouts:   %8d\n", s.CacheTimeouts)
		fmt.Fprintf(&b, "  Stale Snapshots: %6d\n", s.StaleSnapshots)
	}
	if s.SourceErrors > 0 {
		fmt.Fprintf(&b, "Source Errors:   %8d\n", s.SourceErrors)
	}

	fmt.Fprintf(&b, "Queue:           %8d/%d\n", s.QueueLen, s.QueueCap)
	fmt.Fprintf(&b, "Batches Sent:    %8d (%d frames)\n", s.BatchesDelivered, s.FramesDelivered)
	if s.BatchesRejected > 0 {
		fmt.Fprintf(&b, "  Rejected:        %6d\n", s.BatchesRejected)
	}
	if s.Retries > 0 {
		fmt.Fprintf(&b, "  Retries:         %6d\n", s.Retries)
	}
	if s.BatchesAbandoned > 0 {
		fmt.Fprintf(&b, "  Abandoned:       %6d\n", s.BatchesAbandoned)
	}
	if s.ProbeFailures > 0 {
		fmt.Fprintf(&b, "Probe Failures:  %8d\n", s.ProbeFailures)
	}

	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Drop Rate:       %8.1f drops/sec\n", s.DropRate)
	b.WriteString("================================\n")
	return b.String()
}
