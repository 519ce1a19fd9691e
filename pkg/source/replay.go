// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// Replay plays back a recorded log. Both the audit CSV format and
// candump logs are accepted, line by line. Recorded timing is honored
// when speed is positive.
type Replay struct {
	path   string
	file   io.ReadCloser
	lines  *bufio.Scanner
	speed  float64
	loop   bool
	logger *slog.Logger

	pending    *replayEntry
	startWall  time.Time
	startStamp time.Duration
	started    bool

	skipped atomic.Uint64
	closed  atomic.Bool

	now   func() time.Time
	sleep func(time.Duration)
}

type replayEntry struct {
	at    time.Duration
	timed bool
	frame canframe.Frame
}

// OpenReplay opens a log file. With loop set, the file restarts at EOF.
func OpenReplay(path string, speed float64, loop bool, logger *slog.Logger) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	r := NewReplay(f, speed, logger)
	r.path = path
	r.loop = loop
	return r, nil
}

// NewReplay plays back a stream once
func NewReplay(rc io.ReadCloser, speed float64, logger *slog.Logger) *Replay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replay{
		file:   rc,
		lines:  bufio.NewScanner(rc),
		speed:  speed,
		logger: logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (r *Replay) Name() string {
	if r.path != "" {
		return "replay:" + r.path
	}
	return "replay"
}

// Skipped is the number of unparseable lines
func (r *Replay) Skipped() uint64 {
	return r.skipped.Load()
}

func (r *Replay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.file.Close()
}

func (r *Replay) Poll(timeout time.Duration) (canframe.Frame, bool, error) {
	if r.closed.Load() {
		return canframe.Frame{}, false, ErrClosed
	}
	if r.pending == nil {
		entry, err := r.read()
		if err != nil {
			return canframe.Frame{}, false, err
		}
		r.pending = entry
	}

	if r.speed > 0 && r.pending.timed {
		if !r.started {
			r.started = true
			r.startWall = r.now()
			r.startStamp = r.pending.at
		}
		offset := time.Duration(float64(r.pending.at-r.startStamp) / r.speed)
		wait := r.startWall.Add(offset).Sub(r.now())
		if wait > timeout {
			if timeout > 0 {
				r.sleep(timeout)
			}
			return canframe.Frame{}, false, nil
		}
		if wait > 0 {
			r.sleep(wait)
		}
	}

	f := r.pending.frame
	r.pending = nil
	return f, true, nil
}

func (r *Replay) read() (*replayEntry, error) {
	for {
		if r.lines.Scan() {
			line := strings.TrimSpace(r.lines.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entry, err := parseReplayLine(line)
			if err != nil {
				r.skipped.Add(1)
				r.logger.Debug("skipping replay line", "line", line, "error", err)
				continue
			}
			return entry, nil
		}
		if err := r.lines.Err(); err != nil {
			return nil, fmt.Errorf("failed to read replay input: %w", err)
		}
		if !r.loop || r.path == "" {
			return nil, ErrExhausted
		}
		if err := r.rewind(); err != nil {
			return nil, err
		}
	}
}

func (r *Replay) rewind() error {
	r.file.Close()
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to reopen replay file: %w", err)
	}
	r.file = f
	r.lines = bufio.NewScanner(f)
	r.started = false
	return nil
}

// parseReplayLine accepts "ms,0xID,S|E,dlc,hex" or a candump line
func parseReplayLine(line string) (*replayEntry, error) {
	if strings.Count(line, ",") == 4 {
		at, f, err := canframe.ParseCSV(line)
		if err != nil {
			return nil, err
		}
		return &replayEntry{at: at, timed: true, frame: f}, nil
	}

	f, err := canframe.ParseCandump(line)
	if err != nil {
		return nil, err
	}
	entry := &replayEntry{frame: f}
	// "(1700000000.123456) can0 120#0102"
	if strings.HasPrefix(line, "(") {
		if stamp, _, ok := strings.Cut(line[1:], ")"); ok {
			if secs, err := strconv.ParseFloat(stamp, 64); err == nil {
				entry.at = time.Duration(secs * float64(time.Second))
				entry.timed = true
			}
		}
	}
	return entry, nil
}
