// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"errors"
	"log/slog"
	"time"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// Fallback polls a real source and switches to simulated traffic once the
// real source has been silent or failing for the configured duration. It
// switches back as soon as a real frame arrives.
type Fallback struct {
	primary   Source
	simulator *Simulator
	after     time.Duration
	logger    *slog.Logger

	lastFrame time.Time
	active    bool
	failed    bool
	now       func() time.Time
}

// NewFallback wraps primary
func NewFallback(primary Source, sim *Simulator, after time.Duration, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		primary:   primary,
		simulator: sim,
		after:     after,
		logger:    logger,
		now:       time.Now,
	}
}

func (f *Fallback) Name() string {
	return f.primary.Name() + "+fallback"
}

// Active reports whether simulated frames are being produced
func (f *Fallback) Active() bool {
	return f.active
}

func (f *Fallback) Poll(timeout time.Duration) (canframe.Frame, bool, error) {
	if f.lastFrame.IsZero() {
		f.lastFrame = f.now()
	}

	if !f.failed {
		fr, ok, err := f.primary.Poll(timeout)
		switch {
		case errors.Is(err, ErrClosed):
			return fr, false, err
		case err != nil:
			f.failed = true
			f.logger.Error("primary source failed, simulating", "source", f.primary.Name(), "error", err)
		case ok:
			f.lastFrame = f.now()
			if f.active {
				f.active = false
				f.logger.Info("primary source resumed", "source", f.primary.Name())
			}
			return fr, true, nil
		}
	}

	if !f.active && (f.failed || f.now().Sub(f.lastFrame) >= f.after) {
		f.active = true
		f.logger.Warn("no frames received, simulating", "source", f.primary.Name(), "silent", f.now().Sub(f.lastFrame).Round(time.Millisecond))
	}
	if !f.active {
		return canframe.Frame{}, false, nil
	}

	wait := time.Duration(0)
	if f.failed {
		wait = timeout
	}
	return f.simulator.Poll(wait)
}

func (f *Fallback) Close() error {
	f.simulator.Close()
	return f.primary.Close()
}
