// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package source provides the frame sources the ingest loop polls:
// a SocketCAN interface, an SLCAN serial adapter, a seeded simulator
// and a log replay.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/config"
	"github.com/Thermoquad/canbridge/pkg/signal"
)

var (
	// ErrClosed is returned by Poll after Close
	ErrClosed = errors.New("source: closed")
	// ErrExhausted is returned when a finite source has no more frames
	ErrExhausted = errors.New("source: input exhausted")
)

// Source delivers received CAN frames. Poll waits at most timeout and
// returns ok=false when no frame arrived in time. Poll is called from a
// single goroutine; Close may be called from any.
type Source interface {
	Poll(timeout time.Duration) (frame canframe.Frame, ok bool, err error)
	Name() string
	Close() error
}

// Open creates the source selected by the configuration. When
// FallbackAfter is set, real sources are wrapped so that a silent bus
// produces simulated traffic.
func Open(cfg config.SourceConfig, table *signal.Table, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var src Source
	switch cfg.Kind {
	case config.SourceSocketCAN:
		s, err := OpenSocketCAN(cfg.Interface, logger)
		if err != nil {
			return nil, err
		}
		src = s
	case config.SourceSLCAN:
		s, err := OpenSLCAN(cfg.Port, cfg.Baud, cfg.Bitrate, logger)
		if err != nil {
			return nil, err
		}
		src = s
	case config.SourceReplay:
		s, err := OpenReplay(cfg.File, cfg.Speed, cfg.Loop, logger)
		if err != nil {
			return nil, err
		}
		src = s
	case config.SourceSimulator:
		return NewSimulator(table, cfg.SimulatorPeriod, cfg.Seed), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}

	if cfg.FallbackAfter > 0 {
		sim := NewSimulator(table, cfg.SimulatorPeriod, cfg.Seed)
		return NewFallback(src, sim, cfg.FallbackAfter, logger), nil
	}
	return src, nil
}

// feed is the channel handoff shared by sources with a reader goroutine
type feed struct {
	frames    chan canframe.Frame
	done      chan struct{}
	closeOnce sync.Once
	overruns  atomic.Uint64

	mu  sync.Mutex
	err error
}

func newFeed(size int) *feed {
	return &feed{
		frames: make(chan canframe.Frame, size),
		done:   make(chan struct{}),
	}
}

// push hands a frame to Poll without blocking the reader
func (f *feed) push(fr canframe.Frame) {
	select {
	case f.frames <- fr:
	default:
		f.overruns.Add(1)
	}
}

// fail records a terminal reader error
func (f *feed) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.close()
}

func (f *feed) close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *feed) closedErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return ErrClosed
}

// Overruns is the number of frames lost because Poll fell behind
func (f *feed) Overruns() uint64 {
	return f.overruns.Load()
}

func (f *feed) Poll(timeout time.Duration) (canframe.Frame, bool, error) {
	select {
	case fr := <-f.frames:
		return fr, true, nil
	default:
	}

	select {
	case <-f.done:
		return canframe.Frame{}, false, f.closedErr()
	default:
	}

	if timeout <= 0 {
		return canframe.Frame{}, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fr := <-f.frames:
		return fr, true, nil
	case <-f.done:
		return canframe.Frame{}, false, f.closedErr()
	case <-timer.C:
		return canframe.Frame{}, false, nil
	}
}
