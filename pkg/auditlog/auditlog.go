// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package auditlog persists every relayed frame and every batch outcome
// without ever blocking the pipeline. Entries pass through a bounded
// channel to a single writer goroutine; when the channel is full the entry
// is dropped and counted.
package auditlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// Delivery records the outcome of one batch send
type Delivery struct {
	BatchID string
	Outcome string
	Attempt int
	Frames  int
	Status  int
	Error   string
}

// Entry is either a frame or a delivery record
type Entry struct {
	At       time.Time
	Elapsed  time.Duration // since the logger was created
	Frame    *canframe.Frame
	Delivery *Delivery
}

// Sink stores entries. Write is only ever called from the writer goroutine.
type Sink interface {
	Write(entries []Entry) error
	Close() error
}

// Config configures the logger
type Config struct {
	BufferSize int           // entries held before dropping; default 1024
	MaxBatch   int           // entries handed to sinks per write; default 256
	Logger     *slog.Logger
	Now        func() time.Time
}

// Logger fans entries out to its sinks from one background goroutine
type Logger struct {
	entries  chan Entry
	sinks    []Sink
	maxBatch int
	start    time.Time
	now      func() time.Time
	logger   *slog.Logger

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu     sync.RWMutex // guards closed against concurrent offers
	closed bool
	done   chan struct{}
}

// New creates a logger and starts its writer goroutine
func New(cfg Config, sinks ...Sink) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Logger{
		entries:  make(chan Entry, cfg.BufferSize),
		sinks:    sinks,
		maxBatch: cfg.MaxBatch,
		start:    cfg.Now(),
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "auditlog"),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// LogFrame records a relayed frame. It never blocks; false means dropped.
func (l *Logger) LogFrame(f canframe.Frame) bool {
	now := l.now()
	return l.offer(Entry{At: now, Elapsed: now.Sub(l.start), Frame: &f})
}

// LogDelivery records a batch outcome. It never blocks; false means dropped.
func (l *Logger) LogDelivery(d Delivery) bool {
	now := l.now()
	return l.offer(Entry{At: now, Elapsed: now.Sub(l.start), Delivery: &d})
}

func (l *Logger) offer(e Entry) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return false
	}
	select {
	case l.entries <- e:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Stats returns entry counters
func (l *Logger) Stats() (written, dropped, failed uint64) {
	return l.written.Load(), l.dropped.Load(), l.failed.Load()
}

func (l *Logger) run() {
	defer close(l.done)

	batch := make([]Entry, 0, l.maxBatch)
	for e := range l.entries {
		batch = append(batch[:0], e)
	drain:
		for len(batch) < l.maxBatch {
			select {
			case next, ok := <-l.entries:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		l.write(batch)
	}
}

func (l *Logger) write(batch []Entry) {
	for _, s := range l.sinks {
		if err := s.Write(batch); err != nil {
			l.failed.Add(uint64(len(batch)))
			l.logger.Error("audit sink write failed", "error", err, "entries", len(batch))
			continue
		}
	}
	l.written.Add(uint64(len(batch)))
}

// Close flushes pending entries and closes every sink
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	<-l.done
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit sinks: %w", errors.Join(errs...))
	}
	return nil
}
