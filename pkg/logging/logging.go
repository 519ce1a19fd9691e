// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the process logger: slog text output with
// consecutive duplicate records collapsed into a repeat count.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ParseLevel accepts debug, info, warn or error
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
	}
	return level, nil
}

// New returns a text logger writing to w at the given level
func New(w io.Writer, level slog.Level) *slog.Logger {
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewDedupHandler(base))
}

// dedupState is shared by a handler and every handler derived from it
type dedupState struct {
	mu       sync.Mutex
	lastKey  string
	last     slog.Record
	lastNext slog.Handler
	repeats  int
}

// DedupHandler drops a record identical (level, message, attributes) to
// the one before it. When a different record arrives, a summary of how
// many copies were dropped is emitted first.
type DedupHandler struct {
	next   slog.Handler
	state  *dedupState
	prefix string // rendered WithAttrs/WithGroup context
}

// NewDedupHandler wraps next
func NewDedupHandler(next slog.Handler) *DedupHandler {
	return &DedupHandler{next: next, state: &dedupState{}}
}

// Enabled implements slog.Handler
func (h *DedupHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *DedupHandler) Handle(ctx context.Context, r slog.Record) error {
	key := h.key(r)

	s := h.state
	s.mu.Lock()
	if key == s.lastKey {
		s.repeats++
		s.mu.Unlock()
		return nil
	}
	var summary *slog.Record
	var summaryNext slog.Handler
	if s.repeats > 0 {
		rec := slog.NewRecord(r.Time, s.last.Level, s.last.Message, 0)
		rec.AddAttrs(slog.Int("repeated", s.repeats))
		summary, summaryNext = &rec, s.lastNext
	}
	s.lastKey, s.last, s.lastNext, s.repeats = key, r.Clone(), h.next, 0
	s.mu.Unlock()

	if summary != nil {
		if err := summaryNext.Handle(ctx, *summary); err != nil {
			return err
		}
	}
	return h.next.Handle(ctx, r)
}

// Flush emits the summary for copies dropped since the last record
// was written. Call it before exiting so the count is not lost.
func (h *DedupHandler) Flush(ctx context.Context) error {
	s := h.state
	s.mu.Lock()
	if s.repeats == 0 {
		s.mu.Unlock()
		return nil
	}
	rec := slog.NewRecord(time.Now(), s.last.Level, s.last.Message, 0)
	rec.AddAttrs(slog.Int("repeated", s.repeats))
	next := s.lastNext
	s.repeats = 0
	s.mu.Unlock()

	return next.Handle(ctx, rec)
}

// Flush flushes logger's handler when it collapses duplicates
func Flush(logger *slog.Logger) {
	if h, ok := logger.Handler().(*DedupHandler); ok {
		_ = h.Flush(context.Background())
	}
}

func (h *DedupHandler) key(r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Level.String())
	b.WriteByte('|')
	b.WriteString(h.prefix)
	b.WriteByte('|')
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		b.WriteByte('|')
		b.WriteString(a.String())
		return true
	})
	return b.String()
}

// WithAttrs implements slog.Handler
func (h *DedupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		b.WriteString(a.String())
		b.WriteByte(';')
	}
	return &DedupHandler{next: h.next.WithAttrs(attrs), state: h.state, prefix: b.String()}
}

// WithGroup implements slog.Handler
func (h *DedupHandler) WithGroup(name string) slog.Handler {
	return &DedupHandler{next: h.next.WithGroup(name), state: h.state, prefix: h.prefix + name + "."}
}
