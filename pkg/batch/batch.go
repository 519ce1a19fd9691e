// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package batch accumulates items and decides when they should be flushed:
// when the count reaches a threshold or when the oldest item has waited
// for the interval, whichever happens first.
package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State of the batcher
type State int

const (
	Empty State = iota
	Filling
	ReadyToFlush
	Flushing
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Filling:
		return "filling"
	case ReadyToFlush:
		return "ready"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger records why a batch became ready
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerCount
	TriggerInterval
	TriggerSeal
)

func (t Trigger) String() string {
	switch t {
	case TriggerCount:
		return "count"
	case TriggerInterval:
		return "interval"
	case TriggerSeal:
		return "seal"
	default:
		return "none"
	}
}

var (
	ErrBatchFull   = errors.New("batch: not accepting items until flushed")
	ErrNotReady    = errors.New("batch: no batch ready to flush")
	ErrNotFlushing = errors.New("batch: no batch in flight")
)

// Batch is a sealed, ordered group of items sent as one unit
type Batch[T any] struct {
	ID      uuid.UUID
	Items   []T
	Opened  time.Time // first item added
	Sealed  time.Time // taken for flushing
	Trigger Trigger
}

// Len returns the number of items
func (b *Batch[T]) Len() int { return len(b.Items) }

// Config controls the flush triggers
type Config struct {
	Threshold int           // flush when this many items are held
	Interval  time.Duration // flush when the oldest item is this old
	// TickPeriod is how often the owner calls Tick. When set, the time
	// trigger fires on the last tick that keeps the age within Interval.
	TickPeriod time.Duration
	Now        func() time.Time
}

// Batcher implements Empty -> Filling -> ReadyToFlush -> Flushing -> Empty.
// It is not safe for concurrent use; the sender goroutine owns it.
type Batcher[T any] struct {
	threshold  int
	interval   time.Duration
	tickPeriod time.Duration
	now        func() time.Time

	state   State
	items   []T
	opened  time.Time
	trigger Trigger
}

// New creates a batcher. Threshold must be positive.
func New[T any](cfg Config) (*Batcher[T], error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("batch threshold must be positive, got %d", cfg.Threshold)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("batch interval must be positive, got %v", cfg.Interval)
	}
	if cfg.TickPeriod < 0 {
		return nil, fmt.Errorf("batch tick period must not be negative, got %v", cfg.TickPeriod)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Batcher[T]{
		threshold:  cfg.Threshold,
		interval:   cfg.Interval,
		tickPeriod: cfg.TickPeriod,
		now:        now,
		items:      make([]T, 0, cfg.Threshold),
	}, nil
}

// State returns the current state
func (b *Batcher[T]) State() State { return b.state }

// Len returns the number of items held
func (b *Batcher[T]) Len() int { return len(b.items) }

// Room returns how many more items Add will accept
func (b *Batcher[T]) Room() int {
	switch b.state {
	case Empty, Filling:
		return b.threshold - len(b.items)
	default:
		return 0
	}
}

// Add appends an item. Reaching the threshold makes the batch ready.
func (b *Batcher[T]) Add(item T) error {
	switch b.state {
	case Empty:
		b.opened = b.now()
		b.state = Filling
	case Filling:
	default:
		return ErrBatchFull
	}

	b.items = append(b.items, item)
	if len(b.items) >= b.threshold {
		b.state = ReadyToFlush
		b.trigger = TriggerCount
	}
	return nil
}

// Tick applies the time trigger and reports whether a batch is ready.
// An empty batcher never becomes ready. With a tick period set, a batch
// is ready once waiting for the next tick would overshoot the interval.
func (b *Batcher[T]) Tick() bool {
	if b.state != Filling {
		return b.state == ReadyToFlush
	}
	age := b.now().Sub(b.opened)
	if age >= b.interval || age+b.tickPeriod > b.interval {
		b.state = ReadyToFlush
		b.trigger = TriggerInterval
	}
	return b.state == ReadyToFlush
}

// Seal makes a filling batch ready without waiting for a trigger.
// Used when the input has ended. An empty batcher stays empty.
func (b *Batcher[T]) Seal() bool {
	if b.state == Filling {
		b.state = ReadyToFlush
		b.trigger = TriggerSeal
	}
	return b.state == ReadyToFlush
}

// Age returns how long the oldest held item has waited
func (b *Batcher[T]) Age() time.Duration {
	if b.state == Empty || b.state == Flushing {
		return 0
	}
	return b.now().Sub(b.opened)
}

// Take seals the ready batch and moves to Flushing
func (b *Batcher[T]) Take() (*Batch[T], error) {
	if b.state != ReadyToFlush {
		return nil, ErrNotReady
	}
	batch := &Batch[T]{
		ID:      uuid.New(),
		Items:   b.items,
		Opened:  b.opened,
		Sealed:  b.now(),
		Trigger: b.trigger,
	}
	b.items = make([]T, 0, b.threshold)
	b.state = Flushing
	return batch, nil
}

// Done completes the in-flight flush, whatever its outcome
func (b *Batcher[T]) Done() error {
	if b.state != Flushing {
		return ErrNotFlushing
	}
	b.state = Empty
	b.opened = time.Time{}
	b.trigger = TriggerNone
	return nil
}
