// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package queue provides a fixed-capacity FIFO handoff between the ingest
// and sender goroutines. Producers never block longer than their timeout;
// when the queue stays full the newest item is dropped and counted.
package queue

import (
	"sync/atomic"
	"time"
)

// Result reports the outcome of an enqueue attempt
type Result int

const (
	Enqueued Result = iota
	Dropped
)

func (r Result) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Queue is a bounded multi-producer multi-consumer FIFO
type Queue[T any] struct {
	items    chan T
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a queue holding at most capacity items. Capacity must be positive.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue[T]{items: make(chan T, capacity)}
}

// TryEnqueue adds item, waiting at most timeout for free space.
// A zero timeout never blocks.
func (q *Queue[T]) TryEnqueue(item T, timeout time.Duration) Result {
	select {
	case q.items <- item:
		q.accepted.Add(1)
		return Enqueued
	default:
	}

	if timeout <= 0 {
		q.dropped.Add(1)
		return Dropped
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.items <- item:
		q.accepted.Add(1)
		return Enqueued
	case <-timer.C:
		q.dropped.Add(1)
		return Dropped
	}
}

// TryDequeue removes the oldest item, waiting at most timeout for one
func (q *Queue[T]) TryDequeue(timeout time.Duration) (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
	}

	var zero T
	if timeout <= 0 {
		return zero, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, true
	case <-timer.C:
		return zero, false
	}
}

// Drain dequeues up to max items without blocking. max <= 0 means no limit.
func (q *Queue[T]) Drain(max int) []T {
	var out []T
	for max <= 0 || len(out) < max {
		item, ok := q.TryDequeue(0)
		if !ok {
			break
		}
		out = append(out, item)
	}
	return out
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap returns the fixed capacity
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Accepted returns the number of items ever enqueued
func (q *Queue[T]) Accepted() uint64 { return q.accepted.Load() }

// Dropped returns the number of items rejected because the queue was full
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// Occupancy describes how full the queue is
type Occupancy struct {
	Items   int
	Free    int
	Percent float64
}

// Occupancy returns a point-in-time fill level
func (q *Queue[T]) Occupancy() Occupancy {
	n, c := q.Len(), q.Cap()
	return Occupancy{Items: n, Free: c - n, Percent: float64(n) * 100 / float64(c)}
}

// Full reports whether no free slot remains
func (o Occupancy) Full() bool { return o.Free == 0 }

// High reports whether occupancy is above 80 percent
func (o Occupancy) High() bool { return o.Percent > 80 }
