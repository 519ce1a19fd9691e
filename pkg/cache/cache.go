// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cache holds the latest decoded signal of every kind. It is shared
// by the ingest goroutine (writer) and the sender goroutine (reader); every
// lock acquisition has a bounded wait.
package cache

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/canbridge/pkg/signal"
)

// ErrLockTimeout is returned when the cache lock was not acquired in time
var ErrLockTimeout = errors.New("cache: lock wait timed out")

// Entry is the current reading of one kind
type Entry struct {
	Signal    signal.Signal
	Revision  uint64 // increments on every update of this kind
	UpdatedAt time.Time
}

// Snapshot is a deep copy of the cache contents
type Snapshot struct {
	Entries  []Entry // in order of first appearance
	Revision uint64  // total number of updates applied
	TakenAt  time.Time
}

// Get returns the entry for a kind
func (s Snapshot) Get(kind string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Signal.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// Clone returns a deep copy that shares no memory with s
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Entries = make([]Entry, len(s.Entries))
	for i, e := range s.Entries {
		e.Signal = e.Signal.Clone()
		c.Entries[i] = e
	}
	return c
}

// Signals returns the signals of every entry
func (s Snapshot) Signals() []signal.Signal {
	out := make([]signal.Signal, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Signal
	}
	return out
}

// Cache is the shared latest-value store
type Cache struct {
	lock     chan struct{} // 1-slot semaphore
	entries  map[string]*Entry
	order    []string
	revision uint64

	lastGood     atomic.Pointer[Snapshot]
	lockTimeouts atomic.Uint64
	now          func() time.Time
}

// New creates an empty cache
func New() *Cache {
	c := &Cache{
		lock:    make(chan struct{}, 1),
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	c.lastGood.Store(&Snapshot{})
	return c
}

func (c *Cache) acquire(timeout time.Duration) bool {
	select {
	case c.lock <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Cache) release() {
	<-c.lock
}

// Update stores sig as the current reading of its kind
func (c *Cache) Update(sig signal.Signal, timeout time.Duration) error {
	// copy outside the critical section
	sig = sig.Clone()
	now := c.now()

	if !c.acquire(timeout) {
		c.lockTimeouts.Add(1)
		return ErrLockTimeout
	}
	defer c.release()

	e, ok := c.entries[sig.Kind]
	if !ok {
		e = &Entry{}
		c.entries[sig.Kind] = e
		c.order = append(c.order, sig.Kind)
	}
	e.Signal = sig
	e.Revision++
	e.UpdatedAt = now
	c.revision++
	return nil
}

// Snapshot returns a deep copy of the cache. When the lock cannot be
// acquired within timeout it returns the previous successful snapshot and
// stale=true.
func (c *Cache) Snapshot(timeout time.Duration) (snap Snapshot, stale bool) {
	if !c.acquire(timeout) {
		c.lockTimeouts.Add(1)
		return c.lastGood.Load().Clone(), true
	}

	snap = Snapshot{
		Entries:  make([]Entry, 0, len(c.order)),
		Revision: c.revision,
	}
	for _, kind := range c.order {
		e := c.entries[kind]
		snap.Entries = append(snap.Entries, Entry{
			Signal:    e.Signal.Clone(),
			Revision:  e.Revision,
			UpdatedAt: e.UpdatedAt,
		})
	}
	c.release()

	snap.TakenAt = c.now()
	stored := snap.Clone()
	c.lastGood.Store(&stored)
	return snap, false
}

// LockTimeouts returns how many acquisitions gave up waiting
func (c *Cache) LockTimeouts() uint64 {
	return c.lockTimeouts.Load()
}
