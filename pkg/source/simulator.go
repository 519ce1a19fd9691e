// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/signal"
)

// knownShare is the fraction of simulated frames that carry a table identifier
const knownShare = 0.7

// Simulator generates plausible traffic: table messages whose values
// drift in small steps, mixed with unknown identifiers. The same seed
// produces the same frame sequence.
type Simulator struct {
	table  *signal.Table
	period time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	values map[string]map[string]float64
	next   time.Time
	closed atomic.Bool

	now   func() time.Time
	sleep func(time.Duration)
}

// NewSimulator emits one frame per period
func NewSimulator(table *signal.Table, period time.Duration, seed int64) *Simulator {
	if table == nil {
		table = signal.DefaultTable()
	}
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	return &Simulator{
		table:  table,
		period: period,
		rng:    rand.New(rand.NewSource(seed)),
		values: make(map[string]map[string]float64),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (s *Simulator) Name() string {
	return "simulator"
}

func (s *Simulator) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Simulator) Poll(timeout time.Duration) (canframe.Frame, bool, error) {
	if s.closed.Load() {
		return canframe.Frame{}, false, ErrClosed
	}

	s.mu.Lock()
	now := s.now()
	if s.next.IsZero() {
		s.next = now
	}
	wait := s.next.Sub(now)
	if wait > timeout {
		s.mu.Unlock()
		if timeout > 0 {
			s.sleep(timeout)
		}
		return canframe.Frame{}, false, nil
	}
	s.next = s.next.Add(s.period)
	// do not burst to catch up after a long stall
	if s.next.Before(now) {
		s.next = now.Add(s.period)
	}
	s.mu.Unlock()

	if wait > 0 {
		s.sleep(wait)
	}
	return s.Generate(), true, nil
}

// Generate returns the next simulated frame immediately
func (s *Simulator) Generate() canframe.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.table.Messages()
	if len(messages) > 0 && s.rng.Float64() < knownShare {
		spec := messages[s.rng.Intn(len(messages))]
		payload := signal.Encode(spec, s.step(spec))
		f, err := canframe.New(spec.ID, spec.Frame == signal.FrameExtended, payload)
		if err == nil {
			return f
		}
	}
	return s.unknown()
}

// step nudges one field of a message and returns its current values
func (s *Simulator) step(spec signal.MessageSpec) map[string]float64 {
	current, ok := s.values[spec.Kind]
	if !ok {
		current = make(map[string]float64, len(spec.Fields))
		for _, f := range spec.Fields {
			lo, hi := fieldRange(f)
			current[f.Name] = lo + (hi-lo)*(0.25+0.5*s.rng.Float64())
		}
		s.values[spec.Kind] = current
		return current
	}
	if len(spec.Fields) == 0 {
		return current
	}

	f := spec.Fields[s.rng.Intn(len(spec.Fields))]
	lo, hi := fieldRange(f)
	delta := (hi - lo) / 100 * (2*s.rng.Float64() - 1)
	current[f.Name] = math.Max(lo, math.Min(hi, current[f.Name]+delta))
	return current
}

// fieldRange is the engineering range a field can carry, narrowed by its limits
func fieldRange(f signal.FieldSpec) (float64, float64) {
	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	span := math.Ldexp(1, 8*f.Size)
	rawLo, rawHi := 0.0, span-1
	if f.Signed {
		rawLo, rawHi = -span/2, span/2-1
	}
	lo, hi := rawLo*scale+f.Bias, rawHi*scale+f.Bias
	if lo > hi {
		lo, hi = hi, lo
	}
	if f.Min != nil && *f.Min > lo {
		lo = *f.Min
	}
	if f.Max != nil && *f.Max < hi {
		hi = *f.Max
	}
	return lo, hi
}

func (s *Simulator) unknown() canframe.Frame {
	for {
		id := uint32(s.rng.Intn(int(canframe.MaxStandardID) + 1))
		if _, known := s.table.Lookup(id, false); known {
			continue
		}
		payload := make([]byte, canframe.MaxDataLength)
		s.rng.Read(payload)
		return canframe.MustNew(id, false, payload)
	}
}
