// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// decoded values are rounded to this many decimal places so that scaled
// readings such as 300 * 0.1 compare and print as 30
const valuePrecision = 1e6

// Decode extracts the signal for an identifier from a payload.
// It returns ok=false for identifiers the table does not know and
// ErrShortPayload when the payload is shorter than the message layout.
// Decode has no side effects.
func (t *Table) Decode(id uint32, extended bool, payload []byte, at time.Time) (Signal, bool, error) {
	var index = -1
	for _, i := range t.byID[id] {
		if frameMatches(t.messages[i].Frame, extended) {
			index = i
			break
		}
	}
	if index < 0 {
		return Signal{}, false, nil
	}

	spec := t.messages[index]
	if len(payload) < t.minLen[index] {
		return Signal{}, true, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, spec.Kind, t.minLen[index], len(payload))
	}

	sig := Signal{
		Kind:       spec.Kind,
		ID:         id,
		Fields:     make([]Field, len(spec.Fields)),
		ObservedAt: at,
	}
	for i, f := range spec.Fields {
		sig.Fields[i] = Field{Name: f.Name, Value: fieldValue(f, payload)}
	}
	sig.Valid = len(ValidateSignal(spec, sig)) == 0
	return sig, true, nil
}

// DecodeFrame is Decode for a frame
func (t *Table) DecodeFrame(f canframe.Frame, at time.Time) (Signal, bool, error) {
	return t.Decode(f.ID, f.Extended, f.Payload(), at)
}

func fieldValue(f FieldSpec, payload []byte) float64 {
	var raw uint32
	for _, b := range payload[f.Offset : f.Offset+f.Size] {
		raw = raw<<8 | uint32(b)
	}

	var v float64
	if f.Signed {
		shift := 32 - 8*f.Size
		v = float64(int32(raw<<shift) >> shift)
	} else {
		v = float64(raw)
	}

	v = v*f.Scale + f.Bias
	if f.Type == TypeInt {
		return math.Trunc(v)
	}
	return math.Round(v*valuePrecision) / valuePrecision
}

// Decoder tracks the previous reading of every kind and reports changes.
// Observe and Forget may be called from any goroutine.
type Decoder struct {
	table *Table

	mu       sync.Mutex
	previous map[string]Signal
}

// NewDecoder creates a change-detecting decoder over a table
func NewDecoder(table *Table) *Decoder {
	return &Decoder{table: table, previous: make(map[string]Signal)}
}

// Table returns the decoding table
func (d *Decoder) Table() *Table {
	return d.table
}

// Observe decodes a frame and compares it with the previous reading of the
// same kind. It returns a change only when at least one field differs;
// identical readings return nil. known is false for unmapped identifiers.
func (d *Decoder) Observe(f canframe.Frame, at time.Time) (change *Change, known bool, err error) {
	sig, known, err := d.table.DecodeFrame(f, at)
	if err != nil || !known {
		return nil, known, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.previous[sig.Kind]
	if seen && prev.Equal(sig) {
		return nil, true, nil
	}
	d.previous[sig.Kind] = sig.Clone()

	c := &Change{Kind: sig.Kind, New: sig}
	if seen {
		c.Old = &prev
		c.Fields = Diff(&prev, sig)
	} else {
		c.Fields = Diff(nil, sig)
	}
	return c, true, nil
}

// Forget drops the previous reading of a kind so that the next reading is
// reported as a change. Used when a change could not be published.
func (d *Decoder) Forget(kind string) {
	d.mu.Lock()
	delete(d.previous, kind)
	d.mu.Unlock()
}
