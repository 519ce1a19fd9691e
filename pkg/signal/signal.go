// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package signal decodes raw CAN payloads into typed domain signals using a
// configurable table, and detects changes between consecutive readings.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Field is one decoded, named value
type Field struct {
	Name  string
	Value float64
}

// Signal is the decoded state of one message kind
type Signal struct {
	Kind       string
	ID         uint32
	Fields     []Field
	Valid      bool
	ObservedAt time.Time
}

// Get returns the value of a named field
func (s Signal) Get(name string) (float64, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Clone returns a deep copy
func (s Signal) Clone() Signal {
	c := s
	c.Fields = append([]Field(nil), s.Fields...)
	return c
}

// Equal compares kind, validity and every field value. ObservedAt is ignored.
func (s Signal) Equal(o Signal) bool {
	if s.Kind != o.Kind || s.Valid != o.Valid || len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the signal as an object of its fields in table order,
// followed by valid and observedAt.
func (s Signal) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, f := range s.Fields {
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
		buf.WriteByte(',')
	}
	fmt.Fprintf(&buf, `"valid":%t`, s.Valid)
	if !s.ObservedAt.IsZero() {
		ts, err := json.Marshal(s.ObservedAt.UTC())
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"observedAt":`)
		buf.Write(ts)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String formats the signal for terminal output
func (s Signal) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s (0x%03X)", s.Kind, s.ID)
	for _, f := range s.Fields {
		fmt.Fprintf(&buf, " %s=%g", f.Name, f.Value)
	}
	if !s.Valid {
		buf.WriteString(" [INVALID]")
	}
	return buf.String()
}

// FieldChange records one field that differs between two readings
type FieldChange struct {
	Name string
	Old  float64
	New  float64
}

// Change is emitted when a decoded signal differs from the previous reading
// of the same kind. Old is nil for the first reading.
type Change struct {
	Kind   string
	Old    *Signal
	New    Signal
	Fields []FieldChange
}

// Diff lists the fields whose values differ. A nil previous yields every field.
func Diff(previous *Signal, current Signal) []FieldChange {
	var changes []FieldChange
	for _, f := range current.Fields {
		if previous == nil {
			changes = append(changes, FieldChange{Name: f.Name, New: f.Value})
			continue
		}
		old, ok := previous.Get(f.Name)
		if !ok || old != f.Value {
			changes = append(changes, FieldChange{Name: f.Name, Old: old, New: f.Value})
		}
	}
	return changes
}
