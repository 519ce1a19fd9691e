// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// Frame type selectors for a message entry
const (
	FrameStandard = "standard"
	FrameExtended = "extended"
	FrameAny      = "any"
)

// Field value types
const (
	TypeInt   = "int"
	TypeFloat = "float"
)

// ErrShortPayload is returned when a known message is shorter than its layout
var ErrShortPayload = errors.New("signal: payload shorter than message layout")

// FieldSpec describes one big-endian field inside a payload.
// value = raw * Scale + Bias; int fields truncate toward zero.
type FieldSpec struct {
	Name   string   `yaml:"name" json:"name"`
	Offset int      `yaml:"offset" json:"offset"`
	Size   int      `yaml:"size" json:"size"`
	Scale  float64  `yaml:"scale,omitempty" json:"scale,omitempty"`
	Bias   float64  `yaml:"bias,omitempty" json:"bias,omitempty"`
	Type   string   `yaml:"type,omitempty" json:"type,omitempty"`
	Signed bool     `yaml:"signed,omitempty" json:"signed,omitempty"`
	Min    *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// MessageSpec maps one identifier and frame type to a signal kind
type MessageSpec struct {
	ID     uint32      `yaml:"id" json:"id"`
	Frame  string      `yaml:"frame,omitempty" json:"frame,omitempty"`
	Kind   string      `yaml:"kind" json:"kind"`
	Fields []FieldSpec `yaml:"fields" json:"fields"`
}

// TableFile is the on-disk decoding table
type TableFile struct {
	Messages []MessageSpec `yaml:"messages" json:"messages"`
}

// Table is a validated, indexed decoding table. It is immutable after
// construction and safe for concurrent use.
type Table struct {
	messages []MessageSpec
	byID     map[uint32][]int
	minLen   []int
}

// NewTable validates specs and builds the lookup index
func NewTable(specs []MessageSpec) (*Table, error) {
	t := &Table{
		messages: make([]MessageSpec, len(specs)),
		byID:     make(map[uint32][]int),
		minLen:   make([]int, len(specs)),
	}
	kinds := make(map[string]bool)

	for i, spec := range specs {
		if spec.Frame == "" {
			spec.Frame = FrameStandard
		}
		if spec.Kind == "" {
			return nil, fmt.Errorf("message 0x%X: kind is required", spec.ID)
		}
		if kinds[spec.Kind] {
			return nil, fmt.Errorf("message 0x%X: duplicate kind %q", spec.ID, spec.Kind)
		}
		kinds[spec.Kind] = true

		switch spec.Frame {
		case FrameStandard:
			if spec.ID > canframe.MaxStandardID {
				return nil, fmt.Errorf("message %s: id 0x%X exceeds 11 bits", spec.Kind, spec.ID)
			}
		case FrameExtended, FrameAny:
			if spec.ID > canframe.MaxExtendedID {
				return nil, fmt.Errorf("message %s: id 0x%X exceeds 29 bits", spec.Kind, spec.ID)
			}
		default:
			return nil, fmt.Errorf("message %s: unknown frame type %q", spec.Kind, spec.Frame)
		}

		for _, j := range t.byID[spec.ID] {
			if framesOverlap(t.messages[j].Frame, spec.Frame) {
				return nil, fmt.Errorf("message %s: id 0x%X already mapped to %s", spec.Kind, spec.ID, t.messages[j].Kind)
			}
		}

		if len(spec.Fields) == 0 {
			return nil, fmt.Errorf("message %s: no fields", spec.Kind)
		}
		fields := make([]FieldSpec, len(spec.Fields))
		names := make(map[string]bool)
		for k, f := range spec.Fields {
			if f.Name == "" {
				return nil, fmt.Errorf("message %s: field %d has no name", spec.Kind, k)
			}
			if names[f.Name] || f.Name == "valid" || f.Name == "observedAt" {
				return nil, fmt.Errorf("message %s: field name %q is duplicate or reserved", spec.Kind, f.Name)
			}
			names[f.Name] = true
			switch f.Size {
			case 1, 2, 4:
			default:
				return nil, fmt.Errorf("message %s: field %s has size %d (want 1, 2 or 4)", spec.Kind, f.Name, f.Size)
			}
			if f.Offset < 0 || f.Offset+f.Size > canframe.MaxDataLength {
				return nil, fmt.Errorf("message %s: field %s does not fit in 8 bytes", spec.Kind, f.Name)
			}
			if f.Scale == 0 {
				f.Scale = 1
			}
			if f.Type == "" {
				f.Type = TypeInt
			}
			if f.Type != TypeInt && f.Type != TypeFloat {
				return nil, fmt.Errorf("message %s: field %s has unknown type %q", spec.Kind, f.Name, f.Type)
			}
			if end := f.Offset + f.Size; end > t.minLen[i] {
				t.minLen[i] = end
			}
			fields[k] = f
		}
		spec.Fields = fields

		t.messages[i] = spec
		t.byID[spec.ID] = append(t.byID[spec.ID], i)
	}

	return t, nil
}

func framesOverlap(a, b string) bool {
	return a == b || a == FrameAny || b == FrameAny
}

func frameMatches(spec string, extended bool) bool {
	switch spec {
	case FrameAny:
		return true
	case FrameExtended:
		return extended
	default:
		return !extended
	}
}

// Lookup returns the message spec for an identifier and frame type
func (t *Table) Lookup(id uint32, extended bool) (MessageSpec, bool) {
	for _, i := range t.byID[id] {
		if frameMatches(t.messages[i].Frame, extended) {
			return t.messages[i], true
		}
	}
	return MessageSpec{}, false
}

// Messages returns a copy of the table entries
func (t *Table) Messages() []MessageSpec {
	out := make([]MessageSpec, len(t.messages))
	copy(out, t.messages)
	return out
}

// Kinds lists the signal kinds in table order
func (t *Table) Kinds() []string {
	kinds := make([]string, len(t.messages))
	for i, m := range t.messages {
		kinds[i] = m.Kind
	}
	return kinds
}

// IDs lists the identifiers in table order
func (t *Table) IDs() []uint32 {
	ids := make([]uint32, len(t.messages))
	for i, m := range t.messages {
		ids[i] = m.ID
	}
	return ids
}

// LoadTable reads a decoding table from a YAML (.yaml, .yml) or
// JSON-with-comments (.json, .jsonc) file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read decoding table: %w", err)
	}
	return ParseTable(data, filepath.Ext(path))
}

// ParseTable decodes a table file body; format is a file extension
func ParseTable(data []byte, format string) (*Table, error) {
	var file TableFile
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse decoding table: %w", err)
		}
	case "json", "jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
			return nil, fmt.Errorf("failed to parse decoding table: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported decoding table format %q", format)
	}

	table, err := NewTable(file.Messages)
	if err != nil {
		return nil, fmt.Errorf("invalid decoding table: %w", err)
	}
	return table, nil
}
