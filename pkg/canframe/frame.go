// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canframe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identifier limits for standard (11-bit) and extended (29-bit) frames
const (
	MaxStandardID uint32 = 0x7FF
	MaxExtendedID uint32 = 0x1FFFFFFF
	MaxDataLength        = 8
)

var (
	ErrInvalidID     = errors.New("canframe: identifier out of range")
	ErrInvalidLength = errors.New("canframe: data length exceeds 8 bytes")
)

// Frame is a single classic CAN frame as observed on the bus.
// Bytes of Data beyond Length are ignored.
type Frame struct {
	ID       uint32
	Extended bool
	Length   uint8
	Data     [MaxDataLength]byte
}

// New builds a frame from an identifier and a payload of at most 8 bytes
func New(id uint32, extended bool, payload []byte) (Frame, error) {
	if len(payload) > MaxDataLength {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidLength, len(payload))
	}
	f := Frame{ID: id, Extended: extended, Length: uint8(len(payload))}
	copy(f.Data[:], payload)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MustNew is like New but panics on invalid input. Intended for tests and tables.
func MustNew(id uint32, extended bool, payload []byte) Frame {
	f, err := New(id, extended, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate checks the identifier range for the frame type and the data length
func (f Frame) Validate() error {
	if f.Length > MaxDataLength {
		return fmt.Errorf("%w: %d", ErrInvalidLength, f.Length)
	}
	if f.Extended {
		if f.ID > MaxExtendedID {
			return fmt.Errorf("%w: 0x%X (extended max 0x%X)", ErrInvalidID, f.ID, MaxExtendedID)
		}
		return nil
	}
	if f.ID > MaxStandardID {
		return fmt.Errorf("%w: 0x%X (standard max 0x%X)", ErrInvalidID, f.ID, MaxStandardID)
	}
	return nil
}

// Payload returns a copy of the meaningful data bytes
func (f Frame) Payload() []byte {
	n := int(f.Length)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

// TypeFlag returns "E" for extended frames and "S" for standard frames
func (f Frame) TypeFlag() string {
	if f.Extended {
		return "E"
	}
	return "S"
}

// HexPayload returns the payload as uppercase hex without separators
func (f Frame) HexPayload() string {
	return fmt.Sprintf("%X", f.Payload())
}

// String formats the frame in candump style, e.g. "120#012C00221F004C5E"
func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X#%s", f.ID, f.HexPayload())
	}
	return fmt.Sprintf("%03X#%s", f.ID, f.HexPayload())
}

// Format renders a frame for humans, one line, with a receive timestamp
func Format(ts time.Time, f Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", ts.Format("15:04:05.000"))
	if f.Extended {
		fmt.Fprintf(&b, "ID=0x%08X ext", f.ID)
	} else {
		fmt.Fprintf(&b, "ID=0x%03X std", f.ID)
	}
	fmt.Fprintf(&b, " dlc=%d data=[", f.Length)
	for i, v := range f.Payload() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	b.WriteString("]")
	return b.String()
}
