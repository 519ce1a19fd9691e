// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package slcan

import "github.com/Thermoquad/canbridge/pkg/canframe"

// Decoder reassembles SLCAN lines from a byte stream
type Decoder struct {
	buffer    []byte
	discard   bool // skipping the rest of an overlong line
	lastError error
}

// NewDecoder creates a new line decoder
func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, MaxLineLength)}
}

// Reset drops any partial line
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.discard = false
}

// LastError returns the most recent decode error, for diagnostics
func (d *Decoder) LastError() error {
	return d.lastError
}

// DecodeByte feeds one byte into the decoder.
// Returns a frame when a complete frame line ends, nil while the line is
// incomplete or when the line was an acknowledgement.
func (d *Decoder) DecodeByte(b byte) (*canframe.Frame, error) {
	switch b {
	case CR:
		if d.discard {
			d.Reset()
			return nil, nil
		}
		if len(d.buffer) == 0 {
			// plain command acknowledgement
			return nil, nil
		}
		line := d.buffer
		f, err := ParseLine(line)
		d.Reset()
		if err != nil {
			d.lastError = err
			return nil, err
		}
		return &f, nil

	case BEL:
		d.Reset()
		d.lastError = ErrNack
		return nil, ErrNack

	case '\n':
		return nil, nil
	}

	if d.discard {
		return nil, nil
	}
	if len(d.buffer) >= MaxLineLength {
		d.buffer = d.buffer[:0]
		d.discard = true
		d.lastError = ErrOverflow
		return nil, ErrOverflow
	}
	d.buffer = append(d.buffer, b)
	return nil, nil
}

// Decode feeds a chunk of bytes and returns every completed frame.
// Per-line errors are counted, not returned.
func (d *Decoder) Decode(chunk []byte) (frames []canframe.Frame, errs int) {
	for _, b := range chunk {
		f, err := d.DecodeByte(b)
		if err != nil {
			errs++
			continue
		}
		if f != nil {
			frames = append(frames, *f)
		}
	}
	return frames, errs
}
