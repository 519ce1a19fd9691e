// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canframe

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborFrame is the compact binary form: {0: id, 1: extended, 2: data}
type cborFrame struct {
	ID       uint32 `cbor:"0,keyasint"`
	Extended bool   `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
}

// EncodeCBOR encodes frames as a CBOR array of integer-keyed maps
func EncodeCBOR(frames []Frame) ([]byte, error) {
	out := make([]cborFrame, len(frames))
	for i, f := range frames {
		out[i] = cborFrame{ID: f.ID, Extended: f.Extended, Data: f.Payload()}
	}
	data, err := cbor.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR frames: %w", err)
	}
	return data, nil
}

// DecodeCBOR decodes the output of EncodeCBOR
func DecodeCBOR(data []byte) ([]Frame, error) {
	var in []cborFrame
	if err := cbor.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR frames: %w", err)
	}
	frames := make([]Frame, 0, len(in))
	for i, c := range in {
		f, err := New(c.ID, c.Extended, c.Data)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
