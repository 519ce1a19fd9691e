// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package signal

import "math"

// Encode builds a payload for a message from engineering values. Missing
// fields encode as zero raw; values are clamped to the field's raw range.
func Encode(spec MessageSpec, values map[string]float64) []byte {
	length := 0
	for _, f := range spec.Fields {
		if end := f.Offset + f.Size; end > length {
			length = end
		}
	}
	payload := make([]byte, length)

	for _, f := range spec.Fields {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		scale := f.Scale
		if scale == 0 {
			scale = 1
		}
		raw := math.Round((v - f.Bias) / scale)

		bits := float64(uint64(1) << (8 * f.Size))
		if f.Signed {
			raw = math.Max(-bits/2, math.Min(bits/2-1, raw))
		} else {
			raw = math.Max(0, math.Min(bits-1, raw))
		}

		u := uint32(int64(raw))
		for i := f.Size - 1; i >= 0; i-- {
			payload[f.Offset+i] = byte(u)
			u >>= 8
		}
	}
	return payload
}
