// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canframe

import (
	"encoding/json"
	"fmt"
)

// wireFrame is the JSON object exchanged with the backend.
// Data is a list of integers, never a base64 string.
type wireFrame struct {
	CanID    uint32 `json:"canId"`
	DLC      uint8  `json:"dlc"`
	Extended bool   `json:"extended"`
	Data     []int  `json:"data"`
}

// MarshalJSON encodes the frame as {canId, dlc, extended, data:[bytes]}
func (f Frame) MarshalJSON() ([]byte, error) {
	payload := f.Payload()
	w := wireFrame{
		CanID:    f.ID,
		DLC:      f.Length,
		Extended: f.Extended,
		Data:     make([]int, len(payload)),
	}
	for i, v := range payload {
		w.Data[i] = int(v)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates a frame object
func (f *Frame) UnmarshalJSON(b []byte) error {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if len(w.Data) != int(w.DLC) {
		return fmt.Errorf("canframe: dlc %d does not match %d data bytes", w.DLC, len(w.Data))
	}
	payload := make([]byte, len(w.Data))
	for i, v := range w.Data {
		if v < 0 || v > 0xFF {
			return fmt.Errorf("canframe: data[%d]=%d is not a byte", i, v)
		}
		payload[i] = byte(v)
	}
	decoded, err := New(w.CanID, w.Extended, payload)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

// MarshalFrames encodes frames as a JSON array, preserving order.
// An empty input encodes as [] rather than null.
func MarshalFrames(frames []Frame) ([]byte, error) {
	if frames == nil {
		frames = []Frame{}
	}
	return json.Marshal(frames)
}

// UnmarshalFrames decodes a JSON array of frame objects
func UnmarshalFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to decode frames: %w", err)
	}
	return frames, nil
}
