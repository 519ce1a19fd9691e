// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/signal"
)

// Format selects the outbound JSON document
type Format string

const (
	// FormatFrames is a bare array of frame objects
	FormatFrames Format = "frames"
	// FormatEnvelope wraps decoded signals and frames with device metadata
	FormatEnvelope Format = "envelope"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatFrames, FormatEnvelope:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown payload format %q (want frames or envelope)", s)
	}
}

var envelopeKeys = map[string]bool{
	"deviceId":    true,
	"batchId":     true,
	"timestamp":   true,
	"canMessages": true,
}

// Payload is one batch ready for encoding
type Payload struct {
	BatchID   uuid.UUID
	DeviceID  string
	Timestamp time.Time
	Frames    []canframe.Frame
	Signals   []signal.Signal
	// Context adds fixed top-level fields to envelopes (vehicle id, firmware, ...)
	Context map[string]any
}

// Encode renders the payload as JSON in the given format
func (p *Payload) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatFrames:
		return canframe.MarshalFrames(p.Frames)
	case FormatEnvelope:
		return p.encodeEnvelope()
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

func (p *Payload) encodeEnvelope() ([]byte, error) {
	doc := make(map[string]any, len(p.Context)+len(p.Signals)+4)
	for k, v := range p.Context {
		if envelopeKeys[k] {
			return nil, fmt.Errorf("context field %q collides with an envelope field", k)
		}
		doc[k] = v
	}
	for _, s := range p.Signals {
		if envelopeKeys[s.Kind] {
			return nil, fmt.Errorf("signal kind %q collides with an envelope field", s.Kind)
		}
		if _, dup := doc[s.Kind]; dup {
			return nil, fmt.Errorf("signal kind %q appears twice", s.Kind)
		}
		doc[s.Kind] = s
	}

	frames := p.Frames
	if frames == nil {
		frames = []canframe.Frame{}
	}
	doc["deviceId"] = p.DeviceID
	doc["batchId"] = p.BatchID.String()
	doc["timestamp"] = p.Timestamp.UTC().Format(time.RFC3339Nano)
	doc["canMessages"] = frames

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// frameMessage is the per-frame WebSocket message
type frameMessage struct {
	Type     string `json:"type"`
	ID       uint32 `json:"id"`
	DLC      uint8  `json:"dlc"`
	Extended bool   `json:"extended"`
	Data     []int  `json:"data"`
}

// EncodeFrameMessage renders a single frame as {type:"canFrame", id, dlc, extended, data}
func EncodeFrameMessage(f canframe.Frame) ([]byte, error) {
	payload := f.Payload()
	msg := frameMessage{
		Type:     "canFrame",
		ID:       f.ID,
		DLC:      f.Length,
		Extended: f.Extended,
		Data:     make([]int, len(payload)),
	}
	for i, b := range payload {
		msg.Data[i] = int(b)
	}
	return json.Marshal(msg)
}
