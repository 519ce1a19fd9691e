// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package slcan

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// ============================================================
// Encoding
// ============================================================

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		frame canframe.Frame
		want  string
	}{
		{"standard", canframe.MustNew(0x120, false, []byte{0x01, 0x2C}), "t1202012C\r"},
		{"extended", canframe.MustNew(0x18FF50E5, true, []byte{0xAA}), "T18FF50E51AA\r"},
		{"empty", canframe.MustNew(0x7FF, false, nil), "t7FF0\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetupCommands(t *testing.T) {
	got, err := SetupCommands(500000)
	if err != nil {
		t.Fatalf("SetupCommands() error = %v", err)
	}
	if string(got) != "C\rS6\rO\r" {
		t.Errorf("SetupCommands(500000) = %q", got)
	}
	if _, err := SetupCommands(123); err == nil {
		t.Error("SetupCommands(123) succeeded, want error")
	}
}

// ============================================================
// Line parsing
// ============================================================

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    canframe.Frame
		wantErr bool
	}{
		{"standard", "t3008010203040506070A", canframe.MustNew(0x300, false, []byte{1, 2, 3, 4, 5, 6, 7, 0x0A}), false},
		{"with timestamp", "t12010112AB", canframe.MustNew(0x120, false, []byte{0x01}), false},
		{"extended", "T000001230", canframe.MustNew(0x123, true, nil), false},
		{"bad dlc", "t1209", canframe.Frame{}, true},
		{"short data", "t120201", canframe.Frame{}, true},
		{"bad hex", "t1201ZZ", canframe.Frame{}, true},
		{"truncated", "t12", canframe.Frame{}, true},
		{"unknown command", "x", canframe.Frame{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseLine_Remote(t *testing.T) {
	if _, err := ParseLine([]byte("r1200")); !errors.Is(err, ErrRemoteFrame) {
		t.Errorf("ParseLine(remote) error = %v, want ErrRemoteFrame", err)
	}
}

// ============================================================
// Stream decoding
// ============================================================

func TestDecoder_Stream(t *testing.T) {
	stream := []byte("\r\rt1201AA\rz\rt3000\r\a")
	d := NewDecoder()
	frames, errs := d.Decode(stream)

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].ID != 0x120 || frames[1].ID != 0x300 {
		t.Errorf("frames = %v", frames)
	}
	// "z" line and the BEL
	if errs != 2 {
		t.Errorf("errs = %d, want 2", errs)
	}
	if !errors.Is(d.LastError(), ErrNack) {
		t.Errorf("LastError() = %v, want ErrNack", d.LastError())
	}
}

func TestDecoder_Overflow(t *testing.T) {
	d := NewDecoder()
	var sawOverflow bool
	for _, b := range bytes.Repeat([]byte{'t'}, MaxLineLength+5) {
		if _, err := d.DecodeByte(b); errors.Is(err, ErrOverflow) {
			sawOverflow = true
		}
	}
	if !sawOverflow {
		t.Fatal("expected ErrOverflow")
	}
	// the rest of the long line is discarded, the next line decodes
	frames, _ := d.Decode([]byte("\rt1201BB\r"))
	if len(frames) != 1 || frames[0].Data[0] != 0xBB {
		t.Errorf("frames after overflow = %v", frames)
	}
}

func TestDecoder_EncodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := NewDecoder()

	for i := 0; i < 500; i++ {
		extended := rng.Intn(2) == 1
		id := uint32(rng.Intn(0x800))
		if extended {
			id = uint32(rng.Int63n(0x20000000))
		}
		payload := make([]byte, rng.Intn(9))
		rng.Read(payload)
		want := canframe.MustNew(id, extended, payload)

		line, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		frames, errs := d.Decode(line)
		if errs != 0 || len(frames) != 1 || frames[0] != want {
			t.Fatalf("round %d: got %v (errs %d), want %v", i, frames, errs, want)
		}
	}
}
