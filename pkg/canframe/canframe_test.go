// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canframe

import (
	"errors"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// getFuzzRounds returns the number of rounds from FUZZ_ROUNDS, default 500
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 500
}

func newFuzzRng(t *testing.T) *rand.Rand {
	seed := time.Now().UnixNano()
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if s, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			seed = s
		}
	}
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomFrame(rng *rand.Rand) Frame {
	extended := rng.Intn(2) == 1
	var id uint32
	if extended {
		id = uint32(rng.Int63n(int64(MaxExtendedID) + 1))
	} else {
		id = uint32(rng.Intn(int(MaxStandardID) + 1))
	}
	payload := make([]byte, rng.Intn(MaxDataLength+1))
	rng.Read(payload)
	return MustNew(id, extended, payload)
}

// ============================================================
// Validation
// ============================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{"standard max", Frame{ID: 0x7FF, Length: 8}, nil},
		{"standard too large", Frame{ID: 0x800}, ErrInvalidID},
		{"extended accepts 29 bits", Frame{ID: 0x1FFFFFFF, Extended: true}, nil},
		{"extended too large", Frame{ID: 0x20000000, Extended: true}, ErrInvalidID},
		{"length 9", Frame{ID: 0x100, Length: 9}, ErrInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_PayloadTooLong(t *testing.T) {
	_, err := New(0x100, false, make([]byte, 9))
	if !errors.Is(err, ErrInvalidLength) {
		t.Errorf("New() error = %v, want ErrInvalidLength", err)
	}
}

func TestPayload_IgnoresBytesBeyondLength(t *testing.T) {
	f := Frame{ID: 0x10, Length: 2, Data: [8]byte{1, 2, 3, 4}}
	got := f.Payload()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Payload() = %v, want [1 2]", got)
	}
}

// ============================================================
// JSON
// ============================================================

func TestMarshalJSON_Shape(t *testing.T) {
	f := MustNew(0x120, false, []byte{0x01, 0x2C})
	data, err := f.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	want := `{"canId":288,"dlc":2,"extended":false,"data":[1,44]}`
	if string(data) != want {
		t.Errorf("MarshalJSON() = %s, want %s", data, want)
	}
}

func TestMarshalFrames_Empty(t *testing.T) {
	data, err := MarshalFrames(nil)
	if err != nil {
		t.Fatalf("MarshalFrames() error = %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("MarshalFrames(nil) = %s, want []", data)
	}
}

func TestFramesJSON_RoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for round := 0; round < rounds; round++ {
		frames := make([]Frame, rng.Intn(20))
		for i := range frames {
			frames[i] = randomFrame(rng)
		}

		data, err := MarshalFrames(frames)
		if err != nil {
			t.Fatalf("round %d: MarshalFrames() error = %v", round, err)
		}
		decoded, err := UnmarshalFrames(data)
		if err != nil {
			t.Fatalf("round %d: UnmarshalFrames() error = %v", round, err)
		}
		if len(decoded) != len(frames) {
			t.Fatalf("round %d: got %d frames, want %d", round, len(decoded), len(frames))
		}
		for i := range frames {
			if decoded[i] != frames[i] {
				t.Fatalf("round %d frame %d: got %v, want %v", round, i, decoded[i], frames[i])
			}
		}
	}
}

func TestUnmarshalJSON_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"dlc mismatch", `{"canId":1,"dlc":3,"extended":false,"data":[1,2]}`},
		{"byte out of range", `{"canId":1,"dlc":1,"extended":false,"data":[256]}`},
		{"standard id too large", `{"canId":4096,"dlc":0,"extended":false,"data":[]}`},
		{"too many bytes", `{"canId":1,"dlc":9,"extended":false,"data":[0,0,0,0,0,0,0,0,0]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			if err := f.UnmarshalJSON([]byte(tt.input)); err == nil {
				t.Errorf("UnmarshalJSON(%s) succeeded, want error", tt.input)
			}
		})
	}
}

// ============================================================
// CSV and candump
// ============================================================

func TestFormatCSV(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		frame   Frame
		want    string
	}{
		{
			name:    "battery frame",
			elapsed: 1500 * time.Millisecond,
			frame:   MustNew(0x120, false, []byte{0x01, 0x2C, 0x00, 0x22, 0x1F, 0x00, 0x4C, 0x5E}),
			want:    "1500,0x120,S,8,012C00221F004C5E",
		},
		{
			name:    "extended empty payload",
			elapsed: 0,
			frame:   MustNew(0x18FF50E5, true, nil),
			want:    "0,0x18FF50E5,E,0,",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCSV(tt.elapsed, tt.frame); got != tt.want {
				t.Errorf("FormatCSV() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCSV_RoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	for round := 0; round < getFuzzRounds(); round++ {
		f := randomFrame(rng)
		elapsed := time.Duration(rng.Int63n(1e9)) * time.Millisecond

		gotElapsed, got, err := ParseCSV(FormatCSV(elapsed, f))
		if err != nil {
			t.Fatalf("round %d: ParseCSV() error = %v", round, err)
		}
		if got != f || gotElapsed != elapsed {
			t.Fatalf("round %d: got (%v, %v), want (%v, %v)", round, gotElapsed, got, elapsed, f)
		}
	}
}

func TestParseCSV_Errors(t *testing.T) {
	lines := []string{
		"",
		"1,0x120,S,8",
		"x,0x120,S,1,00",
		"1,0xZZ,S,1,00",
		"1,0x120,X,1,00",
		"1,0x120,S,2,00",
		"1,0x120,S,1,0G",
	}
	for _, line := range lines {
		if _, _, err := ParseCSV(line); err == nil {
			t.Errorf("ParseCSV(%q) succeeded, want error", line)
		}
	}
}

func TestParseCandump(t *testing.T) {
	tests := []struct {
		line string
		want Frame
	}{
		{"(1700000000.123456) can0 120#012C", MustNew(0x120, false, []byte{0x01, 0x2C})},
		{"300#", MustNew(0x300, false, nil)},
		{"vcan0 18FF50E5#AABB", MustNew(0x18FF50E5, true, []byte{0xAA, 0xBB})},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCandump(tt.line)
			if err != nil {
				t.Fatalf("ParseCandump() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCandump() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// CBOR and formatting
// ============================================================

func TestCBOR_RoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	frames := make([]Frame, 32)
	for i := range frames {
		frames[i] = randomFrame(rng)
	}

	data, err := EncodeCBOR(frames)
	if err != nil {
		t.Fatalf("EncodeCBOR() error = %v", err)
	}
	decoded, err := DecodeCBOR(data)
	if err != nil {
		t.Fatalf("DecodeCBOR() error = %v", err)
	}
	for i := range frames {
		if decoded[i] != frames[i] {
			t.Errorf("frame %d: got %v, want %v", i, decoded[i], frames[i])
		}
	}
}

func TestFormat(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 30, 45, 123_000_000, time.UTC)
	got := Format(ts, MustNew(0x120, false, []byte{0x01, 0xAB}))
	want := "[12:30:45.123] ID=0x120 std dlc=2 data=[01 AB]"
	if got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
	if s := MustNew(0x1ABCDE, true, []byte{1}).String(); !strings.HasPrefix(s, "001ABCDE#") {
		t.Errorf("String() = %q, want 001ABCDE# prefix", s)
	}
}
