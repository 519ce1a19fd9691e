// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brutella/can"

	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/config"
	"github.com/Thermoquad/canbridge/pkg/signal"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) sleep(d time.Duration)   { c.t = c.t.Add(d) }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// ============================================================
// Feed
// ============================================================

func TestFeed_Poll(t *testing.T) {
	f := newFeed(2)

	if _, ok, err := f.Poll(5 * time.Millisecond); ok || err != nil {
		t.Fatalf("Poll() on empty feed = ok %v, err %v; want none", ok, err)
	}

	want := canframe.MustNew(0x120, false, []byte{1, 2})
	f.push(want)
	got, ok, err := f.Poll(0)
	if err != nil || !ok {
		t.Fatalf("Poll() = ok %v, err %v; want frame", ok, err)
	}
	if got != want {
		t.Errorf("Poll() = %v, want %v", got, want)
	}

	f.push(want)
	f.push(want)
	f.push(want)
	if f.Overruns() != 1 {
		t.Errorf("Overruns() = %d, want 1", f.Overruns())
	}
}

func TestFeed_FailDrainsThenErrors(t *testing.T) {
	f := newFeed(4)
	f.push(canframe.MustNew(0x1, false, nil))
	boom := errors.New("boom")
	f.fail(boom)

	if _, ok, err := f.Poll(0); !ok || err != nil {
		t.Fatalf("Poll() after fail = ok %v, err %v; want buffered frame", ok, err)
	}
	if _, _, err := f.Poll(0); !errors.Is(err, boom) {
		t.Errorf("Poll() error = %v, want %v", err, boom)
	}
}

func TestFeed_PollWakesOnFrame(t *testing.T) {
	f := newFeed(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.push(canframe.MustNew(0x7, false, nil))
	}()
	if _, ok, _ := f.Poll(time.Second); !ok {
		t.Error("Poll() = none, want frame pushed while waiting")
	}
}

// ============================================================
// SocketCAN conversion
// ============================================================

func TestFromSocketCAN(t *testing.T) {
	tests := []struct {
		name   string
		in     can.Frame
		want   canframe.Frame
		wantOk bool
	}{
		{
			name:   "standard",
			in:     can.Frame{ID: 0x120, Length: 2, Data: [8]uint8{0x01, 0x2C}},
			want:   canframe.MustNew(0x120, false, []byte{0x01, 0x2C}),
			wantOk: true,
		},
		{
			name:   "extended",
			in:     can.Frame{ID: 0x18FF50E5 | effFlag, Length: 1, Data: [8]uint8{0xAA}},
			want:   canframe.MustNew(0x18FF50E5, true, []byte{0xAA}),
			wantOk: true,
		},
		{
			name:   "stale bytes beyond length cleared",
			in:     can.Frame{ID: 0x10, Length: 1, Data: [8]uint8{1, 2, 3}},
			want:   canframe.MustNew(0x10, false, []byte{1}),
			wantOk: true,
		},
		{name: "remote", in: can.Frame{ID: 0x120 | rtrFlag}},
		{name: "error", in: can.Frame{ID: 0x4 | errFlag}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fromSocketCAN(tt.in)
			if ok != tt.wantOk {
				t.Fatalf("fromSocketCAN() ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && got != tt.want {
				t.Errorf("fromSocketCAN() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================
// SLCAN
// ============================================================

type fakePort struct {
	r *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *fakePort) Close() error                { return p.r.Close() }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestSLCAN(t *testing.T) {
	r, w := io.Pipe()
	port := &fakePort{r: r}

	s, err := NewSLCAN(port, "test", 500000, nil)
	if err != nil {
		t.Fatalf("NewSLCAN() error = %v", err)
	}
	if got := port.Written(); got != "C\rS6\rO\r" {
		t.Errorf("setup = %q, want %q", got, "C\rS6\rO\r")
	}

	go w.Write([]byte("\r\rt1202012C\rgarbage\rT18FF50E51AA\r"))

	want := []canframe.Frame{
		canframe.MustNew(0x120, false, []byte{0x01, 0x2C}),
		canframe.MustNew(0x18FF50E5, true, []byte{0xAA}),
	}
	for i, wf := range want {
		got, ok, err := s.Poll(time.Second)
		if err != nil || !ok {
			t.Fatalf("Poll() #%d = ok %v, err %v", i, ok, err)
		}
		if got != wf {
			t.Errorf("Poll() #%d = %v, want %v", i, got, wf)
		}
	}

	s.Close()
	if !strings.HasSuffix(port.Written(), "C\r") {
		t.Errorf("Close() did not send the close command, wrote %q", port.Written())
	}
	if _, _, err := s.Poll(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Poll() after Close() error = %v, want ErrClosed", err)
	}
}

func TestSLCAN_UnsupportedBitrate(t *testing.T) {
	r, _ := io.Pipe()
	if _, err := NewSLCAN(&fakePort{r: r}, "test", 333333, nil); err == nil {
		t.Error("NewSLCAN() error = nil, want unsupported bitrate")
	}
}

func TestSLCAN_EOFExhausts(t *testing.T) {
	r, w := io.Pipe()
	s, err := NewSLCAN(&fakePort{r: r}, "test", 250000, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := s.Poll(10 * time.Millisecond); err != nil {
			if !errors.Is(err, ErrExhausted) {
				t.Errorf("Poll() error = %v, want ErrExhausted", err)
			}
			return
		}
	}
	t.Error("Poll() never reported end of input")
}

// ============================================================
// Simulator
// ============================================================

func TestSimulator_Deterministic(t *testing.T) {
	a := NewSimulator(signal.DefaultTable(), time.Millisecond, 42)
	b := NewSimulator(signal.DefaultTable(), time.Millisecond, 42)

	for i := 0; i < 200; i++ {
		fa, fb := a.Generate(), b.Generate()
		if fa != fb {
			t.Fatalf("Generate() #%d differs: %v vs %v", i, fa, fb)
		}
	}
}

func TestSimulator_Mix(t *testing.T) {
	table := signal.DefaultTable()
	sim := NewSimulator(table, time.Millisecond, 7)

	const n = 4000
	known := 0
	for i := 0; i < n; i++ {
		f := sim.Generate()
		if err := f.Validate(); err != nil {
			t.Fatalf("Generate() produced invalid frame %v: %v", f, err)
		}
		sig, ok, err := table.DecodeFrame(f, time.Now())
		if !ok {
			continue
		}
		known++
		if err != nil {
			t.Fatalf("DecodeFrame(%v) error = %v", f, err)
		}
		if !sig.Valid {
			t.Errorf("simulated %s reading is out of range: %v", sig.Kind, sig)
		}
	}

	share := float64(known) / n
	if share < 0.65 || share > 0.75 {
		t.Errorf("known share = %.3f, want about %.2f", share, knownShare)
	}
}

func TestSimulator_PollPacing(t *testing.T) {
	clock := newFakeClock()
	sim := NewSimulator(signal.DefaultTable(), 50*time.Millisecond, 1)
	sim.now, sim.sleep = clock.now, clock.sleep

	frames := 0
	for i := 0; i < 100; i++ {
		if _, ok, err := sim.Poll(10 * time.Millisecond); err != nil {
			t.Fatal(err)
		} else if ok {
			frames++
		}
	}
	if frames != 20 {
		t.Errorf("frames = %d, want 20 over 100 polls of 10ms", frames)
	}

	sim.Close()
	if _, _, err := sim.Poll(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Poll() after Close() error = %v, want ErrClosed", err)
	}
}

// ============================================================
// Replay
// ============================================================

func TestReplay_CSVAndCandump(t *testing.T) {
	input := `# recorded on the bench
0,0x120,S,8,012C00221F004C5E
not a frame
15,0x18FF50E5,E,1,AA

(1700000000.500000) can0 300#05DC007D00005523
7FF#
`
	r := NewReplay(io.NopCloser(strings.NewReader(input)), 0, nil)

	want := []canframe.Frame{
		canframe.MustNew(0x120, false, []byte{0x01, 0x2C, 0x00, 0x22, 0x1F, 0x00, 0x4C, 0x5E}),
		canframe.MustNew(0x18FF50E5, true, []byte{0xAA}),
		canframe.MustNew(0x300, false, []byte{0x05, 0xDC, 0x00, 0x7D, 0x00, 0x00, 0x55, 0x23}),
		canframe.MustNew(0x7FF, false, nil),
	}
	for i, wf := range want {
		got, ok, err := r.Poll(0)
		if err != nil || !ok {
			t.Fatalf("Poll() #%d = ok %v, err %v", i, ok, err)
		}
		if got != wf {
			t.Errorf("Poll() #%d = %v, want %v", i, got, wf)
		}
	}

	if _, _, err := r.Poll(0); !errors.Is(err, ErrExhausted) {
		t.Errorf("Poll() at end error = %v, want ErrExhausted", err)
	}
	if r.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", r.Skipped())
	}
}

func TestReplay_Timing(t *testing.T) {
	clock := newFakeClock()
	input := "0,0x1,S,0,\n100,0x2,S,0,\n"
	r := NewReplay(io.NopCloser(strings.NewReader(input)), 2, nil)
	r.now, r.sleep = clock.now, clock.sleep

	if _, ok, _ := r.Poll(10 * time.Millisecond); !ok {
		t.Fatal("Poll() first frame = none, want immediate frame")
	}

	// 100ms recorded at double speed is due 50ms later
	if _, ok, _ := r.Poll(10 * time.Millisecond); ok {
		t.Error("Poll() second frame came early")
	}
	clock.advance(40 * time.Millisecond)
	f, ok, _ := r.Poll(10 * time.Millisecond)
	if !ok || f.ID != 0x2 {
		t.Errorf("Poll() = %v ok %v, want frame 0x2", f, ok)
	}
}

func TestParseReplayLine_CandumpTimestamp(t *testing.T) {
	e, err := parseReplayLine("(1.250000) vcan0 123#01")
	if err != nil {
		t.Fatal(err)
	}
	if !e.timed || e.at != 1250*time.Millisecond {
		t.Errorf("at = %v timed %v, want 1.25s timed", e.at, e.timed)
	}
}

// ============================================================
// Fallback
// ============================================================

type silentSource struct {
	frames []canframe.Frame
	err    error
	closed bool
}

func (s *silentSource) Poll(time.Duration) (canframe.Frame, bool, error) {
	if s.err != nil {
		return canframe.Frame{}, false, s.err
	}
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return f, true, nil
	}
	return canframe.Frame{}, false, nil
}

func (s *silentSource) Name() string { return "silent" }
func (s *silentSource) Close() error { s.closed = true; return nil }

func TestFallback(t *testing.T) {
	clock := newFakeClock()
	primary := &silentSource{}
	sim := NewSimulator(signal.DefaultTable(), 50*time.Millisecond, 3)
	sim.now, sim.sleep = clock.now, clock.sleep

	fb := NewFallback(primary, sim, time.Second, nil)
	fb.now = clock.now

	if _, ok, _ := fb.Poll(10 * time.Millisecond); ok || fb.Active() {
		t.Fatal("Fallback produced frames before the silence window")
	}

	clock.advance(time.Second)
	if _, ok, _ := fb.Poll(10 * time.Millisecond); !ok || !fb.Active() {
		t.Fatalf("Poll() after silence = ok %v active %v, want simulated frame", ok, fb.Active())
	}

	real := canframe.MustNew(0x555, false, []byte{9})
	primary.frames = []canframe.Frame{real}
	got, ok, _ := fb.Poll(10 * time.Millisecond)
	if !ok || got != real {
		t.Errorf("Poll() = %v, want real frame %v", got, real)
	}
	if fb.Active() {
		t.Error("Active() = true after real frame")
	}

	fb.Close()
	if !primary.closed {
		t.Error("Close() did not close the primary source")
	}
}

func TestFallback_PrimaryFailure(t *testing.T) {
	clock := newFakeClock()
	primary := &silentSource{err: errors.New("unplugged")}
	sim := NewSimulator(signal.DefaultTable(), 50*time.Millisecond, 3)
	sim.now, sim.sleep = clock.now, clock.sleep

	fb := NewFallback(primary, sim, time.Hour, nil)
	fb.now = clock.now

	if _, ok, err := fb.Poll(10 * time.Millisecond); !ok || err != nil {
		t.Errorf("Poll() = ok %v err %v, want simulated frame after failure", ok, err)
	}
}

// ============================================================
// Open
// ============================================================

func TestOpen(t *testing.T) {
	cfg := config.Default().Source
	src, err := Open(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open(simulator) error = %v", err)
	}
	if src.Name() != "simulator" {
		t.Errorf("Name() = %q, want simulator", src.Name())
	}
	src.Close()

	cfg.Kind = config.SourceReplay
	cfg.File = "/nonexistent/replay.csv"
	if _, err := Open(cfg, nil, nil); err == nil {
		t.Error("Open(missing replay) error = nil")
	}

	cfg.Kind = "bogus"
	if _, err := Open(cfg, nil, nil); err == nil {
		t.Error("Open(bogus) error = nil")
	}
}
