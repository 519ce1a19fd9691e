// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/Thermoquad/canbridge/pkg/cache"
	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/config"
	"github.com/Thermoquad/canbridge/pkg/pipeline"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/transport"
)

var batteryFrame = canframe.MustNew(signal.BatteryID, false, []byte{0x01, 0x2C, 0x00, 0x22, 0x1F, 0x00, 0x4C, 0x5E})

// ============================================================================
// Flag Handling Tests
// ============================================================================

func newTestFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&sourceKind, "source", "", "")
	fs.StringVar(&canInterface, "interface", "", "")
	fs.StringVar(&portName, "port", "", "")
	fs.IntVar(&baudRate, "baud", 115200, "")
	fs.IntVar(&bitrate, "bitrate", 500000, "")
	fs.StringVar(&replayFile, "replay", "", "")
	fs.Int64Var(&simulatorSeed, "seed", 0, "")
	fs.StringVar(&endpointURL, "url", "", "")
	fs.StringVar(&username, "username", "", "")
	fs.BoolVar(&noSSLVerify, "no-ssl-verify", false, "")
	fs.StringVar(&logLevel, "log-level", "", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return fs
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg config.Config)
	}{
		{
			name: "interface selects socketcan",
			args: []string{"--interface", "vcan0"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Source.Kind != config.SourceSocketCAN || cfg.Source.Interface != "vcan0" {
					t.Errorf("source = %+v, want socketcan on vcan0", cfg.Source)
				}
			},
		},
		{
			name: "port selects slcan",
			args: []string{"--port", "/dev/ttyACM0", "--bitrate", "250000"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Source.Kind != config.SourceSLCAN || cfg.Source.Port != "/dev/ttyACM0" {
					t.Errorf("source = %+v, want slcan on /dev/ttyACM0", cfg.Source)
				}
				if cfg.Source.Bitrate != 250000 {
					t.Errorf("Bitrate = %d, want 250000", cfg.Source.Bitrate)
				}
			},
		},
		{
			name: "explicit source wins",
			args: []string{"--source", "simulator", "--replay", "drive.log"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Source.Kind != config.SourceSimulator {
					t.Errorf("Kind = %q, want simulator", cfg.Source.Kind)
				}
			},
		},
		{
			name: "http url",
			args: []string{"--url", "https://api.example.com/telemetry", "--username", "bench"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Transport.Kind != config.TransportHTTP || cfg.Transport.HTTP.URL != "https://api.example.com/telemetry" {
					t.Errorf("transport = %+v, want http", cfg.Transport)
				}
				if transportUsername(cfg) != "bench" {
					t.Errorf("transportUsername() = %q, want bench", transportUsername(cfg))
				}
			},
		},
		{
			name: "websocket url",
			args: []string{"--url", "wss://api.example.com/ws", "--no-ssl-verify"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Transport.Kind != config.TransportWebSocket || cfg.Transport.WebSocket.URL != "wss://api.example.com/ws" {
					t.Errorf("transport = %+v, want websocket", cfg.Transport)
				}
				if !cfg.Transport.WebSocket.SkipTLSVerify {
					t.Error("SkipTLSVerify = false, want true")
				}
			},
		},
		{
			name: "mqtt url",
			args: []string{"--url", "tcp://broker:1883"},
			check: func(t *testing.T, cfg config.Config) {
				if cfg.Transport.Kind != config.TransportMQTT || cfg.Transport.MQTT.Broker != "tcp://broker:1883" {
					t.Errorf("transport = %+v, want mqtt", cfg.Transport)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			if err := applyFlags(newTestFlags(t, tt.args...), &cfg); err != nil {
				t.Fatalf("applyFlags() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestApplyFlags_BadScheme(t *testing.T) {
	cfg := config.Default()
	if err := applyFlags(newTestFlags(t, "--url", "ftp://example.com"), &cfg); err == nil {
		t.Error("applyFlags() error = nil, want unsupported scheme")
	}
}

func TestExecute_ErrorPrintedOnce(t *testing.T) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"no-such-command"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := Execute()
	if err == nil {
		t.Fatal("Execute() with unknown command succeeded")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Execute() error = %v, want unknown command", err)
	}
	if errOut.Len() != 0 {
		t.Errorf("stderr = %q, want empty", errOut.String())
	}
}

// ============================================================================
// Output Formatting Tests
// ============================================================================

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "0 seconds"},
		{1000, "1 second"},
		{61000, "1 minute and 1 second"},
		{3600000, "1 hour"},
		{90061000, "1 day, 1 hour, 1 minute, and 1 second"},
	}

	for _, tt := range tests {
		if got := formatUptime(tt.ms); got != tt.want {
			t.Errorf("formatUptime(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestFormatRawLine(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	table := signal.DefaultTable()
	sig, _, _ := table.DecodeFrame(batteryFrame, now)
	change := &signal.Change{Kind: sig.Kind, New: sig}
	unknown := canframe.MustNew(0x555, false, []byte{1})

	tests := []struct {
		name        string
		f           canframe.Frame
		change      *signal.Change
		known       bool
		err         error
		changesOnly bool
		knownOnly   bool
		wantShow    bool
		wantSuffix  string
	}{
		{"change", batteryFrame, change, true, nil, false, false, true, "soh=94"},
		{"unchanged", batteryFrame, nil, true, nil, false, false, true, "(unchanged)"},
		{"unchanged hidden", batteryFrame, nil, true, nil, true, false, false, "(unchanged)"},
		{"unknown", unknown, nil, false, nil, false, false, true, "data=[01]"},
		{"unknown hidden", unknown, nil, false, nil, false, true, false, "data=[01]"},
		{"decode error always shown", batteryFrame, nil, true, errors.New("short"), true, true, true, "ERROR: short"},
	}

	defer func() { rawLogChangesOnly, rawLogKnownOnly = false, false }()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawLogChangesOnly, rawLogKnownOnly = tt.changesOnly, tt.knownOnly
			line, show := formatRawLine(now, tt.f, tt.change, tt.known, tt.err)
			if show != tt.wantShow {
				t.Errorf("formatRawLine() show = %v, want %v", show, tt.wantShow)
			}
			if !strings.HasSuffix(line, tt.wantSuffix) {
				t.Errorf("formatRawLine() = %q, want suffix %q", line, tt.wantSuffix)
			}
		})
	}
}

func TestFormatLinkEvent(t *testing.T) {
	tests := []struct {
		e    transport.Event
		want string
	}{
		{transport.Event{Type: transport.EventConnected}, "connected"},
		{transport.Event{Type: transport.EventText, Text: "ack"}, "text: ack"},
		{transport.Event{Type: transport.EventDisconnected, Err: errors.New("EOF")}, "disconnected: EOF"},
		{transport.Event{Type: transport.EventDisconnected}, "disconnected"},
	}
	for _, tt := range tests {
		if got := formatLinkEvent(tt.e); got != tt.want {
			t.Errorf("formatLinkEvent(%v) = %q, want %q", tt.e.Type, got, tt.want)
		}
	}
}

func TestResultEvent(t *testing.T) {
	p := &transport.Payload{Frames: []canframe.Frame{batteryFrame, batteryFrame}}

	delivered := resultEvent(transport.Result{Outcome: transport.Delivered, Payload: p, Attempt: 1})
	if delivered.isError || !strings.Contains(delivered.message, "2 frames") {
		t.Errorf("resultEvent(delivered) = %+v", delivered)
	}

	abandoned := resultEvent(transport.Result{Outcome: transport.Abandoned, Payload: p, Attempt: 3, Err: errors.New("timeout")})
	if !abandoned.isError || !strings.Contains(abandoned.message, "abandoned after 3 attempts") {
		t.Errorf("resultEvent(abandoned) = %+v", abandoned)
	}
}

// ============================================================================
// Discovery Tests
// ============================================================================

func TestBusSurvey(t *testing.T) {
	s := newBusSurvey(signal.DefaultTable())

	frames := []canframe.Frame{
		canframe.MustNew(0x700, false, []byte{1, 2}),
		batteryFrame,
		canframe.MustNew(0x100, true, []byte{9}),
		canframe.MustNew(0x700, false, []byte{1, 2, 3}),
	}
	var firsts int
	for _, f := range frames {
		if s.Add(f) {
			firsts++
		}
	}
	if firsts != 3 {
		t.Errorf("new identifiers = %d, want 3", firsts)
	}

	rows := s.Rows()
	if len(rows) != 3 {
		t.Fatalf("len(Rows()) = %d, want 3", len(rows))
	}
	// standard first, then by id
	if rows[0].id != signal.BatteryID || rows[1].id != 0x700 || !rows[2].extended {
		t.Errorf("row order = 0x%X, 0x%X, 0x%X", rows[0].id, rows[1].id, rows[2].id)
	}
	if rows[0].kind != signal.KindBattery {
		t.Errorf("rows[0].kind = %q, want %q", rows[0].kind, signal.KindBattery)
	}
	if rows[1].count != 2 || rows[1].lengthList() != "2,3" {
		t.Errorf("0x700 count=%d lengths=%q, want 2 and \"2,3\"", rows[1].count, rows[1].lengthList())
	}
	if rows[2].kind != "" {
		t.Errorf("extended 0x100 kind = %q, want empty", rows[2].kind)
	}
}

// ============================================================================
// Monitor Tests
// ============================================================================

func TestSignalRows(t *testing.T) {
	c := cache.New()
	sig, _, _ := signal.DefaultTable().DecodeFrame(batteryFrame, time.Now())
	if err := c.Update(sig, time.Second); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	snap, stale := c.Snapshot(time.Second)
	if stale {
		t.Fatal("Snapshot() stale = true")
	}

	rows := signalRows(snap)
	if len(rows) != 1 {
		t.Fatalf("len(signalRows()) = %d, want 1", len(rows))
	}
	if rows[0][0] != signal.KindBattery || rows[0][1] != "0x120" {
		t.Errorf("row = %v", rows[0])
	}
	if !strings.Contains(rows[0][2], "voltage=30") {
		t.Errorf("values = %q, want voltage=30", rows[0][2])
	}
	if rows[0][3] != "yes" {
		t.Errorf("valid = %q, want yes", rows[0][3])
	}
}

func TestMonitorModel_Refresh(t *testing.T) {
	c := cache.New()
	m := newMonitorModel(monitorSource{
		stats:       func() pipeline.Statistics { return pipeline.Statistics{FramesReceived: 42} },
		cache:       c,
		lockTimeout: time.Second,
	})

	m.refresh()
	if m.haveSignals {
		t.Error("haveSignals = true for empty cache")
	}
	if !strings.Contains(m.View(), "Waiting for signals") {
		t.Error("View() does not show the waiting spinner")
	}

	sig, _, _ := signal.DefaultTable().DecodeFrame(batteryFrame, time.Now())
	c.Update(sig, time.Second)
	m.refresh()
	if !m.haveSignals || m.stats.FramesReceived != 42 {
		t.Errorf("after refresh haveSignals=%v frames=%d", m.haveSignals, m.stats.FramesReceived)
	}

	for i := 0; i < 150; i++ {
		m.addLogEntry(monitorEvent{at: time.Now(), message: "x"})
	}
	if len(m.eventLog) != m.maxLogEntries {
		t.Errorf("len(eventLog) = %d, want %d", len(m.eventLog), m.maxLogEntries)
	}
}
