// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canframe

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatCSV renders one audit log line:
// timestamp,identifierHex,S|E,dlc,hexPayload
// where timestamp is whole milliseconds since the log was opened.
func FormatCSV(elapsed time.Duration, f Frame) string {
	return fmt.Sprintf("%d,0x%X,%s,%d,%s", elapsed.Milliseconds(), f.ID, f.TypeFlag(), f.Length, f.HexPayload())
}

// ParseCSV parses a line produced by FormatCSV
func ParseCSV(line string) (time.Duration, Frame, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 5 {
		return 0, Frame{}, fmt.Errorf("csv line has %d fields, want 5", len(fields))
	}

	ms, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, Frame{}, fmt.Errorf("invalid timestamp %q: %w", fields[0], err)
	}

	idText := strings.TrimPrefix(strings.TrimPrefix(fields[1], "0x"), "0X")
	id, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return 0, Frame{}, fmt.Errorf("invalid identifier %q: %w", fields[1], err)
	}

	var extended bool
	switch fields[2] {
	case "S":
	case "E":
		extended = true
	default:
		return 0, Frame{}, fmt.Errorf("invalid frame type %q (want S or E)", fields[2])
	}

	dlc, err := strconv.Atoi(fields[3])
	if err != nil {
		return 0, Frame{}, fmt.Errorf("invalid dlc %q: %w", fields[3], err)
	}

	payload, err := hex.DecodeString(fields[4])
	if err != nil {
		return 0, Frame{}, fmt.Errorf("invalid payload %q: %w", fields[4], err)
	}
	if len(payload) != dlc {
		return 0, Frame{}, fmt.Errorf("dlc %d does not match %d payload bytes", dlc, len(payload))
	}

	f, err := New(uint32(id), extended, payload)
	if err != nil {
		return 0, Frame{}, err
	}
	return time.Duration(ms) * time.Millisecond, f, nil
}

// ParseCandump parses a candump log line: "(1700000000.123456) can0 120#0102"
// or the compact form "120#0102". Identifiers longer than three hex digits
// are treated as extended.
func ParseCandump(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Frame{}, fmt.Errorf("empty candump line")
	}
	token := parts[len(parts)-1]

	idText, dataText, ok := strings.Cut(token, "#")
	if !ok {
		return Frame{}, fmt.Errorf("candump frame %q has no '#'", token)
	}
	id, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid identifier %q: %w", idText, err)
	}
	payload, err := hex.DecodeString(dataText)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid payload %q: %w", dataText, err)
	}
	return New(uint32(id), len(idText) > 3, payload)
}
