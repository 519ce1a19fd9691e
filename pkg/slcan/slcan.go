// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package slcan implements the Lawicel ASCII protocol spoken by serial CAN
// adapters (CANable, USBtin, CANUSB and friends).
package slcan

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// Protocol bytes
const (
	CR  byte = '\r'
	BEL byte = 0x07 // adapter rejected the last command

	CmdStandard       byte = 't'
	CmdExtended       byte = 'T'
	CmdStandardRemote byte = 'r'
	CmdExtendedRemote byte = 'R'

	// MaxLineLength fits an extended frame with 8 data bytes and a timestamp
	MaxLineLength = 1 + 8 + 1 + 16 + 4
)

var (
	ErrNack        = errors.New("slcan: adapter returned BEL")
	ErrOverflow    = errors.New("slcan: line exceeds maximum length")
	ErrRemoteFrame = errors.New("slcan: remote frames are not relayed")
)

// bitrateCommands maps a bus bitrate to its setup command
var bitrateCommands = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// SetupCommands returns the byte sequence that closes the channel, sets the
// bitrate and reopens it.
func SetupCommands(bitrate int) ([]byte, error) {
	cmd, ok := bitrateCommands[bitrate]
	if !ok {
		return nil, fmt.Errorf("unsupported bitrate %d", bitrate)
	}
	return []byte("C\r" + cmd + "\rO\r"), nil
}

// CloseCommand closes the CAN channel
func CloseCommand() []byte {
	return []byte("C\r")
}

// Encode renders a frame as an SLCAN transmit line including the trailing CR
func Encode(f canframe.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var line string
	if f.Extended {
		line = fmt.Sprintf("T%08X%d%s\r", f.ID, f.Length, f.HexPayload())
	} else {
		line = fmt.Sprintf("t%03X%d%s\r", f.ID, f.Length, f.HexPayload())
	}
	return []byte(line), nil
}

// ParseLine parses a received frame line without its trailing CR.
// A 4-digit adapter timestamp after the data bytes is accepted and ignored.
func ParseLine(line []byte) (canframe.Frame, error) {
	if len(line) == 0 {
		return canframe.Frame{}, fmt.Errorf("slcan: empty line")
	}

	var idLen int
	var extended bool
	switch line[0] {
	case CmdStandard:
		idLen = 3
	case CmdExtended:
		idLen, extended = 8, true
	case CmdStandardRemote, CmdExtendedRemote:
		return canframe.Frame{}, ErrRemoteFrame
	default:
		return canframe.Frame{}, fmt.Errorf("slcan: unknown command %q", line[0])
	}

	if len(line) < 1+idLen+1 {
		return canframe.Frame{}, fmt.Errorf("slcan: truncated frame line %q", line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return canframe.Frame{}, fmt.Errorf("slcan: invalid identifier: %w", err)
	}

	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > canframe.MaxDataLength {
		return canframe.Frame{}, fmt.Errorf("slcan: invalid dlc %q", line[1+idLen])
	}

	data := line[2+idLen:]
	switch len(data) {
	case dlc * 2, dlc*2 + 4:
	default:
		return canframe.Frame{}, fmt.Errorf("slcan: dlc %d does not match %d hex digits", dlc, len(data))
	}

	payload := make([]byte, dlc)
	for i := 0; i < dlc; i++ {
		v, err := strconv.ParseUint(string(data[i*2:i*2+2]), 16, 8)
		if err != nil {
			return canframe.Frame{}, fmt.Errorf("slcan: invalid data byte %d: %w", i, err)
		}
		payload[i] = byte(v)
	}

	return canframe.New(uint32(id), extended, payload)
}
