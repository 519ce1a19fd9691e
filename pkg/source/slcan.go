// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/canbridge/pkg/slcan"
)

// SLCAN reads frames from a serial-line CAN adapter
type SLCAN struct {
	*feed
	rw      io.ReadWriteCloser
	name    string
	decoder *slcan.Decoder
	logger  *slog.Logger
	errLog  rate.Sometimes
	wg      sync.WaitGroup
}

// OpenSLCAN opens the serial port, configures the adapter bitrate and
// opens the channel
func OpenSLCAN(portName string, baud, bitrate int, logger *slog.Logger) (*SLCAN, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	// Read returns periodically so Close is noticed
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	s, err := NewSLCAN(port, portName, bitrate, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// NewSLCAN drives an SLCAN adapter over an already open stream
func NewSLCAN(rw io.ReadWriteCloser, name string, bitrate int, logger *slog.Logger) (*SLCAN, error) {
	if logger == nil {
		logger = slog.Default()
	}

	setup, err := slcan.SetupCommands(bitrate)
	if err != nil {
		return nil, err
	}
	if _, err := rw.Write(setup); err != nil {
		return nil, fmt.Errorf("failed to configure SLCAN adapter: %w", err)
	}

	s := &SLCAN{
		feed:    newFeed(1024),
		rw:      rw,
		name:    name,
		decoder: slcan.NewDecoder(),
		logger:  logger,
		errLog:  rate.Sometimes{Interval: 5 * time.Second},
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *SLCAN) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 256)

	for {
		n, err := s.rw.Read(buf)
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			if err == io.EOF {
				s.fail(fmt.Errorf("serial port %s: %w", s.name, ErrExhausted))
			} else {
				s.fail(fmt.Errorf("serial port %s: %w", s.name, err))
			}
			return
		}
		if n == 0 {
			continue
		}

		frames, errs := s.decoder.Decode(buf[:n])
		for _, fr := range frames {
			s.push(fr)
		}
		if errs > 0 {
			s.errLog.Do(func() {
				s.logger.Warn("SLCAN decode errors", "port", s.name, "errors", errs, "last", s.decoder.LastError())
			})
		}
	}
}

func (s *SLCAN) Name() string {
	return "slcan:" + s.name
}

func (s *SLCAN) Close() error {
	s.close()
	// best effort; the adapter may already be gone
	s.rw.Write(slcan.CloseCommand())
	err := s.rw.Close()
	s.wg.Wait()
	return err
}
