// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package source

import (
	"fmt"
	"log/slog"

	"github.com/brutella/can"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// SocketCAN can_id flag bits
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
	effMask = 0x1FFFFFFF
	sffMask = 0x000007FF
)

// SocketCAN reads frames from a Linux CAN interface
type SocketCAN struct {
	*feed
	bus    *can.Bus
	name   string
	logger *slog.Logger
}

// OpenSocketCAN subscribes to a CAN interface such as "can0" or "vcan0"
func OpenSocketCAN(name string, logger *slog.Logger) (*SocketCAN, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open CAN interface %s: %w", name, err)
	}

	s := &SocketCAN{
		feed:   newFeed(1024),
		bus:    bus,
		name:   name,
		logger: logger,
	}
	bus.SubscribeFunc(s.handle)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("CAN interface read failed", "interface", name, "error", err)
				s.fail(fmt.Errorf("CAN interface %s: %w", name, err))
			}
		}
	}()

	return s, nil
}

func (s *SocketCAN) handle(f can.Frame) {
	fr, ok := fromSocketCAN(f)
	if !ok {
		return
	}
	s.push(fr)
}

// fromSocketCAN converts a raw SocketCAN frame; remote and error frames
// are skipped
func fromSocketCAN(f can.Frame) (canframe.Frame, bool) {
	if f.ID&(rtrFlag|errFlag) != 0 {
		return canframe.Frame{}, false
	}
	fr := canframe.Frame{Length: f.Length, Data: f.Data}
	if f.ID&effFlag != 0 {
		fr.Extended = true
		fr.ID = f.ID & effMask
	} else {
		fr.ID = f.ID & sffMask
	}
	if fr.Length > canframe.MaxDataLength {
		fr.Length = canframe.MaxDataLength
	}
	for i := fr.Length; i < canframe.MaxDataLength; i++ {
		fr.Data[i] = 0
	}
	return fr, true
}

func (s *SocketCAN) Name() string {
	return "socketcan:" + s.name
}

func (s *SocketCAN) Close() error {
	s.close()
	return s.bus.Disconnect()
}
