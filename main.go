// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// canbridge - CAN Bus Telemetry Bridge
//
// Reads frames from a CAN interface, decodes known messages into signals
// and delivers the frames in batches to a telemetry backend.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/canbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
