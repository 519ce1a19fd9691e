// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	// Source flags
	sourceKind    string
	canInterface  string
	portName      string
	baudRate      int
	bitrate       int
	replayFile    string
	simulatorSeed int64

	// Transport flags
	endpointURL string
	username    string
	noSSLVerify bool
)

var rootCmd = &cobra.Command{
	Use:   "canbridge",
	Short: "CAN-bus telemetry bridge",
	Long: `canbridge - Relay CAN-bus frames and decoded signals to a telemetry backend.

Frames are read from a CAN interface, an SLCAN serial adapter, a recorded log
or a built-in simulator, decoded into signals, batched and delivered over
HTTP, WebSocket or MQTT.

Sources:
  SocketCAN:  --source socketcan --interface can0
  SLCAN:      --source slcan --port /dev/ttyACM0 [--baud 115200] [--bitrate 500000]
  Replay:     --source replay --replay frames.csv
  Simulator:  --source simulator [--seed 42]

Transports (selected by URL scheme):
  HTTP:       --url https://host/telemetry
  WebSocket:  --url ws://host:port/path
  MQTT:       --url tcp://broker:1883

Settings not covered by flags come from the YAML file given with --config.

For authentication, the password is read from the CANBRIDGE_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	// Source flags
	flags.StringVarP(&sourceKind, "source", "s", "", "Frame source (socketcan, slcan, replay, simulator)")
	flags.StringVarP(&canInterface, "interface", "i", "", "CAN interface (socketcan only)")
	flags.StringVarP(&portName, "port", "p", "", "Serial port device (slcan only)")
	flags.IntVarP(&baudRate, "baud", "b", 115200, "Serial baud rate (slcan only)")
	flags.IntVar(&bitrate, "bitrate", 500000, "CAN bus bitrate (slcan only)")
	flags.StringVar(&replayFile, "replay", "", "Log file to replay (CSV or candump)")
	flags.Int64Var(&simulatorSeed, "seed", 0, "Simulator seed")

	// Transport flags
	flags.StringVarP(&endpointURL, "url", "u", "", "Telemetry endpoint (http://, https://, ws://, wss://, tcp://)")
	flags.StringVar(&username, "username", "", "Username for HTTP Basic auth / MQTT")
	flags.BoolVar(&noSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
