// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/Thermoquad/canbridge/pkg/config"
	"github.com/Thermoquad/canbridge/pkg/logging"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/source"
)

// LoadConfig reads --config (or the defaults) and applies the flags the
// user set explicitly
func LoadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, err
		}
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	changed := flags.Changed

	if changed("log-level") {
		cfg.Log.Level = logLevel
	}

	if changed("source") {
		cfg.Source.Kind = sourceKind
	}
	if changed("interface") {
		cfg.Source.Interface = canInterface
		if !changed("source") {
			cfg.Source.Kind = config.SourceSocketCAN
		}
	}
	if changed("port") {
		cfg.Source.Port = portName
		if !changed("source") {
			cfg.Source.Kind = config.SourceSLCAN
		}
	}
	if changed("replay") {
		cfg.Source.File = replayFile
		if !changed("source") {
			cfg.Source.Kind = config.SourceReplay
		}
	}
	if changed("baud") {
		cfg.Source.Baud = baudRate
	}
	if changed("bitrate") {
		cfg.Source.Bitrate = bitrate
	}
	if changed("seed") {
		cfg.Source.Seed = simulatorSeed
	}

	if changed("url") {
		u, err := url.Parse(endpointURL)
		if err != nil {
			return fmt.Errorf("invalid URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			cfg.Transport.Kind = config.TransportHTTP
			cfg.Transport.HTTP.URL = endpointURL
			cfg.Device.TelemetryBaseURL = ""
		case "ws", "wss":
			cfg.Transport.Kind = config.TransportWebSocket
			cfg.Transport.WebSocket.URL = endpointURL
		case "tcp", "ssl", "mqtt", "mqtts":
			cfg.Transport.Kind = config.TransportMQTT
			cfg.Transport.MQTT.Broker = endpointURL
		default:
			return fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
		}
	}
	if changed("username") {
		cfg.Transport.HTTP.Username = username
		cfg.Transport.WebSocket.Username = username
		cfg.Transport.MQTT.Username = username
	}
	if changed("no-ssl-verify") {
		cfg.Transport.HTTP.SkipTLSVerify = noSSLVerify
		cfg.Transport.WebSocket.SkipTLSVerify = noSSLVerify
	}
	return nil
}

// NewLogger builds the process logger at the configured level
func NewLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(w, level), nil
}

// transportUsername returns the username of the selected transport
func transportUsername(cfg config.Config) string {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		return cfg.Transport.WebSocket.Username
	case config.TransportMQTT:
		return cfg.Transport.MQTT.Username
	default:
		return cfg.Transport.HTTP.Username
	}
}

// TransportPassword prompts for a password only when a username is set
func TransportPassword(cfg config.Config) (string, error) {
	if transportUsername(cfg) == "" {
		return "", nil
	}
	return GetPassword()
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("CANBRIDGE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenSource opens the configured source and describes it for the banner
func OpenSource(cfg config.Config, table *signal.Table, logger *slog.Logger) (source.Source, string, error) {
	src, err := source.Open(cfg.Source, table, logger)
	if err != nil {
		return nil, "", err
	}

	var info string
	switch cfg.Source.Kind {
	case config.SourceSocketCAN:
		info = fmt.Sprintf("SocketCAN: %s", cfg.Source.Interface)
	case config.SourceSLCAN:
		info = fmt.Sprintf("SLCAN: %s @ %d baud, bus %d bit/s", cfg.Source.Port, cfg.Source.Baud, cfg.Source.Bitrate)
	case config.SourceReplay:
		info = fmt.Sprintf("Replay: %s", cfg.Source.File)
	default:
		info = fmt.Sprintf("Simulator: seed %d, every %v", cfg.Source.Seed, cfg.Source.SimulatorPeriod)
	}
	if cfg.Source.FallbackAfter > 0 && cfg.Source.Kind != config.SourceSimulator {
		info += fmt.Sprintf(" (simulated after %v of silence)", cfg.Source.FallbackAfter)
	}
	return src, info, nil
}
