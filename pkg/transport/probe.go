// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Prober checks whether the backend can be reached at all
type Prober interface {
	Probe(ctx context.Context) error
}

// TCPProber opens and immediately closes a TCP connection
type TCPProber struct {
	Address string // host:port
	Timeout time.Duration
}

// NewTCPProberForURL derives host:port from an http, https, ws, wss or tcp URL
func NewTCPProberForURL(raw string, timeout time.Duration) (*TCPProber, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	if port == "" {
		switch u.Scheme {
		case "http", "ws":
			port = "80"
		case "https", "wss":
			port = "443"
		case "tcp", "mqtt":
			port = "1883"
		case "ssl", "tls", "mqtts":
			port = "8883"
		default:
			return nil, fmt.Errorf("URL %q has no port and unknown scheme", raw)
		}
	}
	return &TCPProber{Address: net.JoinHostPort(host, port), Timeout: timeout}, nil
}

// Probe implements Prober
func (p *TCPProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", p.Address, err)
	}
	return conn.Close()
}
