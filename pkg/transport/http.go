// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"
)

// DefaultHTTPTimeout bounds a whole request/response exchange
const DefaultHTTPTimeout = 10 * time.Second

// HTTP statuses with a fixed meaning for the telemetry endpoint
var (
	httpSuccess = map[int]bool{
		http.StatusOK:        true,
		http.StatusCreated:   true,
		http.StatusNoContent: true,
	}
	httpClientError = map[int]bool{
		http.StatusBadRequest:            true,
		http.StatusUnauthorized:          true,
		http.StatusForbidden:             true,
		http.StatusNotFound:              true,
		http.StatusRequestEntityTooLarge: true,
		http.StatusTooManyRequests:       true,
	}
)

// ClassifyStatus maps an HTTP status to nil (success) or a *SendError.
// 5xx is retryable; the listed client errors and any other unexpected
// status are rejected.
func ClassifyStatus(status int) error {
	switch {
	case httpSuccess[status]:
		return nil
	case httpClientError[status]:
		return &SendError{Class: ClassRejected, Status: status, Err: fmt.Errorf("client error: %s", http.StatusText(status))}
	case status >= 500 && status <= 599:
		return &SendError{Class: ClassRetryable, Status: status, Err: fmt.Errorf("server error: %s", http.StatusText(status))}
	default:
		return &SendError{Class: ClassRejected, Status: status, Err: fmt.Errorf("unexpected status %d", status)}
	}
}

// HTTPConfig configures the request/response transport
type HTTPConfig struct {
	URL           string
	Format        Format
	Timeout       time.Duration
	Gzip          bool
	Username      string
	Password      string
	Headers       map[string]string
	SkipTLSVerify bool
	Logger        *slog.Logger

	// Client overrides the per-batch client; tests use it
	Client *http.Client
}

// HTTPTransport opens a fresh connection for every batch and closes it
// after the response is read.
type HTTPTransport struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTP validates cfg and creates the transport
func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use http:// or https://)", u.Scheme)
	}
	if cfg.Format == "" {
		cfg.Format = FormatFrames
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify},
			},
		}
	}

	return &HTTPTransport{cfg: cfg, client: client, logger: logger.With("transport", "http")}, nil
}

// Name implements Transport
func (h *HTTPTransport) Name() string {
	return "http " + h.cfg.URL
}

// Send POSTs the encoded payload and classifies the response
func (h *HTTPTransport) Send(ctx context.Context, p *Payload) (Delivery, error) {
	start := time.Now()

	body, err := p.Encode(h.cfg.Format)
	if err != nil {
		return Delivery{}, &SendError{Class: ClassRejected, Err: err}
	}
	size := len(body)

	if h.cfg.Gzip {
		body, err = gzipBody(body)
		if err != nil {
			return Delivery{}, &SendError{Class: ClassRejected, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Delivery{}, &SendError{Class: ClassRejected, Err: err}
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}
	if h.cfg.Username != "" {
		req.SetBasicAuth(h.cfg.Username, h.cfg.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Delivery{}, &SendError{Class: ClassUnreachable, Err: err}
	}
	// drain so the server sees a clean close
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	d := Delivery{Status: resp.StatusCode, Bytes: size, Messages: 1, Duration: time.Since(start)}
	h.logger.Debug("batch posted", "status", resp.StatusCode, "bytes", size, "duration", d.Duration)
	return d, ClassifyStatus(resp.StatusCode)
}

// Close releases idle connections
func (h *HTTPTransport) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	return buf.Bytes(), nil
}
