// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/canbridge/pkg/canframe"
)

// LinkState is the connection state of a persistent link
type LinkState int32

const (
	Disconnected LinkState = iota
	Connecting
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// EventType identifies a link event
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventText
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventText:
		return "text"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to LinkConfig.OnEvent
type Event struct {
	Type EventType
	Text string // EventText
	Err  error  // EventDisconnected, EventError
}

// Message encodings and granularity for the link
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"

	ModeFrame = "frame" // one message per frame
	ModeBatch = "batch" // one message per batch
)

// ErrOutboxFull is wrapped by the overflow error from Link.Send
var ErrOutboxFull = errors.New("websocket outbox full")

// LinkConfig configures a persistent WebSocket link
type LinkConfig struct {
	URL           string
	Username      string
	Password      string
	SkipTLSVerify bool

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReconnectDelay   time.Duration // fixed wait between connection attempts
	OutboxSize       int           // messages buffered while disconnected

	Greeting string // text message sent after every (re)connect
	Encoding string // json or cbor
	Mode     string // frame or batch
	Format   Format // JSON document for batch mode

	// OnEvent is called from link goroutines and must not block
	OnEvent func(Event)
	Logger  *slog.Logger
}

type outMessage struct {
	kind int
	data []byte
}

// Link keeps one WebSocket connection open, reconnecting after a fixed
// delay whenever it drops. Outbound messages wait in a bounded outbox.
type Link struct {
	cfg    LinkConfig
	dialer websocket.Dialer
	header http.Header
	logger *slog.Logger

	state  atomic.Int32
	outbox chan outMessage
	sendMu sync.Mutex // serialises producers so free space only grows during Send

	sent       atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewLink validates cfg. The link does nothing until Start.
func NewLink(cfg LinkConfig) (*Link, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 50
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.Encoding != EncodingJSON && cfg.Encoding != EncodingCBOR {
		return nil, fmt.Errorf("unknown encoding %q (want json or cbor)", cfg.Encoding)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBatch
	}
	if cfg.Mode != ModeFrame && cfg.Mode != ModeBatch {
		return nil, fmt.Errorf("unknown mode %q (want frame or batch)", cfg.Mode)
	}
	if cfg.Format == "" {
		cfg.Format = FormatFrames
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		header: http.Header{},
		logger: logger.With("transport", "websocket", "url", cfg.URL),
		outbox: make(chan outMessage, cfg.OutboxSize),
		done:   make(chan struct{}),
	}
	if u.Scheme == "wss" {
		l.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify}
	}
	if cfg.Username != "" && cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		l.header.Set("Authorization", "Basic "+credentials)
	}
	return l, nil
}

// Start launches the connection loop. It returns immediately.
func (l *Link) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		go l.run(ctx)
	})
}

// Close stops the link and waits for its goroutine to exit
func (l *Link) Close() error {
	l.startOnce.Do(func() { close(l.done) })
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

// Name implements Transport
func (l *Link) Name() string {
	return "websocket " + l.cfg.URL
}

// State returns the current connection state
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// Stats returns message counters
func (l *Link) Stats() (sent, dropped, failed, reconnects uint64) {
	return l.sent.Load(), l.dropped.Load(), l.failed.Load(), l.reconnects.Load()
}

// Pending returns the number of messages waiting in the outbox
func (l *Link) Pending() int {
	return len(l.outbox)
}

func (l *Link) setState(s LinkState) {
	if LinkState(l.state.Swap(int32(s))) != s {
		l.logger.Debug("link state", "state", s)
	}
}

func (l *Link) emit(e Event) {
	if l.cfg.OnEvent != nil {
		l.cfg.OnEvent(e)
	}
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	for {
		l.setState(Connecting)
		conn, err := l.dial(ctx)
		if err != nil {
			l.setState(Disconnected)
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("websocket connect failed", "error", err, "retry_in", l.cfg.ReconnectDelay)
			l.emit(Event{Type: EventError, Err: err})
		} else {
			l.setState(Connected)
			l.logger.Info("websocket connected")
			l.emit(Event{Type: EventConnected})

			err = l.serve(ctx, conn)
			conn.Close()
			l.setState(Disconnected)
			l.emit(Event{Type: EventDisconnected, Err: err})
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("websocket disconnected", "error", err, "retry_in", l.cfg.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.ReconnectDelay):
		}
		l.reconnects.Add(1)
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, l.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return conn, nil
}

// serve pumps the outbox into conn until the connection fails or ctx ends
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) error {
	if l.cfg.Greeting != "" {
		if err := l.write(conn, outMessage{kind: websocket.TextMessage, data: []byte(l.cfg.Greeting)}); err != nil {
			return fmt.Errorf("greeting: %w", err)
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if kind == websocket.TextMessage {
				l.emit(Event{Type: EventText, Text: string(data)})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-l.outbox:
			if err := l.write(conn, msg); err != nil {
				l.failed.Add(1)
				return err
			}
			l.sent.Add(1)
		}
	}
}

func (l *Link) write(conn *websocket.Conn, msg outMessage) error {
	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return conn.WriteMessage(msg.kind, msg.data)
}

// Enqueue adds one message to the outbox without blocking
func (l *Link) Enqueue(kind int, data []byte) bool {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	select {
	case l.outbox <- outMessage{kind: kind, data: data}:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Send queues the payload for delivery. It never waits for the network.
// A payload is queued whole or not at all: when the outbox cannot take
// every message, none are queued and the send reports an overflow.
func (l *Link) Send(ctx context.Context, p *Payload) (Delivery, error) {
	start := time.Now()
	msgs, err := l.encode(p)
	if err != nil {
		return Delivery{}, &SendError{Class: ClassRejected, Err: err}
	}

	kind := websocket.TextMessage
	if l.cfg.Encoding == EncodingCBOR {
		kind = websocket.BinaryMessage
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if free := cap(l.outbox) - len(l.outbox); free < len(msgs) {
		l.dropped.Add(uint64(len(msgs)))
		return Delivery{Duration: time.Since(start)}, &SendError{
			Class: ClassOverflow,
			Err:   fmt.Errorf("%d messages dropped, %d slots free: %w", len(msgs), free, ErrOutboxFull),
		}
	}

	var d Delivery
	for _, m := range msgs {
		// cannot fail: the reader only removes messages
		l.outbox <- outMessage{kind: kind, data: m}
		d.Messages++
		d.Bytes += len(m)
	}
	d.Duration = time.Since(start)
	return d, nil
}

func (l *Link) encode(p *Payload) ([][]byte, error) {
	if l.cfg.Mode == ModeBatch {
		var data []byte
		var err error
		if l.cfg.Encoding == EncodingCBOR {
			data, err = canframe.EncodeCBOR(p.Frames)
		} else {
			data, err = p.Encode(l.cfg.Format)
		}
		if err != nil {
			return nil, err
		}
		return [][]byte{data}, nil
	}

	msgs := make([][]byte, 0, len(p.Frames))
	for _, f := range p.Frames {
		var data []byte
		var err error
		if l.cfg.Encoding == EncodingCBOR {
			data, err = canframe.EncodeCBOR([]canframe.Frame{f})
		} else {
			data, err = EncodeFrameMessage(f)
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, data)
	}
	return msgs, nil
}
