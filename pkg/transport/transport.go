// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport delivers telemetry batches to a backend over HTTP,
// a persistent WebSocket or MQTT.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport sends one payload per call
type Transport interface {
	// Send delivers p. Failures are returned as *SendError.
	Send(ctx context.Context, p *Payload) (Delivery, error)
	// Name identifies the transport in logs
	Name() string
	Close() error
}

// Delivery describes a completed send
type Delivery struct {
	Status   int // HTTP status, 0 for non-HTTP transports
	Bytes    int // encoded body size
	Messages int // messages written or queued
	Duration time.Duration
}

// Class groups send failures by how the caller should react
type Class int

const (
	// ClassRejected: the backend refused the batch; retrying will not help
	ClassRejected Class = iota
	// ClassRetryable: transient backend failure
	ClassRetryable
	// ClassUnreachable: no response at all; connectivity should be re-checked
	ClassUnreachable
	// ClassOverflow: the batch was dropped locally because a buffer was full
	ClassOverflow
)

func (c Class) String() string {
	switch c {
	case ClassRejected:
		return "rejected"
	case ClassRetryable:
		return "retryable"
	case ClassUnreachable:
		return "unreachable"
	case ClassOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// SendError is returned by every transport on failure
type SendError struct {
	Class  Class
	Status int // HTTP status when one was received
	Err    error
}

func (e *SendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ClassOf returns the class of a send error. Errors that are not a
// *SendError are treated as unreachable.
func ClassOf(err error) Class {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassUnreachable
}

// ShouldRetry reports whether a failed batch may be sent again
func ShouldRetry(err error) bool {
	switch ClassOf(err) {
	case ClassRetryable, ClassUnreachable:
		return true
	default:
		return false
	}
}
