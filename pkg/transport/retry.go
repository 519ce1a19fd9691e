// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds how often a failed batch is re-sent
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first; 1 disables retry
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any delay
	Multiplier  float64       // 1 gives a fixed backoff, 2 doubles each time
}

// DefaultRetryPolicy retries twice with doubling delays starting at 2s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Outcome of a send through the Retrier
type Outcome int

const (
	Delivered Outcome = iota
	Rejected          // not retried
	Retrying          // kept as the pending batch
	Abandoned         // attempts exhausted
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Retrying:
		return "retrying"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result reports what happened to one attempt
type Result struct {
	Outcome  Outcome
	Payload  *Payload
	Attempt  int
	Delivery Delivery
	Err      error
	NextTry  time.Time // set when Outcome is Retrying
}

type pendingBatch struct {
	payload  *Payload
	attempts int
	next     time.Time
}

// Retrier holds at most one failed batch and re-sends it on later cycles.
// Rejected batches leave no state behind, so a 429 never delays the next
// batch. Not safe for concurrent use.
type Retrier struct {
	policy  RetryPolicy
	now     func() time.Time
	pending *pendingBatch
}

// NewRetrier creates a retrier; now may be nil
func NewRetrier(policy RetryPolicy, now func() time.Time) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Retrier{policy: policy, now: now}
}

// HasPending reports whether a batch is waiting for a retry
func (r *Retrier) HasPending() bool {
	return r.pending != nil
}

// Due reports whether the pending batch may be retried now
func (r *Retrier) Due() bool {
	return r.pending != nil && !r.now().Before(r.pending.next)
}

// Send makes the first attempt for a new batch
func (r *Retrier) Send(ctx context.Context, t Transport, p *Payload) Result {
	return r.attempt(ctx, t, p, 1)
}

// Retry re-sends the pending batch if it is due. ok is false when
// nothing was attempted.
func (r *Retrier) Retry(ctx context.Context, t Transport) (Result, bool) {
	if !r.Due() {
		return Result{}, false
	}
	pb := r.pending
	r.pending = nil
	return r.attempt(ctx, t, pb.payload, pb.attempts+1), true
}

// Discard drops the pending batch, returning it
func (r *Retrier) Discard() *Payload {
	if r.pending == nil {
		return nil
	}
	p := r.pending.payload
	r.pending = nil
	return p
}

func (r *Retrier) attempt(ctx context.Context, t Transport, p *Payload, n int) Result {
	d, err := t.Send(ctx, p)
	res := Result{Payload: p, Attempt: n, Delivery: d, Err: err}

	switch {
	case err == nil:
		res.Outcome = Delivered
	case !ShouldRetry(err):
		res.Outcome = Rejected
	case n >= r.policy.MaxAttempts:
		res.Outcome = Abandoned
	default:
		res.Outcome = Retrying
		res.NextTry = r.now().Add(r.policy.Delay(n))
		r.pending = &pendingBatch{payload: p, attempts: n, next: res.NextTry}
	}
	return res
}
