// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package pipeline runs the two pipeline goroutines. Ingest polls the
// source, decodes, updates the shared cache and enqueues frames. Sender
// drains the queue into the batcher and delivers ready batches. The
// goroutines share only the queue and the cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Thermoquad/canbridge/pkg/auditlog"
	"github.com/Thermoquad/canbridge/pkg/batch"
	"github.com/Thermoquad/canbridge/pkg/cache"
	"github.com/Thermoquad/canbridge/pkg/canframe"
	"github.com/Thermoquad/canbridge/pkg/queue"
	"github.com/Thermoquad/canbridge/pkg/signal"
	"github.com/Thermoquad/canbridge/pkg/source"
	"github.com/Thermoquad/canbridge/pkg/transport"
)

// ErrAlreadyRunning is returned by a second Run
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Config wires the pipeline components. Source, Decoder, Cache, Queue,
// Batcher and Transport are required.
type Config struct {
	Source    source.Source
	Decoder   *signal.Decoder
	Cache     *cache.Cache
	Queue     *queue.Queue[canframe.Frame]
	Batcher   *batch.Batcher[canframe.Frame]
	Transport transport.Transport
	Retry     transport.RetryPolicy
	Prober    transport.Prober // optional connectivity re-check
	Audit     *auditlog.Logger // optional
	DeviceID  string
	Context   map[string]any

	// DiscardUnknown drops frames the decoding table does not know
	// instead of relaying them
	DiscardUnknown bool

	PollTimeout    time.Duration
	EnqueueTimeout time.Duration
	LockTimeout    time.Duration
	SenderPeriod   time.Duration
	StatusInterval time.Duration // queue occupancy report; 0 disables
	ProbeInterval  time.Duration // minimum time between probes

	// OnChange and OnResult are called from the ingest and sender
	// goroutines respectively and must not block
	OnChange func(signal.Change)
	OnResult func(transport.Result)

	Logger *slog.Logger
	Now    func() time.Time
}

// Pipeline is a configured, runnable pipeline
type Pipeline struct {
	cfg     Config
	retrier *transport.Retrier
	logger  *slog.Logger
	now     func() time.Time

	stats     counters
	startTime atomic.Pointer[time.Time]
	running   atomic.Bool
	lastProbe time.Time

	dropLog   rate.Sometimes
	lockLog   rate.Sometimes
	sourceLog rate.Sometimes
	decodeLog rate.Sometimes
}

// New validates cfg and fills in default timings
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Source == nil:
		return nil, fmt.Errorf("pipeline: source is required")
	case cfg.Decoder == nil:
		return nil, fmt.Errorf("pipeline: decoder is required")
	case cfg.Cache == nil:
		return nil, fmt.Errorf("pipeline: cache is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("pipeline: queue is required")
	case cfg.Batcher == nil:
		return nil, fmt.Errorf("pipeline: batcher is required")
	case cfg.Transport == nil:
		return nil, fmt.Errorf("pipeline: transport is required")
	}

	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Millisecond
	}
	if cfg.SenderPeriod <= 0 {
		cfg.SenderPeriod = 100 * time.Millisecond
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = transport.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pipeline{
		cfg:       cfg,
		retrier:   transport.NewRetrier(cfg.Retry, cfg.Now),
		logger:    cfg.Logger,
		now:       cfg.Now,
		dropLog:   rate.Sometimes{Interval: 5 * time.Second},
		lockLog:   rate.Sometimes{Interval: 5 * time.Second},
		sourceLog: rate.Sometimes{Interval: 5 * time.Second},
		decodeLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	start := p.now()
	p.startTime.Store(&start)
	return p, nil
}

// Stats returns a copy of the counters
func (p *Pipeline) Stats() Statistics {
	s := p.stats.snapshot(*p.startTime.Load(), p.now())
	s.QueueLen = p.cfg.Queue.Len()
	s.QueueCap = p.cfg.Queue.Cap()
	return s
}

// Cache returns the shared signal cache
func (p *Pipeline) Cache() *cache.Cache {
	return p.cfg.Cache
}

// Run starts ingest and sender and blocks until ctx is cancelled or a
// finite source is exhausted and everything it produced has been sent.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	start := p.now()
	p.startTime.Store(&start)
	p.logger.Info("pipeline started",
		"source", p.cfg.Source.Name(),
		"transport", p.cfg.Transport.Name(),
		"device_id", p.cfg.DeviceID,
		"queue_capacity", p.cfg.Queue.Cap())

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		p.ingest(ctx)
	}()

	p.sender(ctx, ingestDone)
	<-ingestDone

	p.logger.Info("pipeline stopped", "stats", p.Stats().summary())
	return nil
}

// ============================================================
// Ingest
// ============================================================

func (p *Pipeline) ingest(ctx context.Context) {
	for ctx.Err() == nil {
		f, ok, err := p.cfg.Source.Poll(p.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, source.ErrExhausted) {
				p.logger.Info("source exhausted", "source", p.cfg.Source.Name())
				return
			}
			if errors.Is(err, source.ErrClosed) {
				return
			}
			p.stats.sourceErrors.Add(1)
			p.sourceLog.Do(func() {
				p.logger.Error("source poll failed", "source", p.cfg.Source.Name(), "error", err)
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}
		if !ok {
			continue
		}
		p.handleFrame(f)
	}
}

func (p *Pipeline) handleFrame(f canframe.Frame) {
	now := p.now()
	p.stats.framesReceived.Add(1)
	if p.cfg.Audit != nil {
		p.cfg.Audit.LogFrame(f)
	}

	change, known, err := p.cfg.Decoder.Observe(f, now)
	switch {
	case err != nil:
		p.stats.decodeErrors.Add(1)
		p.decodeLog.Do(func() {
			p.logger.Warn("frame does not match its message layout", "frame", f.String(), "error", err)
		})
	case !known:
		p.stats.unknownFrames.Add(1)
	default:
		p.stats.knownFrames.Add(1)
		if change != nil {
			p.publish(change)
		}
	}

	if (err != nil || !known) && p.cfg.DiscardUnknown {
		p.stats.discarded.Add(1)
		return
	}

	if p.cfg.Queue.TryEnqueue(f, p.cfg.EnqueueTimeout) == queue.Dropped {
		p.stats.queueDrops.Add(1)
		p.dropLog.Do(func() {
			p.logger.Warn("queue full, dropping frames",
				"dropped_total", p.cfg.Queue.Dropped(),
				"capacity", p.cfg.Queue.Cap())
		})
	}
}

// publish writes a changed signal to the cache. If the cache is busy the
// decoder forgets the reading so the next frame of that kind retries.
func (p *Pipeline) publish(change *signal.Change) {
	p.stats.changes.Add(1)
	if !change.New.Valid {
		p.stats.invalidSignals.Add(1)
	}

	if err := p.cfg.Cache.Update(change.New, p.cfg.LockTimeout); err != nil {
		p.stats.cacheTimeouts.Add(1)
		p.cfg.Decoder.Forget(change.Kind)
		p.lockLog.Do(func() {
			p.logger.Warn("cache update timed out", "kind", change.Kind, "error", err)
		})
		return
	}
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(*change)
	}
}

// ============================================================
// Sender
// ============================================================

func (p *Pipeline) sender(ctx context.Context, ingestDone <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.SenderPeriod)
	defer ticker.Stop()

	var status <-chan time.Time
	if p.cfg.StatusInterval > 0 {
		st := time.NewTicker(p.cfg.StatusInterval)
		defer st.Stop()
		status = st.C
	}

	for {
		select {
		case <-ctx.Done():
			p.abandonPending("shutdown")
			return
		case <-ingestDone:
			p.finish(ctx)
			return
		case <-ticker.C:
			p.cycle(ctx, false)
		case <-status:
			p.reportOccupancy()
		}
	}
}

// cycle runs one sender period: retry the pending batch if it is due,
// otherwise fill the batcher and send it once a trigger fires. While a
// batch waits for its retry no new batch is sent and the queue absorbs
// incoming frames.
func (p *Pipeline) cycle(ctx context.Context, final bool) {
	if p.retrier.HasPending() {
		if res, ok := p.retrier.Retry(ctx, p.cfg.Transport); ok {
			p.stats.retries.Add(1)
			p.handleResult(ctx, res)
		}
		return
	}

	p.fill()
	ready := p.cfg.Batcher.Tick()
	if !ready && final && p.cfg.Queue.Len() == 0 {
		ready = p.cfg.Batcher.Seal()
	}
	if !ready {
		return
	}

	b, err := p.cfg.Batcher.Take()
	if err != nil {
		p.logger.Error("batcher refused take", "error", err)
		return
	}
	res := p.retrier.Send(ctx, p.cfg.Transport, p.payload(b))
	p.handleResult(ctx, res)
}

// fill moves queued frames into the batcher without blocking
func (p *Pipeline) fill() {
	room := p.cfg.Batcher.Room()
	if room == 0 {
		return
	}
	for _, f := range p.cfg.Queue.Drain(room) {
		if err := p.cfg.Batcher.Add(f); err != nil {
			// Room said otherwise; cannot happen with a single sender
			p.logger.Error("batcher rejected frame", "error", err)
			return
		}
	}
}

func (p *Pipeline) payload(b *batch.Batch[canframe.Frame]) *transport.Payload {
	snap, stale := p.cfg.Cache.Snapshot(p.cfg.LockTimeout)
	if stale {
		p.stats.staleSnapshots.Add(1)
		p.lockLog.Do(func() {
			p.logger.Warn("cache snapshot timed out, sending previous values", "revision", snap.Revision)
		})
	}
	return &transport.Payload{
		BatchID:   b.ID,
		DeviceID:  p.cfg.DeviceID,
		Timestamp: b.Sealed,
		Frames:    b.Items,
		Signals:   snap.Signals(),
		Context:   p.cfg.Context,
	}
}

func (p *Pipeline) handleResult(ctx context.Context, res transport.Result) {
	frames := len(res.Payload.Frames)
	log := p.logger.With(
		"batch_id", res.Payload.BatchID,
		"frames", frames,
		"attempt", res.Attempt)

	switch res.Outcome {
	case transport.Delivered:
		p.stats.batchesDelivered.Add(1)
		p.stats.framesDelivered.Add(uint64(frames))
		log.Debug("batch delivered", "status", res.Delivery.Status, "bytes", res.Delivery.Bytes, "duration", res.Delivery.Duration)
	case transport.Rejected:
		p.stats.batchesRejected.Add(1)
		log.Warn("batch rejected", "error", res.Err)
	case transport.Retrying:
		log.Warn("batch send failed, will retry", "error", res.Err, "next_try", res.NextTry.Format(time.TimeOnly))
	case transport.Abandoned:
		p.stats.batchesAbandoned.Add(1)
		log.Error("batch dropped after final attempt", "error", res.Err)
	}

	if res.Outcome != transport.Retrying {
		if err := p.cfg.Batcher.Done(); err != nil {
			p.logger.Error("batcher state", "error", err)
		}
	}

	p.audit(res)
	if p.cfg.OnResult != nil {
		p.cfg.OnResult(res)
	}
	if res.Err != nil && transport.ClassOf(res.Err) == transport.ClassUnreachable {
		p.recheck(ctx)
	}
}

func (p *Pipeline) audit(res transport.Result) {
	if p.cfg.Audit == nil {
		return
	}
	d := auditlog.Delivery{
		BatchID: res.Payload.BatchID.String(),
		Outcome: res.Outcome.String(),
		Attempt: res.Attempt,
		Frames:  len(res.Payload.Frames),
		Status:  res.Delivery.Status,
	}
	if res.Err != nil {
		d.Error = res.Err.Error()
	}
	p.cfg.Audit.LogDelivery(d)
}

// recheck probes the endpoint after an unreachable send to tell a dead
// network apart from a dead endpoint
func (p *Pipeline) recheck(ctx context.Context) {
	if p.cfg.Prober == nil {
		return
	}
	now := p.now()
	if !p.lastProbe.IsZero() && now.Sub(p.lastProbe) < p.cfg.ProbeInterval {
		return
	}
	p.lastProbe = now

	if err := p.cfg.Prober.Probe(ctx); err != nil {
		p.stats.probeFailures.Add(1)
		p.logger.Warn("network unreachable", "error", err)
		return
	}
	p.logger.Info("network reachable, endpoint not responding")
}

// finish sends everything still queued after the source has ended
func (p *Pipeline) finish(ctx context.Context) {
	for !p.idle() {
		p.cycle(ctx, true)
		if p.idle() {
			return
		}
		select {
		case <-ctx.Done():
			p.abandonPending("shutdown")
			return
		case <-time.After(p.cfg.SenderPeriod):
		}
	}
}

func (p *Pipeline) idle() bool {
	return !p.retrier.HasPending() &&
		p.cfg.Queue.Len() == 0 &&
		p.cfg.Batcher.State() == batch.Empty
}

func (p *Pipeline) abandonPending(reason string) {
	payload := p.retrier.Discard()
	if payload == nil {
		return
	}
	p.stats.batchesAbandoned.Add(1)
	p.cfg.Batcher.Done()
	p.logger.Warn("dropping pending batch", "batch_id", payload.BatchID, "frames", len(payload.Frames), "reason", reason)
	if p.cfg.Audit != nil {
		p.cfg.Audit.LogDelivery(auditlog.Delivery{
			BatchID: payload.BatchID.String(),
			Outcome: transport.Abandoned.String(),
			Frames:  len(payload.Frames),
			Error:   reason,
		})
	}
}

// reportOccupancy logs the queue fill level, louder when it is close to full
func (p *Pipeline) reportOccupancy() {
	occ := p.cfg.Queue.Occupancy()
	attrs := []any{
		"items", occ.Items,
		"free", occ.Free,
		"percent", occ.Percent,
		"batch_state", p.cfg.Batcher.State().String(),
	}
	switch {
	case occ.Full():
		p.logger.Warn("queue full", attrs...)
	case occ.High():
		p.logger.Warn("queue above 80%", attrs...)
	default:
		p.logger.Debug("queue status", attrs...)
	}
}

func (s Statistics) summary() string {
	return fmt.Sprintf("received=%d known=%d unknown=%d drops=%d delivered=%d/%d frames rejected=%d abandoned=%d",
		s.FramesReceived, s.KnownFrames, s.UnknownFrames, s.QueueDrops,
		s.BatchesDelivered, s.FramesDelivered, s.BatchesRejected, s.BatchesAbandoned)
}
