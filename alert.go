package cfw

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// AlertSink delivers a threat record to an operator-facing channel.
// Delivery is fire-and-forget and runs on the alert consumer goroutine,
// never on the relay path.
type AlertSink interface {
	// Deliver presents or forwards the alert. Errors are the sink's own
	// problem; the consumer ignores them.
	Deliver(rec ThreatRecord)
}

// AlertSinkFunc is a function adapter for AlertSink.
type AlertSinkFunc func(rec ThreatRecord)

// Deliver calls the underlying function.
func (f AlertSinkFunc) Deliver(rec ThreatRecord) { f(rec) }

// LogSink writes alerts to a structured logger. It is the default sink.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements AlertSink.
func (s *LogSink) Deliver(rec ThreatRecord) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("threat alert",
		"threat_id", rec.ThreatID,
		"level", string(rec.ThreatLevel),
		"detections", len(rec.Detections),
		"src", rec.Meta.SrcAddr,
		"dst", rec.Meta.DstHost,
		"action", rec.ActionTaken,
	)
}

// Alerter fans threat records out to registered sinks from a dedicated
// consumer goroutine. Enqueueing never blocks: when the queue is full the
// alert is dropped and counted.
type Alerter struct {
	queue chan ThreatRecord

	mu    sync.RWMutex
	sinks []AlertSink

	dropped atomic.Uint64
	sent    atomic.Uint64

	// OnDrop is called for each alert lost to a full queue.
	OnDrop func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAlerter creates an alerter with the given queue capacity and starts its
// consumer. A zero or negative capacity defaults to 64.
func NewAlerter(queueSize int, sinks ...AlertSink) *Alerter {
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Alerter{
		queue:  make(chan ThreatRecord, queueSize),
		sinks:  sinks,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go a.consume(ctx)
	return a
}

// AddSink registers an additional sink.
func (a *Alerter) AddSink(sink AlertSink) {
	a.mu.Lock()
	a.sinks = append(a.sinks, sink)
	a.mu.Unlock()
}

// Notify enqueues the record for delivery without blocking the caller.
func (a *Alerter) Notify(rec ThreatRecord) {
	select {
	case a.queue <- rec:
	default:
		a.dropped.Add(1)
		if a.OnDrop != nil {
			a.OnDrop()
		}
	}
}

// Close stops the consumer after draining queued alerts.
func (a *Alerter) Close() {
	a.cancel()
	<-a.done
}

// Dropped returns the number of alerts dropped due to a full queue.
func (a *Alerter) Dropped() uint64 {
	return a.dropped.Load()
}

// Sent returns the number of alerts delivered to sinks.
func (a *Alerter) Sent() uint64 {
	return a.sent.Load()
}

func (a *Alerter) consume(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case rec := <-a.queue:
			a.deliver(rec)
		case <-ctx.Done():
			// Drain whatever is already queued, then exit.
			for {
				select {
				case rec := <-a.queue:
					a.deliver(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *Alerter) deliver(rec ThreatRecord) {
	a.mu.RLock()
	sinks := a.sinks
	a.mu.RUnlock()

	for _, sink := range sinks {
		sink.Deliver(rec)
	}
	a.sent.Add(1)
}
