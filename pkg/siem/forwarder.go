// Package siem implements the audit event forwarder: a bounded ingress
// queue feeding batched, compressed, circuit-broken, retried delivery to
// one or more destinations, with a durable fallback queue for anything that
// exhausts its retries.
package siem

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/siem/adapters"
	"github.com/sark-gateway/sark/pkg/siem/breaker"
	"github.com/sark-gateway/sark/pkg/siem/fallback"
	"github.com/sark-gateway/sark/pkg/siem/retry"
	"github.com/sark-gateway/sark/pkg/telemetry"
)

// Config controls the forwarder pipeline.
type Config struct {
	// QueueCapacity bounds the ingress queue.
	QueueCapacity int

	// EnqueueWait is the brief backpressure window producers tolerate before
	// an event is diverted to the fallback queue.
	EnqueueWait time.Duration

	// BatchSize dispatches a batch once this many events accumulate.
	BatchSize int

	// BatchInterval dispatches a partial batch after this long.
	BatchInterval time.Duration

	// DestinationQueueCapacity bounds each destination's batch queue.
	DestinationQueueCapacity int

	// Retry is the per-dispatch retry schedule.
	Retry retry.Config

	// Breaker is the per-destination circuit breaker configuration.
	Breaker breaker.Config
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:            1000,
		EnqueueWait:              25 * time.Millisecond,
		BatchSize:                100,
		BatchInterval:            5 * time.Second,
		DestinationQueueCapacity: 16,
		Retry:                    retry.DefaultConfig(),
		Breaker:                  breaker.DefaultConfig(),
	}
}

// destination pairs an adapter with its breaker and batch queue. Batches
// queue per destination so one slow SIEM cannot stall the others.
type destination struct {
	adapter adapters.Adapter
	breaker *breaker.Breaker
	batches chan []*audit.Event
}

// Forwarder owns audit events from ingress until a destination acknowledges
// them or they land in the fallback queue. Delivery is at-least-once; event
// IDs are the deduplication handle downstream.
type Forwarder struct {
	cfg      Config
	log      *slog.Logger
	fallback *fallback.Queue
	dests    []*destination

	in       chan *audit.Event
	stopOnce sync.Once
	stopCh   chan struct{}
	batchWG  sync.WaitGroup
	workerWG sync.WaitGroup
}

// NewForwarder creates a forwarder delivering to the given adapters, with
// fb as the durable overflow.
func NewForwarder(cfg Config, adapterList []adapters.Adapter, fb *fallback.Queue, log *slog.Logger) *Forwarder {
	f := &Forwarder{
		cfg:      cfg,
		log:      log,
		fallback: fb,
		in:       make(chan *audit.Event, cfg.QueueCapacity),
		stopCh:   make(chan struct{}),
	}
	for _, a := range adapterList {
		f.dests = append(f.dests, &destination{
			adapter: a,
			breaker: breaker.New(a.ID(), cfg.Breaker, log),
			batches: make(chan []*audit.Event, cfg.DestinationQueueCapacity),
		})
	}
	return f
}

// Start launches the batching loop and one delivery worker per destination.
func (f *Forwarder) Start() {
	f.batchWG.Add(1)
	go f.batchLoop()

	for _, d := range f.dests {
		f.workerWG.Add(1)
		go f.worker(d)
	}
}

// TryEnqueue implements audit.Sink. It blocks at most cfg.EnqueueWait before
// reporting saturation; the emitter then diverts to the fallback queue.
func (f *Forwarder) TryEnqueue(event *audit.Event) bool {
	select {
	case <-f.stopCh:
		return false
	default:
	}

	select {
	case f.in <- event:
		return true
	default:
	}

	timer := time.NewTimer(f.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case f.in <- event:
		return true
	case <-timer.C:
		return false
	case <-f.stopCh:
		return false
	}
}

// batchLoop accumulates events into batches by size or interval and fans
// each completed batch out to every destination queue.
func (f *Forwarder) batchLoop() {
	defer f.batchWG.Done()

	ticker := time.NewTicker(f.cfg.BatchInterval)
	defer ticker.Stop()

	var pending []*audit.Event
	flush := func() {
		if len(pending) == 0 {
			return
		}
		f.fanOut(pending)
		pending = nil
	}

	for {
		select {
		case event := <-f.in:
			pending = append(pending, event)
			if len(pending) >= f.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-f.stopCh:
			// Drain whatever producers managed to enqueue, then final flush.
			for {
				select {
				case event := <-f.in:
					pending = append(pending, event)
				default:
					flush()
					for _, d := range f.dests {
						close(d.batches)
					}
					return
				}
			}
		}
	}
}

// fanOut hands a completed batch to every destination. A destination whose
// queue is full gets the batch written straight to the fallback queue so
// nothing is silently lost.
func (f *Forwarder) fanOut(batch []*audit.Event) {
	for _, d := range f.dests {
		select {
		case d.batches <- batch:
		default:
			telemetry.SIEMFallbackBatches.Inc()
			if err := f.fallback.Append(d.adapter.ID(), batch, "destination queue full"); err != nil {
				f.log.Error("failed to spill batch to fallback",
					"destination", d.adapter.ID(), "events", len(batch), "error", err)
			}
		}
	}
}

func (f *Forwarder) worker(d *destination) {
	defer f.workerWG.Done()
	for batch := range d.batches {
		f.dispatch(d, batch)
	}
}

// dispatch sends one batch through the destination's breaker and retry
// schedule. On final failure the batch is appended to the fallback queue.
func (f *Forwarder) dispatch(d *destination, batch []*audit.Event) {
	id := d.adapter.ID()
	err := d.breaker.Execute(func() error {
		return retry.Do(context.Background(), id, f.cfg.Retry, f.log, func() error {
			return d.adapter.SendBatch(context.Background(), batch)
		})
	})
	if err == nil {
		telemetry.SIEMBatches.WithLabelValues(id, "delivered").Inc()
		return
	}

	telemetry.SIEMBatches.WithLabelValues(id, "failed").Inc()
	telemetry.SIEMFallbackBatches.Inc()
	f.log.Warn("batch delivery failed, writing to fallback",
		"destination", id, "events", len(batch), "error", err)
	if fbErr := f.fallback.Append(id, batch, err.Error()); fbErr != nil {
		f.log.Error("failed to write batch to fallback",
			"destination", id, "events", len(batch), "error", fbErr)
	}
}

// Stop drains in-flight batches, issues a final flush, and waits for the
// delivery workers, bounded by ctx.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.batchWG.Wait()

	done := make(chan struct{})
	go func() {
		f.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
