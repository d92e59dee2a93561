package siem

import (
	"context"
	"time"

	"github.com/sark-gateway/sark/pkg/audit"
	"github.com/sark-gateway/sark/pkg/siem/fallback"
)

// RunReplay periodically re-attempts delivery of fallback entries. It stops
// when ctx is cancelled.
func (f *Forwarder) RunReplay(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.ReplayOnce(ctx)
		}
	}
}

// ReplayOnce walks the fallback queue and redelivers entries whose
// destination circuit is closed and whose health check passes. Entries that
// still fail stay queued for the next pass.
func (f *Forwarder) ReplayOnce(ctx context.Context) {
	files, err := f.fallback.Files()
	if err != nil {
		f.log.Warn("replay: failed to list fallback files", "error", err)
		return
	}

	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		entries, err := f.fallback.ReadEntries(path)
		if err != nil {
			f.log.Warn("replay: failed to read fallback file", "path", path, "error", err)
			continue
		}

		var remaining []fallback.Entry
		for _, entry := range entries {
			if !f.replayEntry(ctx, entry) {
				remaining = append(remaining, entry)
			}
		}

		if len(remaining) == len(entries) {
			continue
		}
		if err := f.fallback.Rewrite(path, remaining); err != nil {
			f.log.Warn("replay: failed to rewrite fallback file", "path", path, "error", err)
		}
	}
}

// replayEntry reports whether every target destination accepted the batch.
// An entry with an empty destination was diverted before dispatch and
// belongs to all destinations.
func (f *Forwarder) replayEntry(ctx context.Context, entry fallback.Entry) bool {
	delivered := true
	for _, d := range f.dests {
		if entry.Destination != "" && entry.Destination != d.adapter.ID() {
			continue
		}
		if !f.redeliver(ctx, d, entry.Events) {
			delivered = false
		}
	}
	return delivered
}

func (f *Forwarder) redeliver(ctx context.Context, d *destination, events []*audit.Event) bool {
	if !d.breaker.Allows() {
		return false
	}
	if err := d.adapter.HealthCheck(ctx); err != nil {
		f.log.Debug("replay: destination unhealthy",
			"destination", d.adapter.ID(), "error", err)
		return false
	}

	err := d.breaker.Execute(func() error {
		return d.adapter.SendBatch(ctx, events)
	})
	if err != nil {
		f.log.Debug("replay: redelivery failed",
			"destination", d.adapter.ID(), "events", len(events), "error", err)
		return false
	}
	f.log.Info("replay: redelivered fallback batch",
		"destination", d.adapter.ID(), "events", len(events))
	return true
}
