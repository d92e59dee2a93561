package audit

import (
	"context"
	"log/slog"

	"github.com/sark-gateway/sark/pkg/telemetry"
)

// Sink accepts audit events for delivery. Implemented by the SIEM forwarder.
// TryEnqueue must not block beyond a brief bounded wait; it reports whether
// the event was accepted.
type Sink interface {
	TryEnqueue(event *Event) bool
}

// Diverter accepts events that could not be queued. Implemented by the
// fallback queue. The emitter depends on the forwarder and the fallback
// queue; neither calls back into the emitter.
type Diverter interface {
	Divert(destination string, events []*Event, reason string) error
}

// Emitter publishes audit events from the authn, policy, API key, and
// session subsystems. Emission never blocks the calling subsystem on SIEM
// slowness: when the forwarder queue is saturated, events are diverted to
// the fallback queue and a drop counter is incremented. There is no silent
// loss path.
type Emitter struct {
	sink     Sink
	diverter Diverter
	log      *slog.Logger
}

// NewEmitter creates an emitter publishing to sink, diverting to diverter
// on backpressure. diverter may be nil, in which case saturation is counted
// and logged only.
func NewEmitter(sink Sink, diverter Diverter, log *slog.Logger) *Emitter {
	return &Emitter{sink: sink, diverter: diverter, log: log}
}

// Emit publishes one event. The context is consulted only to annotate
// cancelled operations; a cancelled caller still gets its event emitted.
func (e *Emitter) Emit(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if ctx.Err() != nil {
		event.Outcome = OutcomeCancelled
	}

	if e.sink.TryEnqueue(event) {
		return
	}

	telemetry.SIEMDropped.Inc()
	if e.diverter == nil {
		e.log.Warn("audit queue saturated, event dropped",
			"event_id", event.ID, "event_kind", event.Kind)
		return
	}

	if err := e.diverter.Divert("", []*Event{event}, "forwarder queue saturated"); err != nil {
		e.log.Error("audit divert to fallback failed",
			"event_id", event.ID, "event_kind", event.Kind, "error", err)
		return
	}
	e.log.Warn("audit queue saturated, event diverted to fallback",
		"event_id", event.ID, "event_kind", event.Kind)
}
