// Package telemetry exposes the gateway's Prometheus metrics. All collectors
// are registered on the default registry and served from the facade's
// /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthAttempts counts authentication attempts by provider and outcome.
var AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sark",
	Subsystem: "auth",
	Name:      "attempts_total",
	Help:      "Authentication attempts by provider and outcome.",
}, []string{"provider", "outcome"})

// PolicyDecisions counts policy decisions by outcome and cache status.
var PolicyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sark",
	Subsystem: "policy",
	Name:      "decisions_total",
	Help:      "Policy decisions by outcome and cache status.",
}, []string{"decision", "cache"})

// PolicyEngineDuration observes rule engine round-trip time in seconds.
var PolicyEngineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sark",
	Subsystem: "policy",
	Name:      "engine_duration_seconds",
	Help:      "Rule engine round-trip latency.",
	Buckets:   prometheus.DefBuckets,
})

// SIEMBatches counts dispatched batches by destination and outcome.
var SIEMBatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sark",
	Subsystem: "siem",
	Name:      "batches_total",
	Help:      "SIEM batch dispatches by destination and outcome.",
}, []string{"destination", "outcome"})

// SIEMDropped counts audit events diverted to the fallback queue because the
// forwarder queue was saturated.
var SIEMDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sark",
	Subsystem: "siem",
	Name:      "diverted_events_total",
	Help:      "Audit events diverted to the fallback queue on backpressure.",
})

// SIEMFallbackBatches counts batches appended to the fallback queue after
// exhausting retries.
var SIEMFallbackBatches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sark",
	Subsystem: "siem",
	Name:      "fallback_batches_total",
	Help:      "Batches written to the fallback queue after retry exhaustion.",
})

// BreakerState reports the circuit breaker state per destination
// (0 closed, 1 half-open, 2 open).
var BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sark",
	Subsystem: "siem",
	Name:      "breaker_state",
	Help:      "Circuit breaker state per destination (0 closed, 1 half-open, 2 open).",
}, []string{"destination"})

// RateLimited counts rejected requests by limiter scope.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sark",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by scope.",
}, []string{"scope"})
