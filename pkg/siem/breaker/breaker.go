// Package breaker provides three-state failure isolation for outbound SIEM
// delivery, built on sony/gobreaker. In the open state calls fail fast with
// a circuit_open error carrying a retry-after hint; every state transition
// is logged and exported as a gauge.
package breaker

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/telemetry"
)

// Config controls the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes that
	// close the circuit.
	SuccessThreshold int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker wraps a gobreaker circuit breaker with retry-after accounting.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	recovery time.Duration
	log      *slog.Logger

	// openedAt is the unix-nano timestamp of the last transition to open.
	openedAt atomic.Int64
}

// New creates a named breaker.
func New(name string, cfg Config, log *slog.Logger) *Breaker {
	b := &Breaker{
		name:     name,
		recovery: cfg.RecoveryTimeout,
		log:      log,
	}

	st := gobreaker.Settings{
		Name: name,
		// Consecutive half-open successes required to close again.
		MaxRequests: uint32(cfg.SuccessThreshold), // #nosec G115 -- validated small positive
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold) // #nosec G115
		},
		OnStateChange: b.onStateChange,
	}
	b.cb = gobreaker.NewCircuitBreaker(st)
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		b.openedAt.Store(time.Now().UnixNano())
	}
	telemetry.BreakerState.WithLabelValues(name).Set(stateGauge(to))
	b.log.Info("circuit breaker state change",
		"breaker", name, "from", from.String(), "to", to.String())
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// RetryAfter reports how long until the open circuit transitions to
// half-open. Zero when the circuit is not open.
func (b *Breaker) RetryAfter() time.Duration {
	if b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	opened := time.Unix(0, b.openedAt.Load())
	remaining := b.recovery - time.Since(opened)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current breaker state as a string (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Allows reports whether the breaker would currently let a call through.
func (b *Breaker) Allows() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Execute runs op under the breaker. When the circuit is open, op is not
// invoked and a circuit_open error with a retry-after hint is returned.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		retryAfter := b.RetryAfter()
		return errors.NewCircuitOpenError(
			fmt.Sprintf("%s: circuit open, retry after %s", b.name, retryAfter.Round(time.Second)), err)
	}
	return err
}
