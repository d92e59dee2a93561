// Package retry schedules bounded, jittered retries for SIEM delivery.
// Only errors classified as transient (timeouts, 5xx, connection resets)
// are retried; client errors fail immediately.
package retry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config controls the retry schedule.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialInterval is the base delay; each retry doubles it.
	InitialInterval time.Duration

	// MaxInterval caps the delay growth.
	MaxInterval time.Duration
}

// DefaultConfig returns the standard schedule.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// TransientError is implemented by errors that know whether they are worth
// retrying. Adapter HTTP errors implement it based on status code.
type TransientError interface {
	Transient() bool
}

// IsTransient classifies an error for retry purposes. HTTP errors carry
// their own classification; timeouts and connection-level failures are
// transient; cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}

	var te TransientError
	if stderrors.As(err, &te) {
		return te.Transient()
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	// Unclassified errors are treated as transient so flaky transports get
	// their retries; permanence must be explicit.
	return true
}

// Do runs op with exponential backoff and jitter until it succeeds, exhausts
// cfg.MaxRetries, or fails with a non-transient error.
func Do(ctx context.Context, name string, cfg Config, log *slog.Logger, op func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxInterval = cfg.MaxInterval
	expBackoff.Reset()

	operation := func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)), // #nosec G115 -- includes the initial attempt
		backoff.WithNotify(func(err error, delay time.Duration) {
			log.Debug("retrying delivery", "operation", name, "delay", delay, "error", err)
		}),
	)
	return err
}
