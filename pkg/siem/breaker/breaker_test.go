package breaker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sark-gateway/sark/pkg/errors"
)

var errSend = errors.NewUpstreamUnavailableError("destination down", nil)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := New("test", testConfig(), slog.Default())

	calls := 0
	failing := func() error {
		calls++
		return errSend
	}

	for i := 0; i < 3; i++ {
		err := b.Execute(failing)
		require.ErrorIs(t, err, errSend)
	}
	assert.Equal(t, "open", b.State())

	// The next call fails fast without invoking the operation.
	err := b.Execute(failing)
	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.Equal(t, 3, calls)
	assert.Greater(t, b.RetryAfter(), time.Duration(0))
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	b := New("recover", testConfig(), slog.Default())

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errSend })
	}
	require.Equal(t, "open", b.State())

	time.Sleep(60 * time.Millisecond)

	// Two consecutive successes in half-open close the circuit.
	require.NoError(t, b.Execute(func() error { return nil }))
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, time.Duration(0), b.RetryAfter())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New("reopen", testConfig(), slog.Default())

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errSend })
	}
	time.Sleep(60 * time.Millisecond)

	require.Error(t, b.Execute(func() error { return errSend }))
	assert.Equal(t, "open", b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := New("reset", testConfig(), slog.Default())

	_ = b.Execute(func() error { return errSend })
	_ = b.Execute(func() error { return errSend })
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errSend })
	_ = b.Execute(func() error { return errSend })

	// Two failures after a success do not reach the threshold of three.
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.Allows())
}
