package retry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpStatusErr struct {
	status int
}

func (e *httpStatusErr) Error() string   { return "http error" }
func (e *httpStatusErr) Transient() bool { return e.status >= 500 || e.status == 429 }

func fastConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), "test", fastConfig(), slog.Default(), func() error {
		attempts++
		if attempts < 3 {
			return &httpStatusErr{status: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), "test", fastConfig(), slog.Default(), func() error {
		attempts++
		return &httpStatusErr{status: 500}
	})

	require.Error(t, err)
	// Initial attempt plus three retries.
	assert.Equal(t, 4, attempts)
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), "test", fastConfig(), slog.Default(), func() error {
		attempts++
		return &httpStatusErr{status: 400}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "conn reset", err: syscall.ECONNRESET, want: true},
		{name: "conn refused", err: syscall.ECONNREFUSED, want: true},
		{name: "server error", err: &httpStatusErr{status: 502}, want: true},
		{name: "too many requests", err: &httpStatusErr{status: 429}, want: true},
		{name: "client error", err: &httpStatusErr{status: 404}, want: false},
		{name: "unclassified", err: stderrors.New("boom"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
