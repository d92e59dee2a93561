package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/errors"
)

func testLimiterConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		UserPerMin:   100,
		APIKeyPerMin: 10,
		PublicPerMin: 5,
	}
}

// frozen pins the limiter clock so token refill is deterministic.
func frozen(l *Limiter) *time.Time {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return &now
}

func TestLimiter_RejectsPastCapacity(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	frozen(l)

	for i := 0; i < 10; i++ {
		res, err := l.Allow(ScopeAPIKey, "key-123")
		require.NoError(t, err, "request %d should pass", i+1)
		assert.Equal(t, 10, res.Limit)
	}

	res, err := l.Allow(ScopeAPIKey, "key-123")
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	assert.Zero(t, res.Remaining)
	assert.Positive(t, res.RetryAfter)
}

func TestLimiter_PerKeyLimitOverride(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	frozen(l)

	// A key carrying its own limit of 3/min, tighter than the scope default.
	for i := 0; i < 3; i++ {
		_, err := l.AllowWithLimit(ScopeAPIKey, "key-tight", 3)
		require.NoError(t, err)
	}
	res, err := l.AllowWithLimit(ScopeAPIKey, "key-tight", 3)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	assert.Equal(t, 3, res.Limit)
}

func TestLimiter_RefillAllowsAgain(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	now := frozen(l)

	for i := 0; i < 10; i++ {
		_, err := l.Allow(ScopeAPIKey, "key-123")
		require.NoError(t, err)
	}
	_, err := l.Allow(ScopeAPIKey, "key-123")
	require.Error(t, err)

	// 10/min refills one token every 6 seconds.
	*now = now.Add(7 * time.Second)
	_, err = l.Allow(ScopeAPIKey, "key-123")
	assert.NoError(t, err)
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	frozen(l)

	for i := 0; i < 10; i++ {
		_, err := l.Allow(ScopeAPIKey, "key-a")
		require.NoError(t, err)
	}
	_, err := l.Allow(ScopeAPIKey, "key-a")
	require.Error(t, err)

	_, err = l.Allow(ScopeAPIKey, "key-b")
	assert.NoError(t, err, "a saturated neighbor must not affect other keys")
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	frozen(l)

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ScopeIP, "10.0.0.1")
		require.NoError(t, err)
	}
	_, err := l.Allow(ScopeIP, "10.0.0.1")
	require.Error(t, err)

	_, err = l.Allow(ScopeUser, "10.0.0.1")
	assert.NoError(t, err, "same identity under another scope has its own bucket")
}

func TestLimiter_ExemptPrincipalNeverLimited(t *testing.T) {
	t.Parallel()

	cfg := testLimiterConfig()
	cfg.ExemptPrincipals = []string{"svc-admin"}
	l := New(cfg)
	frozen(l)

	for i := 0; i < 50; i++ {
		res, err := l.Allow(ScopeAPIKey, "svc-admin")
		require.NoError(t, err)
		assert.Equal(t, res.Limit, res.Remaining)
	}
}

func TestLimiter_RemainingDecreases(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	frozen(l)

	first, err := l.Allow(ScopeAPIKey, "key-123")
	require.NoError(t, err)
	second, err := l.Allow(ScopeAPIKey, "key-123")
	require.NoError(t, err)

	assert.Equal(t, 9, first.Remaining)
	assert.Equal(t, 8, second.Remaining)
	assert.False(t, second.Reset.Before(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)))
}

func TestLimiter_PruneDropsIdleBuckets(t *testing.T) {
	t.Parallel()

	l := New(testLimiterConfig())
	now := frozen(l)

	_, err := l.Allow(ScopeAPIKey, "key-old")
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	_, err = l.Allow(ScopeAPIKey, "key-fresh")
	require.NoError(t, err)

	pruned := l.Prune(30 * time.Minute)
	assert.Equal(t, 1, pruned)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, oldExists := l.buckets["api_key:key-old"]
	_, freshExists := l.buckets["api_key:key-fresh"]
	assert.False(t, oldExists)
	assert.True(t, freshExists)
}
