package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c, err := New[string](8)
	require.NoError(t, err)

	c.Put("fp1", "v1", "allow", time.Minute)

	got, ok := c.Get("fp1", "v1")
	require.True(t, ok)
	assert.Equal(t, "allow", got)

	_, ok = c.Get("missing", "v1")
	assert.False(t, ok)
}

func TestCache_VersionMismatchIsMiss(t *testing.T) {
	t.Parallel()

	c, err := New[string](8)
	require.NoError(t, err)

	c.Put("fp1", "v1", "allow", time.Minute)

	_, ok := c.Get("fp1", "v2")
	assert.False(t, ok)

	// The stale entry was purged, not merely hidden.
	assert.Zero(t, c.Len())
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	c, err := New[string](8)
	require.NoError(t, err)

	c.Put("fp1", "v1", "allow", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("fp1", "v1")
	assert.False(t, ok)
}

func TestCache_NonPositiveTTLNotStored(t *testing.T) {
	t.Parallel()

	c, err := New[string](8)
	require.NoError(t, err)

	c.Put("fp1", "v1", "allow", 0)
	_, ok := c.Get("fp1", "v1")
	assert.False(t, ok)
}

func TestCache_SizeBoundEvictsLRU(t *testing.T) {
	t.Parallel()

	c, err := New[int](2)
	require.NoError(t, err)

	c.Put("a", "v1", 1, time.Minute)
	c.Put("b", "v1", 2, time.Minute)
	_, _ = c.Get("a", "v1") // touch a so b becomes LRU
	c.Put("c", "v1", 3, time.Minute)

	_, okA := c.Get("a", "v1")
	_, okB := c.Get("b", "v1")
	_, okC := c.Get("c", "v1")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestCache_SingleCoalescesConcurrentComputes(t *testing.T) {
	t.Parallel()

	c, err := New[string](8)
	require.NoError(t, err)

	var computes atomic.Int64
	release := make(chan struct{})

	const callers = 50
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Single("fp", func() (string, error) {
				computes.Add(1)
				<-release
				return "allow", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let all callers pile up behind the in-flight computation.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), computes.Load())
	for _, r := range results {
		assert.Equal(t, "allow", r)
	}
}
