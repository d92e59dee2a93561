// Package ratelimit enforces per-identity token buckets for the HTTP facade.
// Each (scope, identity) pair gets its own bucket sized to the configured
// per-minute limit; exhausted buckets reject with a retry hint rather than
// queueing the request.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sark-gateway/sark/pkg/config"
	"github.com/sark-gateway/sark/pkg/errors"
	"github.com/sark-gateway/sark/pkg/telemetry"
)

// Scope selects which per-minute limit applies to a request.
type Scope string

const (
	// ScopeUser limits authenticated session principals.
	ScopeUser Scope = "user"
	// ScopeAPIKey limits API key principals.
	ScopeAPIKey Scope = "api_key"
	// ScopeIP limits unauthenticated requests by client address.
	ScopeIP Scope = "ip"
)

// Result carries the bucket state callers surface as response headers.
type Result struct {
	// Limit is the bucket capacity per minute.
	Limit int
	// Remaining is the token count left after this request.
	Remaining int
	// Reset is when the bucket next regains a token.
	Reset time.Time
	// RetryAfter is how long a rejected caller should wait. Zero when allowed.
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per (scope, identity) pair.
type Limiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
	exempt  map[string]struct{}

	now func() time.Time
}

// New creates a limiter from the configured per-scope limits.
func New(cfg config.RateLimitConfig) *Limiter {
	exempt := make(map[string]struct{}, len(cfg.ExemptPrincipals))
	for _, p := range cfg.ExemptPrincipals {
		exempt[p] = struct{}{}
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		exempt:  exempt,
		now:     time.Now,
	}
}

func (l *Limiter) limitFor(scope Scope) int {
	switch scope {
	case ScopeUser:
		return l.cfg.UserPerMin
	case ScopeAPIKey:
		return l.cfg.APIKeyPerMin
	default:
		return l.cfg.PublicPerMin
	}
}

// Allow consumes one token from the bucket for (scope, identity). When the
// bucket is empty it returns a rate_limited error and a Result whose
// RetryAfter says when the next token arrives. Exempt principals always pass.
func (l *Limiter) Allow(scope Scope, identity string) (Result, error) {
	return l.AllowWithLimit(scope, identity, l.limitFor(scope))
}

// AllowWithLimit is Allow with a caller-supplied per-minute limit, used for
// API keys that carry their own rate limit.
func (l *Limiter) AllowWithLimit(scope Scope, identity string, limit int) (Result, error) {
	if _, ok := l.exempt[identity]; ok || limit <= 0 {
		return Result{Limit: limit, Remaining: limit, Reset: l.now()}, nil
	}

	lim := l.bucketFor(scope, identity, limit)

	res := lim.ReserveN(l.now(), 1)
	if delay := res.DelayFrom(l.now()); delay > 0 {
		// Do not hold the reservation; the request is rejected, not queued.
		res.CancelAt(l.now())
		telemetry.RateLimited.WithLabelValues(string(scope)).Inc()
		r := Result{
			Limit:      limit,
			Remaining:  0,
			Reset:      l.now().Add(delay),
			RetryAfter: delay,
		}
		return r, errors.NewRateLimitedError(
			fmt.Sprintf("rate limit exceeded, retry in %s", delay.Round(time.Second)), nil)
	}

	remaining := int(lim.TokensAt(l.now()))
	if remaining < 0 {
		remaining = 0
	}
	reset := l.now()
	if remaining < limit {
		// One token's worth of refill time.
		reset = reset.Add(time.Minute / time.Duration(limit))
	}
	return Result{Limit: limit, Remaining: remaining, Reset: reset}, nil
}

func (l *Limiter) bucketFor(scope Scope, identity string, limit int) *rate.Limiter {
	key := string(scope) + ":" + identity

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	return b.limiter
}

// Prune drops buckets idle longer than maxIdle. Idle full buckets carry no
// state worth keeping.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	pruned := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			pruned++
		}
	}
	return pruned
}

// RunPruner prunes idle buckets on the given interval until done is closed.
func (l *Limiter) RunPruner(done <-chan struct{}, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.Prune(maxIdle)
		}
	}
}
