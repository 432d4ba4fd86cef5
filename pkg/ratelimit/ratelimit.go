// Package ratelimit implements fixed-window request counting for the
// gateway's three enforcement scopes plus admin login throttling.
package ratelimit

import (
	"sync"
	"time"
)

// Unlimited disables limiting for a check; every call is allowed.
const Unlimited = -1

// Scope namespaces the counter table so a key id and an IP address can
// never collide.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeIP         Scope = "ip"
	ScopeKey        Scope = "key"
	ScopeAdminLogin Scope = "admin-login"
)

// Result describes one admission decision. RetryAfter and ResetAt are
// only meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type counterKey struct {
	scope Scope
	id    string
}

type counter struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// Limiter counts requests in fixed windows. Windows reset lazily on
// the next check after expiry, so an idle counter costs nothing until
// Sweep reclaims it.
type Limiter struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
	now      func() time.Time
}

func New() *Limiter {
	return &Limiter{
		counters: make(map[counterKey]*counter),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check admits or rejects one request against limit requests per
// window for the given scope and id. The count is consumed on
// admission only; rejected requests do not extend the window.
func (l *Limiter) Check(scope Scope, id string, limit int, window time.Duration) Result {
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}
	if limit <= 0 || window <= 0 {
		// A zero limit admits nothing; callers normally resolve
		// zero to a configured default before getting here.
		return Result{Allowed: false, Limit: limit, RetryAfter: window}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := counterKey{scope: scope, id: id}
	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowStart) >= c.window || c.window != window {
		c = &counter{windowStart: now, window: window}
		l.counters[key] = c
	}

	resetAt := c.windowStart.Add(c.window)
	if c.count >= limit {
		retry := resetAt.Sub(now)
		if retry <= 0 {
			retry = time.Nanosecond
		}
		return Result{Limit: limit, RetryAfter: retry, ResetAt: resetAt}
	}
	c.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - c.count, ResetAt: resetAt}
}

// Peek reports the current window state without consuming a slot.
// Callers that only count failures, like the admin login throttle,
// peek first and call Check when the attempt actually fails.
func (l *Limiter) Peek(scope Scope, id string, limit int, window time.Duration) Result {
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}
	if limit <= 0 || window <= 0 {
		return Result{Allowed: false, Limit: limit, RetryAfter: window}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[counterKey{scope: scope, id: id}]
	if !ok || now.Sub(c.windowStart) >= c.window || c.window != window {
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}
	resetAt := c.windowStart.Add(c.window)
	if c.count >= limit {
		retry := resetAt.Sub(now)
		if retry <= 0 {
			retry = time.Nanosecond
		}
		return Result{Limit: limit, RetryAfter: retry, ResetAt: resetAt}
	}
	return Result{Allowed: true, Limit: limit, Remaining: limit - c.count, ResetAt: resetAt}
}

// Reset clears the counter for one scope and id. Used when an admin
// login succeeds so earlier failures stop counting.
func (l *Limiter) Reset(scope Scope, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counters, counterKey{scope: scope, id: id})
}

// Sweep drops counters whose window expired more than maxIdle ago and
// returns how many were removed.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for key, c := range l.counters {
		if now.Sub(c.windowStart.Add(c.window)) > maxIdle {
			delete(l.counters, key)
			removed++
		}
	}
	return removed
}
