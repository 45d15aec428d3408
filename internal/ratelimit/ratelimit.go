// Package ratelimit implements a best-effort, in-process fixed-window rate
// limiter keyed by caller identity. Cross-process coordination is out of
// scope; the limiter protects a single API instance.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultWindow is the fixed counting window.
	DefaultWindow = 60 * time.Second

	// DefaultMaxEntries caps the number of tracked keys before LRU eviction.
	DefaultMaxEntries = 10_000
)

type window struct {
	hits  int
	start time.Time
}

// Limiter counts hits per key over a fixed window. Entries are evicted by
// TTL or LRU when capacity is exceeded.
type Limiter struct {
	windowLen time.Duration
	mu        sync.Mutex
	cache     *expirable.LRU[string, window]
	now       func() time.Time
}

// New creates a limiter with the given window and capacity. Zero values pick
// the defaults.
func New(windowLen time.Duration, maxEntries int) *Limiter {
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Limiter{
		windowLen: windowLen,
		cache:     expirable.NewLRU[string, window](maxEntries, nil, windowLen),
		now:       time.Now,
	}
}

// Hit registers a hit for key. It returns true if the hit is allowed and
// false once the key reached limit hits inside the current window. The
// counter never increments past the limit.
func (l *Limiter) Hit(key string, limit int) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.cache.Get(key)
	if !ok {
		w = window{start: now}
	}
	if now.Sub(w.start) >= l.windowLen {
		w = window{start: now}
	}
	if w.hits >= limit {
		l.cache.Add(key, w)
		return false
	}
	w.hits++
	l.cache.Add(key, w)
	return true
}
