// Package ratelimit implements the in-process per-principal minute-bucket
// limiter used by the admission pipeline. Each principal gets its own
// counter keyed by the current UTC minute, so bucket identity is
// reproducible in tests rather than derived from a reset deadline.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type bucket struct {
	key   string
	count int
}

// Limiter tracks a request count per principal within the current UTC
// minute. Over-counting by one under a race is acceptable; under-counting
// (letting a request past the cap) is not — the mutex below serializes
// every Allow call to guarantee that.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	buckets map[string]*bucket
}

// New returns a Limiter admitting at most limit requests per principal
// per UTC minute.
func New(limit int) *Limiter {
	return &Limiter{
		limit:   limit,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether principal may proceed, and increments its bucket
// if so. Bucket keying is "YYYY-M-D-H-min" UTC; the key's identity is the
// window, there is no per-bucket deadline.
func (l *Limiter) Allow(principal string, now time.Time) bool {
	key := minuteKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[principal]
	if !ok || b.key != key {
		b = &bucket{key: key, count: 0}
		l.buckets[principal] = b
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

func minuteKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%d-%d-%d-%d-%d", u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute())
}
