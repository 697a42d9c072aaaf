// Package limiter implements attempt counting for credential challenges.
// Every challenge handler follows the same order: check the limit, then
// attempt verification, then Hit on failure or Clear on success. The counter
// update must complete before the response is sent.
package limiter

import (
	"sync"
	"time"
)

// DefaultMaxAttempts per rolling window per key.
const DefaultMaxAttempts = 5

// DefaultWindow is the rolling expiry for a counter.
const DefaultWindow = time.Minute

type counter struct {
	hits      int
	expiresAt time.Time
}

// Limiter counts failed attempts per opaque key with a rolling window.
// Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	window   time.Duration

	// now is injectable for tests.
	now func() time.Time
}

func New(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		counters: make(map[string]*counter),
		window:   window,
		now:      time.Now,
	}
}

// TooManyAttempts reports whether key has reached max hits within the
// current window.
func (l *Limiter) TooManyAttempts(key string, max int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.live(key)
	return c != nil && c.hits >= max
}

// Hit records a failed attempt and restarts the rolling window.
func (l *Limiter) Hit(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.live(key)
	if c == nil {
		c = &counter{}
		l.counters[key] = c
	}
	c.hits++
	c.expiresAt = l.now().Add(l.window)
}

// Clear removes the counter for key.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.counters, key)
}

// AvailableIn reports how long until attempts for key are allowed again.
// Zero means the key is not currently limited.
func (l *Limiter) AvailableIn(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.live(key)
	if c == nil {
		return 0
	}
	return c.expiresAt.Sub(l.now())
}

// live returns the counter for key, discarding it first if expired. Also
// opportunistically sweeps when the map grows large. Callers hold l.mu.
func (l *Limiter) live(key string) *counter {
	now := l.now()

	if len(l.counters) > 4096 {
		for k, c := range l.counters {
			if now.After(c.expiresAt) {
				delete(l.counters, k)
			}
		}
	}

	c, ok := l.counters[key]
	if !ok {
		return nil
	}
	if now.After(c.expiresAt) {
		delete(l.counters, key)
		return nil
	}
	return c
}
