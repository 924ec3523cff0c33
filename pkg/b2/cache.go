package b2

import (
	"sync"
	"time"
)

// expiring is a single-value cache guarded by an expiry timestamp.
// Zero ttl means the value never expires (process lifetime).
type expiring[T any] struct {
	mu  sync.Mutex
	val T
	ok  bool
	exp time.Time
}

func (c *expiring[T]) get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ok || (!c.exp.IsZero() && time.Now().After(c.exp)) {
		var zero T
		return zero, false
	}
	return c.val, true
}

func (c *expiring[T]) set(v T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = v
	c.ok = true
	if ttl > 0 {
		c.exp = time.Now().Add(ttl)
	} else {
		c.exp = time.Time{}
	}
}

func (c *expiring[T]) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.val = zero
	c.ok = false
	c.exp = time.Time{}
}
