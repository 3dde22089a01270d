package ping

import (
	"sync"
	"time"
)

// token is the (identifier, sequence) pair identifying one in-flight
// request.
type token struct {
	ident uint16
	seq   uint16
}

// pendingCache maps correlation tokens to send timestamps. An entry lives
// exactly as long as its request is outstanding and is the single owner of
// the timing information used to compute round-trip time.
type pendingCache struct {
	mu sync.Mutex
	m  map[token]time.Time
}

func newPendingCache() *pendingCache {
	return &pendingCache{m: make(map[token]time.Time)}
}

// insert records a new in-flight request. It returns false when the token
// is already outstanding.
func (c *pendingCache) insert(ident, seq uint16, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := token{ident, seq}
	if _, ok := c.m[k]; ok {
		return false
	}
	c.m[k] = at
	return true
}

// refresh updates the send timestamp of a still-outstanding request. A
// request already resolved (matched, timed out, errored) is left alone.
func (c *pendingCache) refresh(ident, seq uint16, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := token{ident, seq}
	if _, ok := c.m[k]; ok {
		c.m[k] = at
	}
}

// remove resolves an in-flight request, returning its send timestamp.
func (c *pendingCache) remove(ident, seq uint16) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := token{ident, seq}
	at, ok := c.m[k]
	if ok {
		delete(c.m, k)
	}
	return at, ok
}

// size returns the number of outstanding requests.
func (c *pendingCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
