package bufpool

import "sync/atomic"

// Cache is a connection-goroutine's thread-local cache (the L1 tier):
// a bounded LIFO of free units plus a lock-free remote inbox (L2) for
// units released by other goroutines. A Cache must not be shared between
// goroutines that can run concurrently — exactly one goroutine, for the
// lifetime of one accepted connection, should hold each Cache.
type Cache struct {
	stack [L1Capacity]*Unit
	count int

	remoteInbox atomic.Pointer[Unit]
}

// NewCache creates an empty per-connection cache.
func NewCache() *Cache {
	return &Cache{}
}

// Len reports the number of units currently sitting in the L1 stack.
func (c *Cache) Len() int { return c.count }
