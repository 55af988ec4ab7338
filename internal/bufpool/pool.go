// Package bufpool implements the fixed-size, 4 KiB-aligned, reference
// counted buffer pool that backs every request and response in silo3.
//
// Units are allocated once in a single bulk pass and never individually
// freed; the tiered free-list (per-connection cache, remote inbox, global
// pool) exists purely to keep that bulk allocation fast to reuse under
// concurrent load. See Cache and Unit for the per-tier mechanics.
package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// L1Capacity is the maximum number of free units a single Cache holds
// without spilling to the global pool.
const L1Capacity = 128

// alignment is the physical alignment (and rounding granularity) of the
// pool's backing data region, suitable for direct I/O.
const alignment = 4096

type unitState uint32

const (
	stateFree unitState = 0xDEADBEEF
	stateBusy unitState = 0x5A5A5A5A
)

func fatal(format string, args ...any) {
	panic(fmt.Sprintf("bufpool: "+format, args...))
}

// Unit is a fixed-capacity byte region with a reference count and a
// FREE/BUSY lifecycle. Its zero value is never valid; units only come
// from a Pool's bulk allocation.
type Unit struct {
	ref   atomic.Int32
	state atomic.Uint32

	data []byte
	pool *Pool

	// origin is the Cache that owned this unit at acquisition time; it is
	// the Go stand-in for the C original's origin OS thread id (see
	// SPEC_FULL.md §4.A).
	origin *Cache

	// nextInbox links units on a Cache's remote inbox chain. It is only
	// ever written by the pusher before the publishing CAS and only ever
	// read by the owning Cache after the harvesting exchange, so it needs
	// no synchronization of its own.
	nextInbox *Unit
}

// Data returns the unit's backing storage. Callers must not retain slices
// of it beyond the lifetime of their reference.
func (u *Unit) Data() []byte { return u.data }

// Capacity returns the fixed payload size of the unit.
func (u *Unit) Capacity() int { return len(u.data) }

// AddRef increments the reference count. It is a fatal error to add a
// reference to a unit that is not currently BUSY.
func (u *Unit) AddRef() {
	if unitState(u.state.Load()) != stateBusy {
		fatal("add-ref on non-busy unit")
	}
	u.ref.Add(1)
}

// Release drops a reference obtained while cache was the caller's active
// per-connection cache. When the last reference is dropped the unit
// transitions BUSY -> FREE and is returned to the pool via the tiered
// free-list protocol in §4.A.
func (u *Unit) Release(cache *Cache) {
	if u.ref.Add(-1) != 0 {
		return
	}
	if !u.state.CompareAndSwap(uint32(stateBusy), uint32(stateFree)) {
		fatal("double free detected")
	}
	u.pool.reclaim(cache, u)
}

// Pool is a single bulk-allocated arena of Units together with the
// three-tier free-list described in SPEC_FULL.md §4.A.
type Pool struct {
	payloadSize uint32
	totalCount  uint32

	globalFreeCount atomic.Int32

	units      []Unit
	dataRegion []byte

	globalMu   sync.Mutex
	globalFree []*Unit
}

func alignUp(n uint32) uint32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// New performs the pool's single bulk allocation: count unit descriptors
// and one contiguous, 4 KiB-aligned data region of
// count * alignUp(payloadSize) bytes. It panics (the fatal-error path
// described in §7) if the backing allocation cannot be carved out, which
// in Go practice only happens if count or payloadSize overflow uint32
// arithmetic.
func New(payloadSize, count uint32) *Pool {
	aligned := alignUp(payloadSize)
	if aligned == 0 || count == 0 {
		fatal("invalid pool dimensions payload_size=%d count=%d", payloadSize, count)
	}

	total := uint64(aligned) * uint64(count)
	raw := make([]byte, total+alignment)
	base := alignedOffset(raw)
	dataRegion := raw[base : uint64(base)+total]

	p := &Pool{
		payloadSize: aligned,
		totalCount:  count,
		units:       make([]Unit, count),
		dataRegion:  dataRegion,
		globalFree:  make([]*Unit, 0, count),
	}

	for i := range p.units {
		u := &p.units[i]
		u.pool = p
		u.data = dataRegion[uint64(i)*uint64(aligned) : uint64(i+1)*uint64(aligned)]
		u.state.Store(uint32(stateFree))
		p.globalFree = append(p.globalFree, u)
	}
	p.globalFreeCount.Store(int32(count))
	return p
}

// PayloadSize returns the (4 KiB-rounded) capacity of every unit.
func (p *Pool) PayloadSize() uint32 { return p.payloadSize }

// TotalCount returns the total number of units the pool was constructed
// with.
func (p *Pool) TotalCount() uint32 { return p.totalCount }

// GlobalFreeCount returns a relaxed snapshot of the global free list size.
func (p *Pool) GlobalFreeCount() int32 { return p.globalFreeCount.Load() }

// Acquire returns a single BUSY unit with ref=1, owned by cache. It never
// blocks: when every tier is exhausted it returns nil so the caller can
// apply backpressure (§4.A, §5).
func (p *Pool) Acquire(cache *Cache) *Unit {
	var u *Unit

	if cache.count > 0 {
		cache.count--
		u = cache.stack[cache.count]
	} else if head := cache.remoteInbox.Swap(nil); head != nil {
		u = p.harvestInbox(cache, head)
	}

	if u == nil {
		u = p.refillFromGlobal(cache)
	}

	if u == nil {
		return nil
	}

	u.origin = cache
	u.ref.Store(1)
	u.state.Store(uint32(stateBusy))
	return u
}

// harvestInbox drains a chain of units (taken from the remote inbox by
// the caller) into cache's L1 stack, spilling overflow into the global
// pool, and returns one popped unit (nil if every unit overflowed).
func (p *Pool) harvestInbox(cache *Cache, head *Unit) *Unit {
	var overflow []*Unit
	curr := head
	for curr != nil {
		next := curr.nextInbox
		curr.nextInbox = nil
		if cache.count < L1Capacity {
			cache.stack[cache.count] = curr
			cache.count++
		} else {
			overflow = append(overflow, curr)
		}
		curr = next
	}
	if len(overflow) > 0 {
		p.globalMu.Lock()
		p.globalFree = append(p.globalFree, overflow...)
		p.globalMu.Unlock()
		p.globalFreeCount.Add(int32(len(overflow)))
	}
	if cache.count == 0 {
		return nil
	}
	cache.count--
	return cache.stack[cache.count]
}

// refillFromGlobal locks the global pool, transfers up to L1Capacity/2
// units into cache's L1 stack in one batch, and returns one of them.
func (p *Pool) refillFromGlobal(cache *Cache) *Unit {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	n := len(p.globalFree)
	if n == 0 {
		return nil
	}

	fetch := L1Capacity / 2
	if fetch > n {
		fetch = n
	}
	for i := 0; i < fetch-1; i++ {
		n--
		cache.stack[cache.count] = p.globalFree[n]
		cache.count++
		p.globalFree = p.globalFree[:n]
	}
	n--
	u := p.globalFree[n]
	p.globalFree = p.globalFree[:n]
	p.globalFreeCount.Add(-int32(fetch))
	return u
}

// reclaim runs the release protocol from §4.A: adaptive reclaim guard,
// then same-cache L1 push (spilling half on overflow), then cross-cache
// remote-inbox CAS push.
func (p *Pool) reclaim(cache *Cache, u *Unit) {
	if p.globalFreeCount.Load() < int32(float64(p.totalCount)*0.05) {
		p.globalMu.Lock()
		p.globalFree = append(p.globalFree, u)
		p.globalMu.Unlock()
		p.globalFreeCount.Add(1)
		return
	}

	if u.origin == cache {
		if cache.count < L1Capacity {
			cache.stack[cache.count] = u
			cache.count++
			return
		}
		p.globalMu.Lock()
		move := L1Capacity / 2
		for i := 0; i < move; i++ {
			cache.count--
			p.globalFree = append(p.globalFree, cache.stack[cache.count])
		}
		p.globalFree = append(p.globalFree, u)
		p.globalMu.Unlock()
		p.globalFreeCount.Add(int32(move + 1))
		return
	}

	origin := u.origin
	for {
		old := origin.remoteInbox.Load()
		u.nextInbox = old
		if origin.remoteInbox.CompareAndSwap(old, u) {
			return
		}
	}
}
