package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireAndReleaseSameCache(t *testing.T) {
	p := New(4096, 4)
	cache := NewCache()

	u := p.Acquire(cache)
	require.NotNil(t, u)
	require.Equal(t, 4096, u.Capacity())

	u.Release(cache)

	// The unit must be reusable after release, from the same cache.
	u2 := p.Acquire(cache)
	require.NotNil(t, u2)
}

func TestAcquireExhaustsAndReturnsNil(t *testing.T) {
	p := New(64, 2)
	cache := NewCache()

	u1 := p.Acquire(cache)
	u2 := p.Acquire(cache)
	require.NotNil(t, u1)
	require.NotNil(t, u2)

	require.Nil(t, p.Acquire(cache))

	u1.Release(cache)
	require.NotNil(t, p.Acquire(cache))
}

func TestDoubleReleasePanics(t *testing.T) {
	p := New(64, 1)
	cache := NewCache()
	u := p.Acquire(cache)
	u.Release(cache)

	require.Panics(t, func() {
		u.Release(cache)
	})
}

func TestAddRefOnFreeUnitPanics(t *testing.T) {
	p := New(64, 1)
	cache := NewCache()
	u := p.Acquire(cache)
	u.Release(cache)

	require.Panics(t, func() {
		u.AddRef()
	})
}

func TestAddRefKeepsUnitAliveUntilAllReleased(t *testing.T) {
	p := New(64, 1)
	cache := NewCache()
	u := p.Acquire(cache)
	u.AddRef()

	u.Release(cache)
	// A reference is still outstanding: the sole unit must not be
	// reusable yet.
	require.Nil(t, p.Acquire(cache))

	u.Release(cache)
	require.NotNil(t, p.Acquire(cache))
}

func TestCrossCacheReleaseGoesThroughRemoteInbox(t *testing.T) {
	p := New(64, 200)
	ownerCache := NewCache()
	otherCache := NewCache()

	units := make([]*Unit, 0, 100)
	for i := 0; i < 100; i++ {
		units = append(units, p.Acquire(ownerCache))
	}
	for _, u := range units {
		require.NotNil(t, u)
		u.Release(otherCache)
	}

	// The units sit on ownerCache's remote inbox until ownerCache acquires
	// again and harvests it.
	got := p.Acquire(ownerCache)
	require.NotNil(t, got)
}

func TestConcurrentAcquireReleaseNeverExceedsCapacity(t *testing.T) {
	const total = 64
	p := New(64, total)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache := NewCache()
			for i := 0; i < 500; i++ {
				u := p.Acquire(cache)
				if u != nil {
					u.Release(cache)
				}
			}
		}()
	}
	wg.Wait()
}

func TestNewPanicsOnInvalidDimensions(t *testing.T) {
	require.Panics(t, func() {
		New(0, 0)
	})
}

func TestPayloadSizeRoundsUpToAlignment(t *testing.T) {
	p := New(1, 1)
	require.EqualValues(t, 4096, p.PayloadSize())
}
