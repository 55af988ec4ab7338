package msgview

import (
	"testing"

	"github.com/stretchr/testify/require"

	"silo3/internal/bufpool"
)

func TestCopyInAndCopyOutRoundTrip(t *testing.T) {
	pool := bufpool.New(64, 8)
	cache := bufpool.NewCache()

	var v View
	defer v.Clear(cache)

	data := []byte("hello, zero-copy world")
	require.True(t, v.CopyIn(pool, cache, data))
	require.EqualValues(t, len(data), v.TotalLength())

	out := make([]byte, len(data))
	n := v.CopyOut(out)
	require.EqualValues(t, len(data), n)
	require.Equal(t, data, out)
}

func TestCopyInSpansMultipleUnits(t *testing.T) {
	pool := bufpool.New(8, 16)
	cache := bufpool.NewCache()

	var v View
	defer v.Clear(cache)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	require.True(t, v.CopyIn(pool, cache, data))
	require.True(t, len(v.Segments()) > 1)

	out := make([]byte, len(data))
	v.CopyOut(out)
	require.Equal(t, data, out)
}

func TestCopyInReturnsFalseOnExhaustion(t *testing.T) {
	pool := bufpool.New(8, 2)
	cache := bufpool.NewCache()

	var v View
	defer v.Clear(cache)

	ok := v.CopyIn(pool, cache, make([]byte, 100))
	require.False(t, ok)
	// Whatever fit before exhaustion is still owned by the view.
	require.True(t, v.TotalLength() > 0)
}

func TestAppendUnitIsZeroCopyAndRefCounted(t *testing.T) {
	pool := bufpool.New(64, 4)
	cache := bufpool.NewCache()

	u := pool.Acquire(cache)
	require.NotNil(t, u)
	copy(u.Data(), []byte("payload"))

	var v View
	v.AppendUnit(u, 0, 7)
	require.EqualValues(t, 7, v.TotalLength())

	// AppendUnit held its own reference: releasing the handler's original
	// reference must not free the unit out from under the view.
	u.Release(cache)

	out := make([]byte, 7)
	v.CopyOut(out)
	require.Equal(t, "payload", string(out))

	v.Clear(cache)
}

func TestAppendUnitPanicsOutOfBounds(t *testing.T) {
	pool := bufpool.New(64, 1)
	cache := bufpool.NewCache()
	u := pool.Acquire(cache)

	var v View
	require.Panics(t, func() {
		v.AppendUnit(u, 60, 10)
	})
}

func TestIovecReflectsSegments(t *testing.T) {
	pool := bufpool.New(64, 4)
	cache := bufpool.NewCache()

	var v View
	defer v.Clear(cache)
	require.True(t, v.CopyIn(pool, cache, []byte("abc")))
	require.True(t, v.CopyIn(pool, cache, []byte("def")))

	bufs := v.Iovec()
	var total int
	for _, b := range bufs {
		total += len(b)
	}
	require.EqualValues(t, v.TotalLength(), total)
}

func TestClearReleasesAllSegments(t *testing.T) {
	pool := bufpool.New(64, 1)
	cache := bufpool.NewCache()

	var v View
	require.True(t, v.CopyIn(pool, cache, []byte("x")))
	v.Clear(cache)

	require.EqualValues(t, 0, v.TotalLength())
	require.Empty(t, v.Segments())

	// The unit must be back in the pool.
	require.NotNil(t, pool.Acquire(cache))
}
