// Package msgview implements the zero-copy scatter-gather message view
// built on top of internal/bufpool: an ordered sequence of (unit, offset,
// length) segments that together carry one HTTP request or response
// through the pipeline without copying buffer contents between layers.
package msgview

import (
	"net"

	"silo3/internal/bufpool"
)

// Segment is one (unit, offset, length) slice into a buffer unit. It
// holds exactly one reference on Unit for as long as it is live.
type Segment struct {
	Unit   *bufpool.Unit
	Offset uint32
	Length uint32

	// ownsTail marks a segment CopyIn created (and therefore may extend
	// in place); segments from AppendUnit never set this, per the tail-
	// extension aliasing rule in SPEC_FULL.md §4.B.
	ownsTail bool
}

// View is an ordered sequence of segments. Its zero value is an empty,
// ready-to-use view.
type View struct {
	segments []Segment
	totalLen uint32
}

// TotalLength returns the sum of every live segment's length.
func (v *View) TotalLength() uint32 { return v.totalLen }

// Segments exposes the live segment list for callers that need direct
// access (e.g. the HTTP parser linearizing just the header prefix).
func (v *View) Segments() []Segment { return v.segments }

// AppendUnit adds a reference to unit and appends a segment over
// [offset, offset+length). This is the zero-copy path: no bytes move.
// It fatally panics if unit is not BUSY or the slice is out of bounds,
// per §4.B/§7.
func (v *View) AppendUnit(unit *bufpool.Unit, offset, length uint32) {
	if unit == nil || length == 0 {
		return
	}
	if offset+length > uint32(unit.Capacity()) {
		panic("msgview: segment out of bounds")
	}
	unit.AddRef()
	v.segments = append(v.segments, Segment{Unit: unit, Offset: offset, Length: length})
	v.totalLen += length
}

// CopyIn appends len(src) bytes to the view, copying the data in. Before
// acquiring a new unit it tries to extend the last segment in place, but
// only when that segment is one this view created via CopyIn itself (see
// SPEC_FULL.md §4.B on tail-extension ownership) — segments produced by
// AppendUnit from a borrowed, possibly-shared unit are never extended.
// It returns false only if the pool is exhausted mid-copy; the view
// still owns whatever was appended before that point.
func (v *View) CopyIn(pool *bufpool.Pool, cache *bufpool.Cache, src []byte) bool {
	if len(src) == 0 {
		return true
	}

	if n := len(v.segments); n > 0 {
		last := &v.segments[n-1]
		if last.ownsTail {
			used := last.Offset + last.Length
			capacity := uint32(last.Unit.Capacity())
			if used < capacity {
				avail := capacity - used
				toFill := uint32(len(src))
				if toFill > avail {
					toFill = avail
				}
				copy(last.Unit.Data()[used:used+toFill], src[:toFill])
				last.Length += toFill
				v.totalLen += toFill
				src = src[toFill:]
			}
		}
	}

	for len(src) > 0 {
		unit := pool.Acquire(cache)
		if unit == nil {
			return false
		}
		toCopy := uint32(len(src))
		if cap := uint32(unit.Capacity()); toCopy > cap {
			toCopy = cap
		}
		copy(unit.Data()[:toCopy], src[:toCopy])
		v.segments = append(v.segments, Segment{Unit: unit, Offset: 0, Length: toCopy, ownsTail: true})
		v.totalLen += toCopy
		src = src[toCopy:]
	}
	return true
}

// CopyOut linearizes up to min(len(dst), TotalLength()) bytes into dst,
// returning the count actually copied.
func (v *View) CopyOut(dst []byte) uint32 {
	if len(dst) == 0 || len(v.segments) == 0 {
		return 0
	}
	remaining := uint32(len(dst))
	if remaining > v.totalLen {
		remaining = v.totalLen
	}
	want := remaining
	pos := uint32(0)
	for _, seg := range v.segments {
		if remaining == 0 {
			break
		}
		segLen := seg.Length
		if segLen > remaining {
			segLen = remaining
		}
		copy(dst[pos:pos+segLen], seg.Unit.Data()[seg.Offset:seg.Offset+segLen])
		pos += segLen
		remaining -= segLen
	}
	return want - remaining
}

// Iovec returns the view's segments as a net.Buffers scatter-gather
// list. Writing it through a *net.TCPConn drives writev(2) with no
// additional copy.
func (v *View) Iovec() net.Buffers {
	bufs := make(net.Buffers, len(v.segments))
	for i, seg := range v.segments {
		bufs[i] = seg.Unit.Data()[seg.Offset : seg.Offset+seg.Length]
	}
	return bufs
}

// Clear releases every segment's reference, in order, and resets the
// view to empty.
func (v *View) Clear(cache *bufpool.Cache) {
	for _, seg := range v.segments {
		seg.Unit.Release(cache)
	}
	v.segments = v.segments[:0]
	v.totalLen = 0
}
