// Package bitfield provides a fixed-length bit-per-piece possession map.
package bitfield

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"
)

var ErrSpareBitsSet = errors.New("spare bits set in bitfield")

// BitField is a bit vector over piece indices [0, Len()). The zero value is a valid, empty
// BitField of length zero. It is not safe for concurrent use; owners serialize access.
type BitField struct {
	bm     roaring.Bitmap
	length int
}

func New(length int) *BitField {
	panicif.LessThan(length, 0)
	return &BitField{length: length}
}

// FromBytes decodes the BEP 3 wire form: the high bit of the first byte is piece 0.
func FromBytes(b []byte, length int) (*BitField, error) {
	if want := (length + 7) / 8; len(b) != want {
		return nil, fmt.Errorf("bitfield has %d bytes, expected %d for %d pieces", len(b), want, length)
	}
	ret := New(length)
	for i, c := range b {
		for j := 0; j < 8; j++ {
			if c&(0x80>>j) == 0 {
				continue
			}
			index := i*8 + j
			if index >= length {
				return nil, ErrSpareBitsSet
			}
			ret.bm.AddInt(index)
		}
	}
	return ret, nil
}

func (me *BitField) Len() int {
	return me.length
}

func (me *BitField) checkIndex(i int) {
	if i < 0 || i >= me.length {
		panic(fmt.Sprintf("bit index %d out of range [0, %d)", i, me.length))
	}
}

func (me *BitField) Get(i int) bool {
	me.checkIndex(i)
	return me.bm.Contains(uint32(i))
}

func (me *BitField) Set(i int, v bool) {
	me.checkIndex(i)
	if v {
		me.bm.Add(uint32(i))
	} else {
		me.bm.Remove(uint32(i))
	}
}

// Sets or clears the half-open range [start, end).
func (me *BitField) SetRange(start, end int, v bool) {
	if start >= end {
		return
	}
	me.checkIndex(start)
	me.checkIndex(end - 1)
	if v {
		me.bm.AddRange(uint64(start), uint64(end))
	} else {
		me.bm.RemoveRange(uint64(start), uint64(end))
	}
}

func (me *BitField) SetAll(v bool) {
	if v {
		me.bm.AddRange(0, uint64(me.length))
	} else {
		me.bm.Clear()
	}
}

func (me *BitField) TrueCount() int {
	return int(me.bm.GetCardinality())
}

func (me *BitField) AllTrue() bool {
	return me.TrueCount() == me.length
}

func (me *BitField) AllFalse() bool {
	return me.bm.IsEmpty()
}

func (me *BitField) Clone() *BitField {
	ret := &BitField{length: me.length}
	ret.bm.Or(&me.bm)
	return ret
}

func (me *BitField) checkSameLength(other *BitField) {
	panicif.NotEq(me.length, other.length)
}

// And keeps only bits also set in other.
func (me *BitField) And(other *BitField) *BitField {
	me.checkSameLength(other)
	me.bm.And(&other.bm)
	return me
}

// AndNot clears every bit set in other.
func (me *BitField) AndNot(other *BitField) *BitField {
	me.checkSameLength(other)
	me.bm.AndNot(&other.bm)
	return me
}

func (me *BitField) Or(other *BitField) *BitField {
	me.checkSameLength(other)
	me.bm.Or(&other.bm)
	return me
}

// Keeps only bits in the inclusive range [start, end].
func (me *BitField) Restrict(start, end int) *BitField {
	if start > 0 {
		me.bm.RemoveRange(0, uint64(min(start, me.length)))
	}
	if end+1 < me.length {
		me.bm.RemoveRange(uint64(max(end+1, 0)), uint64(me.length))
	}
	return me
}

// FirstTrue returns the lowest set index in the inclusive range [start, end], or -1.
func (me *BitField) FirstTrue(start, end int) int {
	if start < 0 {
		start = 0
	}
	it := me.bm.Iterator()
	it.AdvanceIfNeeded(uint32(start))
	if !it.HasNext() {
		return -1
	}
	i := int(it.Next())
	if i > end || i >= me.length {
		return -1
	}
	return i
}

// Calls f for each set index in ascending order until f returns false.
func (me *BitField) IterTrue(f func(i int) bool) {
	me.bm.Iterate(func(x uint32) bool {
		return f(int(x))
	})
}

// Returns true if any bit is set in both.
func (me *BitField) Intersects(other *BitField) bool {
	me.checkSameLength(other)
	return me.bm.Intersects(&other.bm)
}

func (me *BitField) Equal(other *BitField) bool {
	return me.length == other.length && me.bm.Equals(&other.bm)
}

// Bytes returns the BEP 3 wire form.
func (me *BitField) Bytes() []byte {
	ret := make([]byte, (me.length+7)/8)
	me.IterTrue(func(i int) bool {
		ret[i/8] |= 0x80 >> (i % 8)
		return true
	})
	return ret
}

func (me *BitField) String() string {
	var sb strings.Builder
	sb.Grow(me.length)
	for i := 0; i < me.length; i++ {
		if me.bm.Contains(uint32(i)) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
