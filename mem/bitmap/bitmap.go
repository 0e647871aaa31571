// Package bitmap implements the page bitmap used by the coherent heap
// sub-allocator. Bit i set means page i is allocated.
package bitmap

import (
	"fmt"
	"math/bits"
)

// A Bitmap is a fixed size set of bits stored in 64-bit words.
type Bitmap struct {
	words []uint64
	nbits uint64
}

// New creates a bitmap of nbits cleared bits.
func New(nbits uint64) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (nbits+63)/64),
		nbits: nbits,
	}
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() uint64 {
	return b.nbits
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint64) bool {
	b.mustBeInRange(i, 1)
	return b.words[i/64]&(1<<(i%64)) != 0
}

// Set sets the bits in [start, start+n).
func (b *Bitmap) Set(start, n uint64) {
	b.mustBeInRange(start, n)
	b.apply(start, n, func(w *uint64, mask uint64) { *w |= mask })
}

// Clear clears the bits in [start, start+n).
func (b *Bitmap) Clear(start, n uint64) {
	b.mustBeInRange(start, n)
	b.apply(start, n, func(w *uint64, mask uint64) { *w &^= mask })
}

// IsRangeFree reports whether every bit in [start, start+n) is clear.
func (b *Bitmap) IsRangeFree(start, n uint64) bool {
	if n == 0 || start+n > b.nbits {
		return false
	}

	free := true
	b.apply(start, n, func(w *uint64, mask uint64) {
		if *w&mask != 0 {
			free = false
		}
	})

	return free
}

// Count returns the number of set bits in [lo, hi).
func (b *Bitmap) Count(lo, hi uint64) uint64 {
	if hi <= lo {
		return 0
	}

	b.mustBeInRange(lo, hi-lo)

	var count uint64
	b.apply(lo, hi-lo, func(w *uint64, mask uint64) {
		count += uint64(bits.OnesCount64(*w & mask))
	})

	return count
}

// FindFree finds the first run of n clear bits inside [lo, hi) whose start is
// a multiple of 1<<alignOrder counted from bit 0. It returns false when no
// such run exists.
func (b *Bitmap) FindFree(lo, hi, n uint64, alignOrder uint) (uint64, bool) {
	if hi > b.nbits {
		hi = b.nbits
	}

	if n == 0 || hi <= lo || hi-lo < n {
		return 0, false
	}

	align := uint64(1) << alignOrder
	start := alignUp(lo, align)

	for start+n <= hi {
		busy, found := b.lastSetIn(start, n)
		if !found {
			return start, true
		}

		start = alignUp(busy+1, align)
	}

	return 0, false
}

// lastSetIn returns the highest set bit inside [start, start+n).
func (b *Bitmap) lastSetIn(start, n uint64) (uint64, bool) {
	end := start + n
	for i := end; i > start; {
		wi := (i - 1) / 64
		wordStart := wi * 64

		lo := start
		if wordStart > lo {
			lo = wordStart
		}

		mask := rangeMask(lo-wordStart, i-wordStart)
		if v := b.words[wi] & mask; v != 0 {
			return wordStart + uint64(63-bits.LeadingZeros64(v)), true
		}

		i = lo
	}

	return 0, false
}

func (b *Bitmap) apply(start, n uint64, f func(w *uint64, mask uint64)) {
	end := start + n
	for i := start; i < end; {
		wi := i / 64
		wordStart := wi * 64

		hi := wordStart + 64
		if hi > end {
			hi = end
		}

		f(&b.words[wi], rangeMask(i-wordStart, hi-wordStart))
		i = hi
	}
}

func (b *Bitmap) mustBeInRange(start, n uint64) {
	if start+n > b.nbits || start+n < start {
		panic(fmt.Sprintf("bitmap range [%d, %d) out of %d bits",
			start, start+n, b.nbits))
	}
}

// rangeMask returns a mask with bits [lo, hi) set, 0 <= lo < hi <= 64.
func rangeMask(lo, hi uint64) uint64 {
	var upper uint64
	if hi == 64 {
		upper = ^uint64(0)
	} else {
		upper = (uint64(1) << hi) - 1
	}

	return upper &^ ((uint64(1) << lo) - 1)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// OrderOf returns the smallest order such that 1<<order >= n.
func OrderOf(n uint64) uint {
	if n <= 1 {
		return 0
	}

	return uint(bits.Len64(n - 1))
}
