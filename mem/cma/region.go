package cma

import "fmt"

// A Region is the physically contiguous range that backs a heap, split into
// fixed-size chunks. The last chunk may be shorter than the others.
type Region struct {
	Base         uint64
	Len          uint64
	ChunkSize    uint64
	NumChunks    int
	RemChunkSize uint64
}

// NewRegion splits [base, base+length) into chunks of chunkSize.
func NewRegion(base, length, chunkSize uint64) (Region, error) {
	if chunkSize == 0 {
		return Region{}, fmt.Errorf("%w: chunk size must be > 0", ErrConfig)
	}

	if length < chunkSize {
		return Region{}, fmt.Errorf(
			"%w: region length %#x is smaller than chunk size %#x",
			ErrConfig, length, chunkSize)
	}

	n := (length + chunkSize - 1) / chunkSize

	return Region{
		Base:         base,
		Len:          length,
		ChunkSize:    chunkSize,
		NumChunks:    int(n),
		RemChunkSize: length - (n-1)*chunkSize,
	}, nil
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Base + r.Len
}

// ChunkBase returns the start address of chunk idx.
func (r Region) ChunkBase(idx int) uint64 {
	return r.Base + uint64(idx)*r.ChunkSize
}

// ChunkLen returns the length of chunk idx.
func (r Region) ChunkLen(idx int) uint64 {
	if idx == r.NumChunks-1 {
		return r.RemChunkSize
	}

	return r.ChunkSize
}

// ChunkIndex returns the index of the chunk that contains addr.
func (r Region) ChunkIndex(addr uint64) int {
	return int((addr - r.Base) / r.ChunkSize)
}

// Contains reports whether [addr, addr+length) lies inside the region.
func (r Region) Contains(addr, length uint64) bool {
	return addr >= r.Base && length <= r.Len && addr-r.Base <= r.Len-length
}
