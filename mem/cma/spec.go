package cma

import (
	"fmt"
	"time"
)

// Spec holds the immutable configuration of a heap.
type Spec struct {
	Base      uint64
	Size      uint64
	ChunkSize uint64
	Floor     uint64

	// AllocUnit is the page size of the sub-allocator.
	AllocUnit uint64

	// ShrinkDelay postpones the shrink pass after a release. Zero shrinks
	// synchronously.
	ShrinkDelay time.Duration

	MaxAllocRetries int
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
}

// Validate checks the values that Build cannot fix on its own.
func (s Spec) Validate() error {
	if s.AllocUnit == 0 || s.AllocUnit&(s.AllocUnit-1) != 0 {
		return fmt.Errorf("%w: alloc unit %#x must be a power of two",
			ErrConfig, s.AllocUnit)
	}

	if s.ChunkSize == 0 || s.ChunkSize%s.AllocUnit != 0 {
		return fmt.Errorf("%w: chunk size %#x must be a multiple of %#x",
			ErrConfig, s.ChunkSize, s.AllocUnit)
	}

	if s.Size < s.ChunkSize {
		return fmt.Errorf("%w: region size %#x is smaller than chunk size %#x",
			ErrConfig, s.Size, s.ChunkSize)
	}

	if s.Size%s.AllocUnit != 0 || s.Base%s.AllocUnit != 0 {
		return fmt.Errorf("%w: region [%#x, +%#x) is not unit aligned",
			ErrConfig, s.Base, s.Size)
	}

	if s.MaxAllocRetries <= 0 {
		return fmt.Errorf("%w: max alloc retries must be > 0", ErrConfig)
	}

	if s.ShrinkDelay < 0 {
		return fmt.Errorf("%w: shrink delay must be >= 0", ErrConfig)
	}

	return nil
}

// Defaults returns a Spec with sane defaults. The region and the chunk size
// still need to be provided.
func Defaults() Spec {
	return Spec{
		AllocUnit:       4096,
		MaxAllocRetries: 3,
		RetryBackoffMin: 100 * time.Microsecond,
		RetryBackoffMax: 2 * time.Millisecond,
	}
}
