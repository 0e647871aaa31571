package cma

import (
	"context"
	"fmt"
	"time"

	"github.com/sarchlab/tegrahost/mem/bitmap"
	"github.com/sarchlab/tegrahost/sim/timing"
)

// Builder can build heaps.
type Builder struct {
	spec      Spec
	allocator ContiguousAllocator
	notifier  ResizeNotifier
	clock     timing.Clock
}

// MakeBuilder returns a Builder with the default Spec.
func MakeBuilder() Builder {
	return Builder{
		spec:  Defaults(),
		clock: timing.RealClock{},
	}
}

// WithSpec replaces the whole Spec.
func (b Builder) WithSpec(spec Spec) Builder {
	b.spec = spec
	return b
}

// WithRegion sets the physical range that backs the heap.
func (b Builder) WithRegion(base, size uint64) Builder {
	b.spec.Base = base
	b.spec.Size = size

	return b
}

// WithChunkSize sets the granularity of growth and shrinkage.
func (b Builder) WithChunkSize(size uint64) Builder {
	b.spec.ChunkSize = size
	return b
}

// WithFloor sets the initial floor. Build grows the heap to it.
func (b Builder) WithFloor(floor uint64) Builder {
	b.spec.Floor = floor
	return b
}

// WithAllocUnit sets the page size of the sub-allocator.
func (b Builder) WithAllocUnit(unit uint64) Builder {
	b.spec.AllocUnit = unit
	return b
}

// WithShrinkDelay delays the shrink pass after releases.
func (b Builder) WithShrinkDelay(d time.Duration) Builder {
	b.spec.ShrinkDelay = d
	return b
}

// WithMaxAllocRetries sets how many times a chunk allocation is attempted.
func (b Builder) WithMaxAllocRetries(n int) Builder {
	b.spec.MaxAllocRetries = n
	return b
}

// WithAllocator sets the contiguous allocator that provides the chunks.
func (b Builder) WithAllocator(a ContiguousAllocator) Builder {
	b.allocator = a
	return b
}

// WithNotifier sets the resize notifier.
func (b Builder) WithNotifier(n ResizeNotifier) Builder {
	b.notifier = n
	return b
}

// WithClock sets the clock used for retry backoff and delayed shrinking.
func (b Builder) WithClock(c timing.Clock) Builder {
	b.clock = c
	return b
}

// Build creates a heap. The active window is empty unless a floor is set, in
// which case the heap is grown to it before Build returns.
func (b Builder) Build(name string) (*Heap, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: heap must have a name", ErrConfig)
	}

	if err := b.spec.Validate(); err != nil {
		return nil, err
	}

	if b.allocator == nil {
		return nil, fmt.Errorf("%w: no contiguous allocator", ErrConfig)
	}

	region, err := NewRegion(b.spec.Base, b.spec.Size, b.spec.ChunkSize)
	if err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = timing.RealClock{}
	}

	h := &Heap{
		name:        name,
		spec:        b.spec,
		region:      region,
		allocator:   b.allocator,
		notifier:    b.notifier,
		clock:       clock,
		pages:       bitmap.New(b.spec.Size / b.spec.AllocUnit),
		currBase:    region.Base,
		allocations: make(map[string]*Allocation),
	}

	if b.spec.Floor > 0 {
		if err := h.SetFloor(context.Background(), b.spec.Floor); err != nil {
			return nil, err
		}
	}

	return h, nil
}
