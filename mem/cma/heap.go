// Package cma implements a resizable heap on top of a physically contiguous
// memory area.
//
// The backing region is split into chunks. Only the active window, a run of
// adjacent chunks, is claimed from the contiguous allocator. Sub-chunk
// allocations are served from the active window by a page bitmap. When an
// allocation does not fit, the window grows by one chunk at a time; after
// releases, free chunks at either edge are handed back.
package cma

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sarchlab/tegrahost/mem/bitmap"
	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/id"
	"github.com/sarchlab/tegrahost/sim/timing"
)

// Hook positions of heap events. The item of grow, shrink and failure events
// is a ResizeEvent; the item of alloc and free events is an Allocation.
var (
	HookPosHeapGrow         = &hooking.HookPos{Name: "HeapGrow"}
	HookPosHeapShrink       = &hooking.HookPos{Name: "HeapShrink"}
	HookPosHeapAlloc        = &hooking.HookPos{Name: "HeapAlloc"}
	HookPosHeapFree         = &hooking.HookPos{Name: "HeapFree"}
	HookPosHeapResizeFailed = &hooking.HookPos{Name: "HeapResizeFailed"}
)

// AllocAttrs modify how an allocation is placed.
type AllocAttrs struct {
	// Aligned rounds the page count up to a power of two and places the
	// block at a multiple of its own length. By default a block takes
	// exactly the pages it needs.
	Aligned bool
}

// An Allocation is a live block handed out by a heap.
type Allocation struct {
	ID        string
	Addr      uint64
	Size      uint64
	Len       uint64
	FirstPage uint64
	NumPages  uint64
}

// ResizeEvent describes a change of the active window.
type ResizeEvent struct {
	OldBase, OldLen uint64
	NewBase, NewLen uint64
	Chunks          []int
}

// Stats is a snapshot of the heap usage.
type Stats struct {
	Base           uint64
	Used           uint64
	CapacityActive uint64
	CapacityMax    uint64
	Floor          uint64
	CurrBase       uint64
	NumChunks      int
	ActiveChunks   int
	Allocations    int
}

// A Heap is a chunked resizable heap.
type Heap struct {
	hooking.HookableBase

	name      string
	spec      Spec
	region    Region
	allocator ContiguousAllocator
	notifier  ResizeNotifier
	clock     timing.Clock

	lock        sync.Mutex
	pages       *bitmap.Bitmap
	currBase    uint64
	currLen     uint64
	floor       uint64
	used        uint64
	allocations map[string]*Allocation
	shrinkTimer timing.Timer
	shrinkGen   uint64
	closed      bool
}

// Name returns the name of the heap.
func (h *Heap) Name() string {
	return h.name
}

// Region returns the backing region.
func (h *Heap) Region() Region {
	return h.region
}

// Allocate reserves size bytes from the active window, growing the window
// when nothing fits. If growth fails, chunks grown by this call are returned
// before the error is reported.
func (h *Heap) Allocate(
	ctx context.Context,
	size uint64,
	attrs AllocAttrs,
) (*Allocation, error) {
	numPages, order, err := h.pagesFor(size, attrs.Aligned)
	if err != nil {
		return nil, err
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	origBase, origLen := h.currBase, h.currLen

	for {
		if first, ok := h.findFit(numPages, order); ok {
			return h.reserve(first, numPages, size), nil
		}

		if err := h.growLocked(ctx); err != nil {
			h.rollbackLocked(origBase, origLen)
			return nil, err
		}
	}
}

// AllocateAt reserves size bytes at addr. The range must be inside the
// active window and free.
func (h *Heap) AllocateAt(
	_ context.Context,
	addr, size uint64,
) (*Allocation, error) {
	numPages, _, err := h.pagesFor(size, false)
	if err != nil {
		return nil, err
	}

	if addr%h.spec.AllocUnit != 0 {
		return nil, fmt.Errorf("%w: address %#x is not page aligned",
			ErrInvalidSize, addr)
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	length := numPages * h.spec.AllocUnit
	if addr < h.currBase || length > h.currLen ||
		addr-h.currBase > h.currLen-length {
		return nil, fmt.Errorf("%w: [%#x, +%#x) is outside the active window",
			ErrOutOfMemory, addr, length)
	}

	first := (addr - h.region.Base) / h.spec.AllocUnit
	if !h.pages.IsRangeFree(first, numPages) {
		return nil, fmt.Errorf("%w: [%#x, +%#x) is in use",
			ErrOutOfMemory, addr, length)
	}

	return h.reserve(first, numPages, size), nil
}

// Release returns an allocation to the heap and starts a shrink pass, either
// immediately or after the configured delay.
func (h *Heap) Release(a *Allocation) error {
	if a == nil {
		return ErrInvalidAllocation
	}

	h.lock.Lock()
	defer h.lock.Unlock()

	live, found := h.allocations[a.ID]
	if !found {
		return fmt.Errorf("%w: %s", ErrInvalidAllocation, a.ID)
	}

	delete(h.allocations, live.ID)
	h.pages.Clear(live.FirstPage, live.NumPages)
	h.used -= live.NumPages * h.spec.AllocUnit

	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosHeapFree,
		Item:   *live,
	})

	h.scheduleShrinkLocked()

	return nil
}

// Shrink runs a shrink pass now.
func (h *Heap) Shrink() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return ErrClosed
	}

	return h.shrinkLocked()
}

// SetFloor sets the minimum length of the active window and grows the window
// to it. On failure the chunks grown by this call are handed back and the old
// floor stays in effect.
func (h *Heap) SetFloor(ctx context.Context, floor uint64) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return ErrClosed
	}

	if floor > h.region.Len {
		floor = h.region.Len
	}

	origBase, origLen := h.currBase, h.currLen

	for h.currLen < floor {
		err := h.growLocked(ctx)
		if err == nil {
			continue
		}

		h.rollbackLocked(origBase, origLen)

		if errors.Is(err, ErrOutOfMemory) {
			return err
		}

		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}

	h.floor = floor
	h.scheduleShrinkLocked()

	return nil
}

// Floor returns the current floor.
func (h *Heap) Floor() uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.floor
}

// Stats returns a snapshot of the heap usage.
func (h *Heap) Stats() Stats {
	h.lock.Lock()
	defer h.lock.Unlock()

	s := Stats{
		Base:           h.region.Base,
		Used:           h.used,
		CapacityActive: h.currLen,
		CapacityMax:    h.region.Len,
		Floor:          h.floor,
		CurrBase:       h.currBase,
		NumChunks:      h.region.NumChunks,
		Allocations:    len(h.allocations),
	}

	if h.currLen > 0 {
		first, last := h.activeChunks()
		s.ActiveChunks = last - first + 1
	}

	return s
}

// Allocations returns the live allocations ordered by address.
func (h *Heap) Allocations() []Allocation {
	h.lock.Lock()
	defer h.lock.Unlock()

	list := make([]Allocation, 0, len(h.allocations))
	for _, a := range h.allocations {
		list = append(list, *a)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Addr < list[j].Addr
	})

	return list
}

// Close hands every active chunk back. It fails with ErrBusy while
// allocations are live. Closing a closed heap does nothing.
func (h *Heap) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return nil
	}

	if len(h.allocations) > 0 {
		return fmt.Errorf("%w: %d allocations", ErrBusy, len(h.allocations))
	}

	h.stopShrinkTimerLocked()

	if h.currLen > 0 {
		if err := h.notify(h.region.Base, 0); err != nil {
			return err
		}

		h.releaseOutsideLocked(h.region.Base, 0)
	}

	h.closed = true

	return nil
}

func (h *Heap) pagesFor(size uint64, aligned bool) (uint64, uint, error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero size", ErrInvalidSize)
	}

	unit := h.spec.AllocUnit
	numPages := (size + unit - 1) / unit
	order := uint(0)

	if aligned {
		order = bitmap.OrderOf(numPages)
		numPages = 1 << order
	}

	if numPages > h.pages.Len() {
		return 0, 0, fmt.Errorf("%w: %#x bytes exceed the region",
			ErrOutOfMemory, size)
	}

	return numPages, order, nil
}

func (h *Heap) windowPages() (uint64, uint64) {
	lo := (h.currBase - h.region.Base) / h.spec.AllocUnit
	return lo, lo + h.currLen/h.spec.AllocUnit
}

func (h *Heap) findFit(numPages uint64, order uint) (uint64, bool) {
	if h.currLen == 0 {
		return 0, false
	}

	lo, hi := h.windowPages()

	return h.pages.FindFree(lo, hi, numPages, order)
}

func (h *Heap) reserve(first, numPages, size uint64) *Allocation {
	h.pages.Set(first, numPages)

	a := &Allocation{
		ID:        id.Get().Generate(),
		Addr:      h.region.Base + first*h.spec.AllocUnit,
		Size:      size,
		Len:       numPages * h.spec.AllocUnit,
		FirstPage: first,
		NumPages:  numPages,
	}
	h.allocations[a.ID] = a
	h.used += a.Len

	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosHeapAlloc,
		Item:   *a,
	})

	return a
}

// activeChunks returns the first and the last active chunk index. The window
// must not be empty.
func (h *Heap) activeChunks() (int, int) {
	return h.region.ChunkIndex(h.currBase),
		h.region.ChunkIndex(h.currBase + h.currLen - 1)
}

func (h *Heap) notify(newBase, newLen uint64) error {
	if h.notifier == nil {
		return nil
	}

	if err := h.notifier.OnResize(newBase, newLen); err != nil {
		return fmt.Errorf("%w: [%#x, +%#x): %w",
			ErrNotifierRejected, newBase, newLen, err)
	}

	return nil
}

func (h *Heap) scheduleShrinkLocked() {
	if h.spec.ShrinkDelay == 0 {
		_ = h.shrinkLocked()
		return
	}

	h.stopShrinkTimerLocked()

	gen := h.shrinkGen
	h.shrinkTimer = h.clock.AfterFunc(h.spec.ShrinkDelay, func() {
		h.delayedShrink(gen)
	})
}

func (h *Heap) stopShrinkTimerLocked() {
	h.shrinkGen++

	if h.shrinkTimer != nil {
		h.shrinkTimer.Stop()
		h.shrinkTimer = nil
	}
}

func (h *Heap) delayedShrink(gen uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed || gen != h.shrinkGen {
		return
	}

	h.shrinkTimer = nil
	_ = h.shrinkLocked()
}

func (h *Heap) resizeFailed(ev ResizeEvent, err error) {
	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosHeapResizeFailed,
		Item:   ev,
		Detail: err,
	})
}
