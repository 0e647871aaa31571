package cma

import (
	"context"
	"fmt"

	"github.com/jpillora/backoff"
	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/id"
	"github.com/sarchlab/tegrahost/tracing"
)

// nextGrowChunk picks the chunk that extends the window. The chunk below the
// window is preferred over the chunk above it.
func (h *Heap) nextGrowChunk() (int, bool) {
	if h.currLen == 0 {
		return 0, true
	}

	first, last := h.activeChunks()

	if first > 0 {
		return first - 1, true
	}

	if last < h.region.NumChunks-1 {
		return last + 1, true
	}

	return 0, false
}

// growLocked extends the window by one chunk. Either the chunk is claimed and
// the notifier accepted the new bounds, or nothing changes.
func (h *Heap) growLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	idx, ok := h.nextGrowChunk()
	if !ok {
		return fmt.Errorf("%w: all %d chunks are active",
			ErrOutOfMemory, h.region.NumChunks)
	}

	base, length := h.region.ChunkBase(idx), h.region.ChunkLen(idx)

	newBase, newLen := h.currBase, h.currLen+length
	if h.currLen == 0 || base < h.currBase {
		newBase = base
	}

	ev := ResizeEvent{
		OldBase: h.currBase,
		OldLen:  h.currLen,
		NewBase: newBase,
		NewLen:  newLen,
		Chunks:  []int{idx},
	}

	taskID := id.Get().Generate()
	tracing.StartTask(taskID, "", h, "heap", "grow", ev)
	defer tracing.EndTask(taskID, h)

	if err := h.allocChunk(ctx, taskID, base, length); err != nil {
		h.resizeFailed(ev, err)
		return err
	}

	if err := h.notify(newBase, newLen); err != nil {
		h.allocator.Free(base, length)
		h.resizeFailed(ev, err)

		return err
	}

	h.currBase, h.currLen = newBase, newLen

	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosHeapGrow,
		Item:   ev,
	})

	return nil
}

// allocChunk claims [base, base+length) from the contiguous allocator. A
// block placed elsewhere is handed back and the request is retried.
func (h *Heap) allocChunk(
	ctx context.Context,
	taskID string,
	base, length uint64,
) error {
	b := &backoff.Backoff{
		Min:    h.spec.RetryBackoffMin,
		Max:    h.spec.RetryBackoffMax,
		Factor: 2,
	}

	for attempt := 1; ; attempt++ {
		addr, err := h.allocator.AllocAt(base, length)

		switch {
		case err != nil:
		case addr != base:
			h.allocator.Free(addr, length)
			err = fmt.Errorf("placed at %#x", addr)
		default:
			return nil
		}

		if attempt >= h.spec.MaxAllocRetries {
			return fmt.Errorf("%w: chunk [%#x, +%#x) after %d attempts: %w",
				ErrOutOfMemory, base, length, attempt, err)
		}

		tracing.AddTaskStep(taskID, h, "retry")

		if err := h.clock.Sleep(ctx, b.Duration()); err != nil {
			return err
		}
	}
}

type chunkProbe struct {
	idx       int
	firstPage uint64
	numPages  uint64
}

// probeChunk reserves every page of chunk idx in the page bitmap. It succeeds
// only when the chunk holds no allocation and releasing it keeps a window of
// windowLen at or above the floor.
func (h *Heap) probeChunk(idx int, windowLen uint64) (chunkProbe, bool) {
	length := h.region.ChunkLen(idx)
	if windowLen-length < h.floor {
		return chunkProbe{}, false
	}

	p := chunkProbe{
		idx:       idx,
		firstPage: (h.region.ChunkBase(idx) - h.region.Base) / h.spec.AllocUnit,
		numPages:  length / h.spec.AllocUnit,
	}

	if !h.pages.IsRangeFree(p.firstPage, p.numPages) {
		return chunkProbe{}, false
	}

	h.pages.Set(p.firstPage, p.numPages)

	return p, true
}

// shrinkLocked releases free chunks at both edges of the window. The notifier
// is asked once for the final bounds.
func (h *Heap) shrinkLocked() error {
	if h.currLen == 0 {
		return nil
	}

	newBase, newLen := h.currBase, h.currLen

	var probes []chunkProbe

	for newLen > 0 {
		lo := h.region.ChunkIndex(newBase)
		if p, ok := h.probeChunk(lo, newLen); ok {
			probes = append(probes, p)
			newBase += h.region.ChunkLen(lo)
			newLen -= h.region.ChunkLen(lo)

			continue
		}

		hi := h.region.ChunkIndex(newBase + newLen - 1)
		if hi == lo {
			break
		}

		if p, ok := h.probeChunk(hi, newLen); ok {
			probes = append(probes, p)
			newLen -= h.region.ChunkLen(hi)

			continue
		}

		break
	}

	if len(probes) == 0 {
		return nil
	}

	if newLen == 0 {
		newBase = h.region.Base
	}

	for _, p := range probes {
		h.pages.Clear(p.firstPage, p.numPages)
	}

	if err := h.notify(newBase, newLen); err != nil {
		h.resizeFailed(ResizeEvent{
			OldBase: h.currBase,
			OldLen:  h.currLen,
			NewBase: newBase,
			NewLen:  newLen,
			Chunks:  probedChunks(probes),
		}, err)

		return err
	}

	h.releaseOutsideLocked(newBase, newLen)

	return nil
}

func probedChunks(probes []chunkProbe) []int {
	chunks := make([]int, len(probes))
	for i, p := range probes {
		chunks[i] = p.idx
	}

	return chunks
}

// rollbackLocked returns the window to [origBase, origBase+origLen) after a
// failed multi-chunk growth. Only chunks grown since are released and those
// hold no allocation, so they are freed even when the notifier rejects the
// restored bounds. The rejection is reported through HookPosHeapResizeFailed.
func (h *Heap) rollbackLocked(origBase, origLen uint64) {
	if h.currBase == origBase && h.currLen == origLen {
		return
	}

	if err := h.notify(origBase, origLen); err != nil {
		h.resizeFailed(ResizeEvent{
			OldBase: h.currBase,
			OldLen:  h.currLen,
			NewBase: origBase,
			NewLen:  origLen,
		}, err)
	}

	h.releaseOutsideLocked(origBase, origLen)
}

// releaseOutsideLocked frees every active chunk outside the kept range and
// makes the kept range the window.
func (h *Heap) releaseOutsideLocked(keepBase, keepLen uint64) {
	ev := ResizeEvent{
		OldBase: h.currBase,
		OldLen:  h.currLen,
		NewBase: keepBase,
		NewLen:  keepLen,
	}

	first, last := h.activeChunks()
	for idx := first; idx <= last; idx++ {
		base := h.region.ChunkBase(idx)
		if keepLen > 0 && base >= keepBase && base < keepBase+keepLen {
			continue
		}

		h.allocator.Free(base, h.region.ChunkLen(idx))
		ev.Chunks = append(ev.Chunks, idx)
	}

	h.currBase, h.currLen = keepBase, keepLen

	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosHeapShrink,
		Item:   ev,
	})
}
