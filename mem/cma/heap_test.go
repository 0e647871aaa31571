package cma

import (
	"context"
	"errors"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/tegrahost/mem/cma/simcma"
	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/timing"
	gomock "go.uber.org/mock/gomock"
)

const (
	page = uint64(4096)
	mb   = uint64(1 << 20)
	base = uint64(0x8000_0000)
)

type boundsLog struct {
	calls  [][2]uint64
	reject bool
}

func (l *boundsLog) OnResize(newBase, newLen uint64) error {
	l.calls = append(l.calls, [2]uint64{newBase, newLen})
	if l.reject {
		return errors.New("protected region busy")
	}

	return nil
}

// shrinkRefuser accepts growing bounds and rejects any smaller window.
type shrinkRefuser struct {
	accepted uint64
}

func (r *shrinkRefuser) OnResize(_, newLen uint64) error {
	if newLen < r.accepted {
		return errors.New("window still mapped")
	}

	r.accepted = newLen

	return nil
}

func (l *boundsLog) last() [2]uint64 {
	return l.calls[len(l.calls)-1]
}

var _ = Describe("Region", func() {
	It("should split the remainder into a short last chunk", func() {
		r, err := NewRegion(base, 3*mb+mb/2, mb)

		Expect(err).NotTo(HaveOccurred())
		Expect(r.NumChunks).To(Equal(4))
		Expect(r.RemChunkSize).To(Equal(mb / 2))
		Expect(r.ChunkLen(3)).To(Equal(mb / 2))
		Expect(r.ChunkLen(2)).To(Equal(mb))
		Expect(r.ChunkIndex(base + 2*mb + 5)).To(Equal(2))
	})

	It("should refuse a region smaller than a chunk", func() {
		_, err := NewRegion(base, mb/2, mb)

		Expect(err).To(MatchError(ErrConfig))
	})
})

var _ = Describe("Builder", func() {
	It("should require an allocator", func() {
		_, err := MakeBuilder().
			WithRegion(base, 4*mb).
			WithChunkSize(mb).
			Build("Heap")

		Expect(err).To(MatchError(ErrConfig))
	})

	It("should require chunks made of whole pages", func() {
		_, err := MakeBuilder().
			WithRegion(base, 4*mb).
			WithChunkSize(mb + 1).
			WithAllocator(simcma.New(base, 4*mb, page)).
			Build("Heap")

		Expect(err).To(MatchError(ErrConfig))
	})

	It("should grow to the initial floor", func() {
		h, err := MakeBuilder().
			WithRegion(base, 4*mb).
			WithChunkSize(mb).
			WithFloor(2 * mb).
			WithAllocator(simcma.New(base, 4*mb, page)).
			Build("Heap")

		Expect(err).NotTo(HaveOccurred())
		Expect(h.Stats().CapacityActive).To(Equal(2 * mb))
		Expect(h.Floor()).To(Equal(2 * mb))
	})
})

var _ = Describe("Heap", func() {
	var (
		ctx      context.Context
		clock    *timing.ManualClock
		backing  *simcma.CMA
		notifier *boundsLog
		heap     *Heap
	)

	build := func(size uint64, b Builder) *Heap {
		backing = simcma.New(base, size, page)

		h, err := b.
			WithRegion(base, size).
			WithChunkSize(mb).
			WithAllocator(backing).
			WithNotifier(notifier).
			WithClock(clock).
			Build("Heap")
		Expect(err).NotTo(HaveOccurred())

		return h
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = timing.NewManualClock(time.Unix(0, 0))
		notifier = &boundsLog{}
	})

	Context("with four 1MB chunks", func() {
		BeforeEach(func() {
			heap = build(4*mb, MakeBuilder())
		})

		It("should grow two chunks for 1.5MB and shrink to zero on release", func() {
			a, err := heap.Allocate(ctx, mb+mb/2, AllocAttrs{})

			Expect(err).NotTo(HaveOccurred())
			Expect(a.Addr).To(Equal(base))
			Expect(heap.Stats().CapacityActive).To(Equal(2 * mb))
			Expect(heap.Stats().ActiveChunks).To(Equal(2))
			Expect(notifier.last()).To(Equal([2]uint64{base, 2 * mb}))

			Expect(heap.Release(a)).To(Succeed())

			Expect(heap.Stats().CapacityActive).To(BeZero())
			Expect(heap.Stats().Used).To(BeZero())
			Expect(backing.Allocated()).To(BeZero())
			Expect(notifier.last()).To(Equal([2]uint64{base, 0}))
		})

		It("should align allocations to their order on request", func() {
			a, _ := heap.Allocate(ctx, page, AllocAttrs{Aligned: true})
			b, _ := heap.Allocate(ctx, 3*page, AllocAttrs{Aligned: true})
			c, _ := heap.Allocate(ctx, 3*page, AllocAttrs{})

			Expect(a.Addr).To(Equal(base))
			Expect(b.Addr).To(Equal(base + 4*page))
			Expect(b.Len).To(Equal(4 * page))
			Expect(c.Addr).To(Equal(base + page))
			Expect(c.Len).To(Equal(3 * page))
			Expect(heap.Stats().Used).To(Equal(8 * page))
		})

		It("should return to zero after growing to a floor and dropping it", func() {
			Expect(heap.SetFloor(ctx, 3*mb)).To(Succeed())
			Expect(heap.Stats().CapacityActive).To(Equal(3 * mb))

			Expect(heap.Shrink()).To(Succeed())
			Expect(heap.Stats().CapacityActive).To(Equal(3 * mb))

			Expect(heap.SetFloor(ctx, 0)).To(Succeed())
			Expect(heap.Stats().CapacityActive).To(BeZero())
			Expect(backing.Allocated()).To(BeZero())
		})

		It("should keep the window at the floor across releases", func() {
			Expect(heap.SetFloor(ctx, 2*mb)).To(Succeed())

			for i := 0; i < 10; i++ {
				a, err := heap.Allocate(ctx, mb+mb/2, AllocAttrs{})
				Expect(err).NotTo(HaveOccurred())
				Expect(heap.Stats().CapacityActive).To(BeNumerically(">=", 2*mb))

				Expect(heap.Release(a)).To(Succeed())
				Expect(heap.Stats().CapacityActive).To(Equal(2 * mb))
			}
		})

		It("should refuse unknown allocations", func() {
			a, err := heap.Allocate(ctx, page, AllocAttrs{})
			Expect(err).NotTo(HaveOccurred())
			Expect(heap.Release(a)).To(Succeed())

			Expect(heap.Release(a)).To(MatchError(ErrInvalidAllocation))
			Expect(heap.Release(nil)).To(MatchError(ErrInvalidAllocation))
		})

		It("should refuse zero sized and oversized requests", func() {
			_, err := heap.Allocate(ctx, 0, AllocAttrs{})
			Expect(err).To(MatchError(ErrInvalidSize))

			_, err = heap.Allocate(ctx, 5*mb, AllocAttrs{})
			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(backing.Calls()).To(BeEmpty())
		})

		It("should report out of memory when every chunk is full", func() {
			_, err := heap.Allocate(ctx, 4*mb, AllocAttrs{})
			Expect(err).NotTo(HaveOccurred())

			_, err = heap.Allocate(ctx, page, AllocAttrs{})
			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(heap.Stats().CapacityActive).To(Equal(4 * mb))
		})

		It("should place allocations at an address inside the window", func() {
			Expect(heap.SetFloor(ctx, mb)).To(Succeed())

			a, err := heap.AllocateAt(ctx, base+8*page, 2*page)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Addr).To(Equal(base + 8*page))

			_, err = heap.AllocateAt(ctx, base+9*page, page)
			Expect(err).To(MatchError(ErrOutOfMemory))

			_, err = heap.AllocateAt(ctx, base+2*mb, page)
			Expect(err).To(MatchError(ErrOutOfMemory))
		})

		It("should leave the heap empty when the notifier rejects growth", func() {
			notifier.reject = true

			_, err := heap.Allocate(ctx, page, AllocAttrs{})

			Expect(err).To(MatchError(ErrNotifierRejected))
			Expect(heap.Stats().CapacityActive).To(BeZero())
			Expect(backing.Allocated()).To(BeZero())
		})

		It("should keep the window when the notifier rejects shrinking", func() {
			var failures []ResizeEvent
			heap.AcceptHook(hooking.HookFunc(func(hc hooking.HookCtx) {
				if hc.Pos == HookPosHeapResizeFailed {
					failures = append(failures, hc.Item.(ResizeEvent))
				}
			}))

			a, err := heap.Allocate(ctx, page, AllocAttrs{})
			Expect(err).NotTo(HaveOccurred())

			notifier.reject = true
			Expect(heap.Release(a)).To(Succeed())

			Expect(heap.Stats().CapacityActive).To(Equal(mb))
			Expect(failures).To(HaveLen(1))
			Expect(failures[0].Chunks).To(Equal([]int{0}))

			notifier.reject = false
			Expect(heap.Shrink()).To(Succeed())
			Expect(heap.Stats().CapacityActive).To(BeZero())
		})

		It("should retry misplaced chunks with backoff", func() {
			backing.InjectMisplacements(2)

			a, err := heap.Allocate(ctx, page, AllocAttrs{})

			Expect(err).NotTo(HaveOccurred())
			Expect(a.Addr).To(Equal(base))
			Expect(clock.Slept()).To(Equal(300 * time.Microsecond))
			Expect(backing.Allocated()).To(Equal(mb))
		})

		It("should roll back a floor that cannot be reached", func() {
			Expect(backing.Pin(base+2*mb, mb)).To(Succeed())

			err := heap.SetFloor(ctx, 4*mb)

			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(heap.Floor()).To(BeZero())
			Expect(heap.Stats().CapacityActive).To(BeZero())
			Expect(backing.Allocated()).To(BeZero())
			Expect(notifier.last()).To(Equal([2]uint64{base, 0}))
		})

		It("should free grown chunks when the notifier rejects the rollback", func() {
			heap.notifier = &shrinkRefuser{}
			Expect(backing.Pin(base+2*mb, mb)).To(Succeed())

			var failures []ResizeEvent
			heap.AcceptHook(hooking.HookFunc(func(hc hooking.HookCtx) {
				if hc.Pos == HookPosHeapResizeFailed {
					failures = append(failures, hc.Item.(ResizeEvent))
				}
			}))

			_, err := heap.Allocate(ctx, 3*mb, AllocAttrs{})

			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(heap.Stats().CapacityActive).To(BeZero())
			Expect(heap.Stats().ActiveChunks).To(BeZero())
			Expect(backing.Allocated()).To(BeZero())
			Expect(failures).NotTo(BeEmpty())
			Expect(failures[len(failures)-1].NewLen).To(BeZero())
		})

		It("should stop growing when cancelled", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := heap.Allocate(cancelled, page, AllocAttrs{})

			Expect(err).To(MatchError(context.Canceled))
			Expect(backing.Calls()).To(BeEmpty())
		})

		It("should report heap events through hooks", func() {
			var positions []*hooking.HookPos
			heapPos := map[*hooking.HookPos]bool{
				HookPosHeapGrow:   true,
				HookPosHeapShrink: true,
				HookPosHeapAlloc:  true,
				HookPosHeapFree:   true,
			}
			heap.AcceptHook(hooking.HookFunc(func(hc hooking.HookCtx) {
				if heapPos[hc.Pos] {
					positions = append(positions, hc.Pos)
				}
			}))

			a, _ := heap.Allocate(ctx, page, AllocAttrs{})
			Expect(heap.Release(a)).To(Succeed())

			Expect(positions).To(Equal([]*hooking.HookPos{
				HookPosHeapGrow,
				HookPosHeapAlloc,
				HookPosHeapFree,
				HookPosHeapShrink,
			}))
		})

		It("should only close when idle", func() {
			a, _ := heap.Allocate(ctx, page, AllocAttrs{})

			Expect(heap.Close()).To(MatchError(ErrBusy))

			Expect(heap.Release(a)).To(Succeed())
			Expect(heap.SetFloor(ctx, mb)).To(Succeed())
			Expect(heap.Close()).To(Succeed())
			Expect(backing.Allocated()).To(BeZero())
			Expect(heap.Close()).To(Succeed())

			_, err := heap.Allocate(ctx, page, AllocAttrs{})
			Expect(err).To(MatchError(ErrClosed))
		})
	})

	Context("with five 1MB chunks", func() {
		BeforeEach(func() {
			heap = build(5*mb, MakeBuilder())
		})

		It("should prefer the chunk below the window", func() {
			Expect(heap.SetFloor(ctx, 4*mb)).To(Succeed())
			for _, addr := range []uint64{base + mb, base + 2*mb, base + 3*mb} {
				_, err := heap.AllocateAt(ctx, addr, page)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(heap.SetFloor(ctx, 0)).To(Succeed())
			Expect(heap.Stats().CurrBase).To(Equal(base + mb))
			Expect(heap.Stats().ActiveChunks).To(Equal(3))

			a, err := heap.Allocate(ctx, mb, AllocAttrs{})

			Expect(err).NotTo(HaveOccurred())
			Expect(a.Addr).To(Equal(base))
			Expect(heap.Stats().CurrBase).To(Equal(base))
			Expect(heap.Stats().CapacityActive).To(Equal(4 * mb))
			Expect(notifier.last()).To(Equal([2]uint64{base, 4 * mb}))
		})
	})

	Context("with three 1MB chunks", func() {
		BeforeEach(func() {
			heap = build(3*mb, MakeBuilder())
		})

		It("should fit a request that takes the whole region", func() {
			a, err := heap.Allocate(ctx, 3*mb, AllocAttrs{})

			Expect(err).NotTo(HaveOccurred())
			Expect(a.Addr).To(Equal(base))
			Expect(a.Len).To(Equal(3 * mb))
			Expect(heap.Stats().Used).To(Equal(3 * mb))
			Expect(heap.Stats().ActiveChunks).To(Equal(3))
		})

		It("should take only the pages a request needs", func() {
			a, err := heap.Allocate(ctx, mb+page+1, AllocAttrs{})

			Expect(err).NotTo(HaveOccurred())
			Expect(a.Len).To(Equal(mb + 2*page))
			Expect(heap.Stats().CapacityActive).To(Equal(2 * mb))

			_, err = heap.Allocate(ctx, 3*mb, AllocAttrs{Aligned: true})
			Expect(err).To(MatchError(ErrOutOfMemory))
		})
	})

	Context("with a short last chunk", func() {
		BeforeEach(func() {
			heap = build(3*mb+mb/2, MakeBuilder())
		})

		It("should clamp the floor and grow into the remainder", func() {
			Expect(heap.SetFloor(ctx, 10*mb)).To(Succeed())

			Expect(heap.Stats().CapacityActive).To(Equal(3*mb + mb/2))
			Expect(heap.Stats().ActiveChunks).To(Equal(4))
			Expect(heap.Floor()).To(Equal(3*mb + mb/2))
		})
	})

	Context("with a shrink delay", func() {
		BeforeEach(func() {
			heap = build(4*mb, MakeBuilder().WithShrinkDelay(10*time.Millisecond))
		})

		It("should coalesce shrink passes", func() {
			a, _ := heap.Allocate(ctx, page, AllocAttrs{})
			b, _ := heap.Allocate(ctx, page, AllocAttrs{})

			Expect(heap.Release(a)).To(Succeed())
			clock.Advance(5 * time.Millisecond)
			Expect(heap.Release(b)).To(Succeed())
			clock.Advance(6 * time.Millisecond)

			Expect(heap.Stats().CapacityActive).To(Equal(mb))
			Expect(clock.PendingTimers()).To(Equal(1))

			clock.Advance(5 * time.Millisecond)

			Expect(heap.Stats().CapacityActive).To(BeZero())
			Expect(clock.PendingTimers()).To(BeZero())
		})
	})

	Context("with random traffic", func() {
		BeforeEach(func() {
			heap = build(8*mb, MakeBuilder())
		})

		It("should never hand out overlapping blocks", func() {
			rng := rand.New(rand.NewSource(7))
			var live []*Allocation

			for i := 0; i < 400; i++ {
				if len(live) > 0 && rng.Intn(3) == 0 {
					idx := rng.Intn(len(live))
					Expect(heap.Release(live[idx])).To(Succeed())
					live = append(live[:idx], live[idx+1:]...)
				} else {
					size := uint64(rng.Intn(300*1024) + 1)
					aligned := rng.Intn(2) == 0

					a, err := heap.Allocate(ctx, size, AllocAttrs{Aligned: aligned})
					if err != nil {
						Expect(err).To(MatchError(ErrOutOfMemory))
						continue
					}

					if aligned {
						Expect((a.Addr - base) % a.Len).To(BeZero())
					}

					live = append(live, a)
				}

				expectConsistent(heap, len(live))
			}
		})
	})

	Context("with a mocked allocator", func() {
		var (
			mockCtrl  *gomock.Controller
			allocator *MockContiguousAllocator
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			allocator = NewMockContiguousAllocator(mockCtrl)

			var err error
			heap, err = MakeBuilder().
				WithRegion(base, 4*mb).
				WithChunkSize(mb).
				WithAllocator(allocator).
				WithClock(clock).
				Build("Heap")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should give up after the retry budget", func() {
			allocator.EXPECT().
				AllocAt(base, mb).
				Return(base+mb, nil).
				Times(3)
			allocator.EXPECT().
				Free(base+mb, mb).
				Times(3)

			_, err := heap.Allocate(ctx, page, AllocAttrs{})

			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(clock.Slept()).To(Equal(300 * time.Microsecond))
		})

		It("should notify before the new window is used", func() {
			n := NewMockResizeNotifier(mockCtrl)
			heap.notifier = n

			allocator.EXPECT().AllocAt(base, mb).Return(base, nil)
			allocator.EXPECT().Free(base, mb)
			n.EXPECT().OnResize(base, mb).Return(errors.New("busy"))

			_, err := heap.Allocate(ctx, page, AllocAttrs{})

			Expect(err).To(MatchError(ErrNotifierRejected))
		})
	})
})

func expectConsistent(h *Heap, numLive int) {
	s := h.Stats()
	r := h.Region()

	Expect((s.CurrBase - r.Base) % r.ChunkSize).To(BeZero())

	end := s.CurrBase + s.CapacityActive
	Expect(end == r.End() || (end-r.Base)%r.ChunkSize == 0).To(BeTrue())

	list := h.Allocations()
	Expect(list).To(HaveLen(numLive))

	for i, a := range list {
		Expect(a.Addr).To(BeNumerically(">=", s.CurrBase))
		Expect(a.Addr + a.Len).To(BeNumerically("<=", end))

		if i > 0 {
			prev := list[i-1]
			Expect(prev.Addr + prev.Len).To(BeNumerically("<=", a.Addr))
		}
	}
}
