// Package simcma provides an in-memory contiguous memory allocator that heaps
// can run against without real hardware.
package simcma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/tegrahost/mem/bitmap"
)

var (
	// ErrNoSpace is returned when no free run is large enough.
	ErrNoSpace = errors.New("simcma: no contiguous space")

	// ErrNotAllocated is recorded when a range that is not allocated is
	// freed.
	ErrNotAllocated = errors.New("simcma: range not allocated")
)

// A Call is one recorded allocator call.
type Call struct {
	Op     string
	Base   uint64
	Length uint64
	Addr   uint64
	Err    error
}

// CMA is a page granular allocator over a physical range. Pages can be pinned
// to model foreign users of the area, and requests can be forced to land
// somewhere else than asked for.
type CMA struct {
	lock      sync.Mutex
	base      uint64
	pageSize  uint64
	pages     *bitmap.Bitmap
	pinned    *bitmap.Bitmap
	misplace  int
	allocated uint64
	calls     []Call
}

// New creates an allocator for [base, base+size).
func New(base, size, pageSize uint64) *CMA {
	if pageSize == 0 || size%pageSize != 0 || base%pageSize != 0 {
		panic(fmt.Sprintf("simcma: [%#x, +%#x) is not aligned to %#x",
			base, size, pageSize))
	}

	n := size / pageSize

	return &CMA{
		base:     base,
		pageSize: pageSize,
		pages:    bitmap.New(n),
		pinned:   bitmap.New(n),
	}
}

// Pin marks a range as used by someone else.
func (c *CMA) Pin(addr, length uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	first, n, err := c.pageRange(addr, length)
	if err != nil {
		return err
	}

	if !c.pages.IsRangeFree(first, n) {
		return fmt.Errorf("%w: [%#x, +%#x) is in use", ErrNoSpace, addr, length)
	}

	c.pages.Set(first, n)
	c.pinned.Set(first, n)

	return nil
}

// Unpin releases a pinned range.
func (c *CMA) Unpin(addr, length uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	first, n, err := c.pageRange(addr, length)
	if err != nil {
		return
	}

	for i := first; i < first+n; i++ {
		if c.pinned.Test(i) {
			c.pinned.Clear(i, 1)
			c.pages.Clear(i, 1)
		}
	}
}

// InjectMisplacements makes the next n satisfiable AllocAt calls return a
// block at a different address whenever another free run exists.
func (c *CMA) InjectMisplacements(n int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.misplace = n
}

// AllocAt allocates length bytes at base when possible, and otherwise at the
// first free run that is large enough.
func (c *CMA) AllocAt(base, length uint64) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	call := Call{Op: "alloc", Base: base, Length: length}

	addr, err := c.allocAt(base, length)
	call.Addr, call.Err = addr, err
	c.calls = append(c.calls, call)

	return addr, err
}

func (c *CMA) allocAt(base, length uint64) (uint64, error) {
	first, n, err := c.pageRange(base, length)
	if err != nil {
		return 0, err
	}

	want := c.pages.IsRangeFree(first, n)

	if c.misplace > 0 || !want {
		if other, ok := c.findElsewhere(first, n); ok {
			if want {
				c.misplace--
			}

			return c.take(other, n), nil
		}
	}

	if !want {
		return 0, fmt.Errorf("%w: %#x bytes", ErrNoSpace, length)
	}

	return c.take(first, n), nil
}

func (c *CMA) findElsewhere(avoid, n uint64) (uint64, bool) {
	start, ok := c.pages.FindFree(0, c.pages.Len(), n, 0)
	if ok && start == avoid {
		start, ok = c.pages.FindFree(avoid+1, c.pages.Len(), n, 0)
	}

	return start, ok
}

func (c *CMA) take(first, n uint64) uint64 {
	c.pages.Set(first, n)
	c.allocated += n * c.pageSize

	return c.base + first*c.pageSize
}

// Free releases a block returned by AllocAt.
func (c *CMA) Free(base, length uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	call := Call{Op: "free", Base: base, Length: length, Addr: base}
	defer func() { c.calls = append(c.calls, call) }()

	first, n, err := c.pageRange(base, length)
	if err != nil {
		call.Err = err
		return
	}

	if c.pages.Count(first, first+n) != n || c.pinned.Count(first, first+n) != 0 {
		call.Err = fmt.Errorf("%w: [%#x, +%#x)", ErrNotAllocated, base, length)
		return
	}

	c.pages.Clear(first, n)
	c.allocated -= n * c.pageSize
}

// Calls returns every recorded call in order.
func (c *CMA) Calls() []Call {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]Call(nil), c.calls...)
}

// Allocated returns the number of bytes handed out by AllocAt and not freed.
func (c *CMA) Allocated() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.allocated
}

func (c *CMA) pageRange(addr, length uint64) (uint64, uint64, error) {
	if length == 0 || addr%c.pageSize != 0 || length%c.pageSize != 0 {
		return 0, 0, fmt.Errorf("simcma: [%#x, +%#x) is not page aligned",
			addr, length)
	}

	end := c.base + c.pages.Len()*c.pageSize
	if addr < c.base || addr+length > end {
		return 0, 0, fmt.Errorf("%w: [%#x, +%#x) is outside the area",
			ErrNoSpace, addr, length)
	}

	return (addr - c.base) / c.pageSize, length / c.pageSize, nil
}
