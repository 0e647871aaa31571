package timing

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// A ManualClock is a Clock whose time only moves when told to. Sleep moves
// time forward without running timers, so a caller holding a lock never runs
// a timer callback that needs the same lock. Advance moves time forward and
// runs every timer that became due, in time order, outside the clock lock.
type ManualClock struct {
	lock   sync.Mutex
	now    time.Time
	queue  timerHeap
	nextID uint64

	slept time.Duration
}

// NewManualClock creates a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	c := &ManualClock{now: start}
	heap.Init(&c.queue)

	return c
}

// Now returns the virtual time.
func (c *ManualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now
}

// Slept returns how much time has been consumed by Sleep calls.
func (c *ManualClock) Slept() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.slept
}

// Sleep advances the virtual time by d without running timers.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}

	return nil
}

// AfterFunc schedules f to be called once the virtual time reaches now+d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.nextID++
	t := &manualTimer{
		clock: c,
		id:    c.nextID,
		when:  c.now.Add(d),
		f:     f,
	}
	heap.Push(&c.queue, t)

	return t
}

// Advance moves the virtual time forward by d and runs the timers that
// became due.
func (c *ManualClock) Advance(d time.Duration) {
	c.lock.Lock()
	target := c.now.Add(d)
	c.lock.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}

		t.f()
	}

	c.lock.Lock()
	if c.now.Before(target) {
		c.now = target
	}
	c.lock.Unlock()
}

// PendingTimers returns the number of timers that have not fired or been
// stopped.
func (c *ManualClock) PendingTimers() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.queue.Len()
}

func (c *ManualClock) popDue(target time.Time) *manualTimer {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.queue.Len() == 0 {
		return nil
	}

	next := c.queue[0]
	if next.when.After(target) {
		return nil
	}

	heap.Pop(&c.queue)

	if next.when.After(c.now) {
		c.now = next.when
	}

	return next
}

func (c *ManualClock) stop(t *manualTimer) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if t.index < 0 {
		return false
	}

	heap.Remove(&c.queue, t.index)

	return true
}

type manualTimer struct {
	clock *ManualClock
	id    uint64
	when  time.Time
	f     func()
	index int
}

// Stop removes the timer from the clock queue.
func (t *manualTimer) Stop() bool {
	return t.clock.stop(t)
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int {
	return len(h)
}

// Less orders timers by due time, and by creation order for equal times.
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}

	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]

	return t
}
