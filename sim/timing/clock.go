// Package timing abstracts the passage of time for polling loops, retry
// backoffs and delayed work.
package timing

import (
	"context"
	"time"
)

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() time.Time
}

// A Timer is a pending function call that can be cancelled.
type Timer interface {
	// Stop cancels the call. It returns false if the call has already been
	// made or stopped.
	Stop() bool
}

// Clock is the time source used by heaps and controllers.
type Clock interface {
	TimeTeller

	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error

	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is a Clock backed by the time package.
type RealClock struct{}

// Now returns the wall clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Sleep pauses the current goroutine.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SleepRange sleeps for a duration between lo and hi. Polling loops use it
// the way drivers use a usleep_range; the upper bound is only a slack hint,
// so the lower bound is what gets slept.
func SleepRange(ctx context.Context, c Clock, lo, _ time.Duration) error {
	return c.Sleep(ctx, lo)
}
