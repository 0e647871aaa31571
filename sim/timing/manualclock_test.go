package timing

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ManualClock", func() {
	var (
		start time.Time
		clock *ManualClock
	)

	BeforeEach(func() {
		start = time.Unix(1000, 0)
		clock = NewManualClock(start)
	})

	It("should advance time on sleep without firing timers", func() {
		fired := false
		clock.AfterFunc(time.Millisecond, func() { fired = true })

		err := clock.Sleep(context.Background(), 5*time.Millisecond)

		Expect(err).ToNot(HaveOccurred())
		Expect(fired).To(BeFalse())
		Expect(clock.Now()).To(Equal(start.Add(5 * time.Millisecond)))
		Expect(clock.Slept()).To(Equal(5 * time.Millisecond))
	})

	It("should refuse to sleep on a cancelled context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := clock.Sleep(ctx, time.Second)

		Expect(err).To(MatchError(context.Canceled))
		Expect(clock.Now()).To(Equal(start))
	})

	It("should fire due timers in order on advance", func() {
		var order []int
		clock.AfterFunc(3*time.Millisecond, func() { order = append(order, 3) })
		clock.AfterFunc(1*time.Millisecond, func() { order = append(order, 1) })
		clock.AfterFunc(9*time.Millisecond, func() { order = append(order, 9) })

		clock.Advance(5 * time.Millisecond)

		Expect(order).To(Equal([]int{1, 3}))
		Expect(clock.PendingTimers()).To(Equal(1))
		Expect(clock.Now()).To(Equal(start.Add(5 * time.Millisecond)))
	})

	It("should not fire stopped timers", func() {
		fired := false
		t := clock.AfterFunc(time.Millisecond, func() { fired = true })

		Expect(t.Stop()).To(BeTrue())
		Expect(t.Stop()).To(BeFalse())

		clock.Advance(time.Second)

		Expect(fired).To(BeFalse())
	})

	It("should allow a timer callback to schedule another timer", func() {
		count := 0
		var f func()
		f = func() {
			count++
			if count < 3 {
				clock.AfterFunc(time.Millisecond, f)
			}
		}
		clock.AfterFunc(time.Millisecond, f)

		clock.Advance(10 * time.Millisecond)

		Expect(count).To(Equal(3))
	})
})
