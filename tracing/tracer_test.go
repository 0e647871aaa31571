package tracing

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/timing"
	gomock "go.uber.org/mock/gomock"
)

type tracedDomain struct {
	hooking.HookableBase
}

func (tracedDomain) Name() string { return "Heap0" }

var _ = Describe("AverageTimeTracer", func() {
	var (
		clock  *timing.ManualClock
		domain *tracedDomain
		tracer *AverageTimeTracer
	)

	BeforeEach(func() {
		clock = timing.NewManualClock(time.Unix(0, 0))
		domain = &tracedDomain{}
		tracer = NewAverageTimeTracer(clock, KindFilter("grow"))
		CollectTrace(domain, tracer)
	})

	It("should refuse to register the same tracer twice", func() {
		Expect(func() { CollectTrace(domain, tracer) }).To(Panic())
	})

	It("should average the filtered tasks", func() {
		StartTask("1", "", domain, "grow", "chunk0", nil)
		clock.Advance(2 * time.Millisecond)
		EndTask("1", domain)

		StartTask("2", "", domain, "grow", "chunk1", nil)
		clock.Advance(4 * time.Millisecond)
		EndTask("2", domain)

		StartTask("3", "", domain, "shrink", "chunk1", nil)
		clock.Advance(100 * time.Millisecond)
		EndTask("3", domain)

		Expect(tracer.TotalCount()).To(Equal(uint64(2)))
		Expect(tracer.AverageTime()).To(Equal(3 * time.Millisecond))
		Expect(tracer.MaxTime()).To(Equal(4 * time.Millisecond))
	})

	It("should ignore domain events that carry no task", func() {
		domain.InvokeHook(hooking.HookCtx{
			Domain: domain,
			Pos:    HookPosTaskStart,
			Item:   "port0",
		})
		domain.InvokeHook(hooking.HookCtx{
			Domain: domain,
			Pos:    &hooking.HookPos{Name: "LinkState"},
			Item:   Task{ID: "1", Kind: "grow"},
		})

		Expect(tracer.TotalCount()).To(BeZero())
	})

	It("should report zero average without tasks", func() {
		Expect(tracer.AverageTime()).To(BeZero())
	})
})

var _ = Describe("DBTracer", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockDataRecorder
		clock    *timing.ManualClock
		tracer   *DBTracer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockDataRecorder(mockCtrl)
		clock = timing.NewManualClock(time.Unix(5, 0))

		backend.EXPECT().CreateTable(TraceTable, taskTableEntry{})
		tracer = NewDBTracer(clock, backend)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should write a completed task", func() {
		tracer.StartTask(Task{
			ID: "1", Kind: "link_training", What: "port0", Location: "PCIe0",
		})
		tracer.StepTask(Task{ID: "1", Steps: []TaskStep{{What: "dl_up"}}})
		clock.Advance(time.Second)

		backend.EXPECT().
			InsertData(TraceTable, gomock.Any()).
			Do(func(_ string, entry any) {
				e := entry.(taskTableEntry)
				Expect(e.ID).To(Equal("1"))
				Expect(e.StartTime).To(Equal(5.0))
				Expect(e.EndTime).To(Equal(6.0))
				Expect(e.Steps).To(Equal(1))
			})

		tracer.EndTask(Task{ID: "1"})
	})

	It("should ignore unknown tasks", func() {
		tracer.EndTask(Task{ID: "missing"})
	})

	It("should panic on incomplete tasks", func() {
		Expect(func() { tracer.StartTask(Task{ID: "1"}) }).To(Panic())
	})

	It("should flush unfinished tasks on terminate", func() {
		tracer.StartTask(Task{
			ID: "1", Kind: "k", What: "w", Location: "l",
		})

		backend.EXPECT().InsertData(TraceTable, gomock.Any())
		backend.EXPECT().Flush()

		tracer.Terminate()
	})
})
