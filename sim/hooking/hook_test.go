package hooking

import (
	"bytes"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type namedDomain struct {
	HookableBase
}

func (d *namedDomain) Name() string { return "Heap0" }

type countingHook struct {
	count int
}

func (h *countingHook) Func(_ HookCtx) { h.count++ }

var _ = Describe("HookableBase", func() {
	var (
		domain *namedDomain
	)

	BeforeEach(func() {
		domain = &namedDomain{}
	})

	It("should invoke all hooks", func() {
		h1 := &countingHook{}
		h2 := &countingHook{}
		domain.AcceptHook(h1)
		domain.AcceptHook(h2)

		domain.InvokeHook(HookCtx{Domain: domain})

		Expect(domain.NumHooks()).To(Equal(2))
		Expect(h1.count).To(Equal(1))
		Expect(h2.count).To(Equal(1))
	})

	It("should panic on duplicated hook", func() {
		h := &countingHook{}
		domain.AcceptHook(h)

		Expect(func() { domain.AcceptHook(h) }).To(Panic())
	})

	It("should accept hook funcs", func() {
		called := 0
		domain.AcceptHook(HookFunc(func(HookCtx) { called++ }))
		domain.AcceptHook(HookFunc(func(HookCtx) { called++ }))

		domain.InvokeHook(HookCtx{Domain: domain})

		Expect(called).To(Equal(2))
	})
})

var _ = Describe("LogHook", func() {
	var (
		buf    *bytes.Buffer
		domain *namedDomain
		posA   = &HookPos{Name: "A"}
		posB   = &HookPos{Name: "B"}
	)

	BeforeEach(func() {
		buf = new(bytes.Buffer)
		domain = &namedDomain{}
	})

	It("should print the domain name and position", func() {
		h := NewLogHook(log.New(buf, "", 0))

		h.Func(HookCtx{Domain: domain, Pos: posA, Item: 42})

		Expect(buf.String()).To(Equal("Heap0 A: 42\n"))
	})

	It("should filter positions", func() {
		h := NewLogHook(log.New(buf, "", 0), posB)

		h.Func(HookCtx{Domain: domain, Pos: posA, Item: 1})
		h.Func(HookCtx{Domain: domain, Pos: posB, Item: 2, Detail: "x"})

		Expect(buf.String()).To(Equal("Heap0 B: 2 (x)\n"))
	})
})
