package pcie_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/tegrahost/pcie"
	"github.com/sarchlab/tegrahost/pcie/simhw"
	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/timing"
)

var _ = Describe("Power management and hotplug", func() {
	var (
		ctx   context.Context
		clock *timing.ManualClock
		board *simhw.Board
		c     *pcie.Controller
	)

	bringUp := func() {
		c = buildController(clock,
			board.Wire(pcie.MakeBuilder()).WithGeneration(pcie.Tegra210),
			board.PortConfig(0, 4), board.PortConfig(1, 1))

		Expect(c.PowerOn(ctx)).To(Succeed())
		_, err := c.BringUpPorts(ctx)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = timing.NewManualClock(time.Unix(0, 0))
		board = simhw.NewBoard(4, 1)
	})

	Context("when suspending", func() {
		It("should power down and bring the ports back on resume", func() {
			board.Attach(0, gen1Card(4, 1))
			board.Attach(1, gen1Card(1, 1))
			bringUp()

			Expect(c.Suspend(ctx)).To(Succeed())

			Expect(c.PowerState()).To(Equal(pcie.PowerOff))
			for _, rail := range tegra210Rails {
				Expect(board.Regulators.IsEnabled(rail)).To(BeFalse())
			}
			for _, p := range c.Ports() {
				Expect(p.State).To(Equal(pcie.LinkDownResetAsserted))
			}
			Expect(board.LinkUp(0)).To(BeFalse())

			Expect(c.Resume(ctx)).To(Succeed())

			Expect(c.PowerState()).To(Equal(pcie.PowerLinkEnabled))
			for _, p := range c.Ports() {
				Expect(p.State).To(Equal(pcie.LinkUp))
			}
			Expect(board.ResetCycles(0)).To(Equal(2))
			Expect(board.Regulators.EnableCount("hvddio-pex")).To(Equal(2))
		})

		It("should not retry a permanently down port on resume", func() {
			board.Attach(0, gen1Card(4, 1))
			board.Attach(1, gen1Card(1, 0))
			bringUp()

			Expect(c.Ports()[1].State).To(Equal(pcie.LinkDownPermanent))
			Expect(board.ResetCycles(1)).To(Equal(3))

			Expect(c.Suspend(ctx)).To(Succeed())
			Expect(c.Ports()[0].State).To(Equal(pcie.LinkDownResetAsserted))
			Expect(c.Ports()[1].State).To(Equal(pcie.LinkDownPermanent))

			Expect(c.Resume(ctx)).To(Succeed())

			Expect(c.Ports()[0].State).To(Equal(pcie.LinkUp))
			Expect(c.Ports()[1].State).To(Equal(pcie.LinkDownPermanent))
			Expect(board.ResetCycles(0)).To(Equal(2))
			Expect(board.ResetCycles(1)).To(Equal(3))
		})

		It("should leave the ports alone on a second bring-up", func() {
			board.Attach(0, gen1Card(4, 1))
			board.Attach(1, gen1Card(1, 0))
			bringUp()

			n, err := c.BringUpPorts(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(c.Ports()[0].State).To(Equal(pcie.LinkUp))
			Expect(c.Ports()[1].State).To(Equal(pcie.LinkDownPermanent))
			Expect(board.ResetCycles(0)).To(Equal(1))
			Expect(board.ResetCycles(1)).To(Equal(3))
		})

		It("should not retry dead ports on a repeated bring-up", func() {
			board.Attach(0, gen1Card(4, 0))
			c = buildController(clock,
				board.Wire(pcie.MakeBuilder()).WithGeneration(pcie.Tegra210),
				board.PortConfig(0, 4), board.PortConfig(1, 1))
			Expect(c.PowerOn(ctx)).To(Succeed())

			_, err := c.BringUpPorts(ctx)
			Expect(err).To(MatchError(pcie.ErrNoPortsDetected))
			Expect(board.ResetCycles(0)).To(Equal(3))

			_, err = c.BringUpPorts(ctx)

			Expect(err).To(MatchError(pcie.ErrNoPortsDetected))
			Expect(board.ResetCycles(0)).To(Equal(3))
			Expect(c.Ports()[0].State).To(Equal(pcie.LinkDownPermanent))
		})

		It("should power down even when a port never acknowledges", func() {
			ep := gen1Card(4, 1)
			ep.NoPmeAck = true
			board.Attach(0, ep)
			bringUp()

			before := clock.Slept()
			err := c.Suspend(ctx)

			Expect(err).To(MatchError(pcie.ErrPMETimeout))
			Expect(clock.Slept() - before).To(
				BeNumerically(">=", 10*time.Millisecond))
			Expect(c.PowerState()).To(Equal(pcie.PowerOff))
			Expect(c.Ports()[0].State).To(Equal(pcie.LinkDownResetAsserted))
			Expect(board.Afi().Read32(pcie.AfiPme)).To(BeZero())
		})

		It("should do nothing when already off", func() {
			c = buildController(clock,
				board.Wire(pcie.MakeBuilder()).WithGeneration(pcie.Tegra210),
				board.PortConfig(0, 4), board.PortConfig(1, 1))

			Expect(c.Suspend(ctx)).To(Succeed())
			Expect(board.Regulators.History()).To(BeEmpty())
		})
	})

	Context("when hotplugging", func() {
		var events []pcie.HotplugEvent

		BeforeEach(func() {
			events = nil
			board.Attach(0, gen1Card(4, 1))
			board.Attach(1, gen1Card(1, 0))
			bringUp()

			c.AcceptHook(hooking.HookFunc(func(hc hooking.HookCtx) {
				if hc.Pos == pcie.HookPosHotplug {
					events = append(events, hc.Item.(pcie.HotplugEvent))
				}
			}))

			Expect(c.Attached()).To(BeTrue())
			Expect(c.Ports()[1].State).To(Equal(pcie.LinkDownPermanent))
		})

		It("should detach once", func() {
			Expect(c.HotplugDetach(ctx)).To(Succeed())
			Expect(c.HotplugDetach(ctx)).To(Succeed())

			Expect(board.Enumerator.Removes).To(Equal([][]int{{0}}))
			Expect(c.Attached()).To(BeFalse())
			Expect(events).To(Equal([]pcie.HotplugEvent{
				{Attached: false, Ports: []int{0}},
			}))

			aer := board.Port(0).Read32(pcie.RpAerCtl)
			Expect(aer & pcie.AerCtlHide).NotTo(BeZero())
		})

		It("should retry dead ports on attach", func() {
			Expect(c.HotplugDetach(ctx)).To(Succeed())

			board.Attach(1, gen1Card(1, 4))

			Expect(c.HotplugAttach(ctx)).To(Succeed())
			Expect(c.HotplugAttach(ctx)).To(Succeed())

			Expect(c.Ports()[1].State).To(Equal(pcie.LinkUp))
			Expect(board.Enumerator.Rescans).To(Equal([][]int{{0, 1}}))
			Expect(c.Attached()).To(BeTrue())

			aer := board.Port(0).Read32(pcie.RpAerCtl)
			Expect(aer & pcie.AerCtlHide).To(BeZero())
		})

		It("should debounce notifications", func() {
			c.NotifyHotplug(false)
			clock.Advance(50 * time.Millisecond)
			c.NotifyHotplug(false)
			clock.Advance(60 * time.Millisecond)

			Expect(c.Attached()).To(BeTrue())

			clock.Advance(50 * time.Millisecond)

			Expect(c.Attached()).To(BeFalse())
			Expect(board.Enumerator.Removes).To(HaveLen(1))

			c.NotifyHotplug(false)
			c.NotifyHotplug(true)
			clock.Advance(200 * time.Millisecond)

			Expect(c.Attached()).To(BeTrue())
			Expect(board.Enumerator.Removes).To(HaveLen(1))
			Expect(board.Enumerator.Rescans).To(HaveLen(1))
			Expect(clock.PendingTimers()).To(BeZero())
		})
	})
})
