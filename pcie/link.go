package pcie

import (
	"context"
	"fmt"
	"time"

	"github.com/sarchlab/tegrahost/sim/id"
	"github.com/sarchlab/tegrahost/sim/timing"
	"github.com/sarchlab/tegrahost/tracing"
)

// BringUpPorts takes every configured port out of reset and trains its link.
// It returns the number of ports whose link came up. Ports that are
// permanently down are left to HotplugAttach, and a controller that already
// has links up is left alone.
func (c *Controller) BringUpPorts(ctx context.Context) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.power < PowerClocksOn {
		return 0, ErrNotPowered
	}

	if up := c.upPorts(); len(up) > 0 {
		return len(up), nil
	}

	var targets []*Port

	for _, p := range c.ports {
		if p.Lanes == 0 || p.State == LinkDownPermanent {
			continue
		}

		p.Err = nil
		c.setLinkState(p, LinkDown)
		targets = append(targets, p)
	}

	if len(targets) == 0 {
		return 0, ErrNoPortsDetected
	}

	n, err := c.bringUpLocked(ctx, targets)
	if n > 0 {
		c.attached = true
	}

	return n, err
}

func (c *Controller) bringUpLocked(ctx context.Context, targets []*Port) (int, error) {
	if err := c.configureLanes(); err != nil {
		return 0, err
	}

	var ready []*Port

	for _, p := range targets {
		ok, err := c.resetPort(ctx, p)
		if err != nil {
			return 0, err
		}

		if ok {
			ready = append(ready, p)
		}
	}

	if len(ready) > 0 {
		if err := c.trainPorts(ctx, ready); err != nil {
			return 0, err
		}
	}

	if c.profile.MbistWar && c.ports[0].Lanes > 0 {
		c.ports[0].rpClear(RpVendXpBist, VendXpBistGotoL1L2AfterDllpDone)
	}

	c.afiSet(AfiIntrMask, AfiIntrMaskInt|AfiIntrMaskMsi)
	c.setPowerState(PowerLinkEnabled)

	up := len(c.upPorts())
	if up == 0 {
		return 0, ErrNoPortsDetected
	}

	return up, nil
}

// configureLanes programs the crossbar and disables the ports that are not
// in use. The shared secondary bus reset is held until training starts.
func (c *Controller) configureLanes() error {
	xbar, err := c.profile.XbarFor(c.configuredLanes())
	if err != nil {
		return err
	}

	val := c.afi.Read32(AfiPcieConfig)
	val &^= PcieConfigXbarMask
	val |= xbar << PcieConfigXbarShift

	for _, p := range c.ports {
		if p.Lanes == 0 || p.State == LinkDownPermanent {
			val |= PcieConfigPortDisable(p.Index)
		} else {
			val &^= PcieConfigPortDisable(p.Index)
		}
	}

	c.afi.Write32(AfiPcieConfig, val)
	c.afiSet(AfiSecondaryBusReset, SecondaryBusResetHold)

	return nil
}

// resetPort runs the reset pulse of a port. It returns false for ports that
// are skipped without a reset cycle.
func (c *Controller) resetPort(ctx context.Context, p *Port) (bool, error) {
	if p.PresenceGpio != nil && !p.PresenceGpio.Get() {
		c.disablePort(p)
		c.setLinkState(p, LinkDownPermanent)

		return false, nil
	}

	if p.AuxPowerGated {
		good, err := c.waitPowerGood(ctx, p)
		if err != nil {
			return false, err
		}

		if !good {
			p.Err = &PortResetError{Index: p.Index, Reason: "power good timeout"}
			c.disablePort(p)
			c.setLinkState(p, LinkDownPermanent)

			return false, nil
		}
	}

	c.setLinkState(p, LinkResetting)
	c.assertReset(p)
	c.enableRefClk(p)

	if c.profile.MbistWar && p.Index == 0 {
		p.rpSet(RpVendXpBist, VendXpBistGotoL1L2AfterDllpDone)
	}

	err := timing.SleepRange(ctx, c.clock, c.spec.ResetPulse, 2*c.spec.ResetPulse)
	if err != nil {
		return false, err
	}

	c.deassertReset(p)

	return true, nil
}

func (c *Controller) waitPowerGood(ctx context.Context, p *Port) (bool, error) {
	if p.PowerGoodGpio == nil {
		return true, nil
	}

	n := int(c.spec.PowerGoodTimeout / c.spec.PollInterval)

	return c.poll(ctx, n, p.PowerGoodGpio.Get)
}

// trainPorts lets the ports settle, releases the secondary bus reset and
// trains the link of every port.
func (c *Controller) trainPorts(ctx context.Context, ready []*Port) error {
	if err := c.clock.Sleep(ctx, c.spec.Settle); err != nil {
		return err
	}

	for _, p := range ready {
		if p.PresenceGpio == nil {
			p.rpUpdate(RpPrivMisc, PrivMiscPrsntMapMask, PrivMiscPrsntMapPresent)
		}
	}

	c.afiClear(AfiSecondaryBusReset, SecondaryBusResetHold)

	err := timing.SleepRange(ctx, c.clock, c.spec.Quiesce, c.spec.Quiesce+2*time.Millisecond)
	if err != nil {
		return err
	}

	for _, p := range ready {
		up, err := c.pollLink(ctx, p)
		if err != nil {
			return err
		}

		if up {
			c.markLinkUp(p)
		} else {
			c.markLinkDead(p)
		}
	}

	return nil
}

// pollLink waits for the link of a port, pulsing the reset between attempts.
func (c *Controller) pollLink(ctx context.Context, p *Port) (bool, error) {
	taskID := id.Get().Generate()
	tracing.StartTask(taskID, "", c, "link", fmt.Sprintf("port%d", p.Index), nil)

	defer tracing.EndTask(taskID, c)

	for attempt := 1; ; attempt++ {
		c.setLinkState(p, LinkTraining)

		up, err := c.waitLink(ctx, p)
		if err != nil || up {
			return up, err
		}

		if attempt >= c.spec.LinkAttempts {
			return false, nil
		}

		tracing.AddTaskStep(taskID, c, "reset")
		c.setLinkState(p, LinkResetting)

		if err := c.pulseReset(ctx, p); err != nil {
			return false, err
		}
	}
}

func (c *Controller) waitLink(ctx context.Context, p *Port) (bool, error) {
	dlUp := func() bool {
		return VendXp(p.Regs.Read32(RpVendXp)).DLUp()
	}

	ok, err := c.poll(ctx, c.spec.PollIterations, dlUp)
	if !ok || err != nil {
		return false, err
	}

	return c.poll(ctx, c.spec.PollIterations, func() bool {
		return p.linkStatus().DLActive()
	})
}

// poll evaluates cond up to n times, sleeping the poll interval between
// evaluations.
func (c *Controller) poll(ctx context.Context, n int, cond func() bool) (bool, error) {
	return c.pollEvery(ctx, n, c.spec.PollInterval, cond)
}

func (c *Controller) pollEvery(
	ctx context.Context,
	n int,
	interval time.Duration,
	cond func() bool,
) (bool, error) {
	for i := 0; i < n; i++ {
		if cond() {
			return true, nil
		}

		err := timing.SleepRange(ctx, c.clock, interval, 2*interval)
		if err != nil {
			return false, err
		}
	}

	return cond(), nil
}

func (c *Controller) markLinkUp(p *Port) {
	st := p.linkStatus()
	p.Width = st.Width()
	p.Speed = st.Speed()
	p.Err = nil

	p.rpSet(RpVendCtl1, VendCtl1Erpt)
	c.setLinkState(p, LinkUp)
}

func (c *Controller) markLinkDead(p *Port) {
	p.Width = 0
	p.Speed = 0

	p.rpUpdate(RpPrivMisc, PrivMiscPrsntMapMask, PrivMiscPrsntMapAbsent)
	c.disablePort(p)
	c.setLinkState(p, LinkDownPermanent)
}

func (c *Controller) disablePort(p *Port) {
	c.afiSet(AfiPcieConfig, PcieConfigPortDisable(p.Index))
}

func (c *Controller) assertReset(p *Port) {
	if p.ResetGpio != nil {
		p.ResetGpio.Set(false)
		return
	}

	c.afiClear(AfiPexCtrl(p.Index), PexCtrlRst)
}

func (c *Controller) deassertReset(p *Port) {
	if p.ResetGpio != nil {
		p.ResetGpio.Set(true)
	} else {
		c.afiSet(AfiPexCtrl(p.Index), PexCtrlRst)
	}

	p.ResetCycles++
}

func (c *Controller) pulseReset(ctx context.Context, p *Port) error {
	c.assertReset(p)

	err := timing.SleepRange(ctx, c.clock, c.spec.ResetPulse, 2*c.spec.ResetPulse)
	if err != nil {
		return err
	}

	c.deassertReset(p)

	return nil
}

// enableRefClk turns on the reference clock of a port. With clock requests
// disabled the override keeps the clock running whatever CLKREQ# does.
func (c *Controller) enableRefClk(p *Port) {
	off := AfiPexCtrl(p.Index)
	val := c.afi.Read32(off) | PexCtrlRefClkEn

	if p.DisableClockRequest {
		val |= PexCtrlOverrideEn
		val &^= PexCtrlClkReqEn
	} else {
		val |= PexCtrlClkReqEn
	}

	c.afi.Write32(off, val)
}

func (c *Controller) disableRefClk(p *Port) {
	c.afiClear(AfiPexCtrl(p.Index), PexCtrlRefClkEn|PexCtrlOverrideEn)
}
