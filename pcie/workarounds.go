package pcie

import (
	"context"
	"log"

	"github.com/sarchlab/tegrahost/sim/hooking"
)

// ApplyPostLinkWorkarounds applies the generation specific settings to every
// port whose link is up and then retrains each of them to gen2. Retrain
// failures leave the link at gen1 and are returned as warnings.
func (c *Controller) ApplyPostLinkWorkarounds(ctx context.Context) (RetrainWarnings, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.power < PowerLinkEnabled {
		return nil, ErrNotPowered
	}

	return c.applyWorkaroundsLocked(ctx)
}

func (c *Controller) applyWorkaroundsLocked(ctx context.Context) (RetrainWarnings, error) {
	up := c.upPorts()

	for _, p := range up {
		c.applyPortWorkarounds(p)
	}

	if c.profile.PerfWar && c.hasPerfTopology() {
		for _, p := range up {
			p.rpSet(RpTxHdrLimit, TxHdrLimitNpt0|TxHdrLimitNpt1)
		}
	}

	if c.afi.Read32(AfiFuse)&FuseGen2Disable != 0 {
		return nil, nil
	}

	var warnings RetrainWarnings

	for _, p := range up {
		warn, err := c.retrainToGen2(ctx, p)
		if err != nil {
			return warnings, err
		}

		if warn != nil {
			warnings = append(warnings, warn)
		}
	}

	return warnings, nil
}

func (c *Controller) applyPortWorkarounds(p *Port) {
	if c.profile.RawViolationWar {
		p.rpUpdate(RpRxHdrLimit, RxHdrLimitPwMask, RxHdrLimitPw)
		p.rpUpdate(RpPrivXpDl, PrivXpDlGen2FCMask, PrivXpDlGen2FC)
		p.rpUpdate(RpVendXp, VendXpUpdateFCThresholdMask,
			0x60<<VendXpUpdateFCThresholdShift)
	}

	if c.profile.UpdateFCTimerExpireWar {
		p.rpSet(RpVendXp, VendXpOpportunisticAck|VendXpOpportunisticUpdateFC)
		p.rpUpdate(RpTimeout1, Timeout1RcvrDetMask, Timeout1RcvrDet)
	}

	// Some endpoints do not enumerate when gen2 is advertised from the start.
	if c.profile.LinkSpeedWar {
		p.rpUpdate(RpLinkControlStatus2, LinkCtl2TargetSpeedMask, LinkSpeedGen1)
	}

	p.rpClear(RpLtrIntr, LtrIntrEnable)
	c.configureAspm(p)

	if c.profile.L1ssRpWakeupWar {
		p.rpUpdate(RpVendCtl2, VendCtl2L1ssWakeHoldoffMask, VendCtl2L1ssWakeHoldoff)
	}
}

// configureAspm enables L1 pad power down and the clock clamps. L1 substates
// need a working CLKREQ#.
func (c *Controller) configureAspm(p *Port) {
	p.rpSet(RpVendXp1, VendXp1L1AspmSupport)

	pad := PadPwrdnL1
	if !p.DisableClockRequest {
		pad |= PadPwrdnL11 | PadPwrdnL12
		p.rpSet(RpL1PmSubstatesCtl, L1PmSubstatesL11Enable|L1PmSubstatesL12Enable)
	}

	p.rpSet(RpVendXpPadPwrdn, pad)
	p.rpSet(RpPrivMisc, PrivMiscCtlrClkClampEn|PrivMiscTmsClkClampEn)
}

// hasPerfTopology reports an x4 port 0 with every other port x1 and up.
func (c *Controller) hasPerfTopology() bool {
	if c.ports[0].Lanes != 4 || !c.ports[0].isUp() {
		return false
	}

	for _, p := range c.ports[1:] {
		if p.Lanes != 1 || !p.isUp() {
			return false
		}
	}

	return true
}

// retrainToGen2 raises the target speed and retrains the link. A retrain that
// does not finish is not fatal and comes back as a RetrainTimedOutError; the
// error result is reserved for cancellation.
func (c *Controller) retrainToGen2(
	ctx context.Context,
	p *Port,
) (*RetrainTimedOutError, error) {
	notTraining := func() bool {
		return !p.linkStatus().Training()
	}

	p.rpUpdate(RpLinkControlStatus2, LinkCtl2TargetSpeedMask, LinkSpeedGen2)

	done, err := c.poll(ctx, c.spec.RetrainPolls, notTraining)
	if err != nil {
		return nil, err
	}

	if done {
		ctl := p.Regs.Read32(RpLinkControlStatus) & 0xffff
		p.Regs.Write32(RpLinkControlStatus, ctl|LinkStaLBMS)
		p.Regs.Write32(RpLinkControlStatus, ctl|LinkCtlRetrain)

		done, err = c.poll(ctx, c.spec.RetrainPolls, notTraining)
		if err != nil {
			return nil, err
		}
	}

	st := p.linkStatus()

	var (
		warn   *RetrainTimedOutError
		detail any
	)

	if done {
		p.Speed = st.Speed()
		p.Width = st.Width()
	} else {
		warn = &RetrainTimedOutError{Index: p.Index}
		detail = warn
		log.Printf("%s: %v, staying at gen%d", c.name, warn, p.Speed)

		if !st.DLActive() {
			c.setLinkState(p, LinkUpUnstable)
		}
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosRetrain,
		Item:   p.status(),
		Detail: detail,
	})

	return warn, nil
}
