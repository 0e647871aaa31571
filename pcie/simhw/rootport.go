package simhw

import "github.com/sarchlab/tegrahost/pcie"

const linkCtlMask = 0xffff

type rootPort struct {
	board    *Board
	index    int
	maxLanes int
	regs     map[pcie.Offset]uint32

	ep        Endpoint
	hasEp     bool
	powerGood bool

	inReset bool
	resets  int

	active     bool
	width      int
	speed      int
	training   bool
	trainPolls int
	lbms       bool
}

func (p *rootPort) assertReset() {
	p.inReset = true
	p.linkDown()
}

func (p *rootPort) deassertReset() {
	if !p.inReset {
		return
	}

	p.inReset = false
	p.resets++
	p.train()
}

func (p *rootPort) train() {
	if !p.hasEp || !p.ep.Present || p.ep.UpAfterResets == 0 {
		return
	}

	if p.resets < p.ep.UpAfterResets {
		return
	}

	if !p.board.refClkOn(p.index) || p.board.portDisabled(p.index) {
		return
	}

	p.active = true
	p.width = min(p.maxLanes, p.ep.Lanes)
	p.speed = pcie.LinkSpeedGen1
}

func (p *rootPort) linkDown() {
	p.active = false
	p.training = false
	p.width = 0
	p.speed = 0
}

func (p *rootPort) startRetrain() {
	if !p.active {
		return
	}

	p.training = true
	p.trainPolls = p.ep.RetrainPolls

	if p.trainPolls == 0 {
		p.finishRetrain()
	}
}

func (p *rootPort) finishRetrain() {
	p.training = false
	p.lbms = true

	target := p.regs[pcie.RpLinkControlStatus2] & pcie.LinkCtl2TargetSpeedMask
	if p.ep.Gen2 && target >= pcie.LinkSpeedGen2 && !p.board.gen2Fused {
		p.speed = pcie.LinkSpeedGen2
	} else {
		p.speed = pcie.LinkSpeedGen1
	}
}

func (p *rootPort) linkStatus() uint32 {
	if p.training && p.trainPolls > 0 {
		p.trainPolls--
		if p.trainPolls == 0 {
			p.finishRetrain()
		}
	}

	val := p.regs[pcie.RpLinkControlStatus] & linkCtlMask
	val |= uint32(p.width) << pcie.LinkStaWidthShift
	val |= uint32(p.speed) << pcie.LinkStaSpeedShift

	if p.training {
		val |= pcie.LinkStaTraining
	}

	if p.active {
		val |= pcie.LinkStaDLActive
	}

	if p.lbms {
		val |= pcie.LinkStaLBMS
	}

	return val
}

type portWindow struct {
	p *rootPort
}

func (w portWindow) Read32(offset pcie.Offset) uint32 {
	w.p.board.lock.Lock()
	defer w.p.board.lock.Unlock()

	switch offset {
	case pcie.RpVendXp:
		val := w.p.regs[offset]
		if w.p.active {
			val |= pcie.VendXpDLUp
		}

		return val
	case pcie.RpLinkControlStatus:
		return w.p.linkStatus()
	}

	return w.p.regs[offset]
}

func (w portWindow) Write32(offset pcie.Offset, value uint32) {
	w.p.board.lock.Lock()
	defer w.p.board.lock.Unlock()

	switch offset {
	case pcie.RpVendXp:
		w.p.regs[offset] = value &^ pcie.VendXpDLUp
	case pcie.RpLinkControlStatus:
		if value&pcie.LinkStaLBMS != 0 {
			w.p.lbms = false
		}

		w.p.regs[offset] = value & linkCtlMask &^ pcie.LinkCtlRetrain

		if value&pcie.LinkCtlRetrain != 0 {
			w.p.startRetrain()
		}
	default:
		w.p.regs[offset] = value
	}
}

type resetLine struct {
	p *rootPort
}

// Set drives PERST#. High releases the reset.
func (l resetLine) Set(high bool) {
	l.p.board.lock.Lock()
	defer l.p.board.lock.Unlock()

	if high {
		l.p.deassertReset()
	} else {
		l.p.assertReset()
	}
}

func (l resetLine) Get() bool {
	l.p.board.lock.Lock()
	defer l.p.board.lock.Unlock()

	return !l.p.inReset
}

type presenceLine struct {
	p *rootPort
}

func (presenceLine) Set(bool) {}

func (l presenceLine) Get() bool {
	l.p.board.lock.Lock()
	defer l.p.board.lock.Unlock()

	return l.p.hasEp && l.p.ep.Present
}

type powerGoodLine struct {
	p *rootPort
}

func (powerGoodLine) Set(bool) {}

func (l powerGoodLine) Get() bool {
	l.p.board.lock.Lock()
	defer l.p.board.lock.Unlock()

	return l.p.powerGood
}
