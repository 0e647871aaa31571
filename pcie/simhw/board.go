// Package simhw models the silicon behind a PCIe controller: the AFI and
// root port registers, the GPIOs, rails and clocks, and the endpoints that
// train links with the root ports.
package simhw

import (
	"sync"

	"github.com/sarchlab/tegrahost/pcie"
)

// Endpoint describes the card plugged into a root port.
type Endpoint struct {
	Present bool
	Lanes   int
	Gen2    bool

	// UpAfterResets is the reset cycle on which the link comes up. Zero
	// means the link never comes up.
	UpAfterResets int

	// RetrainPolls is the number of link status reads a retrain takes.
	// A negative value never finishes.
	RetrainPolls int

	NoPmeAck bool
}

// A Board is a simulated controller with its root ports.
type Board struct {
	lock      sync.Mutex
	afi       map[pcie.Offset]uint32
	ports     []*rootPort
	gen2Fused bool

	Regulators *Switches
	Clocks     *Switches
	Scaler     *Scaler
	Enumerator *Enumerator
}

// NewBoard creates a board whose root ports support the given lane widths.
func NewBoard(maxLanes ...int) *Board {
	b := &Board{
		afi:        make(map[pcie.Offset]uint32),
		Regulators: NewSwitches(),
		Clocks:     NewSwitches(),
		Scaler:     &Scaler{Floors: make(map[string]uint64)},
		Enumerator: &Enumerator{},
	}

	for i, lanes := range maxLanes {
		b.ports = append(b.ports, &rootPort{
			board:     b,
			index:     i,
			maxLanes:  lanes,
			regs:      make(map[pcie.Offset]uint32),
			inReset:   true,
			powerGood: true,
		})
	}

	return b
}

// Wire connects the board to a controller builder.
func (b *Board) Wire(builder pcie.Builder) pcie.Builder {
	return builder.
		WithAfi(b.Afi()).
		WithRegulators(b.Regulators).
		WithClockGate(b.Clocks).
		WithClockScaler(b.Scaler).
		WithEnumerator(b.Enumerator)
}

// PortConfig returns the configuration of a port that uses the board
// register window and AFI reset.
func (b *Board) PortConfig(index, lanes int) pcie.PortConfig {
	return pcie.PortConfig{
		Index: index,
		Lanes: lanes,
		Regs:  b.Port(index),
	}
}

// Attach plugs an endpoint into a port.
func (b *Board) Attach(port int, ep Endpoint) {
	b.lock.Lock()
	defer b.lock.Unlock()

	p := b.ports[port]
	p.ep = ep
	p.hasEp = true
}

// Detach unplugs the endpoint of a port.
func (b *Board) Detach(port int) {
	b.lock.Lock()
	defer b.lock.Unlock()

	p := b.ports[port]
	p.hasEp = false
	p.linkDown()
}

// SetGen2Fused sets the gen2 disable fuse.
func (b *Board) SetGen2Fused(fused bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.gen2Fused = fused
}

// SetPowerGood drives the power good GPIO of a port.
func (b *Board) SetPowerGood(port int, good bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.ports[port].powerGood = good
}

// ResetCycles returns the number of reset deassertions seen by a port.
func (b *Board) ResetCycles(port int) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.ports[port].resets
}

// LinkUp reports whether the link of a port is active.
func (b *Board) LinkUp(port int) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.ports[port].active
}

// Afi returns the AFI register window.
func (b *Board) Afi() pcie.RegisterWindow {
	return afiWindow{b}
}

// Port returns the register window of a root port.
func (b *Board) Port(index int) pcie.RegisterWindow {
	return portWindow{b.ports[index]}
}

// ResetGpio returns the PERST# line of a port.
func (b *Board) ResetGpio(index int) pcie.GpioLine {
	return resetLine{b.ports[index]}
}

// PresenceGpio returns the presence detect line of a port.
func (b *Board) PresenceGpio(index int) pcie.GpioLine {
	return presenceLine{b.ports[index]}
}

// PowerGoodGpio returns the power good line of a port.
func (b *Board) PowerGoodGpio(index int) pcie.GpioLine {
	return powerGoodLine{b.ports[index]}
}

type afiWindow struct {
	b *Board
}

func (w afiWindow) Read32(offset pcie.Offset) uint32 {
	w.b.lock.Lock()
	defer w.b.lock.Unlock()

	val := w.b.afi[offset]
	if offset == pcie.AfiFuse && w.b.gen2Fused {
		val |= pcie.FuseGen2Disable
	}

	return val
}

func (w afiWindow) Write32(offset pcie.Offset, value uint32) {
	w.b.lock.Lock()
	defer w.b.lock.Unlock()

	old := w.b.afi[offset]
	w.b.afi[offset] = value

	for _, p := range w.b.ports {
		if offset != pcie.AfiPexCtrl(p.index) {
			continue
		}

		switch {
		case value&pcie.PexCtrlRst == 0:
			p.assertReset()
		case old&pcie.PexCtrlRst == 0:
			p.deassertReset()
		}
	}

	if offset == pcie.AfiPme {
		w.b.handlePme(value)
	}
}

// handlePme acknowledges PME_Turn_Off requests of ports whose link is up.
// The link then goes down until the next reset.
func (b *Board) handlePme(value uint32) {
	for _, p := range b.ports {
		turnOff := pcie.PmeTurnOff(p.index)
		ack := pcie.PmeAck(p.index)

		switch {
		case value&turnOff == 0:
			b.afi[pcie.AfiPme] &^= ack
		case p.active && !p.ep.NoPmeAck:
			b.afi[pcie.AfiPme] |= ack
			p.linkDown()
		}
	}
}

func (b *Board) refClkOn(port int) bool {
	return b.afi[pcie.AfiPexCtrl(port)]&pcie.PexCtrlRefClkEn != 0
}

func (b *Board) portDisabled(port int) bool {
	return b.afi[pcie.AfiPcieConfig]&pcie.PcieConfigPortDisable(port) != 0
}
