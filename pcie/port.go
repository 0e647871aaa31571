package pcie

import "strconv"

// LinkState is the state of a root port link.
type LinkState int

// Link states. DownPermanent ports are only retried by a hotplug attach;
// DownResetAsserted ports are retried on every resume.
const (
	LinkDown LinkState = iota
	LinkResetting
	LinkTraining
	LinkUp
	LinkUpUnstable
	LinkDownPermanent
	LinkDownResetAsserted
)

var linkStateNames = []string{
	"Down",
	"Resetting",
	"TrainingLink",
	"LinkUp",
	"LinkUpUnstable",
	"DownPermanent",
	"DownResetAsserted",
}

func (s LinkState) String() string {
	if int(s) < len(linkStateNames) {
		return linkStateNames[s]
	}

	return "LinkState(" + strconv.Itoa(int(s)) + ")"
}

// PowerState is the rung of the controller power ladder.
type PowerState int

// Power states, lowest first.
const (
	PowerOff PowerState = iota
	PowerRailsOn
	PowerClocksOn
	PowerLinkEnabled
)

var powerStateNames = []string{"Off", "RailsOn", "ClocksOn", "LinkEnabled"}

func (s PowerState) String() string {
	if int(s) < len(powerStateNames) {
		return powerStateNames[s]
	}

	return "PowerState(" + strconv.Itoa(int(s)) + ")"
}

// PortConfig describes how a root port is wired.
type PortConfig struct {
	Index int

	// Lanes is the configured lane width. Zero leaves the port unused.
	Lanes int
	Regs  RegisterWindow

	ResetGpio     GpioLine
	PresenceGpio  GpioLine
	PowerGoodGpio GpioLine

	// DisableClockRequest keeps the reference clock running regardless of
	// the endpoint CLKREQ# signal.
	DisableClockRequest bool

	// AuxPowerGated marks a slot whose power must be reported good before
	// the port is taken out of reset.
	AuxPowerGated bool
}

// A Port is a root port owned by a controller.
type Port struct {
	PortConfig

	State       LinkState
	Width       int
	Speed       int
	ResetCycles int
	Err         error
}

// PortStatus is a snapshot of a port.
type PortStatus struct {
	Index       int
	Lanes       int
	Width       int
	Speed       int
	State       LinkState
	ResetCycles int
	Err         string
}

func (p *Port) status() PortStatus {
	s := PortStatus{
		Index:       p.Index,
		Lanes:       p.Lanes,
		Width:       p.Width,
		Speed:       p.Speed,
		State:       p.State,
		ResetCycles: p.ResetCycles,
	}

	if p.Err != nil {
		s.Err = p.Err.Error()
	}

	return s
}

func (p *Port) isUp() bool {
	return p.State == LinkUp || p.State == LinkUpUnstable
}

func (p *Port) rpSet(offset Offset, bits uint32) {
	p.Regs.Write32(offset, p.Regs.Read32(offset)|bits)
}

func (p *Port) rpClear(offset Offset, bits uint32) {
	p.Regs.Write32(offset, p.Regs.Read32(offset)&^bits)
}

func (p *Port) rpUpdate(offset Offset, mask, value uint32) {
	p.Regs.Write32(offset, p.Regs.Read32(offset)&^mask|value&mask)
}

func (p *Port) linkStatus() LinkStatus {
	return LinkStatus(p.Regs.Read32(RpLinkControlStatus))
}
