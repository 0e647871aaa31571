package pcie

// RegisterWindow is a block of 32-bit memory mapped registers.
type RegisterWindow interface {
	Read32(offset Offset) uint32
	Write32(offset Offset, value uint32)
}

// GpioLine is a single GPIO. High means deasserted for reset lines and
// present or good for sense lines.
type GpioLine interface {
	Set(high bool)
	Get() bool
}

// RegulatorSet switches the controller supply rails.
type RegulatorSet interface {
	Enable(name string) error
	Disable(name string)
}

// ClockGate switches the controller clocks.
type ClockGate interface {
	Enable(name string) error
	Disable(name string)
}

// ClockScaler requests minimum rates for shared bus clocks.
type ClockScaler interface {
	RequestFloor(clock string, hz uint64) error
}

// Enumerator discovers and removes the devices behind root ports.
type Enumerator interface {
	Rescan(ports []int) error
	Remove(ports []int)
}
