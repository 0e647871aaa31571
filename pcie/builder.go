package pcie

import (
	"fmt"

	"github.com/sarchlab/tegrahost/sim/timing"
)

// Builder can build controllers.
type Builder struct {
	spec       Spec
	profile    *Profile
	afi        RegisterWindow
	ports      []PortConfig
	regulators RegulatorSet
	clocks     ClockGate
	scaler     ClockScaler
	enumerator Enumerator
	clock      timing.Clock
}

// MakeBuilder returns a Builder with the default timings.
func MakeBuilder() Builder {
	return Builder{
		spec:  Defaults(),
		clock: timing.RealClock{},
	}
}

// WithSpec sets the timings.
func (b Builder) WithSpec(spec Spec) Builder {
	b.spec = spec
	return b
}

// WithGeneration selects the built-in profile of a generation.
func (b Builder) WithGeneration(g Generation) Builder {
	p, err := ProfileFor(g)
	if err != nil {
		panic(err)
	}

	b.profile = &p

	return b
}

// WithProfile sets a custom profile.
func (b Builder) WithProfile(p Profile) Builder {
	b.profile = &p
	return b
}

// WithAfi sets the AFI register window.
func (b Builder) WithAfi(afi RegisterWindow) Builder {
	b.afi = afi
	return b
}

// WithPort adds a root port.
func (b Builder) WithPort(cfg PortConfig) Builder {
	b.ports = append(append([]PortConfig(nil), b.ports...), cfg)
	return b
}

// WithRegulators sets the supply rails.
func (b Builder) WithRegulators(r RegulatorSet) Builder {
	b.regulators = r
	return b
}

// WithClockGate sets the controller clocks.
func (b Builder) WithClockGate(g ClockGate) Builder {
	b.clocks = g
	return b
}

// WithClockScaler sets the shared bus clock scaler.
func (b Builder) WithClockScaler(s ClockScaler) Builder {
	b.scaler = s
	return b
}

// WithEnumerator sets the device enumerator.
func (b Builder) WithEnumerator(e Enumerator) Builder {
	b.enumerator = e
	return b
}

// WithClock sets the clock used for delays and polling.
func (b Builder) WithClock(c timing.Clock) Builder {
	b.clock = c
	return b
}

// Build creates a controller. Ports that are not configured are created with
// zero lanes so that indices match the profile.
func (b Builder) Build(name string) (*Controller, error) {
	if name == "" {
		return nil, fmt.Errorf("pcie: controller must have a name")
	}

	if b.profile == nil {
		return nil, fmt.Errorf("pcie: no profile")
	}

	if err := b.profile.Validate(); err != nil {
		return nil, err
	}

	if err := b.spec.Validate(); err != nil {
		return nil, err
	}

	if b.afi == nil {
		return nil, fmt.Errorf("pcie: no AFI register window")
	}

	if b.regulators == nil || b.clocks == nil {
		return nil, fmt.Errorf("pcie: no power control")
	}

	ports := make([]*Port, b.profile.NumPorts)
	for i := range ports {
		ports[i] = &Port{PortConfig: PortConfig{Index: i}}
	}

	for _, cfg := range b.ports {
		if cfg.Index < 0 || cfg.Index >= len(ports) {
			return nil, fmt.Errorf("%w: port %d out of %d",
				ErrLaneConfig, cfg.Index, len(ports))
		}

		if cfg.Lanes > 0 && cfg.Regs == nil {
			return nil, fmt.Errorf("pcie: port %d has no register window",
				cfg.Index)
		}

		ports[cfg.Index].PortConfig = cfg
	}

	clock := b.clock
	if clock == nil {
		clock = timing.RealClock{}
	}

	c := &Controller{
		name:       name,
		spec:       b.spec,
		profile:    *b.profile,
		afi:        b.afi,
		ports:      ports,
		regulators: b.regulators,
		clocks:     b.clocks,
		scaler:     b.scaler,
		enumerator: b.enumerator,
		clock:      clock,
	}

	if _, err := c.profile.XbarFor(c.configuredLanes()); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Controller) configuredLanes() []int {
	lanes := make([]int, len(c.ports))
	for i, p := range c.ports {
		lanes[i] = p.Lanes
	}

	return lanes
}
