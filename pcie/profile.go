package pcie

import (
	"fmt"
	"strconv"
	"strings"
)

// Generation identifies a Tegra SoC generation.
type Generation int

// Supported generations.
const (
	Tegra20 Generation = iota
	Tegra30
	Tegra124
	Tegra210
	Tegra186
)

var generationNames = map[Generation]string{
	Tegra20:  "tegra20",
	Tegra30:  "tegra30",
	Tegra124: "tegra124",
	Tegra210: "tegra210",
	Tegra186: "tegra186",
}

func (g Generation) String() string {
	if name, ok := generationNames[g]; ok {
		return name
	}

	return "Generation(" + strconv.Itoa(int(g)) + ")"
}

// ParseGeneration converts a name such as "tegra210" to a Generation.
func ParseGeneration(name string) (Generation, error) {
	for g, n := range generationNames {
		if strings.EqualFold(n, name) {
			return g, nil
		}
	}

	return 0, fmt.Errorf("pcie: unknown generation %q", name)
}

// XbarEntry maps a per-port lane layout to the AFI crossbar setting.
type XbarEntry struct {
	Lanes []int
	Value uint32
}

// DvfsEntry holds the bus clock floors needed by a link topology.
type DvfsEntry struct {
	Lanes int
	Gen2  bool
	AfiHz uint64
	EmcHz uint64
}

// Profile holds the generation specific constants of a controller.
type Profile struct {
	Generation Generation
	NumPorts   int

	// Rails are enabled in order and disabled in reverse order.
	Rails  []string
	Clocks []string
	Xbar   []XbarEntry
	Dvfs   []DvfsEntry

	MbistWar               bool
	RawViolationWar        bool
	PerfWar                bool
	LinkSpeedWar           bool
	L1ssRpWakeupWar        bool
	UpdateFCTimerExpireWar bool
}

// Validate checks that the profile is usable.
func (p Profile) Validate() error {
	if p.NumPorts <= 0 {
		return fmt.Errorf("%w: profile %s has no ports", ErrLaneConfig, p.Generation)
	}

	if len(p.Xbar) == 0 {
		return fmt.Errorf("%w: profile %s has no crossbar table",
			ErrLaneConfig, p.Generation)
	}

	for _, e := range p.Xbar {
		if len(e.Lanes) != p.NumPorts {
			return fmt.Errorf("%w: crossbar layout %v does not cover %d ports",
				ErrLaneConfig, e.Lanes, p.NumPorts)
		}
	}

	return nil
}

// XbarFor finds the crossbar setting of a lane layout.
func (p Profile) XbarFor(lanes []int) (uint32, error) {
	for _, e := range p.Xbar {
		if equalLanes(e.Lanes, lanes) {
			return e.Value, nil
		}
	}

	return 0, fmt.Errorf("%w: %s does not support lane layout %v",
		ErrLaneConfig, p.Generation, lanes)
}

// DvfsFor finds the clock floors of a topology. An exact lane count match is
// preferred; otherwise the smallest entry that covers the lanes is used.
func (p Profile) DvfsFor(lanes int, gen2 bool) (DvfsEntry, bool) {
	var best DvfsEntry

	found := false

	for _, e := range p.Dvfs {
		if e.Gen2 != gen2 || e.Lanes < lanes {
			continue
		}

		if !found || e.Lanes < best.Lanes {
			best = e
			found = true
		}
	}

	return best, found
}

func equalLanes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

const mhz = 1_000_000

// ProfileFor returns the built-in profile of a generation.
func ProfileFor(g Generation) (Profile, error) {
	switch g {
	case Tegra20:
		return Profile{
			Generation: Tegra20,
			NumPorts:   2,
			Rails:      []string{"vdd-pex", "avdd-pex", "vdd-pex-clk"},
			Clocks:     []string{"pex", "afi", "pll_e"},
			Xbar: []XbarEntry{
				{Lanes: []int{2, 2}, Value: 0x0},
				{Lanes: []int{4, 0}, Value: 0x1},
			},
		}, nil
	case Tegra30:
		return Profile{
			Generation: Tegra30,
			NumPorts:   3,
			Rails: []string{
				"avdd-pex-pll", "hvdd-pex", "vddio-pex-ctl", "avdd-plle",
			},
			Clocks: []string{"pex", "afi", "pll_e", "cml"},
			Xbar: []XbarEntry{
				{Lanes: []int{2, 2, 2}, Value: 0x2},
				{Lanes: []int{4, 2, 0}, Value: 0x1},
				{Lanes: []int{2, 1, 1}, Value: 0x0},
			},
		}, nil
	case Tegra124:
		return Profile{
			Generation:      Tegra124,
			NumPorts:        2,
			Rails:           []string{"avddio-pex", "dvddio-pex", "avdd-pex-pll", "hvdd-pex"},
			Clocks:          []string{"pex", "afi", "pll_e", "cml"},
			RawViolationWar: true,
			Xbar: []XbarEntry{
				{Lanes: []int{4, 1}, Value: 0x1},
				{Lanes: []int{2, 1}, Value: 0x0},
			},
			Dvfs: []DvfsEntry{
				{Lanes: 1, AfiHz: 102 * mhz, EmcHz: 204 * mhz},
				{Lanes: 5, AfiHz: 204 * mhz, EmcHz: 408 * mhz},
				{Lanes: 1, Gen2: true, AfiHz: 204 * mhz, EmcHz: 408 * mhz},
				{Lanes: 5, Gen2: true, AfiHz: 408 * mhz, EmcHz: 800 * mhz},
			},
		}, nil
	case Tegra210:
		return Profile{
			Generation:             Tegra210,
			NumPorts:               2,
			Rails:                  []string{"avdd-pll-uerefe", "hvddio-pex", "dvddio-pex", "dvdd-pex-pll", "hvdd-pex-pll-e", "vddio-pex-ctl"},
			Clocks:                 []string{"pex", "afi", "pll_e", "cml"},
			MbistWar:               true,
			PerfWar:                true,
			LinkSpeedWar:           true,
			UpdateFCTimerExpireWar: true,
			Xbar: []XbarEntry{
				{Lanes: []int{4, 1}, Value: 0x1},
				{Lanes: []int{2, 1}, Value: 0x0},
				{Lanes: []int{1, 1}, Value: 0x0},
			},
			Dvfs: []DvfsEntry{
				{Lanes: 1, AfiHz: 102 * mhz, EmcHz: 204 * mhz},
				{Lanes: 2, AfiHz: 102 * mhz, EmcHz: 408 * mhz},
				{Lanes: 4, AfiHz: 204 * mhz, EmcHz: 408 * mhz},
				{Lanes: 5, AfiHz: 204 * mhz, EmcHz: 528 * mhz},
				{Lanes: 1, Gen2: true, AfiHz: 204 * mhz, EmcHz: 408 * mhz},
				{Lanes: 2, Gen2: true, AfiHz: 204 * mhz, EmcHz: 528 * mhz},
				{Lanes: 4, Gen2: true, AfiHz: 408 * mhz, EmcHz: 800 * mhz},
				{Lanes: 5, Gen2: true, AfiHz: 408 * mhz, EmcHz: 1066 * mhz},
			},
		}, nil
	case Tegra186:
		return Profile{
			Generation:             Tegra186,
			NumPorts:               3,
			Rails:                  []string{"dvdd-pex", "hvdd-pex-pll", "hvdd-pex", "vddio-pexctl-aud"},
			Clocks:                 []string{"pex", "afi", "pcie_axi"},
			LinkSpeedWar:           true,
			L1ssRpWakeupWar:        true,
			UpdateFCTimerExpireWar: true,
			Xbar: []XbarEntry{
				{Lanes: []int{2, 1, 1}, Value: 0x1},
				{Lanes: []int{1, 1, 1}, Value: 0x2},
				{Lanes: []int{4, 0, 1}, Value: 0x0},
			},
			Dvfs: []DvfsEntry{
				{Lanes: 1, AfiHz: 102 * mhz, EmcHz: 204 * mhz},
				{Lanes: 4, AfiHz: 204 * mhz, EmcHz: 408 * mhz},
				{Lanes: 5, AfiHz: 204 * mhz, EmcHz: 665 * mhz},
				{Lanes: 1, Gen2: true, AfiHz: 204 * mhz, EmcHz: 408 * mhz},
				{Lanes: 4, Gen2: true, AfiHz: 408 * mhz, EmcHz: 800 * mhz},
				{Lanes: 5, Gen2: true, AfiHz: 408 * mhz, EmcHz: 1066 * mhz},
			},
		}, nil
	}

	return Profile{}, fmt.Errorf("pcie: no profile for %s", g)
}
