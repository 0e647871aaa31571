// Package pcie implements the link-state controller of the Tegra PCIe root
// complex: power sequencing, port bring-up and link training, post-link
// workarounds, clock scaling, suspend and resume, and hotplug.
//
// All hardware access goes through the capability interfaces in hw.go.
package pcie

import (
	"sync"

	"github.com/sarchlab/tegrahost/sim/hooking"
	"github.com/sarchlab/tegrahost/sim/timing"
)

// Hook positions of controller events.
var (
	// HookPosLinkState reports a PortStatus after every link state change.
	// The detail is the previous LinkState.
	HookPosLinkState = &hooking.HookPos{Name: "LinkState"}

	// HookPosPowerState reports the new PowerState.
	HookPosPowerState = &hooking.HookPos{Name: "PowerState"}

	// HookPosRetrain reports a PortStatus after a gen2 retrain attempt. The
	// detail is the error of a failed attempt.
	HookPosRetrain = &hooking.HookPos{Name: "Retrain"}

	// HookPosHotplug reports a HotplugEvent.
	HookPosHotplug = &hooking.HookPos{Name: "Hotplug"}
)

// HotplugEvent describes a completed attach or detach.
type HotplugEvent struct {
	Attached bool
	Ports    []int
}

// A Controller drives the root ports of one PCIe controller. Every public
// operation is serialized.
type Controller struct {
	hooking.HookableBase

	name       string
	spec       Spec
	profile    Profile
	afi        RegisterWindow
	ports      []*Port
	regulators RegulatorSet
	clocks     ClockGate
	scaler     ClockScaler
	enumerator Enumerator
	clock      timing.Clock

	lock         sync.Mutex
	power        PowerState
	attached     bool
	hotplugTimer timing.Timer
	hotplugGen   uint64
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// Profile returns the generation profile the controller was built with.
func (c *Controller) Profile() Profile {
	return c.profile
}

// PowerState returns the current rung of the power ladder.
func (c *Controller) PowerState() PowerState {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.power
}

// Attached reports whether the devices behind the ports are enumerated.
func (c *Controller) Attached() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.attached
}

// Ports returns a snapshot of every port.
func (c *Controller) Ports() []PortStatus {
	c.lock.Lock()
	defer c.lock.Unlock()

	list := make([]PortStatus, len(c.ports))
	for i, p := range c.ports {
		list[i] = p.status()
	}

	return list
}

func (c *Controller) setLinkState(p *Port, s LinkState) {
	if p.State == s {
		return
	}

	prev := p.State
	p.State = s

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosLinkState,
		Item:   p.status(),
		Detail: prev,
	})
}

func (c *Controller) setPowerState(s PowerState) {
	if c.power == s {
		return
	}

	c.power = s

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosPowerState,
		Item:   s,
	})
}

func (c *Controller) afiSet(offset Offset, bits uint32) {
	c.afi.Write32(offset, c.afi.Read32(offset)|bits)
}

func (c *Controller) afiClear(offset Offset, bits uint32) {
	c.afi.Write32(offset, c.afi.Read32(offset)&^bits)
}

func (c *Controller) upPorts() []*Port {
	var up []*Port

	for _, p := range c.ports {
		if p.isUp() {
			up = append(up, p)
		}
	}

	return up
}

func portIndices(ports []*Port) []int {
	idx := make([]int, len(ports))
	for i, p := range ports {
		idx[i] = p.Index
	}

	return idx
}
