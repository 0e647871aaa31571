package pcie

import (
	"context"
	"errors"
	"fmt"

	"github.com/sarchlab/tegrahost/sim/hooking"
)

// HotplugAttach retries the ports that are permanently down, rescans the
// devices behind every up port and unhides their AER capability. Attaching
// an attached controller does nothing.
func (c *Controller) HotplugAttach(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.attached {
		return nil
	}

	if c.power < PowerClocksOn {
		return ErrNotPowered
	}

	var retry []*Port

	for _, p := range c.ports {
		if p.Lanes > 0 && p.State == LinkDownPermanent {
			p.Err = nil
			c.setLinkState(p, LinkDown)
			retry = append(retry, p)
		}
	}

	if len(retry) > 0 {
		_, err := c.bringUpLocked(ctx, retry)
		if err != nil && !errors.Is(err, ErrNoPortsDetected) {
			return err
		}
	}

	up := c.upPorts()
	for _, p := range up {
		p.rpClear(RpAerCtl, AerCtlHide)
	}

	if c.enumerator != nil && len(up) > 0 {
		if err := c.enumerator.Rescan(portIndices(up)); err != nil {
			return fmt.Errorf("pcie: rescan: %w", err)
		}
	}

	c.attached = true
	c.hotplugDone(true, up, nil)

	return nil
}

// HotplugDetach hides AER on every up port and removes the devices behind
// them. Detaching a detached controller does nothing.
func (c *Controller) HotplugDetach(_ context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.attached {
		return nil
	}

	up := c.upPorts()
	for _, p := range up {
		p.rpSet(RpAerCtl, AerCtlHide)
	}

	if c.enumerator != nil && len(up) > 0 {
		c.enumerator.Remove(portIndices(up))
	}

	c.attached = false
	c.hotplugDone(false, up, nil)

	return nil
}

// NotifyHotplug reports a card insertion or removal. Events are debounced:
// the attach or detach runs once the events stop for the debounce period,
// and the last event wins.
func (c *Controller) NotifyHotplug(present bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.hotplugTimer != nil {
		c.hotplugTimer.Stop()
	}

	c.hotplugGen++
	gen := c.hotplugGen

	c.hotplugTimer = c.clock.AfterFunc(c.spec.HotplugDebounce, func() {
		c.handleHotplug(gen, present)
	})
}

func (c *Controller) handleHotplug(gen uint64, present bool) {
	c.lock.Lock()
	if gen != c.hotplugGen {
		c.lock.Unlock()
		return
	}

	c.hotplugTimer = nil
	c.lock.Unlock()

	var err error
	if present {
		err = c.HotplugAttach(context.Background())
	} else {
		err = c.HotplugDetach(context.Background())
	}

	if err != nil {
		c.lock.Lock()
		c.hotplugDone(present, nil, err)
		c.lock.Unlock()
	}
}

func (c *Controller) hotplugDone(attached bool, ports []*Port, err error) {
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosHotplug,
		Item: HotplugEvent{
			Attached: attached,
			Ports:    portIndices(ports),
		},
		Detail: err,
	})
}
