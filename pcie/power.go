package pcie

import (
	"context"
	"fmt"
)

// PowerOn enables the rails and then the clocks of the controller. Calling
// it on a powered controller does nothing.
func (c *Controller) PowerOn(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.powerOnLocked(ctx)
}

func (c *Controller) powerOnLocked(ctx context.Context) error {
	if c.power >= PowerClocksOn {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.enableRails(); err != nil {
		return err
	}

	c.setPowerState(PowerRailsOn)

	if err := c.enableClocks(); err != nil {
		c.disableRails(len(c.profile.Rails))
		c.setPowerState(PowerOff)

		return err
	}

	c.setPowerState(PowerClocksOn)

	return nil
}

func (c *Controller) enableRails() error {
	for i, name := range c.profile.Rails {
		if err := c.regulators.Enable(name); err != nil {
			c.disableRails(i)
			return &RailFailedError{Name: name, Err: err}
		}
	}

	return nil
}

// disableRails turns off the first n rails in reverse order.
func (c *Controller) disableRails(n int) {
	for i := n - 1; i >= 0; i-- {
		c.regulators.Disable(c.profile.Rails[i])
	}
}

func (c *Controller) enableClocks() error {
	for i, name := range c.profile.Clocks {
		if err := c.clocks.Enable(name); err != nil {
			c.disableClocks(i)
			return fmt.Errorf("%w: %s: %w", ErrClockFailed, name, err)
		}
	}

	return nil
}

func (c *Controller) disableClocks(n int) {
	for i := n - 1; i >= 0; i-- {
		c.clocks.Disable(c.profile.Clocks[i])
	}
}

func (c *Controller) powerOffLocked() {
	if c.power == PowerOff {
		return
	}

	c.disableClocks(len(c.profile.Clocks))
	c.disableRails(len(c.profile.Rails))
	c.setPowerState(PowerOff)
}
