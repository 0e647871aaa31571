package pcie

import (
	"context"
	"errors"
	"fmt"
)

// Suspend sends PME_Turn_Off to every port whose link is up, puts the ports
// in reset and powers the controller down. A port that does not acknowledge
// within the PME timeout is still powered down; its timeout is returned.
func (c *Controller) Suspend(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.power == PowerOff {
		return nil
	}

	var errs []error

	for _, p := range c.ports {
		if !p.isUp() {
			continue
		}

		if err := c.turnOffLink(ctx, p); err != nil {
			if ctx.Err() != nil {
				return err
			}

			errs = append(errs, err)
		}

		c.assertReset(p)
		c.disableRefClk(p)
		c.setLinkState(p, LinkDownResetAsserted)
	}

	c.powerOffLocked()

	return errors.Join(errs...)
}

func (c *Controller) turnOffLink(ctx context.Context, p *Port) error {
	c.afiSet(AfiPme, PmeTurnOff(p.Index))
	defer c.afiClear(AfiPme, PmeTurnOff(p.Index))

	n := int(c.spec.PmeAckTimeout / c.spec.PmePollInterval)

	acked, err := c.pollEvery(ctx, n, c.spec.PmePollInterval, func() bool {
		return c.afi.Read32(AfiPme)&PmeAck(p.Index) != 0
	})
	if err != nil {
		return err
	}

	if !acked {
		return fmt.Errorf("%w: port %d", ErrPMETimeout, p.Index)
	}

	return nil
}

// Resume powers the controller up and brings back the ports that were up
// before Suspend. Retrain failures are reported through HookPosRetrain only.
func (c *Controller) Resume(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.power != PowerOff {
		return nil
	}

	if err := c.powerOnLocked(ctx); err != nil {
		return err
	}

	var targets []*Port

	for _, p := range c.ports {
		if p.State == LinkDownResetAsserted {
			targets = append(targets, p)
		}
	}

	if len(targets) == 0 {
		return nil
	}

	if _, err := c.bringUpLocked(ctx, targets); err != nil {
		return err
	}

	_, err := c.applyWorkaroundsLocked(ctx)

	return err
}
