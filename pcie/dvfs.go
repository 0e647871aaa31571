package pcie

import (
	"context"
	"fmt"
	"log"
)

// Names of the clocks whose floors follow the link topology.
const (
	ClockAfi = "afi"
	ClockEmc = "emc"
)

// ScaleVoltageForTopology requests the bus clock floors that match the
// active lanes and speeds. A rejected request is returned; link state is
// left alone.
func (c *Controller) ScaleVoltageForTopology(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if c.scaler == nil || len(c.profile.Dvfs) == 0 {
		return nil
	}

	lanes, gen2 := 0, false

	for _, p := range c.upPorts() {
		lanes += p.Width
		if p.Speed >= LinkSpeedGen2 {
			gen2 = true
		}
	}

	if lanes == 0 {
		return nil
	}

	e, ok := c.profile.DvfsFor(lanes, gen2)
	if !ok {
		return fmt.Errorf("%w: %d lanes, gen2 %v", ErrNoDvfsEntry, lanes, gen2)
	}

	for _, req := range []struct {
		clock string
		hz    uint64
	}{{ClockAfi, e.AfiHz}, {ClockEmc, e.EmcHz}} {
		if err := c.scaler.RequestFloor(req.clock, req.hz); err != nil {
			log.Printf("%s: %s floor %d Hz rejected: %v",
				c.name, req.clock, req.hz, err)

			return fmt.Errorf("pcie: request %s floor: %w", req.clock, err)
		}
	}

	return nil
}
