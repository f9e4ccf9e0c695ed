package controller

import (
	"fmt"
	"strings"

	"epdhal/internal/bscmd"
	appLog "epdhal/internal/log"
	"epdhal/internal/pmic"
)

// PowerState is the controller's power state.
type PowerState uint8

const (
	PowerInit PowerState = iota
	PowerRun
	PowerStandby
	PowerSleep
	PowerOff
	PowerOffScreenClear
)

var powerNames = [...]string{
	PowerInit:           "init",
	PowerRun:            "run",
	PowerStandby:        "standby",
	PowerSleep:          "sleep",
	PowerOff:            "off",
	PowerOffScreenClear: "off_screen_clear",
}

func (p PowerState) String() string {
	if int(p) < len(powerNames) {
		return powerNames[p]
	}
	return fmt.Sprintf("power(%d)", uint8(p))
}

// ParsePowerState maps a state name to a PowerState.
func ParsePowerState(s string) (PowerState, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range powerNames {
		if n == s {
			return PowerState(i), nil
		}
	}
	return 0, fmt.Errorf("controller: unknown power state %q", s)
}

// PowerState returns the current power state.
func (c *Controller) PowerState() PowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

// SetPowerState moves to s. Requesting the current state is a logged no-op
// with no bus traffic.
func (c *Controller) SetPowerState(s PowerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(s)
}

// gate runs before every command block. A controller parked in standby or
// sleep is moved back to run before anything but RUN_SYS goes out.
func (c *Controller) gate(op bscmd.Opcode) error {
	if c.power != PowerStandby && c.power != PowerSleep {
		return nil
	}
	if op == bscmd.RunSys {
		return nil
	}
	appLog.Debug("waking controller for command", "from", c.power, "cmd", op)
	if err := c.sender.Run(bscmd.RunSys); err != nil {
		return err
	}
	c.power = PowerRun
	return nil
}

func (c *Controller) transition(to PowerState) error {
	from := c.power
	if from == to {
		appLog.Info("power transition skipped", "state", to)
		return nil
	}
	if to == PowerInit || to > PowerOffScreenClear {
		return fmt.Errorf("controller: %s -> %s: %w", from, to, ErrBadTransition)
	}
	if from == PowerInit && to != PowerRun && to != PowerOff {
		return fmt.Errorf("controller: %s -> %s: %w", from, to, ErrBadTransition)
	}
	appLog.Info("power transition", "from", from, "to", to)

	switch from {
	case PowerInit:
		if to == PowerOff {
			c.power = PowerOff
			return nil
		}
		if err := c.bringUp(); err != nil {
			c.power = PowerInit
			return err
		}
		return nil

	case PowerOff, PowerOffScreenClear:
		if !c.wfLoaded {
			// Never brought up: off -> run is a full bring-up.
			if to != PowerRun {
				return fmt.Errorf("controller: %s -> %s before bring-up: %w", from, to, ErrBadTransition)
			}
			if err := c.bringUp(); err != nil {
				c.power = from
				return err
			}
			return nil
		}
		switch to {
		case PowerOff, PowerOffScreenClear:
			if from == PowerOffScreenClear || to == PowerOff {
				// Panel already blank and hardware down.
				c.power = to
				return nil
			}
			// The clear overwrites the screen, so skip the restore.
			if err := c.powerOn(false); err != nil {
				return err
			}
			return c.shutdown(true)
		}
		if err := c.powerOn(true); err != nil {
			return err
		}
		return c.fromRun(to)
	}

	// run, standby or sleep
	switch to {
	case PowerOff:
		return c.shutdown(false)
	case PowerOffScreenClear:
		return c.shutdown(true)
	case PowerRun:
		return c.wake()
	}
	if from != PowerRun {
		if err := c.wake(); err != nil {
			return err
		}
	}
	return c.fromRun(to)
}

// fromRun handles run -> {run, standby, sleep}.
func (c *Controller) fromRun(to PowerState) error {
	switch to {
	case PowerRun:
		return nil
	case PowerStandby:
		return c.park(bscmd.Stby, PowerStandby)
	case PowerSleep:
		return c.park(bscmd.Slp, PowerSleep)
	}
	return fmt.Errorf("controller: run -> %s: %w", to, ErrBadTransition)
}

func (c *Controller) park(op bscmd.Opcode, to PowerState) error {
	if err := c.sender.Run(op); err != nil {
		return fmt.Errorf("controller: enter %s: %w", to, err)
	}
	c.power = to
	if c.pmic != nil {
		if err := c.pmic.SetPowerState(pmic.Standby); err != nil {
			return fmt.Errorf("controller: pmic standby: %w", err)
		}
	}
	return nil
}

// wake is {standby, sleep} -> run; panel parameters are kept.
func (c *Controller) wake() error {
	if err := c.sender.Run(bscmd.RunSys); err != nil {
		return fmt.Errorf("controller: wake: %w", err)
	}
	c.power = PowerRun
	return nil
}

// shutdown goes through sleep to off. With clear set the panel is blanked
// first and the final state is off_screen_clear.
func (c *Controller) shutdown(clear bool) error {
	if clear {
		if err := c.clearScreen(); err != nil {
			return err
		}
	}
	if err := c.flushRepair(); err != nil {
		appLog.Error("repair before power off failed", err)
	}
	if c.power != PowerSleep {
		if c.power == PowerStandby {
			if err := c.wake(); err != nil {
				return err
			}
		}
		if err := c.park(bscmd.Slp, PowerSleep); err != nil {
			return err
		}
	}
	if c.pmic != nil {
		if err := c.pmic.SetPowerState(pmic.Sleep); err != nil {
			return fmt.Errorf("controller: pmic sleep: %w", err)
		}
	}
	c.stopRepairTimer()
	if c.acc != nil {
		c.acc.Reset()
	}
	if clear {
		c.power = PowerOffScreenClear
	} else {
		c.power = PowerOff
	}
	return nil
}

// powerOn re-initializes the controller from off. With restore set the
// screen is redrawn from the shadow framebuffer with a non-flashing update.
func (c *Controller) powerOn(restore bool) error {
	c.power = PowerInit
	if err := c.initController(); err != nil {
		c.power = PowerOff
		return err
	}
	c.power = PowerRun
	if !restore {
		return nil
	}
	if err := c.restore(); err != nil {
		return fmt.Errorf("controller: restore after power on: %w", err)
	}
	return nil
}
