package controller

import (
	"fmt"
	"time"

	"epdhal/internal/bscmd"
	appLog "epdhal/internal/log"
	"epdhal/internal/pmic"
	"epdhal/internal/poll"
)

const (
	tempMin = 0
	tempMax = 50

	// Sensors report these when a conversion glitches.
	tempGlitchHigh = 127
	tempGlitchLow  = -128

	// Used when the very first reading is a glitch.
	tempDefault = 25

	railsPollInterval = time.Millisecond
)

// Temperature returns the panel temperature in °C, clipped to the
// waveform's supported range.
func (c *Controller) Temperature() (int8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTemperature()
}

// readTemperature picks the first available source: the configured
// override, the PMIC, then the controller's own sensor.
func (c *Controller) readTemperature() (int8, error) {
	if c.opts.hasTempOverride {
		return clipTemperature(c.opts.tempOverride), nil
	}

	var (
		raw int8
		err error
	)
	switch {
	case c.pmic != nil:
		raw, err = c.readPMICTemperature()
	case c.power == PowerRun:
		raw, err = c.readSensorTemperature()
	default:
		if c.tempValid {
			return c.lastTemp, nil
		}
		return 0, fmt.Errorf("controller: temperature in %s: %w", c.power, ErrNotRunning)
	}
	if err != nil {
		return 0, err
	}

	if raw == tempGlitchHigh || raw == tempGlitchLow {
		if c.tempValid {
			appLog.Warn("temperature glitch, using last reading", "raw", raw, "last", c.lastTemp)
			return c.lastTemp, nil
		}
		appLog.Warn("temperature glitch with no prior reading", "raw", raw, "using", tempDefault)
		raw = tempDefault
	}
	t := clipTemperature(raw)
	if t != raw {
		appLog.Debug("temperature clipped", "raw", raw, "clipped", t)
	}
	c.lastTemp, c.tempValid = t, true
	return t, nil
}

// readPMICTemperature wakes a parked PMIC for the conversion and puts it
// back afterwards.
func (c *Controller) readPMICTemperature() (int8, error) {
	prev := c.pmic.PowerState()
	if prev != pmic.Active {
		if err := c.pmic.SetPowerState(pmic.Active); err != nil {
			return 0, fmt.Errorf("controller: wake pmic for temperature: %w", err)
		}
		defer func() {
			if err := c.pmic.SetPowerState(prev); err != nil {
				appLog.Error("pmic restore after temperature read failed", err, "state", prev)
			}
		}()
	}
	t, err := c.pmic.ReadTemperature(true)
	if err != nil {
		return 0, fmt.Errorf("controller: pmic temperature: %w", err)
	}
	return t, nil
}

func (c *Controller) readSensorTemperature() (int8, error) {
	v, err := c.sender.ReadReg(bscmd.RegTempSense)
	if err != nil {
		return 0, fmt.Errorf("controller: read temperature sensor: %w", err)
	}
	return int8(v), nil
}

func clipTemperature(t int8) int8 {
	switch {
	case t < tempMin:
		return tempMin
	case t > tempMax:
		return tempMax
	}
	return t
}

// prepareDisplay runs before every display-affecting command. Without a
// PMIC the controller needs the temperature in a register; with one, the
// PMIC only has to be active with its rails up.
func (c *Controller) prepareDisplay() error {
	if c.pmic == nil {
		t, err := c.readTemperature()
		if err != nil {
			return err
		}
		if err := c.sender.WriteReg(bscmd.RegTemperature, uint16(t)); err != nil {
			return fmt.Errorf("controller: write temperature: %w", err)
		}
		return nil
	}

	if c.pmic.PowerState() != pmic.Active {
		if err := c.pmic.SetPowerState(pmic.Active); err != nil {
			return fmt.Errorf("controller: pmic active: %w", err)
		}
	}
	err := poll.Until("pmic rails", c.opts.railsTimeout, railsPollInterval, c.pmic.RailsUp)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	return nil
}
