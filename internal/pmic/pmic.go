// Package pmic abstracts the panel power management IC that supplies the
// display rails and VCOM and carries the panel temperature sensor.
package pmic

import "fmt"

// State is the PMIC's own power state.
type State uint8

const (
	Active State = iota
	Standby
	Sleep
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Standby:
		return "standby"
	case Sleep:
		return "sleep"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PMIC is the capability the controller consumes. This allows a Papyrus
// I2C implementation on hardware and a Fake for development and tests.
type PMIC interface {
	// ReadTemperature returns the panel temperature in °C. fresh forces a
	// new conversion instead of the last latched value.
	ReadTemperature(fresh bool) (int8, error)
	// SetVCOM programs the VCOM magnitude in millivolts.
	SetVCOM(mv int) error
	SetPowerState(s State) error
	PowerState() State
	// RailsUp reports whether every supply rail reports power good.
	RailsUp() (bool, error)
}
