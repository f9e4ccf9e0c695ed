package controller

import (
	"errors"
	"strings"
)

var (
	ErrBadArea        = errors.New("update area outside panel or inconsistent with buffer")
	ErrBadTransition  = errors.New("power state transition not allowed")
	ErrNotRunning     = errors.New("controller is not running")
	ErrNoWaveform     = errors.New("waveform not loaded")
	ErrPreflightState = errors.New("preflight failed")
)

// PreflightError is a bitmask of failed preflight checks. Any set bit fails
// preflight.
type PreflightError uint16

const (
	PreflightHardware PreflightError = 1 << iota
	PreflightIDBits
	PreflightBus
	PreflightCommandsInvalid
	PreflightWaveformInvalid
	PreflightFlashIDUnrecognized
	PreflightNotReady
)

var preflightNames = []struct {
	bit  PreflightError
	name string
}{
	{PreflightHardware, "hardware"},
	{PreflightIDBits, "id-bits"},
	{PreflightBus, "bus"},
	{PreflightCommandsInvalid, "commands-invalid"},
	{PreflightWaveformInvalid, "waveform-invalid"},
	{PreflightFlashIDUnrecognized, "flash-id-unrecognized"},
	{PreflightNotReady, "not-ready"},
}

// Has reports whether every bit in b is set.
func (e PreflightError) Has(b PreflightError) bool { return e&b == b }

// Names lists the failed checks.
func (e PreflightError) Names() []string {
	var out []string
	for _, n := range preflightNames {
		if e.Has(n.bit) {
			out = append(out, n.name)
		}
	}
	return out
}

func (e PreflightError) Error() string {
	return "controller: preflight failed: " + strings.Join(e.Names(), ",")
}

func (e PreflightError) Is(target error) bool { return target == ErrPreflightState }
