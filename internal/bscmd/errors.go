package bscmd

import (
	"errors"
	"fmt"
)

// ErrHardwareUnresponsive is matched by every *ProtocolError.
var ErrHardwareUnresponsive = errors.New("hardware unresponsive")

// ProtocolError is returned when the transport failed mid-command. The
// controller is marked not ready and a reset has been requested.
type ProtocolError struct {
	// Op is the command that was being sent (the sub-command when the
	// failure happened inside it).
	Op  Opcode
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %v: %v", e.Op, ErrHardwareUnresponsive, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool {
	return target == ErrHardwareUnresponsive
}

// IsProtocolError returns true if err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
