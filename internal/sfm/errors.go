package sfm

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is matched by *RangeError.
	ErrOutOfRange = errors.New("flash access out of range")
	// ErrFlashIDUnrecognized is returned by Preflight when the electronic
	// signature matches no supported part.
	ErrFlashIDUnrecognized = errors.New("unrecognized flash signature")
)

// RangeError is returned before any hardware access when a request does not
// fit in the detected part.
type RangeError struct {
	Addr int
	Len  int
	Size int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("flash access [0x%06X, 0x%06X) exceeds size 0x%06X", e.Addr, e.Addr+e.Len, e.Size)
}

func (e *RangeError) Is(target error) bool { return target == ErrOutOfRange }

// VerifyError reports the first byte that did not read back as written.
type VerifyError struct {
	Addr int
	Want byte
	Got  byte
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("flash verification failed at 0x%06X: wrote 0x%02X, read 0x%02X", e.Addr, e.Want, e.Got)
}
