// Package poll provides the single bounded-wait primitive used for every
// hardware ready/status/power-good wait in the driver.
package poll

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("timeout")

// TimeoutError reports which wait ran out of budget.
type TimeoutError struct {
	What  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.What, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Until calls cond until it reports done, returns an error, or timeout
// elapses. cond is always evaluated at least once, so a zero timeout means
// "check once". Errors returned by cond abort the wait and are returned as is.
func Until(what string, timeout, interval time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &TimeoutError{What: what, After: timeout}
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}
}
