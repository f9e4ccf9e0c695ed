package pmic

import "sync"

// Fake is an in-memory PMIC for development and tests. It counts reads
// and records every requested power state.
type Fake struct {
	mu sync.Mutex

	temp    int8
	readErr error
	vcom    int
	state   State
	// railsDelay is how many RailsUp calls report false after going active.
	railsDelay   int
	railsPending int

	reads      int
	freshReads int
	states     []State
}

// NewFake returns a sleeping PMIC reading temp °C.
func NewFake(temp int8) *Fake {
	return &Fake{temp: temp, state: Sleep}
}

func (f *Fake) ReadTemperature(fresh bool) (int8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if fresh {
		f.freshReads++
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.temp, nil
}

func (f *Fake) SetVCOM(mv int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vcom = mv
	return nil
}

func (f *Fake) SetPowerState(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == Active && f.state != Active {
		f.railsPending = f.railsDelay
	}
	f.state = s
	f.states = append(f.states, s)
	return nil
}

func (f *Fake) PowerState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) RailsUp() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Active {
		return false, nil
	}
	if f.railsPending > 0 {
		f.railsPending--
		return false, nil
	}
	return true, nil
}

// SetTemperature changes what the next read returns.
func (f *Fake) SetTemperature(c int8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temp = c
}

// SetReadError makes reads fail with err until cleared with nil.
func (f *Fake) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// SetRailsDelay makes rails report down for n polls after each wake.
func (f *Fake) SetRailsDelay(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.railsDelay = n
}

func (f *Fake) VCOM() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vcom
}

// Reads returns the total and fresh temperature read counts.
func (f *Fake) Reads() (total, fresh int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.freshReads
}

// States returns every state requested so far.
func (f *Fake) States() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.states...)
}
