// Package transport implements the controller's host bus: 16-bit words
// clocked over SPI with a data/command (HDC) select line, an active-low chip
// select and the controller's HRDY ready output. Host is bus-agnostic; Open
// wires it to periph.io and FromTinyGo to a tinygo drivers.SPI. Sim is a
// software controller used by tests and the -sim mode.
package transport

import (
	"fmt"
	"time"

	"epdhal/internal/bscmd"
	appLog "epdhal/internal/log"
	"epdhal/internal/poll"
)

// OutputPin drives one GPIO line.
type OutputPin func(level bool)

// InputPin samples one GPIO line.
type InputPin func() bool

// Host drives the controller over a byte-exchange function and four GPIOs.
type Host struct {
	tx   func(w, r []byte) error
	hdc  OutputPin
	cs   OutputPin
	rst  OutputPin
	hrdy InputPin

	readyTimeout time.Duration
	closer       func() error

	buf []byte
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithReadyTimeout bounds each HRDY wait.
func WithReadyTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.readyTimeout = d
		}
	}
}

// WithCloser registers a function Close runs to release the bus.
func WithCloser(fn func() error) HostOption {
	return func(h *Host) { h.closer = fn }
}

// NewHost builds a Host. rst may be nil when the reset line is not wired.
func NewHost(tx func(w, r []byte) error, hdc, cs, rst OutputPin, hrdy InputPin, opts ...HostOption) *Host {
	h := &Host{
		tx:           tx,
		hdc:          hdc,
		cs:           cs,
		rst:          rst,
		hrdy:         hrdy,
		readyTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.cs(true)
	return h
}

var _ bscmd.Transport = (*Host)(nil)

// WriteCommand clocks the opcode word with HDC low.
func (h *Host) WriteCommand(op bscmd.Opcode, pollReady bool) error {
	if err := h.frame(false, []uint16{uint16(op)}, nil); err != nil {
		return fmt.Errorf("transport: command %s: %w", op, err)
	}
	if pollReady {
		return h.WaitForReady()
	}
	return nil
}

// WriteData clocks argument or burst words with HDC high.
func (h *Host) WriteData(kind bscmd.DataKind, words []uint16) error {
	if err := h.frame(true, words, nil); err != nil {
		return fmt.Errorf("transport: write %d words: %w", len(words), err)
	}
	return nil
}

// ReadData clocks in len(words) words.
func (h *Host) ReadData(words []uint16) error {
	if err := h.frame(true, nil, words); err != nil {
		return fmt.Errorf("transport: read %d words: %w", len(words), err)
	}
	return nil
}

// WaitForReady polls HRDY until it goes high or the ready timeout expires.
func (h *Host) WaitForReady() error {
	return poll.Until("hrdy", h.readyTimeout, 10*time.Microsecond, func() (bool, error) {
		return h.hrdy(), nil
	})
}

// Reset pulses the controller's reset line.
func (h *Host) Reset() error {
	if h.rst == nil {
		return fmt.Errorf("transport: reset line not wired")
	}
	appLog.Warn("pulsing controller reset")
	h.rst(true)
	time.Sleep(10 * time.Millisecond)
	h.rst(false)
	time.Sleep(10 * time.Millisecond)
	h.rst(true)
	time.Sleep(100 * time.Millisecond)
	return nil
}

func (h *Host) Close() error {
	h.cs(true)
	if h.closer != nil {
		return h.closer()
	}
	return nil
}

// frame runs one chip-select window. Words go out big-endian; when in is
// non-nil the same number of words is read back instead.
func (h *Host) frame(data bool, out, in []uint16) error {
	n := len(out)
	if in != nil {
		n = len(in)
	}
	if n == 0 {
		return nil
	}
	if cap(h.buf) < 2*n {
		h.buf = make([]byte, 2*n)
	}
	b := h.buf[:2*n]
	for i := range b {
		b[i] = 0
	}
	for i, w := range out {
		b[2*i] = byte(w >> 8)
		b[2*i+1] = byte(w)
	}

	h.hdc(data)
	h.cs(false)
	var err error
	if in != nil {
		err = h.tx(nil, b)
	} else {
		err = h.tx(b, nil)
	}
	h.cs(true)
	if err != nil {
		return err
	}
	for i := range in {
		in[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return nil
}
