package transport

import (
	"periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers"
)

// FromTinyGo builds a Host over any tinygo drivers.SPI bus, for boards
// where the pins are machine.Pin values the caller wraps in closures. Open
// uses it too, through periphBus.
func FromTinyGo(bus drivers.SPI, hdc, cs, rst OutputPin, hrdy InputPin, opts ...HostOption) *Host {
	tx := func(w, r []byte) error {
		if w == nil && r != nil {
			// Clock out zeros in place.
			return bus.Tx(r, r)
		}
		return bus.Tx(w, r)
	}
	return NewHost(tx, hdc, cs, rst, hrdy, opts...)
}

// periphBus presents a periph.io spi.Conn as a drivers.SPI.
type periphBus struct {
	conn spi.Conn
}

var _ drivers.SPI = periphBus{}

func (b periphBus) Tx(w, r []byte) error { return b.conn.Tx(w, r) }

func (b periphBus) Transfer(c byte) (byte, error) {
	var r [1]byte
	err := b.conn.Tx([]byte{c}, r[:])
	return r[0], err
}
