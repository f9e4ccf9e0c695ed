package pmic

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	appLog "epdhal/internal/log"
	"epdhal/internal/poll"
)

// Papyrus registers (TPS6518x family).
const (
	regTempValue = 0x00
	regEnable    = 0x01
	regVCOM1     = 0x03
	regVCOM2     = 0x04
	regTMST1     = 0x0D
	regPGStatus  = 0x0F
	regRevID     = 0x10

	enableActive  = 0x80
	enableStandby = 0x40

	tmstReadThermistor = 0x80
	tmstConvEnd        = 0x20

	pgAllGood = 0xFA

	// DefaultAddr is the 7-bit I2C address the part straps to.
	DefaultAddr = 0x48
)

// Papyrus talks to a real PMIC over I2C.
type Papyrus struct {
	mu    sync.Mutex
	bus   i2c.BusCloser
	dev   *i2c.Dev
	state State

	timeout time.Duration
}

// OpenPapyrus initializes periph.io, opens the I2C bus and checks that the
// part answers.
//
//   - busName: I2C bus identifier for periph.io ("" for the default bus)
//   - addr:    7-bit I2C address, DefaultAddr unless strapped otherwise
func OpenPapyrus(busName string, addr uint16, timeout time.Duration) (*Papyrus, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("pmic: i2c unavailable on this platform")
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("pmic: periph host init failed: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("pmic: open i2c bus %q: %w", busName, err)
	}
	if addr == 0 {
		addr = DefaultAddr
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	p := &Papyrus{
		bus:     bus,
		dev:     &i2c.Dev{Bus: bus, Addr: addr},
		state:   Sleep,
		timeout: timeout,
	}
	rev, err := p.readReg(regRevID)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("pmic: no answer at 0x%02X: %w", addr, err)
	}
	appLog.Info("pmic detected", "bus", bus.String(), "addr", fmt.Sprintf("0x%02X", addr), "rev", fmt.Sprintf("0x%02X", rev))
	return p, nil
}

func (p *Papyrus) Close() error { return p.bus.Close() }

func (p *Papyrus) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := p.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (p *Papyrus) writeReg(reg, val byte) error {
	return p.dev.Tx([]byte{reg, val}, nil)
}

func (p *Papyrus) ReadTemperature(fresh bool) (int8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fresh {
		if err := p.writeReg(regTMST1, tmstReadThermistor); err != nil {
			return 0, fmt.Errorf("pmic: start conversion: %w", err)
		}
		err := poll.Until("pmic thermistor", p.timeout, time.Millisecond, func() (bool, error) {
			v, err := p.readReg(regTMST1)
			return v&tmstConvEnd != 0, err
		})
		if err != nil {
			return 0, err
		}
	}
	v, err := p.readReg(regTempValue)
	if err != nil {
		return 0, fmt.Errorf("pmic: read temperature: %w", err)
	}
	return int8(v), nil
}

// SetVCOM programs VCOM in 10 mV steps.
func (p *Papyrus) SetVCOM(mv int) error {
	if mv < 0 {
		mv = -mv
	}
	steps := mv / 10
	if steps > 0x1FF {
		return fmt.Errorf("pmic: vcom %d mV out of range", mv)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeReg(regVCOM1, byte(steps)); err != nil {
		return fmt.Errorf("pmic: set vcom: %w", err)
	}
	if err := p.writeReg(regVCOM2, byte(steps>>8)&0x01); err != nil {
		return fmt.Errorf("pmic: set vcom: %w", err)
	}
	return nil
}

func (p *Papyrus) SetPowerState(s State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var v byte
	switch s {
	case Active:
		v = enableActive
	case Standby, Sleep:
		// Rails stay retained in both; the controller side differs.
		v = enableStandby
	default:
		return fmt.Errorf("pmic: unknown state %s", s)
	}
	if err := p.writeReg(regEnable, v); err != nil {
		return fmt.Errorf("pmic: set %s: %w", s, err)
	}
	p.state = s
	return nil
}

func (p *Papyrus) PowerState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Papyrus) RailsUp() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.readReg(regPGStatus)
	if err != nil {
		return false, fmt.Errorf("pmic: read power good: %w", err)
	}
	return v&pgAllGood == pgAllGood, nil
}
