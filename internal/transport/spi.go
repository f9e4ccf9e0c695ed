package transport

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	appLog "epdhal/internal/log"
)

// SPIConfig names the host bus wiring on a Linux board.
type SPIConfig struct {
	Port     string // spireg name, "" for the first port
	Hz       int64
	HDCPin   string // GPIO names as understood by gpioreg, e.g. "GPIO25"
	HRDYPin  string
	ResetPin string
	CSPin    string
}

// Open initializes periph.io, opens the SPI port and configures all GPIO
// pins, returning a Host ready for a bscmd.Sender.
func Open(cfg SPIConfig, opts ...HostOption) (*Host, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("transport: periph host init failed: %w", err)
	}

	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to open SPI port %q: %w", cfg.Port, err)
	}

	hz := cfg.Hz
	if hz <= 0 {
		hz = 12_000_000
	}
	conn, err := port.Connect(physic.Frequency(hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("transport: failed to connect SPI: %w", err)
	}

	out := func(name string, initial gpio.Level) (OutputPin, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("transport: gpio %s not found", name)
		}
		if err := p.Out(initial); err != nil {
			return nil, fmt.Errorf("transport: gpio %s Out failed: %w", name, err)
		}
		return func(level bool) {
			_ = p.Out(gpio.Level(level))
		}, nil
	}

	hdc, err := out(cfg.HDCPin, gpio.High)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	cs, err := out(cfg.CSPin, gpio.High)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	var rst OutputPin
	if cfg.ResetPin != "" {
		if rst, err = out(cfg.ResetPin, gpio.High); err != nil {
			_ = port.Close()
			return nil, err
		}
	}

	rdy := gpioreg.ByName(cfg.HRDYPin)
	if rdy == nil {
		_ = port.Close()
		return nil, fmt.Errorf("transport: gpio %s not found", cfg.HRDYPin)
	}
	if err := rdy.In(gpio.PullDown, gpio.NoEdge); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("transport: gpio %s In failed: %w", cfg.HRDYPin, err)
	}
	hrdy := func() bool { return rdy.Read() == gpio.High }

	appLog.Info("host bus opened", "port", port.String(), "hz", hz, "hdc", cfg.HDCPin, "hrdy", cfg.HRDYPin)
	opts = append([]HostOption{WithCloser(port.Close)}, opts...)
	return FromTinyGo(periphBus{conn: conn}, hdc, cs, rst, hrdy, opts...), nil
}
