package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"epdhal/internal/bscmd"
	"epdhal/internal/capture"
	"epdhal/internal/config"
	"epdhal/internal/controller"
	"epdhal/internal/convert"
	appLog "epdhal/internal/log"
	"epdhal/internal/pmic"
	"epdhal/internal/transport"
	"epdhal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	sim        bool
	simFlash   string
	once       bool

	image string
	url   string
	fast  bool

	power string
	clear bool

	flashDump  string
	flashWrite string
	flashAddr  int
	flashLen   int
}

func main() {
	appLog.Info("epdhal starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.sim {
		conf.Transport.Kind = "sim"
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"transport", conf.Transport.Kind,
		"panel", fmt.Sprintf("%dx%d@%dbpp", conf.Panel.Width, conf.Panel.Height, conf.Panel.Bpp),
		"pmic", conf.PMIC.Enabled,
		"waveform_source", conf.Controller.WaveformSource,
		"repair_delay", conf.Controller.RepairDelay,
		"repair_watchdog", !conf.Controller.DisableRepairWatchdog,
		"once", flags.once,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	ctl, closeBus, err := openController(conf, flags)
	if err != nil {
		appLog.Error("failed to open controller", err)
		os.Exit(1)
	}
	defer closeBus()

	// Flash tooling runs before bring-up so a blank or corrupt image can
	// be reprogrammed.
	if err := runFlashTools(ctl, flags); err != nil {
		appLog.Error("flash command failed", err)
		closeBus()
		os.Exit(1)
	}

	if err := ctl.Start(); err != nil {
		appLog.Error("controller start failed", err, "status", fmt.Sprintf("%+v", ctl.Status()))
		ctl.Close()
		closeBus()
		if flags.once && !flags.needsPanel() && flags.hasFlashTools() {
			appLog.Warn("flash commands completed; controller not brought up")
			return
		}
		os.Exit(1)
	}

	if err := runOneShot(ctx, ctl, conf, flags); err != nil {
		appLog.Error("command failed", err)
		ctl.Close()
		closeBus()
		os.Exit(1)
	}
	if flags.once {
		if err := ctl.Close(); err != nil {
			appLog.Error("controller shutdown failed", err)
		}
		appLog.Info("epdhal exiting")
		return
	}

	sched := cron.New()
	if _, err := sched.AddFunc(conf.TemperatureRefresh, func() { refresh(ctl) }); err != nil {
		appLog.Error("invalid temperature_refresh schedule", err, "schedule", conf.TemperatureRefresh)
	} else {
		sched.Start()
		appLog.Info("temperature refresh scheduled", "schedule", conf.TemperatureRefresh)
	}

	if err := web.Serve(ctx, conf, ctl); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLog.Error("HTTP server failed", err)
	}

	<-sched.Stop().Done()
	if err := ctl.Close(); err != nil {
		appLog.Error("controller shutdown failed", err)
	}
	appLog.Info("epdhal exiting")
}

func (f flagConfig) hasFlashTools() bool {
	return f.flashWrite != "" || f.flashDump != ""
}

// needsPanel reports whether any requested action drives the display.
func (f flagConfig) needsPanel() bool {
	return f.image != "" || f.url != "" || f.clear || f.power != ""
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdhal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.sim, "sim", false, "Use the in-memory simulated controller")
	flag.StringVar(&cfg.simFlash, "sim-flash", "", "Firmware image loaded into the simulated flash at offset 0")
	flag.BoolVar(&cfg.once, "once", false, "Run the requested one-shot actions and exit")

	flag.StringVar(&cfg.image, "image", "", "Display a PNG/JPEG file with a flashing full update")
	flag.StringVar(&cfg.url, "url", "", "Capture a web page with headless Chromium and display it")
	flag.BoolVar(&cfg.fast, "fast", false, "Prefer the fast update mode for -image/-url")

	flag.StringVar(&cfg.power, "power", "", "Request a power state (run, standby, sleep, off, off_screen_clear)")
	flag.BoolVar(&cfg.clear, "clear", false, "Clear the panel to white")

	flag.StringVar(&cfg.flashDump, "flash-dump", "", "Write -flash-len bytes of serial flash from -flash-addr to this file")
	flag.StringVar(&cfg.flashWrite, "flash-write", "", "Program this file into serial flash at -flash-addr")
	flag.IntVar(&cfg.flashAddr, "flash-addr", 0, "Serial flash offset for -flash-dump/-flash-write")
	flag.IntVar(&cfg.flashLen, "flash-len", 0, "Byte count for -flash-dump (0 = to end of flash)")

	flag.Parse()

	return cfg
}

// openController builds the transport and optional PMIC named by the config.
// The returned func releases the bus.
func openController(conf *config.Config, flags flagConfig) (*controller.Controller, func(), error) {
	var (
		t       bscmd.Transport
		p       pmic.PMIC
		closers []func() error
	)

	switch conf.Transport.Kind {
	case "sim":
		sim := transport.NewSim()
		if flags.simFlash != "" {
			img, err := os.ReadFile(flags.simFlash)
			if err != nil {
				return nil, nil, fmt.Errorf("read sim flash image: %w", err)
			}
			sim.LoadFlash(0, img)
		}
		t = sim
		if conf.PMIC.Enabled {
			p = pmic.NewFake(25)
		}
	default:
		h, err := transport.Open(transport.SPIConfig{
			Port:     conf.Transport.SPIPort,
			Hz:       conf.Transport.SPIHz,
			HDCPin:   conf.Transport.HDCPin,
			HRDYPin:  conf.Transport.HRDYPin,
			ResetPin: conf.Transport.ResetPin,
			CSPin:    conf.Transport.CSPin,
		}, transport.WithReadyTimeout(conf.Controller.ReadyTimeout))
		if err != nil {
			return nil, nil, err
		}
		t = h
		closers = append(closers, h.Close)
		if conf.PMIC.Enabled {
			pp, err := pmic.OpenPapyrus(conf.PMIC.I2CBus, conf.PMIC.Addr, conf.Controller.RailsTimeout)
			if err != nil {
				h.Close()
				return nil, nil, err
			}
			p = pp
			closers = append(closers, pp.Close)
		}
	}
	ctl := controller.New(t, p, controllerOptions(conf)...)

	var closed bool
	closeBus := func() {
		if closed {
			return
		}
		closed = true
		for _, fn := range closers {
			if err := fn(); err != nil {
				appLog.Warn("close failed", "err", err)
			}
		}
	}
	return ctl, closeBus, nil
}

func controllerOptions(conf *config.Config) []controller.Option {
	cc := conf.Controller
	repairDelay := cc.RepairDelay
	if cc.DisableRepairWatchdog {
		repairDelay = 0
	}
	opts := []controller.Option{
		controller.WithPanel(conf.Panel.Width, conf.Panel.Height, conf.Panel.Bpp),
		controller.WithRotation(conf.Panel.Rotation),
		controller.WithIgnoreReady(cc.IgnoreReady),
		controller.WithFastUpdates(cc.FastUpdates),
		controller.WithAutoWaveform(cc.AutoWaveform),
		controller.WithFlashTimeout(cc.FlashTimeout),
		controller.WithRailsTimeout(cc.RailsTimeout),
		controller.WithRepairDelay(repairDelay),
		controller.WithRepairThreshold(cc.RepairSkipThreshold),
		controller.WithCommandLog(cc.CommandLogSize, cc.FailureLogDepth),
		controller.WithResetDelay(cc.ResetDelay),
		controller.WithYieldEvery(cc.YieldEvery),
		controller.WithWaveformSource(controller.WaveformSource(cc.WaveformSource), cc.SDRAMWaveform),
	}
	if cc.TemperatureOverride != nil {
		opts = append(opts, controller.WithTemperatureOverride(*cc.TemperatureOverride))
	}
	if conf.PMIC.VCOMmV != 0 {
		opts = append(opts, controller.WithVCOM(conf.PMIC.VCOMmV))
	}
	return opts
}

// runFlashTools programs and then dumps serial flash. Neither needs the
// controller in run.
func runFlashTools(ctl *controller.Controller, flags flagConfig) error {
	if flags.flashWrite != "" {
		data, err := os.ReadFile(flags.flashWrite)
		if err != nil {
			return err
		}
		if err := ctl.FlashWrite(flags.flashAddr, data); err != nil {
			return err
		}
		appLog.Info("flash programmed", "addr", flags.flashAddr, "bytes", len(data))
	}

	if flags.flashDump != "" {
		n := flags.flashLen
		if n <= 0 {
			size, err := ctl.FlashSize()
			if err != nil {
				return err
			}
			n = size - flags.flashAddr
		}
		data, err := ctl.FlashRead(flags.flashAddr, n)
		if err != nil {
			return err
		}
		if err := os.WriteFile(flags.flashDump, data, 0o644); err != nil {
			return err
		}
		appLog.Info("flash dumped", "addr", flags.flashAddr, "bytes", len(data), "path", flags.flashDump)
	}
	return nil
}

// runOneShot performs the display actions in a fixed order: image display,
// clear, power request.
func runOneShot(ctx context.Context, ctl *controller.Controller, conf *config.Config, flags flagConfig) error {
	var img image.Image
	switch {
	case flags.image != "":
		f, err := os.Open(flags.image)
		if err != nil {
			return err
		}
		img, _, err = image.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("decode %s: %w", flags.image, err)
		}
	case flags.url != "":
		var err error
		img, err = capture.Image(ctx, capture.Options{
			URL:    flags.url,
			Width:  conf.Panel.Width,
			Height: conf.Panel.Height,
		})
		if err != nil {
			return err
		}
	}
	if img != nil {
		if err := display(ctl, conf, img, flags.fast); err != nil {
			return err
		}
	}

	if flags.clear {
		w, h, bpp := conf.Panel.Width, conf.Panel.Height, conf.Panel.Bpp
		white := convert.Fill(w, h, bpp, uint8(1<<bpp-1))
		if err := ctl.LoadAndUpdate(white, 0, 0, w, h, controller.KindFlashing); err != nil {
			return err
		}
	}

	if flags.power != "" {
		s, err := controller.ParsePowerState(flags.power)
		if err != nil {
			return err
		}
		if err := ctl.SetPowerState(s); err != nil {
			return err
		}
	}
	return nil
}

func display(ctl *controller.Controller, conf *config.Config, img image.Image, fast bool) error {
	w, h, bpp := conf.Panel.Width, conf.Panel.Height, conf.Panel.Bpp
	pixels, err := convert.PackGray(img, w, h, bpp)
	if err != nil {
		return err
	}
	kind := controller.KindFlashing
	if fast {
		kind = controller.KindFast
	}
	start := time.Now()
	if err := ctl.LoadAndUpdate(pixels, 0, 0, w, h, kind); err != nil {
		return err
	}
	appLog.Info("image displayed", "elapsed", time.Since(start).String())
	return nil
}

// refresh runs from the cron schedule.
func refresh(ctl *controller.Controller) {
	t, err := ctl.Temperature()
	if err != nil {
		appLog.Debug("temperature refresh skipped", "err", err)
		return
	}
	appLog.Debug("temperature refreshed", "celsius", t)
	if err := ctl.MaybeRepair(); err != nil {
		appLog.Warn("scheduled repair failed", "err", err)
	}
}
