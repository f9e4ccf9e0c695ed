package controller

import (
	"time"

	"epdhal/internal/bscmd"
	"epdhal/internal/repair"
	"epdhal/internal/updmode"
)

// WaveformSource names where the waveform header is read from.
type WaveformSource string

const (
	SourceFlash WaveformSource = "flash"
	SourceSDRAM WaveformSource = "sdram"
)

type options struct {
	width    int
	height   int
	bpp      int
	rotation uint16

	ignoreReady  bool
	fast         bool
	autoWaveform bool

	tempOverride    int8
	hasTempOverride bool
	vcomMV          int

	flashTimeout time.Duration
	railsTimeout time.Duration

	repairDelay     time.Duration
	repairThreshold int

	logSize      int
	failureDepth int
	resetDelay   time.Duration
	yieldEvery   int

	waveformSource WaveformSource
	sdramWaveform  int
}

func defaultOptions() options {
	return options{
		width:           800,
		height:          600,
		bpp:             4,
		flashTimeout:    5 * time.Second,
		railsTimeout:    time.Second,
		repairDelay:     500 * time.Millisecond,
		repairThreshold: repair.DefaultThreshold,
		logSize:         bscmd.DefaultLogSize,
		failureDepth:    bscmd.DefaultFailureDepth,
		resetDelay:      time.Second,
		yieldEvery:      updmode.DefaultYieldEvery,
		waveformSource:  SourceFlash,
	}
}

// Option configures a Controller.
type Option func(*options)

// WithPanel sets the panel geometry and framebuffer depth (2, 4 or 8 bpp).
func WithPanel(width, height, bpp int) Option {
	return func(o *options) {
		if width > 0 && height > 0 {
			o.width, o.height = width, height
		}
		if bpp == 2 || bpp == 4 || bpp == 8 {
			o.bpp = bpp
		}
	}
}

// WithRotation sets the controller's rotation mode (0-3).
func WithRotation(r uint16) Option {
	return func(o *options) { o.rotation = r & 0x3 }
}

// WithIgnoreReady starts in bootstrap mode, skipping ready waits.
func WithIgnoreReady(ignore bool) Option {
	return func(o *options) { o.ignoreReady = ignore }
}

// WithFastUpdates skips pixel classification for every update.
func WithFastUpdates(fast bool) Option {
	return func(o *options) { o.fast = fast }
}

// WithAutoWaveform hands mode selection to the controller's automatic
// waveform hardware.
func WithAutoWaveform(auto bool) Option {
	return func(o *options) { o.autoWaveform = auto }
}

// WithTemperatureOverride pins the panel temperature, bypassing sensors.
func WithTemperatureOverride(c int8) Option {
	return func(o *options) {
		o.tempOverride = c
		o.hasTempOverride = true
	}
}

// WithVCOM sets the VCOM programmed into the PMIC at bring-up.
func WithVCOM(mv int) Option {
	return func(o *options) { o.vcomMV = mv }
}

// WithFlashTimeout bounds each flash erase/program status wait.
func WithFlashTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flashTimeout = d
		}
	}
}

// WithRailsTimeout bounds the wait for PMIC power good.
func WithRailsTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.railsTimeout = d
		}
	}
}

// WithRepairDelay sets the idle time after a non-flashing update before the
// repair watchdog runs. Zero disables the watchdog.
func WithRepairDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.repairDelay = d
		}
	}
}

// WithRepairThreshold sets how many pending updates are repaired without a
// deferral round.
func WithRepairThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.repairThreshold = n
		}
	}
}

// WithCommandLog sets the diagnostic ring size and the failure dump depth.
func WithCommandLog(size, depth int) Option {
	return func(o *options) {
		if size > 0 {
			o.logSize = size
		}
		if depth > 0 {
			o.failureDepth = depth
		}
	}
}

// WithResetDelay sets how long after a bus failure the hardware reset runs.
func WithResetDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.resetDelay = d
		}
	}
}

// WithYieldEvery sets the classification scan's yield cadence in bytes.
func WithYieldEvery(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.yieldEvery = n
		}
	}
}

// WithWaveformSource selects flash or SDRAM as the waveform header source.
// addr is the SDRAM byte address and is ignored for flash.
func WithWaveformSource(src WaveformSource, addr int) Option {
	return func(o *options) {
		if src == SourceFlash || src == SourceSDRAM {
			o.waveformSource = src
		}
		o.sdramWaveform = addr
	}
}
