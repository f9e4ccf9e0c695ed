// Package controller owns one e-ink display controller: its command
// channel, serial flash, waveform metadata, update-mode state, repair
// accumulator, power state and temperature handling. All hardware access
// goes through a single mutex; no method may be called while another is
// in flight on the same bus except through that lock.
package controller

import (
	"fmt"
	"sync"
	"time"

	"epdhal/internal/bscmd"
	"epdhal/internal/convert"
	appLog "epdhal/internal/log"
	"epdhal/internal/pmic"
	"epdhal/internal/repair"
	"epdhal/internal/sfm"
	"epdhal/internal/updmode"
	"epdhal/internal/waveform"
)

// Display timing and configuration words sent at controller init.
const (
	dspeSDConfig  = 0x0100
	dspeGFConfig  = 0x0200
	dspeLUTFormat = 0x0004

	tmgFrameSync  = 4
	tmgFrameBegin = 4
	tmgLineSync   = 10
	tmgLineBegin  = 4
	tmgPixClkDiv  = 6

	busPattern1 = 0x5AA5
	busPattern2 = 0xA55A
	idBitsMask  = 0x000F
)

type Controller struct {
	mu sync.Mutex

	t      bscmd.Transport
	sender *bscmd.Sender
	pmic   pmic.PMIC
	flash  *sfm.Flash
	opts   options

	power PowerState

	wfInfo   waveform.Info
	wfString string
	wfLoaded bool
	modes    *updmode.State
	override updmode.Mode

	acc         *repair.Accumulator
	repairTimer *time.Timer

	fb     []byte
	stride int

	lastTemp  int8
	tempValid bool

	preflight PreflightError
}

// New attaches a controller to a transport. p may be nil when the panel has
// no PMIC. The hardware is not touched until Start.
func New(t bscmd.Transport, p pmic.PMIC, opts ...Option) *Controller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Controller{
		t:        t,
		pmic:     p,
		opts:     o,
		power:    PowerInit,
		override: updmode.ModeAuto,
		stride:   convert.Stride(o.width, o.bpp),
	}
	c.fb = convert.Fill(o.width, o.height, o.bpp, uint8(1<<o.bpp-1))
	c.sender = bscmd.NewSender(t,
		bscmd.WithLogSize(o.logSize),
		bscmd.WithFailureDepth(o.failureDepth),
		bscmd.WithIgnoreReady(o.ignoreReady),
		bscmd.WithResetHook(o.resetDelay, c.hardwareReset),
	)
	c.sender.SetGate(c.gate)
	c.flash = sfm.New(c.sender, sfm.WithTimeout(o.flashTimeout))
	return c
}

// Start brings the controller from init to run: controller init,
// preflight, waveform and mode table load, orientation and panel init.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(PowerRun)
}

// Close powers the controller off and stops the repair watchdog.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRepairTimer()
	if c.power == PowerInit || c.power == PowerOff || c.power == PowerOffScreenClear {
		c.power = PowerOff
		return nil
	}
	return c.transition(PowerOff)
}

// initController runs the controller-level init sequence. Panel state
// (waveform, mode table) is untouched.
func (c *Controller) initController() error {
	steps := []*bscmd.Block{
		bscmd.Cmd(bscmd.InitSysRun),
		bscmd.Cmd(bscmd.InitDspeCfg, uint16(c.opts.width), uint16(c.opts.height), dspeSDConfig, dspeGFConfig, dspeLUTFormat),
		bscmd.Cmd(bscmd.InitDspeTmg, tmgFrameSync, tmgFrameBegin, tmgLineSync, tmgLineBegin, tmgPixClkDiv),
		bscmd.Cmd(bscmd.InitRotMode, c.opts.rotation),
	}
	for _, b := range steps {
		if err := c.sender.Send(b); err != nil {
			return fmt.Errorf("controller: init %s: %w", b.Op, err)
		}
	}
	if c.opts.autoWaveform {
		if err := c.sender.WriteReg(bscmd.RegAutoWaveform, 1); err != nil {
			return fmt.Errorf("controller: enable auto waveform: %w", err)
		}
	}
	return nil
}

// bringUp is the init → run transition.
func (c *Controller) bringUp() error {
	if err := c.initController(); err != nil {
		return err
	}
	if err := c.runPreflight(); err != nil {
		return err
	}
	if c.pmic != nil && c.opts.vcomMV != 0 {
		if err := c.pmic.SetVCOM(c.opts.vcomMV); err != nil {
			return fmt.Errorf("controller: set vcom: %w", err)
		}
	}
	c.power = PowerRun
	if err := c.prepareDisplay(); err != nil {
		return err
	}
	if err := c.sender.Run(bscmd.UpdInit); err != nil {
		return fmt.Errorf("controller: panel init: %w", err)
	}
	if err := c.sender.Run(bscmd.WaitDspeFrend); err != nil {
		return err
	}
	if err := c.modes.Set(c.modes.Table().Init()); err != nil {
		return err
	}
	appLog.Info("controller running",
		"waveform", c.wfString,
		"modes", c.modes.Table().Name,
		"panel", fmt.Sprintf("%dx%d@%dbpp", c.opts.width, c.opts.height, c.opts.bpp))
	return nil
}

// hardwareReset runs from the sender's reset watchdog after a bus failure.
func (c *Controller) hardwareReset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.t.(bscmd.Resetter); ok {
		if err := r.Reset(); err != nil {
			appLog.Error("hardware reset failed", err)
			return
		}
	}
	c.sender.ClearReset()
	switch c.power {
	case PowerInit, PowerOff, PowerOffScreenClear:
		return
	}
	if err := c.initController(); err != nil {
		appLog.Error("controller re-init after reset failed", err)
		return
	}
	c.power = PowerRun
	appLog.Warn("controller recovered by hardware reset")
}

// Mode returns the last mode sent to the panel.
func (c *Controller) Mode() (updmode.Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modes == nil {
		return 0, ErrNoWaveform
	}
	return c.modes.Current(), nil
}

// ModeTable returns the active generation's mode table.
func (c *Controller) ModeTable() (*updmode.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modes == nil {
		return nil, ErrNoWaveform
	}
	return c.modes.Table(), nil
}

// SetModeOverride forces every later update to use m.
func (c *Controller) SetModeOverride(m updmode.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modes == nil {
		return ErrNoWaveform
	}
	if m != updmode.ModeAuto && !c.modes.Table().Contains(m) {
		return fmt.Errorf("controller: override %d: %w", uint8(m), updmode.ErrBadMode)
	}
	c.override = m
	appLog.Info("mode override set", "mode", c.modes.Table().ModeName(m))
	return nil
}

// ClearModeOverride returns mode selection to the engine.
func (c *Controller) ClearModeOverride() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.override = updmode.ModeAuto
}

// WaveformVersion returns the rendered waveform version string.
func (c *Controller) WaveformVersion() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wfLoaded {
		return "", ErrNoWaveform
	}
	return c.wfString, nil
}

// WaveformInfo returns the parsed waveform header.
func (c *Controller) WaveformInfo() (waveform.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wfLoaded {
		return waveform.Info{}, ErrNoWaveform
	}
	return c.wfInfo, nil
}

// FlashRead reads raw flash bytes for firmware tooling.
func (c *Controller) FlashRead(addr, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flash.Read(addr, n)
}

// FlashWrite programs raw flash bytes for firmware tooling. Parsed waveform
// data is not refreshed until the next bring-up.
func (c *Controller) FlashWrite(addr int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flash.Write(addr, data); err != nil {
		return err
	}
	appLog.Info("flash written", "addr", fmt.Sprintf("0x%06X", addr), "len", len(data))
	return nil
}

// FlashSize returns the detected flash size, probing the part if needed.
func (c *Controller) FlashSize() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flash.Size() == 0 {
		if _, err := c.flash.Preflight(); err != nil {
			return 0, err
		}
	}
	return c.flash.Size(), nil
}

// RecentCommands returns up to k of the last commands sent, oldest first.
func (c *Controller) RecentCommands(k int) []bscmd.LogEntry {
	return c.sender.Recent(k)
}

// Status is a point-in-time summary for the web API.
type Status struct {
	Power         string   `json:"power"`
	Ready         bool     `json:"ready"`
	ResetPending  bool     `json:"reset_pending"`
	Preflight     []string `json:"preflight_failures,omitempty"`
	Waveform      string   `json:"waveform,omitempty"`
	ModeTable     string   `json:"mode_table,omitempty"`
	Mode          string   `json:"mode,omitempty"`
	Override      string   `json:"override,omitempty"`
	Temperature   *int8    `json:"temperature_c,omitempty"`
	RepairPending int      `json:"repair_pending"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	Bpp           int      `json:"bpp"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Power:        c.power.String(),
		Ready:        c.sender.Ready(),
		ResetPending: c.sender.ResetPending(),
		Preflight:    c.preflight.Names(),
		Width:        c.opts.width,
		Height:       c.opts.height,
		Bpp:          c.opts.bpp,
	}
	if c.wfLoaded {
		s.Waveform = c.wfString
	}
	if c.modes != nil {
		tbl := c.modes.Table()
		s.ModeTable = tbl.Name
		s.Mode = tbl.ModeName(c.modes.Current())
		if c.override != updmode.ModeAuto {
			s.Override = tbl.ModeName(c.override)
		}
	}
	if c.tempValid {
		t := c.lastTemp
		s.Temperature = &t
	}
	if c.acc != nil {
		s.RepairPending = c.acc.Pending()
	}
	return s
}
