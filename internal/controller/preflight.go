package controller

import (
	"errors"
	"fmt"
	"io"

	"epdhal/internal/bscmd"
	appLog "epdhal/internal/log"
	"epdhal/internal/repair"
	"epdhal/internal/sfm"
	"epdhal/internal/updmode"
	"epdhal/internal/waveform"
)

// Preflight re-runs the hardware, bus, flash and firmware checks. A nil
// return means every check passed; otherwise the error is a PreflightError
// or the protocol failure that stopped the checks.
func (c *Controller) Preflight() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.power == PowerOff || c.power == PowerOffScreenClear {
		return fmt.Errorf("controller: preflight in %s: %w", c.power, ErrNotRunning)
	}
	return c.runPreflight()
}

// runPreflight checks the controller and loads waveform metadata and the
// matching mode table. Every failed check sets a bit; checks that cannot run
// without an earlier one are skipped.
func (c *Controller) runPreflight() error {
	var pf PreflightError
	defer func() {
		c.preflight = pf
		if pf != 0 {
			appLog.Error("preflight failed", pf, "checks", pf.Names())
		}
	}()

	product, err := c.sender.ReadReg(bscmd.RegProductCode)
	if err != nil {
		if errors.Is(err, bscmd.ErrHardwareUnresponsive) {
			pf |= PreflightNotReady
			return pf
		}
		return err
	}
	if product != bscmd.ProductCode {
		appLog.Warn("unexpected product code", "got", fmt.Sprintf("0x%04X", product))
		pf |= PreflightHardware
		return pf
	}

	ids, err := c.sender.ReadReg(bscmd.RegIDBits)
	if err != nil {
		return err
	}
	// All-zero and all-one straps mean the ID lines are floating.
	if ids&idBitsMask == 0 || ids&idBitsMask == idBitsMask {
		pf |= PreflightIDBits
	}

	ok, err := c.busTest()
	if err != nil {
		return err
	}
	if !ok {
		pf |= PreflightBus
		return pf
	}

	if _, err := c.flash.Preflight(); err != nil {
		if errors.Is(err, sfm.ErrFlashIDUnrecognized) {
			pf |= PreflightFlashIDUnrecognized
			return pf
		}
		return err
	}
	if err := waveform.VerifyCommands(c.flash); err != nil {
		if !errors.Is(err, waveform.ErrChecksum) {
			return err
		}
		appLog.Warn("commands image rejected", "err", err)
		pf |= PreflightCommandsInvalid
	}

	if err := c.loadWaveform(); err != nil {
		if errors.Is(err, errWaveformInvalid) {
			pf |= PreflightWaveformInvalid
		} else {
			return err
		}
	}

	if pf != 0 {
		return pf
	}
	return nil
}

// busTest writes two complementary patterns to the scratch register and
// reads them back.
func (c *Controller) busTest() (bool, error) {
	for _, p := range []uint16{busPattern1, busPattern2} {
		if err := c.sender.WriteReg(bscmd.RegScratch, p); err != nil {
			return false, err
		}
		got, err := c.sender.ReadReg(bscmd.RegScratch)
		if err != nil {
			return false, err
		}
		if got != p {
			appLog.Warn("bus test mismatch", "want", fmt.Sprintf("0x%04X", p), "got", fmt.Sprintf("0x%04X", got))
			return false, nil
		}
	}
	return true, nil
}

var errWaveformInvalid = errors.New("waveform invalid")

// loadWaveform parses the header, checks its version string and checksum
// and selects the mode table. Bus failures are returned as is; anything
// wrong with the image itself wraps errWaveformInvalid.
func (c *Controller) loadWaveform() error {
	src, base := c.waveformReader()
	info, err := waveform.Parse(src, base)
	if err != nil {
		return err
	}
	version := info.VersionString()
	if !info.Valid() {
		appLog.Warn("waveform header has unknown fields", "version", version)
		return fmt.Errorf("controller: %q: %w", version, errWaveformInvalid)
	}
	if err := waveform.VerifyChecksum(src, base, info); err != nil {
		if !errors.Is(err, waveform.ErrChecksum) {
			return err
		}
		appLog.Warn("waveform checksum rejected", "version", version, "err", err)
		return fmt.Errorf("controller: %w: %w", errWaveformInvalid, err)
	}
	tbl, err := updmode.ForVersion(updmode.Version(info.ModeVersion))
	if err != nil {
		appLog.Warn("waveform mode version not supported", "mode_version", info.ModeVersion)
		return fmt.Errorf("controller: %w: %w", errWaveformInvalid, err)
	}

	if c.modes == nil || c.modes.Table() != tbl {
		c.modes = updmode.NewState(tbl)
		if c.acc == nil {
			c.acc = repair.New(tbl, c.opts.repairThreshold)
		} else {
			c.acc.SetPromoter(tbl)
		}
		if c.override != updmode.ModeAuto && !tbl.Contains(c.override) {
			c.override = updmode.ModeAuto
		}
	}
	c.wfInfo, c.wfString, c.wfLoaded = info, version, true
	appLog.Info("waveform loaded", "version", version, "modes", tbl.Name, "source", c.opts.waveformSource)
	return nil
}

func (c *Controller) waveformReader() (io.ReaderAt, int64) {
	if c.opts.waveformSource == SourceSDRAM {
		return &sdramReader{s: c.sender}, int64(c.opts.sdramWaveform)
	}
	return c.flash, waveform.WaveformBase
}
