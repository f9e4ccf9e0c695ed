package controller

import (
	"fmt"
	"image"
	"time"

	"epdhal/internal/bscmd"
	"epdhal/internal/convert"
	appLog "epdhal/internal/log"
	"epdhal/internal/repair"
	"epdhal/internal/updmode"
)

// UpdateKind flags how an update is rendered.
type UpdateKind uint8

const (
	// KindFlashing requests a full-contrast refresh that resets pixel state.
	KindFlashing UpdateKind = 1 << iota
	// KindFast skips pixel classification and uses the depth's ceiling mode.
	KindFast
)

func (k UpdateKind) flashing() bool { return k&KindFlashing != 0 }
func (k UpdateKind) fast() bool     { return k&KindFast != 0 }

// pixelFormat maps bpp to the controller's LD_IMG pixel format code.
var pixelFormat = map[int]uint16{2: 0, 4: 2, 8: 3}

// LoadAndUpdate copies a packed w×h buffer to (x, y) and refreshes that area.
// pixels rows are convert.Stride(w, bpp) bytes.
func (c *Controller) LoadAndUpdate(pixels []byte, x, y, w, h int, kind UpdateKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRunning(); err != nil {
		return err
	}
	area := image.Rect(x, y, x+w, y+h)
	if w <= 0 || h <= 0 || !area.In(c.bounds()) {
		return fmt.Errorf("controller: area %v on %v: %w", area, c.bounds(), ErrBadArea)
	}
	n := convert.Size(w, h, c.opts.bpp)
	if len(pixels) < n {
		return fmt.Errorf("controller: %d pixel bytes for %dx%d@%dbpp: %w", len(pixels), w, h, c.opts.bpp, ErrBadArea)
	}
	pixels = pixels[:n]

	convert.Copy(c.fb, c.stride, x, y, pixels, convert.Stride(w, c.opts.bpp), 0, 0, w, h, c.opts.bpp)
	return c.display(area, pixels, kind)
}

// FullUpdate refreshes the whole panel from the shadow framebuffer.
func (c *Controller) FullUpdate(kind UpdateKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.display(c.bounds(), c.fb, kind)
}

func (c *Controller) checkRunning() error {
	switch c.power {
	case PowerRun, PowerStandby, PowerSleep:
	default:
		return fmt.Errorf("controller: %s: %w", c.power, ErrNotRunning)
	}
	if c.modes == nil {
		return ErrNoWaveform
	}
	return nil
}

func (c *Controller) bounds() image.Rectangle {
	return image.Rect(0, 0, c.opts.width, c.opts.height)
}

// display loads pixels (packed for area) into the controller and issues the
// update command. Full-screen and flashing updates stall the LUT pipeline
// before and after; non-flashing area updates run concurrently and are
// recorded for repair.
func (c *Controller) display(area image.Rectangle, pixels []byte, kind UpdateKind) error {
	tbl := c.modes.Table()
	full := area == c.bounds()
	flashing := kind.flashing()

	// The flashing update resets the accumulator, so drain it first.
	if flashing && !full {
		if err := c.flushRepair(); err != nil {
			return err
		}
	}

	mode, err := tbl.Choose(updmode.Request{
		Pixels:     pixels,
		Bpp:        c.opts.bpp,
		Flashing:   flashing,
		Override:   c.override,
		Fast:       c.opts.fast || c.opts.autoWaveform || kind.fast(),
		YieldEvery: c.opts.yieldEvery,
	})
	if err != nil {
		return err
	}
	stall := full || flashing || tbl.Flashing(mode)

	if err := c.prepareDisplay(); err != nil {
		return err
	}
	if stall {
		if err := c.sender.Run(bscmd.WaitDspeTrg); err != nil {
			return err
		}
	}
	if err := c.loadImage(area, full, pixels); err != nil {
		return err
	}
	if err := c.sender.Send(updateBlock(area, full, flashing, mode)); err != nil {
		return err
	}
	if stall {
		if err := c.sender.Run(bscmd.WaitDspeFrend); err != nil {
			return err
		}
	}
	if err := c.modes.Set(mode); err != nil {
		return err
	}
	appLog.Debug("panel updated", "area", area, "mode", tbl.ModeName(mode), "flashing", flashing, "stall", stall)

	switch {
	case full || flashing:
		c.stopRepairTimer()
		c.acc.Reset()
	case !stall:
		c.acc.Accumulate(area, mode)
		c.armRepairTimer()
	}
	return nil
}

func (c *Controller) loadImage(area image.Rectangle, full bool, pixels []byte) error {
	format := c.opts.rotation<<8 | pixelFormat[c.opts.bpp]<<4
	b := &bscmd.Block{
		Op:   bscmd.LdImg,
		Type: bscmd.Write,
		Args: []uint16{format},
		Sub:  bscmd.Cmd(bscmd.WrReg, bscmd.RegHostMemPort),
		Data: convert.Words(pixels),
	}
	if !full {
		b.Op = bscmd.LdImgArea
		b.Args = append(b.Args, rectArgs(area)...)
	}
	if err := c.sender.Send(b); err != nil {
		return fmt.Errorf("controller: load image: %w", err)
	}
	return c.sender.Run(bscmd.LdImgEnd)
}

func updateBlock(area image.Rectangle, full, flashing bool, mode updmode.Mode) *bscmd.Block {
	arg := uint16(mode) << 8
	switch {
	case full && flashing:
		return bscmd.Cmd(bscmd.UpdFull, arg)
	case full:
		return bscmd.Cmd(bscmd.UpdPart, arg)
	case flashing:
		return bscmd.Cmd(bscmd.UpdFullArea, append([]uint16{arg}, rectArgs(area)...)...)
	}
	return bscmd.Cmd(bscmd.UpdPartArea, append([]uint16{arg}, rectArgs(area)...)...)
}

func rectArgs(r image.Rectangle) []uint16 {
	return []uint16{uint16(r.Min.X), uint16(r.Min.Y), uint16(r.Dx()), uint16(r.Dy())}
}

// clearScreen blanks the panel with a flashing white refresh. The shadow
// framebuffer keeps its contents for the next restore.
func (c *Controller) clearScreen() error {
	white := convert.Fill(c.opts.width, c.opts.height, c.opts.bpp, c.white())
	if err := c.display(c.bounds(), white, KindFlashing); err != nil {
		return fmt.Errorf("controller: clear screen: %w", err)
	}
	return nil
}

// restore redraws the shadow framebuffer without flashing.
func (c *Controller) restore() error {
	return c.display(c.bounds(), c.fb, 0)
}

func (c *Controller) white() uint8 { return uint8(1<<c.opts.bpp - 1) }

// MaybeRepair runs the repair decision now instead of waiting for the
// watchdog.
func (c *Controller) MaybeRepair() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.maybeRepair()
}

func (c *Controller) maybeRepair() error {
	d, rect, mode := c.acc.Decide()
	switch d {
	case repair.Defer:
		appLog.Debug("repair deferred", "rect", rect, "pending", c.acc.Pending())
		c.armRepairTimer()
	case repair.Issue:
		return c.sendRepair(rect, mode)
	}
	return nil
}

// flushRepair issues any pending repair without a deferral round.
func (c *Controller) flushRepair() error {
	if c.acc == nil || c.acc.Pending() == 0 {
		return nil
	}
	rect, mode := c.acc.Rect(), c.acc.Mode()
	c.acc.Reset()
	return c.sendRepair(rect, mode)
}

// sendRepair issues a drained repair and requeues it when sending fails.
func (c *Controller) sendRepair(rect image.Rectangle, mode updmode.Mode) error {
	if err := c.issueRepair(rect, mode); err != nil {
		c.acc.Requeue(rect, mode)
		c.armRepairTimer()
		return err
	}
	return nil
}

// issueRepair rescans the shadow framebuffer under rect and sends one
// non-flashing area update with the stronger of the accumulated and
// rescanned modes. The image is already in controller memory.
func (c *Controller) issueRepair(rect image.Rectangle, mode updmode.Mode) error {
	tbl := c.modes.Table()
	sub := convert.Fill(rect.Dx(), rect.Dy(), c.opts.bpp, 0)
	convert.Copy(sub, convert.Stride(rect.Dx(), c.opts.bpp), 0, 0,
		c.fb, c.stride, rect.Min.X, rect.Min.Y, rect.Dx(), rect.Dy(), c.opts.bpp)
	scanned, err := tbl.Choose(updmode.Request{
		Pixels:     sub,
		Bpp:        c.opts.bpp,
		Override:   c.override,
		Fast:       c.opts.fast || c.opts.autoWaveform,
		YieldEvery: c.opts.yieldEvery,
	})
	if err != nil {
		return err
	}
	mode = tbl.Promote(mode, scanned)

	if err := c.prepareDisplay(); err != nil {
		return err
	}
	if err := c.sender.Send(updateBlock(rect, false, false, mode)); err != nil {
		return fmt.Errorf("controller: repair: %w", err)
	}
	appLog.Info("repair issued", "rect", rect, "mode", tbl.ModeName(mode))
	return c.modes.Set(mode)
}

func (c *Controller) armRepairTimer() {
	if c.opts.repairDelay == 0 || c.acc == nil || c.acc.Pending() == 0 {
		return
	}
	if c.repairTimer != nil {
		c.repairTimer.Reset(c.opts.repairDelay)
		return
	}
	c.repairTimer = time.AfterFunc(c.opts.repairDelay, c.repairTick)
}

func (c *Controller) stopRepairTimer() {
	if c.repairTimer != nil {
		c.repairTimer.Stop()
	}
}

func (c *Controller) repairTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Parked or powered down: keep the pending repair for later.
	if c.power != PowerRun || c.modes == nil {
		return
	}
	if err := c.maybeRepair(); err != nil {
		appLog.Error("repair watchdog failed", err)
	}
}
