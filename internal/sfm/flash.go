// Package sfm drives the serial flash attached to the controller's SPI flash
// memory (SFM) interface. Every flash byte goes through the controller's SFM
// registers, so all operations are slow and strictly sequential.
package sfm

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/exp/constraints"

	"epdhal/internal/bscmd"
	appLog "epdhal/internal/log"
	"epdhal/internal/poll"
)

// Registers is the register access the flash manager needs from the
// command layer. *bscmd.Sender implements it.
type Registers interface {
	ReadReg(reg uint16) (uint16, error)
	WriteReg(reg, val uint16) error
}

// Serial flash instruction set.
const (
	opRead   = 0x03
	opPP     = 0x02
	opWREN   = 0x06
	opWRDI   = 0x04
	opRDSR   = 0x05
	opSE     = 0xD8
	opRES    = 0xAB
	statWIP  = 0x01
	PageSize = 256
)

// Geometry describes one supported flash part.
type Geometry struct {
	Name       string
	Signature  byte
	Size       int
	SectorSize int
}

// Sectors returns the number of erase sectors.
func (g Geometry) Sectors() int { return g.Size / g.SectorSize }

var geometries = []Geometry{
	{Name: "M25P10", Signature: 0x10, Size: 128 * 1024, SectorSize: 32 * 1024},
	{Name: "M25P20", Signature: 0x11, Size: 256 * 1024, SectorSize: 64 * 1024},
}

// GeometryFor returns the part matching an electronic signature.
func GeometryFor(sig byte) (Geometry, bool) {
	for _, g := range geometries {
		if g.Signature == sig {
			return g, true
		}
	}
	return Geometry{}, false
}

// Flash is the flash manager. It is not safe for concurrent use; callers
// serialize through the controller lock.
type Flash struct {
	regs     Registers
	geo      Geometry
	detected bool

	timeout  time.Duration
	interval time.Duration
}

// Option configures a Flash.
type Option func(*Flash)

// WithTimeout bounds every erase/program/transfer status wait.
func WithTimeout(d time.Duration) Option {
	return func(f *Flash) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(f *Flash) {
		if d >= 0 {
			f.interval = d
		}
	}
}

func New(regs Registers, opts ...Option) *Flash {
	f := &Flash{
		regs:     regs,
		timeout:  5 * time.Second,
		interval: time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Geometry returns the detected part, valid after a successful Preflight.
func (f *Flash) Geometry() Geometry { return f.geo }

// Size returns the flash size in bytes, or 0 before detection.
func (f *Flash) Size() int { return f.geo.Size }

// SectorSize returns the erase granularity of the detected part.
func (f *Flash) SectorSize() int { return f.geo.SectorSize }

// Preflight reads the electronic signature and selects the geometry. An
// unknown signature is a hard failure.
func (f *Flash) Preflight() (_ Geometry, err error) {
	if err := f.begin(); err != nil {
		return Geometry{}, err
	}
	defer f.end(&err)

	if err := f.selectChip(true); err != nil {
		return Geometry{}, err
	}
	if _, err := f.xferAll([]byte{opRES, 0, 0, 0}); err != nil {
		return Geometry{}, err
	}
	sig, err := f.xfer(0)
	if err != nil {
		return Geometry{}, err
	}
	if err := f.selectChip(false); err != nil {
		return Geometry{}, err
	}

	g, ok := GeometryFor(sig)
	if !ok {
		f.detected = false
		appLog.Error("flash preflight failed", ErrFlashIDUnrecognized, "signature", fmt.Sprintf("0x%02X", sig))
		return Geometry{}, fmt.Errorf("sfm: signature 0x%02X: %w", sig, ErrFlashIDUnrecognized)
	}
	f.geo = g
	f.detected = true
	appLog.Debug("flash detected", "part", g.Name, "size", g.Size, "sector", g.SectorSize)
	return g, nil
}

func (f *Flash) ensureDetected() error {
	if f.detected {
		return nil
	}
	_, err := f.Preflight()
	return err
}

func (f *Flash) checkRange(addr, n int) error {
	if addr < 0 || n < 0 || addr+n > f.geo.Size {
		err := &RangeError{Addr: addr, Len: n, Size: f.geo.Size}
		appLog.Error("flash request rejected", err)
		return err
	}
	return nil
}

// Read returns n bytes starting at addr.
func (f *Flash) Read(addr, n int) (_ []byte, err error) {
	if err := f.ensureDetected(); err != nil {
		return nil, err
	}
	if err := f.checkRange(addr, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := f.begin(); err != nil {
		return nil, err
	}
	defer f.end(&err)
	if err := f.readRange(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadAt implements io.ReaderAt over the flash address space.
func (f *Flash) ReadAt(p []byte, off int64) (_ int, err error) {
	if err := f.ensureDetected(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &RangeError{Addr: int(off), Len: len(p), Size: f.geo.Size}
	}
	if off >= int64(f.geo.Size) {
		return 0, io.EOF
	}
	n := len(p)
	short := false
	if int(off)+n > f.geo.Size {
		n = f.geo.Size - int(off)
		short = true
	}
	if n == 0 {
		return 0, nil
	}
	if err := f.begin(); err != nil {
		return 0, err
	}
	defer f.end(&err)
	if err := f.readRange(int(off), p[:n]); err != nil {
		return 0, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

// Erase erases the sector starting at sectorAddr.
func (f *Flash) Erase(sectorAddr int) (err error) {
	if err := f.ensureDetected(); err != nil {
		return err
	}
	if err := f.checkRange(sectorAddr, f.geo.SectorSize); err != nil {
		return err
	}
	if alignDown(sectorAddr, f.geo.SectorSize) != sectorAddr {
		return fmt.Errorf("sfm: erase address 0x%06X is not sector aligned", sectorAddr)
	}
	if err := f.begin(); err != nil {
		return err
	}
	defer f.end(&err)
	return f.eraseSector(sectorAddr)
}

// Write programs data at addr. Every spanned sector is erased; bytes of a
// boundary sector outside [addr, addr+len) are read first and written
// back. The written region is re-read and compared at the end; a mismatch
// is logged and returned, never retried.
func (f *Flash) Write(addr int, data []byte) (err error) {
	if err := f.ensureDetected(); err != nil {
		return err
	}
	if err := f.checkRange(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := f.begin(); err != nil {
		return err
	}
	defer f.end(&err)

	ss := f.geo.SectorSize
	end := addr + len(data)
	scratch := make([]byte, ss)

	for sector := alignDown(addr, ss); sector < end; sector += ss {
		lo := max(addr, sector)
		hi := min(end, sector+ss)

		for i := range scratch {
			scratch[i] = 0xFF
		}
		if lo > sector {
			if err := f.readRange(sector, scratch[:lo-sector]); err != nil {
				return err
			}
		}
		if hi < sector+ss {
			if err := f.readRange(hi, scratch[hi-sector:]); err != nil {
				return err
			}
		}
		copy(scratch[lo-sector:hi-sector], data[lo-addr:hi-addr])

		if err := f.eraseSector(sector); err != nil {
			f.abortWrite()
			return err
		}
		for p := 0; p < ss; p += PageSize {
			page := scratch[p : p+PageSize]
			if blank(page) {
				continue
			}
			if err := f.programPage(sector+p, page); err != nil {
				f.abortWrite()
				return err
			}
		}
		appLog.Debug("flash sector written", "sector", fmt.Sprintf("0x%06X", sector), "lo", lo, "hi", hi)
	}

	readback := make([]byte, len(data))
	if err := f.readRange(addr, readback); err != nil {
		return err
	}
	if !bytes.Equal(readback, data) {
		for i := range data {
			if readback[i] != data[i] {
				err := &VerifyError{Addr: addr + i, Want: data[i], Got: readback[i]}
				appLog.Error("flash write verification failed", err, "addr", addr, "len", len(data))
				return err
			}
		}
	}
	return nil
}

func blank(p []byte) bool {
	for _, b := range p {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func alignDown[T constraints.Integer](v, align T) T {
	return v - v%align
}

func alignUp[T constraints.Integer](v, align T) T {
	return alignDown(v+align-1, align)
}

// --- low-level SFM register protocol ---

func (f *Flash) begin() error {
	return f.regs.WriteReg(bscmd.RegSFMControl, bscmd.SFMControlEnable)
}

// end deselects the chip and disables SFM access, also after a failed
// transfer. A release failure is logged and returned through errp unless
// errp already holds an error.
func (f *Flash) end(errp *error) {
	err := f.selectChip(false)
	if e := f.regs.WriteReg(bscmd.RegSFMControl, bscmd.SFMControlDisable); err == nil {
		err = e
	}
	if err == nil {
		return
	}
	appLog.Error("flash release failed", err)
	if *errp == nil {
		*errp = fmt.Errorf("sfm: release: %w", err)
	}
}

func (f *Flash) selectChip(on bool) error {
	var v uint16
	if on {
		v = bscmd.SFMChipSelect
	}
	return f.regs.WriteReg(bscmd.RegSFMChipSelect, v)
}

func (f *Flash) waitTransfer() error {
	return poll.Until("sfm transfer", f.timeout, 0, func() (bool, error) {
		v, err := f.regs.ReadReg(bscmd.RegSFMStatus)
		if err != nil {
			return false, err
		}
		return v&bscmd.SFMStatusBusy == 0, nil
	})
}

// xfer clocks one byte out and returns the byte clocked in.
func (f *Flash) xfer(b byte) (byte, error) {
	if err := f.regs.WriteReg(bscmd.RegSFMWriteData, bscmd.SFMWriteStrobe|uint16(b)); err != nil {
		return 0, err
	}
	if err := f.waitTransfer(); err != nil {
		return 0, err
	}
	v, err := f.regs.ReadReg(bscmd.RegSFMReadData)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

func (f *Flash) xferAll(out []byte) (byte, error) {
	var last byte
	for _, b := range out {
		v, err := f.xfer(b)
		if err != nil {
			return 0, err
		}
		last = v
	}
	return last, nil
}

func (f *Flash) instr(op byte) error {
	if err := f.selectChip(true); err != nil {
		return err
	}
	if _, err := f.xfer(op); err != nil {
		return err
	}
	return f.selectChip(false)
}

func (f *Flash) status() (byte, error) {
	if err := f.selectChip(true); err != nil {
		return 0, err
	}
	if _, err := f.xfer(opRDSR); err != nil {
		return 0, err
	}
	st, err := f.xfer(0)
	if err != nil {
		return 0, err
	}
	return st, f.selectChip(false)
}

func (f *Flash) waitWIP(what string) error {
	return poll.Until(what, f.timeout, f.interval, func() (bool, error) {
		st, err := f.status()
		if err != nil {
			return false, err
		}
		return st&statWIP == 0, nil
	})
}

func (f *Flash) addrCmd(op byte, addr int) error {
	if err := f.selectChip(true); err != nil {
		return err
	}
	_, err := f.xferAll([]byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)})
	return err
}

func (f *Flash) readRange(addr int, p []byte) error {
	if err := f.addrCmd(opRead, addr); err != nil {
		return err
	}
	for i := range p {
		v, err := f.xfer(0)
		if err != nil {
			return err
		}
		p[i] = v
	}
	return f.selectChip(false)
}

func (f *Flash) eraseSector(addr int) error {
	if err := f.instr(opWREN); err != nil {
		return err
	}
	if err := f.addrCmd(opSE, addr); err != nil {
		return err
	}
	if err := f.selectChip(false); err != nil {
		return err
	}
	return f.waitWIP("sfm sector erase")
}

func (f *Flash) programPage(addr int, page []byte) error {
	if alignUp(addr, PageSize) != addr || len(page) != PageSize {
		return fmt.Errorf("sfm: page program at 0x%06X with %d bytes", addr, len(page))
	}
	if err := f.instr(opWREN); err != nil {
		return err
	}
	if err := f.addrCmd(opPP, addr); err != nil {
		return err
	}
	if _, err := f.xferAll(page); err != nil {
		return err
	}
	if err := f.selectChip(false); err != nil {
		return err
	}
	return f.waitWIP("sfm page program")
}

// abortWrite clears the write-enable latch after a failed erase or program.
func (f *Flash) abortWrite() {
	if err := f.instr(opWRDI); err != nil {
		appLog.Debug("flash write disable failed", "err", err)
	}
}
