package transport

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"epdhal/internal/bscmd"
	appLog "epdhal/internal/log"
)

// UpdateRecord is one display update the simulated controller executed.
type UpdateRecord struct {
	Op   bscmd.Opcode
	Mode uint8
	Rect image.Rectangle
}

// LoadRecord is one host image load.
type LoadRecord struct {
	Format uint16
	Rect   image.Rectangle
	Words  int
}

// Sim is an in-memory controller speaking the command protocol: a register
// file, SDRAM, a serial flash behind the SFM registers, and a record of all
// traffic. It implements bscmd.Transport and bscmd.Resetter.
type Sim struct {
	mu sync.Mutex

	regs  map[uint16]uint16
	sdram []byte
	flash *simFlash

	// command decode state
	op        bscmd.Opcode
	bulkReg   uint16
	bulkOn    bool
	readReg   uint16
	burstAddr int
	burstOn   bool
	imgRect   image.Rectangle
	imgFmt    uint16
	imgOn     bool
	sfmRx     byte
	sfmBusy   int

	state    string
	history  []bscmd.Opcode
	writes   int
	reads    int
	stalls   int
	resets   int
	updates  []UpdateRecord
	loads    []LoadRecord
	failNext map[bscmd.Opcode]bool
	readyErr error
}

var (
	_ bscmd.Transport = (*Sim)(nil)
	_ bscmd.Resetter  = (*Sim)(nil)
)

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithSimFlash selects the flash part by electronic signature.
func WithSimFlash(sig byte) SimOption {
	return func(s *Sim) { s.flash = newSimFlash(sig) }
}

// WithSimSDRAM sets the SDRAM size in bytes.
func WithSimSDRAM(n int) SimOption {
	return func(s *Sim) { s.sdram = make([]byte, n) }
}

// NewSim returns a healthy controller with an erased 256 KiB flash.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		regs:     make(map[uint16]uint16),
		sdram:    make([]byte, 1<<20),
		flash:    newSimFlash(0x11),
		state:    "init",
		failNext: make(map[bscmd.Opcode]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.powerOnRegs()
	return s
}

func (s *Sim) powerOnRegs() {
	s.regs[bscmd.RegProductCode] = bscmd.ProductCode
	s.regs[bscmd.RegRevisionCode] = 0x0100
	s.regs[bscmd.RegIDBits] = 0x0003
	s.regs[bscmd.RegTempSense] = 23
}

// --- bscmd.Transport ---

func (s *Sim) WriteCommand(op bscmd.Opcode, pollReady bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, op)
	if s.failNext[op] {
		delete(s.failNext, op)
		return fmt.Errorf("sim: injected bus failure on %s", op)
	}
	s.op = op
	if op.MaxArgs() == 0 {
		s.exec(nil)
	}
	return nil
}

func (s *Sim) WriteData(kind bscmd.DataKind, words []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if kind == bscmd.DataArgs {
		s.exec(words)
		return nil
	}
	if !s.bulkOn {
		return errors.New("sim: bulk data without a target register")
	}
	switch {
	case s.bulkReg == bscmd.RegHostMemPort && s.imgOn:
		s.loads[len(s.loads)-1].Words += len(words)
	case s.bulkReg == bscmd.RegHostMemPort && s.burstOn:
		for _, w := range words {
			s.sdramPut(w)
		}
	default:
		for _, w := range words {
			s.writeReg(s.bulkReg, w)
		}
	}
	return nil
}

func (s *Sim) ReadData(words []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readReg == bscmd.RegHostMemPort && s.burstOn {
		for i := range words {
			words[i] = s.sdramGet()
		}
		return nil
	}
	for i := range words {
		words[i] = s.readRegLocked(s.readReg)
	}
	return nil
}

func (s *Sim) WaitForReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyErr
}

// Reset returns the controller to its power-on state. Flash and SDRAM
// contents survive.
func (s *Sim) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.state = "init"
	s.bulkOn, s.burstOn, s.imgOn = false, false, false
	s.readyErr = nil
	s.powerOnRegs()
	appLog.Info("sim controller reset", "resets", s.resets)
	return nil
}

// exec runs the current opcode once its arguments are known.
func (s *Sim) exec(args []uint16) {
	arg := func(i int) uint16 {
		if i < len(args) {
			return args[i]
		}
		return 0
	}
	rect := func(first int) image.Rectangle {
		x, y := int(arg(first)), int(arg(first+1))
		return image.Rect(x, y, x+int(arg(first+2)), y+int(arg(first+3)))
	}

	switch s.op {
	case bscmd.RunSys, bscmd.InitSysRun:
		s.state = "run"
	case bscmd.Stby, bscmd.InitSysStby:
		s.state = "standby"
	case bscmd.Slp:
		s.state = "sleep"
	case bscmd.RdReg:
		s.readReg = arg(0)
	case bscmd.WrReg:
		if len(args) >= 2 {
			s.writeReg(args[0], args[1])
			s.bulkOn = false
		} else {
			s.bulkReg = arg(0)
			s.bulkOn = true
		}
	case bscmd.BstRdSdr, bscmd.BstWrSdr:
		s.burstAddr = int(arg(0)) | int(arg(1))<<16
		s.burstOn = true
	case bscmd.BstEndSdr:
		s.burstOn = false
		s.bulkOn = false
	case bscmd.LdImgArea:
		s.imgFmt = arg(0)
		s.imgRect = rect(1)
		s.imgOn = true
		s.loads = append(s.loads, LoadRecord{Format: s.imgFmt, Rect: s.imgRect})
	case bscmd.LdImg:
		s.imgFmt = arg(0)
		s.imgRect = image.Rectangle{}
		s.imgOn = true
		s.loads = append(s.loads, LoadRecord{Format: s.imgFmt})
	case bscmd.LdImgEnd:
		s.imgOn = false
		s.bulkOn = false
	case bscmd.WaitDspeTrg, bscmd.WaitDspeFrend, bscmd.WaitDspeLUTFree, bscmd.WaitDspeMLUTFree:
		s.stalls++
	case bscmd.UpdFull, bscmd.UpdPart:
		s.updates = append(s.updates, UpdateRecord{Op: s.op, Mode: uint8(arg(0) >> 8)})
	case bscmd.UpdFullArea, bscmd.UpdPartArea:
		s.updates = append(s.updates, UpdateRecord{Op: s.op, Mode: uint8(arg(0) >> 8), Rect: rect(1)})
	}
}

func (s *Sim) sdramPut(w uint16) {
	if s.burstAddr+1 < len(s.sdram) {
		s.sdram[s.burstAddr] = byte(w)
		s.sdram[s.burstAddr+1] = byte(w >> 8)
	}
	s.burstAddr += 2
}

func (s *Sim) sdramGet() uint16 {
	var w uint16
	if s.burstAddr+1 < len(s.sdram) {
		w = uint16(s.sdram[s.burstAddr]) | uint16(s.sdram[s.burstAddr+1])<<8
	}
	s.burstAddr += 2
	return w
}

func (s *Sim) writeReg(reg, val uint16) {
	switch reg {
	case bscmd.RegSFMWriteData:
		if val&bscmd.SFMWriteStrobe != 0 {
			s.sfmRx = s.flash.xfer(byte(val))
			s.sfmBusy = 1
		}
	case bscmd.RegSFMChipSelect:
		s.flash.selectChip(val&bscmd.SFMChipSelect != 0)
	}
	s.regs[reg] = val
}

func (s *Sim) readRegLocked(reg uint16) uint16 {
	switch reg {
	case bscmd.RegSFMStatus:
		if s.sfmBusy > 0 {
			s.sfmBusy--
			return bscmd.SFMStatusBusy
		}
		return 0
	case bscmd.RegSFMReadData:
		return uint16(s.sfmRx)
	}
	return s.regs[reg]
}

// --- fault injection and inspection ---

// FailNext makes the next WriteCommand of op fail at the bus level.
func (s *Sim) FailNext(op bscmd.Opcode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = true
}

// SetReadyError makes every WaitForReady return err until cleared with nil
// or a Reset.
func (s *Sim) SetReadyError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyErr = err
}

// SetStuckFlashBits makes programmed flash bytes read back with mask set.
func (s *Sim) SetStuckFlashBits(mask byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flash.stuckBits = mask
}

// SetRegister stores a register value without going through the bus.
func (s *Sim) SetRegister(reg, val uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg] = val
}

func (s *Sim) Register(reg uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg]
}

// SetTemperature sets what the controller's temperature sensor reads.
func (s *Sim) SetTemperature(c int8) {
	s.SetRegister(bscmd.RegTempSense, uint16(int16(c)))
}

// LoadFlash copies data into flash memory directly.
func (s *Sim) LoadFlash(addr int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.flash.mem[addr:], data)
}

// FlashBytes returns a copy of the whole flash array.
func (s *Sim) FlashBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.flash.mem...)
}

// LoadSDRAM copies data into SDRAM directly.
func (s *Sim) LoadSDRAM(addr int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.sdram[addr:], data)
}

// State is the controller power state as last commanded.
func (s *Sim) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Commands returns the number of opcode words written so far.
func (s *Sim) Commands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// History returns every opcode written so far, in order.
func (s *Sim) History() []bscmd.Opcode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bscmd.Opcode(nil), s.history...)
}

// Count returns how many times op was written.
func (s *Sim) Count(op bscmd.Opcode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.history {
		if h == op {
			n++
		}
	}
	return n
}

func (s *Sim) Updates() []UpdateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UpdateRecord(nil), s.updates...)
}

func (s *Sim) Loads() []LoadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LoadRecord(nil), s.loads...)
}

// Stalls counts LUT pipeline wait commands.
func (s *Sim) Stalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalls
}

func (s *Sim) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// ClearHistory forgets recorded traffic, leaving device state alone.
func (s *Sim) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.updates = nil
	s.loads = nil
	s.stalls = 0
	s.writes = 0
	s.reads = 0
}
