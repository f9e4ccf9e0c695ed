package transport

// simFlash models an M25P-family serial flash behind the controller's SFM
// registers: write-enable latch, busy (WIP) cycles, NOR programming that
// can only clear bits, and sector erase on deselect.
type simFlash struct {
	mem        []byte
	sig        byte
	sectorSize int

	selected bool
	cmd      []byte
	wel      bool
	busy     int

	// stuckBits are ORed into every programmed byte to fake a worn part.
	stuckBits byte
}

const simFlashBusyPolls = 2

func newSimFlash(sig byte) *simFlash {
	size, sector := 256*1024, 64*1024
	if sig == 0x10 {
		size, sector = 128*1024, 32*1024
	}
	f := &simFlash{mem: make([]byte, size), sig: sig, sectorSize: sector}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

func (f *simFlash) selectChip(on bool) {
	if on && !f.selected {
		f.cmd = f.cmd[:0]
	}
	if !on && f.selected {
		f.finish()
	}
	f.selected = on
}

func (f *simFlash) addr() int {
	return int(f.cmd[1])<<16 | int(f.cmd[2])<<8 | int(f.cmd[3])
}

func (f *simFlash) xfer(b byte) byte {
	if !f.selected {
		return 0xFF
	}
	f.cmd = append(f.cmd, b)
	n := len(f.cmd)
	switch f.cmd[0] {
	case 0x05: // RDSR
		if n >= 2 {
			var st byte
			if f.busy > 0 {
				f.busy--
				st |= 0x01
			}
			if f.wel {
				st |= 0x02
			}
			return st
		}
	case 0x03: // READ
		if n > 4 && f.busy == 0 {
			return f.mem[(f.addr()+n-5)%len(f.mem)]
		}
	case 0xAB: // RES
		if n >= 5 {
			return f.sig
		}
	}
	return 0xFF
}

func (f *simFlash) finish() {
	if len(f.cmd) == 0 || f.busy > 0 {
		return
	}
	switch f.cmd[0] {
	case 0x06:
		f.wel = true
	case 0x04:
		f.wel = false
	case 0xD8:
		if !f.wel || len(f.cmd) < 4 {
			return
		}
		start := f.addr() / f.sectorSize * f.sectorSize
		for i := start; i < start+f.sectorSize && i < len(f.mem); i++ {
			f.mem[i] = 0xFF
		}
		f.wel = false
		f.busy = simFlashBusyPolls
	case 0x02:
		if !f.wel || len(f.cmd) < 5 {
			return
		}
		base := f.addr()
		page := base &^ 0xFF
		for i, b := range f.cmd[4:] {
			a := page + (base+i)&0xFF
			if a >= len(f.mem) {
				break
			}
			f.mem[a] &= b | f.stuckBits
		}
		f.wel = false
		f.busy = simFlashBusyPolls
	}
}
