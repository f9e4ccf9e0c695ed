package updmode

import (
	"fmt"
	"runtime"
)

// DefaultYieldEvery is how many bytes Classify scans between scheduler
// yields.
const DefaultYieldEvery = 4096

var (
	class4 [256]Class
	class2 [256]Class
	class8 [256]Class
)

func nibbleClass(v byte) Class {
	switch v & 0x0F {
	case 0x0, 0xF:
		return ClassOneBit
	case 0x5, 0xA:
		return ClassTwoBit
	}
	return ClassFourBit
}

func init() {
	for i := 0; i < 256; i++ {
		b := byte(i)
		class4[i] = max(nibbleClass(b), nibbleClass(b>>4))

		// 2bpp levels stretch to 4bpp as v*5: 0, 5, A, F.
		c := ClassOneBit
		for shift := 0; shift < 8; shift += 2 {
			c = max(c, nibbleClass(((b>>shift)&0x3)*5))
		}
		class2[i] = c

		class8[i] = nibbleClass(b >> 4)
	}
}

// Ceiling is the strongest class reachable at a pixel depth.
func Ceiling(bpp int) (Class, error) {
	switch bpp {
	case 2:
		return ClassTwoBit, nil
	case 4, 8:
		return ClassFourBit, nil
	}
	return 0, fmt.Errorf("updmode: unsupported depth %d bpp", bpp)
}

func classTable(bpp int) *[256]Class {
	switch bpp {
	case 2:
		return &class2
	case 8:
		return &class8
	}
	return &class4
}

// ClassifyByte returns the class of one byte of packed pixels.
func ClassifyByte(b byte, bpp int) Class { return classTable(bpp)[b] }

// Classify scans packed pixels and returns the coarsest class that renders
// them all. The scan stops early once the depth's ceiling is reached and
// yields the processor every yieldEvery bytes.
func Classify(pixels []byte, bpp, yieldEvery int) (Class, error) {
	ceiling, err := Ceiling(bpp)
	if err != nil {
		return 0, err
	}
	table := classTable(bpp)
	c := ClassOneBit
	for i, b := range pixels {
		if bc := table[b]; bc > c {
			c = bc
			if c >= ceiling {
				return c, nil
			}
		}
		if yieldEvery > 0 && (i+1)%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
	return c, nil
}

// Request describes one mode decision.
type Request struct {
	Pixels   []byte
	Bpp      int
	Flashing bool
	// Override forces a mode; ModeAuto leaves the choice to the engine.
	Override Mode
	// Fast skips the pixel scan and assumes the depth's ceiling.
	Fast       bool
	YieldEvery int
}

// Choose returns the weakest mode that renders req.Pixels losslessly.
func (t *Table) Choose(req Request) (Mode, error) {
	if req.Override != ModeAuto {
		if !t.Contains(req.Override) {
			return 0, fmt.Errorf("updmode: override %d for %s: %w", uint8(req.Override), t.Name, ErrBadMode)
		}
		return req.Override, nil
	}
	ceiling, err := Ceiling(req.Bpp)
	if err != nil {
		return 0, err
	}
	if req.Fast {
		return t.Lookup(ceiling, req.Flashing), nil
	}
	c, err := Classify(req.Pixels, req.Bpp, req.YieldEvery)
	if err != nil {
		return 0, err
	}
	return t.Lookup(c, req.Flashing), nil
}

// State is the controller's mode bookkeeping: the active table and the
// last mode sent.
type State struct {
	table   *Table
	current Mode
}

// NewState starts at the table's INIT mode.
func NewState(t *Table) *State {
	return &State{table: t, current: t.Init()}
}

func (s *State) Table() *Table { return s.table }
func (s *State) Current() Mode { return s.current }

// Set records m as the last mode used.
func (s *State) Set(m Mode) error {
	if !s.table.Contains(m) {
		return fmt.Errorf("updmode: set %d: %w", uint8(m), ErrBadMode)
	}
	s.current = m
	return nil
}
