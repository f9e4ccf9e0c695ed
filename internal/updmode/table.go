// Package updmode decides which waveform mode a panel update uses. Mode
// sets differ between waveform generations, so every decision goes through
// the Table for the generation named in the waveform header.
package updmode

import (
	"errors"
	"fmt"
)

// Mode is a hardware waveform mode number, meaningful only with its Table.
type Mode uint8

// ModeAuto means "no override": let the engine decide.
const ModeAuto Mode = 0xFF

// Version is the waveform mode generation (the header's mode_version byte).
type Version uint8

const (
	V00 Version = iota
	V01
	V02
	V03
	V04
)

var (
	ErrUnknownVersion = errors.New("unknown update mode version")
	ErrBadMode        = errors.New("mode not in table")
)

// Class is the coarsest rendering a block of pixels needs.
type Class uint8

const (
	ClassOneBit Class = iota
	ClassTwoBit
	ClassFourBit
)

func (c Class) String() string {
	switch c {
	case ClassOneBit:
		return "1bit"
	case ClassTwoBit:
		return "2bit"
	case ClassFourBit:
		return "4bit"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Table is one generation's mode set. Tables are built once and never
// modified.
type Table struct {
	Version Version
	Name    string

	names map[Mode]string
	// order lists the modes from weakest to strongest; promotion picks the
	// later of two modes.
	order    []Mode
	rank     map[Mode]int
	init     Mode
	special  Mode
	flash    [3]Mode
	noFlash  [3]Mode
	flashing map[Mode]bool
}

type mode struct {
	num  Mode
	name string
}

func newTable(v Version, name string, modes []mode, order []string, flash, noFlash [3]string, flashing []string) *Table {
	t := &Table{
		Version:  v,
		Name:     name,
		names:    make(map[Mode]string, len(modes)),
		rank:     make(map[Mode]int, len(modes)),
		flashing: make(map[Mode]bool),
	}
	byName := make(map[string]Mode, len(modes))
	for _, m := range modes {
		t.names[m.num] = m.name
		byName[m.name] = m.num
	}
	for i, n := range order {
		m := byName[n]
		t.order = append(t.order, m)
		t.rank[m] = i
	}
	for i := range flash {
		t.flash[i] = byName[flash[i]]
		t.noFlash[i] = byName[noFlash[i]]
	}
	for _, n := range flashing {
		t.flashing[byName[n]] = true
	}
	t.init = byName["INIT"]
	t.special = t.order[0]
	return t
}

var tables = [...]*Table{
	V00: newTable(V00, "bs-00",
		[]mode{{0, "INIT"}, {1, "MU"}, {2, "GU"}, {3, "GC"}, {4, "PU"}},
		[]string{"PU", "MU", "GU", "GC", "INIT"},
		[3]string{"MU", "GC", "GC"},
		[3]string{"MU", "GU", "GU"},
		[]string{"GC", "INIT"}),
	V01: newTable(V01, "bs-01",
		[]mode{{0, "INIT"}, {1, "DU"}, {2, "GC16"}, {3, "GC4"}, {4, "AU"}},
		[]string{"AU", "DU", "GC4", "GC16", "INIT"},
		[3]string{"DU", "GC4", "GC16"},
		[3]string{"DU", "GC4", "GC16"},
		[]string{"INIT", "GC16", "GC4"}),
	V02: newTable(V02, "bs-02",
		[]mode{{0, "INIT"}, {1, "DU"}, {2, "GC16"}, {3, "GC4"}, {4, "A2"}, {5, "GL16"}},
		[]string{"A2", "DU", "GC4", "GL16", "GC16", "INIT"},
		[3]string{"DU", "GC4", "GC16"},
		[3]string{"DU", "GL16", "GL16"},
		[]string{"INIT", "GC16", "GC4"}),
	V03: newTable(V03, "isis",
		[]mode{{0, "INIT"}, {1, "DU"}, {2, "GC16"}, {3, "GL16"}, {4, "A2"}},
		[]string{"A2", "DU", "GL16", "GC16", "INIT"},
		[3]string{"DU", "GC16", "GC16"},
		[3]string{"DU", "GL16", "GL16"},
		[]string{"INIT", "GC16"}),
	V04: newTable(V04, "auo",
		[]mode{{0, "INIT"}, {1, "GC16"}, {2, "GC4"}, {3, "DU"}, {4, "A2"}, {5, "GLR16"}},
		[]string{"A2", "DU", "GC4", "GLR16", "GC16", "INIT"},
		[3]string{"DU", "GC4", "GC16"},
		[3]string{"DU", "GLR16", "GLR16"},
		[]string{"INIT", "GC16", "GC4"}),
}

// ForVersion returns the table for a waveform's mode_version byte.
func ForVersion(v Version) (*Table, error) {
	if int(v) >= len(tables) {
		return nil, fmt.Errorf("updmode: version 0x%02X: %w", uint8(v), ErrUnknownVersion)
	}
	return tables[v], nil
}

// Lookup maps a pixel class to the table's mode for a flashing or
// non-flashing update.
func (t *Table) Lookup(c Class, flashing bool) Mode {
	if c > ClassFourBit {
		c = ClassFourBit
	}
	if flashing {
		return t.flash[c]
	}
	return t.noFlash[c]
}

// Contains reports whether m belongs to this generation.
func (t *Table) Contains(m Mode) bool {
	_, ok := t.rank[m]
	return ok
}

// Rank is m's position in the promotion order, or -1 for foreign modes.
func (t *Table) Rank(m Mode) int {
	if r, ok := t.rank[m]; ok {
		return r
	}
	return -1
}

// Promote returns the stronger of a and b.
func (t *Table) Promote(a, b Mode) Mode {
	if t.Rank(b) > t.Rank(a) {
		return b
	}
	return a
}

// Flashing reports whether m drives a full black/white flash.
func (t *Table) Flashing(m Mode) bool { return t.flashing[m] }

func (t *Table) Init() Mode    { return t.init }
func (t *Table) Special() Mode { return t.special }

// Modes returns the modes in promotion order.
func (t *Table) Modes() []Mode { return append([]Mode(nil), t.order...) }

// ModeName returns m's name, or its number for foreign modes.
func (t *Table) ModeName(m Mode) string {
	if m == ModeAuto {
		return "AUTO"
	}
	if n, ok := t.names[m]; ok {
		return n
	}
	return fmt.Sprintf("MODE(%d)", uint8(m))
}

// ParseMode resolves a mode name within the table.
func (t *Table) ParseMode(name string) (Mode, error) {
	if name == "" || name == "AUTO" {
		return ModeAuto, nil
	}
	for m, n := range t.names {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("updmode: %q in %s: %w", name, t.Name, ErrBadMode)
}
