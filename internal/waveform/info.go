// Package waveform reads the waveform firmware header stored in the
// controller's serial flash (or copied into SDRAM) and renders its
// version string.
package waveform

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Header field offsets, relative to the start of the waveform image.
const (
	offChecksum     = 0x00
	offFileSize     = 0x04
	offSerial       = 0x08
	offRunType      = 0x0C
	offPlatform     = 0x0D
	offLot          = 0x0E
	offModeVersion  = 0x10
	offVersion      = 0x11
	offSubversion   = 0x12
	offType         = 0x13
	offSize         = 0x14
	offMfgCode      = 0x15
	offTuningBias   = 0x16
	offRate         = 0x17
	offChecksum1    = 0x1F
	offChecksum2    = 0x2F
	legacyHeaderLen = 0x30
)

// Info is the parsed waveform header. It is never modified after Parse.
type Info struct {
	Version     uint8
	Subversion  uint8
	Type        uint8
	RunType     uint8
	Platform    uint8
	Size        uint8
	Rate        uint8
	Lot         uint16
	ModeVersion uint8 // adhesive run number on legacy images
	MfgCode     uint8
	TuningBias  uint8
	Serial      uint32

	// Checksum and FileSize are set on modern images only.
	Checksum uint32
	FileSize uint32
	// Checksum1 and Checksum2 are the legacy byte-sum fields.
	Checksum1 uint8
	Checksum2 uint8
}

// Modern reports whether the header carries a file size, which selects
// decimal version numbers and the CRC32 checksum.
func (i Info) Modern() bool { return i.FileSize != 0 }

type fieldReader struct {
	r    io.ReaderAt
	base int64
	err  error
}

// read fetches one field with its own ReadAt call.
func (fr *fieldReader) read(off int64, n int) []byte {
	buf := make([]byte, n)
	if fr.err != nil {
		return buf
	}
	if _, err := fr.r.ReadAt(buf, fr.base+off); err != nil {
		fr.err = fmt.Errorf("waveform: read field at 0x%02X: %w", off, err)
	}
	return buf
}

func (fr *fieldReader) u8(off int64) uint8   { return fr.read(off, 1)[0] }
func (fr *fieldReader) u16(off int64) uint16 { return binary.LittleEndian.Uint16(fr.read(off, 2)) }
func (fr *fieldReader) u32(off int64) uint32 { return binary.LittleEndian.Uint32(fr.read(off, 4)) }

// Parse reads the header of the waveform image starting at base.
func Parse(r io.ReaderAt, base int64) (Info, error) {
	fr := &fieldReader{r: r, base: base}
	info := Info{
		Version:     fr.u8(offVersion),
		Subversion:  fr.u8(offSubversion),
		Type:        fr.u8(offType),
		RunType:     fr.u8(offRunType),
		Platform:    fr.u8(offPlatform),
		Size:        fr.u8(offSize),
		Rate:        fr.u8(offRate),
		Lot:         fr.u16(offLot),
		ModeVersion: fr.u8(offModeVersion),
		MfgCode:     fr.u8(offMfgCode),
		TuningBias:  fr.u8(offTuningBias),
		Serial:      fr.u32(offSerial),
		FileSize:    fr.u32(offFileSize),
	}
	if info.Modern() {
		info.Checksum = fr.u32(offChecksum)
	} else {
		info.Checksum1 = fr.u8(offChecksum1)
		info.Checksum2 = fr.u8(offChecksum2)
	}
	if fr.err != nil {
		return Info{}, fr.err
	}
	return info, nil
}

func (i Info) mfgValid() bool    { return i.MfgCode != 0 && i.MfgCode != 0xFF }
func (i Info) rateValid() bool   { return i.Rate != 0 && i.Rate != 0xFF }
func (i Info) serialValid() bool {
	if i.Serial == 0 || i.Serial == 0xFFFFFFFF {
		return false
	}
	return i.RunType != runTypeBaseline && i.RunType != runTypeTest
}

// VersionString renders the header as
// platform_runtype+lot_size_type+version+subversion_bias[mfg][_rate][_serial].
func (i Info) VersionString() string {
	var b strings.Builder
	b.WriteString(name(platformNames, i.Platform))
	b.WriteByte('_')
	b.WriteString(name(runTypeNames, i.RunType))
	fmt.Fprintf(&b, "%03d", i.Lot)
	b.WriteByte('_')
	b.WriteString(name(sizeNames, i.Size))
	b.WriteByte('_')
	b.WriteString(name(typeNames, i.Type))
	if i.Modern() {
		fmt.Fprintf(&b, "%02d%02d", i.Version, i.Subversion)
	} else {
		fmt.Fprintf(&b, "%02X%02X", i.Version, i.Subversion)
	}
	b.WriteByte('_')
	b.WriteString(name(tuningBiasNames, i.TuningBias))
	if i.mfgValid() {
		fmt.Fprintf(&b, "%02X", i.MfgCode)
	}
	if i.rateValid() {
		fmt.Fprintf(&b, "_%02X", i.Rate)
	}
	if i.serialValid() {
		fmt.Fprintf(&b, "_%010d", i.Serial)
	}
	return b.String()
}

// Valid reports whether every enumerated field has a known name.
func (i Info) Valid() bool { return ValidString(i.VersionString()) }

// ValidString reports whether a rendered version string is free of the
// unknown placeholder.
func ValidString(s string) bool { return !strings.Contains(s, Unknown) }
