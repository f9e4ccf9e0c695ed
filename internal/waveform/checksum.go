package waveform

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Firmware layout in the serial flash: the controller command image with
// its trailing CRC32, followed by the waveform image.
const (
	CommandsBase = 0x0000
	CommandsSize = 0x0886
	WaveformBase = CommandsBase + CommandsSize
)

// ErrChecksum is matched by *ChecksumError.
var ErrChecksum = errors.New("checksum mismatch")

// ChecksumError names the failing check and both values.
type ChecksumError struct {
	Which string
	Want  uint32
	Got   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("waveform: %s checksum mismatch: stored 0x%08X, computed 0x%08X", e.Which, e.Want, e.Got)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksum }

// VerifyChecksum checks the image at base against the header. Legacy images
// carry two byte sums over the header; modern images a CRC32 over everything
// after the checksum word up to FileSize. The two schemes are distinct and
// both must match existing flashed parts bit for bit.
func VerifyChecksum(r io.ReaderAt, base int64, info Info) error {
	if info.Modern() {
		if info.FileSize < 4 {
			return fmt.Errorf("waveform: file size %d too small", info.FileSize)
		}
		h := crc32.NewIEEE()
		if _, err := io.Copy(h, io.NewSectionReader(r, base+4, int64(info.FileSize)-4)); err != nil {
			return fmt.Errorf("waveform: read image: %w", err)
		}
		if got := h.Sum32(); got != info.Checksum {
			return &ChecksumError{Which: "crc32", Want: info.Checksum, Got: got}
		}
		return nil
	}

	hdr := make([]byte, legacyHeaderLen)
	if _, err := r.ReadAt(hdr, base); err != nil {
		return fmt.Errorf("waveform: read header: %w", err)
	}
	if got := byteSum(hdr[:offChecksum1]); got != hdr[offChecksum1] {
		return &ChecksumError{Which: "header sum 1", Want: uint32(hdr[offChecksum1]), Got: uint32(got)}
	}
	if got := byteSum(hdr[offChecksum1+1 : offChecksum2]); got != hdr[offChecksum2] {
		return &ChecksumError{Which: "header sum 2", Want: uint32(hdr[offChecksum2]), Got: uint32(got)}
	}
	return nil
}

func byteSum(p []byte) uint8 {
	var s uint8
	for _, b := range p {
		s += b
	}
	return s
}

// VerifyCommands checks the command image's trailing CRC32.
func VerifyCommands(r io.ReaderAt) error {
	img := make([]byte, CommandsSize)
	if _, err := r.ReadAt(img, CommandsBase); err != nil {
		return fmt.Errorf("waveform: read commands: %w", err)
	}
	want := binary.LittleEndian.Uint32(img[CommandsSize-4:])
	if got := crc32.ChecksumIEEE(img[:CommandsSize-4]); got != want {
		return &ChecksumError{Which: "commands", Want: want, Got: got}
	}
	return nil
}

// SealCommands stores the CRC32 of img[:CommandsSize-4] in its last four
// bytes, producing an image VerifyCommands accepts.
func SealCommands(img []byte) error {
	if len(img) != CommandsSize {
		return fmt.Errorf("waveform: commands image is %d bytes, want %d", len(img), CommandsSize)
	}
	binary.LittleEndian.PutUint32(img[CommandsSize-4:], crc32.ChecksumIEEE(img[:CommandsSize-4]))
	return nil
}

// SealLegacy fills the two header byte sums of a legacy image.
func SealLegacy(hdr []byte) {
	hdr[offChecksum1] = byteSum(hdr[:offChecksum1])
	hdr[offChecksum2] = byteSum(hdr[offChecksum1+1 : offChecksum2])
}

// SealModern sets the file size and CRC32 of a modern image.
func SealModern(img []byte) {
	binary.LittleEndian.PutUint32(img[offFileSize:], uint32(len(img)))
	binary.LittleEndian.PutUint32(img[offChecksum:], crc32.ChecksumIEEE(img[4:]))
}
