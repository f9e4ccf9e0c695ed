package controller

import (
	"fmt"
	"io"

	"epdhal/internal/bscmd"
	"epdhal/internal/convert"
)

// sdramReader reads controller SDRAM through a host memory burst. Bursts
// move whole words, so odd offsets and lengths are widened by a byte.
type sdramReader struct {
	s *bscmd.Sender
}

func (r *sdramReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("controller: sdram read at %d: %w", off, io.ErrUnexpectedEOF)
	}
	if len(p) == 0 {
		return 0, nil
	}
	start := off &^ 1
	n := int(off-start) + len(p)
	words := make([]uint16, (n+1)/2)
	count := uint32(len(words) * 2)

	b := &bscmd.Block{
		Op:   bscmd.BstRdSdr,
		Type: bscmd.Read,
		Args: []uint16{uint16(start), uint16(start >> 16), uint16(count), uint16(count >> 16)},
		Sub:  &bscmd.Block{Op: bscmd.RdReg, Type: bscmd.Read, Args: []uint16{bscmd.RegHostMemPort}},
		Data: words,
	}
	if err := r.s.Send(b); err != nil {
		return 0, fmt.Errorf("controller: sdram burst read: %w", err)
	}
	if err := r.s.Run(bscmd.BstEndSdr); err != nil {
		return 0, err
	}
	copy(p, convert.Bytes(words, len(words)*2)[off-start:])
	return len(p), nil
}
