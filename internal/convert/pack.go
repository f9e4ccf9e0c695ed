// Package convert turns images into the packed gray framebuffers the
// controller loads, and reads/writes single pixels in such buffers.
package convert

import (
	"fmt"
	"image"
	"image/color"
)

// Stride returns the bytes per row of a packed buffer w pixels wide.
func Stride(w, bpp int) int {
	return (w*bpp + 7) / 8
}

// Size returns the byte length of a packed w×h buffer.
func Size(w, h, bpp int) int {
	return Stride(w, bpp) * h
}

func checkDepth(bpp int) error {
	switch bpp {
	case 2, 4, 8:
		return nil
	}
	return fmt.Errorf("convert: unsupported depth %d bpp", bpp)
}

// Packing rules:
//
//   - rows are y-major, Stride(w, bpp) bytes each
//   - within a byte the first (leftmost) pixel sits in the low-order bits
//   - level 0 is black, the all-ones level is white
func locate(stride, bpp, x, y int) (idx int, shift uint, mask byte) {
	bit := x * bpp
	idx = y*stride + bit/8
	shift = uint(bit % 8)
	mask = byte((1<<bpp)-1) << shift
	return
}

// Pixel returns the level of pixel (x, y).
func Pixel(buf []byte, stride, bpp, x, y int) uint8 {
	idx, shift, mask := locate(stride, bpp, x, y)
	return (buf[idx] & mask) >> shift
}

// SetPixel stores level v at (x, y).
func SetPixel(buf []byte, stride, bpp, x, y int, v uint8) {
	idx, shift, mask := locate(stride, bpp, x, y)
	buf[idx] = buf[idx]&^mask | (v<<shift)&mask
}

// Fill returns a w×h buffer with every pixel at level v.
func Fill(w, h, bpp int, v uint8) []byte {
	buf := make([]byte, Size(w, h, bpp))
	stride := Stride(w, bpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			SetPixel(buf, stride, bpp, x, y, v)
		}
	}
	return buf
}

// Copy copies a w×h block of pixels from src at (sx, sy) into dst at
// (dx, dy). Both buffers use the same depth.
func Copy(dst []byte, dstStride int, dx, dy int, src []byte, srcStride int, sx, sy, w, h, bpp int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			SetPixel(dst, dstStride, bpp, dx+x, dy+y, Pixel(src, srcStride, bpp, sx+x, sy+y))
		}
	}
}

// PackGray converts img into a packed w×h buffer at bpp.
//
// Requirements / behavior:
//
//   - img must be at least w×h; a larger image is center-cropped.
//   - transparent pixels (alpha < 128) are white.
//   - every other pixel is reduced to luma and quantized to 2^bpp levels.
func PackGray(img image.Image, w, h, bpp int) ([]byte, error) {
	if err := checkDepth(bpp); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() < w || b.Dy() < h {
		return nil, fmt.Errorf("convert: expected at least %dx%d, got %dx%d", w, h, b.Dx(), b.Dy())
	}

	startX := b.Min.X + (b.Dx()-w)/2
	startY := b.Min.Y + (b.Dy()-h)/2
	white := uint8(1<<bpp) - 1

	buf := make([]byte, Size(w, h, bpp))
	stride := Stride(w, bpp)
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			c := color.NRGBAModel.Convert(img.At(startX+px, startY+py)).(color.NRGBA)
			v := white
			if c.A >= 128 {
				v = uint8(luma(c) >> (8 - bpp))
			}
			SetPixel(buf, stride, bpp, px, py, v)
		}
	}
	return buf, nil
}

// luma is the perceptual brightness 0.299R + 0.587G + 0.114B.
func luma(c color.NRGBA) uint32 {
	return (299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B) + 500) / 1000
}

// Words packs bytes into 16-bit host-interface words, first byte in the
// low half. An odd trailing byte is padded with white.
func Words(p []byte) []uint16 {
	out := make([]uint16, (len(p)+1)/2)
	for i := range out {
		lo := uint16(p[2*i])
		hi := uint16(0xFF)
		if 2*i+1 < len(p) {
			hi = uint16(p[2*i+1])
		}
		out[i] = lo | hi<<8
	}
	return out
}

// Bytes unpacks host-interface words into n bytes.
func Bytes(words []uint16, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		w := words[i/2]
		if i%2 == 0 {
			out[i] = byte(w)
		} else {
			out[i] = byte(w >> 8)
		}
	}
	return out
}
