package convert

import (
	"image"
	"image/color"
	"testing"
)

func TestPixelRoundTrip(t *testing.T) {
	for _, bpp := range []int{2, 4, 8} {
		w, h := 7, 3
		stride := Stride(w, bpp)
		buf := make([]byte, Size(w, h, bpp))
		top := uint8(1<<bpp - 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				SetPixel(buf, stride, bpp, x, y, uint8(x+y)&top)
			}
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if got := Pixel(buf, stride, bpp, x, y); got != uint8(x+y)&top {
					t.Fatalf("bpp %d (%d,%d) = %d", bpp, x, y, got)
				}
			}
		}
	}
}

func TestFirstPixelLowBits(t *testing.T) {
	buf := make([]byte, 1)
	SetPixel(buf, 1, 4, 0, 0, 0x5)
	SetPixel(buf, 1, 4, 1, 0, 0xA)
	if buf[0] != 0xA5 {
		t.Errorf("packed byte = 0x%02X, want 0xA5", buf[0])
	}
}

func TestPackGray(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	// The 4x2 center crop starts at (1,1).
	img.Set(1, 1, color.NRGBA{A: 255})
	img.Set(2, 1, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	img.Set(3, 1, color.NRGBA{})

	buf, err := PackGray(img, 4, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	stride := Stride(4, 4)
	tests := []struct {
		x, y int
		want uint8
	}{
		{0, 0, 0x0},
		{1, 0, 0x8},
		{2, 0, 0xF},
		{3, 1, 0xF},
	}
	for _, tt := range tests {
		if got := Pixel(buf, stride, 4, tt.x, tt.y); got != tt.want {
			t.Errorf("(%d,%d) = 0x%X, want 0x%X", tt.x, tt.y, got, tt.want)
		}
	}

	if _, err := PackGray(img, 8, 8, 4); err == nil {
		t.Error("undersized image accepted")
	}
	if _, err := PackGray(img, 4, 2, 3); err == nil {
		t.Error("3bpp accepted")
	}
}

func TestWords(t *testing.T) {
	w := Words([]byte{0x01, 0x02, 0x03})
	if len(w) != 2 || w[0] != 0x0201 || w[1] != 0xFF03 {
		t.Errorf("Words = %04X", w)
	}
	b := Bytes(w, 3)
	if b[0] != 1 || b[1] != 2 || b[2] != 3 {
		t.Errorf("Bytes = %v", b)
	}
}

func TestCopy(t *testing.T) {
	src := Fill(4, 4, 2, 0)
	dst := Fill(8, 8, 2, 3)
	Copy(dst, Stride(8, 2), 2, 3, src, Stride(4, 2), 0, 0, 4, 4, 2)
	if Pixel(dst, Stride(8, 2), 2, 2, 3) != 0 || Pixel(dst, Stride(8, 2), 2, 1, 3) != 3 {
		t.Error("copy landed in the wrong place")
	}
}
