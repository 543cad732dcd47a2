package phash

import (
	"image"
	"image/color"
	"math/rand"
	"testing"
)

// gridImage paints a 9x8 luminance grid as blocks of size scale x scale
func gridImage(grid [gridRows][gridCols]uint8, scale int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, gridCols*scale, gridRows*scale))
	for y := 0; y < gridRows*scale; y++ {
		for x := 0; x < gridCols*scale; x++ {
			v := grid[y/scale][x/scale]
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

// gridFor builds a grid whose difference hash is exactly h
func gridFor(h Hash) [gridRows][gridCols]uint8 {
	var grid [gridRows][gridCols]uint8
	for y := 0; y < gridRows; y++ {
		v := 128
		grid[y][0] = uint8(v)
		for x := 0; x < gridCols-1; x++ {
			bit := (uint64(h) >> (63 - (y*8 + x))) & 1
			if bit == 1 {
				v -= 12
			} else {
				v += 12
			}
			grid[y][x+1] = uint8(v)
		}
	}
	return grid
}

func TestComputeKnownHashes(t *testing.T) {
	tests := []struct {
		name string
		hash Hash
	}{
		{"all zero", 0},
		{"all ones", ^Hash(0)},
		{"alternating", 0xAAAAAAAAAAAAAAAA},
		{"msb only", 1 << 63},
		{"lsb only", 1},
		{"mixed", 0x0123456789ABCDEF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, scale := range []int{1, 2, 4} {
				got := Compute(gridImage(gridFor(tt.hash), scale))
				if got != tt.hash {
					t.Errorf("scale %d: Compute() = %s, want %s", scale, got, tt.hash)
				}
			}
		})
	}
}

func TestComputeUniformImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	if got := Compute(img); got != 0 {
		t.Errorf("Compute(uniform) = %s, want 0", got)
	}
}

func TestComputeDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	rng.Read(img.Pix)

	first := Compute(img)
	for i := 0; i < 5; i++ {
		if got := Compute(img); got != first {
			t.Fatalf("Compute() run %d = %s, want %s", i, got, first)
		}
	}
}

func TestComputeSubImage(t *testing.T) {
	want := Hash(0xF0F0F0F00F0F0F0F)
	inner := gridImage(gridFor(want), 2)

	// Embed the grid in a larger noisy frame and hash only the sub-image.
	frame := image.NewRGBA(image.Rect(0, 0, 60, 40))
	rng := rand.New(rand.NewSource(1))
	rng.Read(frame.Pix)
	offset := image.Pt(10, 5)
	for y := 0; y < inner.Bounds().Dy(); y++ {
		for x := 0; x < inner.Bounds().Dx(); x++ {
			frame.SetRGBA(x+offset.X, y+offset.Y, inner.RGBAAt(x, y))
		}
	}

	region := inner.Bounds().Add(offset)
	if got := Compute(frame.SubImage(region)); got != want {
		t.Errorf("Compute(sub image) = %s, want %s", got, want)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b Hash
		want int
	}{
		{0, 0, 0},
		{0, ^Hash(0), 64},
		{0b1011, 0b0001, 2},
		{0xAAAAAAAAAAAAAAAA, 0x5555555555555555, 64},
		{1 << 63, 1, 2},
	}

	for _, tt := range tests {
		if got := Distance(tt.a, tt.b); got != tt.want {
			t.Errorf("Distance(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		a, b := Hash(rng.Uint64()), Hash(rng.Uint64())
		d := Distance(a, b)
		if d < 0 || d > 64 {
			t.Fatalf("Distance(%s, %s) = %d, out of range", a, b, d)
		}
		if d != Distance(b, a) {
			t.Fatalf("Distance not symmetric for %s, %s", a, b)
		}
		if Distance(a, a) != 0 {
			t.Fatalf("Distance(%s, %s) != 0", a, a)
		}
	}
}

func TestCenterRegion(t *testing.T) {
	tests := []struct {
		name   string
		bounds image.Rectangle
		frac   float64
		want   image.Rectangle
	}{
		{"1080p", image.Rect(0, 0, 1920, 1080), 0.5, image.Rect(480, 270, 1440, 810)},
		{"odd size", image.Rect(0, 0, 37, 33), 0.5, image.Rect(9, 8, 27, 24)},
		{"offset bounds", image.Rect(10, 10, 50, 30), 0.5, image.Rect(20, 15, 40, 25)},
		{"full frame", image.Rect(0, 0, 100, 100), 1, image.Rect(0, 0, 100, 100)},
		{"tiny", image.Rect(0, 0, 1, 1), 0.5, image.Rect(0, 0, 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CenterRegion(tt.bounds, tt.frac); got != tt.want {
				t.Errorf("CenterRegion() = %v, want %v", got, tt.want)
			}
		})
	}
}
