// Package phash implements the difference hash (dHash) used to detect visual
// change between video frames.
package phash

import (
	"fmt"
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

const (
	gridCols = 9
	gridRows = 8
)

// Hash is a 64-bit difference hash
type Hash uint64

func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Compute downsamples img to a 9x8 grayscale grid and emits one bit per
// horizontally adjacent pair, set when the left pixel is brighter than the
// right one. Bits are packed row-major, most significant first.
func Compute(img image.Image) Hash {
	grid := image.NewRGBA(image.Rect(0, 0, gridCols, gridRows))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), img, img.Bounds(), draw.Src, nil)

	var h Hash
	for y := 0; y < gridRows; y++ {
		for x := 0; x < gridCols-1; x++ {
			h <<= 1
			if luma(grid, x, y) > luma(grid, x+1, y) {
				h |= 1
			}
		}
	}
	return h
}

// Distance returns the Hamming distance between two hashes, in [0, 64]
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// CenterRegion returns the centred sub-rectangle covering frac of the width
// and height of bounds.
func CenterRegion(bounds image.Rectangle, frac float64) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	x0 := bounds.Min.X + int(float64(w)*(1-frac)/2)
	y0 := bounds.Min.Y + int(float64(h)*(1-frac)/2)
	rw := max(int(float64(w)*frac), 1)
	rh := max(int(float64(h)*frac), 1)
	return image.Rect(x0, y0, x0+rw, y0+rh).Intersect(bounds)
}

// luma uses the ITU-R BT.601 weights, in integer arithmetic on 8-bit channels
func luma(img *image.RGBA, x, y int) int {
	c := img.RGBAAt(x, y)
	return (299*int(c.R) + 587*int(c.G) + 114*int(c.B)) / 1000
}
