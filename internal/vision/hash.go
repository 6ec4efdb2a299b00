package vision

import (
	"image"

	"golang.org/x/image/draw"
)

const hashSize = 32

// AverageHash returns a 64-bit perceptual hash of img. The frame is reduced
// to a 32x32 gray thumbnail, averaged into an 8x8 grid, and each cell sets
// its bit when brighter than the grid mean. Near duplicate frames share a hash.
func AverageHash(img image.Image) uint64 {
	thumb := image.NewGray(image.Rect(0, 0, hashSize, hashSize))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)

	const cell = hashSize / 8
	var cells [64]int
	total := 0
	for y := 0; y < hashSize; y++ {
		for x := 0; x < hashSize; x++ {
			v := int(thumb.Pix[y*thumb.Stride+x])
			cells[(y/cell)*8+x/cell] += v
			total += v
		}
	}

	mean := total / 64
	var hash uint64
	for i, sum := range cells {
		if sum > mean {
			hash |= 1 << uint(i)
		}
	}
	return hash
}
