// Package vision implements the raster operations used by occupancy
// classification and motion tracking on 8-bit grayscale images.
package vision

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"
)

// ToGray converts img to an 8-bit grayscale image with its origin at (0,0).
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	case *image.YCbCr:
		// JPEG frames: luma is the Y plane.
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+b.Dx()], src.Y[src.YOffset(b.Min.X, b.Min.Y+y):])
		}
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				dst.Pix[y*dst.Stride+x] = luma(row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				dst.Pix[y*dst.Stride+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
	}
	return dst
}

// ToRGBA copies img into a new RGBA image with its origin at (0,0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*int(r) + 587*int(g) + 114*int(b) + 500) / 1000)
}

// AbsDiff returns the per-channel absolute difference of two frames reduced to
// grayscale. Frames of different size produce an all-zero image the size of a.
func AbsDiff(a, b image.Image) *image.Gray {
	ra, rb := ToRGBA(a), ToRGBA(b)
	dst := image.NewGray(ra.Bounds())
	if ra.Bounds() != rb.Bounds() {
		return dst
	}
	for i, j := 0, 0; i < len(ra.Pix); i, j = i+4, j+1 {
		dst.Pix[j] = luma(absDiff(ra.Pix[i], rb.Pix[i]), absDiff(ra.Pix[i+1], rb.Pix[i+1]), absDiff(ra.Pix[i+2], rb.Pix[i+2]))
	}
	return dst
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

// reflect101 maps an out of range coordinate back inside [0, n) by mirroring
// without repeating the edge pixel.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*n - 2 - i
		}
	}
	return i
}

// gaussianKernel returns a normalized 1-D kernel. A non-positive sigma is
// derived from the size.
func gaussianKernel(size int, sigma float64) []float64 {
	if sigma <= 0 {
		sigma = 0.3*(float64(size-1)*0.5-1) + 0.8
	}
	k := make([]float64, size)
	half := size / 2
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianBlur applies a separable size x size Gaussian filter.
func GaussianBlur(src *image.Gray, size int, sigma float64) *image.Gray {
	return separable(src, gaussianKernel(size, sigma))
}

func separable(src *image.Gray, k []float64) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	half := len(k) / 2
	tmp := make([]float64, w*h)

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range k {
				acc += kv * float64(row[reflect101(x+i-half, w)])
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range k {
				acc += kv * tmp[reflect101(y+i-half, h)*w+x]
			}
			dst.Pix[y*dst.Stride+x] = clamp8(acc)
		}
	}
	return dst
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Threshold sets pixels above thresh to maxValue and the rest to zero.
func Threshold(src *image.Gray, thresh, maxValue uint8) *image.Gray {
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		if v > thresh {
			dst.Pix[i] = maxValue
		}
	}
	return dst
}

// AdaptiveThresholdInv binarizes against a Gaussian weighted local mean over a
// block x block window: pixels brighter than mean-c become 0, others 255.
func AdaptiveThresholdInv(src *image.Gray, block int, c float64) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	k := gaussianKernel(block, 0)
	half := block / 2

	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			var acc float64
			for i, kv := range k {
				acc += kv * float64(row[reflect101(x+i-half, w)])
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var mean float64
			for i, kv := range k {
				mean += kv * tmp[reflect101(y+i-half, h)*w+x]
			}
			if float64(src.Pix[y*src.Stride+x]) <= math.Round(mean)-c {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// MedianBlur replaces each pixel with the median of its size x size neighbourhood.
func MedianBlur(src *image.Gray, size int) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	half := size / 2
	dst := image.NewGray(image.Rect(0, 0, w, h))
	window := make([]int, 0, size*size)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			window = window[:0]
			for dy := -half; dy <= half; dy++ {
				yy := clampIndex(y+dy, h)
				for dx := -half; dx <= half; dx++ {
					window = append(window, int(src.Pix[yy*src.Stride+clampIndex(x+dx, w)]))
				}
			}
			sort.Ints(window)
			dst.Pix[y*dst.Stride+x] = uint8(window[len(window)/2])
		}
	}
	return dst
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// CountNonZero counts pixels with a non-zero value inside r.
func CountNonZero(src *image.Gray, r image.Rectangle) int {
	r = r.Intersect(src.Bounds())
	count := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := src.Pix[src.PixOffset(r.Min.X, y):src.PixOffset(r.Max.X, y)]
		for _, v := range row {
			if v != 0 {
				count++
			}
		}
	}
	return count
}
