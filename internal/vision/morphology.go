package vision

import (
	"image"
	"math"
)

// Kernel is a structuring element: the set of offsets relative to its anchor.
type Kernel []image.Point

// RectKernel returns a w x h rectangular structuring element anchored at its centre.
func RectKernel(w, h int) Kernel {
	ax, ay := w/2, h/2
	k := make(Kernel, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			k = append(k, image.Pt(x-ax, y-ay))
		}
	}
	return k
}

// EllipseKernel returns the elliptic structuring element inscribed in a w x h box.
func EllipseKernel(w, h int) Kernel {
	r, c := w/2, h/2
	k := make(Kernel, 0, w*h)
	if r == 0 || c == 0 {
		return RectKernel(w, h)
	}
	invR2 := 1 / float64(r*r)
	for y := 0; y < h; y++ {
		dy := y - c
		if abs(dy) > c {
			continue
		}
		dx := int(math.Round(float64(r) * math.Sqrt(float64(c*c-dy*dy)*invR2)))
		x1 := max(r-dx, 0)
		x2 := min(r+dx+1, w)
		for x := x1; x < x2; x++ {
			k = append(k, image.Pt(x-r, y-c))
		}
	}
	return k
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Dilate replaces each pixel by the maximum over the kernel. Out of bounds
// neighbours are ignored.
func Dilate(src *image.Gray, k Kernel) *image.Gray {
	return morph(src, k, true)
}

// Erode replaces each pixel by the minimum over the kernel. Out of bounds
// neighbours are ignored.
func Erode(src *image.Gray, k Kernel) *image.Gray {
	return morph(src, k, false)
}

// Close is a dilation followed by an erosion with the reflected kernel.
func Close(src *image.Gray, k Kernel) *image.Gray {
	reflected := make(Kernel, len(k))
	for i, p := range k {
		reflected[i] = image.Pt(-p.X, -p.Y)
	}
	return Erode(Dilate(src, k), reflected)
}

func morph(src *image.Gray, k Kernel, takeMax bool) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v uint8
			if !takeMax {
				v = 255
			}
			for _, p := range k {
				xx, yy := x+p.X, y+p.Y
				if xx < 0 || yy < 0 || xx >= w || yy >= h {
					continue
				}
				pv := src.Pix[yy*src.Stride+xx]
				if takeMax && pv > v || !takeMax && pv < v {
					v = pv
				}
			}
			dst.Pix[y*dst.Stride+x] = v
		}
	}
	return dst
}

// BoundingBoxes returns the bounding rectangle of every 8-connected region of
// non-zero pixels, in scan order of each region's first pixel.
func BoundingBoxes(src *image.Gray) []image.Rectangle {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	visited := make([]bool, w*h)
	var boxes []image.Rectangle
	stack := make([]int, 0, 256)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || src.Pix[y*src.Stride+x] == 0 {
				continue
			}

			box := image.Rect(x, y, x+1, y+1)
			visited[idx] = true
			stack = append(stack[:0], idx)
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				cx, cy := cur%w, cur/w
				box = box.Union(image.Rect(cx, cy, cx+1, cy+1))

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := cx+dx, cy+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						n := ny*w + nx
						if visited[n] || src.Pix[ny*src.Stride+nx] == 0 {
							continue
						}
						visited[n] = true
						stack = append(stack, n)
					}
				}
			}
			boxes = append(boxes, box)
		}
	}
	return boxes
}
