package vision

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Annotation colours.
var (
	Green  = color.RGBA{0, 255, 0, 255}
	Red    = color.RGBA{255, 0, 0, 255}
	Blue   = color.RGBA{0, 0, 255, 255}
	Yellow = color.RGBA{255, 255, 0, 255}
	Orange = color.RGBA{255, 165, 0, 255}
)

// DrawBox draws the outline of r on img.
func DrawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	x, y, w, h := r.Min.X, r.Min.Y, r.Dx(), r.Dy()

	for t := 0; t < thickness; t++ {
		// Top and bottom edges
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if i < 0 {
				continue
			}
			if y+t >= 0 && y+t < bounds.Max.Y {
				img.SetRGBA(i, y+t, c)
			}
			if y+h-t >= 0 && y+h-t < bounds.Max.Y {
				img.SetRGBA(i, y+h-t, c)
			}
		}
		// Left and right edges
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if j < 0 {
				continue
			}
			if x+t >= 0 && x+t < bounds.Max.X {
				img.SetRGBA(x+t, j, c)
			}
			if x+w-t >= 0 && x+w-t < bounds.Max.X {
				img.SetRGBA(x+w-t, j, c)
			}
		}
	}
}

// DrawHLine draws a horizontal line across the full width at y.
func DrawHLine(img *image.RGBA, y int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	for t := 0; t < thickness; t++ {
		yy := y + t
		if yy < bounds.Min.Y || yy >= bounds.Max.Y {
			continue
		}
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			img.SetRGBA(x, yy, c)
		}
	}
}

// DrawLabel draws text on a dark background with its top-left corner near (x, y).
func DrawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	bounds := img.Bounds()
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < bounds.Max.X && py >= 0 && py < bounds.Max.Y {
				img.SetRGBA(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// DrawDot fills a small square centred on p.
func DrawDot(img *image.RGBA, p image.Point, radius int, c color.RGBA) {
	r := image.Rect(p.X-radius, p.Y-radius, p.X+radius+1, p.Y+radius+1).Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}
