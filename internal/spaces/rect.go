package spaces

import "fmt"

// Rect is an axis aligned rectangle in pixel coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Valid reports whether r has a non-negative origin and a positive size.
func (r Rect) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.W > 0 && r.H > 0
}

// Scale maps r from a (fromW, fromH) space into a (toW, toH) space,
// truncating toward zero.
func (r Rect) Scale(fromW, fromH, toW, toH int) Rect {
	if fromW <= 0 || fromH <= 0 {
		return r
	}
	return Rect{
		X: r.X * toW / fromW,
		Y: r.Y * toH / fromH,
		W: r.W * toW / fromW,
		H: r.H * toH / fromH,
	}
}

// Union returns the smallest rectangle covering r and o.
func (r Rect) Union(o Rect) Rect {
	x1, y1 := min(r.X, o.X), min(r.Y, o.Y)
	x2, y2 := max(r.X+r.W, o.X+o.W), max(r.Y+r.H, o.Y+o.H)
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Tuple returns r as an (x, y, w, h) array.
func (r Rect) Tuple() [4]int {
	return [4]int{r.X, r.Y, r.W, r.H}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.X, r.Y, r.W, r.H)
}

// Section returns the quadrant label of the rectangle's top-left corner
// within a width x height frame: A or B by column, 1 or 2 by row.
func Section(r Rect, width, height int) string {
	col := "A"
	if width > 0 && r.X >= width/2 {
		col = "B"
	}
	row := "1"
	if height > 0 && r.Y >= height/2 {
		row = "2"
	}
	return col + row
}
