package occupancy

import (
	"fmt"
	"image"

	"parkwatch/internal/vision"
)

// Annotate draws space and group outlines plus a free counter on dst.
// Free spaces are green, occupied ones red.
func Annotate(dst *image.RGBA, records []Record, free, total int) {
	for _, rec := range records {
		c := vision.Green
		if rec.Occupied {
			c = vision.Red
		}
		r := image.Rect(rec.Rect.X, rec.Rect.Y, rec.Rect.X+rec.Rect.W, rec.Rect.Y+rec.Rect.H)
		if rec.IsGroup {
			vision.DrawBox(dst, r, c, 3)
			vision.DrawLabel(dst, r.Min.X+2, r.Min.Y-14, rec.SpaceID, c)
			continue
		}
		vision.DrawBox(dst, r, c, 2)
		vision.DrawLabel(dst, r.Min.X+2, r.Max.Y-14, rec.SpaceID, c)
	}

	vision.DrawLabel(dst, 10, 10, fmt.Sprintf("Free: %d/%d", free, total), vision.Green)
}
