// Package occupancy decides which parking spaces are occupied from a
// binarized frame and keeps the per-space occupancy records.
package occupancy

import (
	"image"
	"sync/atomic"

	"parkwatch/internal/spaces"
	"parkwatch/internal/vision"
)

// DefaultThreshold is the non-zero pixel count at which a space is occupied.
const DefaultThreshold = 500

// SpaceResult is the classification of one space.
type SpaceResult struct {
	ID       spaces.SpaceID
	Index    int
	Label    string
	Section  string
	Rect     spaces.Rect
	Distance int
	GroupID  string
	Count    int
	Occupied bool
}

// GroupResult is the majority vote over a group's members.
type GroupResult struct {
	ID              string
	Rect            spaces.Rect
	Distance        int
	Members         int
	OccupiedMembers int
	Occupied        bool
}

// Result is the outcome of classifying one frame.
type Result struct {
	Width, Height int
	Threshold     int
	Spaces        []SpaceResult
	Groups        []GroupResult
	// Skipped lists spaces that fell outside the frame.
	Skipped []spaces.Space
}

// Counts returns the number of classified spaces and how many are free.
func (r Result) Counts() (total, free int) {
	for _, s := range r.Spaces {
		total++
		if !s.Occupied {
			free++
		}
	}
	return total, free
}

// Classifier counts non-zero pixels inside each space rectangle.
type Classifier struct {
	threshold atomic.Int64
}

// NewClassifier creates a classifier. A non-positive threshold uses DefaultThreshold.
func NewClassifier(threshold int) *Classifier {
	c := &Classifier{}
	c.SetThreshold(threshold)
	return c
}

// Threshold returns the current pixel threshold.
func (c *Classifier) Threshold() int {
	return int(c.threshold.Load())
}

// SetThreshold changes the pixel threshold for subsequent frames.
func (c *Classifier) SetThreshold(threshold int) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	c.threshold.Store(int64(threshold))
}

// inFrame reports whether r lies strictly inside a w x h frame.
func inFrame(r spaces.Rect, w, h int) bool {
	return r.X >= 0 && r.Y >= 0 && r.X+r.W < w && r.Y+r.H < h
}

func crop(r spaces.Rect) image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Classify computes occupancy for every space inside the frame, then the
// majority vote of every group. The group pass counts member pixels itself.
func (c *Classifier) Classify(binary *image.Gray, spaceList []spaces.Space, groups []spaces.Group) Result {
	threshold := c.Threshold()
	w, h := binary.Bounds().Dx(), binary.Bounds().Dy()
	res := Result{Width: w, Height: h, Threshold: threshold}

	byID := make(map[spaces.SpaceID]spaces.Space, len(spaceList))
	for _, s := range spaceList {
		byID[s.ID] = s
		if !inFrame(s.Rect, w, h) {
			res.Skipped = append(res.Skipped, s)
			continue
		}
		count := vision.CountNonZero(binary, crop(s.Rect))
		res.Spaces = append(res.Spaces, SpaceResult{
			ID:       s.ID,
			Index:    s.Index,
			Label:    s.Label,
			Section:  s.Section,
			Rect:     s.Rect,
			Distance: s.Distance,
			GroupID:  s.GroupID,
			Count:    count,
			Occupied: count >= threshold,
		})
	}

	for _, g := range groups {
		gr := GroupResult{ID: g.ID, Rect: g.Rect, Distance: g.Rect.X + g.Rect.Y}
		for _, id := range g.Members {
			s, ok := byID[id]
			if !ok {
				continue
			}
			gr.Members++
			if inFrame(s.Rect, w, h) && vision.CountNonZero(binary, crop(s.Rect)) >= threshold {
				gr.OccupiedMembers++
			}
		}
		if gr.Members == 0 {
			continue
		}
		gr.Occupied = gr.OccupiedMembers*2 > gr.Members
		res.Groups = append(res.Groups, gr)
	}

	return res
}
