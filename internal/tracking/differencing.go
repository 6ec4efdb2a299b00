package tracking

import (
	"context"
	"image"
	"sync"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/config"
	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

const (
	maxContours = 50
	maxMatches  = 1000
)

// DifferencingTracker counts motion blobs whose centroid lands in the band
// around the counting line. Blobs have no identity; a centroid is dropped as
// soon as it is counted.
type DifferencingTracker struct {
	lineHeight int
	offset     int
	minW, minH int
	log        logrus.FieldLogger

	mu      sync.Mutex
	count   int
	matches []image.Point
	boxes   []image.Rectangle
}

// NewDifferencingTracker creates a differencing tracker from cfg.
func NewDifferencingTracker(cfg config.TrackerSettings, logger logrus.FieldLogger) *DifferencingTracker {
	t := &DifferencingTracker{
		lineHeight: cfg.LineHeight,
		offset:     cfg.Offset,
		minW:       cfg.MinContourWidth,
		minH:       cfg.MinContourHeight,
		log:        logging.Component(logger, "tracker"),
	}
	if t.lineHeight <= 0 {
		t.lineHeight = 400
	}
	if t.offset <= 0 {
		t.offset = 10
	}
	if t.minW <= 0 {
		t.minW = 40
	}
	if t.minH <= 0 {
		t.minH = 40
	}
	return t
}

// Update implements MotionTracker.
func (t *DifferencingTracker) Update(_ context.Context, frame, previous image.Image) (*image.RGBA, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := countingLine(t.lineHeight, frame.Bounds().Dy())
	t.boxes = t.boxes[:0]
	if previous == nil || previous.Bounds().Size() != frame.Bounds().Size() {
		return annotateBase(frame, line, t.count), 0
	}

	boxes := vision.BoundingBoxes(vision.MotionMask(frame, previous))
	if len(boxes) > maxContours {
		boxes = boxes[:maxContours]
	}

	out := vision.ToRGBA(frame)
	for _, b := range boxes {
		if b.Dx() < t.minW || b.Dy() < t.minH {
			continue
		}
		t.boxes = append(t.boxes, b.Inset(-10))
		vision.DrawBox(out, b.Inset(-10), vision.Blue, 2)
		c := image.Pt(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)
		vision.DrawDot(out, c, 5, vision.Green)
		t.matches = append(t.matches, c)
	}

	delta := 0
	kept := t.matches[:0]
	for _, c := range t.matches {
		if line-t.offset < c.Y && c.Y < line+t.offset {
			delta++
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) > maxMatches {
		kept = append(kept[:0], kept[len(kept)-maxMatches:]...)
	}
	t.matches = kept
	t.count += delta

	if delta > 0 {
		t.log.WithFields(logrus.Fields{"delta": delta, "count": t.count}).Debug("vehicles crossed line")
	}

	drawLine(out, line, t.count)
	return out, delta
}

// Overlay implements MotionTracker.
func (t *DifferencingTracker) Overlay(dst *image.RGBA) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range t.boxes {
		vision.DrawBox(dst, b, vision.Blue, 2)
	}
	drawLine(dst, countingLine(t.lineHeight, dst.Bounds().Dy()), t.count)
}

// Count implements MotionTracker.
func (t *DifferencingTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Reset implements MotionTracker.
func (t *DifferencingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
	t.matches = nil
	t.boxes = nil
}
