// Package tracking counts vehicles crossing a horizontal line in a video
// stream, either from frame differencing or from a detector plus associator.
package tracking

import (
	"context"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/config"
	"parkwatch/internal/detection"
	"parkwatch/internal/vision"
)

// MotionTracker turns consecutive frames into an annotated frame and the
// number of new line crossings. The cumulative count never decreases except
// through Reset.
type MotionTracker interface {
	Update(ctx context.Context, frame, previous image.Image) (*image.RGBA, int)
	// Overlay draws the vehicle layer of the last update onto dst.
	Overlay(dst *image.RGBA)
	Count() int
	Reset()
}

const (
	StrategyDifferencing = "differencing"
	StrategyDetector     = "detector"
)

// New builds the tracker selected by cfg.Strategy. The detector strategy
// requires a detector; the associator defaults to IoU matching.
func New(cfg config.TrackerSettings, detector detection.VehicleDetector, associator detection.ObjectAssociator, logger logrus.FieldLogger) (MotionTracker, error) {
	switch cfg.Strategy {
	case "", StrategyDifferencing:
		return NewDifferencingTracker(cfg, logger), nil
	case StrategyDetector:
		if detector == nil {
			return nil, fmt.Errorf("tracker strategy %q requires a detector backend", cfg.Strategy)
		}
		if associator == nil {
			associator = detection.NewIoUAssociator(0, 0, 0)
		}
		return NewAssociatingTracker(cfg, detector, associator, logger), nil
	default:
		return nil, fmt.Errorf("unknown tracker strategy %q", cfg.Strategy)
	}
}

// countingLine returns the effective line height for a frame of height h.
func countingLine(configured, h int) int {
	if configured >= h {
		return max(h-50, 0)
	}
	return configured
}

// annotateBase copies frame and draws the counting line and the count.
func annotateBase(frame image.Image, line, count int) *image.RGBA {
	out := vision.ToRGBA(frame)
	drawLine(out, line, count)
	return out
}

func drawLine(dst *image.RGBA, line, count int) {
	vision.DrawHLine(dst, line, vision.Green, 2)
	vision.DrawLabel(dst, 10, 30, countLabel(count), vision.Green)
}

func countLabel(count int) string {
	return fmt.Sprintf("Vehicle Count: %d", count)
}
