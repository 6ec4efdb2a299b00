// Package detection holds the vehicle detection and object association
// backends used by the detector-based tracker.
package detection

import (
	"context"
	"errors"
	"image"
)

// ErrUnavailable is returned when a backend fails its health check.
var ErrUnavailable = errors.New("detection service unavailable")

// BBox is an axis-aligned box in pixel coordinates: [x1, y1, x2, y2].
type BBox [4]float64

// Center returns the box centre.
func (b BBox) Center() (float64, float64) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2
}

// Area returns the box area, zero for inverted boxes.
func (b BBox) Area() float64 {
	w, h := b[2]-b[0], b[3]-b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect converts the box to an integer rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b BBox) float64 {
	ix1, iy1 := max(a[0], b[0]), max(a[1], b[1])
	ix2, iy2 := min(a[2], b[2]), min(a[3], b[3])
	inter := BBox{ix1, iy1, ix2, iy2}.Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one detected object.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	Class      string  `json:"class"`
}

// Track is an associated object with a stable id across frames.
type Track struct {
	ID      int  `json:"id"`
	BBox    BBox `json:"bbox"`
	ClassID int  `json:"class_id"`
}

// VehicleDetector finds objects in a frame.
type VehicleDetector interface {
	// Name returns the backend identifier (e.g. "http", "grpc")
	Name() string

	// IsHealthy returns true if the backend is reachable
	IsHealthy(ctx context.Context) bool

	// Detect runs inference on a frame
	Detect(ctx context.Context, frame image.Image) ([]Detection, error)

	// Close releases backend resources
	Close() error
}

// ObjectAssociator links detections across frames into tracks.
type ObjectAssociator interface {
	Name() string

	// Update consumes one frame's detections and returns the confirmed tracks
	Update(ctx context.Context, detections []Detection, frame image.Image) ([]Track, error)

	// Reset drops all tracks and restarts id assignment
	Reset()
}

// FilterVehicles keeps detections of the given classes at or above minConfidence.
func FilterVehicles(dets []Detection, classes []int, minConfidence float64) []Detection {
	allowed := make(map[int]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if allowed[d.ClassID] && d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out
}
