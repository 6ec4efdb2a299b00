package tracking

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkwatch/internal/config"
	"parkwatch/internal/detection"
	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

type fakeDetector struct {
	calls atomic.Int32
	err   error
}

func (f *fakeDetector) Name() string                   { return "fake" }
func (f *fakeDetector) IsHealthy(context.Context) bool { return true }
func (f *fakeDetector) Close() error                   { return nil }
func (f *fakeDetector) Detect(context.Context, image.Image) ([]detection.Detection, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []detection.Detection{
		{BBox: detection.BBox{10, 10, 50, 50}, Confidence: 0.9, ClassID: 2},
		{BBox: detection.BBox{60, 60, 90, 90}, Confidence: 0.9, ClassID: 0},
	}, nil
}

// scriptedAssociator returns one track per call following ys.
type scriptedAssociator struct {
	ys    []float64
	calls int
	seen  [][]detection.Detection
	err   error
}

func (s *scriptedAssociator) Name() string { return "scripted" }
func (s *scriptedAssociator) Reset()       { s.calls = 0 }
func (s *scriptedAssociator) Update(_ context.Context, dets []detection.Detection, _ image.Image) ([]detection.Track, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.seen = append(s.seen, dets)
	if s.calls >= len(s.ys) {
		s.calls++
		return nil, nil
	}
	y := s.ys[s.calls]
	s.calls++
	return []detection.Track{{ID: 1, BBox: detection.BBox{100, y - 10, 140, y + 10}, ClassID: 2}}, nil
}

func settings() config.TrackerSettings {
	return config.TrackerSettings{
		Strategy:         StrategyDetector,
		LineHeight:       400,
		Offset:           10,
		MinContourWidth:  40,
		MinContourHeight: 40,
		MaxHistory:       30,
		MaxAge:           30,
		Confidence:       0.5,
		VehicleClasses:   []int{2, 3, 5, 7},
		CacheTTL:         time.Minute,
		CacheSize:        20,
	}
}

// frameWith returns a 640x480 frame with a bright block whose position depends on i.
func frameWith(i int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	x0 := (i * 40) % 600
	for y := 0; y < 240; y++ {
		for x := x0; x < x0+40; x++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	return img
}

func TestCrossingCountedOncePerTrack(t *testing.T) {
	assoc := &scriptedAssociator{ys: []float64{300, 380, 395, 385, 415, 380, 415, 200, 420}}
	tr := NewAssociatingTracker(settings(), &fakeDetector{}, assoc, logging.Discard())
	ctx := context.Background()

	total := 0
	for i := range assoc.ys {
		_, delta := tr.Update(ctx, frameWith(i), nil)
		total += delta
	}

	assert.Equal(t, 1, total)
	assert.Equal(t, 1, tr.Count())
	objs := tr.Objects()
	require.Len(t, objs, 1)
	assert.True(t, objs[0].Counted)
	assert.Equal(t, len(assoc.ys), objs[0].FramesTracked)
}

func TestCrossingNeedsJumpAcrossBand(t *testing.T) {
	tests := []struct {
		name string
		ys   []float64
		want int
	}{
		{"enters band from above", []float64{380, 395, 395, 385}, 0},
		{"walks through band", []float64{385, 395, 405, 415}, 0},
		{"lands on lower edge", []float64{380, 410}, 0},
		{"jumps past band", []float64{380, 415}, 1},
		{"moves upward", []float64{420, 380}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assoc := &scriptedAssociator{ys: tt.ys}
			tr := NewAssociatingTracker(settings(), &fakeDetector{}, assoc, nil)

			for i := range tt.ys {
				tr.Update(context.Background(), frameWith(i), nil)
			}

			assert.Equal(t, tt.want, tr.Count())
		})
	}
}

func TestDetectionsFilteredToVehicles(t *testing.T) {
	assoc := &scriptedAssociator{}
	tr := NewAssociatingTracker(settings(), &fakeDetector{}, assoc, nil)

	tr.Update(context.Background(), frameWith(0), nil)

	require.Len(t, assoc.seen, 1)
	require.Len(t, assoc.seen[0], 1)
	assert.Equal(t, 2, assoc.seen[0][0].ClassID)
}

func TestFrameSkipReusesDetections(t *testing.T) {
	cfg := settings()
	cfg.SkipFrames = 2
	det := &fakeDetector{}
	assoc := &scriptedAssociator{}
	tr := NewAssociatingTracker(cfg, det, assoc, nil)

	for i := 0; i < 7; i++ {
		tr.Update(context.Background(), frameWith(i), nil)
	}

	assert.Equal(t, int32(3), det.calls.Load(), "frames 1, 4 and 7 run inference")
	assert.Len(t, assoc.seen, 7)
	assert.Len(t, assoc.seen[1], 1, "skipped frame reuses the last detections")
}

func TestDetectionCacheAndRateLimit(t *testing.T) {
	det := &fakeDetector{}
	tr := NewAssociatingTracker(settings(), det, &scriptedAssociator{}, nil)
	frame := frameWith(3)

	tr.Update(context.Background(), frame, nil)
	tr.Update(context.Background(), frame, nil)
	assert.Equal(t, int32(1), det.calls.Load(), "identical frame served from cache")

	cfg := settings()
	cfg.InferenceInterval = time.Hour
	limited := &fakeDetector{}
	tr = NewAssociatingTracker(cfg, limited, &scriptedAssociator{}, nil)
	for i := 0; i < 3; i++ {
		tr.Update(context.Background(), frameWith(i), nil)
	}
	assert.Equal(t, int32(1), limited.calls.Load())

	tr.Reset()
	tr.Update(context.Background(), frameWith(5), nil)
	assert.Equal(t, int32(2), limited.calls.Load(), "reset restores the limiter")
}

func TestDetectorErrorFallsBackToPreviousFrame(t *testing.T) {
	det := &fakeDetector{err: errors.New("boom")}
	tr := NewAssociatingTracker(settings(), det, &scriptedAssociator{}, logging.Discard())
	previous := image.NewRGBA(image.Rect(0, 0, 320, 240))

	out, delta := tr.Update(context.Background(), frameWith(0), previous)

	assert.Equal(t, 0, delta)
	assert.Equal(t, previous.Bounds(), out.Bounds())

	assocErr := &scriptedAssociator{err: errors.New("assoc down")}
	tr = NewAssociatingTracker(settings(), &fakeDetector{}, assocErr, logging.Discard())
	_, delta = tr.Update(context.Background(), frameWith(0), nil)
	assert.Equal(t, 0, delta)
}

func TestInactiveObjectsRemovedAfterMaxAge(t *testing.T) {
	cfg := settings()
	cfg.MaxAge = 2
	assoc := &scriptedAssociator{ys: []float64{100}}
	tr := NewAssociatingTracker(cfg, &fakeDetector{}, assoc, nil)

	tr.Update(context.Background(), frameWith(0), nil)
	tr.Update(context.Background(), frameWith(1), nil)
	objs := tr.Objects()
	require.Len(t, objs, 1)
	assert.False(t, objs[0].Active)

	tr.Update(context.Background(), frameWith(2), nil)
	tr.Update(context.Background(), frameWith(3), nil)
	assert.Empty(t, tr.Objects())
}

func blockFrame(w, h int, block image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := block.Min.Y; y < block.Max.Y; y++ {
		for x := block.Min.X; x < block.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{230, 230, 230, 255})
		}
	}
	return img
}

func TestDifferencingCountsCentroidInBand(t *testing.T) {
	tr := NewDifferencingTracker(settings(), nil)
	previous := blockFrame(640, 480, image.Rectangle{})
	frame := blockFrame(640, 480, image.Rect(200, 375, 260, 425))

	out, delta := tr.Update(context.Background(), frame, previous)

	assert.Equal(t, 1, delta)
	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, frame.Bounds(), out.Bounds())

	small := blockFrame(640, 480, image.Rect(200, 390, 220, 410))
	_, delta = tr.Update(context.Background(), small, previous)
	assert.Equal(t, 0, delta, "blobs under the minimum size are ignored")

	far := blockFrame(640, 480, image.Rect(200, 100, 260, 160))
	_, delta = tr.Update(context.Background(), far, previous)
	assert.Equal(t, 0, delta)
	assert.Len(t, tr.matches, 1, "uncounted centroid is kept")

	tr.Reset()
	assert.Equal(t, 0, tr.Count())
	assert.Empty(t, tr.matches)
}

func TestDifferencingOverlayDrawsLastBoxes(t *testing.T) {
	tr := NewDifferencingTracker(settings(), nil)
	previous := blockFrame(640, 480, image.Rectangle{})
	frame := blockFrame(640, 480, image.Rect(200, 100, 260, 160))

	_, _ = tr.Update(context.Background(), frame, previous)
	require.Len(t, tr.boxes, 1)

	dst := image.NewRGBA(image.Rect(0, 0, 640, 480))
	tr.Overlay(dst)
	b := tr.boxes[0]
	assert.Equal(t, vision.Blue, dst.RGBAAt(b.Min.X+5, b.Min.Y))
	assert.Equal(t, vision.Green, dst.RGBAAt(600, 400), "counting line")

	_, _ = tr.Update(context.Background(), frame, nil)
	assert.Empty(t, tr.boxes)
}

func TestDifferencingWithoutPreviousFrame(t *testing.T) {
	tr := NewDifferencingTracker(settings(), nil)
	_, delta := tr.Update(context.Background(), frameWith(0), nil)
	assert.Equal(t, 0, delta)
}

func TestCountingLineClamped(t *testing.T) {
	assert.Equal(t, 400, countingLine(400, 480))
	assert.Equal(t, 250, countingLine(400, 300))
	assert.Equal(t, 250, countingLine(300, 300))
}

func TestNewSelectsStrategy(t *testing.T) {
	cfg := settings()
	cfg.Strategy = StrategyDifferencing
	tr, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &DifferencingTracker{}, tr)

	cfg.Strategy = StrategyDetector
	_, err = New(cfg, nil, nil, nil)
	assert.Error(t, err)

	tr, err = New(cfg, &fakeDetector{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &AssociatingTracker{}, tr)

	cfg.Strategy = "optical-flow"
	_, err = New(cfg, nil, nil, nil)
	assert.Error(t, err)
}
