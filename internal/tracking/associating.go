package tracking

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"parkwatch/internal/config"
	"parkwatch/internal/detection"
	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

// TrackedObject is a vehicle with a stable id across frames.
type TrackedObject struct {
	ID            int            `json:"track_id"`
	ClassID       int            `json:"class_id"`
	BBox          detection.BBox `json:"bbox"`
	Positions     []image.Point  `json:"positions"`
	Counted       bool           `json:"counted"`
	Active        bool           `json:"active"`
	FramesTracked int            `json:"frames_tracked"`
	LastSeen      time.Time      `json:"last_seen"`

	missed int
}

// AssociatingTracker runs a vehicle detector, links detections into tracks
// and counts each track at most once when it crosses the line downwards.
type AssociatingTracker struct {
	detector   detection.VehicleDetector
	associator detection.ObjectAssociator

	lineHeight int
	offset     int
	skipFrames int
	maxHistory int
	maxAge     int
	confidence float64
	classes    []int
	cacheSize  int
	log        logrus.FieldLogger

	mu         sync.Mutex
	count      int
	frameIndex int
	lastDets   []detection.Detection
	objects    map[int]*TrackedObject
	limiter    *rate.Limiter
	cache      *gocache.Cache
	interval   time.Duration
	cacheTTL   time.Duration
}

// NewAssociatingTracker creates a detector based tracker from cfg.
func NewAssociatingTracker(cfg config.TrackerSettings, detector detection.VehicleDetector, associator detection.ObjectAssociator, logger logrus.FieldLogger) *AssociatingTracker {
	t := &AssociatingTracker{
		detector:   detector,
		associator: associator,
		lineHeight: cfg.LineHeight,
		offset:     cfg.Offset,
		skipFrames: cfg.SkipFrames,
		maxHistory: cfg.MaxHistory,
		maxAge:     cfg.MaxAge,
		confidence: cfg.Confidence,
		classes:    cfg.VehicleClasses,
		cacheSize:  cfg.CacheSize,
		interval:   cfg.InferenceInterval,
		cacheTTL:   cfg.CacheTTL,
		log:        logging.Component(logger, "tracker"),
		objects:    make(map[int]*TrackedObject),
	}
	if t.lineHeight <= 0 {
		t.lineHeight = 400
	}
	if t.offset <= 0 {
		t.offset = 10
	}
	if t.skipFrames < 0 {
		t.skipFrames = 0
	}
	if t.maxHistory <= 0 {
		t.maxHistory = 30
	}
	if t.maxAge <= 0 {
		t.maxAge = 30
	}
	if t.confidence <= 0 {
		t.confidence = 0.5
	}
	if len(t.classes) == 0 {
		t.classes = []int{2, 3, 5, 7}
	}
	if t.cacheSize <= 0 {
		t.cacheSize = 20
	}
	if t.cacheTTL <= 0 {
		t.cacheTTL = 2 * time.Second
	}
	t.resetLimiterAndCache()
	return t
}

func (t *AssociatingTracker) resetLimiterAndCache() {
	if t.interval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(t.interval), 1)
	} else {
		t.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	t.cache = gocache.New(t.cacheTTL, 2*t.cacheTTL)
}

// detect returns the detections for frame, reusing the previous set on
// skipped or rate limited frames and consulting the hash cache otherwise.
// Caller holds mu.
func (t *AssociatingTracker) detect(ctx context.Context, frame image.Image) ([]detection.Detection, error) {
	t.frameIndex++
	if t.frameIndex > 1 && (t.frameIndex-1)%(t.skipFrames+1) != 0 {
		return t.lastDets, nil
	}
	if !t.limiter.Allow() {
		return t.lastDets, nil
	}

	key := fmt.Sprintf("%016x", vision.AverageHash(frame))
	if cached, ok := t.cache.Get(key); ok {
		return cached.([]detection.Detection), nil
	}

	dets, err := t.detector.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}
	dets = detection.FilterVehicles(dets, t.classes, t.confidence)
	t.storeCached(key, dets)
	return dets, nil
}

// storeCached inserts into the detection cache, evicting the entry closest
// to expiry when it is full.
func (t *AssociatingTracker) storeCached(key string, dets []detection.Detection) {
	if t.cache.ItemCount() >= t.cacheSize {
		t.cache.DeleteExpired()
	}
	if t.cache.ItemCount() >= t.cacheSize {
		oldestKey := ""
		var oldest int64
		for k, item := range t.cache.Items() {
			if oldestKey == "" || item.Expiration < oldest {
				oldestKey, oldest = k, item.Expiration
			}
		}
		t.cache.Delete(oldestKey)
	}
	t.cache.SetDefault(key, dets)
}

// Update implements MotionTracker. Detector or associator failures are logged
// and yield the previous frame with zero new crossings.
func (t *AssociatingTracker) Update(ctx context.Context, frame, previous image.Image) (*image.RGBA, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	line := countingLine(t.lineHeight, frame.Bounds().Dy())

	fallback := func(stage string, err error) (*image.RGBA, int) {
		t.log.WithError(err).WithField("stage", stage).Warn("tracking failed, keeping previous frame")
		base := previous
		if base == nil {
			base = frame
		}
		return annotateBase(base, line, t.count), 0
	}

	dets, err := t.detect(ctx, frame)
	if err != nil {
		return fallback("detect", err)
	}
	t.lastDets = dets

	tracks, err := t.associator.Update(ctx, dets, frame)
	if err != nil {
		return fallback("associate", err)
	}

	delta := t.applyTracks(tracks, line, time.Now())
	t.count += delta
	if delta > 0 {
		t.log.WithFields(logrus.Fields{"delta": delta, "count": t.count}).Debug("vehicles crossed line")
	}

	return t.annotate(frame, line), delta
}

// applyTracks updates tracked objects and returns the number of new crossings.
// Caller holds mu.
func (t *AssociatingTracker) applyTracks(tracks []detection.Track, line int, now time.Time) int {
	seen := make(map[int]bool, len(tracks))
	delta := 0

	for _, tr := range tracks {
		seen[tr.ID] = true
		cx, cy := tr.BBox.Center()
		pos := image.Pt(int(cx), int(cy))

		obj, ok := t.objects[tr.ID]
		if !ok {
			obj = &TrackedObject{ID: tr.ID}
			t.objects[tr.ID] = obj
		}

		if n := len(obj.Positions); n > 0 && !obj.Counted {
			prevY := obj.Positions[n-1].Y
			if prevY < line-t.offset && pos.Y > line+t.offset {
				obj.Counted = true
				delta++
			}
		}

		obj.Positions = append(obj.Positions, pos)
		if len(obj.Positions) > t.maxHistory {
			obj.Positions = obj.Positions[len(obj.Positions)-t.maxHistory:]
		}
		obj.ClassID = tr.ClassID
		obj.BBox = tr.BBox
		obj.Active = true
		obj.FramesTracked++
		obj.LastSeen = now
		obj.missed = 0
	}

	for id, obj := range t.objects {
		if seen[id] {
			continue
		}
		obj.Active = false
		obj.missed++
		if obj.missed > t.maxAge {
			delete(t.objects, id)
		}
	}
	return delta
}

// annotate draws active tracks with their ids and trails. Caller holds mu.
func (t *AssociatingTracker) annotate(frame image.Image, line int) *image.RGBA {
	out := annotateBase(frame, line, t.count)
	t.drawTracks(out)
	return out
}

// Overlay implements MotionTracker.
func (t *AssociatingTracker) Overlay(dst *image.RGBA) {
	t.mu.Lock()
	defer t.mu.Unlock()
	drawLine(dst, countingLine(t.lineHeight, dst.Bounds().Dy()), t.count)
	t.drawTracks(dst)
}

func (t *AssociatingTracker) drawTracks(out *image.RGBA) {
	for _, obj := range t.objects {
		if !obj.Active {
			continue
		}
		c := vision.Green
		if obj.Counted {
			c = vision.Red
		}
		r := obj.BBox.Rect()
		vision.DrawBox(out, r, c, 2)
		vision.DrawLabel(out, r.Min.X, r.Min.Y-14, fmt.Sprintf("ID %d", obj.ID), c)
		for _, p := range obj.Positions {
			vision.DrawDot(out, p, 2, vision.Yellow)
		}
	}
}

// Count implements MotionTracker.
func (t *AssociatingTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Objects returns copies of the tracked objects ordered by id.
func (t *AssociatingTracker) Objects() []TrackedObject {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedObject, 0, len(t.objects))
	for _, obj := range t.objects {
		cp := *obj
		cp.Positions = append([]image.Point(nil), obj.Positions...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset implements MotionTracker.
func (t *AssociatingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count = 0
	t.frameIndex = 0
	t.lastDets = nil
	t.objects = make(map[int]*TrackedObject)
	t.associator.Reset()
	t.resetLimiterAndCache()
}
