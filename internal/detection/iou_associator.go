package detection

import (
	"context"
	"image"
	"sort"
	"sync"
)

type iouTrack struct {
	id              int
	bbox            BBox
	classID         int
	hitStreak       int
	timeSinceUpdate int
}

// IoUAssociator matches detections to tracks greedily by overlap.
// A track is reported once it has been matched minHits frames in a row, or
// immediately during the first minHits frames. Unmatched tracks are dropped
// after maxAge frames.
type IoUAssociator struct {
	maxAge    int
	minHits   int
	threshold float64

	mu         sync.Mutex
	tracks     []*iouTrack
	nextID     int
	frameCount int
}

// NewIoUAssociator creates an associator. Non-positive arguments use 30, 3 and 0.3.
func NewIoUAssociator(maxAge, minHits int, threshold float64) *IoUAssociator {
	if maxAge <= 0 {
		maxAge = 30
	}
	if minHits <= 0 {
		minHits = 3
	}
	if threshold <= 0 {
		threshold = 0.3
	}
	return &IoUAssociator{maxAge: maxAge, minHits: minHits, threshold: threshold, nextID: 1}
}

func (a *IoUAssociator) Name() string { return "iou" }

type pair struct {
	track, det int
	iou        float64
}

// Update implements ObjectAssociator.
func (a *IoUAssociator) Update(_ context.Context, detections []Detection, _ image.Image) ([]Track, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frameCount++

	pairs := make([]pair, 0, len(a.tracks)*len(detections))
	for ti, t := range a.tracks {
		for di, d := range detections {
			if v := IoU(t.bbox, d.BBox); v >= a.threshold {
				pairs = append(pairs, pair{ti, di, v})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].iou > pairs[j].iou })

	trackUsed := make([]bool, len(a.tracks))
	detUsed := make([]bool, len(detections))
	for _, p := range pairs {
		if trackUsed[p.track] || detUsed[p.det] {
			continue
		}
		trackUsed[p.track], detUsed[p.det] = true, true
		t := a.tracks[p.track]
		t.bbox = detections[p.det].BBox
		t.classID = detections[p.det].ClassID
		t.hitStreak++
		t.timeSinceUpdate = 0
	}

	for i, t := range a.tracks {
		if !trackUsed[i] {
			t.hitStreak = 0
			t.timeSinceUpdate++
		}
	}

	for i, d := range detections {
		if detUsed[i] {
			continue
		}
		a.tracks = append(a.tracks, &iouTrack{
			id:        a.nextID,
			bbox:      d.BBox,
			classID:   d.ClassID,
			hitStreak: 1,
		})
		a.nextID++
	}

	kept := a.tracks[:0]
	out := make([]Track, 0, len(a.tracks))
	for _, t := range a.tracks {
		if t.timeSinceUpdate > a.maxAge {
			continue
		}
		kept = append(kept, t)
		if t.timeSinceUpdate == 0 && (t.hitStreak >= a.minHits || a.frameCount <= a.minHits) {
			out = append(out, Track{ID: t.id, BBox: t.bbox, ClassID: t.classID})
		}
	}
	a.tracks = kept

	return out, nil
}

// Reset implements ObjectAssociator.
func (a *IoUAssociator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracks = nil
	a.nextID = 1
	a.frameCount = 0
}
