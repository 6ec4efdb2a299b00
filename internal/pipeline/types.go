package pipeline

import (
	"image"
	"time"
)

// FrameData is one captured video frame.
type FrameData struct {
	SourceID  string
	Data      []byte      // JPEG as captured
	Image     image.Image // decoded Data
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// FrameSubscription is an active subscription to one source.
type FrameSubscription struct {
	SourceID string
	Channel  chan *FrameData
	Done     chan struct{} // closed when the subscription is cancelled
}

// CaptureStats contains frame capture statistics for one source.
type CaptureStats struct {
	SourceID       string
	FramesCaptured uint64
	FramesDropped  uint64
	DecodeErrors   uint64
	LastFrameTime  int64 // Unix timestamp
}

// FrameProvider captures frames from video sources and broadcasts them to
// subscribers.
type FrameProvider interface {
	// Start begins capturing from device under sourceID.
	Start(sourceID, device string, fps, width, height int) error

	// Stop halts capture and cancels every subscription of sourceID.
	Stop(sourceID string) error

	// Subscribe returns a bounded channel of frames. Callers must Unsubscribe.
	Subscribe(sourceID string, bufferSize int) (*FrameSubscription, error)

	Unsubscribe(sub *FrameSubscription)

	IsRunning(sourceID string) bool

	// GetStats returns a copy of the capture statistics, nil if unknown.
	GetStats(sourceID string) *CaptureStats
}
