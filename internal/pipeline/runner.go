package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/config"
	"parkwatch/internal/coordinator"
	"parkwatch/internal/logging"
	"parkwatch/internal/vision"
)

// Source ids used with the frame provider.
const (
	ParkingSource = "parking"
	VehicleSource = "vehicle"
)

// ErrSourceStopped is returned by Run when a subscribed source goes away.
var ErrSourceStopped = errors.New("frame source stopped")

// FrameProcessor turns frames into an annotated frame.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, req coordinator.FrameRequest) (*image.RGBA, error)
}

// FrameSink receives every annotated frame as JPEG.
type FrameSink interface {
	SetAnnotatedFrame(frame []byte)
}

// RunnerStats counts processed and failed frames.
type RunnerStats struct {
	FramesProcessed uint64 `json:"frames_processed"`
	FramesFailed    uint64 `json:"frames_failed"`
}

// Runner feeds the latest frame of each source to a FrameProcessor at a
// fixed rate and keeps the latest annotated frame as JPEG.
type Runner struct {
	cfg       config.DetectionSettings
	provider  FrameProvider
	processor FrameProcessor
	sinks     []FrameSink
	log       logrus.FieldLogger

	processed atomic.Uint64
	failed    atomic.Uint64

	mu     sync.RWMutex
	latest []byte
}

// NewRunner creates a runner for cfg.Mode. Annotated frames are also pushed
// to sinks.
func NewRunner(cfg config.DetectionSettings, provider FrameProvider, processor FrameProcessor, logger logrus.FieldLogger, sinks ...FrameSink) *Runner {
	return &Runner{
		cfg:       cfg,
		provider:  provider,
		processor: processor,
		sinks:     sinks,
		log:       logging.Component(logger, "runner"),
	}
}

// LatestFrame returns the latest annotated frame as JPEG, nil before the
// first processed frame.
func (r *Runner) LatestFrame() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Stats returns frame counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		FramesProcessed: r.processed.Load(),
		FramesFailed:    r.failed.Load(),
	}
}

// open starts a source and subscribes to it. The returned func releases the
// subscription and stops capture.
func (r *Runner) open(sourceID string, src config.SourceSettings) (*FrameSubscription, func(), error) {
	if err := r.provider.Start(sourceID, src.Device, src.FPS, src.Width, src.Height); err != nil {
		return nil, nil, fmt.Errorf("start %s source: %w", sourceID, err)
	}
	sub, err := r.provider.Subscribe(sourceID, 2)
	if err != nil {
		_ = r.provider.Stop(sourceID)
		return nil, nil, fmt.Errorf("subscribe %s source: %w", sourceID, err)
	}
	return sub, func() {
		r.provider.Unsubscribe(sub)
		if err := r.provider.Stop(sourceID); err != nil {
			r.log.WithError(err).WithField("source", sourceID).Warn("failed to stop source")
		}
	}, nil
}

// Run processes frames until ctx is cancelled or a source stops.
func (r *Runner) Run(ctx context.Context) error {
	mode := r.cfg.Mode
	wantParking := mode == coordinator.ModeParking || mode == coordinator.ModeSimultaneous
	wantVehicle := mode == coordinator.ModeVehicle ||
		(mode == coordinator.ModeSimultaneous && r.cfg.Vehicle.Device != "")
	if !wantParking && !wantVehicle {
		return fmt.Errorf("%w: %q", coordinator.ErrUnknownMode, mode)
	}

	var (
		parkingFrames, vehicleFrames <-chan *FrameData
		parkingDone, vehicleDone     <-chan struct{}
	)
	fps := 0
	if wantParking {
		sub, closeFn, err := r.open(ParkingSource, r.cfg.Parking)
		if err != nil {
			return err
		}
		defer closeFn()
		parkingFrames, parkingDone = sub.Channel, sub.Done
		fps = r.cfg.Parking.FPS
	}
	if wantVehicle {
		sub, closeFn, err := r.open(VehicleSource, r.cfg.Vehicle)
		if err != nil {
			return err
		}
		defer closeFn()
		vehicleFrames, vehicleDone = sub.Channel, sub.Done
		if fps <= 0 {
			fps = r.cfg.Vehicle.FPS
		}
	}
	if fps <= 0 {
		fps = 10
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{"mode": mode, "fps": fps}).Info("frame loop started")
	defer r.log.Info("frame loop stopped")

	var st loopState
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-parkingDone:
			return fmt.Errorf("%w: %s", ErrSourceStopped, ParkingSource)
		case <-vehicleDone:
			return fmt.Errorf("%w: %s", ErrSourceStopped, VehicleSource)
		case f := <-parkingFrames:
			st.parking = f
		case f := <-vehicleFrames:
			st.vehicle = f
		case <-ticker.C:
			r.step(ctx, mode, &st)
		}
	}
}

// loopState tracks the latest frames and what was already processed.
type loopState struct {
	parking, vehicle *FrameData
	vehiclePrevious  image.Image
	parkingSeq       uint64
	vehicleSeq       uint64
}

func (r *Runner) step(ctx context.Context, mode string, st *loopState) {
	freshParking := st.parking != nil && st.parking.Seq != st.parkingSeq
	freshVehicle := st.vehicle != nil && st.vehicle.Seq != st.vehicleSeq

	req := coordinator.FrameRequest{Mode: mode}
	switch mode {
	case coordinator.ModeParking:
		if !freshParking {
			return
		}
		req.Parking = st.parking.Image
	case coordinator.ModeVehicle:
		if !freshVehicle {
			return
		}
		req.Vehicle = st.vehicle.Image
		req.VehiclePrevious = st.vehiclePrevious
	case coordinator.ModeSimultaneous:
		if st.parking == nil || (!freshParking && !freshVehicle) {
			return
		}
		req.Parking = st.parking.Image
		if freshVehicle {
			req.Vehicle = st.vehicle.Image
			req.VehiclePrevious = st.vehiclePrevious
		}
	}

	if freshParking {
		st.parkingSeq = st.parking.Seq
	}
	if req.Vehicle != nil {
		st.vehicleSeq = st.vehicle.Seq
		st.vehiclePrevious = st.vehicle.Image
	}

	out, err := r.processor.ProcessFrame(ctx, req)
	if err != nil {
		r.failed.Add(1)
		if ctx.Err() == nil {
			r.log.WithError(err).Warn("frame processing failed")
		}
		return
	}
	r.processed.Add(1)

	data, err := vision.EncodeJPEG(out)
	if err != nil {
		r.log.WithError(err).Warn("failed to encode annotated frame")
		return
	}
	r.mu.Lock()
	r.latest = data
	r.mu.Unlock()

	for _, sink := range r.sinks {
		sink.SetAnnotatedFrame(data)
	}
}
