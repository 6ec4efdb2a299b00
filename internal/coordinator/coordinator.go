// Package coordinator owns the occupancy table and routes frames and
// commands to the registry, classifier, tracker and allocation engine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"parkwatch/internal/allocation"
	"parkwatch/internal/database"
	"parkwatch/internal/logging"
	"parkwatch/internal/metrics"
	"parkwatch/internal/occupancy"
	"parkwatch/internal/spaces"
	"parkwatch/internal/tracking"
	"parkwatch/internal/vision"
)

// Detection modes.
const (
	ModeParking      = "parking"
	ModeVehicle      = "vehicle"
	ModeSimultaneous = "simultaneous"
)

var (
	ErrUnknownMode = errors.New("unknown detection mode")
	ErrNoFrame     = errors.New("frame missing for detection mode")
)

// SnapshotStore persists statistics snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap database.SnapshotRecord) error
}

// FrameRequest carries the frames for one processing step.
type FrameRequest struct {
	Mode            string
	Parking         image.Image
	Vehicle         image.Image
	VehiclePrevious image.Image
}

// Deps are the components a Coordinator routes work to. Tracker, Metrics
// and Snapshots may be nil.
type Deps struct {
	Registry   *spaces.Registry
	Classifier *occupancy.Classifier
	Table      *occupancy.Table
	Tracker    tracking.MotionTracker
	Engine     *allocation.Engine
	Metrics    *metrics.ParkingMetrics
	Snapshots  SnapshotStore
}

// Options tune the coordinator.
type Options struct {
	MaxSnapshots int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator serializes every change to the occupancy table.
type Coordinator struct {
	registry   *spaces.Registry
	classifier *occupancy.Classifier
	table      *occupancy.Table
	tracker    tracking.MotionTracker
	engine     *allocation.Engine
	metrics    *metrics.ParkingMetrics
	snapshots  SnapshotStore
	bus        *UpdateBus
	now        func() time.Time
	log        logrus.FieldLogger

	vehicleCount atomic.Int64

	statsMu      sync.Mutex
	stats        []database.SnapshotRecord
	maxSnapshots int
}

// New creates a coordinator over deps.
func New(deps Deps, opts Options, logger logrus.FieldLogger) (*Coordinator, error) {
	if deps.Registry == nil || deps.Table == nil || deps.Engine == nil {
		return nil, errors.New("coordinator requires a registry, a table and an engine")
	}
	if deps.Classifier == nil {
		deps.Classifier = occupancy.NewClassifier(occupancy.DefaultThreshold)
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		registry:     deps.Registry,
		classifier:   deps.Classifier,
		table:        deps.Table,
		tracker:      deps.Tracker,
		engine:       deps.Engine,
		metrics:      deps.Metrics,
		snapshots:    deps.Snapshots,
		bus:          NewUpdateBus(deps.Metrics),
		now:          opts.Now,
		log:          logging.Component(logger, "coordinator"),
		maxSnapshots: opts.MaxSnapshots,
	}, nil
}

// Updates subscribes to state updates.
func (c *Coordinator) Updates(bufferSize int) (<-chan *Update, func()) {
	return c.bus.Subscribe(bufferSize)
}

// Subscribers returns the number of open update subscriptions.
func (c *Coordinator) Subscribers() int {
	return c.bus.SubscriberCount()
}

// Close closes every update subscription.
func (c *Coordinator) Close() {
	c.bus.Close()
}

// ProcessFrame runs one detection step and returns the annotated frame.
func (c *Coordinator) ProcessFrame(ctx context.Context, req FrameRequest) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	var (
		out *image.RGBA
		err error
	)
	switch req.Mode {
	case ModeParking:
		if req.Parking == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoFrame, req.Mode)
		}
		out = c.processParking(req.Parking)
	case ModeVehicle:
		if req.Vehicle == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoFrame, req.Mode)
		}
		out = c.processVehicle(ctx, req.Vehicle, req.VehiclePrevious)
	case ModeSimultaneous:
		out, err = c.processSimultaneous(ctx, req)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}

	c.metrics.RecordFrame(req.Mode, time.Since(start).Seconds())
	c.publish()
	return out, nil
}

// processParking classifies the current spaces on frame and returns a copy
// of frame with the parking layer drawn.
func (c *Coordinator) processParking(frame image.Image) *image.RGBA {
	w, h := frame.Bounds().Dx(), frame.Bounds().Dy()
	if dw, dh := c.registry.DisplayDimensions(); dw != w || dh != h {
		c.registry.Rescale(w, h)
		c.log.WithFields(logrus.Fields{"width": w, "height": h}).Debug("rescaled spaces to frame size")
	}

	binary := vision.BinarizeForOccupancy(frame)
	res := c.classifier.Classify(binary, c.registry.Spaces(), c.registry.Groups())
	for _, s := range res.Skipped {
		c.log.WithFields(logrus.Fields{"space": s.Label, "rect": s.Rect.String()}).Debug("space outside frame, skipped")
	}
	c.table.ApplyDetection(res, c.now())

	out := vision.ToRGBA(frame)
	total, free, _ := c.table.Counts()
	occupancy.Annotate(out, c.table.Records(), free, total)
	return out
}

// processVehicle advances the tracker. Without a previous frame the frame
// passes through unannotated.
func (c *Coordinator) processVehicle(ctx context.Context, frame, previous image.Image) *image.RGBA {
	if c.tracker == nil || previous == nil {
		return vision.ToRGBA(frame)
	}
	out, delta := c.tracker.Update(ctx, frame, previous)
	if delta > 0 {
		c.vehicleCount.Add(int64(delta))
	}
	return out
}

// processSimultaneous runs both tasks on their own frames, then draws the
// vehicle layer over the annotated parking frame.
func (c *Coordinator) processSimultaneous(ctx context.Context, req FrameRequest) (*image.RGBA, error) {
	if req.Parking == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFrame, req.Mode)
	}

	g, gctx := errgroup.WithContext(ctx)

	var parking *image.RGBA
	g.Go(func() error {
		if err := gctx.Err(); err != nil {
			return err
		}
		parking = c.processParking(req.Parking)
		return nil
	})

	tracked := req.Vehicle != nil && req.VehiclePrevious != nil && c.tracker != nil
	if tracked {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.processVehicle(gctx, req.Vehicle, req.VehiclePrevious)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if tracked {
		c.tracker.Overlay(parking)
	}
	return parking, nil
}

// VehicleCount returns the vehicles counted since the last reset.
func (c *Coordinator) VehicleCount() int {
	return int(c.vehicleCount.Load())
}

// ResetVehicleCount clears the tracker and the vehicle counter.
func (c *Coordinator) ResetVehicleCount() {
	if c.tracker != nil {
		c.tracker.Reset()
	}
	c.vehicleCount.Store(0)
	c.log.Info("vehicle count reset")
	c.publish()
}

// Threshold returns the occupancy pixel threshold.
func (c *Coordinator) Threshold() int {
	return c.classifier.Threshold()
}

// SetThreshold changes the occupancy pixel threshold for later frames.
func (c *Coordinator) SetThreshold(threshold int) {
	c.classifier.SetThreshold(threshold)
	c.log.WithField("threshold", c.classifier.Threshold()).Info("occupancy threshold changed")
}

func (c *Coordinator) publish() {
	total, free, occupied := c.table.Counts()
	count := c.VehicleCount()

	c.metrics.SetOccupancy(total, free, occupied)
	c.metrics.SetVehicleCount(count)

	c.bus.Publish(&Update{
		Timestamp:    c.now(),
		Total:        total,
		Free:         free,
		Occupied:     occupied,
		VehicleCount: count,
		Records:      c.table.Records(),
	})
}
