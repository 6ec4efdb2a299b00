package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/allocation"
	"parkwatch/internal/database"
	"parkwatch/internal/occupancy"
)

var (
	ErrNoSpace        = errors.New("no free space")
	ErrEngine         = errors.New("allocation engine failed")
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidCommand = errors.New("invalid command")
)

// Commands accepted by Execute.
type (
	GetOccupancy struct{}

	Allocate struct {
		VehicleSize      float64
		PreferredSection string
		// Assign also marks the chosen space occupied.
		Assign bool
	}

	AllocateGroup struct {
		VehicleSize int
	}

	RecordFeedback struct {
		SpaceID     string
		VehicleSize float64
		Successful  bool
	}

	AssignVehicle struct {
		SpaceID string
	}

	ReleaseVehicle struct {
		SpaceID string
	}

	Snapshot struct{}
)

// OccupancyView is the result of GetOccupancy.
type OccupancyView struct {
	Total        int                `json:"total"`
	Free         int                `json:"free"`
	Occupied     int                `json:"occupied"`
	VehicleCount int                `json:"vehicle_count"`
	Threshold    int                `json:"threshold"`
	Records      []occupancy.Record `json:"records"`
}

// Allocation is the result of Allocate and AllocateGroup.
type Allocation struct {
	SpaceID   string  `json:"space_id"`
	Section   string  `json:"section,omitempty"`
	Score     float64 `json:"score"`
	VehicleID string  `json:"vehicle_id,omitempty"`
}

// FeedbackResult is the result of RecordFeedback.
type FeedbackResult struct {
	Retrained bool   `json:"retrained"`
	Pending   int    `json:"pending"`
	State     string `json:"model_state"`
}

// Assignment is the result of AssignVehicle and ReleaseVehicle.
type Assignment struct {
	SpaceID   string `json:"space_id"`
	VehicleID string `json:"vehicle_id"`
}

// Execute runs one command against the coordinator.
func (c *Coordinator) Execute(ctx context.Context, cmd any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cmd := cmd.(type) {
	case GetOccupancy:
		return c.occupancy(), nil
	case Allocate:
		return c.allocate(ctx, cmd)
	case AllocateGroup:
		return c.allocateGroup(cmd)
	case RecordFeedback:
		return c.recordFeedback(ctx, cmd)
	case AssignVehicle:
		return c.assign(cmd.SpaceID)
	case ReleaseVehicle:
		return c.release(cmd.SpaceID)
	case Snapshot:
		return c.takeSnapshot(ctx), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (c *Coordinator) occupancy() *OccupancyView {
	total, free, occupied := c.table.Counts()
	return &OccupancyView{
		Total:        total,
		Free:         free,
		Occupied:     occupied,
		VehicleCount: c.VehicleCount(),
		Threshold:    c.classifier.Threshold(),
		Records:      c.table.Records(),
	}
}

func hasFreeSpace(records map[string]occupancy.Record) bool {
	for _, rec := range records {
		if !rec.IsGroup && !rec.Occupied {
			return true
		}
	}
	return false
}

// allocate scores a snapshot of the table. With Assign set the choice is
// re-validated under the table lock; if another writer took the space the
// allocation runs once more against a fresh snapshot.
func (c *Coordinator) allocate(ctx context.Context, cmd Allocate) (*Allocation, error) {
	if cmd.VehicleSize <= 0 {
		cmd.VehicleSize = 1
	}

	for attempt := 0; attempt < 2; attempt++ {
		records := c.table.Snapshot()
		spaceID, score := c.engine.Allocate(ctx, records, cmd.VehicleSize, cmd.PreferredSection)
		if spaceID == "" {
			if hasFreeSpace(records) {
				c.metrics.RecordAllocation("error")
				return nil, ErrEngine
			}
			c.metrics.RecordAllocation("no_space")
			return nil, ErrNoSpace
		}

		result := &Allocation{
			SpaceID: spaceID,
			Section: allocation.SectionOf(spaceID),
			Score:   score,
		}
		if !cmd.Assign {
			c.metrics.RecordAllocation("allocated")
			return result, nil
		}

		vehicleID, err := c.table.Assign(spaceID, c.now())
		if err == nil {
			result.VehicleID = vehicleID
			c.metrics.RecordAllocation("allocated")
			c.publish()
			return result, nil
		}
		if !errors.Is(err, occupancy.ErrSpaceOccupied) && !errors.Is(err, occupancy.ErrUnknownSpace) {
			c.metrics.RecordAllocation("error")
			return nil, err
		}
		c.log.WithFields(logrus.Fields{"space_id": spaceID, "attempt": attempt + 1}).
			Debug("allocated space taken before assignment")
	}

	c.metrics.RecordAllocation("no_space")
	return nil, ErrNoSpace
}

func (c *Coordinator) allocateGroup(cmd AllocateGroup) (*Allocation, error) {
	if cmd.VehicleSize <= 0 {
		return nil, fmt.Errorf("%w: vehicle size must be positive", ErrInvalidCommand)
	}
	groupID, score := allocation.AllocateGroup(c.table.Snapshot(), cmd.VehicleSize)
	if groupID == "" {
		c.metrics.RecordAllocation("no_space")
		return nil, ErrNoSpace
	}
	c.metrics.RecordAllocation("allocated")
	return &Allocation{SpaceID: groupID, Score: score}, nil
}

func (c *Coordinator) recordFeedback(ctx context.Context, cmd RecordFeedback) (*FeedbackResult, error) {
	if cmd.SpaceID == "" {
		return nil, fmt.Errorf("%w: space id required", ErrInvalidCommand)
	}
	if cmd.VehicleSize <= 0 {
		cmd.VehicleSize = 1
	}

	retrained, err := c.engine.RecordFeedback(ctx, cmd.SpaceID, cmd.VehicleSize, cmd.Successful)
	if err != nil {
		if errors.Is(err, allocation.ErrNoHistory) {
			return nil, err
		}
		c.metrics.RecordFeedback(cmd.Successful)
		c.metrics.RecordRetrain("failure")
		return nil, err
	}

	c.metrics.RecordFeedback(cmd.Successful)
	if retrained {
		c.metrics.RecordRetrain("success")
	}
	return &FeedbackResult{
		Retrained: retrained,
		Pending:   c.engine.PendingFeedback(),
		State:     c.engine.State(),
	}, nil
}

func (c *Coordinator) assign(spaceID string) (*Assignment, error) {
	vehicleID, err := c.table.Assign(spaceID, c.now())
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"space_id": spaceID, "vehicle_id": vehicleID}).Info("vehicle assigned")
	c.publish()
	return &Assignment{SpaceID: spaceID, VehicleID: vehicleID}, nil
}

func (c *Coordinator) release(spaceID string) (*Assignment, error) {
	vehicleID, err := c.table.Release(spaceID, c.now())
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"space_id": spaceID, "vehicle_id": vehicleID}).Info("vehicle released")
	c.publish()
	return &Assignment{SpaceID: spaceID, VehicleID: vehicleID}, nil
}

// Occupancy returns the current totals and records.
func (c *Coordinator) Occupancy(ctx context.Context) (*OccupancyView, error) {
	return execute[*OccupancyView](ctx, c, GetOccupancy{})
}

// AllocateSpace runs an Allocate command.
func (c *Coordinator) AllocateSpace(ctx context.Context, cmd Allocate) (*Allocation, error) {
	return execute[*Allocation](ctx, c, cmd)
}

// AllocateGroupSpace runs an AllocateGroup command.
func (c *Coordinator) AllocateGroupSpace(ctx context.Context, vehicleSize int) (*Allocation, error) {
	return execute[*Allocation](ctx, c, AllocateGroup{VehicleSize: vehicleSize})
}

// Feedback runs a RecordFeedback command.
func (c *Coordinator) Feedback(ctx context.Context, cmd RecordFeedback) (*FeedbackResult, error) {
	return execute[*FeedbackResult](ctx, c, cmd)
}

// Assign marks a space occupied by a new vehicle.
func (c *Coordinator) Assign(ctx context.Context, spaceID string) (*Assignment, error) {
	return execute[*Assignment](ctx, c, AssignVehicle{SpaceID: spaceID})
}

// Release frees a space.
func (c *Coordinator) Release(ctx context.Context, spaceID string) (*Assignment, error) {
	return execute[*Assignment](ctx, c, ReleaseVehicle{SpaceID: spaceID})
}

// TakeSnapshot records a statistics snapshot now.
func (c *Coordinator) TakeSnapshot(ctx context.Context) (database.SnapshotRecord, error) {
	return execute[database.SnapshotRecord](ctx, c, Snapshot{})
}

func execute[T any](ctx context.Context, c *Coordinator, cmd any) (T, error) {
	var zero T
	res, err := c.Execute(ctx, cmd)
	if err != nil {
		return zero, err
	}
	out, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result %T for %T", res, cmd)
	}
	return out, nil
}
