package occupancy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"parkwatch/internal/spaces"
)

var (
	ErrUnknownSpace  = errors.New("unknown space")
	ErrSpaceOccupied = errors.New("space already occupied")
	ErrSpaceFree     = errors.New("space is not occupied")
)

// Record is the occupancy state of one space or group.
type Record struct {
	// Key is the durable identity; SpaceID is the display label.
	Key             string      `json:"key"`
	SpaceID         string      `json:"space_id"`
	Order           int         `json:"order"`
	Occupied        bool        `json:"occupied"`
	VehicleID       string      `json:"vehicle_id,omitempty"`
	LastStateChange time.Time   `json:"last_state_change"`
	Distance        int         `json:"distance_to_entrance"`
	Section         string      `json:"section"`
	Rect            spaces.Rect `json:"rect"`
	InGroup         bool        `json:"in_group"`
	GroupID         string      `json:"group_id,omitempty"`
	IsGroup         bool        `json:"is_group"`
	Members         int         `json:"members,omitempty"`
	ManuallySet     bool        `json:"manually_set"`
}

func groupKey(id string) string { return "group:" + id }

// Table holds occupancy records. Detection updates and vehicle assignment
// both go through its lock.
type Table struct {
	mu         sync.Mutex
	records    map[string]*Record
	byLabel    map[string]string
	vehicleSeq int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		records: make(map[string]*Record),
		byLabel: make(map[string]string),
	}
}

// ApplyDetection merges a classification result. last_state_change moves
// only when occupied flips. Manually assigned spaces keep their state.
// Records of spaces that no longer exist are dropped.
func (t *Table) ApplyDetection(res Result, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[string]bool, len(res.Spaces)+len(res.Skipped)+len(res.Groups))

	for _, s := range res.Spaces {
		key := s.ID.String()
		live[key] = true
		rec := t.upsert(key, s.Occupied, now)
		rec.SpaceID = s.Label
		rec.Order = s.Index
		rec.Distance = s.Distance
		rec.Section = s.Section
		rec.Rect = s.Rect
		rec.GroupID = s.GroupID
		rec.InGroup = s.GroupID != ""
	}

	for _, s := range res.Skipped {
		key := s.ID.String()
		live[key] = true
		if rec, ok := t.records[key]; ok {
			rec.SpaceID = s.Label
			rec.Order = s.Index
		}
	}

	for i, g := range res.Groups {
		key := groupKey(g.ID)
		live[key] = true
		rec := t.upsert(key, g.Occupied, now)
		rec.SpaceID = g.ID
		rec.Order = len(res.Spaces) + len(res.Skipped) + i
		rec.Distance = g.Distance
		rec.Section = spaces.GroupSection
		rec.Rect = g.Rect
		rec.IsGroup = true
		rec.Members = g.Members
	}

	for key := range t.records {
		if !live[key] {
			delete(t.records, key)
		}
	}

	t.byLabel = make(map[string]string, len(t.records))
	for key, rec := range t.records {
		t.byLabel[rec.SpaceID] = key
	}
}

// upsert returns the record for key, creating it or applying a detected
// transition. Caller holds mu.
func (t *Table) upsert(key string, occupied bool, now time.Time) *Record {
	rec, ok := t.records[key]
	if !ok {
		rec = &Record{Key: key, Occupied: occupied, LastStateChange: now}
		t.records[key] = rec
		return rec
	}
	if !rec.ManuallySet && rec.Occupied != occupied {
		rec.Occupied = occupied
		rec.LastStateChange = now
	}
	return rec
}

// Assign marks a free space occupied by a new vehicle and returns the vehicle id.
func (t *Table) Assign(label string, now time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.lookup(label)
	if err != nil {
		return "", err
	}
	if rec.Occupied {
		return "", fmt.Errorf("%w: %s", ErrSpaceOccupied, label)
	}

	t.vehicleSeq++
	rec.Occupied = true
	rec.VehicleID = fmt.Sprintf("V%d", t.vehicleSeq)
	rec.ManuallySet = true
	rec.LastStateChange = now
	return rec.VehicleID, nil
}

// Release frees a space and hands it back to detection.
func (t *Table) Release(label string, now time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.lookup(label)
	if err != nil {
		return "", err
	}
	if !rec.Occupied && !rec.ManuallySet {
		return "", fmt.Errorf("%w: %s", ErrSpaceFree, label)
	}

	vehicleID := rec.VehicleID
	if rec.Occupied {
		rec.LastStateChange = now
	}
	rec.Occupied = false
	rec.VehicleID = ""
	rec.ManuallySet = false
	return vehicleID, nil
}

func (t *Table) lookup(label string) (*Record, error) {
	key, ok := t.byLabel[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpace, label)
	}
	return t.records[key], nil
}

// Get returns a copy of the record with the given label.
func (t *Table) Get(label string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.lookup(label)
	if err != nil {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns an immutable copy of all records keyed by label.
func (t *Table) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Record, len(t.records))
	for _, rec := range t.records {
		out[rec.SpaceID] = *rec
	}
	return out
}

// Records returns copies of all records, spaces first, in display order.
func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	SortRecords(out)
	return out
}

// Counts returns totals over individual spaces. Group records are not counted.
func (t *Table) Counts() (total, free, occupied int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.records {
		if rec.IsGroup {
			continue
		}
		total++
		if rec.Occupied {
			occupied++
		} else {
			free++
		}
	}
	return total, free, occupied
}

// Reset drops every record.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*Record)
	t.byLabel = make(map[string]string)
}

// SortRecords orders records by Order, then label.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Order != recs[j].Order {
			return recs[i].Order < recs[j].Order
		}
		return recs[i].SpaceID < recs[j].SpaceID
	})
}
