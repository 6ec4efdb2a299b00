// Package spaces holds the parking space rectangles, their scale correction
// between calibration and live video coordinates, and group topology.
package spaces

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"parkwatch/internal/logging"
)

// GroupSection is the section tag reported for groups.
const GroupSection = "G"

var (
	ErrInvalidRect  = errors.New("invalid rectangle")
	ErrUnknownSpace = errors.New("unknown space")
	ErrUnknownGroup = errors.New("unknown group")
	ErrEmptyGroup   = errors.New("group needs at least one space")
)

type entry struct {
	display   Rect
	reference Rect
	groupID   string
}

type group struct {
	id      string
	members []SpaceID
}

// Space is a read-only view of one space.
type Space struct {
	ID        SpaceID
	Index     int
	Label     string // S{index+1}-{section}
	Section   string
	Rect      Rect // display coordinates
	Reference Rect
	GroupID   string
	Distance  int // distance to entrance proxy, x+y
}

// Group is a read-only view of a space group.
type Group struct {
	ID      string
	Members []SpaceID
	Rect    Rect // bounding rectangle of the members in display coordinates
}

// Registry is the single source of truth for space rectangles and groups.
type Registry struct {
	mu       sync.RWMutex
	arena    arena
	order    []SpaceID
	groups   []*group
	groupSeq int

	refW, refH   int
	dispW, dispH int

	store Store
	log   logrus.FieldLogger
}

// NewRegistry creates an empty registry. store may be nil when persistence is not needed.
func NewRegistry(store Store, logger logrus.FieldLogger) *Registry {
	return &Registry{
		store: store,
		log:   logging.Component(logger, "registry"),
	}
}

// SetReferenceDimensions records the size of the calibration image the
// reference rectangles were drawn on.
func (r *Registry) SetReferenceDimensions(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refW, r.refH = width, height
}

// ReferenceDimensions returns the calibration image size, zero if unknown.
func (r *Registry) ReferenceDimensions() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refW, r.refH
}

// DisplayDimensions returns the live video size, zero if unknown.
func (r *Registry) DisplayDimensions() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispW, r.dispH
}

// Add appends a space drawn in display coordinates and returns its id.
func (r *Registry) Add(rect Rect) (SpaceID, error) {
	if !rect.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRect, rect)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ref := rect
	if r.refW > 0 && r.refH > 0 && r.dispW > 0 && r.dispH > 0 {
		ref = rect.Scale(r.dispW, r.dispH, r.refW, r.refH)
	}

	id := r.arena.alloc(entry{display: rect, reference: ref})
	r.order = append(r.order, id)
	return id, nil
}

// addReference appends a space given in reference coordinates. Caller holds mu.
func (r *Registry) addReference(ref Rect) SpaceID {
	display := ref
	if r.refW > 0 && r.refH > 0 && r.dispW > 0 && r.dispH > 0 {
		display = ref.Scale(r.refW, r.refH, r.dispW, r.dispH)
	}
	id := r.arena.alloc(entry{display: display, reference: ref})
	r.order = append(r.order, id)
	return id
}

// Rescale recomputes every display rectangle for a new video size. Display
// rectangles are always derived from the reference copies so repeated
// rescaling never drifts.
func (r *Registry) Rescale(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refW <= 0 || r.refH <= 0 {
		// Spaces were drawn on the first video frame seen.
		r.refW, r.refH = width, height
	}
	r.dispW, r.dispH = width, height

	for _, id := range r.order {
		e, ok := r.arena.get(id)
		if !ok {
			continue
		}
		e.display = e.reference.Scale(r.refW, r.refH, width, height)
	}
}

// Remove deletes a space and drops it from its group.
func (r *Registry) Remove(id SpaceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

// RemoveAt deletes the space at a position in the current ordering.
func (r *Registry) RemoveAt(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.order) {
		return fmt.Errorf("%w: index %d", ErrUnknownSpace, index)
	}
	return r.removeLocked(r.order[index])
}

func (r *Registry) removeLocked(id SpaceID) error {
	e, ok := r.arena.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSpace, id)
	}
	if e.groupID != "" {
		r.detachLocked(id, e.groupID)
	}
	r.arena.release(id)

	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear removes every space and group.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

func (r *Registry) clearLocked() {
	r.arena.releaseAll()
	r.order = nil
	r.groups = nil
}

// Len returns the number of spaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Group creates a group from ids, detaching them from any previous group.
func (r *Registry) Group(ids []SpaceID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]SpaceID, 0, len(ids))
	seen := make(map[SpaceID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if _, ok := r.arena.get(id); !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownSpace, id)
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) == 0 {
		return "", ErrEmptyGroup
	}

	for _, id := range members {
		e, _ := r.arena.get(id)
		if e.groupID != "" {
			r.detachLocked(id, e.groupID)
		}
	}

	r.groupSeq++
	g := &group{id: fmt.Sprintf("Group_%d", r.groupSeq), members: members}
	r.groups = append(r.groups, g)
	for _, id := range members {
		e, _ := r.arena.get(id)
		e.groupID = g.id
	}

	r.log.WithFields(logrus.Fields{"group": g.id, "members": len(members)}).Info("Created space group")
	return g.id, nil
}

// GroupAt is Group by positions in the current ordering.
func (r *Registry) GroupAt(indices []int) (string, error) {
	r.mu.RLock()
	ids := make([]SpaceID, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(r.order) {
			r.mu.RUnlock()
			return "", fmt.Errorf("%w: index %d", ErrUnknownSpace, i)
		}
		ids = append(ids, r.order[i])
	}
	r.mu.RUnlock()
	return r.Group(ids)
}

// RemoveGroup deletes a group. Its members stay as ungrouped spaces.
func (r *Registry) RemoveGroup(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, g := range r.groups {
		if g.id != groupID {
			continue
		}
		for _, id := range g.members {
			if e, ok := r.arena.get(id); ok {
				e.groupID = ""
			}
		}
		r.groups = append(r.groups[:i], r.groups[i+1:]...)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
}

// detachLocked drops id from groupID, deleting the group if it becomes empty.
func (r *Registry) detachLocked(id SpaceID, groupID string) {
	if e, ok := r.arena.get(id); ok {
		e.groupID = ""
	}
	for i, g := range r.groups {
		if g.id != groupID {
			continue
		}
		for j, m := range g.members {
			if m == id {
				g.members = append(g.members[:j], g.members[j+1:]...)
				break
			}
		}
		if len(g.members) == 0 {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			r.log.WithField("group", groupID).Info("Removed empty group")
		}
		return
	}
}

// ShiftAll moves every space by (dx, dy) display pixels, clamping at zero.
func (r *Registry) ShiftAll(dx, dy int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refDX, refDY := dx, dy
	if r.refW > 0 && r.refH > 0 && r.dispW > 0 && r.dispH > 0 {
		refDX = dx * r.refW / r.dispW
		refDY = dy * r.refH / r.dispH
	}

	for _, id := range r.order {
		e, ok := r.arena.get(id)
		if !ok {
			continue
		}
		e.display.X = max(0, e.display.X+dx)
		e.display.Y = max(0, e.display.Y+dy)
		e.reference.X = max(0, e.reference.X+refDX)
		e.reference.Y = max(0, e.reference.Y+refDY)
	}
}

// Spaces returns a snapshot of all spaces in order.
func (r *Registry) Spaces() []Space {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, h := r.dispW, r.dispH
	if w <= 0 || h <= 0 {
		w, h = r.refW, r.refH
	}

	out := make([]Space, 0, len(r.order))
	for i, id := range r.order {
		e, ok := r.arena.get(id)
		if !ok {
			continue
		}
		section := Section(e.display, w, h)
		out = append(out, Space{
			ID:        id,
			Index:     i,
			Label:     fmt.Sprintf("S%d-%s", i+1, section),
			Section:   section,
			Rect:      e.display,
			Reference: e.reference,
			GroupID:   e.groupID,
			Distance:  e.display.X + e.display.Y,
		})
	}
	return out
}

// Get returns the space with the given id.
func (r *Registry) Get(id SpaceID) (Space, bool) {
	for _, s := range r.Spaces() {
		if s.ID == id {
			return s, true
		}
	}
	return Space{}, false
}

// Groups returns a snapshot of all groups with their bounding rectangles.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		view := Group{ID: g.id, Members: append([]SpaceID(nil), g.members...)}
		first := true
		for _, id := range g.members {
			e, ok := r.arena.get(id)
			if !ok {
				continue
			}
			if first {
				view.Rect = e.display
				first = false
			} else {
				view.Rect = view.Rect.Union(e.display)
			}
		}
		out = append(out, view)
	}
	return out
}
